package config

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestEnvLookups(t *testing.T) {
	t.Setenv("CFG_EMPTY", "")
	t.Setenv("CFG_STR", "val")
	t.Setenv("CFG_INT", "42")
	t.Setenv("CFG_FLOAT", "0.25")
	t.Setenv("CFG_DUR", "150ms")
	t.Setenv("CFG_BAD", "nope")

	if getenv("CFG_EMPTY", "d") != "d" || getenv("CFG_UNSET", "d") != "d" || getenv("CFG_STR", "d") != "val" {
		t.Fatalf("getenv fallback/read broken")
	}
	if getint("CFG_INT", 0) != 42 || getint("CFG_BAD", 7) != 7 {
		t.Fatalf("getint broken")
	}
	if getfloat("CFG_FLOAT", 0) != 0.25 || getfloat("CFG_BAD", 1.5) != 1.5 {
		t.Fatalf("getfloat broken")
	}
	if getdur("CFG_DUR", 0) != 150*time.Millisecond || getdur("CFG_BAD", time.Second) != time.Second {
		t.Fatalf("getdur broken")
	}
}

func TestGetbool(t *testing.T) {
	cases := map[string]bool{
		"1": true, "TRUE": true, " yes ": true, "Y": true, "On": true,
		"0": false, "false": false, " no ": false, "N": false, "OFF": false,
	}
	for v, want := range cases {
		t.Setenv("CFG_BOOL", v)
		if got := getbool("CFG_BOOL", !want); got != want {
			t.Fatalf("getbool(%q) = %v, want %v", v, got, want)
		}
	}
	t.Setenv("CFG_BOOL", "maybe")
	if !getbool("CFG_BOOL", true) || getbool("CFG_BOOL", false) {
		t.Fatalf("unparseable bool must fall back to default")
	}
}

func TestSplitCSV(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("empty input must yield nil, got %#v", out)
	}
	if out := splitCSV(" , ,"); out != nil {
		t.Fatalf("blank entries must yield nil, got %#v", out)
	}
	want := []string{"https://shop.example", "http://localhost:3000"}
	if got := splitCSV(" https://shop.example, ,http://localhost:3000 ,"); !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV = %#v, want %#v", got, want)
	}
}

func TestValidator(t *testing.T) {
	var v validator
	if v.err() != nil {
		t.Fatalf("empty validator must be nil")
	}
	sentinel := errors.New("nested")
	v.check(true, "never")
	v.check(false, "A must be set")
	v.add(nil)
	v.add(sentinel)
	v.fail("B is wrong")

	err := v.err()
	if !errors.Is(err, sentinel) {
		t.Fatalf("added errors must stay matchable")
	}
	if got := err.Error(); got != "A must be set\nnested\nB is wrong" {
		t.Fatalf("joined = %q", got)
	}
}
