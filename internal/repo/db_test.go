package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-marketplace-messaging/internal/config"
	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// newRepoDB opens a private in-memory database and migrates the full schema.
func newRepoDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestOpen_SQLiteMissingDirectory(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "does-not-exist", "messaging.db")

	db, err := Open(config.DBConfig{Driver: "sqlite", Path: bad})
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("want a not-exist error, got %v", err)
	}
}

func TestSQLiteDSN(t *testing.T) {
	cases := map[string]string{
		"messaging.db":      "messaging.db?_pragma=",
		"data/m.db?cache=1": "data/m.db?cache=1&_pragma=",
	}
	for in, prefix := range cases {
		got := sqliteDSN(in)
		if !strings.HasPrefix(got, prefix) {
			t.Fatalf("sqliteDSN(%q) = %q, want prefix %q", in, got, prefix)
		}
		if strings.Count(got, "_pragma=") != len(sqlitePragmas) || strings.Count(got, "?") != 1 {
			t.Fatalf("sqliteDSN(%q) = %q", in, got)
		}
	}
}

func TestOpen_SQLite_PragmasPoolAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messaging.db")

	db, err := Open(config.DBConfig{Path: path, MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	var journalMode string
	if err := db.Raw("PRAGMA journal_mode;").Row().Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journalMode)
	}
	// Every pooled connection enforces foreign keys, not just the first.
	for i := 0; i < 3; i++ {
		conn, err := sqlDB.Conn(context.Background())
		if err != nil {
			t.Fatalf("conn: %v", err)
		}
		defer conn.Close()
		var fk int
		if err := conn.QueryRowContext(context.Background(), "PRAGMA foreign_keys;").Scan(&fk); err != nil || fk != 1 {
			t.Fatalf("conn %d foreign_keys = %d (err=%v)", i, fk, err)
		}
	}
	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 4 {
		t.Fatalf("MaxOpenConnections = %d, want 4", stats.MaxOpenConnections)
	}

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{&domain.Conversation{}, &domain.Message{}, &domain.Notification{}, &domain.Idempotency{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.DBConfig{Driver: "oracle"})
	if err == nil || !strings.Contains(err.Error(), "oracle") {
		t.Fatalf("expected unsupported driver error, got %v", err)
	}
}
