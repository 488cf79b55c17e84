// Package services defines the business logic for conversations, messages and
// notifications. This file centralizes service-level error values so they can
// be returned consistently by service methods and mapped by the HTTP layer.
package services

import "errors"

var (
	// ErrConversationNotFound indicates the conversation does not exist or the
	// caller is not one of its participants.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyText is returned when a message body is empty after normalization.
	ErrEmptyText = errors.New("message text is empty")

	// ErrTooLong is returned when a message exceeds the configured rune limit.
	ErrTooLong = errors.New("message text too long")

	// ErrSelfConversation is returned when a user targets themselves.
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")

	// ErrMissingTarget is returned when a send names neither a conversation nor a receiver.
	ErrMissingTarget = errors.New("conversation_id or receiver_id is required")

	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotificationNotFound indicates the notification does not exist or
	// belongs to another user.
	ErrNotificationNotFound = errors.New("notification not found")
)
