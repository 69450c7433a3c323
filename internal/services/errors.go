// Package services defines the business logic for template rendering, chat
// resolution and notification dispatch. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

var (
	// ErrNoActiveChat indicates that a user has no active chat binding.
	ErrNoActiveChat = errors.New("no active chat_id")

	// ErrInvalidRequest is returned for dispatch, binding or template input
	// that fails validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotificationNotFound indicates that no log record exists for a
	// fingerprint.
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrBindingNotFound indicates that no binding exists for a chat.
	ErrBindingNotFound = errors.New("binding not found")

	// ErrAlreadySent is returned when replaying a record that was delivered.
	ErrAlreadySent = errors.New("notification already sent")

	// ErrChatBound is returned when denying a chat that is actively bound.
	ErrChatBound = errors.New("chat is bound to an active user")
)

// NoActiveChatReason is the error text stored on records without a chat.
const NoActiveChatReason = "No active chat_id"
