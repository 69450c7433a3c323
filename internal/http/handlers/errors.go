// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable: clients branch on them. Generic
// codes mirror HTTP status semantics; domain codes name failures that status
// alone cannot convey.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "already_sent",
//	  "message": "notification already sent"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeEnqueueFailed = "enqueue_failed"
	ErrCodeListFailed    = "list_failed"
	ErrCodeAlreadySent   = "already_sent"
	ErrCodeChatBound     = "chat_bound"
	ErrCodeLinkFailed    = "link_failed"
	ErrCodeTemplateWrite = "template_write_failed"
)
