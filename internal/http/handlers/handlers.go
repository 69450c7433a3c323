// Package handlers implements the public HTTP API of the dispatcher.
//
// Endpoints:
//   - POST /notifications                      (enqueue a dispatch)
//   - GET  /notifications                      (list a user's records, paginated, ETag)
//   - GET  /notifications/{fingerprint}        (read one record)
//   - POST /notifications/{fingerprint}/replay (re-enqueue a stored record)
//   - POST /bindings                           (link a chat, push "approved")
//   - GET  /bindings                           (list a user's bindings)
//   - POST /bindings/{chat_id}/deny            (push "denied")
//   - PUT  /templates                          (upsert a template)
//
// Handlers are transport-thin: they validate input, call services and map
// service errors to stable error codes.
package handlers

import (
	"context"
	"time"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
	"github.com/tbourn/go-tg-dispatcher/internal/gateway"
	"github.com/tbourn/go-tg-dispatcher/internal/queue"
)

// NotificationService enqueues dispatches and reads the notification log.
type NotificationService interface {
	Enqueue(ctx context.Context, req domain.DispatchRequest) (queue.TaskInfo, error)
	Get(ctx context.Context, fingerprint string) (*domain.Notification, error)
	ListPage(ctx context.Context, userID int64, templateKey string, page, pageSize int) ([]domain.Notification, int64, error)
	Stats(ctx context.Context, userID int64, templateKey string) (int64, *time.Time, error)
	Replay(ctx context.Context, fingerprint string) (queue.TaskInfo, error)
}

// PairingService links chats to users.
type PairingService interface {
	Link(ctx context.Context, in domain.ChatBinding) (*domain.ChatBinding, gateway.Result, error)
	Deny(ctx context.Context, chatID int64) (gateway.Result, error)
	Bindings(ctx context.Context, userID int64) ([]domain.ChatBinding, error)
}

// TemplateService stores templates.
type TemplateService interface {
	Upsert(ctx context.Context, key, lang, body string, active bool) (*domain.Template, error)
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	notifications NotificationService
	pairing       PairingService
	templates     TemplateService
}

// New constructs Handlers bound to the given services.
func New(n NotificationService, p PairingService, t TemplateService) *Handlers {
	return &Handlers{notifications: n, pairing: p, templates: t}
}

// Pagination limits for list endpoints.
const (
	defaultPageSize = 20
	maxPageSize     = 100
)
