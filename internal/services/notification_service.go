// Package services – NotificationService
//
// NotificationService is the enqueue and read side of the notification log:
// it validates dispatch requests and hands them to the scheduler, reads
// records back by fingerprint or (user, template), and replays a stored
// record as a single-recipient dispatch.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
	"github.com/tbourn/go-tg-dispatcher/internal/queue"
	"github.com/tbourn/go-tg-dispatcher/internal/repo"
)

// Input limits.
const (
	MaxRecipients     = 1000
	MaxTemplateKeyLen = 128
	MaxIdemKeyLen     = domain.MaxFingerprintLen
)

// NotificationService enqueues dispatches and serves the log.
type NotificationService struct {
	DB        *gorm.DB
	Scheduler queue.Scheduler
}

// Enqueue validates req and schedules it.
func (s *NotificationService) Enqueue(ctx context.Context, req domain.DispatchRequest) (queue.TaskInfo, error) {
	tr := otel.Tracer("services/NotificationService")
	ctx, span := tr.Start(ctx, "Enqueue",
		trace.WithAttributes(
			attribute.String("template.key", req.TemplateKey),
			attribute.Int("recipients", len(req.UserIDs)),
		),
	)
	defer span.End()

	req.TemplateKey = strings.TrimSpace(req.TemplateKey)
	req.IdemKey = strings.TrimSpace(req.IdemKey)
	if err := validateDispatch(req); err != nil {
		return queue.TaskInfo{}, err
	}
	info, err := s.Scheduler.Enqueue(ctx, req)
	if err != nil {
		return queue.TaskInfo{}, err
	}
	log.Info().
		Str("task_id", info.ID).
		Str("template_key", req.TemplateKey).
		Int("recipients", len(req.UserIDs)).
		Msg("notification enqueued")
	return info, nil
}

func validateDispatch(req domain.DispatchRequest) error {
	switch {
	case len(req.UserIDs) == 0, len(req.UserIDs) > MaxRecipients:
		return ErrInvalidRequest
	case req.TemplateKey == "", len(req.TemplateKey) > MaxTemplateKeyLen:
		return ErrInvalidRequest
	case len(req.IdemKey) > MaxIdemKeyLen:
		return ErrInvalidRequest
	}
	for _, id := range req.UserIDs {
		if id <= 0 {
			return ErrInvalidRequest
		}
	}
	return nil
}

// Get returns the record for fingerprint.
func (s *NotificationService) Get(ctx context.Context, fingerprint string) (*domain.Notification, error) {
	tr := otel.Tracer("services/NotificationService")
	ctx, span := tr.Start(ctx, "Get")
	defer span.End()

	n, err := repo.GetNotification(ctx, s.DB, fingerprint)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotificationNotFound
	}
	return n, err
}

// ListPage returns a page of a user's records, optionally for one template.
func (s *NotificationService) ListPage(ctx context.Context, userID int64, templateKey string, page, pageSize int) ([]domain.Notification, int64, error) {
	tr := otel.Tracer("services/NotificationService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.Int64("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if userID <= 0 {
		return nil, 0, ErrInvalidRequest
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	items, total, err := repo.ListNotifications(ctx, s.DB, userID, templateKey, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []domain.Notification{}
	}
	return items, total, nil
}

// Stats returns the size and last-modified time of a user's listing; the
// handler derives the list ETag from it.
func (s *NotificationService) Stats(ctx context.Context, userID int64, templateKey string) (int64, *time.Time, error) {
	tr := otel.Tracer("services/NotificationService")
	ctx, span := tr.Start(ctx, "Stats",
		trace.WithAttributes(attribute.Int64("user.id", userID)),
	)
	defer span.End()

	if userID <= 0 {
		return 0, nil, ErrInvalidRequest
	}
	return repo.NotificationsStats(ctx, s.DB, userID, templateKey)
}

// Replay re-enqueues a stored record as a single-recipient dispatch that
// reuses the record's fingerprint. Sent records are not replayed.
func (s *NotificationService) Replay(ctx context.Context, fingerprint string) (queue.TaskInfo, error) {
	tr := otel.Tracer("services/NotificationService")
	ctx, span := tr.Start(ctx, "Replay")
	defer span.End()

	n, err := s.Get(ctx, fingerprint)
	if err != nil {
		return queue.TaskInfo{}, err
	}
	if n.Status == domain.StatusSent {
		return queue.TaskInfo{}, ErrAlreadySent
	}
	p, err := n.DecodePayload()
	if err != nil {
		return queue.TaskInfo{}, err
	}

	vars, _ := p.Context.(map[string]any)
	req := domain.DispatchRequest{
		UserIDs:     []int64{n.UserID},
		Type:        p.Type,
		TemplateKey: n.TemplateKey,
		Context:     domain.Single(vars),
		IdemKey:     n.Fingerprint,
	}
	info, err := s.Scheduler.Enqueue(ctx, req)
	if err != nil {
		return queue.TaskInfo{}, err
	}
	log.Info().Str("fingerprint", n.Fingerprint).Str("task_id", info.ID).Msg("notification replay enqueued")
	return info, nil
}
