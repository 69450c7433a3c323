// Package services – Dispatcher
//
// Dispatcher executes one dispatch request: it records every recipient in the
// notification log, resolves chats, renders text, sends one gateway batch and
// applies the per-recipient outcome back to the log. Rate-limited recipients
// are rescheduled as single-recipient dispatches that reuse their record.
//
// Observability: Dispatch is OpenTelemetry-instrumented and every outcome is
// counted in notifications_dispatched_total.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
	"github.com/tbourn/go-tg-dispatcher/internal/gateway"
	"github.com/tbourn/go-tg-dispatcher/internal/queue"
	"github.com/tbourn/go-tg-dispatcher/internal/repo"
)

// Summary statuses.
const (
	SummaryDone       = "done"
	SummaryEmptyInput = "empty_input"
)

// Summary reports what happened to each recipient of a dispatch.
type Summary struct {
	Status            string  `json:"status"`
	Sent              []int64 `json:"sent"`
	Failed            []int64 `json:"failed"`
	NoChat            []int64 `json:"no_chat"`
	RetryScheduledFor []int64 `json:"retry_scheduled_for"`
}

// MarshalJSON always writes the four recipient lists, as empty arrays when
// nothing landed in them. An empty_input summary carries only its status.
func (s Summary) MarshalJSON() ([]byte, error) {
	if s.Status == SummaryEmptyInput {
		return json.Marshal(struct {
			Status string `json:"status"`
		}{s.Status})
	}
	type plain Summary
	p := plain(s)
	for _, l := range []*[]int64{&p.Sent, &p.Failed, &p.NoChat, &p.RetryScheduledFor} {
		if *l == nil {
			*l = []int64{}
		}
	}
	return json.Marshal(p)
}

// Renderer renders a template for one recipient.
type Renderer interface {
	Render(ctx context.Context, key string, vars map[string]any, lang string) (string, error)
}

// Resolver finds and deactivates chat bindings.
type Resolver interface {
	Resolve(ctx context.Context, userID int64) (*domain.ChatBinding, error)
	Deactivate(ctx context.Context, userID int64) (int64, error)
}

// Sender delivers a batch of messages.
type Sender interface {
	SendBatch(ctx context.Context, msgs []gateway.Message) []gateway.Result
}

// Dispatcher runs dispatch requests.
type Dispatcher struct {
	DB        *gorm.DB
	Templates Renderer
	Chats     Resolver
	Gateway   Sender
	Scheduler queue.Scheduler

	// Now and Jitter default to time.Now and a uniform draw from {0, 1, 2}.
	Now    func() time.Time
	Jitter func() int
}

// slot ties a batch message back to its recipient and record.
type slot struct {
	userID int64
	rec    *domain.Notification
	vars   map[string]any
}

// HandleDispatch implements queue.Handler.
func (d *Dispatcher) HandleDispatch(ctx context.Context, req domain.DispatchRequest) error {
	sum, err := d.Dispatch(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("template_key", req.TemplateKey).Int("recipients", len(req.UserIDs)).Msg("dispatch aborted")
		return err
	}
	log.Info().
		Str("template_key", req.TemplateKey).
		Str("status", sum.Status).
		Int("sent", len(sum.Sent)).
		Int("failed", len(sum.Failed)).
		Int("no_chat", len(sum.NoChat)).
		Int("rescheduled", len(sum.RetryScheduledFor)).
		Msg("dispatch finished")
	return nil
}

// Dispatch delivers req and reports per-recipient outcomes. Infrastructure
// errors (database, scheduler input) abort with a wrapped error; the log makes
// re-running the same request safe.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.DispatchRequest) (Summary, error) {
	tr := otel.Tracer("services/Dispatcher")
	ctx, span := tr.Start(ctx, "Dispatch",
		trace.WithAttributes(
			attribute.String("template.key", req.TemplateKey),
			attribute.String("notification.type", req.Type),
			attribute.Int("recipients", len(req.UserIDs)),
		),
	)
	defer span.End()

	if len(req.UserIDs) == 0 {
		return Summary{Status: SummaryEmptyInput}, nil
	}

	sum := Summary{
		Status:            SummaryDone,
		Sent:              []int64{},
		Failed:            []int64{},
		NoChat:            []int64{},
		RetryScheduledFor: []int64{},
	}

	batch := make([]gateway.Message, 0, len(req.UserIDs))
	slots := make([]slot, 0, len(req.UserIDs))
	seen := make(map[int64]struct{}, len(req.UserIDs))

	for i, uid := range req.UserIDs {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}

		vars := req.Context.For(i)
		fp := domain.RecipientKey(req.IdemKey, len(req.UserIDs), uid, req.TemplateKey, req.Context)
		rec, _, err := repo.UpsertPending(ctx, d.DB, fp, uid, req.TemplateKey, domain.Single(vars))
		if err != nil {
			return sum, fmt.Errorf("upsert notification for user %d: %w", uid, err)
		}
		if rec.Status == domain.StatusSent {
			log.Debug().Int64("user_id", uid).Str("fingerprint", fp).Msg("already sent; skipping")
			sum.Sent = append(sum.Sent, uid)
			countOutcome(outcomeAlreadySent)
			continue
		}

		chat, err := d.Chats.Resolve(ctx, uid)
		if errors.Is(err, ErrNoActiveChat) {
			if err := repo.MarkFailed(ctx, d.DB, rec.ID, NoActiveChatReason); err != nil {
				return sum, fmt.Errorf("mark no-chat for user %d: %w", uid, err)
			}
			if err := repo.IncrementAttempts(ctx, d.DB, rec.ID); err != nil {
				return sum, fmt.Errorf("count attempt for user %d: %w", uid, err)
			}
			log.Info().Int64("user_id", uid).Str("fingerprint", fp).Msg("no active chat")
			sum.NoChat = append(sum.NoChat, uid)
			countOutcome(outcomeNoChat)
			continue
		}
		if err != nil {
			return sum, fmt.Errorf("resolve chat for user %d: %w", uid, err)
		}

		text, err := d.Templates.Render(ctx, req.TemplateKey, vars, chat.Language)
		if err != nil {
			return sum, fmt.Errorf("render %q for user %d: %w", req.TemplateKey, uid, err)
		}
		if err := repo.MarkAttempt(ctx, d.DB, rec.ID, chat.ChatID, domain.Payload{Context: vars, Text: text, Type: req.Type}); err != nil {
			return sum, fmt.Errorf("mark attempt for user %d: %w", uid, err)
		}

		batch = append(batch, gateway.Message{TgID: chat.ChatID, Message: text, Type: req.Type})
		slots = append(slots, slot{userID: uid, rec: rec, vars: vars})
	}

	if len(batch) == 0 {
		return sum, nil
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	results := d.Gateway.SendBatch(ctx, batch)
	now := d.now()
	for i, res := range results {
		if i >= len(slots) {
			break
		}
		if err := d.apply(ctx, req, slots[i], res, now, &sum); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// apply writes one gateway outcome to the log.
func (d *Dispatcher) apply(ctx context.Context, req domain.DispatchRequest, s slot, res gateway.Result, now time.Time, sum *Summary) error {
	logger := log.With().
		Int64("user_id", s.userID).
		Str("fingerprint", s.rec.Fingerprint).
		Int("status", res.Status).
		Logger()

	if err := repo.SetNotificationError(ctx, d.DB, s.rec.ID, res.Text); err != nil {
		return fmt.Errorf("record gateway text for user %d: %w", s.userID, err)
	}

	switch {
	case res.OK:
		if err := repo.MarkSent(ctx, d.DB, s.rec.ID, now); err != nil {
			return fmt.Errorf("mark sent for user %d: %w", s.userID, err)
		}
		sum.Sent = append(sum.Sent, s.userID)
		countOutcome(outcomeSent)

	case res.IsBlocked:
		n, err := d.Chats.Deactivate(ctx, s.userID)
		if err != nil {
			return fmt.Errorf("deactivate chats of user %d: %w", s.userID, err)
		}
		if err := repo.MarkFailed(ctx, d.DB, s.rec.ID, res.Text); err != nil {
			return fmt.Errorf("mark failed for user %d: %w", s.userID, err)
		}
		logger.Warn().Int64("deactivated", n).Msg("chat blocked the bot; bindings deactivated")
		sum.Failed = append(sum.Failed, s.userID)
		countOutcome(outcomeBlocked)

	case res.IsBadRequest:
		if err := repo.MarkFailed(ctx, d.DB, s.rec.ID, res.Text); err != nil {
			return fmt.Errorf("mark failed for user %d: %w", s.userID, err)
		}
		logger.Warn().Str("error", res.Text).Msg("gateway rejected message")
		sum.Failed = append(sum.Failed, s.userID)
		countOutcome(outcomeFailed)

	case res.Status == http.StatusTooManyRequests && res.RetryAfter != nil:
		delay := time.Duration(*res.RetryAfter+d.jitter()) * time.Second
		retry := domain.DispatchRequest{
			UserIDs:     []int64{s.userID},
			Type:        req.Type,
			TemplateKey: req.TemplateKey,
			Context:     domain.Single(s.vars),
			IdemKey:     s.rec.Fingerprint,
		}
		if _, err := d.Scheduler.EnqueueIn(ctx, retry, delay); err != nil {
			logger.Error().Err(err).Msg("reschedule failed")
			if err := repo.MarkFailed(ctx, d.DB, s.rec.ID, "reschedule failed: "+err.Error()); err != nil {
				return fmt.Errorf("mark failed for user %d: %w", s.userID, err)
			}
			sum.Failed = append(sum.Failed, s.userID)
			countOutcome(outcomeFailed)
			return nil
		}
		logger.Info().Dur("delay", delay).Msg("rate limited; rescheduled")
		sum.RetryScheduledFor = append(sum.RetryScheduledFor, s.userID)
		countOutcome(outcomeRescheduled)

	default:
		if err := repo.MarkFailed(ctx, d.DB, s.rec.ID, res.Text); err != nil {
			return fmt.Errorf("mark failed for user %d: %w", s.userID, err)
		}
		logger.Warn().Str("error", res.Text).Msg("delivery failed")
		sum.Failed = append(sum.Failed, s.userID)
		countOutcome(outcomeFailed)
	}
	return nil
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) jitter() int {
	if d.Jitter != nil {
		return d.Jitter()
	}
	return rand.IntN(3)
}
