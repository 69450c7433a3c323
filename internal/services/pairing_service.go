package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
	"github.com/tbourn/go-tg-dispatcher/internal/gateway"
	"github.com/tbourn/go-tg-dispatcher/internal/repo"
)

// StatusNotifier pushes pairing outcomes to a chat.
type StatusNotifier interface {
	SendUserStatus(ctx context.Context, chatID int64, code gateway.PairStatus) gateway.Result
}

// PairingService links Telegram chats to users and tells the chat about it.
type PairingService struct {
	DB       *gorm.DB
	Notifier StatusNotifier
}

// Link binds in.ChatID to in.UserID (re-activating a deactivated binding) and
// pushes "approved" to the chat. A failed push is reported in the result but
// does not undo the link.
func (s *PairingService) Link(ctx context.Context, in domain.ChatBinding) (*domain.ChatBinding, gateway.Result, error) {
	tr := otel.Tracer("services/PairingService")
	ctx, span := tr.Start(ctx, "Link",
		trace.WithAttributes(
			attribute.Int64("user.id", in.UserID),
			attribute.Int64("chat.id", in.ChatID),
		),
	)
	defer span.End()

	if in.UserID <= 0 || in.ChatID == 0 {
		return nil, gateway.Result{}, ErrInvalidRequest
	}
	in.Language = NormalizeLanguage(in.Language)

	b, err := repo.LinkBinding(ctx, s.DB, in)
	if err != nil {
		return nil, gateway.Result{}, fmt.Errorf("link binding: %w", err)
	}
	res := s.Notifier.SendUserStatus(ctx, b.ChatID, gateway.PairApproved)
	if !res.OK {
		log.Warn().Int64("chat_id", b.ChatID).Int("status", res.Status).Str("error", res.Text).Msg("pair status push failed")
	}
	return b, res, nil
}

// Deny pushes "denied" to a chat whose pairing request was rejected. The chat
// must not currently be bound to an active user.
func (s *PairingService) Deny(ctx context.Context, chatID int64) (gateway.Result, error) {
	tr := otel.Tracer("services/PairingService")
	ctx, span := tr.Start(ctx, "Deny",
		trace.WithAttributes(attribute.Int64("chat.id", chatID)),
	)
	defer span.End()

	if chatID == 0 {
		return gateway.Result{}, ErrInvalidRequest
	}
	b, err := repo.GetBindingByChat(ctx, s.DB, chatID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return gateway.Result{}, err
	case b.Active:
		return gateway.Result{}, ErrChatBound
	}
	return s.Notifier.SendUserStatus(ctx, chatID, gateway.PairDenied), nil
}

// Bindings lists a user's bindings.
func (s *PairingService) Bindings(ctx context.Context, userID int64) ([]domain.ChatBinding, error) {
	if userID <= 0 {
		return nil, ErrInvalidRequest
	}
	out, err := repo.ListBindings(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrBindingNotFound
	}
	return out, nil
}
