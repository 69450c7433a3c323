package services

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
	"github.com/tbourn/go-tg-dispatcher/internal/repo"
)

// ChatResolver maps users to their active Telegram chat.
type ChatResolver struct {
	DB *gorm.DB
}

// Resolve returns the user's active binding with a normalized language, or
// ErrNoActiveChat.
func (r *ChatResolver) Resolve(ctx context.Context, userID int64) (*domain.ChatBinding, error) {
	b, err := repo.GetActiveBinding(ctx, r.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoActiveChat
	}
	if err != nil {
		return nil, err
	}
	b.Language = NormalizeLanguage(b.Language)
	return b, nil
}

// Deactivate marks every active binding of the user inactive.
func (r *ChatResolver) Deactivate(ctx context.Context, userID int64) (int64, error) {
	return repo.DeactivateUserBindings(ctx, r.DB, userID)
}

// NormalizeLanguage reduces a BCP-47 tag to its base language ("ru-RU" -> "ru").
// Empty or unparseable input yields domain.DefaultLanguage.
func NormalizeLanguage(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.DefaultLanguage
	}
	tag, err := language.Parse(s)
	if err != nil {
		return domain.DefaultLanguage
	}
	base, conf := tag.Base()
	if conf == language.No || base.String() == "und" {
		return domain.DefaultLanguage
	}
	return base.String()
}
