package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
)

// GetActiveTemplate returns the active template for (key, lang) or ErrNotFound.
func GetActiveTemplate(ctx context.Context, db *gorm.DB, key, lang string) (*domain.Template, error) {
	var t domain.Template
	err := db.WithContext(ctx).
		Where("key = ? AND language = ? AND active = ?", key, lang, true).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertTemplate inserts or replaces the body and active flag of (key, lang).
func UpsertTemplate(ctx context.Context, db *gorm.DB, key, lang, body string, active bool) (*domain.Template, error) {
	t := &domain.Template{
		Key:      strings.TrimSpace(key),
		Language: strings.TrimSpace(lang),
		Body:     body,
		Active:   active,
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}, {Name: "language"}},
			DoUpdates: clause.AssignmentColumns([]string{"body", "active", "updated_at"}),
		}).
		Create(t).Error
	if err != nil {
		return nil, err
	}

	var out domain.Template
	if err := db.WithContext(ctx).
		Where("key = ? AND language = ?", t.Key, t.Language).
		First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTemplates returns all languages of a key, ordered by language.
func ListTemplates(ctx context.Context, db *gorm.DB, key string) ([]domain.Template, error) {
	var out []domain.Template
	err := db.WithContext(ctx).
		Where("key = ?", key).
		Order("language ASC").
		Find(&out).Error
	return out, err
}
