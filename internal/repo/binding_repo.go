package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
)

// GetActiveBinding returns the most recently updated active binding of a user,
// or ErrNotFound.
func GetActiveBinding(ctx context.Context, db *gorm.DB, userID int64) (*domain.ChatBinding, error) {
	var b domain.ChatBinding
	err := db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("updated_at DESC").
		Order("created_at DESC").
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBindingByChat returns the binding owning chatID, or ErrNotFound.
func GetBindingByChat(ctx context.Context, db *gorm.DB, chatID int64) (*domain.ChatBinding, error) {
	var b domain.ChatBinding
	err := db.WithContext(ctx).Where("chat_id = ?", chatID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBindings returns every binding of a user, newest first.
func ListBindings(ctx context.Context, db *gorm.DB, userID int64) ([]domain.ChatBinding, error) {
	var out []domain.ChatBinding
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&out).Error
	return out, err
}

// DeactivateUserBindings marks all active bindings of a user inactive and
// returns how many rows changed.
func DeactivateUserBindings(ctx context.Context, db *gorm.DB, userID int64) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.ChatBinding{}).
		Where("user_id = ? AND active = ?", userID, true).
		Updates(map[string]any{"active": false, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// LinkBinding creates the binding for in.ChatID or re-points an existing one at
// in.UserID, refreshing its profile fields and re-activating it.
func LinkBinding(ctx context.Context, db *gorm.DB, in domain.ChatBinding) (*domain.ChatBinding, error) {
	now := time.Now().UTC()
	updates := map[string]any{
		"user_id":    in.UserID,
		"language":   in.Language,
		"username":   in.Username,
		"phone":      in.Phone,
		"active":     true,
		"updated_at": now,
	}

	res := db.WithContext(ctx).
		Model(&domain.ChatBinding{}).
		Where("chat_id = ?", in.ChatID).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		b := &domain.ChatBinding{
			ID:        uuid.NewString(),
			UserID:    in.UserID,
			ChatID:    in.ChatID,
			Language:  in.Language,
			Username:  in.Username,
			Phone:     in.Phone,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err := db.WithContext(ctx).Create(b).Error
		switch {
		case err == nil:
			return b, nil
		case isUniqueViolation(err):
			// lost a race with a concurrent link of the same chat
			if err := db.WithContext(ctx).Model(&domain.ChatBinding{}).
				Where("chat_id = ?", in.ChatID).Updates(updates).Error; err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
	return GetBindingByChat(ctx, db, in.ChatID)
}
