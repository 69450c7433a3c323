// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the notification log: an idempotency
// record per logical notification with conflict-tolerant creation and
// status transitions that never regress a sent record.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
)

// UpsertPending returns the record for fingerprint, creating it as pending when
// absent. created reports whether this call inserted the row.
func UpsertPending(ctx context.Context, db *gorm.DB, fingerprint string, userID int64, templateKey string, c domain.Context) (*domain.Notification, bool, error) {
	payload, err := json.Marshal(domain.Payload{Context: c.Value()})
	if err != nil {
		return nil, false, err
	}
	rec := &domain.Notification{
		Fingerprint: fingerprint,
		UserID:      userID,
		TemplateKey: templateKey,
		Payload:     datatypes.JSON(payload),
		Status:      domain.StatusPending,
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return rec, true, nil
	}
	existing, err := GetNotification(ctx, db, fingerprint)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetNotification returns the record for fingerprint or ErrNotFound.
func GetNotification(ctx context.Context, db *gorm.DB, fingerprint string) (*domain.Notification, error) {
	var n domain.Notification
	err := db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNotifications returns a user's records, optionally narrowed to one
// template, newest first, plus the total count.
func ListNotifications(ctx context.Context, db *gorm.DB, userID int64, templateKey string, offset, limit int) ([]domain.Notification, int64, error) {
	q := db.WithContext(ctx).Model(&domain.Notification{}).Where("user_id = ?", userID)
	if k := strings.TrimSpace(templateKey); k != "" {
		q = q.Where("template_key = ?", k)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []domain.Notification
	err := q.Order("created_at DESC").Order("id DESC").
		Offset(offset).Limit(limit).
		Find(&out).Error
	return out, total, err
}

// MarkAttempt records a delivery attempt: attempts grows by one and, unless the
// record is already sent, chat_id and payload are replaced and the record is
// put back to pending.
func MarkAttempt(ctx context.Context, db *gorm.DB, id uint64, chatID int64, p domain.Payload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := UpdateFieldsUnlessStatus(ctx, db, id, []string{domain.StatusSent}, map[string]any{
		"chat_id": chatID,
		"payload": datatypes.JSON(payload),
		"status":  domain.StatusPending,
	}); err != nil {
		return err
	}
	return IncrementAttempts(ctx, db, id)
}

// IncrementAttempts adds one to attempts.
func IncrementAttempts(ctx context.Context, db *gorm.DB, id uint64) error {
	return db.WithContext(ctx).
		Model(&domain.Notification{}).
		Where("id = ?", id).
		Update("attempts", gorm.Expr("attempts + 1")).Error
}

// MarkSent moves the record to sent. An already sent record keeps its
// original sent_at.
func MarkSent(ctx context.Context, db *gorm.DB, id uint64, ts time.Time) error {
	_, err := UpdateFieldsUnlessStatus(ctx, db, id, []string{domain.StatusSent}, map[string]any{
		"status":  domain.StatusSent,
		"sent_at": ts.UTC(),
	})
	return err
}

// MarkFailed moves the record to failed with reason. On a sent record only the
// error text is rewritten.
func MarkFailed(ctx context.Context, db *gorm.DB, id uint64, reason string) error {
	ok, err := UpdateFieldsUnlessStatus(ctx, db, id, []string{domain.StatusSent}, map[string]any{
		"status": domain.StatusFailed,
		"error":  reason,
	})
	if err != nil || ok {
		return err
	}
	return SetNotificationError(ctx, db, id, reason)
}

// SetNotificationError writes the error column on any status.
func SetNotificationError(ctx context.Context, db *gorm.DB, id uint64, text string) error {
	return db.WithContext(ctx).
		Model(&domain.Notification{}).
		Where("id = ?", id).
		Update("error", text).Error
}

// UpdateFieldsUnlessStatus applies updates only when the record's status is not
// one of disallowed, and reports whether a row changed.
func UpdateFieldsUnlessStatus(ctx context.Context, db *gorm.DB, id uint64, disallowed []string, updates map[string]any) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}
	q := db.WithContext(ctx).Model(&domain.Notification{}).Where("id = ?", id)
	if len(disallowed) > 0 {
		q = q.Where("status NOT IN ?", disallowed)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
