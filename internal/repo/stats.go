package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
)

// NotificationsStats returns the number of a user's records, optionally for
// one template, and the greatest UpdatedAt among them. Any status change
// moves the timestamp, so the pair identifies one version of the listing.
// With no rows the count is 0 and maxUpdatedAt is nil.
func NotificationsStats(ctx context.Context, db *gorm.DB, userID int64, templateKey string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Notification{}).Where("user_id = ?", userID)
	if k := strings.TrimSpace(templateKey); k != "" {
		q = q.Where("template_key = ?", k)
	}
	q = q.Session(&gorm.Session{})

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// ORDER BY instead of MAX(): SQLite returns MAX(updated_at) as TEXT
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
