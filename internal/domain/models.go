// Package domain defines the persistence models for templates, chat bindings
// and the notification log. These types are mapped with GORM and shared across
// the repository, service and transport layers.
package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// DefaultLanguage is used for bindings and template lookups when no usable
// language is known.
const DefaultLanguage = "uz"

// MaxFingerprintLen is the width of the notification fingerprint column and
// thus the longest external idempotency key usable verbatim.
const MaxFingerprintLen = 255

// Notification statuses. A record starts pending and ends sent or failed;
// sent never regresses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Template is a message body addressed by (key, language).
//
// Active is written explicitly on every insert; it carries no DB default so a
// false value is never replaced by GORM.
type Template struct {
	ID        uint      `json:"id"         gorm:"primaryKey;autoIncrement"`
	Key       string    `json:"key"        gorm:"type:varchar(128);not null;uniqueIndex:ux_template_key_lang,priority:1"`
	Language  string    `json:"language"   gorm:"type:varchar(16);not null;uniqueIndex:ux_template_key_lang,priority:2"`
	Body      string    `json:"body"       gorm:"type:text;not null"`
	Active    bool      `json:"active"     gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Template.
func (Template) TableName() string { return "templates" }

// ChatBinding links a platform user to a Telegram chat.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - UserID: platform user; a user may own several bindings.
//   - ChatID: Telegram chat id, unique across all bindings.
//   - Language: preferred language code, "uz" when unknown.
//   - Active: false once the chat refused delivery; stays false until re-linked.
type ChatBinding struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    int64     `json:"user_id"    gorm:"not null;index:idx_binding_user_active,priority:1"`
	ChatID    int64     `json:"chat_id"    gorm:"not null;uniqueIndex:ux_binding_chat"`
	Language  string    `json:"language"   gorm:"type:varchar(16);not null"`
	Username  string    `json:"username"   gorm:"type:varchar(64)"`
	Phone     string    `json:"phone"      gorm:"type:varchar(32)"`
	Active    bool      `json:"active"     gorm:"not null;index:idx_binding_user_active,priority:2"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for ChatBinding.
func (ChatBinding) TableName() string { return "chat_bindings" }

// Notification is one entry of the idempotency log: the delivery state of a
// single logical notification to a single user.
type Notification struct {
	ID          uint64         `json:"id"           gorm:"primaryKey;autoIncrement"`
	Fingerprint string         `json:"fingerprint"  gorm:"type:varchar(255);not null;uniqueIndex:ux_notification_fingerprint"`
	UserID      int64          `json:"user_id"      gorm:"not null;index:idx_notification_user_template,priority:1"`
	ChatID      int64          `json:"chat_id"      gorm:"not null;default:0"`
	TemplateKey string         `json:"template_key" gorm:"type:varchar(128);not null;index:idx_notification_user_template,priority:2"`
	Payload     datatypes.JSON `json:"payload"`
	Status      string         `json:"status"       gorm:"type:varchar(16);not null;index;check:status IN ('pending','sent','failed')"`
	Attempts    int            `json:"attempts"     gorm:"not null;default:0"`
	Error       string         `json:"error"        gorm:"type:text"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Notification.
func (Notification) TableName() string { return "notifications" }

// Payload is the JSON document stored with a record: the recipient's context,
// the rendered text of the latest attempt and the message type.
type Payload struct {
	Context any    `json:"context"`
	Text    string `json:"text"`
	Type    string `json:"type,omitempty"`
}

// DecodePayload parses the stored payload. An empty column yields a zero Payload.
func (n *Notification) DecodePayload() (Payload, error) {
	var p Payload
	if len(n.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(n.Payload, &p)
	return p, err
}
