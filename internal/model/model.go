package model

import (
	"time"
)

// SubscriptionStatus tracks an account's entitlement to write sync data.
type SubscriptionStatus string

const (
	SubscriptionTrial   SubscriptionStatus = "trial"
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionExpired SubscriptionStatus = "expired"
)

// Account owns a memory record and a set of profile files. Accounts are
// created by the registration routes; the sync core only consumes the ID.
type Account struct {
	ID                 string             `json:"id"                  gorm:"primaryKey"`
	DeviceID           *string            `json:"deviceId,omitempty"  gorm:"uniqueIndex"`
	Email              *string            `json:"email,omitempty"     gorm:"uniqueIndex"`
	PasswordHash       []byte             `json:"-"`
	SessionToken       *string            `json:"-"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus"  gorm:"not null;default:trial"`
	SubscriptionExpiry *time.Time         `json:"subscriptionExpiry,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"           gorm:"not null"`
	UpdatedAt          time.Time          `json:"updatedAt"           gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Memory is one snapshot of an account's memory blob. Writes append a new
// row with version = prior + 1; prior versions are retained and reachable
// only through version-range queries, never mutated.
type Memory struct {
	ID        int64     `json:"-"          gorm:"primaryKey;autoIncrement"`
	AccountID string    `json:"-"          gorm:"not null;uniqueIndex:idx_memories_account_version,priority:1"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"    gorm:"not null;uniqueIndex:idx_memories_account_version,priority:2"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (Memory) TableName() string { return "memories" }

// ProfileFile is a named file keyed by (account, path). Version is the sole
// conflict-detection token: it starts at 1 and increments by exactly one per
// accepted write.
type ProfileFile struct {
	ID        int64     `json:"-"          gorm:"primaryKey;autoIncrement"`
	AccountID string    `json:"-"          gorm:"not null;uniqueIndex:idx_profiles_account_path,priority:1"`
	Path      string    `json:"file_path"  gorm:"not null;uniqueIndex:idx_profiles_account_path,priority:2"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"    gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;index"`
}

func (ProfileFile) TableName() string { return "profile_files" }

// Connection is the persisted record of a live channel. Rows carry routing
// information only and are pruned when the channel closes; they exist so
// other processes can see which accounts have live devices.
type Connection struct {
	ChannelID string    `json:"channel_id" gorm:"primaryKey"`
	AccountID string    `json:"account_id" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
}

func (Connection) TableName() string { return "connections" }
