package model

import (
	"time"
)

// Film groups torrents that belong to the same title/year pair.
//
// Blake is the grouping fingerprint computed from the normalized name and
// year; the dedup gate uses it for get-or-create, so it must stay unique.
type Film struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	Blake string `gorm:"type:varchar(64);uniqueIndex;not null"` // film grouping fingerprint
	Year  int    `gorm:"not null"`
	Name  string `gorm:"not null"`

	Torrents []Torrent `gorm:"foreignKey:FilmID"`
}

// Torrent is one discovered listing item. Rows are immutable once inserted
// except for the Downloaded flag, which the dispatcher flips after a
// successful hand-off to the download client.
type Torrent struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	FilmID     uint      `gorm:"not null;index"`
	Film       Film      `gorm:"foreignKey:FilmID"`
	Blake      string    `gorm:"type:varchar(64);uniqueIndex;not null"` // identity fingerprint (detail link)
	Name       string    `gorm:"not null"`
	Magnet     string    `gorm:"type:text;not null"`
	Link       string    `gorm:"not null"` // detail page link on the listing site
	Size       int64     `gorm:"not null"` // bytes
	Published  time.Time // publication date shown on the listing
	Approved   bool      `gorm:"default:false"`
	Downloaded bool      `gorm:"default:false"`
	Seeds      int       `gorm:"default:0"`
}

// User is a chat identity that can create searches and subscribe to them.
type User struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	ChatID       int64 `gorm:"not null;uniqueIndex"` // external chat identity
	Name         string
	Username     string
	IsAuthorized bool `gorm:"default:false"`
	IsAdmin      bool `gorm:"default:false"`

	CreatedSearches []Search `gorm:"foreignKey:CreatorID"`
}

// Category tags dispatched torrents on the download client side
// (e.g. a qBittorrent category with its own save path).
type Category struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;not null"`
}

// Search is a saved listing-site query with a cron schedule.
//
// LastSuccess only advances, and only after a fully successful ingestion
// pass; the cron evaluator reads it to decide due-ness.
type Search struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	URL         string `gorm:"not null"`
	Cron        string `gorm:"not null"` // five-field schedule: minute hour dom month dow
	CreatorID   *uint  `gorm:"index"`
	Creator     *User  `gorm:"foreignKey:CreatorID"`
	LastSuccess *time.Time
	Label       string
	CategoryID  *uint
	Category    *Category `gorm:"foreignKey:CategoryID"`

	// Comma-separated keyword overrides. Empty means "use the global
	// defaults from config".
	QualityFilters     string
	TranslationFilters string

	Subscribers []User `gorm:"many2many:subscriptions;constraint:OnDelete:CASCADE"`
}

// Subscription is the (search, user) join row. Declared explicitly so the
// cascade on search deletion is part of the schema, not application code.
type Subscription struct {
	SearchID uint `gorm:"primaryKey"`
	UserID   uint `gorm:"primaryKey"`

	CreatedAt time.Time
}

// TaskExecution statuses. Transitions are monotonic:
// pending -> running -> success | failed. Terminal states never change.
const (
	TaskStatusPending = "pending"
	TaskStatusRunning = "running"
	TaskStatusSuccess = "success"
	TaskStatusFailed  = "failed"
)

// TaskExecution is one auditable pipeline run for a search.
type TaskExecution struct {
	ID uint `gorm:"primaryKey"`

	SearchID  uint   `gorm:"not null;index"`
	Search    Search `gorm:"foreignKey:SearchID"`
	Status    string `gorm:"not null;default:pending;index"`
	StartTime time.Time
	EndTime   *time.Time
	Progress  int    `gorm:"not null;default:0"` // 0-100, coarse per-stage checkpoints
	Result    string `gorm:"type:text"`
}

// Terminal reports whether the execution reached a final state.
func (t *TaskExecution) Terminal() bool {
	return t.Status == TaskStatusSuccess || t.Status == TaskStatusFailed
}
