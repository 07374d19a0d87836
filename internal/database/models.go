package database

import (
	"time"

	"gorm.io/gorm"
)

// Setting is a key-value row for application state (credentials, etc.)
type Setting struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP"`
}

// TableName overrides the table name
func (Setting) TableName() string {
	return "settings"
}

// Download is a persisted download record keyed by item id
type Download struct {
	ItemID        string     `gorm:"primaryKey"`
	Title         string     `gorm:"not null"`
	Status        string     `gorm:"not null;index"` // queued, running, complete, failed, cancelled
	Progress      float64    `gorm:"default:0.0"`    // 0.0 - 1.0
	FilePath      string     `gorm:""`
	Container     string     `gorm:"default:''"`
	MediaSourceID string     `gorm:"default:''"`
	TotalBytes    int64      `gorm:"default:0"`
	CreatedAt     time.Time  `gorm:"default:CURRENT_TIMESTAMP"`
	CompletedAt   *time.Time `gorm:""`
}

// TableName overrides the table name
func (Download) TableName() string {
	return "downloads"
}

// History is one closed playback session
type History struct {
	ID            uint      `gorm:"primaryKey"`
	ItemID        string    `gorm:"not null;index"`
	Title         string    `gorm:"not null"`
	SeriesName    string    `gorm:"default:''"`
	PositionTicks int64     `gorm:"not null"`
	RuntimeTicks  int64     `gorm:"default:0"`
	PlayMethod    string    `gorm:"default:''"`
	Completed     bool      `gorm:"default:false"`
	WatchedAt     time.Time `gorm:"index;default:CURRENT_TIMESTAMP"`
}

// TableName overrides the table name
func (History) TableName() string {
	return "history"
}

// Migrate runs gorm schema migrations
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Setting{},
		&Download{},
		&History{},
	)
}
