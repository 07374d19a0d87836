// Package history keeps a local record of closed playback sessions.
package history

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/justchokingaround/mbplay/internal/database"
	"github.com/justchokingaround/mbplay/internal/mediaserver"
	"github.com/justchokingaround/mbplay/internal/playback"
)

// completedThreshold is the watched fraction past which an item counts as finished
const completedThreshold = 0.9

// Service provides history management functionality
type Service struct {
	db *gorm.DB
}

// Entry is a history row with computed fields
type Entry struct {
	ID              uint
	ItemID          string
	Title           string
	SeriesName      string
	Position        time.Duration
	Runtime         time.Duration
	ProgressPercent float64
	PlayMethod      string
	Completed       bool
	WatchedAt       time.Time
}

// Stats summarises the history table
type Stats struct {
	TotalItems     int64
	TotalWatchTime time.Duration
	CompletedCount int64
}

// NewService creates a new history service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Record stores the final state of a session. Sessions that never got past
// position 0 are skipped. An earlier unfinished entry for the same item is
// updated instead of adding a new row.
func (s *Service) Record(state playback.State, item *mediaserver.Item) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if item == nil || state.PositionTicks <= 0 {
		return nil
	}

	runtime := state.DurationTicks
	if runtime <= 0 {
		runtime = item.RunTimeTicks
	}
	completed := runtime > 0 && float64(state.PositionTicks)/float64(runtime) >= completedThreshold

	if completed {
		// a finished watch replaces any unfinished ones
		if err := s.db.Where("item_id = ? AND completed = ?", item.ID, false).
			Delete(&database.History{}).Error; err != nil {
			return fmt.Errorf("failed to clear unfinished history: %w", err)
		}
	} else {
		var existing database.History
		err := s.db.Where("item_id = ? AND completed = ?", item.ID, false).
			Order("watched_at DESC").
			First(&existing).Error
		if err == nil {
			existing.PositionTicks = state.PositionTicks
			existing.RuntimeTicks = runtime
			existing.PlayMethod = string(state.PlayMethod)
			existing.WatchedAt = time.Now()
			return s.db.Save(&existing).Error
		}
	}

	return s.db.Create(&database.History{
		ItemID:        item.ID,
		Title:         item.Name,
		SeriesName:    item.SeriesName,
		PositionTicks: state.PositionTicks,
		RuntimeTicks:  runtime,
		PlayMethod:    string(state.PlayMethod),
		Completed:     completed,
		WatchedAt:     time.Now(),
	}).Error
}

// Recent returns the newest entries first. limit <= 0 returns everything.
func (s *Service) Recent(limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	query := s.db.Model(&database.History{}).Order("watched_at DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []database.History
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	entries := make([]Entry, len(records))
	for i, record := range records {
		entries[i] = toEntry(record)
	}
	return entries, nil
}

// DeleteByItemID removes all entries for an item
func (s *Service) DeleteByItemID(itemID string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	return s.db.Where("item_id = ?", itemID).Delete(&database.History{}).Error
}

// GetStats retrieves watch history statistics
func (s *Service) GetStats() (*Stats, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var stats Stats
	if err := s.db.Model(&database.History{}).Count(&stats.TotalItems).Error; err != nil {
		return nil, err
	}

	var totalTicks int64
	if err := s.db.Model(&database.History{}).Select("COALESCE(SUM(position_ticks), 0)").Scan(&totalTicks).Error; err != nil {
		return nil, err
	}
	stats.TotalWatchTime = playback.FromTicks(totalTicks)

	if err := s.db.Model(&database.History{}).Where("completed = ?", true).Count(&stats.CompletedCount).Error; err != nil {
		return nil, err
	}

	return &stats, nil
}

// Cleanup removes unfinished entries older than 30 days
func (s *Service) Cleanup() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	cutoff := time.Now().AddDate(0, 0, -30)
	return s.db.Where("completed = ? AND watched_at < ?", false, cutoff).Delete(&database.History{}).Error
}

func toEntry(record database.History) Entry {
	e := Entry{
		ID:         record.ID,
		ItemID:     record.ItemID,
		Title:      record.Title,
		SeriesName: record.SeriesName,
		Position:   playback.FromTicks(record.PositionTicks),
		Runtime:    playback.FromTicks(record.RuntimeTicks),
		PlayMethod: record.PlayMethod,
		Completed:  record.Completed,
		WatchedAt:  record.WatchedAt,
	}
	if record.RuntimeTicks > 0 {
		e.ProgressPercent = float64(record.PositionTicks) / float64(record.RuntimeTicks) * 100
		if e.ProgressPercent > 100 {
			e.ProgressPercent = 100
		}
	}
	return e
}
