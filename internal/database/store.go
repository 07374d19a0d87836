package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetDownload returns the record for itemID, or nil if none exists
func GetDownload(db *gorm.DB, itemID string) (*Download, error) {
	var d Download
	err := db.Where("item_id = ?", itemID).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// PutDownload inserts or replaces the record keyed by d.ItemID
func PutDownload(db *gorm.DB, d *Download) error {
	if d.ItemID == "" {
		return errors.New("download record needs an item id")
	}
	return db.Save(d).Error
}

// ListDownloads returns records newest first, optionally filtered by status
func ListDownloads(db *gorm.DB, status string) ([]Download, error) {
	var out []Download
	q := db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteDownload removes the record for itemID; missing records are not an error
func DeleteDownload(db *gorm.DB, itemID string) error {
	return db.Where("item_id = ?", itemID).Delete(&Download{}).Error
}

// GetSetting returns the stored value for key, or "" if unset
func GetSetting(db *gorm.DB, key string) (string, error) {
	var s Setting
	err := db.Where("key = ?", key).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load setting %s: %w", key, err)
	}
	return s.Value, nil
}

// PutSetting upserts key
func PutSetting(db *gorm.DB, key, value string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&Setting{Key: key, Value: value, UpdatedAt: time.Now()}).Error
}

// DeleteSetting removes key
func DeleteSetting(db *gorm.DB, key string) error {
	return db.Where("key = ?", key).Delete(&Setting{}).Error
}
