package mediaserver

import (
	"encoding/json"
	"fmt"

	"github.com/justchokingaround/mbplay/internal/database"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

const (
	tokenSettingKey  = "mediaserver_token"
	userIDSettingKey = "mediaserver_user_id"
)

// CredentialStorage persists the access token and user id in the settings table
type CredentialStorage struct {
	db *gorm.DB
}

// NewCredentialStorage creates a new credential storage instance
func NewCredentialStorage(db *gorm.DB) *CredentialStorage {
	return &CredentialStorage{db: db}
}

// Save stores token and userID. A nil token deletes both.
func (s *CredentialStorage) Save(token *oauth2.Token, userID string) error {
	if token == nil {
		if err := database.DeleteSetting(s.db, tokenSettingKey); err != nil {
			return err
		}
		return database.DeleteSetting(s.db, userIDSettingKey)
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := database.PutSetting(tx, tokenSettingKey, string(data)); err != nil {
			return err
		}
		return database.PutSetting(tx, userIDSettingKey, userID)
	})
}

// Load returns the stored token and user id; a nil token means none is stored
func (s *CredentialStorage) Load() (*oauth2.Token, string, error) {
	value, err := database.GetSetting(s.db, tokenSettingKey)
	if err != nil {
		return nil, "", err
	}
	if value == "" {
		return nil, "", nil
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(value), &token); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal token: %w", err)
	}

	userID, err := database.GetSetting(s.db, userIDSettingKey)
	if err != nil {
		return nil, "", err
	}
	return &token, userID, nil
}
