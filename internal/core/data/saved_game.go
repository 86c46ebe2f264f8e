package data

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// SavedGame is one persisted snapshot of a game in progress. State is the
// opaque serialized document the turn processor produced; the networking and
// persistence layers never look inside it.
type SavedGame struct {
	ID        uint64 `gorm:"primaryKey"`
	Name      string `gorm:"unique; not null"`
	GameName  string
	Turn      uint32
	Players   int
	State     []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FindSavedGameByName searches for a save with the specified name, returning
// the *SavedGame instance if found or nil if there is no match.
func FindSavedGameByName(db *gorm.DB, name string) (*SavedGame, error) {
	var save SavedGame
	err := db.Where("name = ?", name).First(&save).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &save, nil
}

// ListSavedGames returns every save, most recently updated first.
func ListSavedGames(db *gorm.DB) ([]SavedGame, error) {
	var saves []SavedGame
	if err := db.Order("updated_at desc").Find(&saves).Error; err != nil {
		return nil, err
	}
	return saves, nil
}

// UpsertSavedGame persists the save, overwriting any existing save with the
// same name.
func UpsertSavedGame(db *gorm.DB, save *SavedGame) error {
	existing, err := FindSavedGameByName(db, save.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		save.ID = existing.ID
		save.CreatedAt = existing.CreatedAt
	}
	return db.Save(save).Error
}

// DeleteSavedGame permanently deletes a SavedGame record from the database.
func DeleteSavedGame(db *gorm.DB, save *SavedGame) error {
	return db.Delete(save).Error
}
