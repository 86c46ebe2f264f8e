package data

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Player is the durable record behind a player identity. Its primary key is
// the player id the coordinator hands to the network core, which is what
// lets a dropped player reconnect as the same player.
type Player struct {
	ID          uint64 `gorm:"primaryKey"`
	Name        string `gorm:"unique; not null"`
	GamesPlayed int
	LastSeen    time.Time
	CreatedAt   time.Time
}

// FindPlayerByID searches for a player with the specified id, returning the
// *Player instance if found or nil if there is no match.
func FindPlayerByID(db *gorm.DB, id uint64) (*Player, error) {
	var player Player
	err := db.First(&player, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &player, nil
}

// FindPlayerByName searches for a player with the specified display name,
// returning the *Player instance if found or nil if there is no match.
func FindPlayerByName(db *gorm.DB, name string) (*Player, error) {
	var player Player
	err := db.Where("name = ?", name).First(&player).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &player, nil
}

// CreatePlayer persists the Player record to the database.
func CreatePlayer(db *gorm.DB, player *Player) error {
	return db.Create(player).Error
}

// TouchPlayer updates the player's last-seen timestamp.
func TouchPlayer(db *gorm.DB, player *Player) error {
	player.LastSeen = time.Now()
	return db.Save(player).Error
}

// RecordGamePlayed bumps the player's game counter.
func RecordGamePlayed(db *gorm.DB, player *Player) error {
	player.GamesPlayed++
	return db.Save(player).Error
}

// DeletePlayer permanently deletes a Player record from the database.
func DeletePlayer(db *gorm.DB, player *Player) error {
	return db.Delete(player).Error
}
