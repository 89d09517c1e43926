package models

import (
	"time"

	"github.com/google/uuid"
)

type GameStatus string

const (
	GameActive   GameStatus = "active"
	GameFinished GameStatus = "finished"
)

const (
	DefaultStartingLife = 40
	MinStartingLife     = 1
	MaxStartingLife     = 999
	MaxPlayersPerGame   = 8
)

// Game is one tracked Commander pod session. Status only ever moves
// active -> finished; finished is terminal.
type Game struct {
	ID             uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Name           string     `json:"name"`
	Status         GameStatus `json:"status"`
	StartingLife   int        `json:"startingLife"`
	WinnerPlayerID *uuid.UUID `json:"winnerPlayerId,omitempty" gorm:"type:uuid"`
	CreatedAt      time.Time  `json:"createdAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Player is a seat in a game. Position is assigned at join time, is unique
// within the game, and defines sort order for the whole session. Identity
// fields are opaque strings owned by the external identity provider.
type Player struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	GameID         uuid.UUID `json:"gameId" gorm:"type:uuid;index"`
	UserID         string    `json:"userId" gorm:"index"`
	DisplayName    string    `json:"displayName"`
	Username       string    `json:"username,omitempty"`
	AvatarURL      string    `json:"avatarUrl,omitempty"`
	CurrentLife    int       `json:"currentLife"`
	Position       int       `json:"position"`
	PartnerEnabled bool      `json:"partnerEnabled"`
}

// CommanderDamage is one cell of the commander-damage matrix: cumulative
// damage dealt by one of FromPlayer's commander slots to ToPlayer. At most
// one row exists per (game, from, to, commanderNumber); absence means 0.
type CommanderDamage struct {
	ID              uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	GameID          uuid.UUID `json:"gameId" gorm:"type:uuid;uniqueIndex:idx_damage_key"`
	FromPlayerID    uuid.UUID `json:"fromPlayerId" gorm:"type:uuid;uniqueIndex:idx_damage_key"`
	ToPlayerID      uuid.UUID `json:"toPlayerId" gorm:"type:uuid;uniqueIndex:idx_damage_key"`
	CommanderNumber int       `json:"commanderNumber" gorm:"uniqueIndex:idx_damage_key"`
	Damage          int       `json:"damage"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// LifeChange is one entry of the life-total history ledger.
type LifeChange struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	GameID       uuid.UUID `json:"gameId" gorm:"type:uuid;index"`
	PlayerID     uuid.UUID `json:"playerId" gorm:"type:uuid"`
	ChangeAmount int       `json:"changeAmount"`
	NewLifeTotal int       `json:"newLifeTotal"`
	CreatedAt    time.Time `json:"createdAt"`
}

// GameState is the full snapshot of one game, sufficient to reinitialize a
// client replica from scratch.
type GameState struct {
	Game            Game              `json:"game"`
	Players         []Player          `json:"players"`
	CommanderDamage []CommanderDamage `json:"commanderDamage"`
	RecentChanges   []LifeChange      `json:"recentChanges"`
}
