// Package protocol defines the wire envelope spoken over a game's duplex
// channel. Server-pushed events carry a "type" discriminator with camelCase
// fields; client actions carry an "action" discriminator with snake_case
// fields. Both directions are plain JSON text frames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/conclave-gg/conclave/internal/models"
)

var ErrMalformed = errors.New("malformed message")

// Server -> client event kinds.
const (
	EventGameStarted           = "gameStarted"
	EventLifeUpdate            = "lifeUpdate"
	EventPlayerJoined          = "playerJoined"
	EventPlayerLeft            = "playerLeft"
	EventCommanderDamageUpdate = "commanderDamageUpdate"
	EventPartnerToggled        = "partnerToggled"
	EventGameEnded             = "gameEnded"
	EventError                 = "error"

	// EventPoisonUpdate is reserved: poison counters are client-local today,
	// but the applier accepts this kind so server sync can be added without
	// restructuring.
	EventPoisonUpdate = "poisonUpdate"
)

// Client -> server action kinds.
const (
	ActionGetGameState          = "get_game_state"
	ActionUpdateLife            = "update_life"
	ActionUpdateCommanderDamage = "update_commander_damage"
	ActionTogglePartner         = "toggle_partner"
	ActionEndGame               = "end_game"
)

// ServerEvent is the server-pushed envelope. Exactly the fields relevant to
// Type are populated; the rest stay zero. Life and damage values are the
// absolute results computed server-side - ChangeAmount is carried for
// display only.
type ServerEvent struct {
	Type   string    `json:"type"`
	GameID uuid.UUID `json:"gameId,omitzero"`

	// gameStarted snapshot
	Game            *models.Game             `json:"game,omitempty"`
	Players         []models.Player          `json:"players,omitempty"`
	CommanderDamage []models.CommanderDamage `json:"commanderDamage,omitempty"`
	RecentChanges   []models.LifeChange      `json:"recentChanges,omitempty"`

	// lifeUpdate / playerLeft / partnerToggled / poisonUpdate
	PlayerID     uuid.UUID `json:"playerId,omitzero"`
	NewLife      int       `json:"newLife,omitempty"`
	ChangeAmount int       `json:"changeAmount,omitempty"`

	// playerJoined
	Player *models.Player `json:"player,omitempty"`

	// commanderDamageUpdate
	FromPlayerID    uuid.UUID `json:"fromPlayerId,omitzero"`
	ToPlayerID      uuid.UUID `json:"toPlayerId,omitzero"`
	CommanderNumber int       `json:"commanderNumber,omitempty"`
	NewDamage       int       `json:"newDamage,omitempty"`

	// partnerToggled
	PartnerEnabled bool `json:"partnerEnabled,omitempty"`

	// poisonUpdate
	NewPoison int `json:"newPoison,omitempty"`

	// gameEnded; nil winner means the game ended without a declared winner
	Winner *models.Player `json:"winner,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// ClientAction is the client-issued envelope. Deltas, not absolutes: the
// server computes the resulting totals and echoes them back as events.
type ClientAction struct {
	Action          string     `json:"action"`
	PlayerID        *uuid.UUID `json:"player_id,omitempty"`
	ChangeAmount    int        `json:"change_amount,omitempty"`
	FromPlayerID    *uuid.UUID `json:"from_player_id,omitempty"`
	ToPlayerID      *uuid.UUID `json:"to_player_id,omitempty"`
	CommanderNumber int        `json:"commander_number,omitempty"`
	EnablePartner   *bool      `json:"enable_partner,omitempty"`
	WinnerPlayerID  *uuid.UUID `json:"winner_player_id,omitempty"`
}

// DecodeServerEvent parses a raw frame into a ServerEvent. The kind is not
// validated here: the applier owns the decision of what to do with an
// unknown type, a parse failure only means the frame was not our JSON shape.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return ev, nil
}

// DecodeClientAction parses a raw frame into a ClientAction.
func DecodeClientAction(data []byte) (ClientAction, error) {
	var act ClientAction
	if err := json.Unmarshal(data, &act); err != nil {
		return ClientAction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if act.Action == "" {
		return ClientAction{}, fmt.Errorf("%w: missing action", ErrMalformed)
	}
	return act, nil
}

// ErrorEvent builds the error envelope broadcast for kind (b) protocol
// errors. It carries no game data and mutates nothing client-side.
func ErrorEvent(msg string) ServerEvent {
	return ServerEvent{Type: EventError, Message: msg}
}
