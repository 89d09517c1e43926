package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/conclave-gg/conclave/internal/protocol"
)

// The dispatcher: the outgoing half of the session. Each method translates
// one user intent into exactly one protocol message and writes it, or
// rejects it locally before anything hits the wire. Nothing here mutates
// the replica - confirmations only ever arrive back through the event
// stream, the client's own actions included. Actions issued while
// disconnected are not queued.

// RequestSnapshot asks the server for a full resync. Allowed even after the
// game has finished, since reading history is not a mutation.
func (s *Session) RequestSnapshot() error {
	return s.send(protocol.ClientAction{Action: protocol.ActionGetGameState}, false)
}

// ChangeLife adjusts a player's life total by delta. The server computes the
// resulting absolute total and echoes it as a lifeUpdate event.
func (s *Session) ChangeLife(playerID uuid.UUID, delta int) error {
	return s.send(protocol.ClientAction{
		Action:       protocol.ActionUpdateLife,
		PlayerID:     &playerID,
		ChangeAmount: delta,
	}, true)
}

// ChangeCommanderDamage adjusts one commander-damage counter by delta. A
// decrement is clamped here, at the point of user input, so the counter
// never goes below zero; an already-zero counter makes a pure decrement a
// local no-op.
func (s *Session) ChangeCommanderDamage(fromID, toID uuid.UUID, commanderNumber, delta int) error {
	if commanderNumber != 1 && commanderNumber != 2 {
		return fmt.Errorf("commander number must be 1 or 2, got %d", commanderNumber)
	}
	if delta < 0 {
		current := s.Snapshot().DamageTo(fromID, toID, commanderNumber)
		if current+delta < 0 {
			delta = -current
		}
		if delta == 0 {
			return nil
		}
	}
	return s.send(protocol.ClientAction{
		Action:          protocol.ActionUpdateCommanderDamage,
		FromPlayerID:    &fromID,
		ToPlayerID:      &toID,
		CommanderNumber: commanderNumber,
		ChangeAmount:    delta,
	}, true)
}

// TogglePartner sets whether the player fields a second commander.
func (s *Session) TogglePartner(playerID uuid.UUID, enable bool) error {
	return s.send(protocol.ClientAction{
		Action:        protocol.ActionTogglePartner,
		PlayerID:      &playerID,
		EnablePartner: &enable,
	}, true)
}

// EndGame finishes the game. A nil winnerID means "ended without a declared
// winner".
func (s *Session) EndGame(winnerID *uuid.UUID) error {
	return s.send(protocol.ClientAction{
		Action:         protocol.ActionEndGame,
		WinnerPlayerID: winnerID,
	}, true)
}

// send runs the local rejection checks and writes one frame.
func (s *Session) send(act protocol.ClientAction, mutating bool) error {
	s.mu.RLock()
	ch, status, finished := s.ch, s.status, s.state.Finished()
	s.mu.RUnlock()

	if mutating && finished {
		return ErrGameFinished
	}
	if status != StatusConnected || ch == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("encode %s: %w", act.Action, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := ch.Write(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", act.Action, err)
	}
	return nil
}
