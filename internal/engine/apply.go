package engine

import (
	"errors"
	"fmt"
	"slices"

	"github.com/conclave-gg/conclave/internal/models"
	"github.com/conclave-gg/conclave/internal/protocol"
)

var ErrUnknownEvent = errors.New("unknown event kind")

// Apply folds one server event into the replica and returns the next state.
// It is pure and total: every defined event kind is handled, an unknown kind
// is reported as an error with the input state returned unchanged, and no
// call ever panics on a missing player or record.
//
// Events that reference a player the replica does not know are dropped
// silently: the server is authoritative and the next snapshot restates the
// truth, so a stale reference is noise, not corruption.
//
// No clamping happens here. The server already computed every carried value;
// a life total of -12 is installed as -12.
func Apply(s State, ev protocol.ServerEvent) (State, error) {
	switch ev.Type {
	case protocol.EventGameStarted:
		return applySnapshot(s, ev), nil

	case protocol.EventLifeUpdate:
		return applyLifeUpdate(s, ev), nil

	case protocol.EventPlayerJoined:
		return applyPlayerJoined(s, ev), nil

	case protocol.EventPlayerLeft:
		return applyPlayerLeft(s, ev), nil

	case protocol.EventCommanderDamageUpdate:
		next := s.Clone()
		key := DamageKey{From: ev.FromPlayerID, To: ev.ToPlayerID, Commander: ev.CommanderNumber}
		next.Damage[key] = ev.NewDamage
		return next, nil

	case protocol.EventPartnerToggled:
		next := s.Clone()
		for i := range next.Players {
			if next.Players[i].ID == ev.PlayerID {
				next.Players[i].PartnerEnabled = ev.PartnerEnabled
			}
		}
		// Toggling off hides commander-2 records from the queries; it never
		// deletes the damage already on the books.
		return next, nil

	case protocol.EventGameEnded:
		next := s.Clone()
		next.Game.Status = models.GameFinished
		if ev.Winner != nil {
			id := ev.Winner.ID
			next.Game.WinnerPlayerID = &id
		}
		return next, nil

	case protocol.EventPoisonUpdate:
		// Client-local today: the session synthesizes these, the server
		// never sends them. Kept in the reducer so server sync is just a
		// new producer, not a new code path.
		next := s.Clone()
		if ev.NewPoison < 0 {
			return s, nil
		}
		next.Poison[ev.PlayerID] = ev.NewPoison
		return next, nil

	case protocol.EventError:
		// Surfaced by the session, no game data changes.
		return s, nil

	default:
		return s, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

// applySnapshot replaces the whole replica with the carried snapshot. Poison
// counters are carried over by player id since the server does not know
// them; counters for players absent from the snapshot are dropped.
func applySnapshot(s State, ev protocol.ServerEvent) State {
	next := NewState()
	for _, p := range ev.Players {
		if n, ok := s.Poison[p.ID]; ok {
			next.Poison[p.ID] = n
		}
	}
	if ev.Game != nil {
		next.Game = *ev.Game
	}
	next.Players = slices.Clone(ev.Players)
	sortPlayers(next.Players)
	for _, cd := range ev.CommanderDamage {
		key := DamageKey{From: cd.FromPlayerID, To: cd.ToPlayerID, Commander: cd.CommanderNumber}
		next.Damage[key] = cd.Damage
	}
	next.Recent = slices.Clone(ev.RecentChanges)
	return next
}

func applyLifeUpdate(s State, ev protocol.ServerEvent) State {
	if _, ok := s.Player(ev.PlayerID); !ok {
		return s
	}
	next := s.Clone()
	for i := range next.Players {
		if next.Players[i].ID == ev.PlayerID {
			next.Players[i].CurrentLife = ev.NewLife
		}
	}
	next.Recent = append([]models.LifeChange{{
		GameID:       ev.GameID,
		PlayerID:     ev.PlayerID,
		ChangeAmount: ev.ChangeAmount,
		NewLifeTotal: ev.NewLife,
	}}, next.Recent...)
	if len(next.Recent) > recentChangeLimit {
		next.Recent = next.Recent[:recentChangeLimit]
	}
	return next
}

func applyPlayerJoined(s State, ev protocol.ServerEvent) State {
	if ev.Player == nil {
		return s
	}
	// Duplicate join echoes happen; dedup by id.
	if _, ok := s.Player(ev.Player.ID); ok {
		return s
	}
	next := s.Clone()
	next.Players = append(next.Players, *ev.Player)
	sortPlayers(next.Players)
	return next
}

func applyPlayerLeft(s State, ev protocol.ServerEvent) State {
	if _, ok := s.Player(ev.PlayerID); !ok {
		return s
	}
	next := s.Clone()
	next.Players = slices.DeleteFunc(next.Players, func(p models.Player) bool {
		return p.ID == ev.PlayerID
	})
	// Every damage record on either side of the leaver goes with them.
	for key := range next.Damage {
		if key.From == ev.PlayerID || key.To == ev.PlayerID {
			delete(next.Damage, key)
		}
	}
	delete(next.Poison, ev.PlayerID)
	return next
}
