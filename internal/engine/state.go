// Package engine holds the client-side replica of one game and the pure
// reducer that folds server events into it. Nothing here does I/O or
// touches a clock; the session package owns when Apply runs, this package
// owns what it means.
package engine

import (
	"slices"

	"github.com/google/uuid"

	"github.com/conclave-gg/conclave/internal/models"
)

// How many life-change entries the replica keeps around for display.
const recentChangeLimit = 50

// DamageKey identifies one commander-damage counter: damage dealt by one of
// From's commander slots (1 or 2) to To.
type DamageKey struct {
	From      uuid.UUID
	To        uuid.UUID
	Commander int
}

// State is the local replica of one game. It is a value: Apply returns a
// new State and never mutates its input, so a snapshot handed to a reader
// stays stable while the event stream keeps flowing.
//
// Poison counters live here but are client-local (never sent over the
// channel); see the poisonUpdate handling in Apply.
type State struct {
	Game    models.Game
	Players []models.Player // sorted by Position
	Damage  map[DamageKey]int
	Recent  []models.LifeChange
	Poison  map[uuid.UUID]int
}

func NewState() State {
	return State{
		Damage: map[DamageKey]int{},
		Poison: map[uuid.UUID]int{},
	}
}

// Clone deep-copies the state so the caller can hold it across further
// applies without aliasing.
func (s State) Clone() State {
	out := s
	out.Players = slices.Clone(s.Players)
	out.Recent = slices.Clone(s.Recent)
	out.Damage = make(map[DamageKey]int, len(s.Damage))
	for k, v := range s.Damage {
		out.Damage[k] = v
	}
	out.Poison = make(map[uuid.UUID]int, len(s.Poison))
	for k, v := range s.Poison {
		out.Poison[k] = v
	}
	return out
}

// Player returns the player with the given id, if present.
func (s State) Player(id uuid.UUID) (models.Player, bool) {
	for _, p := range s.Players {
		if p.ID == id {
			return p, true
		}
	}
	return models.Player{}, false
}

// Finished reports whether the game has reached its terminal status.
func (s State) Finished() bool {
	return s.Game.Status == models.GameFinished
}

// DamageTo reads one commander-damage counter; a missing record is 0.
func (s State) DamageTo(from, to uuid.UUID, commander int) int {
	return s.Damage[DamageKey{From: from, To: to, Commander: commander}]
}

func sortPlayers(players []models.Player) {
	slices.SortFunc(players, func(a, b models.Player) int {
		return a.Position - b.Position
	})
}
