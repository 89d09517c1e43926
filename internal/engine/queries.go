package engine

import (
	"slices"

	"github.com/google/uuid"

	"github.com/conclave-gg/conclave/internal/models"
)

// Game-rule elimination thresholds.
const (
	LethalCommanderDamage = 21
	LethalPoison          = 10
	dangerLife            = 5
)

// The queries below are the read-only half of the replica: pure functions
// recomputed by presentation code on every state change. None of them
// mutate, none of them allocate more than their result.

// TotalDamageReceived sums every visible commander-damage counter pointed at
// the given player. Commander-2 counters from a player whose partner flag is
// off are hidden (not deleted), so they do not count here.
func TotalDamageReceived(s State, playerID uuid.UUID) int {
	total := 0
	for key, dmg := range s.Damage {
		if key.To != playerID || !damageVisible(s, key) {
			continue
		}
		total += dmg
	}
	return total
}

// HasLethalCommanderDamage reports whether any single visible commander slot
// has dealt 21+ to the player. This is independent of life total: one lethal
// commander eliminates regardless of remaining life.
func HasLethalCommanderDamage(s State, playerID uuid.UUID) bool {
	for key, dmg := range s.Damage {
		if key.To == playerID && damageVisible(s, key) && dmg >= LethalCommanderDamage {
			return true
		}
	}
	return false
}

// HasLethalPoison reports whether the player has accumulated 10+ poison.
func HasLethalPoison(s State, playerID uuid.UUID) bool {
	return s.Poison[playerID] >= LethalPoison
}

// InDanger reports whether a player is close to elimination on any axis:
// life at 5 or below, any commander slot within 5 of lethal, or poison
// within 2 of lethal.
func InDanger(s State, playerID uuid.UUID) bool {
	p, ok := s.Player(playerID)
	if !ok {
		return false
	}
	if p.CurrentLife <= dangerLife {
		return true
	}
	if s.Poison[playerID] >= LethalPoison-2 {
		return true
	}
	for key, dmg := range s.Damage {
		if key.To == playerID && damageVisible(s, key) && dmg >= LethalCommanderDamage-5 {
			return true
		}
	}
	return false
}

// Eliminated reports whether the player is out of the game by life, by a
// single lethal commander, or by poison.
func Eliminated(s State, playerID uuid.UUID) bool {
	p, ok := s.Player(playerID)
	if !ok {
		return false
	}
	return p.CurrentLife <= 0 || HasLethalCommanderDamage(s, playerID) || HasLethalPoison(s, playerID)
}

// ThreatRanking orders player ids from most to least threatening: highest
// total visible commander damage dealt first, then highest life total, then
// seat position as the stable tiebreak.
func ThreatRanking(s State) []uuid.UUID {
	dealt := make(map[uuid.UUID]int, len(s.Players))
	for key, dmg := range s.Damage {
		if damageVisible(s, key) {
			dealt[key.From] += dmg
		}
	}
	ranked := slices.Clone(s.Players)
	slices.SortStableFunc(ranked, func(a, b models.Player) int {
		if d := dealt[b.ID] - dealt[a.ID]; d != 0 {
			return d
		}
		if d := b.CurrentLife - a.CurrentLife; d != 0 {
			return d
		}
		return a.Position - b.Position
	})
	ids := make([]uuid.UUID, len(ranked))
	for i, p := range ranked {
		ids[i] = p.ID
	}
	return ids
}

// damageVisible reports whether a damage record should be counted: a
// commander-2 record is inert while the dealer's partner flag is off.
func damageVisible(s State, key DamageKey) bool {
	if key.Commander != 2 {
		return true
	}
	from, ok := s.Player(key.From)
	return ok && from.PartnerEnabled
}
