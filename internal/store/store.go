// Package store persists games, players, life history and the
// commander-damage matrix. It is the server's single source of truth; the
// rooms only ever broadcast what the store has already committed.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/conclave-gg/conclave/internal/models"
)

var (
	ErrGameNotFound   = errors.New("game not found")
	ErrPlayerNotFound = errors.New("player not found")
	ErrGameNotActive  = errors.New("game is not active")
	ErrGameFull       = errors.New("game is full")
	ErrAlreadyInGame  = errors.New("user already in game")
	ErrInvalidInput   = errors.New("invalid input")
)

const maxCommanderDamage = 999

// Identity is the externally owned profile attached to a joining player.
type Identity struct {
	UserID      string
	DisplayName string
	Username    string
	AvatarURL   string
}

// GameSummary is a game plus its seats, used by listings and history.
type GameSummary struct {
	Game    models.Game     `json:"game"`
	Players []models.Player `json:"players"`
	Winner  *models.Player  `json:"winner,omitempty"`
}

// Stats is the monitoring counter set served unauthenticated.
type Stats struct {
	ActiveGames   int64 `json:"activeGames"`
	FinishedGames int64 `json:"finishedGames"`
	ActivePlayers int64 `json:"activePlayers"`
}

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects to postgres and migrates the schema.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&models.Game{},
		&models.Player{},
		&models.CommanderDamage{},
		&models.LifeChange{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, log: log.Named("store")}, nil
}

// CreateGame creates an active game and seats the creator at position 1.
func (s *Store) CreateGame(ctx context.Context, name string, startingLife int, creator Identity) (models.Game, models.Player, error) {
	if startingLife < models.MinStartingLife || startingLife > models.MaxStartingLife {
		return models.Game{}, models.Player{}, fmt.Errorf("%w: starting life must be between %d and %d",
			ErrInvalidInput, models.MinStartingLife, models.MaxStartingLife)
	}

	game := models.Game{
		ID:           uuid.New(),
		Name:         name,
		Status:       models.GameActive,
		StartingLife: startingLife,
		CreatedAt:    time.Now().UTC(),
	}
	var player models.Player
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Game{}).
			Where("name = ? AND status <> ?", name, models.GameFinished).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: game name already in use", ErrInvalidInput)
		}
		if err := tx.Create(&game).Error; err != nil {
			return err
		}
		var err error
		player, err = joinGameTx(tx, game, creator)
		return err
	})
	if err != nil {
		return models.Game{}, models.Player{}, err
	}
	s.log.Info("game created",
		zap.String("game_id", game.ID.String()),
		zap.Int("starting_life", startingLife))
	return game, player, nil
}

// JoinGame seats a user in an active game at the next free position.
func (s *Store) JoinGame(ctx context.Context, gameID uuid.UUID, identity Identity) (models.Player, error) {
	var player models.Player
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		game, err := gameByIDTx(tx, gameID)
		if err != nil {
			return err
		}
		player, err = joinGameTx(tx, game, identity)
		return err
	})
	return player, err
}

func joinGameTx(tx *gorm.DB, game models.Game, identity Identity) (models.Player, error) {
	if game.Status != models.GameActive {
		return models.Player{}, ErrGameNotActive
	}
	var existing int64
	if err := tx.Model(&models.Player{}).
		Where("game_id = ? AND user_id = ?", game.ID, identity.UserID).
		Count(&existing).Error; err != nil {
		return models.Player{}, err
	}
	if existing > 0 {
		return models.Player{}, ErrAlreadyInGame
	}
	var seated int64
	if err := tx.Model(&models.Player{}).Where("game_id = ?", game.ID).Count(&seated).Error; err != nil {
		return models.Player{}, err
	}
	if seated >= models.MaxPlayersPerGame {
		return models.Player{}, ErrGameFull
	}

	player := models.Player{
		ID:          uuid.New(),
		GameID:      game.ID,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Username:    identity.Username,
		AvatarURL:   identity.AvatarURL,
		CurrentLife: game.StartingLife,
		Position:    int(seated) + 1,
	}
	if err := tx.Create(&player).Error; err != nil {
		return models.Player{}, err
	}
	return player, nil
}

// LeaveGame removes the user's seat and every commander-damage row the
// leaving player appears on, either side. Returns the removed player's id
// for the playerLeft broadcast.
func (s *Store) LeaveGame(ctx context.Context, gameID uuid.UUID, userID string) (uuid.UUID, error) {
	var playerID uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var player models.Player
		if err := tx.Where("game_id = ? AND user_id = ?", gameID, userID).First(&player).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPlayerNotFound
			}
			return err
		}
		playerID = player.ID
		if err := tx.Where("game_id = ? AND (from_player_id = ? OR to_player_id = ?)",
			gameID, player.ID, player.ID).Delete(&models.CommanderDamage{}).Error; err != nil {
			return err
		}
		return tx.Delete(&player).Error
	})
	return playerID, err
}

// Game fetches one game.
func (s *Store) Game(ctx context.Context, gameID uuid.UUID) (models.Game, error) {
	var game models.Game
	err := s.db.WithContext(ctx).First(&game, "id = ?", gameID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Game{}, ErrGameNotFound
	}
	return game, err
}

func gameByIDTx(tx *gorm.DB, gameID uuid.UUID) (models.Game, error) {
	var game models.Game
	err := tx.First(&game, "id = ?", gameID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Game{}, ErrGameNotFound
	}
	return game, err
}

// GameState assembles the full snapshot used to (re)initialize a client.
func (s *Store) GameState(ctx context.Context, gameID uuid.UUID) (models.GameState, error) {
	game, err := s.Game(ctx, gameID)
	if err != nil {
		return models.GameState{}, err
	}
	players, err := s.Players(ctx, gameID)
	if err != nil {
		return models.GameState{}, err
	}
	var damage []models.CommanderDamage
	if err := s.db.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("from_player_id, to_player_id, commander_number").
		Find(&damage).Error; err != nil {
		return models.GameState{}, err
	}
	changes, err := s.RecentLifeChanges(ctx, gameID, 50)
	if err != nil {
		return models.GameState{}, err
	}
	return models.GameState{
		Game:            game,
		Players:         players,
		CommanderDamage: damage,
		RecentChanges:   changes,
	}, nil
}

// Players lists a game's seats in position order.
func (s *Store) Players(ctx context.Context, gameID uuid.UUID) ([]models.Player, error) {
	var players []models.Player
	err := s.db.WithContext(ctx).Where("game_id = ?", gameID).Order("position").Find(&players).Error
	return players, err
}

// UpdateLife applies a delta to a player's life and records the change in
// the history ledger. The resulting total is unbounded in both directions.
func (s *Store) UpdateLife(ctx context.Context, gameID, playerID uuid.UUID, delta int) (models.Player, models.LifeChange, error) {
	var player models.Player
	var change models.LifeChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		game, err := gameByIDTx(tx, gameID)
		if err != nil {
			return err
		}
		if game.Status != models.GameActive {
			return ErrGameNotActive
		}
		res := tx.Model(&models.Player{}).
			Where("id = ? AND game_id = ?", playerID, gameID).
			UpdateColumn("current_life", gorm.Expr("current_life + ?", delta))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrPlayerNotFound
		}
		if err := tx.First(&player, "id = ?", playerID).Error; err != nil {
			return err
		}
		change = models.LifeChange{
			ID:           uuid.New(),
			GameID:       gameID,
			PlayerID:     playerID,
			ChangeAmount: delta,
			NewLifeTotal: player.CurrentLife,
			CreatedAt:    time.Now().UTC(),
		}
		return tx.Create(&change).Error
	})
	return player, change, err
}

// ApplyCommanderDamage applies a delta to one commander-damage counter and
// returns the resulting row. The counter is bounded to [0, 999]; the triple
// key is upserted, so the first hit creates the row.
func (s *Store) ApplyCommanderDamage(ctx context.Context, gameID, fromID, toID uuid.UUID, commanderNumber, delta int) (models.CommanderDamage, error) {
	if commanderNumber != 1 && commanderNumber != 2 {
		return models.CommanderDamage{}, fmt.Errorf("%w: commander number must be 1 or 2", ErrInvalidInput)
	}
	if fromID == toID {
		return models.CommanderDamage{}, fmt.Errorf("%w: commander damage cannot target its own player", ErrInvalidInput)
	}

	var row models.CommanderDamage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		game, err := gameByIDTx(tx, gameID)
		if err != nil {
			return err
		}
		if game.Status != models.GameActive {
			return ErrGameNotActive
		}
		var inGame int64
		if err := tx.Model(&models.Player{}).
			Where("game_id = ? AND id IN ?", gameID, []uuid.UUID{fromID, toID}).
			Count(&inGame).Error; err != nil {
			return err
		}
		if inGame != 2 {
			return ErrPlayerNotFound
		}

		now := time.Now().UTC()
		err = tx.Where("game_id = ? AND from_player_id = ? AND to_player_id = ? AND commander_number = ?",
			gameID, fromID, toID, commanderNumber).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = models.CommanderDamage{
				ID:              uuid.New(),
				GameID:          gameID,
				FromPlayerID:    fromID,
				ToPlayerID:      toID,
				CommanderNumber: commanderNumber,
				CreatedAt:       now,
			}
		case err != nil:
			return err
		}

		row.Damage += delta
		if row.Damage < 0 {
			row.Damage = 0
		}
		if row.Damage > maxCommanderDamage {
			row.Damage = maxCommanderDamage
		}
		row.UpdatedAt = now
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "game_id"}, {Name: "from_player_id"},
				{Name: "to_player_id"}, {Name: "commander_number"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"damage", "updated_at"}),
		}).Create(&row).Error
	})
	return row, err
}

// TogglePartner flips whether the player fields a second commander. Existing
// commander-2 rows are left untouched: disabling hides them, it does not
// erase history.
func (s *Store) TogglePartner(ctx context.Context, gameID, playerID uuid.UUID, enable bool) (models.Player, error) {
	var player models.Player
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		game, err := gameByIDTx(tx, gameID)
		if err != nil {
			return err
		}
		if game.Status != models.GameActive {
			return ErrGameNotActive
		}
		if err := tx.Where("id = ? AND game_id = ?", playerID, gameID).First(&player).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPlayerNotFound
			}
			return err
		}
		player.PartnerEnabled = enable
		return tx.Model(&player).UpdateColumn("partner_enabled", enable).Error
	})
	return player, err
}

// EndGame moves the game to its terminal status. A nil winner means the
// game ended without a declared winner. Ending a finished game is a no-op
// that re-reports the stored result.
func (s *Store) EndGame(ctx context.Context, gameID uuid.UUID, winnerID *uuid.UUID) (models.Game, *models.Player, error) {
	var game models.Game
	var winner *models.Player
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		game, err = gameByIDTx(tx, gameID)
		if err != nil {
			return err
		}
		if game.Status == models.GameFinished {
			winnerID = game.WinnerPlayerID
		} else {
			if winnerID != nil {
				var count int64
				if err := tx.Model(&models.Player{}).
					Where("id = ? AND game_id = ?", *winnerID, gameID).
					Count(&count).Error; err != nil {
					return err
				}
				if count == 0 {
					return ErrPlayerNotFound
				}
			}
			now := time.Now().UTC()
			game.Status = models.GameFinished
			game.FinishedAt = &now
			game.WinnerPlayerID = winnerID
			if err := tx.Model(&models.Game{}).Where("id = ?", gameID).Updates(map[string]any{
				"status":           models.GameFinished,
				"finished_at":      now,
				"winner_player_id": winnerID,
			}).Error; err != nil {
				return err
			}
		}
		if winnerID != nil {
			var w models.Player
			if err := tx.First(&w, "id = ?", *winnerID).Error; err == nil {
				winner = &w
			}
		}
		return nil
	})
	return game, winner, err
}

// RecentLifeChanges returns the newest entries of a game's life ledger.
func (s *Store) RecentLifeChanges(ctx context.Context, gameID uuid.UUID, limit int) ([]models.LifeChange, error) {
	var changes []models.LifeChange
	err := s.db.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("created_at DESC").
		Limit(limit).
		Find(&changes).Error
	return changes, err
}

// Games lists every game, newest first.
func (s *Store) Games(ctx context.Context) ([]GameSummary, error) {
	return s.gamesByFilter(ctx,
		s.db.WithContext(ctx).Order("games.created_at DESC"))
}

// UserGames lists the active games the user is seated in.
func (s *Store) UserGames(ctx context.Context, userID string) ([]GameSummary, error) {
	return s.gamesByFilter(ctx,
		s.db.WithContext(ctx).
			Joins("INNER JOIN players ON players.game_id = games.id").
			Where("players.user_id = ? AND games.status = ?", userID, models.GameActive).
			Order("games.created_at DESC"))
}

// AvailableGames lists active games the user could still join.
func (s *Store) AvailableGames(ctx context.Context, userID string) ([]GameSummary, error) {
	return s.gamesByFilter(ctx,
		s.db.WithContext(ctx).
			Where("games.status = ?", models.GameActive).
			Where("games.id NOT IN (?)",
				s.db.Model(&models.Player{}).Select("game_id").Where("user_id = ?", userID)).
			Order("games.created_at DESC"))
}

// History lists the user's finished games, newest first. Games that ended
// without a declared winner are filtered out unless asked for.
func (s *Store) History(ctx context.Context, userID string, includeNoWinner bool) ([]GameSummary, error) {
	q := s.db.WithContext(ctx).
		Joins("INNER JOIN players ON players.game_id = games.id").
		Where("players.user_id = ? AND games.status = ?", userID, models.GameFinished)
	if !includeNoWinner {
		q = q.Where("games.winner_player_id IS NOT NULL")
	}
	return s.gamesByFilter(ctx, q.Order("games.finished_at DESC"))
}

// StatsCounters reports the live counters for the monitoring endpoint.
func (s *Store) StatsCounters(ctx context.Context) (Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&models.Game{}).
		Where("status = ?", models.GameActive).
		Count(&stats.ActiveGames).Error; err != nil {
		return Stats{}, err
	}
	if err := db.Model(&models.Game{}).
		Where("status = ?", models.GameFinished).
		Count(&stats.FinishedGames).Error; err != nil {
		return Stats{}, err
	}
	if err := db.Model(&models.Player{}).
		Joins("INNER JOIN games ON games.id = players.game_id").
		Where("games.status = ?", models.GameActive).
		Count(&stats.ActivePlayers).Error; err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (s *Store) gamesByFilter(ctx context.Context, q *gorm.DB) ([]GameSummary, error) {
	var games []models.Game
	if err := q.Model(&models.Game{}).Distinct("games.*").Find(&games).Error; err != nil {
		return nil, err
	}
	summaries := make([]GameSummary, 0, len(games))
	for _, game := range games {
		players, err := s.Players(ctx, game.ID)
		if err != nil {
			return nil, err
		}
		summary := GameSummary{Game: game, Players: players}
		if game.WinnerPlayerID != nil {
			for i := range players {
				if players[i].ID == *game.WinnerPlayerID {
					summary.Winner = &players[i]
				}
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
