package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conclave-gg/conclave/internal/auth"
	"github.com/conclave-gg/conclave/internal/hub"
	"github.com/conclave-gg/conclave/internal/models"
	"github.com/conclave-gg/conclave/internal/protocol"
	"github.com/conclave-gg/conclave/internal/store"
)

// Sanity caps on a single HTTP-issued delta. The socket path has no such
// caps; a REST client has no live view to anchor its deltas to, so a fat
// finger is bounded here.
const (
	maxLifeSwing   = 100
	maxDamageSwing = 50
)

// Store is the persistence surface the HTTP API needs.
type Store interface {
	CreateGame(ctx context.Context, name string, startingLife int, creator store.Identity) (models.Game, models.Player, error)
	JoinGame(ctx context.Context, gameID uuid.UUID, identity store.Identity) (models.Player, error)
	LeaveGame(ctx context.Context, gameID uuid.UUID, userID string) (uuid.UUID, error)
	Game(ctx context.Context, gameID uuid.UUID) (models.Game, error)
	GameState(ctx context.Context, gameID uuid.UUID) (models.GameState, error)
	UpdateLife(ctx context.Context, gameID, playerID uuid.UUID, delta int) (models.Player, models.LifeChange, error)
	ApplyCommanderDamage(ctx context.Context, gameID, fromID, toID uuid.UUID, commanderNumber, delta int) (models.CommanderDamage, error)
	TogglePartner(ctx context.Context, gameID, playerID uuid.UUID, enable bool) (models.Player, error)
	EndGame(ctx context.Context, gameID uuid.UUID, winnerID *uuid.UUID) (models.Game, *models.Player, error)
	RecentLifeChanges(ctx context.Context, gameID uuid.UUID, limit int) ([]models.LifeChange, error)
	Games(ctx context.Context) ([]store.GameSummary, error)
	UserGames(ctx context.Context, userID string) ([]store.GameSummary, error)
	AvailableGames(ctx context.Context, userID string) ([]store.GameSummary, error)
	History(ctx context.Context, userID string, includeNoWinner bool) ([]store.GameSummary, error)
	StatsCounters(ctx context.Context) (store.Stats, error)
}

type api struct {
	hub   *hub.Hub
	store Store
	log   *zap.Logger
}

type CreateGameRequest struct {
	Name         string `json:"name"`
	StartingLife *int   `json:"startingLife,omitempty"`
}

type EndGameRequest struct {
	WinnerPlayerID *uuid.UUID `json:"winnerPlayerId,omitempty"`
}

type UpdateLifeRequest struct {
	PlayerID     uuid.UUID `json:"playerId"`
	ChangeAmount int       `json:"changeAmount"`
}

type UpdateCommanderDamageRequest struct {
	FromPlayerID    uuid.UUID `json:"fromPlayerId"`
	ToPlayerID      uuid.UUID `json:"toPlayerId"`
	CommanderNumber int       `json:"commanderNumber"`
	DamageAmount    int       `json:"damageAmount"`
}

type TogglePartnerRequest struct {
	PlayerID      *uuid.UUID `json:"playerId,omitempty"`
	EnablePartner bool       `json:"enablePartner"`
}

func (a *api) CreateGame(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req CreateGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	startingLife := models.DefaultStartingLife
	if req.StartingLife != nil {
		startingLife = *req.StartingLife
	}

	game, _, err := a.store.CreateGame(r.Context(), req.Name, startingLife, identityOf(user))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.hub.Ensure(game.ID)
	a.log.Info("game created",
		zap.String("game_id", game.ID.String()),
		zap.String("user_id", user.ID))
	writeJSON(w, http.StatusCreated, game)
}

func (a *api) ListGames(w http.ResponseWriter, r *http.Request) {
	games, err := a.store.Games(r.Context())
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, games)
}

func (a *api) GetGame(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	game, err := a.store.Game(r.Context(), gameID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func (a *api) GetGameState(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	state, err := a.store.GameState(r.Context(), gameID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *api) GetLifeChanges(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	changes, err := a.store.RecentLifeChanges(r.Context(), gameID, limit)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (a *api) JoinGame(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	gameID, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	player, err := a.store.JoinGame(r.Context(), gameID, identityOf(user))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.hub.Broadcast(gameID, protocol.ServerEvent{
		Type:   protocol.EventPlayerJoined,
		GameID: gameID,
		Player: &player,
	})
	a.log.Info("player joined",
		zap.String("game_id", gameID.String()),
		zap.String("user_id", user.ID),
		zap.Int("position", player.Position))
	writeJSON(w, http.StatusOK, player)
}

func (a *api) LeaveGame(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	gameID, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	playerID, err := a.store.LeaveGame(r.Context(), gameID, user.ID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.hub.Broadcast(gameID, protocol.ServerEvent{
		Type:     protocol.EventPlayerLeft,
		GameID:   gameID,
		PlayerID: playerID,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *api) EndGame(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	// An empty body means "ended without a declared winner".
	var req EndGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	game, winner, err := a.store.EndGame(r.Context(), gameID, req.WinnerPlayerID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.hub.Broadcast(gameID, protocol.ServerEvent{
		Type:   protocol.EventGameEnded,
		GameID: gameID,
		Winner: winner,
	})
	a.log.Info("game ended", zap.String("game_id", gameID.String()))
	writeJSON(w, http.StatusOK, game)
}

// UpdateLife is the REST twin of the socket's update_life action, for
// clients without a live subscription. The committed result is broadcast to
// the game's subscribers the same way.
func (a *api) UpdateLife(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateLifeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.PlayerID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "missing playerId")
		return
	}
	if req.ChangeAmount > maxLifeSwing || req.ChangeAmount < -maxLifeSwing {
		writeError(w, http.StatusBadRequest, "life change too large (max ±100)")
		return
	}
	player, change, err := a.store.UpdateLife(r.Context(), gameID, req.PlayerID, req.ChangeAmount)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.hub.Broadcast(gameID, protocol.ServerEvent{
		Type:         protocol.EventLifeUpdate,
		GameID:       gameID,
		PlayerID:     player.ID,
		NewLife:      player.CurrentLife,
		ChangeAmount: change.ChangeAmount,
	})
	writeJSON(w, http.StatusOK, player)
}

func (a *api) UpdateCommanderDamage(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateCommanderDamageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.FromPlayerID == uuid.Nil || req.ToPlayerID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "missing player ids")
		return
	}
	if req.DamageAmount > maxDamageSwing || req.DamageAmount < -maxDamageSwing {
		writeError(w, http.StatusBadRequest, "commander damage change too large (max ±50)")
		return
	}
	row, err := a.store.ApplyCommanderDamage(r.Context(), gameID,
		req.FromPlayerID, req.ToPlayerID, req.CommanderNumber, req.DamageAmount)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.hub.Broadcast(gameID, protocol.ServerEvent{
		Type:            protocol.EventCommanderDamageUpdate,
		GameID:          gameID,
		FromPlayerID:    row.FromPlayerID,
		ToPlayerID:      row.ToPlayerID,
		CommanderNumber: row.CommanderNumber,
		NewDamage:       row.Damage,
	})
	writeJSON(w, http.StatusOK, row)
}

func (a *api) TogglePartner(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	playerID, err := uuid.Parse(chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid player id")
		return
	}
	var req TogglePartnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	// A body-carried player id must agree with the path.
	if req.PlayerID != nil && *req.PlayerID != playerID {
		writeError(w, http.StatusBadRequest, "player id in path does not match request")
		return
	}
	player, err := a.store.TogglePartner(r.Context(), gameID, playerID, req.EnablePartner)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.hub.Broadcast(gameID, protocol.ServerEvent{
		Type:           protocol.EventPartnerToggled,
		GameID:         gameID,
		PlayerID:       player.ID,
		PartnerEnabled: player.PartnerEnabled,
	})
	writeJSON(w, http.StatusOK, player)
}

// GetStats serves the unauthenticated monitoring counters.
func (a *api) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.StatsCounters(r.Context())
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) GetUserGames(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	games, err := a.store.UserGames(r.Context(), user.ID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, games)
}

func (a *api) GetAvailableGames(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	games, err := a.store.AvailableGames(r.Context(), user.ID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, games)
}

func (a *api) GetHistory(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	includeNoWinner := r.URL.Query().Get("include_no_winner") == "true"
	games, err := a.store.History(r.Context(), user.ID, includeNoWinner)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, games)
}

func identityOf(user auth.User) store.Identity {
	return store.Identity{
		UserID:      user.ID,
		DisplayName: user.DisplayName(),
		Username:    user.Username,
		AvatarURL:   user.ImageURL,
	}
}

func gameIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	gameID, err := uuid.Parse(chi.URLParam(r, "gameID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return uuid.Nil, false
	}
	return gameID, true
}

func (a *api) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrGameNotFound), errors.Is(err, store.ErrPlayerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrGameNotActive),
		errors.Is(err, store.ErrGameFull),
		errors.Is(err, store.ErrAlreadyInGame),
		errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.log.Error("store error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "status": status})
}
