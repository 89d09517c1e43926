package ws

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conclave-gg/conclave/internal/auth"
	"github.com/conclave-gg/conclave/internal/hub"
	"github.com/conclave-gg/conclave/internal/models"
	"github.com/conclave-gg/conclave/internal/protocol"
	"github.com/conclave-gg/conclave/internal/room"
	"github.com/conclave-gg/conclave/internal/store"
)

const writeTimeout = 3 * time.Second

// Store is the slice of persistence the connection handler needs on top of
// what the room already owns.
type Store interface {
	Game(ctx context.Context, gameID uuid.UUID) (models.Game, error)
	JoinGame(ctx context.Context, gameID uuid.UUID, identity store.Identity) (models.Player, error)
}

// Handler upgrades an authenticated request into a live game subscription:
// it seats the user if needed, registers an outbox with the game's room,
// and then pumps frames both ways until either side closes.
func Handler(h *hub.Hub, st Store, verifier *auth.Verifier, log *zap.Logger) http.HandlerFunc {
	log = log.Named("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		user, err := verifier.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		gameID, err := uuid.Parse(r.URL.Query().Get("game_id"))
		if err != nil {
			http.Error(w, "missing or invalid game_id", http.StatusBadRequest)
			return
		}

		game, err := st.Game(r.Context(), gameID)
		if err != nil {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}
		if game.Status != models.GameActive {
			http.Error(w, "game is not active", http.StatusBadRequest)
			return
		}

		rm := h.Ensure(gameID)

		// Auto-seat the user; a duplicate join is fine, they already have a
		// seat and everyone already knows.
		player, err := st.JoinGame(r.Context(), gameID, store.Identity{
			UserID:      user.ID,
			DisplayName: user.DisplayName(),
			Username:    user.Username,
			AvatarURL:   user.ImageURL,
		})
		switch {
		case err == nil:
			h.Broadcast(gameID, protocol.ServerEvent{
				Type:   protocol.EventPlayerJoined,
				GameID: gameID,
				Player: &player,
			})
		case errors.Is(err, store.ErrAlreadyInGame):
			// already seated
		default:
			http.Error(w, "could not join game", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		clientID := randID(6)
		out := make(chan protocol.ServerEvent, 16)
		rm.Inbox() <- room.Join{ClientID: clientID, Outbox: out}
		defer func() { rm.Inbox() <- room.Leave{ClientID: clientID} }()

		log.Info("client subscribed",
			zap.String("game_id", gameID.String()),
			zap.String("user_id", user.ID),
			zap.String("client_id", clientID))

		// Writer goroutine. A closed outbox means the room dropped us or was
		// reaped; closing the connection unblocks the reader loop and lets
		// the client reconnect into a fresh room.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for ev := range out {
				payload, err := json.Marshal(ev)
				if err != nil {
					log.Error("marshal event", zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
			_ = conn.Close(websocket.StatusTryAgainLater, "resubscribe")
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			act, err := protocol.DecodeClientAction(data)
			if err != nil {
				// One bad frame must not kill the stream.
				payload, _ := json.Marshal(protocol.ErrorEvent("malformed action"))
				_ = conn.Write(r.Context(), websocket.MessageText, payload)
				continue
			}

			rm.Inbox() <- room.FromClient{ClientID: clientID, Action: act}
		}
	}
}

func randID(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
