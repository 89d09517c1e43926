// Package room runs one actor per live game. The actor owns the fanout
// list, consumes client actions one at a time, applies them through the
// store, and broadcasts the committed result as a server event. State
// changes are visible to clients only via that event stream - there are no
// synchronous replies, a client's own action comes back the same way as
// everyone else's.
package room

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conclave-gg/conclave/internal/models"
	"github.com/conclave-gg/conclave/internal/protocol"
)

// GameStore is the slice of the persistence layer a room needs.
type GameStore interface {
	GameState(ctx context.Context, gameID uuid.UUID) (models.GameState, error)
	UpdateLife(ctx context.Context, gameID, playerID uuid.UUID, delta int) (models.Player, models.LifeChange, error)
	ApplyCommanderDamage(ctx context.Context, gameID, fromID, toID uuid.UUID, commanderNumber, delta int) (models.CommanderDamage, error)
	TogglePartner(ctx context.Context, gameID, playerID uuid.UUID, enable bool) (models.Player, error)
	EndGame(ctx context.Context, gameID uuid.UUID, winnerID *uuid.UUID) (models.Game, *models.Player, error)
}

type Msg interface{ isRoomMsg() }

type Join struct {
	ClientID string
	Outbox   chan protocol.ServerEvent // where this client wants to receive events
}

func (Join) isRoomMsg() {}

type Leave struct{ ClientID string }

func (Leave) isRoomMsg() {}

// FromClient carries one decoded action from a connected client.
type FromClient struct {
	ClientID string
	Action   protocol.ClientAction
}

func (FromClient) isRoomMsg() {}

// Broadcast pushes an event produced outside the room (the HTTP join/leave
// handlers) into the game's stream.
type Broadcast struct{ Event protocol.ServerEvent }

func (Broadcast) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type GetView struct {
	Reply chan View
}

func (GetView) isRoomMsg() {}

// View reflects internal state without data races; test-only.
type View struct {
	NumClients int
}

type Room struct {
	gameID  uuid.UUID
	inbox   chan Msg
	clients map[string]chan protocol.ServerEvent
	store   GameStore
	log     *zap.Logger
	onEmpty func() // called from the loop goroutine when the last client goes; must not block
	served  bool   // at least one client has joined since the room started
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRoom(parent context.Context, gameID uuid.UUID, store GameStore, log *zap.Logger, onEmpty func()) *Room {
	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		gameID:  gameID,
		inbox:   make(chan Msg, 64),
		clients: make(map[string]chan protocol.ServerEvent),
		store:   store,
		log:     log.Named("room").With(zap.String("game_id", gameID.String())),
		onEmpty: onEmpty,
		ctx:     ctx,
		cancel:  cancel,
	}
	go r.loop()
	return r
}

// Inbox exposes the actor's mailbox to the ws layer and tests.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.clients[msg.ClientID] = msg.Outbox
				r.served = true

			case Leave:
				if ch, ok := r.clients[msg.ClientID]; ok {
					close(ch)
					delete(r.clients, msg.ClientID)
				}
				r.notifyIfEmpty()

			case FromClient:
				r.handleAction(msg)
				r.notifyIfEmpty()

			case Broadcast:
				r.broadcast(msg.Event)
				r.notifyIfEmpty()

			case GetView:
				msg.Reply <- View{NumClients: len(r.clients)}

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) handleAction(msg FromClient) {
	ev, err := r.applyAction(msg.Action)
	if err != nil {
		r.log.Warn("action rejected",
			zap.String("action", msg.Action.Action),
			zap.String("client_id", msg.ClientID),
			zap.Error(err))
		// Validation and store errors go back to the acting client only.
		r.sendTo(msg.ClientID, protocol.ErrorEvent(err.Error()))
		return
	}
	r.broadcast(ev)
}

var errMissingField = errors.New("missing required field")

func (r *Room) applyAction(act protocol.ClientAction) (protocol.ServerEvent, error) {
	switch act.Action {
	case protocol.ActionGetGameState:
		state, err := r.store.GameState(r.ctx, r.gameID)
		if err != nil {
			return protocol.ServerEvent{}, err
		}
		return protocol.ServerEvent{
			Type:            protocol.EventGameStarted,
			GameID:          r.gameID,
			Game:            &state.Game,
			Players:         state.Players,
			CommanderDamage: state.CommanderDamage,
			RecentChanges:   state.RecentChanges,
		}, nil

	case protocol.ActionUpdateLife:
		if act.PlayerID == nil {
			return protocol.ServerEvent{}, errMissingField
		}
		player, change, err := r.store.UpdateLife(r.ctx, r.gameID, *act.PlayerID, act.ChangeAmount)
		if err != nil {
			return protocol.ServerEvent{}, err
		}
		return protocol.ServerEvent{
			Type:         protocol.EventLifeUpdate,
			GameID:       r.gameID,
			PlayerID:     player.ID,
			NewLife:      player.CurrentLife,
			ChangeAmount: change.ChangeAmount,
		}, nil

	case protocol.ActionUpdateCommanderDamage:
		if act.FromPlayerID == nil || act.ToPlayerID == nil {
			return protocol.ServerEvent{}, errMissingField
		}
		row, err := r.store.ApplyCommanderDamage(r.ctx, r.gameID,
			*act.FromPlayerID, *act.ToPlayerID, act.CommanderNumber, act.ChangeAmount)
		if err != nil {
			return protocol.ServerEvent{}, err
		}
		return protocol.ServerEvent{
			Type:            protocol.EventCommanderDamageUpdate,
			GameID:          r.gameID,
			FromPlayerID:    row.FromPlayerID,
			ToPlayerID:      row.ToPlayerID,
			CommanderNumber: row.CommanderNumber,
			NewDamage:       row.Damage,
		}, nil

	case protocol.ActionTogglePartner:
		if act.PlayerID == nil || act.EnablePartner == nil {
			return protocol.ServerEvent{}, errMissingField
		}
		player, err := r.store.TogglePartner(r.ctx, r.gameID, *act.PlayerID, *act.EnablePartner)
		if err != nil {
			return protocol.ServerEvent{}, err
		}
		return protocol.ServerEvent{
			Type:           protocol.EventPartnerToggled,
			GameID:         r.gameID,
			PlayerID:       player.ID,
			PartnerEnabled: player.PartnerEnabled,
		}, nil

	case protocol.ActionEndGame:
		_, winner, err := r.store.EndGame(r.ctx, r.gameID, act.WinnerPlayerID)
		if err != nil {
			return protocol.ServerEvent{}, err
		}
		return protocol.ServerEvent{
			Type:   protocol.EventGameEnded,
			GameID: r.gameID,
			Winner: winner,
		}, nil

	default:
		return protocol.ServerEvent{}, errors.New("unknown action " + act.Action)
	}
}

func (r *Room) sendTo(clientID string, ev protocol.ServerEvent) {
	ch, ok := r.clients[clientID]
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
		// Client is slow/full - drop them.
		close(ch)
		delete(r.clients, clientID)
	}
}

func (r *Room) broadcast(ev protocol.ServerEvent) {
	for id, ch := range r.clients {
		select {
		case ch <- ev:
			// ok
		default:
			close(ch)
			delete(r.clients, id)
		}
	}
}

// notifyIfEmpty tells the owner the fanout list just drained. Dropped slow
// clients count as leaves, so the check runs after any message that can
// shrink the list. A room that has not served anyone yet is spared: it was
// just ensured and its first subscriber is still on the way.
func (r *Room) notifyIfEmpty() {
	if r.served && len(r.clients) == 0 && r.onEmpty != nil {
		r.onEmpty()
	}
}

func (r *Room) shutdown() {
	for id, ch := range r.clients {
		close(ch) // tell client no more events
		delete(r.clients, id)
	}
	r.cancel()
}
