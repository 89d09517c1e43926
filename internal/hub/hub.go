// Package hub keeps the registry of live game rooms. It is itself an actor:
// all map access happens on its loop goroutine.
package hub

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conclave-gg/conclave/internal/protocol"
	"github.com/conclave-gg/conclave/internal/room"
)

type HubMsg interface{ isHubMsg() }

type EnsureRoom struct {
	GameID uuid.UUID
	Reply  chan *room.Room
}

type GetRoom struct {
	GameID uuid.UUID
	Reply  chan *room.Room // may receive nil
}

type RemoveRoom struct {
	GameID uuid.UUID
}

type ShutdownHub struct{}

func (EnsureRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (RemoveRoom) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox  chan HubMsg
	rooms  map[uuid.UUID]*room.Room
	store  room.GameStore
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(parent context.Context, store room.GameStore, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[uuid.UUID]*room.Room),
		store:  store,
		log:    log.Named("hub"),
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Ensure returns the room for a game, starting it if needed.
func (h *Hub) Ensure(gameID uuid.UUID) *room.Room {
	reply := make(chan *room.Room, 1)
	h.inbox <- EnsureRoom{GameID: gameID, Reply: reply}
	return <-reply
}

// Broadcast pushes an event into a game's stream if its room is live. HTTP
// handlers use this for join/leave/end side effects; a game nobody is
// subscribed to has no room and nothing to tell.
func (h *Hub) Broadcast(gameID uuid.UUID, ev protocol.ServerEvent) {
	reply := make(chan *room.Room, 1)
	h.inbox <- GetRoom{GameID: gameID, Reply: reply}
	if rm := <-reply; rm != nil {
		rm.Inbox() <- room.Broadcast{Event: ev}
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureRoom:
				rm := h.rooms[msg.GameID]
				if rm == nil {
					rm = room.NewRoom(h.ctx, msg.GameID, h.store, h.log, h.reaper(msg.GameID))
					h.rooms[msg.GameID] = rm
					h.log.Info("room started", zap.String("game_id", msg.GameID.String()))
				}
				msg.Reply <- rm

			case GetRoom:
				msg.Reply <- h.rooms[msg.GameID] // may be nil

			case RemoveRoom:
				if rm := h.rooms[msg.GameID]; rm != nil {
					rm.Inbox() <- room.Shutdown{}
					delete(h.rooms, msg.GameID)
				}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

// reaper builds the callback a room fires once its last client leaves. The
// send must not block: the room loop calls this while the hub loop may be
// mid-send to that same room, and a missed reap only means the next empty
// notification tries again.
func (h *Hub) reaper(gameID uuid.UUID) func() {
	return func() {
		select {
		case h.inbox <- RemoveRoom{GameID: gameID}:
		default:
		}
	}
}

func (h *Hub) shutdown() {
	for id, rm := range h.rooms {
		rm.Inbox() <- room.Shutdown{}
		delete(h.rooms, id)
	}
	h.cancel()
}
