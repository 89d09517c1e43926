package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/conclave-gg/conclave/internal/engine"
	"github.com/conclave-gg/conclave/internal/models"
	"github.com/conclave-gg/conclave/internal/protocol"
)

var (
	testGameID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	alice      = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	bob        = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	carol      = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
	dave       = uuid.MustParse("00000000-0000-0000-0000-00000000000d")
)

// fakeChannel is an in-memory Channel the tests feed and drain directly.
type fakeChannel struct {
	incoming chan []byte
	wrote    chan []byte

	mu      sync.Mutex
	readErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		incoming: make(chan []byte, 16),
		wrote:    make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeChannel) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = ErrChannelClosed
		}
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed channel")
	case c.wrote <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fail makes the next Read return err, simulating an abnormal loss.
func (c *fakeChannel) fail(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

// deliver pushes one server event into the channel.
func (c *fakeChannel) deliver(t *testing.T, ev protocol.ServerEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	c.incoming <- data
}

// awaitAction drains the next written frame and checks its action kind.
func awaitAction(t *testing.T, c *fakeChannel, action string) protocol.ClientAction {
	t.Helper()
	select {
	case data := <-c.wrote:
		act, err := protocol.DecodeClientAction(data)
		require.NoError(t, err)
		require.Equal(t, action, act.Action)
		return act
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q frame", action)
		return protocol.ClientAction{}
	}
}

func requireNoFrame(t *testing.T, c *fakeChannel) {
	t.Helper()
	select {
	case data := <-c.wrote:
		t.Fatalf("unexpected frame written: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

type dialFunc func(ctx context.Context, gameID uuid.UUID, token string) (Channel, error)

func (f dialFunc) Dial(ctx context.Context, gameID uuid.UUID, token string) (Channel, error) {
	return f(ctx, gameID, token)
}

func snapshotEvent() protocol.ServerEvent {
	game := models.Game{ID: testGameID, Status: models.GameActive, StartingLife: 40}
	var players []models.Player
	for i, id := range []uuid.UUID{alice, bob, carol, dave} {
		players = append(players, models.Player{ID: id, GameID: testGameID, CurrentLife: 40, Position: i + 1})
	}
	return protocol.ServerEvent{
		Type:    protocol.EventGameStarted,
		GameID:  testGameID,
		Game:    &game,
		Players: players,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// startSession connects a session to a single fake channel and feeds it the
// initial snapshot.
func startSession(t *testing.T, cfg Config) (*Session, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	dialer := dialFunc(func(ctx context.Context, gameID uuid.UUID, token string) (Channel, error) {
		return ch, nil
	})
	s := New(testGameID, dialer, cfg)
	require.NoError(t, s.Connect(context.Background(), "test-token"))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	awaitAction(t, ch, protocol.ActionGetGameState)
	ch.deliver(t, snapshotEvent())
	waitFor(t, func() bool { return len(s.Snapshot().Players) == 4 })
	return s, ch
}

func TestSession_ConnectRequestsSnapshotFirst(t *testing.T) {
	s, _ := startSession(t, Config{})

	require.Equal(t, StatusConnected, s.Status())
	snap := s.Snapshot()
	require.Equal(t, models.GameActive, snap.Game.Status)
	p, ok := snap.Player(bob)
	require.True(t, ok)
	require.Equal(t, 40, p.CurrentLife)
}

func TestSession_EventsFoldIntoReplica(t *testing.T) {
	s, ch := startSession(t, Config{})

	ch.deliver(t, protocol.ServerEvent{
		Type:         protocol.EventLifeUpdate,
		GameID:       testGameID,
		PlayerID:     bob,
		NewLife:      37,
		ChangeAmount: -3,
	})

	waitFor(t, func() bool {
		p, _ := s.Snapshot().Player(bob)
		return p.CurrentLife == 37
	})
	snap := s.Snapshot()
	require.Len(t, snap.Recent, 1)
	require.Equal(t, -3, snap.Recent[0].ChangeAmount)
}

func TestSession_OnChangeGetsACopy(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	_, ch := startSession(t, Config{
		OnChange: func(st engine.State) {
			mu.Lock()
			defer mu.Unlock()
			if p, ok := st.Player(bob); ok {
				seen = append(seen, p.CurrentLife)
			}
		},
	})

	ch.deliver(t, protocol.ServerEvent{Type: protocol.EventLifeUpdate, PlayerID: bob, NewLife: 30})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 30
	})
}

func TestSession_MalformedFrameIsDroppedStreamSurvives(t *testing.T) {
	s, ch := startSession(t, Config{})

	ch.incoming <- []byte(`{"type":`)
	ch.incoming <- []byte(`{"no_type_here":true}`)
	ch.deliver(t, protocol.ServerEvent{Type: protocol.EventLifeUpdate, PlayerID: carol, NewLife: 25})

	waitFor(t, func() bool {
		p, _ := s.Snapshot().Player(carol)
		return p.CurrentLife == 25
	})
	require.Equal(t, StatusConnected, s.Status())
}

func TestSession_ServerErrorFillsLastErrorSlot(t *testing.T) {
	s, ch := startSession(t, Config{})

	ch.deliver(t, protocol.ErrorEvent("Game is full"))
	waitFor(t, func() bool { return s.LastError() != nil })

	e := s.LastError()
	require.True(t, e.Recoverable)
	require.Contains(t, e.Err.Error(), "Game is full")
	require.Len(t, s.Snapshot().Players, 4)

	// Most recent wins.
	ch.deliver(t, protocol.ErrorEvent("Cannot modify a finished game"))
	waitFor(t, func() bool {
		e := s.LastError()
		return e != nil && e.Err.Error() == "Cannot modify a finished game"
	})
}

func TestSession_ReconnectResyncsFromSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	chans := make(chan Channel, 2)
	chans <- ch1
	chans <- ch2
	dialer := dialFunc(func(ctx context.Context, gameID uuid.UUID, token string) (Channel, error) {
		return <-chans, nil
	})

	s := New(testGameID, dialer, Config{Clock: clock})
	require.NoError(t, s.Connect(context.Background(), "test-token"))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	awaitAction(t, ch1, protocol.ActionGetGameState)
	ch1.deliver(t, snapshotEvent())
	waitFor(t, func() bool { return len(s.Snapshot().Players) == 4 })

	ch1.fail(errors.New("network reset"))

	// Supervisor parks on the retry timer and surfaces a recoverable error.
	clock.BlockUntil(1)
	e := s.LastError()
	require.NotNil(t, e)
	require.True(t, e.Recoverable)
	require.Equal(t, 3*time.Second, e.RetryIn)
	require.Equal(t, StatusDisconnected, s.Status())

	clock.Advance(3 * time.Second)

	// Fresh channel, fresh snapshot request; the new snapshot is
	// authoritative over anything the old channel said.
	awaitAction(t, ch2, protocol.ActionGetGameState)
	resync := snapshotEvent()
	for i := range resync.Players {
		if resync.Players[i].ID == bob {
			resync.Players[i].CurrentLife = 23
		}
	}
	ch2.deliver(t, resync)

	waitFor(t, func() bool {
		p, _ := s.Snapshot().Player(bob)
		return p.CurrentLife == 23 && s.Status() == StatusConnected
	})
}

func TestSession_SupersededChannelEventsAreDiscarded(t *testing.T) {
	s, _ := startSession(t, Config{})

	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	// An event straggling in from a torn-down channel must not touch the
	// replica; the same event on the live generation must.
	stale := protocol.ServerEvent{Type: protocol.EventLifeUpdate, PlayerID: dave, NewLife: 1}
	s.applyEvent(gen-1, stale)
	p, _ := s.Snapshot().Player(dave)
	require.Equal(t, 40, p.CurrentLife)

	s.applyEvent(gen, stale)
	p, _ = s.Snapshot().Player(dave)
	require.Equal(t, 1, p.CurrentLife)
}

func TestSession_RetriesExhaustedIsTerminal(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var mu sync.Mutex
	dials := 0
	dialer := dialFunc(func(ctx context.Context, gameID uuid.UUID, token string) (Channel, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	})

	s := New(testGameID, dialer, Config{Clock: clock, MaxRetries: 3})
	require.NoError(t, s.Connect(context.Background(), "test-token"))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(3 * time.Second)
	}

	waitFor(t, func() bool {
		e := s.LastError()
		return e != nil && errors.Is(e.Err, ErrRetriesSpent)
	})
	require.False(t, s.LastError().Recoverable)
	require.Equal(t, StatusDisconnected, s.Status())
	mu.Lock()
	require.Equal(t, 3, dials)
	mu.Unlock()

	// Terminal means no automatic wake-up; only a new Connect restarts it.
	require.ErrorIs(t, s.RequestSnapshot(), ErrNotConnected)
}

func TestSession_CleanServerCloseDoesNotRetry(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	ch := newFakeChannel()
	dialer := dialFunc(func(ctx context.Context, gameID uuid.UUID, token string) (Channel, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return ch, nil
	})

	s := New(testGameID, dialer, Config{})
	require.NoError(t, s.Connect(context.Background(), "test-token"))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	awaitAction(t, ch, protocol.ActionGetGameState)
	ch.fail(ErrChannelClosed)

	waitFor(t, func() bool { return s.Status() == StatusDisconnected })
	mu.Lock()
	require.Equal(t, 1, dials)
	mu.Unlock()
}

func TestSession_DispatchRejectedWhileDisconnected(t *testing.T) {
	dialer := dialFunc(func(ctx context.Context, gameID uuid.UUID, token string) (Channel, error) {
		return nil, errors.New("unreachable")
	})
	s := New(testGameID, dialer, Config{})

	require.ErrorIs(t, s.ChangeLife(alice, -2), ErrNotConnected)
	require.ErrorIs(t, s.RequestSnapshot(), ErrNotConnected)
	require.ErrorIs(t, s.EndGame(nil), ErrNotConnected)
}

func TestSession_MutationsRejectedAfterGameEnds(t *testing.T) {
	s, ch := startSession(t, Config{})

	winner, _ := s.Snapshot().Player(alice)
	ch.deliver(t, protocol.ServerEvent{Type: protocol.EventGameEnded, Winner: &winner})
	waitFor(t, func() bool { return s.Snapshot().Finished() })

	require.ErrorIs(t, s.ChangeLife(bob, -1), ErrGameFinished)
	require.ErrorIs(t, s.ChangeCommanderDamage(alice, bob, 1, 1), ErrGameFinished)
	require.ErrorIs(t, s.TogglePartner(alice, true), ErrGameFinished)
	require.ErrorIs(t, s.EndGame(nil), ErrGameFinished)
	requireNoFrame(t, ch)

	// Reading history is not a mutation.
	require.NoError(t, s.RequestSnapshot())
	awaitAction(t, ch, protocol.ActionGetGameState)
}

func TestSession_ChangeLifeSendsDelta(t *testing.T) {
	s, ch := startSession(t, Config{})

	require.NoError(t, s.ChangeLife(bob, -4))
	act := awaitAction(t, ch, protocol.ActionUpdateLife)
	require.NotNil(t, act.PlayerID)
	require.Equal(t, bob, *act.PlayerID)
	require.Equal(t, -4, act.ChangeAmount)

	// Optimistic nothing: the replica moves only when the echo arrives.
	p, _ := s.Snapshot().Player(bob)
	require.Equal(t, 40, p.CurrentLife)
}

func TestSession_CommanderDamageDecrementClamps(t *testing.T) {
	s, ch := startSession(t, Config{})

	// Counter at zero: a pure decrement never reaches the wire.
	require.NoError(t, s.ChangeCommanderDamage(alice, bob, 1, -3))
	requireNoFrame(t, ch)

	ch.deliver(t, protocol.ServerEvent{
		Type:            protocol.EventCommanderDamageUpdate,
		FromPlayerID:    alice,
		ToPlayerID:      bob,
		CommanderNumber: 1,
		NewDamage:       2,
	})
	waitFor(t, func() bool { return s.Snapshot().DamageTo(alice, bob, 1) == 2 })

	// Over-decrement is clamped to what the counter holds.
	require.NoError(t, s.ChangeCommanderDamage(alice, bob, 1, -5))
	act := awaitAction(t, ch, protocol.ActionUpdateCommanderDamage)
	require.Equal(t, -2, act.ChangeAmount)
	require.Equal(t, 1, act.CommanderNumber)
}

func TestSession_CommanderNumberValidated(t *testing.T) {
	s, ch := startSession(t, Config{})

	require.Error(t, s.ChangeCommanderDamage(alice, bob, 3, 1))
	require.Error(t, s.ChangeCommanderDamage(alice, bob, 0, 1))
	requireNoFrame(t, ch)
}

func TestSession_EndGameCarriesWinner(t *testing.T) {
	s, ch := startSession(t, Config{})

	require.NoError(t, s.EndGame(&carol))
	act := awaitAction(t, ch, protocol.ActionEndGame)
	require.NotNil(t, act.WinnerPlayerID)
	require.Equal(t, carol, *act.WinnerPlayerID)

	require.NoError(t, s.EndGame(nil))
	act = awaitAction(t, ch, protocol.ActionEndGame)
	require.Nil(t, act.WinnerPlayerID)
}

func TestSession_AdjustPoisonIsLocalAndFloored(t *testing.T) {
	s, ch := startSession(t, Config{})

	s.AdjustPoison(bob, 3)
	require.Equal(t, 3, s.Snapshot().Poison[bob])

	s.AdjustPoison(bob, -10)
	require.Equal(t, 0, s.Snapshot().Poison[bob])

	// Poison never crosses the wire.
	requireNoFrame(t, ch)
}

func TestSession_ReconnectViaConnectTearsDownOldChannel(t *testing.T) {
	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	chans := make(chan Channel, 2)
	chans <- ch1
	chans <- ch2
	dialer := dialFunc(func(ctx context.Context, gameID uuid.UUID, token string) (Channel, error) {
		return <-chans, nil
	})

	s := New(testGameID, dialer, Config{})
	require.NoError(t, s.Connect(context.Background(), "test-token"))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	awaitAction(t, ch1, protocol.ActionGetGameState)
	ch1.deliver(t, snapshotEvent())
	waitFor(t, func() bool { return len(s.Snapshot().Players) == 4 })

	require.NoError(t, s.Connect(context.Background(), "test-token"))
	awaitAction(t, ch2, protocol.ActionGetGameState)

	// The old channel was closed by the teardown; only one listener exists.
	select {
	case <-ch1.closed:
	default:
		t.Fatalf("previous channel left open after reconnect")
	}
}
