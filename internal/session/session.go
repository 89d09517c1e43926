// Package session owns one client's live subscription to a game: the
// connection lifecycle (connect, authenticate, detect loss, back off,
// retry, resync), the single goroutine that folds server events into the
// replica, and the outgoing action dispatcher.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/conclave-gg/conclave/internal/engine"
	"github.com/conclave-gg/conclave/internal/protocol"
)

// Status is the connection supervisor's state machine.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusClosing      Status = "closing"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrGameFinished = errors.New("game already finished")
	ErrRetriesSpent = errors.New("connection lost, retries exhausted")
)

// ConnError is the "last error" slot surfaced to presentation: most recent
// wins, it is not a queue. Recoverable means the supervisor is still going
// to retry (or the error was a server-pushed protocol error that left the
// channel open).
type ConnError struct {
	Err         error
	Recoverable bool
	RetryIn     time.Duration
}

// Config tunes a Session. Zero values fall back to defaults.
type Config struct {
	// RetryInterval is the fixed pause between reconnect attempts.
	RetryInterval time.Duration
	// MaxRetries bounds consecutive failed attempts before the supervisor
	// gives up and requires an explicit new Connect.
	MaxRetries int
	// WriteTimeout bounds a single outgoing message write.
	WriteTimeout time.Duration

	Logger *zap.Logger
	Clock  clockwork.Clock

	// OnChange, if set, is called with a copy of the replica after every
	// applied event. Called from the session goroutine; keep it fast.
	OnChange func(engine.State)
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 3 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Session is the single owner of one game's local replica. All mutations
// flow through its run goroutine one event at a time; readers get copies.
// Exactly one channel is open per Session at any moment.
type Session struct {
	gameID uuid.UUID
	dialer Dialer
	cfg    Config
	log    *zap.Logger

	mu      sync.RWMutex
	state   engine.State
	status  Status
	lastErr *ConnError
	ch      Channel
	gen     int // bumped per adopted channel; stale generations are discarded

	cancel context.CancelFunc
	done   chan struct{}
}

func New(gameID uuid.UUID, dialer Dialer, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		gameID: gameID,
		dialer: dialer,
		cfg:    cfg,
		log:    cfg.Logger.Named("session").With(zap.String("game_id", gameID.String())),
		state:  engine.NewState(),
		status: StatusDisconnected,
	}
}

// Connect starts the supervisor. If a previous connection is still alive it
// is fully torn down first - listener cancelled, channel closed, goroutine
// awaited - so two listeners can never double-apply events.
func (s *Session) Connect(ctx context.Context, token string) error {
	if err := s.Close(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.status = StatusConnecting
	s.lastErr = nil
	s.mu.Unlock()

	go s.run(runCtx, token, done)
	return nil
}

// Close tears the connection down and waits for the run goroutine to exit.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	cancel, done, ch := s.cancel, s.done, s.ch
	if done == nil {
		s.status = StatusDisconnected
		s.mu.Unlock()
		return nil
	}
	s.status = StatusClosing
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	if ch != nil {
		_ = ch.Close()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.status = StatusDisconnected
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the replica, safe to hold across further
// events. Reads are advisory: the replica may change between calls.
func (s *Session) Snapshot() engine.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the most recent surfaced error, or nil.
func (s *Session) LastError() *ConnError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastErr == nil {
		return nil
	}
	e := *s.lastErr
	return &e
}

// AdjustPoison changes a player's poison counter locally. Poison is not
// server-synchronized; the change is expressed as a regular event and run
// through the same reducer path as everything else, so flipping it to a
// server-sent kind later costs nothing. The counter floors at zero.
func (s *Session) AdjustPoison(playerID uuid.UUID, delta int) {
	s.mu.Lock()
	gen := s.gen
	next := s.state.Poison[playerID] + delta
	s.mu.Unlock()
	if next < 0 {
		next = 0
	}
	s.applyEvent(gen, protocol.ServerEvent{
		Type:      protocol.EventPoisonUpdate,
		PlayerID:  playerID,
		NewPoison: next,
	})
}

// run is the only goroutine that ever touches the channel and the reducer.
func (s *Session) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)
	attempt := 0
	for {
		s.setStatus(StatusConnecting)
		ch, err := s.dialer.Dial(ctx, s.gameID, token)
		if err != nil {
			s.log.Warn("dial failed", zap.Error(err))
			if !s.awaitRetry(ctx, &attempt, err) {
				return
			}
			continue
		}

		gen := s.adopt(ch)
		s.setStatus(StatusConnected)
		attempt = 0
		s.log.Info("connected", zap.Int("gen", gen))

		// Ordering is not guaranteed across a reconnect boundary, so every
		// (re)connect starts from a full snapshot.
		if err := s.RequestSnapshot(); err != nil {
			s.log.Warn("snapshot request failed", zap.Error(err))
		}

		err = s.readLoop(ctx, ch, gen)
		s.release(gen)
		_ = ch.Close()

		if ctx.Err() != nil || errors.Is(err, ErrChannelClosed) {
			s.setStatus(StatusDisconnected)
			return
		}
		s.log.Warn("connection lost", zap.Error(err))
		if !s.awaitRetry(ctx, &attempt, err) {
			return
		}
	}
}

// awaitRetry sleeps out the fixed backoff interval. It returns false once
// the attempt cap is spent or the supervisor is being torn down; past the
// cap the session stays disconnected until an explicit Connect.
func (s *Session) awaitRetry(ctx context.Context, attempt *int, cause error) bool {
	*attempt++
	if *attempt >= s.cfg.MaxRetries {
		s.log.Error("retries exhausted", zap.Int("attempts", *attempt), zap.Error(cause))
		s.setError(&ConnError{Err: ErrRetriesSpent, Recoverable: false})
		s.setStatus(StatusDisconnected)
		return false
	}
	s.setError(&ConnError{Err: cause, Recoverable: true, RetryIn: s.cfg.RetryInterval})
	s.setStatus(StatusDisconnected)
	select {
	case <-s.cfg.Clock.After(s.cfg.RetryInterval):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) readLoop(ctx context.Context, ch Channel, gen int) error {
	for {
		data, err := ch.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := protocol.DecodeServerEvent(data)
		if err != nil {
			// Protocol skew, not a user condition: log, drop, keep reading.
			s.log.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		s.applyEvent(gen, ev)
	}
}

// applyEvent folds one event into the replica, unless it arrived on a
// superseded channel.
func (s *Session) applyEvent(gen int, ev protocol.ServerEvent) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Debug("discarding event from superseded channel", zap.String("type", ev.Type))
		return
	}
	if ev.Type == protocol.EventError {
		s.lastErr = &ConnError{Err: errors.New(ev.Message), Recoverable: true}
		s.mu.Unlock()
		return
	}
	next, err := engine.Apply(s.state, ev)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("event not applied", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	s.state = next
	cb := s.cfg.OnChange
	s.mu.Unlock()

	if cb != nil {
		cb(next.Clone())
	}
}

func (s *Session) adopt(ch Channel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.ch = ch
	return s.gen
}

func (s *Session) release(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.ch = nil
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosing && st != StatusDisconnected {
		return
	}
	s.status = st
}

func (s *Session) setError(e *ConnError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = e
}
