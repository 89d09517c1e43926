package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrChannelClosed is returned by Channel.Read when the peer closed the
// channel cleanly. Any other read error is an abnormal loss and triggers
// the supervisor's retry policy.
var ErrChannelClosed = errors.New("channel closed")

// Channel is one open duplex message stream to the server. The session only
// needs text frames in and out; framing, ping/pong and the rest of the
// transport live behind this interface so tests can fake it.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Channel for one game using an externally issued bearer
// credential.
type Dialer interface {
	Dial(ctx context.Context, gameID uuid.UUID, token string) (Channel, error)
}

type wsDialer struct {
	baseURL string
}

// NewDialer returns the production Dialer speaking WebSocket against the
// given base URL (e.g. "wss://api.example.com").
func NewDialer(baseURL string) Dialer {
	return &wsDialer{baseURL: baseURL}
}

func (d *wsDialer) Dial(ctx context.Context, gameID uuid.UUID, token string) (Channel, error) {
	url := fmt.Sprintf("%s/ws?game_id=%s", d.baseURL, gameID)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, ErrChannelClosed
		}
		return nil, err
	}
	return data, nil
}

func (c *wsChannel) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
