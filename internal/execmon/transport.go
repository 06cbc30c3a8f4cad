package execmon

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
)

// Conn is one live streaming channel to a remote job. The controller is the
// sole owner of a Conn for the lifetime of a session.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Transport opens streaming channels. Implementations must not retain the
// returned Conn.
type Transport interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// WSTransport dials the orchestration backend over websocket.
type WSTransport struct {
	// HTTPHeaderToken, when set, is sent as a bearer token on the upgrade
	// request.
	Token string
}

func (t *WSTransport) Dial(ctx context.Context, target string) (Conn, error) {
	opts := &websocket.DialOptions{}
	if t.Token != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + t.Token},
		}
	}
	c, _, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", target, err)
	}
	c.SetReadLimit(1 << 20)
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
