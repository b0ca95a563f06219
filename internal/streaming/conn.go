package streaming

import (
	"context"
	"net/url"

	"github.com/gorilla/websocket"
)

// Frame is the wire envelope of one stream event. Payload is itself a JSON
// document (or a bare id for delete-style events), encoded as a string.
type Frame struct {
	Stream  []string `json:"stream"`
	Event   string   `json:"event"`
	Payload string   `json:"payload"`
}

// Conn is one live stream connection for a single topic.
type Conn interface {
	ReadFrame() (Frame, error)
	Close() error
}

// Dialer opens a connection for a topic. Tests inject a fake; production
// uses WebSocketDialer.
type Dialer interface {
	Dial(ctx context.Context, topic string) (Conn, error)
}

// WebSocketDialer connects to the server's streaming endpoint. Topic strings
// may carry extra parameters ("hashtag&tag=foo"); they are appended to the
// query verbatim.
type WebSocketDialer struct {
	URL    string
	Token  string
	dialer *websocket.Dialer
}

// NewWebSocketDialer builds a dialer for the given endpoint, e.g.
// "wss://example.social/api/v1/streaming".
func NewWebSocketDialer(endpoint, token string) *WebSocketDialer {
	return &WebSocketDialer{URL: endpoint, Token: token, dialer: websocket.DefaultDialer}
}

func (d *WebSocketDialer) Dial(ctx context.Context, topic string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, err
	}
	q := "stream=" + topic
	if d.Token != "" {
		q += "&access_token=" + url.QueryEscape(d.Token)
	}
	u.RawQuery = q
	ws, _, err := d.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct{ ws *websocket.Conn }

func (c *wsConn) ReadFrame() (Frame, error) {
	var f Frame
	err := c.ws.ReadJSON(&f)
	return f, err
}

func (c *wsConn) Close() error { return c.ws.Close() }
