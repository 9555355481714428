package realtime

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live event stream to the speech model, the data-channel
// equivalent of the media connection. Events() is a lazy, non-restartable
// sequence: once the underlying socket drops, the channel closes and the
// Conn is finished.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	events  chan any

	closeOnce sync.Once
	closed    chan struct{}
}

const (
	connEventBuffer = 128
	writeDeadline   = 10 * time.Second
)

// Dial opens a websocket connection to the upstream realtime endpoint using
// an ephemeral client secret. The secret is single-use: a Conn cannot be
// reopened after Close.
func (c *Client) Dial(ctx context.Context, model string, secret ClientSecret) (*Conn, error) {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "?model=" + model

	header := http.Header{}
	header.Set("Authorization", "Bearer "+secret.Value)

	ws, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if res != nil {
			return nil, &UpstreamError{Kind: upstreamKindForStatus(res.StatusCode), Status: res.StatusCode, Detail: err.Error()}
		}
		return nil, &UpstreamError{Kind: UpstreamUnavailable, Detail: err.Error()}
	}

	conn := &Conn{
		ws:     ws,
		events: make(chan any, connEventBuffer),
		closed: make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

// Events returns the ordered stream of normalized server events. The channel
// is closed when the connection ends; a single goroutine should consume it.
func (c *Conn) Events() <-chan any {
	return c.events
}

// Send writes one client event to the wire. Writes are serialized; gorilla
// connections do not tolerate concurrent writers.
func (c *Conn) Send(ctx context.Context, ev ClientEvent) error {
	select {
	case <-c.closed:
		return fmt.Errorf("send %s: connection closed", ev.Type)
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.ws.WriteJSON(ev); err != nil {
		return fmt.Errorf("send %s: %w", ev.Type, err)
	}
	return nil
}

// Close tears the socket down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		ev, err := parseServerEvent(raw)
		if err != nil {
			// A frame that is not even JSON still surfaces to the consumer.
			ev = UnknownEvent{Type: "unparseable"}
		}
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}
