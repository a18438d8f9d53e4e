// Package signaling connects the node to the signaling service: an ordered
// JSON event bus with request/ack semantics over a websocket.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const ReconnectDelay = 5 * time.Second

// envelope is the single frame shape on the wire. Event frames carry Event
// and Data; acks carry ID, Success, and optionally Data or Error.
type envelope struct {
	Event   string          `json:"event,omitempty"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Ack struct {
	Success bool
	Data    json.RawMessage
	Error   string
}

type Handler func(data json.RawMessage)

type Options struct {
	Servers []string
	Logger  *logrus.Logger
	// OnConnect runs in its own goroutine after every successful dial, while
	// inbound events (including acks) are already being read and dispatched.
	// Its context is canceled when the connection drops. A returned error is
	// fatal for the whole client.
	OnConnect func(ctx context.Context) error
}

type Client struct {
	servers   []string
	logger    *logrus.Logger
	onConnect func(ctx context.Context) error

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	pendingMu sync.Mutex
	pending   map[string]chan Ack
}

func New(opts Options) *Client {
	return &Client{
		servers:   opts.Servers,
		logger:    opts.Logger,
		onConnect: opts.OnConnect,
		handlers:  make(map[string][]Handler),
		pending:   make(map[string]chan Ack),
	}
}

// On registers a handler for an event. Handlers run on the read loop, so
// events are observed in arrival order; long work must move to a goroutine.
func (c *Client) On(event string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// Emit sends a fire-and-forget event. Safe for concurrent use.
func (c *Client) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return c.write(envelope{Event: event, Data: data})
}

// EmitWithAck sends an event and waits for the matching ack.
func (c *Client) EmitWithAck(event string, payload any, timeout time.Duration) (Ack, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	id := uuid.NewString()
	ch := make(chan Ack, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.write(envelope{Event: event, ID: id, Data: data}); err != nil {
		c.dropPending(id)
		return Ack{}, err
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-time.After(timeout):
		c.dropPending(id)
		return Ack{}, fmt.Errorf("timed out waiting for %s ack", event)
	}
}

func (c *Client) dropPending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) write(env envelope) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected to signaling server")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// Run dials the configured servers in order and serves the connection until
// it drops, then moves on. A full pass with no successful dial is fatal, as
// is an OnConnect error.
func (c *Client) Run(ctx context.Context) error {
	for {
		connected := false
		for _, server := range c.servers {
			if ctx.Err() != nil {
				return nil
			}

			wsURL, err := websocketURL(server)
			if err != nil {
				c.logger.Errorf("Invalid signaling server %s: %v", server, err)
				continue
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				c.logger.Warnf("Failed to connect to %s: %v", server, err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(ReconnectDelay):
				}
				continue
			}

			connected = true
			c.logger.Infof("Connected to signaling server %s", server)
			if err := c.serve(ctx, conn); err != nil {
				return err
			}
			c.logger.Warnf("Lost connection to %s", server)
		}

		if !connected {
			return fmt.Errorf("all signaling servers unreachable")
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close()
	}()

	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	// The read pump must already be running when OnConnect fires: the
	// handshake inside it waits on acks.
	msgCh := make(chan []byte, 16)
	go func() {
		defer close(msgCh)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Debugf("Signaling read error: %v", err)
				}
				return
			}
			msgCh <- data
		}
	}()

	var connectErr chan error
	if c.onConnect != nil {
		connectErr = make(chan error, 1)
		go func() { connectErr <- c.onConnect(connCtx) }()
	}

	for {
		select {
		case err := <-connectErr:
			if err != nil {
				return fmt.Errorf("connect handshake failed: %w", err)
			}
			connectErr = nil
		case data, ok := <-msgCh:
			if !ok {
				return nil
			}
			c.dispatch(data)
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warnf("Failed to parse signaling frame: %v", err)
		return
	}

	if env.Event == "" && env.ID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debugf("Dropping ack for unknown id %s", env.ID)
			return
		}
		ch <- Ack{
			Success: env.Success != nil && *env.Success,
			Data:    env.Data,
			Error:   env.Error,
		}
		return
	}

	c.handlersMu.RLock()
	handlers := c.handlers[env.Event]
	c.handlersMu.RUnlock()
	if len(handlers) == 0 {
		c.logger.Debugf("No handler for event %s", env.Event)
		return
	}
	for _, h := range handlers {
		h(env.Data)
	}
}

func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
