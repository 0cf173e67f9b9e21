// Package gateway maintains the websocket link to the Napcat backend:
// a reconnecting connection manager, an echo-correlated call layer, and
// the outbound command dispatcher.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"naprelay/pkg/logger"
	"naprelay/pkg/wire"
)

const (
	// Fixed reconnect delay; retries are unbounded because the backend
	// may restart at any time and the relay is meant to outlive it.
	defaultReconnectDelay = 3 * time.Second

	handshakeTimeout = 10 * time.Second

	// Voice materialization waits up to 10 polls of 10s on the original
	// protocol; the correlated call bounds the whole exchange instead.
	recordWaitTimeout = 100 * time.Second
)

var (
	ErrNotConnected = errors.New("gateway not connected")
	ErrConnClosed   = errors.New("gateway connection closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

type EventHandler func(event *wire.Event)

// Conn owns a single websocket to the gateway. All writes go through
// send; the receive loop is the only reader and fans replies out to the
// waiters registered in pending.
type Conn struct {
	url   string
	token string

	reconnectDelay time.Duration
	onEvent        EventHandler

	mu    sync.Mutex
	ws    *websocket.Conn
	state State

	pendingMu sync.Mutex
	pending   map[string]chan *wire.Reply
}

func NewConn(url, token string) *Conn {
	return &Conn{
		url:            url,
		token:          token,
		reconnectDelay: defaultReconnectDelay,
		pending:        make(map[string]chan *wire.Reply),
	}
}

// OnEvent registers the handler invoked for every inbound message
// event, in socket order. Must be set before Run.
func (c *Conn) OnEvent(h EventHandler) {
	c.onEvent = h
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and keeps reading until ctx is cancelled, redialling
// with a fixed delay after every failure. In-flight calls on a dropped
// connection resolve to ErrConnClosed rather than hanging.
func (c *Conn) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.shutdown()
			return
		}

		c.setState(StateConnecting)
		logger.DebugCF("gateway", "Connecting to event stream", map[string]interface{}{
			logger.FieldURL: c.url,
		})

		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.shutdown()
				return
			}
			logger.WarnCF("gateway", "Connect failed, retrying", map[string]interface{}{
				logger.FieldError: err.Error(),
				"retry_in":        c.reconnectDelay.String(),
			})
			c.setState(StateDisconnected)
			if !sleepWithContext(ctx, c.reconnectDelay) {
				c.shutdown()
				return
			}
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.state = StateConnected
		c.mu.Unlock()
		logger.InfoCF("gateway", "Connected", map[string]interface{}{
			logger.FieldURL: c.url,
		})

		// ReadMessage only returns on socket failure, so cancellation
		// has to close the socket out from under the read loop.
		readerDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				ws.Close()
			case <-readerDone:
			}
		}()

		err = c.readLoop(ws)
		close(readerDone)
		c.dropConn()
		c.failPending()

		if ctx.Err() != nil {
			c.shutdown()
			return
		}
		logger.WarnCF("gateway", "Connection lost, reconnecting", map[string]interface{}{
			logger.FieldError: errString(err),
			"retry_in":        c.reconnectDelay.String(),
		})
		if !sleepWithContext(ctx, c.reconnectDelay) {
			c.shutdown()
			return
		}
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	var header http.Header
	if c.token != "" {
		header = http.Header{}
		header.Set("Authorization", "Bearer "+c.token)
	}

	ws, resp, err := dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := wire.Decode(raw)
		if err != nil {
			logger.DebugCF("gateway", "Discarding malformed frame", map[string]interface{}{
				logger.FieldError: err.Error(),
			})
			continue
		}

		switch frame.Kind {
		case wire.KindMeta:
			// lifecycle noise
		case wire.KindReply:
			c.deliverReply(frame.Reply())
		case wire.KindEvent:
			if c.onEvent != nil {
				c.onEvent(frame.Event)
			}
		default:
		}
	}
}

func (c *Conn) deliverReply(reply *wire.Reply) {
	if reply.Echo == "" {
		logger.DebugC("gateway", "Dropping reply without echo")
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[reply.Echo]
	if ok {
		delete(c.pending, reply.Echo)
	}
	c.pendingMu.Unlock()

	if !ok {
		logger.DebugCF("gateway", "Dropping orphan reply", map[string]interface{}{
			logger.FieldEcho: reply.Echo,
		})
		return
	}
	ch <- reply
}

// Call sends a correlated command and waits for the reply carrying the
// same echo. Timeout yields a structured timeout reply, not an error;
// connection failures yield ErrConnClosed or ErrNotConnected.
func (c *Conn) Call(ctx context.Context, cmd *wire.Command, timeout time.Duration) (*wire.Reply, error) {
	data, err := cmd.Encode()
	if err != nil {
		return nil, err
	}

	ch := make(chan *wire.Reply, 1)
	c.pendingMu.Lock()
	c.pending[cmd.Echo] = ch
	c.pendingMu.Unlock()

	if err := c.send(data); err != nil {
		c.deregister(cmd.Echo)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply == nil {
			return nil, ErrConnClosed
		}
		return reply, nil
	case <-timer.C:
		c.deregister(cmd.Echo)
		logger.WarnCF("gateway", "Call timed out", map[string]interface{}{
			logger.FieldAction: string(cmd.Action),
			logger.FieldEcho:   cmd.Echo,
			"timeout":          timeout.String(),
		})
		return wire.TimeoutReply(cmd.Echo), nil
	case <-ctx.Done():
		c.deregister(cmd.Echo)
		return nil, ctx.Err()
	}
}

// FetchRecord asks the gateway to materialize a voice attachment as
// decodable bytes over this same connection.
func (c *Conn) FetchRecord(ctx context.Context, file string) ([]byte, error) {
	cmd := wire.NewCommand(wire.ActionGetRecord, map[string]interface{}{
		"file":       file,
		"out_format": "mp3",
	})

	reply, err := c.Call(ctx, cmd, recordWaitTimeout)
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, fmt.Errorf("get_record failed: status=%s retcode=%d", reply.Status, reply.RetCode)
	}

	encoded, _ := reply.Data["base64"].(string)
	if encoded == "" {
		return nil, fmt.Errorf("get_record reply carries no base64 payload")
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (c *Conn) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws == nil || c.state != StateConnected {
		return ErrNotConnected
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) deregister(echo string) {
	c.pendingMu.Lock()
	delete(c.pending, echo)
	c.pendingMu.Unlock()
}

// failPending resolves every outstanding waiter with a closed-connection
// marker so callers never hang across a reconnect.
func (c *Conn) failPending() {
	c.pendingMu.Lock()
	waiters := c.pending
	c.pending = make(map[string]chan *wire.Reply)
	c.pendingMu.Unlock()

	for _, ch := range waiters {
		ch <- nil
	}
}

func (c *Conn) dropConn() {
	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *Conn) shutdown() {
	c.setState(StateClosing)
	c.dropConn()
	c.failPending()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
