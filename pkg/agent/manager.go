// Package agent maintains the websocket session with the
// conversational agent gateway and relays chat turns to it.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"naprelay/pkg/logger"
)

const connectTimeout = 10 * time.Second

var ErrGatewayClosed = errors.New("agent gateway connection closed")

type Config struct {
	URL         string
	Token       string
	Password    string
	WaitTimeout time.Duration
}

// Payload is the terminal chat frame body delivered by the gateway.
// The shape is loosely typed; ReplyText knows how to mine it.
type Payload map[string]interface{}

type connectFrame struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

type chatFrame struct {
	Type    string      `json:"type"`
	Payload chatRequest `json:"payload"`
}

type chatRequest struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type eventFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Manager keeps one long-lived gateway connection and reuses it across
// chat turns. The connection is established on first use and lazily
// re-established after a close.
type Manager struct {
	cfg Config

	mu sync.Mutex
	ws *websocket.Conn

	waitersMu sync.Mutex
	waiters   map[string]chan Payload
}

func NewManager(cfg Config) *Manager {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 60 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		waiters: make(map[string]chan Payload),
	}
}

// SendChat delivers one chat turn and waits for the terminal chat
// event. A wait past the configured timeout yields an empty payload,
// not an error, so callers degrade to a silent skip.
func (m *Manager) SendChat(ctx context.Context, text, sessionKey string) (Payload, error) {
	ws, err := m.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	waiter := make(chan Payload, 1)
	m.addWaiter(runID, waiter)
	defer m.removeWaiter(runID)

	frame := chatFrame{
		Type: "chat",
		Payload: chatRequest{
			SessionKey:     sessionKey,
			Message:        text,
			IdempotencyKey: runID,
		},
	}
	if err := m.write(ws, frame); err != nil {
		m.dropClient(ws)
		return nil, fmt.Errorf("send chat: %w", err)
	}

	timer := time.NewTimer(m.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case payload := <-waiter:
		if payload == nil {
			return nil, ErrGatewayClosed
		}
		return payload, nil
	case <-timer.C:
		logger.WarnCF("agent", "Chat wait timed out", map[string]interface{}{
			"run_id": runID,
		})
		return Payload{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the current connection; a later SendChat redials.
func (m *Manager) Close() {
	m.mu.Lock()
	ws := m.ws
	m.ws = nil
	m.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	m.failWaiters()
}

func (m *Manager) ensureClient(ctx context.Context) (*websocket.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ws != nil {
		return m.ws, nil
	}

	logger.InfoCF("agent", "Connecting agent gateway", map[string]interface{}{
		logger.FieldURL: m.cfg.URL,
	})

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	ws, _, err := dialer.DialContext(ctx, m.cfg.URL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial agent gateway: %w", err)
	}

	if err := m.write(ws, connectFrame{Type: "connect", Token: m.cfg.Token, Password: m.cfg.Password}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send connect: %w", err)
	}

	connected := make(chan error, 1)
	go m.readLoop(ws, connected)

	select {
	case err := <-connected:
		if err != nil {
			ws.Close()
			return nil, err
		}
	case <-time.After(connectTimeout):
		ws.Close()
		return nil, errors.New("agent gateway handshake timed out")
	case <-ctx.Done():
		ws.Close()
		return nil, ctx.Err()
	}

	m.ws = ws
	return ws, nil
}

// readLoop owns the socket reader. The first frame must acknowledge
// the connect; afterwards only chat events matter, and only terminal
// states resolve a waiter.
func (m *Manager) readLoop(ws *websocket.Conn, connected chan<- error) {
	acked := false
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !acked {
				connected <- fmt.Errorf("agent gateway handshake: %w", err)
			} else {
				logger.WarnCF("agent", "Agent gateway closed", map[string]interface{}{
					logger.FieldError: err.Error(),
				})
			}
			m.dropClient(ws)
			return
		}

		var frame eventFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.DebugC("agent", "Discarding undecodable gateway frame")
			continue
		}

		if !acked {
			switch frame.Event {
			case "connected":
				acked = true
				connected <- nil
			case "error":
				connected <- fmt.Errorf("agent gateway rejected connect: %s", string(frame.Payload))
				m.dropClient(ws)
				return
			}
			continue
		}

		if frame.Event != "chat" {
			continue
		}

		var payload Payload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			continue
		}
		runID, _ := payload["runId"].(string)
		state, _ := payload["state"].(string)
		if runID == "" {
			continue
		}
		switch state {
		case "final", "error", "aborted":
			m.resolveWaiter(runID, payload)
		}
	}
}

func (m *Manager) write(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) dropClient(ws *websocket.Conn) {
	m.mu.Lock()
	if m.ws == ws {
		m.ws = nil
	}
	m.mu.Unlock()

	ws.Close()
	m.failWaiters()
}

func (m *Manager) addWaiter(runID string, ch chan Payload) {
	m.waitersMu.Lock()
	m.waiters[runID] = ch
	m.waitersMu.Unlock()
}

func (m *Manager) removeWaiter(runID string) {
	m.waitersMu.Lock()
	delete(m.waiters, runID)
	m.waitersMu.Unlock()
}

func (m *Manager) resolveWaiter(runID string, payload Payload) {
	m.waitersMu.Lock()
	ch, ok := m.waiters[runID]
	if ok {
		delete(m.waiters, runID)
	}
	m.waitersMu.Unlock()

	if ok {
		ch <- payload
	}
}

func (m *Manager) failWaiters() {
	m.waitersMu.Lock()
	waiters := m.waiters
	m.waiters = make(map[string]chan Payload)
	m.waitersMu.Unlock()

	for _, ch := range waiters {
		ch <- nil
	}
}
