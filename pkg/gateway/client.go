package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"naprelay/pkg/logger"
	"naprelay/pkg/wire"
)

const DefaultTimeout = 10 * time.Second

// Client issues message commands against the gateway. Two strategies
// implement it: DialClient opens a fresh connection per call, which
// isolates every request at the cost of connection setup; PooledClient
// multiplexes calls over one long-lived Conn by echo token.
type Client interface {
	SendPrivate(ctx context.Context, userID string, segments []wire.Segment) (*wire.Reply, error)
	SendGroup(ctx context.Context, groupID string, segments []wire.Segment) (*wire.Reply, error)
	SendGroupForward(ctx context.Context, groupID string, nodes []wire.Segment) (*wire.Reply, error)
}

func privateCommand(userID string, segments []wire.Segment) *wire.Command {
	return wire.NewCommand(wire.ActionSendPrivateMsg, map[string]interface{}{
		"user_id": userID,
		"message": segments,
	})
}

func groupCommand(groupID string, segments []wire.Segment) *wire.Command {
	return wire.NewCommand(wire.ActionSendGroupMsg, map[string]interface{}{
		"group_id": groupID,
		"message":  segments,
	})
}

func forwardCommand(groupID string, nodes []wire.Segment) *wire.Command {
	return wire.NewCommand(wire.ActionSendGroupForwardMsg, map[string]interface{}{
		"group_id": groupID,
		"messages": nodes,
	})
}

// DialClient dials the gateway once per command, mirroring one-shot CLI
// sends.
type DialClient struct {
	url     string
	token   string
	timeout time.Duration
}

func NewDialClient(url, token string, timeout time.Duration) *DialClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DialClient{url: url, token: token, timeout: timeout}
}

func (c *DialClient) SendPrivate(ctx context.Context, userID string, segments []wire.Segment) (*wire.Reply, error) {
	return c.call(ctx, privateCommand(userID, segments))
}

func (c *DialClient) SendGroup(ctx context.Context, groupID string, segments []wire.Segment) (*wire.Reply, error) {
	return c.call(ctx, groupCommand(groupID, segments))
}

func (c *DialClient) SendGroupForward(ctx context.Context, groupID string, nodes []wire.Segment) (*wire.Reply, error) {
	return c.call(ctx, forwardCommand(groupID, nodes))
}

func (c *DialClient) call(ctx context.Context, cmd *wire.Command) (*wire.Reply, error) {
	if c.url == "" {
		return nil, fmt.Errorf("gateway url not configured")
	}

	data, err := cmd.Encode()
	if err != nil {
		return nil, err
	}

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
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}
	defer ws.Close()

	logger.DebugCF("gateway", "Sending command", map[string]interface{}{
		logger.FieldAction: string(cmd.Action),
		logger.FieldEcho:   cmd.Echo,
	})

	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	return c.waitForReply(ctx, ws, cmd.Echo)
}

// waitForReply skips lifecycle frames and foreign echoes until the
// matching reply arrives or the per-call deadline passes.
func (c *DialClient) waitForReply(ctx context.Context, ws *websocket.Conn, echo string) (*wire.Reply, error) {
	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	for {
		if err := ws.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if time.Now().After(deadline) {
				logger.WarnCF("gateway", "Reply wait timed out", map[string]interface{}{
					logger.FieldEcho: echo,
					"timeout":        c.timeout.String(),
				})
				return wire.TimeoutReply(echo), nil
			}
			return nil, fmt.Errorf("%w: %v", ErrConnClosed, err)
		}

		frame, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		if frame.Kind == wire.KindMeta || frame.Kind == wire.KindEvent {
			continue
		}
		if frame.Echo != "" && frame.Echo != echo {
			logger.DebugCF("gateway", "Skipping frame with mismatched echo", map[string]interface{}{
				logger.FieldEcho: frame.Echo,
			})
			continue
		}
		if frame.Kind != wire.KindReply {
			continue
		}

		reply := frame.Reply()
		reply.Echo = echo
		return reply, nil
	}
}

// PooledClient shares one reconnecting Conn across calls and throttles
// outbound sends.
type PooledClient struct {
	conn    *Conn
	timeout time.Duration
	limiter *rate.Limiter
}

func NewPooledClient(conn *Conn, timeout time.Duration, limiter *rate.Limiter) *PooledClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &PooledClient{conn: conn, timeout: timeout, limiter: limiter}
}

func (c *PooledClient) SendPrivate(ctx context.Context, userID string, segments []wire.Segment) (*wire.Reply, error) {
	return c.call(ctx, privateCommand(userID, segments))
}

func (c *PooledClient) SendGroup(ctx context.Context, groupID string, segments []wire.Segment) (*wire.Reply, error) {
	return c.call(ctx, groupCommand(groupID, segments))
}

func (c *PooledClient) SendGroupForward(ctx context.Context, groupID string, nodes []wire.Segment) (*wire.Reply, error) {
	return c.call(ctx, forwardCommand(groupID, nodes))
}

func (c *PooledClient) call(ctx context.Context, cmd *wire.Command) (*wire.Reply, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.conn.Call(ctx, cmd, c.timeout)
}
