package agent

import (
	"context"
	"fmt"
	"strings"

	"naprelay/pkg/gateway"
	"naprelay/pkg/logger"
	"naprelay/pkg/wire"
)

const daemonQueueSize = 64

// Session-control tokens that must reach the agent even when the
// ignore prefixes would otherwise drop them.
var passthroughCommands = map[string]bool{
	"/new":   true,
	"/reset": true,
}

// Daemon relays chat events to the agent gateway and sends the reply
// back to the originating conversation. Each conversation maps to a
// stable session key so the agent keeps per-chat context.
type Daemon struct {
	conn   *gateway.Conn
	client gateway.Client
	agent  *Manager

	allowSenders   map[string]bool
	ignorePrefixes []string
	fireAndForget  bool
}

type DaemonOptions struct {
	AllowSenders   map[string]bool
	IgnorePrefixes []string
	FireAndForget  bool
}

func NewDaemon(conn *gateway.Conn, client gateway.Client, agent *Manager, opts DaemonOptions) *Daemon {
	return &Daemon{
		conn:           conn,
		client:         client,
		agent:          agent,
		allowSenders:   opts.AllowSenders,
		ignorePrefixes: opts.IgnorePrefixes,
		fireAndForget:  opts.FireAndForget,
	}
}

// Run consumes gateway events until ctx is cancelled. Events are
// queued off the socket reader so a slow agent turn never stalls the
// connection; overflow is shed rather than buffered without bound.
func (d *Daemon) Run(ctx context.Context) {
	if len(d.allowSenders) > 0 {
		logger.InfoCF("daemon", "Allow list enabled", map[string]interface{}{
			"senders": len(d.allowSenders),
		})
	}

	events := make(chan *wire.Event, daemonQueueSize)
	d.conn.OnEvent(func(event *wire.Event) {
		select {
		case events <- event:
		default:
			logger.WarnC("daemon", "Event queue full, dropping event")
		}
	})

	connDone := make(chan struct{})
	go func() {
		defer close(connDone)
		d.conn.Run(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			d.agent.Close()
			<-connDone
			return
		case event := <-events:
			d.handle(ctx, event)
		}
	}
}

func (d *Daemon) handle(ctx context.Context, event *wire.Event) {
	if event.MessageType != "group" && event.MessageType != "private" {
		return
	}
	if len(d.allowSenders) > 0 && !d.allowSenders[event.UserID] {
		return
	}

	text := eventText(event)
	if text == "" {
		logger.DebugC("daemon", "No text content in event, skip")
		return
	}
	if hasIgnoredPrefix(text, d.ignorePrefixes) {
		return
	}

	sessionKey := sessionKey(event)
	logger.InfoCF("daemon", "Forwarding to agent", map[string]interface{}{
		"session":            sessionKey,
		"chars":              len(text),
		logger.FieldPreview:  preview(text),
		logger.FieldSenderID: event.UserID,
	})

	payload, err := d.agent.SendChat(ctx, text, sessionKey)
	if err != nil {
		logger.ErrorCF("daemon", "Agent request failed", map[string]interface{}{
			logger.FieldError: err.Error(),
		})
		return
	}

	reply := ReplyText(payload)
	if d.fireAndForget || reply == "" {
		return
	}

	if err := d.sendReply(ctx, event, reply); err != nil {
		logger.ErrorCF("daemon", "Failed to send reply", map[string]interface{}{
			logger.FieldError:  err.Error(),
			logger.FieldChatID: event.ChatID(),
		})
		return
	}

	logger.InfoCF("daemon", "Sent reply", map[string]interface{}{
		logger.FieldChatID:  event.ChatID(),
		"chars":             len(reply),
		logger.FieldPreview: preview(reply),
	})
}

func (d *Daemon) sendReply(ctx context.Context, event *wire.Event, text string) error {
	segments := []wire.Segment{wire.Text(text)}

	var reply *wire.Reply
	var err error
	if event.IsGroup() {
		reply, err = d.client.SendGroup(ctx, event.GroupID, segments)
	} else {
		reply, err = d.client.SendPrivate(ctx, event.UserID, segments)
	}
	if err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("gateway status %q retcode %d", reply.Status, reply.RetCode)
	}
	return nil
}

// sessionKey derives the agent conversation identity from the chat:
// one session per group, one per private peer.
func sessionKey(event *wire.Event) string {
	if event.IsGroup() {
		return "qq-group-" + event.GroupID
	}
	return "qq-user-" + event.UserID
}

func eventText(event *wire.Event) string {
	var parts []string
	for _, segment := range event.Segments {
		if segment.Type != "text" {
			continue
		}
		if text, ok := segment.Data["text"].(string); ok {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// hasIgnoredPrefix checks the first non-blank line so quoted replies
// with leading whitespace still match. Passthrough commands are exempt
// regardless of the configured prefixes.
func hasIgnoredPrefix(text string, prefixes []string) bool {
	line := text
	for _, candidate := range strings.Split(text, "\n") {
		if strings.TrimSpace(candidate) != "" {
			line = candidate
			break
		}
	}
	line = strings.TrimLeft(line, " \t")
	if passthroughCommands[strings.TrimSpace(line)] {
		return false
	}
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func preview(text string) string {
	if len(text) > 200 {
		return text[:200]
	}
	return text
}
