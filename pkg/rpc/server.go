// Package rpc serves the line-oriented JSON-RPC control protocol over
// stdin/stdout: requests in, responses and message notifications out.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"naprelay/pkg/asr"
	"naprelay/pkg/config"
	"naprelay/pkg/gateway"
	"naprelay/pkg/logger"
	"naprelay/pkg/watch"
	"naprelay/pkg/wire"
)

const (
	codeInternalError  = -32000
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602

	maxRequestLine = 10 * 1024 * 1024
)

type request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      interface{}            `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server multiplexes watch subscriptions and send commands behind the
// control protocol. Requests are handled sequentially; notifications
// stream concurrently and share the output writer under a mutex.
type Server struct {
	cfg *config.Config
	in  io.Reader
	out io.Writer

	outMu sync.Mutex
	mux   *watch.Multiplexer

	// newClient builds the per-request dispatcher; swapped in tests.
	newClient func(url string, timeout time.Duration) gateway.Client
}

func NewServer(cfg *config.Config, in io.Reader, out io.Writer) *Server {
	var transcriber asr.Transcriber
	if cfg.ASREnabled() {
		transcriber = asr.NewSentenceRecognizer(cfg.ASR.SecretID, cfg.ASR.SecretKey, cfg.ASR.Region)
	}

	return &Server{
		cfg: cfg,
		in:  in,
		out: out,
		mux: watch.NewMultiplexer(watch.Options{
			URL:         cfg.Gateway.URL,
			Token:       cfg.Gateway.Token,
			Transcriber: transcriber,
		}),
		newClient: func(url string, timeout time.Duration) gateway.Client {
			return gateway.NewDialClient(url, cfg.Gateway.Token, timeout)
		},
	}
}

// Serve runs the request loop until the input closes or ctx is
// cancelled, then cancels every subscription and awaits them.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.forwardNotifications(ctx)
		return nil
	})

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxRequestLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			logger.WarnCF("rpc", "Invalid JSON request", map[string]interface{}{
				logger.FieldError: err.Error(),
			})
			continue
		}

		s.handleRequest(ctx, &req)

		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	err := group.Wait()
	s.mux.Close()

	if scanErr := scanner.Err(); scanErr != nil {
		return scanErr
	}
	return err
}

func (s *Server) forwardNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.mux.Records():
			s.writeJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "message",
				"params": map[string]interface{}{
					"subscription": n.Subscription,
					"message":      n.Record,
				},
			})
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req *request) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("rpc", "Unhandled request panic", map[string]interface{}{
				"method":          req.Method,
				logger.FieldError: fmt.Sprint(r),
			})
			s.writeError(req.ID, codeInternalError, fmt.Sprint(r))
		}
	}()

	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}

	switch req.Method {
	case "initialize":
		s.writeResult(req.ID, map[string]interface{}{
			"capabilities": map[string]interface{}{
				"streaming":   true,
				"attachments": true,
			},
		})
	case "watch.subscribe":
		s.handleSubscribe(params, req.ID)
	case "watch.unsubscribe":
		s.handleUnsubscribe(params, req.ID)
	case "message.send":
		s.handleMessageSend(ctx, params, req.ID)
	case "send":
		s.handleSend(ctx, params, req.ID)
	case "messages.history":
		s.writeResult(req.ID, map[string]interface{}{"messages": []interface{}{}})
	case "chats.list":
		s.writeResult(req.ID, []interface{}{})
	default:
		s.writeError(req.ID, codeMethodNotFound, "Method not found")
	}
}

func (s *Server) handleSubscribe(params map[string]interface{}, id interface{}) {
	if s.cfg.Gateway.URL == "" && stringParam(params, "napcat_url") == "" {
		s.writeError(id, codeInternalError, "NAPCAT_URL is required")
		return
	}

	filter := watch.Filter{
		FromGroup:       stringParam(params, "from_group"),
		FromUser:        stringParam(params, "from_user"),
		IgnorePrefixes:  s.cfg.Watch.IgnorePrefixes,
		AllowSenders:    s.cfg.AllowSenderSet(),
		KeepAttachments: s.cfg.Watch.KeepAttachments,
		GatewayURL:      stringParam(params, "napcat_url"),
	}
	if prefixes := stringSliceParam(params, "ignore_prefixes"); len(prefixes) > 0 {
		filter.IgnorePrefixes = prefixes
	}

	subID := s.mux.Subscribe(filter)
	s.writeResult(id, map[string]interface{}{"subscription": subID})
}

func (s *Server) handleUnsubscribe(params map[string]interface{}, id interface{}) {
	subID, ok := intParam(params, "subscription")
	if !ok {
		s.writeError(id, codeInvalidParams, "subscription is required")
		return
	}

	s.mux.Unsubscribe(subID)
	s.writeResult(id, map[string]interface{}{"ok": true})
}

func (s *Server) handleMessageSend(ctx context.Context, params map[string]interface{}, id interface{}) {
	text, hasText := params["text"].(string)
	chatID, isGroup := parseTarget(params)
	if chatID == "" || !hasText {
		s.writeError(id, codeInvalidParams, "to/chatId and text are required")
		return
	}

	channel := "private"
	if isGroup {
		channel = "group"
	}

	sendParams := map[string]interface{}{
		"channel":    channel,
		"message":    []interface{}{map[string]interface{}{"type": "text", "data": map[string]interface{}{"text": text}}},
		"napcat_url": params["napcat_url"],
		"timeout":    params["timeout"],
	}
	if isGroup {
		sendParams["group_id"] = chatID
	} else {
		sendParams["user_id"] = chatID
	}

	s.handleSend(ctx, sendParams, id)
}

func (s *Server) handleSend(ctx context.Context, params map[string]interface{}, id interface{}) {
	channel := stringParam(params, "channel")
	if channel == "" {
		channel = stringParam(params, "type")
	}
	groupID := stringParam(params, "group_id")
	userID := stringParam(params, "user_id")

	if channel == "" {
		switch {
		case groupID != "":
			channel = "group"
		case userID != "":
			channel = "private"
		}
	}

	url := stringParam(params, "napcat_url")
	if url == "" {
		url = s.cfg.Gateway.URL
	}
	if url == "" {
		s.writeError(id, codeInternalError, "NAPCAT_URL is required")
		return
	}

	timeout := time.Duration(s.cfg.Gateway.TimeoutSec * float64(time.Second))
	if sec, ok := params["timeout"].(float64); ok && sec > 0 {
		timeout = time.Duration(sec * float64(time.Second))
	}

	client := s.newClient(url, timeout)

	var reply *wire.Reply
	var err error
	switch channel {
	case "group_forward":
		nodes := params["messages"]
		if nodes == nil {
			nodes = params["nodes"]
		}
		if nodes == nil {
			s.writeError(id, codeInvalidParams, "messages is required for group_forward")
			return
		}
		segments, convErr := toSegments(nodes)
		if convErr != nil {
			s.writeError(id, codeInvalidParams, convErr.Error())
			return
		}
		reply, err = client.SendGroupForward(ctx, groupID, segments)
	case "group":
		segments, convErr := requiredSegments(params)
		if convErr != nil {
			s.writeError(id, codeInvalidParams, convErr.Error())
			return
		}
		reply, err = client.SendGroup(ctx, groupID, segments)
	case "private":
		segments, convErr := requiredSegments(params)
		if convErr != nil {
			s.writeError(id, codeInvalidParams, convErr.Error())
			return
		}
		reply, err = client.SendPrivate(ctx, userID, segments)
	default:
		s.writeError(id, codeInvalidParams, "Unsupported channel; use group, group_forward, or private")
		return
	}

	if err != nil {
		logger.DebugCF("rpc", "Send failed", map[string]interface{}{
			logger.FieldError: err.Error(),
		})
		s.writeError(id, codeInternalError, err.Error())
		return
	}

	s.writeResult(id, reply)
}

func requiredSegments(params map[string]interface{}) ([]wire.Segment, error) {
	message := params["message"]
	if message == nil {
		return nil, fmt.Errorf("message is required")
	}
	segments, err := toSegments(message)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("message is required")
	}
	return segments, nil
}

func (s *Server) writeResult(id interface{}, result interface{}) {
	if id == nil {
		return
	}
	s.writeJSON(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *Server) writeError(id interface{}, code int, message string) {
	if id == nil {
		return
	}
	s.writeJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   rpcError{Code: code, Message: message},
	})
}

func (s *Server) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.ErrorCF("rpc", "Failed to marshal response", map[string]interface{}{
			logger.FieldError: err.Error(),
		})
		return
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.out.Write(data)
	s.out.Write([]byte("\n"))
}
