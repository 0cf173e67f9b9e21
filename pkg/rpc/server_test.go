package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"naprelay/pkg/config"
	"naprelay/pkg/gateway"
	"naprelay/pkg/wire"
)

type sentCall struct {
	channel  string
	target   string
	segments []wire.Segment
}

type fakeClient struct {
	mu    sync.Mutex
	calls []sentCall
	reply *wire.Reply
	err   error
}

func (f *fakeClient) record(channel, target string, segments []wire.Segment) (*wire.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{channel: channel, target: target, segments: segments})
	if f.err != nil {
		return nil, f.err
	}
	if f.reply != nil {
		return f.reply, nil
	}
	return &wire.Reply{Status: "ok", Echo: "t1"}, nil
}

func (f *fakeClient) SendPrivate(ctx context.Context, userID string, segments []wire.Segment) (*wire.Reply, error) {
	return f.record("private", userID, segments)
}

func (f *fakeClient) SendGroup(ctx context.Context, groupID string, segments []wire.Segment) (*wire.Reply, error) {
	return f.record("group", groupID, segments)
}

func (f *fakeClient) SendGroupForward(ctx context.Context, groupID string, nodes []wire.Segment) (*wire.Reply, error) {
	return f.record("group_forward", groupID, nodes)
}

func (f *fakeClient) sent() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

// roundTrip feeds requests as input lines, runs the server to EOF, and
// decodes every output line.
func roundTrip(t *testing.T, cfg *config.Config, client gateway.Client, requests ...string) []map[string]interface{} {
	t.Helper()

	var out bytes.Buffer
	srv := NewServer(cfg, strings.NewReader(strings.Join(requests, "\n")+"\n"), &out)
	if client != nil {
		srv.newClient = func(url string, timeout time.Duration) gateway.Client {
			return client
		}
	}

	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}

	var responses []map[string]interface{}
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("invalid response line %q: %v", scanner.Text(), err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func errorCode(t *testing.T, resp map[string]interface{}) int {
	t.Helper()

	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an error response, got %v", resp)
	}
	return int(errObj["code"].(float64))
}

func result(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()

	res, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a result object, got %v", resp)
	}
	return res
}

func TestInitializeReportsCapabilities(t *testing.T) {
	t.Parallel()

	responses := roundTrip(t, &config.Config{}, nil,
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}

	caps := result(t, responses[0])["capabilities"].(map[string]interface{})
	if caps["streaming"] != true || caps["attachments"] != true {
		t.Fatalf("unexpected capabilities: %v", caps)
	}
}

func TestUnknownMethod(t *testing.T) {
	t.Parallel()

	responses := roundTrip(t, &config.Config{}, nil,
		`{"jsonrpc":"2.0","id":5,"method":"watch.pause"}`)
	if code := errorCode(t, responses[0]); code != codeMethodNotFound {
		t.Fatalf("expected %d, got %d", codeMethodNotFound, code)
	}
}

func TestRequestsWithoutIDProduceNoResponse(t *testing.T) {
	t.Parallel()

	responses := roundTrip(t, &config.Config{}, nil,
		`{"jsonrpc":"2.0","method":"initialize"}`,
		`{"jsonrpc":"2.0","method":"no.such.method"}`)
	if len(responses) != 0 {
		t.Fatalf("expected no responses for id-less requests, got %v", responses)
	}
}

func TestMessageSendRequiresTargetAndText(t *testing.T) {
	t.Parallel()

	responses := roundTrip(t, &config.Config{}, &fakeClient{},
		`{"jsonrpc":"2.0","id":1,"method":"message.send","params":{"text":"hi"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"message.send","params":{"to":"group-42"}}`)
	for i, resp := range responses {
		if code := errorCode(t, resp); code != codeInvalidParams {
			t.Fatalf("response %d: expected %d, got %d", i, codeInvalidParams, code)
		}
	}
}

func TestMessageSendRoutesGroupPrefix(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	cfg := &config.Config{}
	cfg.Gateway.URL = "ws://example.invalid"

	responses := roundTrip(t, cfg, client,
		`{"jsonrpc":"2.0","id":1,"method":"message.send","params":{"chatId":"group-42","text":"hello"}}`)
	if _, ok := responses[0]["result"]; !ok {
		t.Fatalf("expected a result, got %v", responses[0])
	}

	calls := client.sent()
	if len(calls) != 1 || calls[0].channel != "group" || calls[0].target != "42" {
		t.Fatalf("unexpected dispatch: %+v", calls)
	}
	if calls[0].segments[0].Type != "text" || calls[0].segments[0].Data["text"] != "hello" {
		t.Fatalf("unexpected segments: %+v", calls[0].segments)
	}
}

func TestMessageSendBareIDIsPrivate(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	cfg := &config.Config{}
	cfg.Gateway.URL = "ws://example.invalid"

	roundTrip(t, cfg, client,
		`{"jsonrpc":"2.0","id":1,"method":"message.send","params":{"to":"77","text":"ping"}}`)

	calls := client.sent()
	if len(calls) != 1 || calls[0].channel != "private" || calls[0].target != "77" {
		t.Fatalf("unexpected dispatch: %+v", calls)
	}
}

func TestMessageSendNumericChatID(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	cfg := &config.Config{}
	cfg.Gateway.URL = "ws://example.invalid"

	roundTrip(t, cfg, client,
		`{"jsonrpc":"2.0","id":1,"method":"message.send","params":{"chatId":99,"isGroup":true,"text":"x"}}`)

	calls := client.sent()
	if len(calls) != 1 || calls[0].channel != "group" || calls[0].target != "99" {
		t.Fatalf("unexpected dispatch: %+v", calls)
	}
}

func TestSendRequiresGatewayURL(t *testing.T) {
	t.Parallel()

	responses := roundTrip(t, &config.Config{}, &fakeClient{},
		`{"jsonrpc":"2.0","id":1,"method":"send","params":{"channel":"group","group_id":"1","message":[{"type":"text","data":{"text":"x"}}]}}`)
	if code := errorCode(t, responses[0]); code != codeInternalError {
		t.Fatalf("expected %d, got %d", codeInternalError, code)
	}
}

func TestSendInfersChannelFromTarget(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	cfg := &config.Config{}
	cfg.Gateway.URL = "ws://example.invalid"

	roundTrip(t, cfg, client,
		`{"jsonrpc":"2.0","id":1,"method":"send","params":{"group_id":"8","message":[{"type":"text","data":{"text":"a"}}]}}`,
		`{"jsonrpc":"2.0","id":2,"method":"send","params":{"user_id":"9","message":[{"type":"text","data":{"text":"b"}}]}}`)

	calls := client.sent()
	if len(calls) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(calls))
	}
	if calls[0].channel != "group" || calls[0].target != "8" {
		t.Fatalf("unexpected first dispatch: %+v", calls[0])
	}
	if calls[1].channel != "private" || calls[1].target != "9" {
		t.Fatalf("unexpected second dispatch: %+v", calls[1])
	}
}

func TestSendGroupForwardNodes(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	cfg := &config.Config{}
	cfg.Gateway.URL = "ws://example.invalid"

	responses := roundTrip(t, cfg, client,
		`{"jsonrpc":"2.0","id":1,"method":"send","params":{"channel":"group_forward","group_id":"3","messages":[{"type":"node","data":{"user_id":"1","nickname":"n","content":[]}}]}}`)
	if _, ok := responses[0]["result"]; !ok {
		t.Fatalf("expected a result, got %v", responses[0])
	}

	calls := client.sent()
	if len(calls) != 1 || calls[0].channel != "group_forward" {
		t.Fatalf("unexpected dispatch: %+v", calls)
	}
	if calls[0].segments[0].Type != "node" {
		t.Fatalf("unexpected node segment: %+v", calls[0].segments[0])
	}
}

func TestSendUnsupportedChannel(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Gateway.URL = "ws://example.invalid"

	responses := roundTrip(t, cfg, &fakeClient{},
		`{"jsonrpc":"2.0","id":1,"method":"send","params":{"channel":"broadcast","message":[{"type":"text","data":{"text":"x"}}]}}`)
	if code := errorCode(t, responses[0]); code != codeInvalidParams {
		t.Fatalf("expected %d, got %d", codeInvalidParams, code)
	}
}

func TestSubscribeWithoutGatewayURL(t *testing.T) {
	t.Parallel()

	responses := roundTrip(t, &config.Config{}, nil,
		`{"jsonrpc":"2.0","id":1,"method":"watch.subscribe","params":{}}`)
	if code := errorCode(t, responses[0]); code != codeInternalError {
		t.Fatalf("expected %d, got %d", codeInternalError, code)
	}
}

func TestUnsubscribeUnknownIDSucceeds(t *testing.T) {
	t.Parallel()

	responses := roundTrip(t, &config.Config{}, nil,
		`{"jsonrpc":"2.0","id":1,"method":"watch.unsubscribe","params":{"subscription":99}}`,
		`{"jsonrpc":"2.0","id":2,"method":"watch.unsubscribe","params":{}}`)

	if ok := result(t, responses[0])["ok"]; ok != true {
		t.Fatalf("expected ok for unknown subscription, got %v", responses[0])
	}
	if code := errorCode(t, responses[1]); code != codeInvalidParams {
		t.Fatalf("expected %d for missing subscription, got %d", codeInvalidParams, code)
	}
}

func TestHistoryAndChatsAreEmpty(t *testing.T) {
	t.Parallel()

	responses := roundTrip(t, &config.Config{}, nil,
		`{"jsonrpc":"2.0","id":1,"method":"messages.history","params":{"chatId":"group-1"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"chats.list"}`)

	messages := result(t, responses[0])["messages"].([]interface{})
	if len(messages) != 0 {
		t.Fatalf("expected empty history, got %v", messages)
	}
	chats, ok := responses[1]["result"].([]interface{})
	if !ok || len(chats) != 0 {
		t.Fatalf("expected empty chat list, got %v", responses[1]["result"])
	}
}

func TestSubscribeUsesEndpointParam(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteJSON(map[string]interface{}{
			"post_type":    "message",
			"message_type": "private",
			"user_id":      5,
			"message_id":   2,
			"message": []map[string]interface{}{
				{"type": "text", "data": map[string]interface{}{"text": "via param"}},
			},
		})
		time.Sleep(3 * time.Second)
	}))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	// No configured gateway endpoint; the request supplies its own.
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	srv := NewServer(&config.Config{}, inR, outW)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(context.Background())
	}()

	io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"watch.subscribe","params":{"napcat_url":"`+url+`"}}`+"\n")

	reader := bufio.NewReader(outR)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decode output %q: %v", line, err)
	}
	if resp["error"] != nil {
		t.Fatalf("subscribe failed: %v", resp)
	}

	line, err = reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read notification: %v", err)
	}
	var notification map[string]interface{}
	if err := json.Unmarshal(line, &notification); err != nil {
		t.Fatalf("decode notification %q: %v", line, err)
	}
	message := notification["params"].(map[string]interface{})["message"].(map[string]interface{})
	if message["text"] != "via param" {
		t.Fatalf("unexpected record: %v", message)
	}

	inW.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down after input closed")
	}
}

func TestSubscribeStreamsNotifications(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteJSON(map[string]interface{}{
			"post_type":    "message",
			"message_type": "group",
			"user_id":      7,
			"group_id":     100,
			"message_id":   1,
			"message": []map[string]interface{}{
				{"type": "text", "data": map[string]interface{}{"text": "hello"}},
			},
		})
		time.Sleep(3 * time.Second)
	}))
	defer server.Close()

	cfg := &config.Config{}
	cfg.Gateway.URL = "ws" + strings.TrimPrefix(server.URL, "http")

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	srv := NewServer(cfg, inR, outW)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(context.Background())
	}()

	io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"watch.subscribe","params":{"from_group":"100"}}`+"\n")

	reader := bufio.NewReader(outR)
	readLine := func() map[string]interface{} {
		t.Helper()
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read output: %v", err)
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal(line, &decoded); err != nil {
			t.Fatalf("decode output %q: %v", line, err)
		}
		return decoded
	}

	sub := result(t, readLine())["subscription"].(float64)
	if sub != 1 {
		t.Fatalf("expected subscription 1, got %v", sub)
	}

	notification := readLine()
	if notification["method"] != "message" {
		t.Fatalf("expected a message notification, got %v", notification)
	}
	params := notification["params"].(map[string]interface{})
	if params["subscription"].(float64) != sub {
		t.Fatalf("notification tagged with wrong subscription: %v", params)
	}
	message := params["message"].(map[string]interface{})
	if message["text"] != "hello" || message["chatId"] != "100" || message["isGroup"] != true {
		t.Fatalf("unexpected record payload: %v", message)
	}

	inW.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down after input closed")
	}
}
