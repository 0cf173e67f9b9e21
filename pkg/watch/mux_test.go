package watch

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"naprelay/pkg/asr"
	"naprelay/pkg/wire"
)

var upgrader = websocket.Upgrader{}

func newTestGateway(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func writeGroupText(ws *websocket.Conn, groupID string, text string) error {
	return ws.WriteJSON(map[string]interface{}{
		"post_type":    "message",
		"message_type": "group",
		"user_id":      1,
		"group_id":     groupID,
		"message_id":   10,
		"message": []map[string]interface{}{
			{"type": "text", "data": map[string]interface{}{"text": text}},
		},
	})
}

func waitNotification(t *testing.T, mux *Multiplexer) Notification {
	t.Helper()

	select {
	case n := <-mux.Records():
		return n
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for a record")
		return Notification{}
	}
}

func TestSubscribeDeliversTaggedRecords(t *testing.T) {
	t.Parallel()

	url := newTestGateway(t, func(ws *websocket.Conn) {
		writeGroupText(ws, "100", "hello")
		time.Sleep(2 * time.Second)
	})

	mux := NewMultiplexer(Options{URL: url})
	defer mux.Close()

	id := mux.Subscribe(Filter{FromGroup: "100"})
	if id != 1 {
		t.Fatalf("expected first subscription id 1, got %d", id)
	}

	n := waitNotification(t, mux)
	if n.Subscription != id {
		t.Fatalf("expected tag %d, got %d", id, n.Subscription)
	}
	if n.Record.Text != "hello" || n.Record.ChatID != "100" {
		t.Fatalf("unexpected record: %+v", n.Record)
	}
}

func TestSubscriptionIDsAreMonotonic(t *testing.T) {
	t.Parallel()

	url := newTestGateway(t, func(ws *websocket.Conn) {
		time.Sleep(2 * time.Second)
	})

	mux := NewMultiplexer(Options{URL: url})
	defer mux.Close()

	first := mux.Subscribe(Filter{})
	second := mux.Subscribe(Filter{})
	if second <= first {
		t.Fatalf("expected monotonic ids, got %d then %d", first, second)
	}
}

func TestSubscriptionsFilterIndependently(t *testing.T) {
	t.Parallel()

	// Every connection gets the same two events; only the matching
	// filter should emit.
	url := newTestGateway(t, func(ws *websocket.Conn) {
		writeGroupText(ws, "100", "for-hundred")
		writeGroupText(ws, "200", "for-two-hundred")
		time.Sleep(2 * time.Second)
	})

	mux := NewMultiplexer(Options{URL: url})
	defer mux.Close()

	subA := mux.Subscribe(Filter{FromGroup: "100"})
	subB := mux.Subscribe(Filter{FromGroup: "200"})

	seen := map[int]string{}
	for i := 0; i < 2; i++ {
		n := waitNotification(t, mux)
		seen[n.Subscription] = n.Record.Text
	}

	if seen[subA] != "for-hundred" {
		t.Fatalf("subscription %d saw %q", subA, seen[subA])
	}
	if seen[subB] != "for-two-hundred" {
		t.Fatalf("subscription %d saw %q", subB, seen[subB])
	}
}

func TestUnsubscribeTwiceIsBenign(t *testing.T) {
	t.Parallel()

	url := newTestGateway(t, func(ws *websocket.Conn) {
		time.Sleep(2 * time.Second)
	})

	mux := NewMultiplexer(Options{URL: url})
	defer mux.Close()

	id := mux.Subscribe(Filter{})

	done := make(chan struct{})
	go func() {
		mux.Unsubscribe(id)
		mux.Unsubscribe(id)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("double unsubscribe hung")
	}
}

func TestCloseAwaitsAllSubscriptions(t *testing.T) {
	t.Parallel()

	url := newTestGateway(t, func(ws *websocket.Conn) {
		time.Sleep(2 * time.Second)
	})

	mux := NewMultiplexer(Options{URL: url})
	mux.Subscribe(Filter{})
	mux.Subscribe(Filter{})

	done := make(chan struct{})
	go func() {
		mux.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("close did not terminate all subscriptions")
	}
}

func TestVoiceEventResolvedOverSameConnection(t *testing.T) {
	t.Parallel()

	audio := []byte("voice audio")
	url := newTestGateway(t, func(ws *websocket.Conn) {
		// Voice-only event, then serve the get_record round-trip the
		// normalizer issues on this same connection.
		ws.WriteJSON(map[string]interface{}{
			"post_type":    "message",
			"message_type": "private",
			"user_id":      7,
			"message_id":   11,
			"message": []map[string]interface{}{
				{"type": "record", "data": map[string]interface{}{"file": "voice-id.amr"}},
			},
		})

		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := wire.DecodeCommand(raw)
		if err != nil || cmd.Action != wire.ActionGetRecord {
			return
		}
		ws.WriteJSON(map[string]interface{}{
			"status":  "ok",
			"retcode": 0,
			"data":    map[string]interface{}{"base64": base64.StdEncoding.EncodeToString(audio)},
			"echo":    cmd.Echo,
		})
		time.Sleep(2 * time.Second)
	})

	transcriber := asr.TranscribeFunc(func(ctx context.Context, got []byte, format string) (string, error) {
		if string(got) != string(audio) {
			t.Errorf("transcriber received %q", got)
		}
		if format != "mp3" {
			t.Errorf("expected mp3 format, got %q", format)
		}
		return "hello", nil
	})

	mux := NewMultiplexer(Options{URL: url, Transcriber: transcriber})
	defer mux.Close()

	mux.Subscribe(Filter{})

	n := waitNotification(t, mux)
	if n.Record.Text != "hello" {
		t.Fatalf("expected transcribed text, got %+v", n.Record)
	}
}

func TestUnsubscribeReleasesConnection(t *testing.T) {
	t.Parallel()

	serverSawClose := make(chan struct{})
	url := newTestGateway(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				close(serverSawClose)
				return
			}
		}
	})

	mux := NewMultiplexer(Options{URL: url})
	defer mux.Close()

	id := mux.Subscribe(Filter{})
	time.Sleep(100 * time.Millisecond)
	mux.Unsubscribe(id)

	select {
	case <-serverSawClose:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway connection survived unsubscribe")
	}
}

func TestSubscribeHonorsEndpointOverride(t *testing.T) {
	t.Parallel()

	url := newTestGateway(t, func(ws *websocket.Conn) {
		writeGroupText(ws, "100", "from override")
		time.Sleep(2 * time.Second)
	})

	// The default endpoint is unreachable; only the override works.
	mux := NewMultiplexer(Options{URL: "ws://127.0.0.1:1"})
	defer mux.Close()

	mux.Subscribe(Filter{FromGroup: "100", GatewayURL: url})

	n := waitNotification(t, mux)
	if n.Record.Text != "from override" {
		t.Fatalf("unexpected record: %+v", n.Record)
	}
}
