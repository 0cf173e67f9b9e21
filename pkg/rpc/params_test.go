package rpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseTargetPrefixes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		params  map[string]interface{}
		chatID  string
		isGroup bool
	}{
		{"group dash", map[string]interface{}{"to": "group-42"}, "42", true},
		{"group colon", map[string]interface{}{"chatId": "group:42"}, "42", true},
		{"user dash", map[string]interface{}{"to": "user-7"}, "7", false},
		{"user colon", map[string]interface{}{"chat_id": "user:7"}, "7", false},
		{"bare id", map[string]interface{}{"to": "77"}, "77", false},
		{"bare id group flag", map[string]interface{}{"to": "77", "isGroup": true}, "77", true},
		{"numeric", map[string]interface{}{"chatId": float64(99)}, "99", false},
		{"string flag", map[string]interface{}{"to": "5", "isGroup": "true"}, "5", true},
		{"missing", map[string]interface{}{}, "", false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			chatID, isGroup := parseTarget(tc.params)
			if chatID != tc.chatID || isGroup != tc.isGroup {
				t.Fatalf("got (%q, %v), want (%q, %v)", chatID, isGroup, tc.chatID, tc.isGroup)
			}
		})
	}
}

func TestParseTargetJSONNumber(t *testing.T) {
	t.Parallel()

	var params map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(`{"chatId": 123456789012345}`))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		t.Fatal(err)
	}

	chatID, _ := parseTarget(params)
	if chatID != "123456789012345" {
		t.Fatalf("expected full precision id, got %q", chatID)
	}
}

func TestToSegments(t *testing.T) {
	t.Parallel()

	segments, err := toSegments([]interface{}{
		map[string]interface{}{"type": "text", "data": map[string]interface{}{"text": "hi"}},
		map[string]interface{}{"type": "image", "data": map[string]interface{}{"file": "base64://AAAA"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	if segments[0].Type != "text" || segments[0].Data["text"] != "hi" {
		t.Fatalf("unexpected first segment: %+v", segments[0])
	}
	if segments[1].Type != "image" {
		t.Fatalf("unexpected second segment: %+v", segments[1])
	}
}

func TestToSegmentsRejectsNonArray(t *testing.T) {
	t.Parallel()

	if _, err := toSegments("just text"); err == nil {
		t.Fatal("expected an error for a non-array message")
	}
}

func TestIntParamCoercions(t *testing.T) {
	t.Parallel()

	if v, ok := intParam(map[string]interface{}{"subscription": float64(3)}, "subscription"); !ok || v != 3 {
		t.Fatalf("float64: got (%d, %v)", v, ok)
	}
	if v, ok := intParam(map[string]interface{}{"subscription": "4"}, "subscription"); !ok || v != 4 {
		t.Fatalf("string: got (%d, %v)", v, ok)
	}
	if _, ok := intParam(map[string]interface{}{"subscription": "x"}, "subscription"); ok {
		t.Fatal("expected failure for a non-numeric string")
	}
	if _, ok := intParam(map[string]interface{}{}, "subscription"); ok {
		t.Fatal("expected failure for a missing key")
	}
}
