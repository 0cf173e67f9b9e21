package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"naprelay/pkg/wire"
)

// parseTarget resolves to/chatId/chat_id into a chat id and channel
// kind. Accepted prefixes: group-<id>, group:<id>, user-<id>, user:<id>;
// a bare id routes private unless an explicit isGroup flag says
// otherwise.
func parseTarget(params map[string]interface{}) (chatID string, isGroup bool) {
	rawTo := params["to"]
	if rawTo == nil {
		rawTo = params["chatId"]
	}
	if rawTo == nil {
		rawTo = params["chat_id"]
	}

	switch v := rawTo.(type) {
	case string:
		chatID = strings.TrimSpace(v)
	case float64:
		chatID = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		chatID = v.String()
	}

	lower := strings.ToLower(chatID)
	switch {
	case strings.HasPrefix(lower, "group-"):
		chatID = strings.TrimSpace(chatID[len("group-"):])
		isGroup = true
	case strings.HasPrefix(lower, "group:"):
		chatID = strings.TrimSpace(chatID[len("group:"):])
		isGroup = true
	case strings.HasPrefix(lower, "user-"):
		chatID = strings.TrimSpace(chatID[len("user-"):])
	case strings.HasPrefix(lower, "user:"):
		chatID = strings.TrimSpace(chatID[len("user:"):])
	default:
		isGroup = boolParam(params["isGroup"])
	}

	return chatID, isGroup
}

func boolParam(v interface{}) bool {
	switch value := v.(type) {
	case bool:
		return value
	case string:
		switch strings.ToLower(value) {
		case "1", "true", "yes", "y":
			return true
		}
	}
	return false
}

func stringParam(params map[string]interface{}, key string) string {
	switch v := params[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

func stringSliceParam(params map[string]interface{}, key string) []string {
	raw, ok := params[key].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intParam(params map[string]interface{}, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// toSegments converts loosely-typed request payloads into wire
// segments via a JSON round-trip, preserving order.
func toSegments(v interface{}) ([]wire.Segment, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var segments []wire.Segment
	if err := json.Unmarshal(raw, &segments); err != nil {
		return nil, fmt.Errorf("invalid message segments: %w", err)
	}
	return segments, nil
}
