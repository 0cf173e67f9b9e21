package agent

import "strings"

// ReplyText mines the assistant's reply out of a terminal chat
// payload. Preference order: final_text/text, then message.content
// parts, then stitched assistant stream events. Returns "" when the
// payload carries no usable text.
func ReplyText(payload Payload) string {
	if payload == nil {
		return ""
	}

	if text := firstString(payload, "final_text", "text"); strings.TrimSpace(text) != "" {
		return stripToolMarker(strings.TrimSpace(text))
	}

	if message, ok := payload["message"].(map[string]interface{}); ok {
		if content, ok := message["content"].([]interface{}); ok {
			var parts []string
			for _, item := range content {
				entry, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				if text, ok := entry["text"].(string); ok {
					parts = append(parts, text)
				}
			}
			if stitched := strings.TrimSpace(strings.Join(parts, "")); stitched != "" {
				return stripToolMarker(stitched)
			}
		}
	}

	if events, ok := payload["events"].([]interface{}); ok {
		var parts []string
		for _, item := range events {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if stream, ok := entry["stream"].(string); ok && stream != "" && stream != "assistant" {
				continue
			}
			if text, ok := entry["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return stripToolMarker(strings.TrimSpace(strings.Join(parts, "")))
	}

	return ""
}

func firstString(payload Payload, keys ...string) string {
	for _, key := range keys {
		if value, ok := payload[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// stripToolMarker cuts trailing tool-call markers like
// "[[reply_to_current ..." from stitched output.
func stripToolMarker(text string) string {
	if pos := strings.Index(text, "[["); pos != -1 {
		return strings.TrimRight(text[:pos], " \t\r\n")
	}
	return text
}
