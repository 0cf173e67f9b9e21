package wire

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Segment is one ordered element of an outbound message. Order is
// semantically meaningful (a reply marker precedes the text it answers).
type Segment struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func Text(content string) Segment {
	return Segment{Type: "text", Data: map[string]interface{}{"text": content}}
}

func ReplySegment(messageID string) Segment {
	return Segment{Type: "reply", Data: map[string]interface{}{"id": messageID}}
}

func Image(path string) (Segment, error) {
	uri, err := fileURI(path)
	if err != nil {
		return Segment{}, err
	}
	return Segment{Type: "image", Data: map[string]interface{}{"file": uri}}, nil
}

func Video(path string) (Segment, error) {
	uri, err := fileURI(path)
	if err != nil {
		return Segment{}, err
	}
	return Segment{Type: "video", Data: map[string]interface{}{"file": uri}}, nil
}

func File(path, name string) (Segment, error) {
	uri, err := fileURI(path)
	if err != nil {
		return Segment{}, err
	}
	data := map[string]interface{}{"file": uri}
	if name != "" {
		data["name"] = name
	}
	return Segment{Type: "file", Data: data}, nil
}

// ForwardNode wraps segments with a pseudo-sender identity for
// send_group_forward_msg.
func ForwardNode(userID, nickname string, content []Segment) Segment {
	return Segment{
		Type: "node",
		Data: map[string]interface{}{
			"user_id":  userID,
			"nickname": nickname,
			"content":  content,
		},
	}
}

// fileURI converts a local file to a base64:// URI; remote and
// already-encoded URIs pass through untouched.
func fileURI(path string) (string, error) {
	if strings.HasPrefix(path, "base64://") ||
		strings.HasPrefix(path, "http://") ||
		strings.HasPrefix(path, "https://") {
		return path, nil
	}

	expanded := path
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		expanded = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return "base64://" + base64.StdEncoding.EncodeToString(data), nil
}
