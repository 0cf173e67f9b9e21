package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode marks a malformed inbound frame. Callers drop the frame and
// keep the connection; decoding failures are never fatal.
var ErrDecode = errors.New("malformed frame")

type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindMeta
	KindReply
	KindEvent
)

func (k FrameKind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindReply:
		return "reply"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Frame is a classified inbound message. Classification happens once
// here; downstream components switch on Kind and never re-inspect raw
// JSON.
type Frame struct {
	Kind    FrameKind
	Echo    string
	Status  string
	RetCode int64
	Data    map[string]interface{}
	Event   *Event
}

// Event carries the message-bearing fields of an inbound chat event.
type Event struct {
	MessageType string
	UserID      string
	GroupID     string
	MessageID   string
	RawMessage  string
	Segments    []EventSegment
}

func (e *Event) IsGroup() bool {
	return e.MessageType == "group"
}

// ChatID is the conversation identity: group id for group messages,
// sender id otherwise.
func (e *Event) ChatID() string {
	if e.IsGroup() {
		return e.GroupID
	}
	return e.UserID
}

type EventSegment struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

type rawFrame struct {
	PostType    string                 `json:"post_type"`
	MessageType string                 `json:"message_type"`
	UserID      json.Number            `json:"user_id"`
	GroupID     json.Number            `json:"group_id"`
	MessageID   json.Number            `json:"message_id"`
	RawMessage  string                 `json:"raw_message"`
	Message     json.RawMessage        `json:"message"`
	Echo        interface{}            `json:"echo"`
	Status      string                 `json:"status"`
	RetCode     int64                  `json:"retcode"`
	Data        map[string]interface{} `json:"data"`
}

// Decode parses one inbound frame and classifies it. The closed set of
// outcomes is: meta (always discarded), reply (routed by echo), event
// (normalized downstream), unknown (dropped).
func Decode(raw []byte) (*Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var rf rawFrame
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	frame := &Frame{
		Echo:    echoString(rf.Echo),
		Status:  rf.Status,
		RetCode: rf.RetCode,
		Data:    rf.Data,
	}

	switch {
	case rf.PostType == "meta_event":
		frame.Kind = KindMeta
	case rf.PostType == "message":
		frame.Kind = KindEvent
		frame.Event = &Event{
			MessageType: rf.MessageType,
			UserID:      rf.UserID.String(),
			GroupID:     rf.GroupID.String(),
			MessageID:   rf.MessageID.String(),
			RawMessage:  rf.RawMessage,
			Segments:    decodeSegments(rf.Message),
		}
	case rf.PostType != "":
		// notice, request and other non-message lifecycles
		frame.Kind = KindUnknown
	case frame.Echo != "" || rf.Status != "":
		frame.Kind = KindReply
	default:
		frame.Kind = KindUnknown
	}

	return frame, nil
}

// decodeSegments accepts both segment arrays and the legacy plain-string
// message form, which maps to a single text segment.
func decodeSegments(message json.RawMessage) []EventSegment {
	if len(message) == 0 {
		return nil
	}

	var segments []EventSegment
	if err := json.Unmarshal(message, &segments); err == nil {
		return segments
	}

	var plain string
	if err := json.Unmarshal(message, &plain); err == nil && plain != "" {
		return []EventSegment{{Type: "text", Data: map[string]interface{}{"text": plain}}}
	}

	return nil
}

// Reply projects a reply-kind frame into the caller-facing Reply shape.
func (f *Frame) Reply() *Reply {
	return &Reply{
		Status:  f.Status,
		RetCode: f.RetCode,
		Data:    f.Data,
		Echo:    f.Echo,
	}
}

func echoString(echo interface{}) string {
	s, ok := echo.(string)
	if !ok {
		return ""
	}
	return s
}
