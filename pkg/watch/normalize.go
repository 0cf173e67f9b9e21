// Package watch turns raw gateway events into normalized message
// records and multiplexes independent filtered subscriptions over one
// process.
package watch

import (
	"context"
	"regexp"
	"strings"

	"naprelay/pkg/asr"
	"naprelay/pkg/logger"
	"naprelay/pkg/wire"
)

var DefaultIgnorePrefixes = []string{"/"}

// Session-control tokens that must reach the downstream agent even
// though they look like ignorable slash-commands.
var passthroughCommands = map[string]bool{
	"/new":   true,
	"/reset": true,
}

var cqCodePattern = regexp.MustCompile(`(?i)\[CQ:(face|image)[^\]]*\]`)

// Filter selects which events a subscription sees. Zero values mean no
// restriction.
type Filter struct {
	FromGroup       string
	FromUser        string
	AllowSenders    map[string]bool
	IgnorePrefixes  []string
	KeepAttachments bool

	// GatewayURL overrides the multiplexer's default endpoint for this
	// subscription only.
	GatewayURL string
}

// Record is the fixed caller-facing projection of a normalized event.
// Raw gateway fields never leak past this point.
type Record struct {
	Sender      string   `json:"sender"`
	ChatID      string   `json:"chatId"`
	IsGroup     bool     `json:"isGroup"`
	Text        string   `json:"text"`
	MessageID   string   `json:"messageId"`
	Attachments []string `json:"attachments,omitempty"`
}

// RecordFetcher materializes a voice attachment as raw audio bytes.
// gateway.Conn satisfies it.
type RecordFetcher interface {
	FetchRecord(ctx context.Context, file string) ([]byte, error)
}

type Normalizer struct {
	filter      Filter
	fetcher     RecordFetcher
	transcriber asr.Transcriber
}

// NewNormalizer builds a pipeline for one subscription. A nil
// transcriber disables voice resolution; voice-only events are then
// dropped.
func NewNormalizer(filter Filter, fetcher RecordFetcher, transcriber asr.Transcriber) *Normalizer {
	return &Normalizer{filter: filter, fetcher: fetcher, transcriber: transcriber}
}

// Normalize applies the full pipeline to one event. The second return
// value is false when the event is filtered out; normalization never
// returns an error, voice failures degrade to a drop.
func (n *Normalizer) Normalize(ctx context.Context, event *wire.Event) (*Record, bool) {
	if event.MessageType != "group" && event.MessageType != "private" {
		return nil, false
	}
	if n.filter.FromGroup != "" && event.GroupID != n.filter.FromGroup {
		return nil, false
	}
	if n.filter.FromUser != "" && event.UserID != n.filter.FromUser {
		return nil, false
	}
	if len(n.filter.AllowSenders) > 0 && !n.filter.AllowSenders[event.UserID] {
		return nil, false
	}

	text, recordFile, attachments := splitSegments(event.Segments)

	if text != "" {
		text = stripCQCodes(text)
		if text == "" && recordFile == "" {
			return n.attachmentsOnly(event, attachments)
		}
	}

	if text != "" {
		checkLine := firstNonBlankLine(text)
		if !passthroughCommands[strings.TrimSpace(checkLine)] {
			for _, prefix := range n.filter.IgnorePrefixes {
				if strings.HasPrefix(checkLine, prefix) {
					return nil, false
				}
			}
		}
	} else if recordFile != "" {
		resolved := n.resolveVoice(ctx, recordFile)
		if resolved == "" {
			return nil, false
		}
		text = resolved
	} else {
		return n.attachmentsOnly(event, attachments)
	}

	record := &Record{
		Sender:    event.UserID,
		ChatID:    event.ChatID(),
		IsGroup:   event.IsGroup(),
		Text:      text,
		MessageID: event.MessageID,
	}
	if n.filter.KeepAttachments {
		record.Attachments = attachments
	}
	return record, true
}

// attachmentsOnly keeps an event with no usable text when the
// subscription tracks attachment URIs; otherwise the event is dropped.
func (n *Normalizer) attachmentsOnly(event *wire.Event, attachments []string) (*Record, bool) {
	if !n.filter.KeepAttachments || len(attachments) == 0 {
		return nil, false
	}
	return &Record{
		Sender:      event.UserID,
		ChatID:      event.ChatID(),
		IsGroup:     event.IsGroup(),
		MessageID:   event.MessageID,
		Attachments: attachments,
	}, true
}

// resolveVoice materializes the voice attachment over the gateway and
// transcribes it. Every failure path returns "" so the event is dropped
// silently.
func (n *Normalizer) resolveVoice(ctx context.Context, recordFile string) string {
	if n.fetcher == nil || n.transcriber == nil {
		return ""
	}

	audio, err := n.fetcher.FetchRecord(ctx, recordFile)
	if err != nil {
		logger.DebugCF("watch", "Voice materialization failed, skipping event", map[string]interface{}{
			logger.FieldError: err.Error(),
		})
		return ""
	}
	if len(audio) == 0 {
		return ""
	}

	text, err := n.transcriber.Transcribe(ctx, audio, "mp3")
	if err != nil {
		logger.DebugCF("watch", "Transcription failed, skipping event", map[string]interface{}{
			logger.FieldError: err.Error(),
		})
		return ""
	}
	return strings.TrimSpace(text)
}

// splitSegments walks the raw segments in order, joining text parts with
// newlines, remembering the first voice attachment, and collecting
// attachment URIs. Mentions and faces carry no text and are skipped.
func splitSegments(segments []wire.EventSegment) (text, recordFile string, attachments []string) {
	var parts []string
	for _, seg := range segments {
		switch seg.Type {
		case "text":
			if value, ok := seg.Data["text"].(string); ok {
				parts = append(parts, value)
			}
		case "record":
			if recordFile == "" {
				if file, ok := seg.Data["file"].(string); ok && strings.TrimSpace(file) != "" {
					recordFile = strings.TrimSpace(file)
				}
			}
		case "image", "video", "file":
			if uri := segmentURI(seg); uri != "" {
				attachments = append(attachments, uri)
			}
		case "at", "face":
			// no text content
		}
	}
	return strings.Join(parts, "\n"), recordFile, attachments
}

func segmentURI(seg wire.EventSegment) string {
	if url, ok := seg.Data["url"].(string); ok && url != "" {
		return url
	}
	if file, ok := seg.Data["file"].(string); ok && file != "" {
		return file
	}
	return ""
}

// stripCQCodes removes inline CQ markup and collapses the result to
// trimmed, non-blank lines.
func stripCQCodes(text string) string {
	text = cqCodePattern.ReplaceAllString(text, "")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return strings.Join(lines, "\n")
}

func firstNonBlankLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			return strings.TrimLeft(line, " \t")
		}
	}
	return text
}
