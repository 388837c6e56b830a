package streaming

import (
	"encoding/json"
	"strings"
)

// EventKind enumerates the line-level events of the upstream protocol.
// The upstream interleaves bare marker lines (start, chunk, metadata, done,
// error) with "data: <json>" lines carrying the payload the preceding marker
// announced. EventNone means the line carried nothing actionable.
type EventKind int

const (
	EventNone EventKind = iota
	EventStart
	EventChunk
	EventMetadata
	EventDone
	EventError
	EventData
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventChunk:
		return "chunk"
	case EventMetadata:
		return "metadata"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	case EventData:
		return "data"
	default:
		return "none"
	}
}

// Event is one parsed protocol line. Payload is non-nil only for EventData.
type Event struct {
	Kind    EventKind
	Payload map[string]any
}

const dataPrefix = "data:"

// ParseLine classifies a single upstream line. Unrecognized lines and data
// lines with malformed JSON yield EventNone: a corrupt line must not take down
// an otherwise healthy stream, so the caller just skips those.
func ParseLine(line string) Event {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	switch trimmed {
	case "":
		return Event{Kind: EventNone}
	case "start":
		return Event{Kind: EventStart}
	case "chunk":
		return Event{Kind: EventChunk}
	case "metadata":
		return Event{Kind: EventMetadata}
	case "done":
		return Event{Kind: EventDone}
	case "error":
		return Event{Kind: EventError}
	}
	if strings.HasPrefix(trimmed, dataPrefix) {
		raw := strings.TrimSpace(trimmed[len(dataPrefix):])
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload == nil {
			return Event{Kind: EventNone}
		}
		return Event{Kind: EventData, Payload: payload}
	}
	return Event{Kind: EventNone}
}

// ConversationID extracts the upstream conversation/log identifier from a data
// payload, if present.
func ConversationID(payload map[string]any) (string, bool) {
	for _, key := range []string{"log_id", "conversation_id"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// TextDelta extracts the incremental text fragment from a data payload, if
// present.
func TextDelta(payload map[string]any) (string, bool) {
	if v, ok := payload["delta"].(string); ok {
		return v, true
	}
	return "", false
}

// Citation is a source the response drew upon, surfaced via metadata payloads.
type Citation struct {
	Title string `json:"title"`
	Link  string `json:"link,omitempty"`
}

// Citations extracts citation entries from a data payload. Entries without a
// title are dropped; the link is optional.
func Citations(payload map[string]any) []Citation {
	raw, ok := payload["citations"].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make([]Citation, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		title, _ := m["title"].(string)
		if title == "" {
			continue
		}
		link, _ := m["link"].(string)
		if link == "" {
			link, _ = m["url"].(string)
		}
		out = append(out, Citation{Title: title, Link: link})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
