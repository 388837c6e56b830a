// Package chatstore is the append-only store for chat history. The stream
// orchestrator issues at most one response write per session; everything else
// here exists to serve the history API and first-turn detection.
package chatstore

import (
	"context"

	"github.com/curiochat/curio/pkg/streaming"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	ID            int64                 `json:"id"`
	ChatID        string                `json:"chat_id"`
	Role          string                `json:"role"`
	Content       string                `json:"content"`
	Citations     []streaming.Citation  `json:"citations,omitempty"`
	StoppedByUser bool                  `json:"stopped_by_user,omitempty"`
	CreatedAtMs   int64                 `json:"created_at_ms"`
}

type Store interface {
	// EnsureChat creates the chat row if it does not exist yet.
	EnsureChat(ctx context.Context, chatID, userID, childID string) error

	// AppendQuestion records the user's message for a turn.
	AppendQuestion(ctx context.Context, chatID, text string) error

	// AppendResponse is the ordinary assistant write path.
	AppendResponse(ctx context.Context, chatID, text string, citations []streaming.Citation, stoppedByUser bool) error

	// RecordFirstResponse additionally stores the upstream conversation id on
	// the chat, so later turns can be correlated with the AI backend's own
	// session state. The conversation id only sticks the first time.
	RecordFirstResponse(ctx context.Context, chatID, text string, citations []streaming.Citation, conversationID string, stoppedByUser bool) error

	// ConversationID returns the stored conversation id, or "" when the chat
	// has none yet (which marks the next turn as a first turn).
	ConversationID(ctx context.Context, chatID string) (string, error)

	// Messages lists the chat history in insertion order.
	Messages(ctx context.Context, chatID string) ([]Message, error)

	Close() error
}
