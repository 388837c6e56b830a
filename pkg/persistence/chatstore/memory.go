package chatstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/curiochat/curio/pkg/streaming"
)

type memoryChat struct {
	userID         string
	childID        string
	conversationID string
}

// MemoryStore backs tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.Mutex
	chats    map[string]*memoryChat
	messages []Message
	nextID   int64
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chats: map[string]*memoryChat{}, nextID: 1}
}

func (s *MemoryStore) EnsureChat(_ context.Context, chatID, userID, childID string) error {
	if strings.TrimSpace(chatID) == "" {
		return errors.New("memory chat store: chatID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		s.chats[chatID] = &memoryChat{userID: userID, childID: childID}
	}
	return nil
}

func (s *MemoryStore) AppendQuestion(_ context.Context, chatID, text string) error {
	return s.append(chatID, RoleUser, text, nil, false)
}

func (s *MemoryStore) AppendResponse(_ context.Context, chatID, text string, citations []streaming.Citation, stoppedByUser bool) error {
	return s.append(chatID, RoleAssistant, text, citations, stoppedByUser)
}

func (s *MemoryStore) RecordFirstResponse(_ context.Context, chatID, text string, citations []streaming.Citation, conversationID string, stoppedByUser bool) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("memory chat store: conversationID is empty")
	}
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	if ok && chat.conversationID == "" {
		chat.conversationID = conversationID
	}
	s.mu.Unlock()
	return s.append(chatID, RoleAssistant, text, citations, stoppedByUser)
}

func (s *MemoryStore) ConversationID(_ context.Context, chatID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chat, ok := s.chats[chatID]; ok {
		return chat.conversationID, nil
	}
	return "", nil
}

func (s *MemoryStore) Messages(_ context.Context, chatID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Message{}
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) append(chatID, role, text string, citations []streaming.Citation, stoppedByUser bool) error {
	if strings.TrimSpace(chatID) == "" {
		return errors.New("memory chat store: chatID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{
		ID:            s.nextID,
		ChatID:        chatID,
		Role:          role,
		Content:       text,
		Citations:     append([]streaming.Citation(nil), citations...),
		StoppedByUser: stoppedByUser,
		CreatedAtMs:   time.Now().UnixMilli(),
	})
	s.nextID++
	return nil
}
