package session

import (
	"strings"

	"github.com/pkg/errors"
)

// Key identifies one concurrent stream: a chat plus the device/tab driving it.
// Two devices on the same chat get distinct keys and fully independent streams.
type Key struct {
	ChatID    string
	SessionID string
}

func NewKey(chatID, sessionID string) (Key, error) {
	chatID = strings.TrimSpace(chatID)
	sessionID = strings.TrimSpace(sessionID)
	if chatID == "" {
		return Key{}, errors.New("session key: chatID is empty")
	}
	if sessionID == "" {
		return Key{}, errors.New("session key: sessionID is empty")
	}
	return Key{ChatID: chatID, SessionID: sessionID}, nil
}

func (k Key) String() string {
	return k.ChatID + "/" + k.SessionID
}

func (k Key) IsZero() bool {
	return k.ChatID == "" && k.SessionID == ""
}
