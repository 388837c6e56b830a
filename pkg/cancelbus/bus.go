// Package cancelbus lets a cancel request issued against any process in the
// fleet reach the process that owns the targeted stream. It combines two
// best-effort signals: a TTL-bounded per-session record (so a request can tell
// whether there is anything to cancel, and so crashed sessions self-expire)
// and a fleet-wide broadcast that every process subscribes to.
package cancelbus

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/curiochat/curio/pkg/session"
)

type Bus interface {
	// RegisterSession creates the cancellation record for a starting stream.
	RegisterSession(ctx context.Context, key session.Key) error

	// RequestCancel returns true iff a session with that key is currently
	// registered anywhere in the fleet. On success it flips the record and
	// broadcasts the key; a failed broadcast after a successful flip still
	// counts as success, because the owner polls the record as a fallback.
	RequestCancel(ctx context.Context, key session.Key) (bool, error)

	// IsCancelled reads the record flag. Used by the owning task as a slow
	// fallback in case the broadcast was lost.
	IsCancelled(ctx context.Context, key session.Key) (bool, error)

	// DeregisterSession deletes the record. Idempotent.
	DeregisterSession(ctx context.Context, key session.Key) error

	// Subscribe delivers every broadcast key to this process, including keys
	// it published itself. Call once per process; the consumer filters to the
	// keys it owns locally.
	Subscribe(ctx context.Context) (<-chan session.Key, error)

	Close() error
}

type cancelPayload struct {
	ChatID    string `json:"chat_id"`
	SessionID string `json:"session_id"`
}

func encodeKey(key session.Key) ([]byte, error) {
	b, err := json.Marshal(cancelPayload{ChatID: key.ChatID, SessionID: key.SessionID})
	if err != nil {
		return nil, errors.Wrap(err, "cancelbus: encode key")
	}
	return b, nil
}

func decodeKey(b []byte) (session.Key, error) {
	var p cancelPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return session.Key{}, errors.Wrap(err, "cancelbus: decode key")
	}
	return session.NewKey(p.ChatID, p.SessionID)
}
