// Package registry tracks the streams owned by this process. The cancellation
// bus tells every process which session to stop; the registry is how the
// owning process finds the live handle for its local stream.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/curiochat/curio/pkg/session"
)

// ErrDuplicateSession is returned when a key is already registered in this
// process. Two concurrent starts with the same key are a client protocol
// error, not a race to resolve.
var ErrDuplicateSession = errors.New("session already registered")

// Token is the per-session cancellation handle. The stream's goroutine
// selects on Done between lines; any other goroutine may call Cancel.
type Token struct {
	done      chan struct{}
	once      sync.Once
	cancelled atomic.Bool
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Done is closed when the session has been cancelled by the user.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Cancel flips the token. Safe to call more than once.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
	t.once.Do(func() { close(t.done) })
}

func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Registry is the process-local session table. Registration, the subscription
// callback, and finalization all touch it from different goroutines, so every
// access holds the mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[session.Key]*Token
}

func New() *Registry {
	return &Registry{sessions: map[session.Key]*Token{}}
}

// Register adds the key and returns its token, or ErrDuplicateSession if some
// stream in this process already owns the key.
func (r *Registry) Register(key session.Key) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[key]; ok {
		return nil, errors.Wrap(ErrDuplicateSession, key.String())
	}
	tok := newToken()
	r.sessions[key] = tok
	return tok, nil
}

// LookupAndCancel flips the token for a locally owned key. Returns false when
// the key belongs to another process or the stream already finished.
func (r *Registry) LookupAndCancel(key session.Key) bool {
	r.mu.Lock()
	tok, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	tok.Cancel()
	return true
}

// Unregister removes the key. Idempotent.
func (r *Registry) Unregister(key session.Key) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
