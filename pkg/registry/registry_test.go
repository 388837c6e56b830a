package registry

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/curiochat/curio/pkg/session"
)

func key(t *testing.T, chatID, sessionID string) session.Key {
	t.Helper()
	k, err := session.NewKey(chatID, sessionID)
	require.NoError(t, err)
	return k
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New()
	k := key(t, "chat-1", "s1")

	tok, err := r.Register(k)
	require.NoError(t, err)
	require.NotNil(t, tok)

	_, err = r.Register(k)
	require.True(t, errors.Is(err, ErrDuplicateSession))
	require.Equal(t, 1, r.Count())
}

func TestLookupAndCancelFlipsLocalToken(t *testing.T) {
	r := New()
	k := key(t, "chat-1", "s1")
	tok, err := r.Register(k)
	require.NoError(t, err)

	require.True(t, r.LookupAndCancel(k))
	require.True(t, tok.Cancelled())
	select {
	case <-tok.Done():
	default:
		t.Fatal("token done channel not closed")
	}

	// Re-cancelling an already-cancelled key is a safe no-op.
	require.True(t, r.LookupAndCancel(k))
}

func TestLookupAndCancelUnknownKey(t *testing.T) {
	r := New()
	require.False(t, r.LookupAndCancel(key(t, "chat-1", "s1")))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New()
	k := key(t, "chat-1", "s1")
	_, err := r.Register(k)
	require.NoError(t, err)

	r.Unregister(k)
	r.Unregister(k)
	require.Equal(t, 0, r.Count())
	require.False(t, r.LookupAndCancel(k))

	// The key can be reused by an unrelated later session.
	_, err = r.Register(k)
	require.NoError(t, err)
}

func TestCancellingOneSessionLeavesSiblingsAlone(t *testing.T) {
	r := New()
	k1 := key(t, "chat-1", "s1")
	k2 := key(t, "chat-1", "s2")

	tok1, err := r.Register(k1)
	require.NoError(t, err)
	tok2, err := r.Register(k2)
	require.NoError(t, err)

	require.True(t, r.LookupAndCancel(k1))
	require.True(t, tok1.Cancelled())
	require.False(t, tok2.Cancelled())
	select {
	case <-tok2.Done():
		t.Fatal("sibling token must not be cancelled")
	default:
	}
}

func TestConcurrentRegisterSingleWinner(t *testing.T) {
	r := New()
	k := key(t, "chat-1", "s1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Register(k); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)
}
