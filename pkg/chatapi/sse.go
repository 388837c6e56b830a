package chatapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// sseWriter streams frames to one client. Headers go out lazily on the first
// frame so a request that fails before streaming begins (e.g. a duplicate
// session) can still get a proper error status.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("chatapi: response writer does not support streaming")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) Started() bool {
	return s.started
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// SendData writes a data-only frame.
func (s *sseWriter) SendData(payload any) error {
	return s.send("", payload)
}

// SendEvent writes a named event frame.
func (s *sseWriter) SendEvent(event string, payload any) error {
	return s.send(event, payload)
}

func (s *sseWriter) send(event string, payload any) error {
	s.start()
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "chatapi: encode sse payload")
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return errors.Wrap(err, "chatapi: write sse frame")
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return errors.Wrap(err, "chatapi: write sse frame")
	}
	s.flusher.Flush()
	return nil
}
