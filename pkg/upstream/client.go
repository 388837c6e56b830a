// Package upstream consumes the AI token-generation service as an opaque
// line-stream producer. The protocol of the lines themselves is understood by
// pkg/streaming; this package only moves lines.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Request carries one turn's question plus the identity context the upstream
// uses for safety filtering. ConversationID is empty on the first turn.
type Request struct {
	UserID         string `json:"user_id"`
	ChildID        string `json:"child_id"`
	ChatID         string `json:"chat_id"`
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// LineStream yields the upstream's protocol lines. Lines is closed when the
// stream ends; Err reports the transport error, if any, after that. Close
// abandons the stream early.
type LineStream interface {
	Lines() <-chan string
	Err() error
	Close() error
}

type Client interface {
	Open(ctx context.Context, req Request) (LineStream, error)
}

// HTTPClient streams from the upstream service over a long-lived HTTP
// response body.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

var _ Client = &HTTPClient{}

type Option func(*HTTPClient)

// WithHeaderTimeout bounds how long a request may wait for the upstream's
// response headers. It does not bound the stream itself: streams are expected
// to stay open for as long as the model talks. A non-positive value is a
// no-op.
func WithHeaderTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d <= 0 {
			return
		}
		c.client.Transport = &http.Transport{ResponseHeaderTimeout: d}
	}
}

// NewHTTPClient builds a client for the given base URL. The underlying
// http.Client carries no overall timeout.
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("upstream: base URL is empty")
	}
	c := &HTTPClient{baseURL: baseURL, client: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *HTTPClient) Open(ctx context.Context, req Request) (LineStream, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, errors.New("upstream: question is empty")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "upstream: encode request")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "upstream: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "upstream: open stream")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, errors.Errorf("upstream: unexpected status %d", resp.StatusCode)
	}

	ls := &httpLineStream{
		lines:  make(chan string),
		cancel: cancel,
		body:   resp.Body,
	}
	go ls.read(streamCtx)
	return ls, nil
}

type httpLineStream struct {
	lines  chan string
	cancel context.CancelFunc
	body   io.ReadCloser

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func (ls *httpLineStream) read(ctx context.Context) {
	defer close(ls.lines)
	scanner := bufio.NewScanner(ls.body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case ls.lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		ls.mu.Lock()
		ls.err = errors.Wrap(err, "upstream: read stream")
		ls.mu.Unlock()
		log.Warn().Err(err).Str("component", "upstream").Msg("stream ended with transport error")
	}
}

func (ls *httpLineStream) Lines() <-chan string {
	return ls.lines
}

func (ls *httpLineStream) Err() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.err
}

func (ls *httpLineStream) Close() error {
	ls.closeOnce.Do(func() {
		ls.cancel()
		_ = ls.body.Close()
	})
	return nil
}
