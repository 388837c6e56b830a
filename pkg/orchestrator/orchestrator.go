// Package orchestrator drives one chat turn end to end: it opens the upstream
// line stream, folds events into the per-session accumulator, forwards deltas
// to the client, races the stream against the fleet-wide cancellation signal,
// and persists exactly one consolidated result however the turn ends.
package orchestrator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/curiochat/curio/pkg/cancelbus"
	"github.com/curiochat/curio/pkg/persistence/chatstore"
	"github.com/curiochat/curio/pkg/registry"
	"github.com/curiochat/curio/pkg/session"
	"github.com/curiochat/curio/pkg/streaming"
	"github.com/curiochat/curio/pkg/upstream"
)

// Reason describes how a turn terminated.
type Reason string

const (
	ReasonCompleted     Reason = "completed"
	ReasonCancelled     Reason = "cancelled"
	ReasonUpstreamError Reason = "upstream_error"
)

// TurnRequest is one question from one device on one chat.
type TurnRequest struct {
	ChatID    string
	SessionID string
	UserID    string
	ChildID   string
	Question  string
}

// ForwardFunc relays one text delta to the client as it arrives. A failing
// forward stops further forwarding but never stops accumulation.
type ForwardFunc func(delta string) error

// Result is the consolidated outcome of a turn.
type Result struct {
	Key             session.Key
	Reason          Reason
	Text            string
	ConversationID  string
	Citations       []streaming.Citation
	CancelledByUser bool
	Persisted       bool
	UpstreamErr     error
}

const defaultPollInterval = 5 * time.Second

type Orchestrator struct {
	registry *registry.Registry
	bus      cancelbus.Bus
	store    chatstore.Store
	upstream upstream.Client

	pollInterval time.Duration
}

type Option func(*Orchestrator)

// WithPollInterval tunes how often the owning task falls back to reading the
// cancellation record directly. The broadcast is the primary signal; this
// only bounds how late a lost broadcast is noticed.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func New(reg *registry.Registry, bus cancelbus.Bus, store chatstore.Store, up upstream.Client, opts ...Option) (*Orchestrator, error) {
	if reg == nil {
		return nil, errors.New("orchestrator: registry is nil")
	}
	if bus == nil {
		return nil, errors.New("orchestrator: bus is nil")
	}
	if store == nil {
		return nil, errors.New("orchestrator: store is nil")
	}
	if up == nil {
		return nil, errors.New("orchestrator: upstream client is nil")
	}
	o := &Orchestrator{
		registry:     reg,
		bus:          bus,
		store:        store,
		upstream:     up,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run pumps the fleet-wide cancellation subscription into the local registry.
// Every process runs exactly one of these; keys owned elsewhere are ignored.
func (o *Orchestrator) Run(ctx context.Context) error {
	keys, err := o.bus.Subscribe(ctx)
	if err != nil {
		return errors.Wrap(err, "orchestrator: subscribe to cancel bus")
	}
	log.Info().Str("component", "orchestrator").Msg("cancellation subscription started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case key, ok := <-keys:
			if !ok {
				return nil
			}
			if o.registry.LookupAndCancel(key) {
				log.Info().Str("component", "orchestrator").Str("session", key.String()).Msg("cancelling local stream")
			} else {
				log.Debug().Str("component", "orchestrator").Str("session", key.String()).Msg("cancel signal for session not owned here")
			}
		}
	}
}

// RequestCancel is the externally callable mutator besides StreamTurn. It
// signals whichever process owns the key; false means there was nothing live
// to cancel.
func (o *Orchestrator) RequestCancel(ctx context.Context, key session.Key) (bool, error) {
	return o.bus.RequestCancel(ctx, key)
}

// StreamTurn runs one session from Starting through Terminated. It returns
// registry.ErrDuplicateSession (wrapped) when the key is already live in this
// process, and a persistence error when the final write failed; in the latter
// case the returned Result still describes the turn and the session has been
// fully deregistered.
func (o *Orchestrator) StreamTurn(ctx context.Context, req TurnRequest, forward ForwardFunc) (*Result, error) {
	key, err := session.NewKey(req.ChatID, req.SessionID)
	if err != nil {
		return nil, err
	}

	// Starting: claim the key locally, then fleet-wide.
	tok, err := o.registry.Register(key)
	if err != nil {
		return nil, err
	}
	if err := o.bus.RegisterSession(ctx, key); err != nil {
		o.registry.Unregister(key)
		return nil, errors.Wrap(err, "orchestrator: register on cancel bus")
	}
	defer o.deregister(ctx, key)

	convID, err := o.store.ConversationID(ctx, req.ChatID)
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator: look up conversation id")
	}
	acc := streaming.NewAccumulator(convID == "")

	if err := o.store.EnsureChat(ctx, req.ChatID, req.UserID, req.ChildID); err != nil {
		return nil, errors.Wrap(err, "orchestrator: ensure chat")
	}
	if err := o.store.AppendQuestion(ctx, req.ChatID, req.Question); err != nil {
		return nil, errors.Wrap(err, "orchestrator: persist question")
	}

	stream, err := o.upstream.Open(ctx, upstream.Request{
		UserID:         req.UserID,
		ChildID:        req.ChildID,
		ChatID:         req.ChatID,
		Question:       req.Question,
		ConversationID: convID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator: open upstream stream")
	}
	defer func() { _ = stream.Close() }()

	turnLog := log.With().Str("component", "orchestrator").Str("session", key.String()).Bool("first_turn", acc.FirstTurn()).Logger()
	turnLog.Info().Msg("streaming started")

	res := &Result{Key: key, Reason: ReasonCompleted}
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

streaming:
	for {
		// A flipped token always wins over a ready line, so no delta is
		// applied after cancellation even when the upstream keeps talking.
		select {
		case <-tok.Done():
			res.Reason = ReasonCancelled
			acc.MarkCancelled()
			break streaming
		default:
		}

		select {
		case <-tok.Done():
			res.Reason = ReasonCancelled
			acc.MarkCancelled()
			break streaming
		case <-ctx.Done():
			res.Reason = ReasonUpstreamError
			res.UpstreamErr = errors.Wrap(ctx.Err(), "request context done")
			break streaming
		case <-ticker.C:
			cancelled, err := o.bus.IsCancelled(ctx, key)
			if err != nil {
				turnLog.Warn().Err(err).Msg("cancellation record poll failed")
				continue
			}
			if cancelled {
				tok.Cancel()
			}
		case line, ok := <-stream.Lines():
			if !ok {
				if err := stream.Err(); err != nil {
					res.Reason = ReasonUpstreamError
					res.UpstreamErr = err
				}
				break streaming
			}
			forward = applyLine(acc, line, forward, turnLog)
		}
	}

	turnLog.Info().Str("reason", string(res.Reason)).Int("text_len", len(acc.Text())).Msg("streaming finished")
	if err := o.finalize(ctx, req.ChatID, acc, res); err != nil {
		return res, err
	}
	return res, nil
}

// applyLine folds one protocol line into the accumulator and forwards any
// text delta. Returns the forward func to use next, dropping it permanently
// after the first failed send.
func applyLine(acc *streaming.Accumulator, line string, forward ForwardFunc, turnLog zerolog.Logger) ForwardFunc {
	ev := streaming.ParseLine(line)
	if ev.Kind != streaming.EventData {
		// Marker lines announce the shape of the next data line; the payload
		// handling itself is unified on the data line.
		return forward
	}
	if id, ok := streaming.ConversationID(ev.Payload); ok {
		acc.SetConversationID(id)
	}
	if cits := streaming.Citations(ev.Payload); len(cits) > 0 {
		acc.AddCitations(cits)
	}
	if delta, ok := streaming.TextDelta(ev.Payload); ok && delta != "" {
		acc.AppendText(delta)
		if forward != nil {
			if err := forward(delta); err != nil {
				turnLog.Warn().Err(err).Msg("client forward failed, continuing without forwarding")
				return nil
			}
		}
	}
	return forward
}

// finalize deregisters and issues the single persistence write. It runs on a
// detached context so a disconnected client cannot abort it.
func (o *Orchestrator) finalize(ctx context.Context, chatID string, acc *streaming.Accumulator, res *Result) error {
	o.deregister(ctx, res.Key)

	res.Text = acc.Text()
	res.ConversationID = acc.ConversationID()
	res.Citations = acc.Citations()
	res.CancelledByUser = acc.CancelledByUser()

	if !acc.HasContent() {
		return nil
	}

	persistCtx := context.WithoutCancel(ctx)
	var err error
	if acc.FirstTurn() && acc.ConversationID() != "" {
		err = o.store.RecordFirstResponse(persistCtx, chatID, acc.Text(), acc.Citations(), acc.ConversationID(), acc.CancelledByUser())
	} else {
		err = o.store.AppendResponse(persistCtx, chatID, acc.Text(), acc.Citations(), acc.CancelledByUser())
	}
	if err != nil {
		return errors.Wrap(err, "orchestrator: persist response")
	}
	res.Persisted = true
	return nil
}

// deregister tears down both registrations. Idempotent: finalize and the
// deferred cleanup may both get here.
func (o *Orchestrator) deregister(ctx context.Context, key session.Key) {
	if err := o.bus.DeregisterSession(context.WithoutCancel(ctx), key); err != nil {
		log.Warn().Err(err).Str("component", "orchestrator").Str("session", key.String()).Msg("cancel bus deregister failed")
	}
	o.registry.Unregister(key)
}
