package cancelbus

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/curiochat/curio/pkg/session"
)

const memoryStream = "cancel-requests"

type memoryRecord struct {
	cancelled bool
	expiresAt time.Time
}

// MemoryBus is the single-process Bus: records in a map, broadcast over
// Watermill's in-memory pub/sub. It backs tests and deployments without Redis.
type MemoryBus struct {
	mu      sync.Mutex
	records map[session.Key]*memoryRecord
	pubsub  *gochannel.GoChannel
	ttl     time.Duration
	now     func() time.Time
}

var _ Bus = &MemoryBus{}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		records: map[session.Key]*memoryRecord{},
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			newWatermillLogger(log.Logger),
		),
		ttl: DefaultRecordTTL,
		now: time.Now,
	}
}

func (b *MemoryBus) recordLocked(key session.Key) (*memoryRecord, bool) {
	rec, ok := b.records[key]
	if !ok {
		return nil, false
	}
	if b.now().After(rec.expiresAt) {
		delete(b.records, key)
		return nil, false
	}
	return rec, true
}

func (b *MemoryBus) RegisterSession(_ context.Context, key session.Key) error {
	b.mu.Lock()
	b.records[key] = &memoryRecord{expiresAt: b.now().Add(b.ttl)}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBus) RequestCancel(_ context.Context, key session.Key) (bool, error) {
	b.mu.Lock()
	rec, ok := b.recordLocked(key)
	if ok {
		rec.cancelled = true
	}
	b.mu.Unlock()
	if !ok {
		return false, nil
	}

	payload, err := encodeKey(key)
	if err != nil {
		return true, nil
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if err := b.pubsub.Publish(memoryStream, msg); err != nil {
		log.Warn().Err(err).Str("component", "cancelbus").Str("session", key.String()).Msg("cancel broadcast failed, relying on record poll")
	}
	return true, nil
}

func (b *MemoryBus) IsCancelled(_ context.Context, key session.Key) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.recordLocked(key)
	if !ok {
		return false, nil
	}
	return rec.cancelled, nil
}

func (b *MemoryBus) DeregisterSession(_ context.Context, key session.Key) error {
	b.mu.Lock()
	delete(b.records, key)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan session.Key, error) {
	ch, err := b.pubsub.Subscribe(ctx, memoryStream)
	if err != nil {
		return nil, errors.Wrap(err, "cancelbus: subscribe")
	}
	keys := make(chan session.Key)
	go func() {
		defer close(keys)
		for msg := range ch {
			key, err := decodeKey(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("component", "cancelbus").Msg("skipping malformed cancel message")
				msg.Ack()
				continue
			}
			select {
			case keys <- key:
			case <-ctx.Done():
				msg.Ack()
				return
			}
			msg.Ack()
		}
	}()
	return keys, nil
}

func (b *MemoryBus) Close() error {
	return b.pubsub.Close()
}
