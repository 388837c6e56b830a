package cancelbus

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/curiochat/curio/pkg/session"
)

const (
	recordKeyPrefix  = "curio:cancel:"
	DefaultStream    = "curio:cancel-requests"
	DefaultRecordTTL = 2 * time.Hour
)

// RedisConfig configures the Redis-backed bus. Consumer must be unique per
// process: every process gets its own consumer group on the cancel stream so
// the broadcast reaches the whole fleet, not one member of a group.
type RedisConfig struct {
	Addr      string
	Stream    string
	RecordTTL time.Duration
	Consumer  string
}

// RedisBus implements Bus on a Redis instance shared by the fleet. The record
// is a plain TTL key per session; the broadcast travels over a Redis Stream
// via Watermill.
type RedisBus struct {
	client    *redis.Client
	publisher message.Publisher
	stream    string
	recordTTL time.Duration
	consumer  string
}

var _ Bus = &RedisBus{}

func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("cancelbus: redis addr is empty")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = DefaultRecordTTL
	}
	if cfg.Consumer == "" {
		cfg.Consumer = uuid.NewString()
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, newWatermillLogger(log.Logger))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "cancelbus: build publisher")
	}

	return &RedisBus{
		client:    client,
		publisher: pub,
		stream:    cfg.Stream,
		recordTTL: cfg.RecordTTL,
		consumer:  cfg.Consumer,
	}, nil
}

func recordKey(key session.Key) string {
	return recordKeyPrefix + key.String()
}

func (b *RedisBus) RegisterSession(ctx context.Context, key session.Key) error {
	if err := b.client.Set(ctx, recordKey(key), "0", b.recordTTL).Err(); err != nil {
		return errors.Wrap(err, "cancelbus: register session")
	}
	return nil
}

func (b *RedisBus) RequestCancel(ctx context.Context, key session.Key) (bool, error) {
	// SET XX flips the flag only if the record still exists; KeepTTL leaves
	// the original expiry in place.
	ok, err := b.client.SetXX(ctx, recordKey(key), "1", redis.KeepTTL).Result()
	if err != nil {
		return false, errors.Wrap(err, "cancelbus: flip record")
	}
	if !ok {
		return false, nil
	}

	payload, err := encodeKey(key)
	if err != nil {
		return true, nil
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if err := b.publisher.Publish(b.stream, msg); err != nil {
		// The record flip already succeeded; the owner will pick the flag up
		// on its fallback poll, so the cancel is delayed, not lost.
		log.Warn().Err(err).Str("component", "cancelbus").Str("session", key.String()).Msg("cancel broadcast failed, relying on record poll")
	}
	return true, nil
}

func (b *RedisBus) IsCancelled(ctx context.Context, key session.Key) (bool, error) {
	v, err := b.client.Get(ctx, recordKey(key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "cancelbus: read record")
	}
	return v == "1", nil
}

func (b *RedisBus) DeregisterSession(ctx context.Context, key session.Key) error {
	if err := b.client.Del(ctx, recordKey(key)).Err(); err != nil {
		return errors.Wrap(err, "cancelbus: deregister session")
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan session.Key, error) {
	group := "cancel:" + b.consumer
	if err := b.ensureGroupAtTail(ctx, group); err != nil {
		return nil, err
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      b.consumer,
	}, newWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "cancelbus: build subscriber")
	}

	ch, err := sub.Subscribe(ctx, b.stream)
	if err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "cancelbus: subscribe")
	}

	keys := make(chan session.Key)
	go func() {
		defer close(keys)
		defer func() { _ = sub.Close() }()
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

// ensureGroupAtTail creates the consumer group at $ so a fresh process does
// not replay historical cancel requests.
func (b *RedisBus) ensureGroupAtTail(ctx context.Context, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "cancelbus: create consumer group")
	}
	return nil
}

func (b *RedisBus) Close() error {
	if err := b.publisher.Close(); err != nil {
		log.Warn().Err(err).Str("component", "cancelbus").Msg("publisher close failed")
	}
	return b.client.Close()
}
