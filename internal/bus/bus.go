package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/nexus/internal/observability"
)

// ErrNotFound is returned by KV reads for a missing key.
var ErrNotFound = errors.New("bus: key not found")

// Options configures a Bus. Redis is required; the rest have defaults
// matching the teacher's preference for small, explicit config structs
// over a builder.
type Options struct {
	Redis *redis.Client

	// StreamMaxLen caps each topic stream with an approximate MAXLEN
	// trim on every publish, bounding memory for topics nobody consumes.
	StreamMaxLen int64

	// ReadBlock is how long a single XReadGroup call blocks waiting for
	// new entries before looping to check ctx.Done().
	ReadBlock time.Duration

	// ClaimIdle is the minimum idle time before a pending entry from a
	// dead consumer is claimed by another one via XAutoClaim.
	ClaimIdle time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.StreamMaxLen <= 0 {
		out.StreamMaxLen = 10000
	}
	if out.ReadBlock <= 0 {
		out.ReadBlock = 5 * time.Second
	}
	if out.ClaimIdle <= 0 {
		out.ClaimIdle = 30 * time.Second
	}
	return out
}

// Message is a single delivered bus entry. Ack must be called once the
// handler has durably processed it; until then a crashed consumer's
// pending entries remain claimable by another consumer in the same group,
// giving at-least-once delivery.
type Message struct {
	ID      string
	Topic   string
	Payload []byte

	bus   *Bus
	group string
}

// Ack acknowledges the message, removing it from the consumer group's
// pending entries list.
func (m *Message) Ack(ctx context.Context) error {
	return m.bus.rdb.XAck(ctx, m.Topic, m.group, m.ID).Err()
}

// Bus is the at-least-once publish/subscribe layer over named topics,
// backed by Redis streams and consumer groups. It plays the role the
// pulse client plays for goadesign-goa-ai: a thin typed wrapper around a
// shared *redis.Client rather than a standalone broker.
type Bus struct {
	rdb    *redis.Client
	logger *observability.Logger
	opts   Options
}

// New constructs a Bus. It does not create any streams or groups — those
// are created lazily on first Publish/Subscribe.
func New(opts Options, logger *observability.Logger) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("bus: Options.Redis is required")
	}
	return &Bus{rdb: opts.Redis, logger: logger, opts: opts.withDefaults()}, nil
}

// Publish appends payload to topic's stream, trimmed approximately to
// StreamMaxLen. Returns the stream entry id.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: b.opts.StreamMaxLen,
		Approx: true,
		Values: map[string]any{"data": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	return id, nil
}

// ensureGroup creates the consumer group at the tail of the stream if it
// doesn't already exist, creating the stream itself if necessary.
func (b *Bus) ensureGroup(ctx context.Context, topic, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, topic, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("bus: create group %s on %s: %w", group, topic, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Subscribe starts consuming topic under the named consumer group and
// consumer name, returning a channel of delivered messages. The channel
// is closed when ctx is canceled. Multiple consumers sharing the same
// group split the stream's entries between them (competing-consumers);
// multiple distinct groups each see every entry.
//
// Entries pending from a previously-crashed consumer in the same group
// are reclaimed automatically once idle longer than Options.ClaimIdle,
// so a handler that dies mid-processing does not lose the message.
func (b *Bus) Subscribe(ctx context.Context, topic, group, consumer string) (<-chan *Message, error) {
	if err := b.ensureGroup(ctx, topic, group); err != nil {
		return nil, err
	}

	out := make(chan *Message, 64)
	go b.consumeLoop(ctx, topic, group, consumer, out)
	return out, nil
}

func (b *Bus) consumeLoop(ctx context.Context, topic, group, consumer string, out chan *Message) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.reclaimStale(ctx, topic, group, consumer, out)

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    32,
			Block:    b.opts.ReadBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if b.logger != nil {
				b.logger.Warn(ctx, "bus: read group failed", "topic", topic, "group", group, "error", err)
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				msg := entryToMessage(b, topic, group, entry)
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (b *Bus) reclaimStale(ctx context.Context, topic, group, consumer string, out chan *Message) {
	entries, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  b.opts.ClaimIdle,
		Start:    "0",
		Count:    32,
	}).Result()
	if err != nil {
		return
	}
	for _, entry := range entries {
		msg := entryToMessage(b, topic, group, entry)
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func entryToMessage(b *Bus, topic, group string, entry redis.XMessage) *Message {
	var payload []byte
	if v, ok := entry.Values["data"]; ok {
		switch t := v.(type) {
		case string:
			payload = []byte(t)
		case []byte:
			payload = t
		}
	}
	return &Message{ID: entry.ID, Topic: topic, Payload: payload, bus: b, group: group}
}
