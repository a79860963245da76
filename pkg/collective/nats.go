package collective

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamName returns the JetStream stream backing a group.
func StreamName(group string) string {
	return "MOVIELENS_" + strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(group)
}

func subject(group string) string {
	return "movielens.group." + strings.ReplaceAll(group, ".", "_")
}

// EnsureStream creates the group's stream, or updates it if it exists.
// Messages are kept in memory until the group releases them.
func EnsureStream(ctx context.Context, js jetstream.JetStream, group string) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName(group),
		Subjects:  []string{subject(group) + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.MemoryStorage,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring stream for group %s: %w", group, err)
	}
	return stream, nil
}

// NATSTransport carries group messages over a JetStream stream. Members
// read the stream from the start through an ordered consumer, so a member
// that subscribes late still sees every message. Released operations are
// purged from the stream.
type NATSTransport struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	group  string
	logger *slog.Logger

	mu sync.Mutex
	// last maps an operation to the highest stream sequence of its messages
	// seen so far.
	last map[uint64]uint64
}

// NewNATSTransport connects a member of group to the stream on nc.
func NewNATSTransport(ctx context.Context, nc *nats.Conn, group string, logger *slog.Logger) (*NATSTransport, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	stream, err := EnsureStream(ctx, js, group)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NATSTransport{
		js:     js,
		stream: stream,
		group:  group,
		logger: logger,
		last:   make(map[uint64]uint64),
	}, nil
}

func (t *NATSTransport) Publish(ctx context.Context, m Message) error {
	subj := fmt.Sprintf("%s.%s.%d", subject(t.group), m.Op, m.From)
	if _, err := t.js.Publish(ctx, subj, encodeMessage(m)); err != nil {
		return fmt.Errorf("publishing to %s: %w", subj, err)
	}
	return nil
}

func (t *NATSTransport) Subscribe(deliver func(Message)) (func() error, error) {
	ctx := context.Background()
	cons, err := t.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject(t.group) + ".>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer: %w", err)
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		m, err := decodeMessage(msg.Data())
		if err != nil {
			t.logger.Warn("dropping undecodable message", slog.String("subject", msg.Subject()), slog.Any("err", err))
			return
		}
		if meta, err := msg.Metadata(); err == nil {
			t.mu.Lock()
			t.last[m.Seq] = max(t.last[m.Seq], meta.Sequence.Stream)
			t.mu.Unlock()
		}
		deliver(m)
	})
	if err != nil {
		return nil, fmt.Errorf("consuming group stream: %w", err)
	}
	return func() error {
		cc.Stop()
		return nil
	}, nil
}

// Release purges every stream message of operations up to and including
// seq. The caller guarantees all members have consumed them; the messages
// of one operation precede those of any later one in the stream, so
// purging below the last sequence seen for seq removes nothing newer.
func (t *NATSTransport) Release(ctx context.Context, seq uint64) error {
	t.mu.Lock()
	var upTo uint64
	for s, streamSeq := range t.last {
		if s <= seq {
			upTo = max(upTo, streamSeq)
			delete(t.last, s)
		}
	}
	t.mu.Unlock()
	if upTo == 0 {
		return nil
	}
	if err := t.stream.Purge(ctx, jetstream.WithPurgeSequence(upTo+1)); err != nil {
		return fmt.Errorf("purging group stream below %d: %w", upTo+1, err)
	}
	return nil
}
