package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/scouthq/missioncore/internal/port/eventstream"
)

const (
	eventStreamName     = "MISSION_EVENTS"
	eventSubjectPrefix  = "missions.events."
	defaultReadMaxCount = 64
)

// EventStream implements eventstream.Stream on a second JetStream stream.
// Each (group, channel, key) address maps to its own subject; the JetStream
// stream sequence doubles as the resumable cursor. Retention is bounded by
// entry count and age at the stream level.
type EventStream struct {
	conn *Conn
}

// NewEventStream ensures the event stream exists with the given retention
// bounds (zero disables the respective bound).
func NewEventStream(ctx context.Context, conn *Conn, maxEntries int64, maxAge time.Duration) (*EventStream, error) {
	_, err := conn.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     eventStreamName,
		Subjects: []string{eventSubjectPrefix + ">"},
		MaxMsgs:  maxEntries,
		MaxAge:   maxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("create event stream: %w", err)
	}
	return &EventStream{conn: conn}, nil
}

func eventSubject(addr eventstream.Address) string {
	return eventSubjectPrefix + sanitizeToken(addr.Group) + "." + sanitizeToken(addr.Channel) + "." + sanitizeToken(addr.Key)
}

// Publish appends an event and returns the stream sequence as entry id.
func (s *EventStream) Publish(ctx context.Context, addr eventstream.Address, eventType string, data any, meta map[string]string) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal event data: %w", err)
	}
	if err := eventstream.Validate(addr.Group, addr.Channel, eventType, payload); err != nil {
		return "", err
	}

	ev := eventstream.Event{
		SchemaVersion: eventstream.SchemaVersion,
		Timestamp:     time.Now().UTC(),
		Group:         addr.Group,
		Channel:       addr.Channel,
		Key:           addr.Key,
		Type:          eventType,
		Data:          payload,
		Meta:          meta,
	}
	envelope, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event envelope: %w", err)
	}

	ack, err := s.conn.js.Publish(ctx, eventSubject(addr), envelope)
	if err != nil {
		return "", fmt.Errorf("publish event %s: %w", eventType, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// Read fetches up to maxCount events after fromCursor using an ephemeral
// ordered consumer. A cursor below the first retained sequence replays from
// the oldest available entry, which is JetStream's start-sequence behavior.
func (s *EventStream) Read(ctx context.Context, addr eventstream.Address, fromCursor string, maxCount int, block time.Duration) ([]eventstream.Event, error) {
	if maxCount <= 0 {
		maxCount = defaultReadMaxCount
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{eventSubject(addr)},
	}
	switch fromCursor {
	case "", eventstream.CursorStart:
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	case eventstream.CursorNewest:
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	default:
		seq, err := strconv.ParseUint(fromCursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed cursor %q: %w", fromCursor, err)
		}
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = seq + 1
	}

	cons, err := s.conn.js.OrderedConsumer(ctx, eventStreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("event consumer: %w", err)
	}

	batch, err := cons.Fetch(maxCount, jetstream.FetchMaxWait(block))
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}

	var out []eventstream.Event
	for raw := range batch.Messages() {
		var ev eventstream.Event
		if err := json.Unmarshal(raw.Data(), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if meta, err := raw.Metadata(); err == nil {
			ev.DeliveryID = strconv.FormatUint(meta.Sequence.Stream, 10)
		}
		out = append(out, ev)
	}
	if err := batch.Error(); err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	return out, nil
}

// Close releases the shared connection.
func (s *EventStream) Close() error {
	return s.conn.Close()
}
