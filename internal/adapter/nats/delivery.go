package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/scouthq/missioncore/internal/port/delivery"
)

const (
	taskStreamName    = "MISSION_TASKS"
	taskSubjectPrefix = "missions.tasks."
	fetchWait         = 5 * time.Second
)

// Delivery implements delivery.Channel on a JetStream work stream. Each
// consumer group maps to a durable consumer with explicit acks; AckWait is
// the visibility window after which un-acked entries are redelivered.
type Delivery struct {
	conn       *Conn
	visibility time.Duration

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
	pending   map[string]jetstream.Msg // group-qualified delivery id -> msg
}

// NewDelivery ensures the task stream exists and returns the channel.
func NewDelivery(ctx context.Context, conn *Conn, visibility time.Duration) (*Delivery, error) {
	_, err := conn.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     taskStreamName,
		Subjects: []string{taskSubjectPrefix + ">"},
	})
	if err != nil {
		return nil, fmt.Errorf("create task stream: %w", err)
	}
	return &Delivery{
		conn:       conn,
		visibility: visibility,
		consumers:  make(map[string]jetstream.Consumer),
		pending:    make(map[string]jetstream.Msg),
	}, nil
}

// Publish appends a runnable-task message; the JetStream sequence is the
// delivery id.
func (d *Delivery) Publish(ctx context.Context, msg delivery.Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal task message: %w", err)
	}
	ack, err := d.conn.js.Publish(ctx, taskSubjectPrefix+sanitizeToken(msg.MissionID), data)
	if err != nil {
		return "", fmt.Errorf("%w: %s", delivery.ErrUnavailable, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// Consume pulls the next message for the group, blocking until one arrives
// or ctx is done. Redeliveries surface with a bumped attempt.
func (d *Delivery) Consume(ctx context.Context, group, _ string) (*delivery.Delivery, error) {
	cons, err := d.consumer(ctx, group)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := cons.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", delivery.ErrUnavailable, err)
		}
		for raw := range batch.Messages() {
			msg, err := delivery.Validate(raw.Data())
			if err != nil {
				// Poisoned entry: terminate it so the group is not wedged.
				_ = raw.Term()
				return nil, err
			}
			meta, err := raw.Metadata()
			if err != nil {
				return nil, fmt.Errorf("delivery metadata: %w", err)
			}
			msg.Attempt += int(meta.NumDelivered) - 1
			id := strconv.FormatUint(meta.Sequence.Stream, 10)

			d.mu.Lock()
			d.pending[group+"/"+id] = raw
			d.mu.Unlock()

			return &delivery.Delivery{Message: *msg, ID: id}, nil
		}
		if err := batch.Error(); err != nil {
			return nil, fmt.Errorf("%w: %s", delivery.ErrUnavailable, err)
		}
		// Fetch window elapsed with no messages; poll again.
	}
}

// Ack acknowledges the delivery for the group. Unknown ids (already acked,
// or redelivered elsewhere after the visibility window) are a no-op.
func (d *Delivery) Ack(_ context.Context, group, deliveryID string) error {
	d.mu.Lock()
	raw, ok := d.pending[group+"/"+deliveryID]
	if ok {
		delete(d.pending, group+"/"+deliveryID)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if err := raw.Ack(); err != nil {
		return fmt.Errorf("%w: ack: %s", delivery.ErrUnavailable, err)
	}
	return nil
}

// Close releases the shared connection.
func (d *Delivery) Close() error {
	return d.conn.Close()
}

func (d *Delivery) consumer(ctx context.Context, group string) (jetstream.Consumer, error) {
	d.mu.Lock()
	if cons, ok := d.consumers[group]; ok {
		d.mu.Unlock()
		return cons, nil
	}
	d.mu.Unlock()

	cons, err := d.conn.js.CreateOrUpdateConsumer(ctx, taskStreamName, jetstream.ConsumerConfig{
		Durable:       sanitizeToken(group),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       d.visibility,
		FilterSubject: taskSubjectPrefix + ">",
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create consumer %s: %s", delivery.ErrUnavailable, group, err)
	}

	d.mu.Lock()
	d.consumers[group] = cons
	d.mu.Unlock()
	return cons, nil
}
