// Package memory provides in-process implementations of the delivery,
// eventstream and repository ports. They honor the same contracts as the
// NATS and Postgres adapters (visibility-window redelivery, idempotent acks,
// bounded retention) and back hermetic tests and single-process embedding.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/scouthq/missioncore/internal/port/delivery"
)

type entryState int

const (
	stateAvailable entryState = iota
	stateInflight
	stateAcked
)

type queueEntry struct {
	id  string
	msg delivery.Message
}

type groupView struct {
	state      map[string]entryState
	deadline   map[string]time.Time
	deliveries map[string]int
}

// Delivery is an in-memory delivery channel with competing-consumer groups.
type Delivery struct {
	mu         sync.Mutex
	cond       *sync.Cond
	visibility time.Duration
	entries    []*queueEntry
	groups     map[string]*groupView
	nextID     int64
	closed     bool
}

// NewDelivery creates a channel whose un-acked deliveries become visible
// again after the given window.
func NewDelivery(visibility time.Duration) *Delivery {
	d := &Delivery{
		visibility: visibility,
		groups:     make(map[string]*groupView),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Publish appends a message and returns its delivery id.
func (d *Delivery) Publish(_ context.Context, msg delivery.Message) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", delivery.ErrClosed
	}
	d.nextID++
	id := strconv.FormatInt(d.nextID, 10)
	d.entries = append(d.entries, &queueEntry{id: id, msg: msg})
	d.cond.Broadcast()
	return id, nil
}

// Consume blocks until an entry is available for the group or ctx is done.
// Redeliveries carry an attempt bumped by the number of prior deliveries.
func (d *Delivery) Consume(ctx context.Context, group, _ string) (*delivery.Delivery, error) {
	stop := context.AfterFunc(ctx, d.cond.Broadcast)
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if d.closed {
			return nil, delivery.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		gv := d.group(group)
		now := time.Now()
		for _, e := range d.entries {
			st := gv.state[e.id]
			expired := st == stateInflight && now.After(gv.deadline[e.id])
			if st != stateAvailable && !expired {
				continue
			}
			gv.state[e.id] = stateInflight
			gv.deadline[e.id] = now.Add(d.visibility)
			gv.deliveries[e.id]++
			// Wake waiters once the visibility window lapses.
			time.AfterFunc(d.visibility+time.Millisecond, d.cond.Broadcast)

			msg := e.msg
			msg.Attempt += gv.deliveries[e.id] - 1
			return &delivery.Delivery{Message: msg, ID: e.id}, nil
		}

		d.cond.Wait()
	}
}

// Ack marks the delivery processed for the group. Unknown or already-acked
// ids are a no-op.
func (d *Delivery) Ack(_ context.Context, group, deliveryID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return delivery.ErrClosed
	}
	gv := d.group(group)
	gv.state[deliveryID] = stateAcked
	d.cond.Broadcast()
	return nil
}

// Close wakes all blocked consumers with ErrClosed.
func (d *Delivery) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cond.Broadcast()
	return nil
}

// group must be called with d.mu held.
func (d *Delivery) group(name string) *groupView {
	gv, ok := d.groups[name]
	if !ok {
		gv = &groupView{
			state:      make(map[string]entryState),
			deadline:   make(map[string]time.Time),
			deliveries: make(map[string]int),
		}
		d.groups[name] = gv
	}
	return gv
}
