package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/scouthq/missioncore/internal/port/eventstream"
)

type subStream struct {
	events  []eventstream.Event // ascending sequence
	seqs    []uint64
	nextSeq uint64
}

// Stream is an in-memory event channel with count and TTL bounded retention
// per sub-stream.
type Stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	maxLen  int
	ttl     time.Duration
	subs    map[eventstream.Address]*subStream
	closed  bool
	nowFunc func() time.Time
}

// NewStream creates a stream retaining at most maxLen entries per sub-stream,
// each for at most ttl. Zero values disable the respective bound.
func NewStream(maxLen int, ttl time.Duration) *Stream {
	s := &Stream{
		maxLen:  maxLen,
		ttl:     ttl,
		subs:    make(map[eventstream.Address]*subStream),
		nowFunc: time.Now,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish appends an event and returns its entry id.
func (s *Stream) Publish(_ context.Context, addr eventstream.Address, eventType string, data any, meta map[string]string) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal event data: %w", err)
	}
	if err := eventstream.Validate(addr.Group, addr.Channel, eventType, payload); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", eventstream.ErrClosed
	}

	sub, ok := s.subs[addr]
	if !ok {
		sub = &subStream{nextSeq: 1}
		s.subs[addr] = sub
	}
	seq := sub.nextSeq
	sub.nextSeq++

	ev := eventstream.Event{
		SchemaVersion: eventstream.SchemaVersion,
		Timestamp:     s.nowFunc(),
		Group:         addr.Group,
		Channel:       addr.Channel,
		Key:           addr.Key,
		Type:          eventType,
		Data:          payload,
		Meta:          meta,
		DeliveryID:    strconv.FormatUint(seq, 10),
	}
	sub.events = append(sub.events, ev)
	sub.seqs = append(sub.seqs, seq)
	s.trim(sub)
	s.cond.Broadcast()
	return ev.DeliveryID, nil
}

// Read returns up to maxCount events after fromCursor, blocking up to block
// when none are available yet. A cursor older than retention replays from
// the oldest retained entry.
func (s *Stream) Read(ctx context.Context, addr eventstream.Address, fromCursor string, maxCount int, block time.Duration) ([]eventstream.Event, error) {
	if maxCount <= 0 {
		maxCount = 64
	}
	deadline := time.Now().Add(block)
	timer := time.AfterFunc(block, s.cond.Broadcast)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, s.cond.Broadcast)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Resolve the cursor once, before waiting. A live-only tail must stay
	// anchored at the sequence observed on entry; re-resolving after each
	// wakeup would move it past events that arrived while blocked.
	cursor, err := s.resolveCursor(addr, fromCursor)
	if err != nil {
		return nil, err
	}

	for {
		if s.closed {
			return nil, eventstream.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var out []eventstream.Event
		if sub, ok := s.subs[addr]; ok {
			for i, seq := range sub.seqs {
				if seq > cursor {
					out = append(out, sub.events[i])
					if len(out) == maxCount {
						break
					}
				}
			}
		}
		if len(out) > 0 {
			return out, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		s.cond.Wait()
	}
}

// Close wakes all blocked readers with ErrClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// resolveCursor must be called with s.mu held.
func (s *Stream) resolveCursor(addr eventstream.Address, cursor string) (uint64, error) {
	switch cursor {
	case "", eventstream.CursorStart:
		return 0, nil
	case eventstream.CursorNewest:
		if sub, ok := s.subs[addr]; ok {
			return sub.nextSeq - 1, nil
		}
		return 0, nil
	}
	n, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return n, nil
}

// trim must be called with s.mu held.
func (s *Stream) trim(sub *subStream) {
	if s.maxLen > 0 && len(sub.events) > s.maxLen {
		drop := len(sub.events) - s.maxLen
		sub.events = sub.events[drop:]
		sub.seqs = sub.seqs[drop:]
	}
	if s.ttl > 0 {
		cutoff := s.nowFunc().Add(-s.ttl)
		drop := 0
		for drop < len(sub.events) && sub.events[drop].Timestamp.Before(cutoff) {
			drop++
		}
		sub.events = sub.events[drop:]
		sub.seqs = sub.seqs[drop:]
	}
}
