package memory

import (
	"context"
	"sync"

	"github.com/scouthq/missioncore/internal/port/repository"
)

// Repo is an in-memory snapshot/cursor repository.
type Repo struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	cursors   map[string]string
}

// NewRepo creates an empty repository.
func NewRepo() *Repo {
	return &Repo{
		snapshots: make(map[string][]byte),
		cursors:   make(map[string]string),
	}
}

// SaveSnapshot stores a copy of the snapshot for the mission.
func (r *Repo) SaveSnapshot(_ context.Context, missionID string, snapshot []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	r.snapshots[missionID] = cp
	return nil
}

// LoadSnapshot returns the stored snapshot or repository.ErrNotFound.
func (r *Repo) LoadSnapshot(_ context.Context, missionID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.snapshots[missionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := make([]byte, len(snap))
	copy(cp, snap)
	return cp, nil
}

// SaveCursor stores the last-applied event cursor for the mission.
func (r *Repo) SaveCursor(_ context.Context, missionID, cursor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors[missionID] = cursor
	return nil
}

// LoadCursor returns the stored cursor or repository.ErrNotFound.
func (r *Repo) LoadCursor(_ context.Context, missionID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cursor, ok := r.cursors[missionID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return cursor, nil
}
