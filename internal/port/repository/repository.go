// Package repository defines the narrow persistence port through which the
// coordinator hands off task-graph snapshots and its last-applied event
// cursor. The concrete store is an external collaborator.
package repository

import (
	"context"
	"errors"
)

// ErrNotFound indicates no snapshot or cursor exists for the mission.
var ErrNotFound = errors.New("not found")

// Repository persists per-mission scheduling state.
type Repository interface {
	SaveSnapshot(ctx context.Context, missionID string, snapshot []byte) error
	LoadSnapshot(ctx context.Context, missionID string) ([]byte, error)
	SaveCursor(ctx context.Context, missionID, cursor string) error
	LoadCursor(ctx context.Context, missionID string) (string, error)
}
