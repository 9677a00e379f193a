package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scouthq/missioncore/internal/port/repository"
)

// Repo implements repository.Repository on PostgreSQL.
type Repo struct {
	pool *pgxpool.Pool
}

// NewRepo creates a repository backed by the given connection pool.
func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// SaveSnapshot upserts the task-graph snapshot for a mission.
func (r *Repo) SaveSnapshot(ctx context.Context, missionID string, snapshot []byte) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO mission_snapshots (mission_id, graph, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (mission_id) DO UPDATE SET graph = EXCLUDED.graph, updated_at = now()`,
		missionID, snapshot)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", missionID, err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot or repository.ErrNotFound.
func (r *Repo) LoadSnapshot(ctx context.Context, missionID string) ([]byte, error) {
	var snap []byte
	err := r.pool.QueryRow(ctx,
		`SELECT graph FROM mission_snapshots WHERE mission_id = $1`, missionID).Scan(&snap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", missionID, err)
	}
	return snap, nil
}

// SaveCursor upserts the last-applied event cursor for a mission.
func (r *Repo) SaveCursor(ctx context.Context, missionID, cursor string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO mission_cursors (mission_id, last_cursor, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (mission_id) DO UPDATE SET last_cursor = EXCLUDED.last_cursor, updated_at = now()`,
		missionID, cursor)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", missionID, err)
	}
	return nil
}

// LoadCursor returns the stored cursor or repository.ErrNotFound.
func (r *Repo) LoadCursor(ctx context.Context, missionID string) (string, error) {
	var cursor string
	err := r.pool.QueryRow(ctx,
		`SELECT last_cursor FROM mission_cursors WHERE mission_id = $1`, missionID).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", repository.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load cursor %s: %w", missionID, err)
	}
	return cursor, nil
}
