package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"taskmaster/internal/policy"
)

// SavePolicy upserts the single policy row.
func (r Repo) SavePolicy(ctx context.Context, tx *sql.Tx, snap policy.Snapshot) error {
	weights, err := json.Marshal(snap.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO policy_state(id,threshold,weights_json,version,updated_at) VALUES (1,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET threshold=excluded.threshold, weights_json=excluded.weights_json, version=excluded.version, updated_at=excluded.updated_at`,
		snap.Threshold, string(weights), snap.Version, formatTime(snap.UpdatedAt))
	return err
}

// LoadPolicy returns ErrNotFound before the first save.
func (r Repo) LoadPolicy(ctx context.Context) (policy.Snapshot, error) {
	var (
		snap    policy.Snapshot
		weights string
		updated string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT threshold,weights_json,version,updated_at FROM policy_state WHERE id=1`).
		Scan(&snap.Threshold, &weights, &snap.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return policy.Snapshot{}, err
	}
	if err := json.Unmarshal([]byte(weights), &snap.Weights); err != nil {
		return policy.Snapshot{}, fmt.Errorf("policy weights: %w", err)
	}
	if snap.UpdatedAt, err = parseTime(updated); err != nil {
		return policy.Snapshot{}, err
	}
	return snap, nil
}
