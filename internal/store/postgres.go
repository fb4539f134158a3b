package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSnapshots archives finished job snapshots in a Postgres table.
type PostgresSnapshots struct {
	pool *pgxpool.Pool
}

// NewPostgresSnapshots creates a pooled connection to Postgres.
func NewPostgresSnapshots(ctx context.Context, dsn string) (*PostgresSnapshots, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresSnapshots{pool: pool}, nil
}

func (p *PostgresSnapshots) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Save upserts the snapshot keyed by job id.
func (p *PostgresSnapshots) Save(ctx context.Context, snap Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO job_snapshots (job_id, version, owner_id, state, body, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE
		SET version = EXCLUDED.version, state = EXCLUDED.state, body = EXCLUDED.body,
		    finished_at = EXCLUDED.finished_at, updated_at = NOW()
	`, snap.Job.JobID, snap.Version, snap.Job.OwnerID, string(snap.Job.State), body, snap.Job.FinishedAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", snap.Job.JobID, err)
	}
	return nil
}

// Load reads every stored snapshot, skipping rows that fail to decode.
func (p *PostgresSnapshots) Load(ctx context.Context) ([]Snapshot, error) {
	rows, err := p.pool.Query(ctx, `SELECT job_id, body FROM job_snapshots ORDER BY finished_at NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return out, fmt.Errorf("scan snapshot: %w", err)
		}
		var snap Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			log.Printf("snapshot %s skipped: decode: %v", id, err)
			continue
		}
		if err := snap.Check(); err != nil {
			log.Printf("snapshot %s skipped: %v", id, err)
			continue
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}
