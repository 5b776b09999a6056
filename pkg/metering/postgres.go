package metering

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres accumulates spend in a shared database so every process of
// one conclave reads the same totals.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects with the given DSN and runs migrations.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("metering: open postgres: %w", err)
	}
	return NewPostgres(db)
}

// NewPostgres wraps an existing handle and runs migrations.
func NewPostgres(db *sql.DB) (*Postgres, error) {
	p := &Postgres{db: db, now: time.Now}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

// One row per cycle; recorders accumulate into it.
const meterSchema = `
CREATE TABLE IF NOT EXISTS cycle_spend (
	cycle_id      TEXT PRIMARY KEY,
	compute_units BIGINT NOT NULL DEFAULT 0,
	wall_seconds  DOUBLE PRECISION NOT NULL DEFAULT 0,
	samples       BIGINT NOT NULL DEFAULT 0,
	last_update   TIMESTAMPTZ NOT NULL
)`

func (p *Postgres) migrate() error {
	if _, err := p.db.Exec(meterSchema); err != nil {
		return fmt.Errorf("metering: migrate: %w", err)
	}
	return nil
}

// Record adds spend against the cycle. The upsert lets concurrent
// recorders accumulate instead of clobbering each other.
func (p *Postgres) Record(ctx context.Context, cycleID string, computeUnits int64, wallSeconds float64) error {
	if err := checkSpend(cycleID, computeUnits, wallSeconds); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cycle_spend (cycle_id, compute_units, wall_seconds, samples, last_update)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (cycle_id) DO UPDATE SET
			compute_units = cycle_spend.compute_units + EXCLUDED.compute_units,
			wall_seconds  = cycle_spend.wall_seconds  + EXCLUDED.wall_seconds,
			samples       = cycle_spend.samples + 1,
			last_update   = EXCLUDED.last_update`,
		cycleID, computeUnits, wallSeconds, p.now().UTC())
	if err != nil {
		return fmt.Errorf("metering: record %s: %w", cycleID, err)
	}
	return nil
}

// Totals reports the accumulated spend. Unmetered cycles read as zero.
func (p *Postgres) Totals(ctx context.Context, cycleID string) (int64, float64, error) {
	u, err := p.Usage(ctx, cycleID)
	if err != nil {
		return 0, 0, err
	}
	return u.ComputeUnits, u.WallSeconds, nil
}

// Usage returns the full spend record for one cycle.
func (p *Postgres) Usage(ctx context.Context, cycleID string) (Usage, error) {
	if cycleID == "" {
		return Usage{}, ErrEmptyCycleID
	}
	u := Usage{CycleID: cycleID}
	err := p.db.QueryRowContext(ctx, `
		SELECT compute_units, wall_seconds, samples, last_update
		FROM cycle_spend WHERE cycle_id = $1`, cycleID).
		Scan(&u.ComputeUnits, &u.WallSeconds, &u.Samples, &u.LastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("metering: usage %s: %w", cycleID, err)
	}
	return u, nil
}

// Close releases the database handle.
func (p *Postgres) Close() error { return p.db.Close() }
