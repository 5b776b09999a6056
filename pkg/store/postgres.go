package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/synod-labs/synod/pkg/contracts"
)

// uniqueViolation is the Postgres class 23 code for duplicate keys.
const uniqueViolation = "23505"

// PostgresStore backs shared deployments where several processes of
// one conclave write through the same database.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with the given DSN and runs migrations.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore wraps an existing handle and runs migrations.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		event_id       TEXT PRIMARY KEY,
		actor_id       TEXT NOT NULL,
		epoch          BIGINT NOT NULL,
		cycle_id       TEXT NOT NULL,
		kind           TEXT NOT NULL,
		sequence       BIGINT NOT NULL,
		timestamp      TIMESTAMPTZ NOT NULL,
		format_version TEXT NOT NULL,
		client_token   TEXT NOT NULL,
		prev_hash      TEXT NOT NULL,
		chain_hash     TEXT NOT NULL,
		signature      TEXT NOT NULL,
		witnesses      JSONB NOT NULL DEFAULT '[]',
		body           JSONB NOT NULL,
		CONSTRAINT uq_events_actor_parent UNIQUE (actor_id, prev_hash),
		CONSTRAINT uq_events_actor_token UNIQUE (actor_id, client_token),
		CONSTRAINT uq_events_actor_sequence UNIQUE (actor_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_events_cycle ON events (cycle_id, timestamp);

	CREATE TABLE IF NOT EXISTS halt_state (
		scope               TEXT PRIMARY KEY,
		halted              BOOLEAN NOT NULL,
		reason              TEXT NOT NULL DEFAULT '',
		declared_by         TEXT NOT NULL DEFAULT '',
		declared_at         TIMESTAMPTZ,
		unresolved_breaches JSONB NOT NULL DEFAULT '[]'
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, e *contracts.Event) error {
	if err := validateInsert(e); err != nil {
		return err
	}
	witnesses, err := json.Marshal(e.Witnesses)
	if err != nil {
		return fmt.Errorf("marshal witnesses: %w", err)
	}
	query := `INSERT INTO events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = s.db.ExecContext(ctx, query,
		e.EventID, e.ActorID, e.Epoch, e.CycleID, string(e.Kind), e.Sequence,
		e.Timestamp.UTC(), e.FormatVersion, e.ClientToken,
		e.PrevHash, e.ChainHash, e.Signature, string(witnesses), string(e.Body),
	)
	if err != nil {
		return classifyPostgresInsert(err)
	}
	return nil
}

// classifyPostgresInsert maps a 23505 onto the store sentinels by
// constraint name.
func classifyPostgresInsert(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case "uq_events_actor_parent":
		return fmt.Errorf("%w: %v", ErrDuplicateParent, err)
	case "uq_events_actor_token":
		return fmt.Errorf("%w: %v", ErrDuplicateToken, err)
	default:
		return err
	}
}

func (s *PostgresStore) AttachWitness(ctx context.Context, eventID string, w contracts.WitnessSignature) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT witnesses FROM events WHERE event_id = $1 FOR UPDATE`, eventID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var list []contracts.WitnessSignature
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return fmt.Errorf("witness column corrupt for %s: %w", eventID, err)
	}
	for _, existing := range list {
		if existing.WitnessID == w.WitnessID {
			return tx.Commit()
		}
	}
	list = append(list, w)
	updated, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET witnesses = $1 WHERE event_id = $2`, string(updated), eventID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Tip(ctx context.Context, actorID string) (Tip, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chain_hash, sequence, timestamp FROM events WHERE actor_id = $1 ORDER BY sequence DESC LIMIT 1`,
		actorID)
	var t Tip
	err := row.Scan(&t.PrevHash, &t.Sequence, &t.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return emptyTip(actorID), nil
	}
	if err != nil {
		return Tip{}, err
	}
	t.ActorID = actorID
	t.Timestamp = t.Timestamp.UTC()
	return t, nil
}

func (s *PostgresStore) ByID(ctx context.Context, eventID string) (*contracts.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = $1`, eventID)
	return scanPostgresEvent(row)
}

func (s *PostgresStore) ByToken(ctx context.Context, actorID, clientToken string) (*contracts.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE actor_id = $1 AND client_token = $2`, actorID, clientToken)
	return scanPostgresEvent(row)
}

func (s *PostgresStore) Chain(ctx context.Context, actorID string) ([]*contracts.Event, error) {
	return s.list(ctx,
		`SELECT `+eventColumns+` FROM events WHERE actor_id = $1 ORDER BY sequence ASC`, actorID)
}

func (s *PostgresStore) CycleEvents(ctx context.Context, cycleID string) ([]*contracts.Event, error) {
	return s.list(ctx,
		`SELECT `+eventColumns+` FROM events WHERE cycle_id = $1 ORDER BY timestamp ASC, actor_id ASC, sequence ASC`, cycleID)
}

func (s *PostgresStore) All(ctx context.Context) ([]*contracts.Event, error) {
	return s.list(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY timestamp ASC, actor_id ASC, sequence ASC`)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*contracts.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*contracts.Event
	for rows.Next() {
		e, err := scanPostgresEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanPostgresEvent(row rowScanner) (*contracts.Event, error) {
	var e contracts.Event
	var kind, witnesses, body string
	err := row.Scan(
		&e.EventID, &e.ActorID, &e.Epoch, &e.CycleID, &kind, &e.Sequence, &e.Timestamp,
		&e.FormatVersion, &e.ClientToken, &e.PrevHash, &e.ChainHash, &e.Signature,
		&witnesses, &body,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Kind = contracts.Kind(kind)
	e.Timestamp = e.Timestamp.UTC()
	if err := json.Unmarshal([]byte(witnesses), &e.Witnesses); err != nil {
		return nil, fmt.Errorf("witness column corrupt for %s: %w", e.EventID, err)
	}
	e.Body = json.RawMessage(body)
	return &e, nil
}

func (s *PostgresStore) SetHalt(ctx context.Context, scope string, h contracts.HaltState) error {
	breaches, err := json.Marshal(h.UnresolvedBreaches)
	if err != nil {
		return err
	}
	var declaredAt any
	if !h.DeclaredAt.IsZero() {
		declaredAt = h.DeclaredAt.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO halt_state (scope, halted, reason, declared_by, declared_at, unresolved_breaches)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope) DO UPDATE SET
			halted = EXCLUDED.halted,
			reason = EXCLUDED.reason,
			declared_by = EXCLUDED.declared_by,
			declared_at = EXCLUDED.declared_at,
			unresolved_breaches = EXCLUDED.unresolved_breaches`,
		scope, h.Halted, h.Reason, h.DeclaredBy, declaredAt, string(breaches))
	return err
}

func (s *PostgresStore) GetHalt(ctx context.Context, scope string) (contracts.HaltState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT halted, reason, declared_by, declared_at, unresolved_breaches FROM halt_state WHERE scope = $1`, scope)

	var h contracts.HaltState
	var declaredAt sql.NullTime
	var breaches string
	err := row.Scan(&h.Halted, &h.Reason, &h.DeclaredBy, &declaredAt, &breaches)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.HaltState{Scope: scope}, nil
	}
	if err != nil {
		return contracts.HaltState{}, err
	}
	h.Scope = scope
	if declaredAt.Valid {
		h.DeclaredAt = declaredAt.Time.UTC()
	}
	if err := json.Unmarshal([]byte(breaches), &h.UnresolvedBreaches); err != nil {
		return contracts.HaltState{}, fmt.Errorf("halt breaches corrupt: %w", err)
	}
	return h, nil
}

func (s *PostgresStore) Halts(ctx context.Context) ([]contracts.HaltState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, halted, reason, declared_by, declared_at, unresolved_breaches FROM halt_state ORDER BY scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contracts.HaltState
	for rows.Next() {
		var h contracts.HaltState
		var declaredAt sql.NullTime
		var breaches string
		if err := rows.Scan(&h.Scope, &h.Halted, &h.Reason, &h.DeclaredBy, &declaredAt, &breaches); err != nil {
			return nil, err
		}
		if declaredAt.Valid {
			h.DeclaredAt = declaredAt.Time.UTC()
		}
		if err := json.Unmarshal([]byte(breaches), &h.UnresolvedBreaches); err != nil {
			return nil, fmt.Errorf("halt breaches corrupt for %s: %w", h.Scope, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
