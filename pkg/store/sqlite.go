package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/synod-labs/synod/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the conclave's chains in a single-file database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time keeps constraint errors deterministic.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing handle and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		event_id       TEXT PRIMARY KEY,
		actor_id       TEXT NOT NULL,
		epoch          INTEGER NOT NULL,
		cycle_id       TEXT NOT NULL,
		kind           TEXT NOT NULL,
		sequence       INTEGER NOT NULL,
		timestamp      TEXT NOT NULL,
		format_version TEXT NOT NULL,
		client_token   TEXT NOT NULL,
		prev_hash      TEXT NOT NULL,
		chain_hash     TEXT NOT NULL,
		signature      TEXT NOT NULL,
		witnesses      TEXT NOT NULL DEFAULT '[]',
		body           TEXT NOT NULL,
		UNIQUE (actor_id, prev_hash),
		UNIQUE (actor_id, client_token),
		UNIQUE (actor_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_events_cycle ON events (cycle_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_actor_seq ON events (actor_id, sequence);

	CREATE TABLE IF NOT EXISTS halt_state (
		scope               TEXT PRIMARY KEY,
		halted              INTEGER NOT NULL,
		reason              TEXT NOT NULL DEFAULT '',
		declared_by         TEXT NOT NULL DEFAULT '',
		declared_at         TEXT NOT NULL DEFAULT '',
		unresolved_breaches TEXT NOT NULL DEFAULT '[]'
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Insert(ctx context.Context, e *contracts.Event) error {
	if err := validateInsert(e); err != nil {
		return err
	}
	witnesses, err := json.Marshal(e.Witnesses)
	if err != nil {
		return fmt.Errorf("marshal witnesses: %w", err)
	}
	query := `INSERT INTO events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		e.EventID, e.ActorID, e.Epoch, e.CycleID, string(e.Kind), e.Sequence,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.FormatVersion, e.ClientToken,
		e.PrevHash, e.ChainHash, e.Signature, string(witnesses), string(e.Body),
	)
	if err != nil {
		return classifySQLiteInsert(err)
	}
	return nil
}

// classifySQLiteInsert maps the driver's constraint message onto the
// store sentinels. SQLite names the columns, not the constraint.
func classifySQLiteInsert(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	switch {
	case strings.Contains(msg, "prev_hash"):
		return fmt.Errorf("%w: %v", ErrDuplicateParent, err)
	case strings.Contains(msg, "client_token"):
		return fmt.Errorf("%w: %v", ErrDuplicateToken, err)
	default:
		return err
	}
}

func (s *SQLiteStore) AttachWitness(ctx context.Context, eventID string, w contracts.WitnessSignature) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT witnesses FROM events WHERE event_id = ?`, eventID).Scan(&raw)
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
			return tx.Commit() // co-signature already recorded
		}
	}
	list = append(list, w)
	updated, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE events SET witnesses = ? WHERE event_id = ?`, string(updated), eventID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Tip(ctx context.Context, actorID string) (Tip, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chain_hash, sequence, timestamp FROM events WHERE actor_id = ? ORDER BY sequence DESC LIMIT 1`,
		actorID)
	var hash, ts string
	var seq uint64
	err := row.Scan(&hash, &seq, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return emptyTip(actorID), nil
	}
	if err != nil {
		return Tip{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Tip{}, fmt.Errorf("timestamp corrupt at tip of %s: %w", actorID, err)
	}
	return Tip{ActorID: actorID, PrevHash: hash, Sequence: seq, Timestamp: parsed}, nil
}

func (s *SQLiteStore) ByID(ctx context.Context, eventID string) (*contracts.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID)
	return scanSQLiteEvent(row)
}

func (s *SQLiteStore) ByToken(ctx context.Context, actorID, clientToken string) (*contracts.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE actor_id = ? AND client_token = ?`, actorID, clientToken)
	return scanSQLiteEvent(row)
}

func (s *SQLiteStore) Chain(ctx context.Context, actorID string) ([]*contracts.Event, error) {
	return s.list(ctx,
		`SELECT `+eventColumns+` FROM events WHERE actor_id = ? ORDER BY sequence ASC`, actorID)
}

func (s *SQLiteStore) CycleEvents(ctx context.Context, cycleID string) ([]*contracts.Event, error) {
	return s.list(ctx,
		`SELECT `+eventColumns+` FROM events WHERE cycle_id = ? ORDER BY timestamp ASC, actor_id ASC, sequence ASC`, cycleID)
}

func (s *SQLiteStore) All(ctx context.Context) ([]*contracts.Event, error) {
	return s.list(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY timestamp ASC, actor_id ASC, sequence ASC`)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*contracts.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*contracts.Event
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row rowScanner) (*contracts.Event, error) {
	var e contracts.Event
	var kind, ts, witnesses, body string
	err := row.Scan(
		&e.EventID, &e.ActorID, &e.Epoch, &e.CycleID, &kind, &e.Sequence, &ts,
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
	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("timestamp corrupt for %s: %w", e.EventID, err)
	}
	if err := json.Unmarshal([]byte(witnesses), &e.Witnesses); err != nil {
		return nil, fmt.Errorf("witness column corrupt for %s: %w", e.EventID, err)
	}
	e.Body = json.RawMessage(body)
	return &e, nil
}

func (s *SQLiteStore) SetHalt(ctx context.Context, scope string, h contracts.HaltState) error {
	breaches, err := json.Marshal(h.UnresolvedBreaches)
	if err != nil {
		return err
	}
	declaredAt := ""
	if !h.DeclaredAt.IsZero() {
		declaredAt = h.DeclaredAt.UTC().Format(time.RFC3339Nano)
	}
	halted := 0
	if h.Halted {
		halted = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO halt_state (scope, halted, reason, declared_by, declared_at, unresolved_breaches)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope) DO UPDATE SET
			halted = excluded.halted,
			reason = excluded.reason,
			declared_by = excluded.declared_by,
			declared_at = excluded.declared_at,
			unresolved_breaches = excluded.unresolved_breaches`,
		scope, halted, h.Reason, h.DeclaredBy, declaredAt, string(breaches))
	return err
}

func (s *SQLiteStore) GetHalt(ctx context.Context, scope string) (contracts.HaltState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT halted, reason, declared_by, declared_at, unresolved_breaches FROM halt_state WHERE scope = ?`, scope)

	var h contracts.HaltState
	var halted int
	var declaredAt, breaches string
	err := row.Scan(&halted, &h.Reason, &h.DeclaredBy, &declaredAt, &breaches)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.HaltState{Scope: scope}, nil
	}
	if err != nil {
		return contracts.HaltState{}, err
	}
	h.Halted = halted != 0
	h.Scope = scope
	if declaredAt != "" {
		h.DeclaredAt, err = time.Parse(time.RFC3339Nano, declaredAt)
		if err != nil {
			return contracts.HaltState{}, fmt.Errorf("halt declared_at corrupt: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(breaches), &h.UnresolvedBreaches); err != nil {
		return contracts.HaltState{}, fmt.Errorf("halt breaches corrupt: %w", err)
	}
	return h, nil
}

func (s *SQLiteStore) Halts(ctx context.Context) ([]contracts.HaltState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, halted, reason, declared_by, declared_at, unresolved_breaches FROM halt_state ORDER BY scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contracts.HaltState
	for rows.Next() {
		var h contracts.HaltState
		var halted int
		var declaredAt, breaches string
		if err := rows.Scan(&h.Scope, &halted, &h.Reason, &h.DeclaredBy, &declaredAt, &breaches); err != nil {
			return nil, err
		}
		h.Halted = halted != 0
		if declaredAt != "" {
			h.DeclaredAt, err = time.Parse(time.RFC3339Nano, declaredAt)
			if err != nil {
				return nil, fmt.Errorf("halt declared_at corrupt for %s: %w", h.Scope, err)
			}
		}
		if err := json.Unmarshal([]byte(breaches), &h.UnresolvedBreaches); err != nil {
			return nil, fmt.Errorf("halt breaches corrupt for %s: %w", h.Scope, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func emptyTip(actorID string) Tip {
	return Tip{ActorID: actorID, PrevHash: genesisHash, Sequence: 0}
}
