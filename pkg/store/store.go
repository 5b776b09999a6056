// Package store is the durable layer under the append service. Three
// backends share one contract: SQLite for single-node conclaves,
// Postgres for shared deployments, and an in-memory store for tests.
//
// The store enforces the two uniqueness rules the chain depends on at
// the database, not in Go: one child per (actor_id, prev_hash) and one
// event per (actor_id, client_token). A race that slips past the tip
// check upstream dies on the constraint here.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/synod-labs/synod/pkg/canonical"
	"github.com/synod-labs/synod/pkg/contracts"
)

// genesisHash anchors the tip of an empty chain.
const genesisHash = canonical.Genesis

var (
	// ErrNotFound reports a missing event, tip or halt row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateParent reports a second child for the same
	// (actor_id, prev_hash). Upstream treats this as a fork, not a
	// retry.
	ErrDuplicateParent = errors.New("duplicate parent: prev_hash already extended")
	// ErrDuplicateToken reports a replayed (actor_id, client_token).
	// Upstream answers with the original event.
	ErrDuplicateToken = errors.New("duplicate client token")
)

// Tip describes the head of one identity chain.
type Tip struct {
	ActorID   string
	PrevHash  string // chain hash of the newest event, or the genesis sentinel
	Sequence  uint64 // sequence of the newest event, 0 when empty
	Timestamp time.Time
}

// EventStore is the durable contract. Insert is atomic: either the
// whole row lands or nothing does. Events are never updated or deleted;
// the single exception is AttachWitness, which appends co-signatures
// collected after the durable write and touches nothing the chain hash
// covers.
type EventStore interface {
	Insert(ctx context.Context, e *contracts.Event) error
	AttachWitness(ctx context.Context, eventID string, w contracts.WitnessSignature) error

	Tip(ctx context.Context, actorID string) (Tip, error)
	ByID(ctx context.Context, eventID string) (*contracts.Event, error)
	ByToken(ctx context.Context, actorID, clientToken string) (*contracts.Event, error)
	Chain(ctx context.Context, actorID string) ([]*contracts.Event, error)
	CycleEvents(ctx context.Context, cycleID string) ([]*contracts.Event, error)
	All(ctx context.Context) ([]*contracts.Event, error)

	SetHalt(ctx context.Context, scope string, h contracts.HaltState) error
	GetHalt(ctx context.Context, scope string) (contracts.HaltState, error)
	Halts(ctx context.Context) ([]contracts.HaltState, error)

	Close() error
}

// Open selects a backend from the DSN: "memory:" for the in-process
// store, a postgres:// URL for Postgres, anything else is a SQLite
// path.
func Open(dsn string) (EventStore, error) {
	switch {
	case dsn == "" || dsn == "memory:":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(dsn)
	default:
		return OpenSQLite(dsn)
	}
}

// eventColumns is the shared SELECT list; every backend scans rows in
// this order.
const eventColumns = `event_id, actor_id, epoch, cycle_id, kind, sequence, timestamp, format_version, client_token, prev_hash, chain_hash, signature, witnesses, body`

func validateInsert(e *contracts.Event) error {
	if e.EventID == "" || e.ChainHash == "" || e.Signature == "" {
		return fmt.Errorf("event not sealed: id/hash/signature missing")
	}
	if e.ActorID == "" || e.ClientToken == "" {
		return fmt.Errorf("event missing actor id or client token")
	}
	return nil
}
