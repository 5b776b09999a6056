// Package contracts defines the wire types of the deliberation core:
// events and their bodies, motions, votes, cycles, leases, and the halt
// record. Everything that crosses a package boundary or lands in a
// store is declared here; behavior lives elsewhere.
package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/synod-labs/synod/pkg/canonical"
)

// FormatVersion is the event format this build writes. Readers accept
// any version with the same major component.
const FormatVersion = "1.0.0"

// EventIDPrefix distinguishes event identifiers from raw digests.
const EventIDPrefix = "ev_"

// WitnessSignature is one witness's co-signature over an event's
// chain hash, collected after the durable write.
type WitnessSignature struct {
	WitnessID string `json:"witness_id"`
	Signature string `json:"signature"`
}

// Event is the atomic unit of the core. Once written it is immutable;
// chain_hash and signature are computed at the trust boundary and never
// accepted from callers.
//
//nolint:govet // fieldalignment: layout mirrors the stored row
type Event struct {
	EventID       string    `json:"event_id"`
	ActorID       string    `json:"actor_id"`
	Epoch         uint64    `json:"epoch"`
	CycleID       string    `json:"cycle_id"`
	Kind          Kind      `json:"kind"`
	Sequence      uint64    `json:"sequence"`
	Timestamp     time.Time `json:"timestamp"`
	FormatVersion string    `json:"format_version"`
	ClientToken   string    `json:"client_token"`

	PrevHash  string             `json:"prev_hash"`
	ChainHash string             `json:"chain_hash"`
	Signature string             `json:"signature"`
	Witnesses []WitnessSignature `json:"witnesses,omitempty"`

	Body json.RawMessage `json:"body"`
}

// chainPayload is the hashable subset of an event. EventID, ChainHash,
// Signature and Witnesses are all derived from or computed over this
// payload and therefore excluded from it.
type chainPayload struct {
	ActorID       string          `json:"actor_id"`
	Epoch         uint64          `json:"epoch"`
	CycleID       string          `json:"cycle_id"`
	Kind          Kind            `json:"kind"`
	Sequence      uint64          `json:"sequence"`
	Timestamp     string          `json:"timestamp"`
	FormatVersion string          `json:"format_version"`
	ClientToken   string          `json:"client_token"`
	Body          json.RawMessage `json:"body"`
	PrevHash      string          `json:"prev_hash"`
}

// ComputeChainHash recomputes the chain hash from the event's header,
// body and prev_hash. The timestamp is pinned to UTC nanoseconds so a
// replayed event hashes identically regardless of host zone.
func (e *Event) ComputeChainHash() (string, error) {
	if e.Body == nil {
		return "", fmt.Errorf("event %s/%d has no body", e.ActorID, e.Sequence)
	}
	payload := chainPayload{
		ActorID:       e.ActorID,
		Epoch:         e.Epoch,
		CycleID:       e.CycleID,
		Kind:          e.Kind,
		Sequence:      e.Sequence,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		FormatVersion: e.FormatVersion,
		ClientToken:   e.ClientToken,
		Body:          e.Body,
		PrevHash:      e.PrevHash,
	}
	return canonical.Hash(payload)
}

// EventIDFor derives the content address for a sealed chain hash.
func EventIDFor(chainHash string) (string, error) {
	hexPart, ok := strings.CutPrefix(chainHash, canonical.HashPrefix)
	if !ok || !canonical.Valid(chainHash) {
		return "", fmt.Errorf("cannot derive event id from malformed hash %q", chainHash)
	}
	return EventIDPrefix + hexPart, nil
}

// CheckFormatVersion accepts an event format written by the same major
// version of the core. Anything else is unreadable, not coercible.
func CheckFormatVersion(v string) error {
	ours, err := semver.NewVersion(FormatVersion)
	if err != nil {
		return fmt.Errorf("builtin format version invalid: %w", err)
	}
	theirs, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("format version %q is not semver: %w", v, err)
	}
	if theirs.Major() != ours.Major() {
		return fmt.Errorf("format version %s incompatible with %s", v, FormatVersion)
	}
	return nil
}
