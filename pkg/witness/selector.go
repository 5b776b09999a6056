// Package witness implements attestation duty: deterministic selection
// of co-signers seeded by the prior chain hash, collection of their
// signatures after the durable write, and the frequency monitor that
// flags pairs attesting together too often.
package witness

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/crypto/sha3"

	"github.com/synod-labs/synod/pkg/canonical"
	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/crypto"
	"github.com/synod-labs/synod/pkg/guardian"
)

// DefaultMin is the witness floor when no override is configured.
const DefaultMin = 2

// shuffleRounds is fixed for the life of a deployment; changing it
// changes every historical selection.
const shuffleRounds = 10

// shuffleDomain separates selection digests from every other hash in
// the system; a chain hash can never double as a shuffle value.
const shuffleDomain = "synod.witness.v1"

// RosterSource reports which identities sit in a cycle and may be
// drawn for witness duty.
type RosterSource interface {
	Roster(ctx context.Context, cycleID string) ([]string, error)
}

// StaticRoster serves one fixed identity list for every cycle.
type StaticRoster []string

func (r StaticRoster) Roster(ctx context.Context, cycleID string) ([]string, error) {
	return r, nil
}

// SignerSource hands out the live signing key for a witness. The
// identity gate implements it; a witness whose lease lapsed mid-round
// fails here and is skipped, never substituted.
type SignerSource interface {
	LiveSigner(ctx context.Context, actorID string) (crypto.Signer, error)
}

// Selector chooses and runs the witness round for each sealed event.
// Selection is a pure function of the previous chain hash and the
// eligible pool, so any replica can recompute who owed a signature.
type Selector struct {
	roster  RosterSource
	signers SignerSource
	guard   *guardian.Guardian
	logger  *slog.Logger
	monitor *Monitor
	min     int
}

// NewSelector wires the round. min below the floor is raised to it.
func NewSelector(roster RosterSource, signers SignerSource, guard *guardian.Guardian, min int) *Selector {
	if min < DefaultMin {
		min = DefaultMin
	}
	return &Selector{
		roster:  roster,
		signers: signers,
		guard:   guard,
		logger:  slog.Default().With("component", "witness"),
		min:     min,
	}
}

// SetMonitor attaches the pair-frequency monitor to the round.
func (s *Selector) SetMonitor(m *Monitor) { s.monitor = m }

// RequiredFor returns how many co-signers a kind needs. Cessation and
// override events carry one more than the floor; they are the events
// most worth contesting later.
func (s *Selector) RequiredFor(kind contracts.Kind) int {
	switch kind {
	case contracts.KindSuspensionBegan,
		contracts.KindOverrideInvoked,
		contracts.KindOverrideConcluded:
		return s.min + 1
	default:
		return s.min
	}
}

// CoSign runs the witness round for a sealed, durably stored event.
// Witnesses attest to the chain hash only; their signatures arrive
// after the write and their absence never invalidates the event.
func (s *Selector) CoSign(ctx context.Context, e *contracts.Event) ([]contracts.WitnessSignature, error) {
	roster, err := s.roster.Roster(ctx, e.CycleID)
	if err != nil {
		return nil, fmt.Errorf("witness roster for cycle %s: %w", e.CycleID, err)
	}
	pool := s.eligible(ctx, roster, e.ActorID)
	if len(pool) == 0 {
		return nil, nil
	}

	want := s.RequiredFor(e.Kind)
	chosen := Select(seedFrom(e.PrevHash, e.ActorID), pool, want)

	sigs := make([]contracts.WitnessSignature, 0, len(chosen))
	for _, id := range chosen {
		signer, err := s.signers.LiveSigner(ctx, id)
		if err != nil {
			s.logger.Warn("witness unavailable", "witness", id, "event", e.EventID, "error", err)
			continue
		}
		w, err := signer.WitnessSign(e.ChainHash)
		if err != nil {
			s.logger.Warn("witness signature failed", "witness", id, "event", e.EventID, "error", err)
			continue
		}
		sigs = append(sigs, w)
	}
	if len(sigs) < want {
		s.logger.Warn("witness round under strength",
			"event", e.EventID, "kind", e.Kind, "want", want, "got", len(sigs))
	}
	if s.monitor != nil && len(sigs) > 1 {
		s.monitor.Observe(ctx, e, sigs)
	}
	return sigs, nil
}

// eligible drops the writing actor and any identity whose own chain is
// halted. A halted identity keeps its history but loses duty.
func (s *Selector) eligible(ctx context.Context, roster []string, actorID string) []string {
	pool := make([]string, 0, len(roster))
	seen := make(map[string]bool, len(roster))
	for _, id := range roster {
		if id == "" || id == actorID || seen[id] {
			continue
		}
		seen[id] = true
		if s.guard != nil {
			state, err := s.guard.Halted(ctx, contracts.ChainScope(id))
			if err != nil || state.Halted {
				continue
			}
		}
		pool = append(pool, id)
	}
	return pool
}

// seedFrom derives the selection seed. The previous chain hash is
// outside the writer's control at append time, which is the point: a
// writer cannot steer who watches it. The first event of a chain has
// no prior hash, so the seed falls back to the actor id.
func seedFrom(prevHash, actorID string) [32]byte {
	if raw, err := canonical.Bytes(prevHash); err == nil && len(raw) == 32 {
		var seed [32]byte
		copy(seed[:], raw)
		return seed
	}
	return sha3.Sum256([]byte(shuffleDomain + ":" + canonical.Genesis + ":" + actorID))
}

// Select returns the witness set: pool entries ranked by their
// shuffled position under the seed, first want taken. The pool is
// sorted before ranking so every replica derives the same set from
// the same membership.
func Select(seed [32]byte, pool []string, want int) []string {
	if want <= 0 || len(pool) == 0 {
		return nil
	}
	sorted := append([]string(nil), pool...)
	sort.Strings(sorted)
	if want > len(sorted) {
		want = len(sorted)
	}

	n := uint64(len(sorted))
	type slot struct {
		pos uint64
		id  string
	}
	slots := make([]slot, len(sorted))
	for i, id := range sorted {
		slots[i] = slot{pos: permute(uint64(i), n, seed), id: id}
	}
	sort.Slice(slots, func(a, b int) bool { return slots[a].pos < slots[b].pos })

	out := make([]string, want)
	for i := range out {
		out[i] = slots[i].id
	}
	return out
}

// permute maps one index of a size-element list to its shuffled
// position, swap-or-not style: each round derives a pivot from the
// seed, mirrors the index across it, and a seed-derived bit at the
// higher position decides whether the swap is taken. Both members of
// a mirrored pair read the same bit, so each round is a clean
// transposition and the whole walk a permutation.
func permute(index, size uint64, seed [32]byte) uint64 {
	if size <= 1 {
		return index
	}
	for round := uint64(0); round < shuffleRounds; round++ {
		pivotIn := make([]byte, 0, len(shuffleDomain)+33)
		pivotIn = append(pivotIn, shuffleDomain...)
		pivotIn = append(pivotIn, seed[:]...)
		pivotIn = append(pivotIn, byte(round))
		ph := sha3.Sum256(pivotIn)
		pivot := binary.LittleEndian.Uint64(ph[:8]) % size

		flip := (pivot + size - index) % size
		position := index
		if flip > position {
			position = flip
		}

		bitIn := make([]byte, 0, len(shuffleDomain)+37)
		bitIn = append(bitIn, shuffleDomain...)
		bitIn = append(bitIn, seed[:]...)
		bitIn = append(bitIn, byte(round))
		var chunk [4]byte
		binary.LittleEndian.PutUint32(chunk[:], uint32(position/256))
		bitIn = append(bitIn, chunk[:]...)
		digest := sha3.Sum256(bitIn)
		bit := (digest[(position%256)/8] >> (position % 8)) & 1
		if bit == 1 {
			index = flip
		}
	}
	return index
}
