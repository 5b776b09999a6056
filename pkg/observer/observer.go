// Package observer is the read-only surface of a conclave: transcript
// reads, audit queries, advisory integrity attestation, cost visibility
// and a live event stream. Nothing in this package writes to the log.
//
// Attestation here is advisory by contract. The observer recomputes
// hashes and signatures off to the side and reports what it finds; only
// the guardian, checking independently on the write path, may halt a
// chain over it.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/synod-labs/synod/pkg/canonical"
	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/crypto"
	"github.com/synod-labs/synod/pkg/guardian"
	"github.com/synod-labs/synod/pkg/metering"
	"github.com/synod-labs/synod/pkg/rituals"
	"github.com/synod-labs/synod/pkg/store"
)

var (
	// ErrUnknownCycle reports a cycle id the fold has never seen.
	ErrUnknownCycle = errors.New("observer: unknown cycle")
	// ErrEmptyQuery reports an audit query with no filter at all.
	ErrEmptyQuery = errors.New("observer: audit query needs at least one filter")
)

// Meter answers live spend queries. metering.Memory and
// metering.Postgres both satisfy it.
type Meter interface {
	Usage(ctx context.Context, cycleID string) (metering.Usage, error)
}

// Observer projects the log and the folded ritual state for readers.
type Observer struct {
	store  store.EventStore
	ring   *crypto.KeyRing
	engine *rituals.Engine
	guard  *guardian.Guardian
	meter  Meter
	logger *slog.Logger

	mu     sync.Mutex
	cached *Attestation
}

// New builds an observer over the given read surfaces.
func New(st store.EventStore, ring *crypto.KeyRing, engine *rituals.Engine, guard *guardian.Guardian) *Observer {
	return &Observer{
		store:  st,
		ring:   ring,
		engine: engine,
		guard:  guard,
		logger: slog.Default().With("component", "observer"),
	}
}

// SetMeter installs the live spend source behind cost reports.
func (o *Observer) SetMeter(m Meter) { o.meter = m }

// Entry is one transcript event with its read-side verification result.
// Events that fail verification are returned flagged, not hidden: a
// reader that filtered out evidence of tampering would defeat itself.
type Entry struct {
	*contracts.Event
	SignatureOK bool   `json:"signature_ok"`
	Problem     string `json:"problem,omitempty"`
}

// Query filters an audit read. Zero fields are wildcards.
type Query struct {
	CycleID string
	ActorID string
	Kind    contracts.Kind
	Limit   int
}

func (q Query) empty() bool {
	return q.CycleID == "" && q.ActorID == "" && q.Kind == ""
}

// Transcript returns a cycle's record in total log order, every
// signature checked. An empty cycle id returns the whole log.
func (o *Observer) Transcript(ctx context.Context, cycleID string, limit int) ([]Entry, error) {
	return o.read(ctx, Query{CycleID: cycleID, Limit: limit})
}

// Audit answers a filtered trail query. At least one filter is
// required; an unbounded dump is the transcript's job.
func (o *Observer) Audit(ctx context.Context, q Query) ([]Entry, error) {
	if q.empty() {
		return nil, ErrEmptyQuery
	}
	return o.read(ctx, q)
}

func (o *Observer) read(ctx context.Context, q Query) ([]Entry, error) {
	var (
		events []*contracts.Event
		err    error
	)
	switch {
	case q.CycleID != "" && q.ActorID == "":
		events, err = o.store.CycleEvents(ctx, q.CycleID)
	case q.ActorID != "" && q.CycleID == "":
		events, err = o.store.Chain(ctx, q.ActorID)
	default:
		events, err = o.store.All(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("observer: read: %w", err)
	}

	entries := make([]Entry, 0, len(events))
	for _, e := range events {
		if q.CycleID != "" && e.CycleID != q.CycleID {
			continue
		}
		if q.ActorID != "" && e.ActorID != q.ActorID {
			continue
		}
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		entries = append(entries, o.verifyEntry(e))
		if q.Limit > 0 && len(entries) >= q.Limit {
			break
		}
	}
	return entries, nil
}

func (o *Observer) verifyEntry(e *contracts.Event) Entry {
	entry := Entry{Event: e, SignatureOK: true}
	recomputed, err := e.ComputeChainHash()
	switch {
	case err != nil:
		entry.SignatureOK = false
		entry.Problem = err.Error()
	case recomputed != e.ChainHash:
		entry.SignatureOK = false
		entry.Problem = fmt.Sprintf("chain hash mismatch: stored %s, recomputed %s", e.ChainHash, recomputed)
	default:
		if err := o.ring.VerifyEvent(e); err != nil {
			entry.SignatureOK = false
			entry.Problem = err.Error()
		}
	}
	return entry
}

// Finding is one advisory integrity problem located in a chain.
type Finding struct {
	ActorID  string `json:"actor_id"`
	EventID  string `json:"event_id"`
	Sequence uint64 `json:"sequence"`
	Problem  string `json:"problem"`
}

// Attestation is an advisory integrity report over every chain. The
// TipDigest names the exact log state the report was derived from;
// Cached reports are served only when that digest still matches.
type Attestation struct {
	At        time.Time `json:"at"`
	TipDigest string    `json:"tip_digest"`
	Chains    int       `json:"chains"`
	Events    int       `json:"events"`
	Findings  []Finding `json:"findings,omitempty"`
	Advisory  bool      `json:"advisory"`
	Cached    bool      `json:"cached"`
}

// Clean reports whether the walk found nothing wrong.
func (a Attestation) Clean() bool { return len(a.Findings) == 0 }

// Attest recomputes every chain hash and signature in the log. The
// previous report is reused when the per-chain tips are unchanged,
// which is exactly the condition under which it is still true.
func (o *Observer) Attest(ctx context.Context) (Attestation, error) {
	events, err := o.store.All(ctx)
	if err != nil {
		return Attestation{}, fmt.Errorf("observer: attest: %w", err)
	}

	chains := make(map[string][]*contracts.Event)
	for _, e := range events {
		chains[e.ActorID] = append(chains[e.ActorID], e)
	}
	digest := tipDigest(chains)

	o.mu.Lock()
	if o.cached != nil && o.cached.TipDigest == digest {
		att := *o.cached
		att.Cached = true
		o.mu.Unlock()
		return att, nil
	}
	o.mu.Unlock()

	att := Attestation{
		At:        time.Now().UTC(),
		TipDigest: digest,
		Chains:    len(chains),
		Events:    len(events),
		Advisory:  true,
	}
	for actor, chain := range chains {
		att.Findings = append(att.Findings, o.attestChain(actor, chain)...)
	}
	sort.Slice(att.Findings, func(i, j int) bool {
		if att.Findings[i].ActorID != att.Findings[j].ActorID {
			return att.Findings[i].ActorID < att.Findings[j].ActorID
		}
		return att.Findings[i].Sequence < att.Findings[j].Sequence
	})

	if !att.Clean() {
		o.logger.Warn("attestation found integrity problems",
			"findings", len(att.Findings), "events", att.Events)
	}

	o.mu.Lock()
	cached := att
	o.cached = &cached
	o.mu.Unlock()
	return att, nil
}

// attestChain walks one identity chain. It mirrors the write-side
// verifier but never reports to the guardian: observers advise.
func (o *Observer) attestChain(actor string, chain []*contracts.Event) []Finding {
	var findings []Finding
	flag := func(e *contracts.Event, problem string) {
		findings = append(findings, Finding{
			ActorID: actor, EventID: e.EventID, Sequence: e.Sequence, Problem: problem,
		})
	}

	prevHash := canonical.Genesis
	var prevSeq uint64
	var prevTS time.Time
	for i, e := range chain {
		if e.Sequence != prevSeq+1 {
			flag(e, fmt.Sprintf("sequence %d follows %d", e.Sequence, prevSeq))
		}
		if e.PrevHash != prevHash {
			flag(e, fmt.Sprintf("prev_hash %s does not link to %s", e.PrevHash, prevHash))
		}
		if i > 0 && !e.Timestamp.After(prevTS) {
			flag(e, fmt.Sprintf("timestamp %s does not advance past %s",
				e.Timestamp.Format(time.RFC3339Nano), prevTS.Format(time.RFC3339Nano)))
		}
		if entry := o.verifyEntry(e); !entry.SignatureOK {
			flag(e, entry.Problem)
		}
		prevHash, prevSeq, prevTS = e.ChainHash, e.Sequence, e.Timestamp
	}
	return findings
}

// tipDigest fingerprints the log by its per-chain tips. Any append to
// any chain changes it, so a matching digest proves a cached report
// still describes the current log.
func tipDigest(chains map[string][]*contracts.Event) string {
	lines := make([]string, 0, len(chains))
	for actor, chain := range chains {
		tip := chain[len(chain)-1]
		lines = append(lines, actor+"="+tip.ChainHash)
	}
	sort.Strings(lines)
	return canonical.HashBytes([]byte(strings.Join(lines, "\n")))
}

// DisclosedCost is the on-record spend disclosure covering one cycle,
// announced in its successor's record.
type DisclosedCost struct {
	EventID          string    `json:"event_id"`
	AnnouncedIn      string    `json:"announced_in"`
	AnnouncedBy      string    `json:"announced_by"`
	ComputeUnits     int64     `json:"compute_units"`
	WallClockSeconds float64   `json:"wall_clock_seconds"`
	At               time.Time `json:"at"`
}

// CostReport is everything known about one cycle's spend: the meter's
// live view plus the sealed disclosure once a successor announces it.
type CostReport struct {
	CycleID   string          `json:"cycle_id"`
	Disclosed *DisclosedCost  `json:"disclosed,omitempty"`
	Live      *metering.Usage `json:"live,omitempty"`
}

// Costs reports the spend of one cycle.
func (o *Observer) Costs(ctx context.Context, cycleID string) (CostReport, error) {
	if _, ok := o.engine.Cycle(cycleID); !ok {
		return CostReport{}, fmt.Errorf("%w: %s", ErrUnknownCycle, cycleID)
	}
	report := CostReport{CycleID: cycleID}

	if successor := o.successorOf(cycleID); successor != "" {
		disclosed, err := o.disclosureIn(ctx, successor)
		if err != nil {
			return CostReport{}, err
		}
		report.Disclosed = disclosed
	}
	if o.meter != nil {
		u, err := o.meter.Usage(ctx, cycleID)
		if err != nil {
			return CostReport{}, fmt.Errorf("observer: live usage: %w", err)
		}
		report.Live = &u
	}
	return report, nil
}

func (o *Observer) successorOf(cycleID string) string {
	for _, id := range o.engine.CycleIDs() {
		if c, ok := o.engine.Cycle(id); ok && c.PrevCycleID == cycleID {
			return id
		}
	}
	return ""
}

func (o *Observer) disclosureIn(ctx context.Context, cycleID string) (*DisclosedCost, error) {
	events, err := o.store.CycleEvents(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("observer: disclosure read: %w", err)
	}
	for _, e := range events {
		if e.Kind != contracts.KindCostSnapshotAnnounced {
			continue
		}
		var body contracts.CostSnapshotAnnouncedBody
		if err := json.Unmarshal(e.Body, &body); err != nil {
			return nil, fmt.Errorf("observer: disclosure body: %w", err)
		}
		return &DisclosedCost{
			EventID:          e.EventID,
			AnnouncedIn:      cycleID,
			AnnouncedBy:      body.AnnouncedBy,
			ComputeUnits:     body.ComputeUnits,
			WallClockSeconds: body.WallClockSeconds,
			At:               e.Timestamp,
		}, nil
	}
	return nil, nil
}

// HaltReport is the standstill view: the core halt row, every scoped
// halt still standing, cessation, the breaches still carrying, and
// everything the fold flagged.
type HaltReport struct {
	Core         contracts.HaltState   `json:"core"`
	Scoped       []contracts.HaltState `json:"scoped,omitempty"`
	Ceased       bool                  `json:"ceased"`
	OpenBreaches []string              `json:"open_breaches,omitempty"`
	Findings     []rituals.Finding     `json:"findings,omitempty"`
}

// Halt reports the current standstill state.
func (o *Observer) Halt(ctx context.Context) (HaltReport, error) {
	core, err := o.guard.Halted(ctx, contracts.HaltScopeCore)
	if err != nil {
		return HaltReport{}, fmt.Errorf("observer: halt read: %w", err)
	}
	rows, err := o.guard.Halts(ctx)
	if err != nil {
		return HaltReport{}, fmt.Errorf("observer: halt rows: %w", err)
	}
	var scoped []contracts.HaltState
	for _, h := range rows {
		if h.Halted && h.Scope != contracts.HaltScopeCore {
			scoped = append(scoped, h)
		}
	}
	return HaltReport{
		Core:         core,
		Scoped:       scoped,
		Ceased:       o.engine.Ceased(),
		OpenBreaches: o.engine.CarrySet(),
		Findings:     o.engine.Findings(),
	}, nil
}

// CycleSummary is the index row for one cycle.
type CycleSummary struct {
	CycleID    string               `json:"cycle_id"`
	Number     uint64               `json:"number"`
	State      contracts.CycleState `json:"state"`
	RosterSize int                  `json:"roster_size"`
	Motions    int                  `json:"motions"`
	Breaches   int                  `json:"breaches"`
}

// Cycles lists every cycle the fold knows, in open order.
func (o *Observer) Cycles(ctx context.Context) []CycleSummary {
	ids := o.engine.CycleIDs()
	out := make([]CycleSummary, 0, len(ids))
	for _, id := range ids {
		c, ok := o.engine.Cycle(id)
		if !ok {
			continue
		}
		out = append(out, CycleSummary{
			CycleID:    c.CycleID,
			Number:     c.Number,
			State:      c.State,
			RosterSize: len(c.Roster),
			Motions:    len(c.Motions),
			Breaches:   len(c.Breaches),
		})
	}
	return out
}

// Overrides lists every override on record, concluded or not.
func (o *Observer) Overrides(ctx context.Context) []rituals.Override {
	ids := o.engine.OverrideIDs()
	out := make([]rituals.Override, 0, len(ids))
	for _, id := range ids {
		if ov, ok := o.engine.Override(id); ok {
			out = append(out, ov)
		}
	}
	return out
}
