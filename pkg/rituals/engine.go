package rituals

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/guardian"
	"github.com/synod-labs/synod/pkg/observability"
)

// Engine is the live fold. It subscribes to the ledger's append hook,
// applies each durable event to the shared State, and turns the fold's
// effects into guardian calls: sealing terminal cycles, sealing the
// core on cessation, clearing a core halt when a reform adoption
// authorizes it.
//
// The engine never writes events. Everything it knows comes from the
// log, which is what keeps Fold over the store equal to the state a
// running engine carries.
type Engine struct {
	guard   *guardian.Guardian
	logger  *slog.Logger
	metrics *observability.Metrics

	mu    sync.RWMutex
	state *State
}

// NewEngine builds an engine over the guardian it will drive.
func NewEngine(guard *guardian.Guardian) *Engine {
	return &Engine{
		guard:  guard,
		logger: slog.Default().With("component", "rituals"),
		state:  NewState(),
	}
}

// SetMetrics injects the Prometheus instruments.
func (e *Engine) SetMetrics(m *observability.Metrics) { e.metrics = m }

// Bootstrap replays a log in total order into a fresh state. It is a
// pure fold: no seals, no clears. Halt rows are durable on their own;
// replaying a historical reform clearance could wrongly reopen a core
// halted again later. Returns the number of findings in the log.
func (e *Engine) Bootstrap(events []*contracts.Event) int {
	st := Fold(events)

	e.mu.Lock()
	e.state = st
	e.mu.Unlock()

	for _, f := range st.Findings {
		e.logger.Warn("replay finding",
			"event", f.EventID, "kind", f.Kind, "cycle", f.CycleID, "detail", f.Detail)
	}
	e.logger.Info("ritual state rebuilt",
		"events", len(events), "cycles", len(st.Order), "findings", len(st.Findings))
	return len(st.Findings)
}

// Apply folds one newly durable event and acts on its effects. It is
// the ledger's append hook. A refused transition on a live append
// means an orchestrator wrote an event its own law rejects; that is a
// core defect, and the engine halts the core rather than let the live
// state drift from what a replay would compute.
func (e *Engine) Apply(ev contracts.Event) {
	e.mu.Lock()
	eff, finding := e.state.apply(&ev)
	e.mu.Unlock()

	ctx := context.Background()
	if finding != nil {
		e.logger.Error("refused transition on durable event",
			"event", ev.EventID, "kind", ev.Kind, "cycle", ev.CycleID, "detail", finding.Detail)
		if err := e.guard.DeclareHalt(ctx, contracts.HaltScopeCore,
			contracts.HaltReasonWriteFailure, ev.EventID, nil); err != nil {
			e.logger.Error("halt declaration failed", "event", ev.EventID, "error", err)
		}
		return
	}
	e.act(ctx, ev.EventID, eff)
}

// act executes one transition's effects against the guardian.
func (e *Engine) act(ctx context.Context, causeEventID string, eff effect) {
	if eff.sealScope != "" {
		e.guard.Seal(ctx, eff.sealScope, eff.sealReason, causeEventID)
	}
	if eff.sealCore {
		e.guard.Seal(ctx, contracts.HaltScopeCore, eff.coreReason, causeEventID)
	}
	if eff.clearCore {
		state, err := e.guard.Halted(ctx, contracts.HaltScopeCore)
		switch {
		case err != nil:
			e.logger.Error("core halt lookup failed before reform clearance", "error", err)
		case state.Halted:
			if err := e.guard.ClearForReform(ctx, contracts.HaltScopeCore, eff.clearAuthority); err != nil {
				e.logger.Error("reform clearance failed", "authority", eff.clearAuthority, "error", err)
			}
		}
	}
	if e.metrics != nil && eff.cycleID != "" && eff.toState != "" {
		e.metrics.SetCycleState(eff.cycleID, string(eff.fromState), string(eff.toState))
	}
}

// CycleSnapshot is a read-only copy of one cycle's folded state,
// extended with the derived values the orchestration layer gates on.
type CycleSnapshot struct {
	contracts.Cycle
	OpenEventID     string
	OpenedAt        time.Time
	ClosedAt        time.Time
	CostAnnounced   bool
	Utterances      int
	Suppressions    int
	ExpectedSpeaker string
	AdoptedFiling   contracts.Kind

	Motions             []string
	PendingMotions      []string
	TalliedUnresolved   []string
	Breaches            []string
	UnrespondedBreaches []string
}

// MotionSnapshot is a read-only copy of one motion with its effective
// ballots in first-cast order.
type MotionSnapshot struct {
	contracts.Motion
	Votes           []contracts.Vote
	Tally           *contracts.Tally
	TallyEventID    string
	ResolvedEventID string
}

// Voters is the number of distinct roster members with an effective
// ballot, the quorum numerator.
func (m MotionSnapshot) Voters() int { return len(m.Votes) }

func snapshotCycle(c *CycleRecord) CycleSnapshot {
	s := CycleSnapshot{
		Cycle:         c.Cycle,
		OpenEventID:   c.OpenEventID,
		OpenedAt:      c.OpenedAt,
		ClosedAt:      c.ClosedAt,
		CostAnnounced: c.CostAnnounced,
		Utterances:    c.Utterances,
		Suppressions:  c.Suppressions,
		AdoptedFiling: c.AdoptedFiling,
	}
	s.Roster = append([]string(nil), c.Roster...)
	s.CarriedBreaches = append([]string(nil), c.CarriedBreaches...)
	s.ExpectedSpeaker, _ = c.expectedSpeaker()
	s.Motions = append([]string(nil), c.MotionOrder...)
	for _, id := range c.MotionOrder {
		m := c.Motions[id]
		if m.Status != contracts.MotionPending {
			continue
		}
		s.PendingMotions = append(s.PendingMotions, id)
		if m.Tally != nil {
			s.TalliedUnresolved = append(s.TalliedUnresolved, id)
		}
	}
	s.Breaches = append([]string(nil), c.BreachOrder...)
	s.UnrespondedBreaches = c.unrespondedIn()
	return s
}

func snapshotMotion(m *MotionRecord) MotionSnapshot {
	s := MotionSnapshot{
		Motion:          m.Motion,
		TallyEventID:    m.TallyEventID,
		ResolvedEventID: m.ResolvedEventID,
	}
	s.Supporters = append([]string(nil), m.Supporters...)
	for _, voter := range m.VoteOrder {
		s.Votes = append(s.Votes, m.Votes[voter])
	}
	if m.Tally != nil {
		t := *m.Tally
		s.Tally = &t
	}
	return s
}

func snapshotBreach(b *Breach) Breach {
	c := *b
	c.Responses = append([]BreachResponse(nil), b.Responses...)
	return c
}

// CurrentCycle returns the latest non-terminal cycle, if any.
func (e *Engine) CurrentCycle() (CycleSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := e.state.currentCycle()
	if c == nil {
		return CycleSnapshot{}, false
	}
	return snapshotCycle(c), true
}

// Cycle returns one cycle by id.
func (e *Engine) Cycle(cycleID string) (CycleSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.state.Cycles[cycleID]
	if !ok {
		return CycleSnapshot{}, false
	}
	return snapshotCycle(c), true
}

// CycleIDs returns every cycle id in open order.
func (e *Engine) CycleIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.state.Order...)
}

// Motion returns one motion by id, wherever it was filed.
func (e *Engine) Motion(motionID string) (MotionSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cycleID, ok := e.state.motionIndex[motionID]
	if !ok {
		return MotionSnapshot{}, false
	}
	return snapshotMotion(e.state.Cycles[cycleID].Motions[motionID]), true
}

// Breach returns one breach by id.
func (e *Engine) Breach(breachID string) (Breach, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.state.Breaches[breachID]
	if !ok {
		return Breach{}, false
	}
	return snapshotBreach(b), true
}

// BreachIDs lists every breach on record, sorted.
func (e *Engine) BreachIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.state.Breaches))
	for id := range e.state.Breaches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Override returns one override by id.
func (e *Engine) Override(overrideID string) (Override, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.state.Overrides[overrideID]
	if !ok {
		return Override{}, false
	}
	return *o, true
}

// OverrideIDs lists every override on record, sorted.
func (e *Engine) OverrideIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.state.Overrides))
	for id := range e.state.Overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CarrySet lists the unremedied breaches the next CycleOpened must
// carry, sorted.
func (e *Engine) CarrySet() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.carrySet()
}

// ExpiredOverrides lists overrides past their deadline, unconcluded,
// with no expiry breach filed yet. The watchdog files exactly one
// breach per override off this list.
func (e *Engine) ExpiredOverrides(now time.Time) []Override {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Override
	for _, o := range e.state.Overrides {
		if o.ExpiredAt(now) && o.ExpiryBreachID == "" {
			out = append(out, *o)
		}
	}
	return out
}

// UnresolvedExpiries lists overrides whose expiry breach has no
// response yet. No new cycle opens while any remain.
func (e *Engine) UnresolvedExpiries() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for id, o := range e.state.Overrides {
		if o.ExpiryBreachID == "" {
			continue
		}
		if b, ok := e.state.Breaches[o.ExpiryBreachID]; ok && !b.Responded() {
			out = append(out, id)
		}
	}
	return out
}

// Findings returns every refused transition seen so far.
func (e *Engine) Findings() []Finding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Finding(nil), e.state.Findings...)
}

// Ceased reports whether terminal suspension has been recorded. A
// ceased conclave never takes another event.
func (e *Engine) Ceased() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Ceased
}

// Roster implements the witness roster source. A known cycle serves
// its own roster, terminal or not, so closing events are themselves
// witnessed. System-chain events draw from the current cycle when one
// is open and otherwise from the last roster on record, which keeps
// halt and cessation records witnessed by the people who were seated.
func (e *Engine) Roster(ctx context.Context, cycleID string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if c, ok := e.state.Cycles[cycleID]; ok && len(c.Roster) > 0 {
		return append([]string(nil), c.Roster...), nil
	}
	if c := e.state.currentCycle(); c != nil && len(c.Roster) > 0 {
		return append([]string(nil), c.Roster...), nil
	}
	for i := len(e.state.Order) - 1; i >= 0; i-- {
		c := e.state.Cycles[e.state.Order[i]]
		if len(c.Roster) > 0 {
			return append([]string(nil), c.Roster...), nil
		}
	}
	return nil, nil
}
