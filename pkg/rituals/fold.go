// Package rituals holds the ceremony law of the conclave: the cycle
// boundary, continuation, dissolution, breach acknowledgment, override
// and cessation machines, derived from the event log and nothing else.
//
// Fold is a pure function. The same events in the same order always
// yield the same State; the live engine applies the very same fold
// incrementally, so rebuilding from the log reproduces the running
// system exactly. An event whose transition the fold refuses stays on
// chain but contributes no state; the refusal is recorded as a Finding
// and, on a live append, treated as grounds to halt.
package rituals

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/quarantine"
)

// fractionTolerance bounds float drift when revalidating declared
// fractions against recomputed ones.
const fractionTolerance = 1e-9

// Finding records an event whose transition the fold refused. The
// event is durable and signed; only its ritual effect is void.
type Finding struct {
	EventID string
	Kind    contracts.Kind
	CycleID string
	Detail  string
}

// BreachResponse is one answer to a declared breach.
type BreachResponse struct {
	CycleID     string
	ResponderID string
	Response    string
	Resolution  string
	At          time.Time
}

// Breach is the folded record of one declared violation. A breach
// stays open until a response resolves it as remedied; acknowledged
// and disputed responses keep it carrying across cycle boundaries.
type Breach struct {
	BreachID    string
	Kind        string
	Subject     string
	Description string
	DeclaredBy  string
	DeclaredIn  string
	DeclaredAt  time.Time
	Responses   []BreachResponse
}

// Remedied reports whether any response settled the breach.
func (b *Breach) Remedied() bool {
	for _, r := range b.Responses {
		if r.Resolution == contracts.ResolutionRemedied {
			return true
		}
	}
	return false
}

// RespondedIn reports whether the breach was answered within a cycle.
func (b *Breach) RespondedIn(cycleID string) bool {
	for _, r := range b.Responses {
		if r.CycleID == cycleID {
			return true
		}
	}
	return false
}

// Responded reports whether the breach has any answer at all.
func (b *Breach) Responded() bool {
	return len(b.Responses) > 0
}

// Override is the folded record of one operator override window.
type Override struct {
	OverrideID     string
	CycleID        string
	InvokedBy      string
	Declaration    string
	Scope          string
	InvokedAt      time.Time
	Deadline       time.Time
	Concluded      bool
	ConcludedAt    time.Time
	Outcome        string
	ExpiryBreachID string
}

// ExpiredAt reports whether the window has lapsed unconcluded.
func (o *Override) ExpiredAt(now time.Time) bool {
	return !o.Concluded && now.After(o.Deadline)
}

// MotionRecord folds a filing with its effective ballots and its
// resolution. Votes holds at most one ballot per voter: a later
// VoteCast on the voter's own chain replaces the earlier one until
// VoteTallied freezes the set.
type MotionRecord struct {
	contracts.Motion
	Votes           map[string]contracts.Vote
	VoteOrder       []string
	Tally           *contracts.Tally
	TallyEventID    string
	ResolvedEventID string
}

// tallyFromVotes counts the effective ballots against a roster size.
func (m *MotionRecord) tallyFromVotes(rosterSize int) contracts.Tally {
	t := contracts.Tally{MotionID: m.MotionID, RosterSize: rosterSize}
	for _, v := range m.Votes {
		switch v.Choice {
		case contracts.VoteYea:
			t.Yea++
		case contracts.VoteNay:
			t.Nay++
		case contracts.VoteAbstain:
			t.Abstain++
		case contracts.VotePresent:
			t.Present++
		}
	}
	return t
}

// CycleRecord is one cycle's folded ritual state.
type CycleRecord struct {
	contracts.Cycle
	OpenEventID      string
	OpenedAt         time.Time
	ClosedAt         time.Time
	CostAnnounced    bool
	Utterances       int
	Suppressions     int
	Motions          map[string]*MotionRecord
	MotionOrder      []string
	Breaches         map[string]*Breach
	BreachOrder      []string
	AdoptedFiling    contracts.Kind
	ReformResolution string
}

// expectedSpeaker returns whose turn the next utterance is.
func (c *CycleRecord) expectedSpeaker() (string, bool) {
	if len(c.Roster) == 0 {
		return "", false
	}
	return c.Roster[c.Utterances%len(c.Roster)], true
}

// unrespondedIn lists attached breaches with no answer in this cycle.
func (c *CycleRecord) unrespondedIn() []string {
	var out []string
	for _, id := range c.BreachOrder {
		if b := c.Breaches[id]; b != nil && !b.RespondedIn(c.CycleID) {
			out = append(out, id)
		}
	}
	return out
}

// State is the complete folded ritual state of a conclave.
type State struct {
	Cycles    map[string]*CycleRecord
	Order     []string
	Overrides map[string]*Override
	Breaches  map[string]*Breach
	Findings  []Finding
	Ceased    bool

	motionIndex map[string]string // motion id -> cycle id
	voteIDs     map[string]bool
	eventKinds  map[string]contracts.Kind // seen event id -> kind
}

// NewState returns the empty pre-genesis state.
func NewState() *State {
	return &State{
		Cycles:      make(map[string]*CycleRecord),
		Overrides:   make(map[string]*Override),
		Breaches:    make(map[string]*Breach),
		motionIndex: make(map[string]string),
		voteIDs:     make(map[string]bool),
		eventKinds:  make(map[string]contracts.Kind),
	}
}

// Fold rebuilds ritual state from an event log in total order. It
// never fails: refused transitions become Findings on the returned
// state, because the log itself is already durable history.
func Fold(events []*contracts.Event) *State {
	s := NewState()
	for _, ev := range events {
		s.apply(ev)
	}
	return s
}

// effect is what a transition asks of the world outside the fold. The
// pure fold returns effects without acting on them; the live engine
// turns them into guardian calls.
type effect struct {
	sealScope      string
	sealReason     string
	sealCore       bool
	coreReason     string
	clearCore      bool
	clearAuthority string

	cycleID   string
	fromState contracts.CycleState
	toState   contracts.CycleState
}

func (s *State) refuse(ev *contracts.Event, format string, args ...any) (effect, *Finding) {
	f := Finding{
		EventID: ev.EventID,
		Kind:    ev.Kind,
		CycleID: ev.CycleID,
		Detail:  fmt.Sprintf(format, args...),
	}
	s.Findings = append(s.Findings, f)
	return effect{}, &f
}

// apply folds one event. The returned Finding is nil when the
// transition took; the effect is meaningful only in that case.
func (s *State) apply(ev *contracts.Event) (effect, *Finding) {
	defer func() {
		if ev.EventID != "" {
			s.eventKinds[ev.EventID] = ev.Kind
		}
	}()

	if s.Ceased {
		return s.refuse(ev, "conclave ceased; no event follows terminal suspension")
	}

	switch ev.Kind {
	case contracts.KindCycleOpened:
		return s.applyCycleOpened(ev)
	case contracts.KindCycleClosed:
		return s.applyCycleClosed(ev)
	case contracts.KindRollCallCompleted:
		return s.applyRollCall(ev)
	case contracts.KindAgentUtterance:
		return s.applyUtterance(ev)
	case contracts.KindMotionProposed:
		return s.applyMotionProposed(ev)
	case contracts.KindReconsiderMotion, contracts.KindDissolveMotion, contracts.KindReformMotion:
		return s.applyDissolutionFiling(ev)
	case contracts.KindVoteCast:
		return s.applyVoteCast(ev)
	case contracts.KindVoteTallied:
		return s.applyVoteTallied(ev)
	case contracts.KindMotionResolved:
		return s.applyMotionResolved(ev)
	case contracts.KindDissolutionTriggered:
		return s.applyDissolutionTriggered(ev)
	case contracts.KindSuspensionBegan:
		return s.applySuspensionBegan(ev)
	case contracts.KindBreachDeclared:
		return s.applyBreachDeclared(ev)
	case contracts.KindBreachResponded:
		return s.applyBreachResponded(ev)
	case contracts.KindSuppressionAttempted:
		return s.applySuppression(ev)
	case contracts.KindOverrideInvoked:
		return s.applyOverrideInvoked(ev)
	case contracts.KindOverrideConcluded:
		return s.applyOverrideConcluded(ev)
	case contracts.KindPrecedentCited:
		return s.applyPrecedentCited(ev)
	case contracts.KindPrecedentChallenged:
		return s.applyPrecedentChallenged(ev)
	case contracts.KindCostSnapshotAnnounced:
		return s.applyCostSnapshot(ev)
	case contracts.KindHaltDeclared, contracts.KindForkDetected:
		// Detector records; halt state lives with the guardian.
		return effect{}, nil
	default:
		return s.refuse(ev, "unknown event kind %q", ev.Kind)
	}
}

func (s *State) decode(ev *contracts.Event, into any) *Finding {
	if err := json.Unmarshal(ev.Body, into); err != nil {
		_, f := s.refuse(ev, "undecodable %s body: %v", ev.Kind, err)
		return f
	}
	return nil
}

// currentCycle returns the latest non-terminal cycle. With a reform
// conclave open over a frozen cycle, the conclave wins; once it
// closes, the frozen cycle resurfaces.
func (s *State) currentCycle() *CycleRecord {
	for i := len(s.Order) - 1; i >= 0; i-- {
		c := s.Cycles[s.Order[i]]
		if !c.State.Terminal() {
			return c
		}
	}
	return nil
}

// carrySet lists unremedied breaches not attached to any non-terminal
// cycle, sorted. These are what the next CycleOpened must carry.
func (s *State) carrySet() []string {
	attached := make(map[string]bool)
	for _, id := range s.Order {
		c := s.Cycles[id]
		if c.State.Terminal() {
			continue
		}
		for bid := range c.Breaches {
			attached[bid] = true
		}
	}
	var out []string
	for id, b := range s.Breaches {
		if !b.Remedied() && !attached[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *State) applyCycleOpened(ev *contracts.Event) (effect, *Finding) {
	var body contracts.CycleOpenedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	if ev.CycleID == "" || ev.CycleID == contracts.SystemCycle {
		return s.refuse(ev, "cycle id %q is not openable", ev.CycleID)
	}
	if _, dup := s.Cycles[ev.CycleID]; dup {
		return s.refuse(ev, "cycle %s already exists", ev.CycleID)
	}
	if cur := s.currentCycle(); cur != nil && !contracts.IsReformCycle(ev.CycleID) {
		return s.refuse(ev, "cycle %s still %s; only a reform conclave may overlap", cur.CycleID, cur.State)
	}
	if body.PrevCycleID != "" {
		if _, ok := s.Cycles[body.PrevCycleID]; !ok {
			return s.refuse(ev, "prev cycle %s unknown", body.PrevCycleID)
		}
	}

	expected := s.carrySet()
	declared := append([]string(nil), body.CarriedBreaches...)
	sort.Strings(declared)
	if !equalStrings(expected, declared) {
		return s.refuse(ev, "carried breaches %v do not match the unremedied set %v", declared, expected)
	}

	cyc := &CycleRecord{
		Cycle: contracts.Cycle{
			CycleID:         ev.CycleID,
			Number:          body.Number,
			Purpose:         body.Purpose,
			State:           contracts.CycleOpen,
			OpenedBy:        ev.ActorID,
			PrevCycleID:     body.PrevCycleID,
			CarriedBreaches: declared,
		},
		OpenEventID: ev.EventID,
		OpenedAt:    ev.Timestamp,
		Motions:     make(map[string]*MotionRecord),
		Breaches:    make(map[string]*Breach),
	}
	for _, bid := range declared {
		cyc.Breaches[bid] = s.Breaches[bid]
		cyc.BreachOrder = append(cyc.BreachOrder, bid)
	}
	s.Cycles[ev.CycleID] = cyc
	s.Order = append(s.Order, ev.CycleID)

	eff := effect{cycleID: ev.CycleID, toState: contracts.CycleOpen}
	// A successor of a reformed cycle completes the reform lineage;
	// reform conclaves complete it at adoption instead.
	if body.PrevCycleID != "" {
		if prev := s.Cycles[body.PrevCycleID]; prev.AdoptedFiling == contracts.KindReformMotion && prev.ReformResolution != "" {
			eff.clearCore = true
			eff.clearAuthority = prev.ReformResolution
		}
	}
	return eff, nil
}

func (s *State) applyRollCall(ev *contracts.Event) (effect, *Finding) {
	var body contracts.RollCallCompletedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	cyc, ok := s.Cycles[ev.CycleID]
	if !ok {
		return s.refuse(ev, "roll call for unknown cycle %s", ev.CycleID)
	}
	if cyc.State != contracts.CycleOpen {
		return s.refuse(ev, "roll call in state %s; one roster per cycle", cyc.State)
	}
	if body.ConvenedBy != ev.ActorID {
		return s.refuse(ev, "convened_by %s is not the writer %s", body.ConvenedBy, ev.ActorID)
	}
	cyc.Roster = append([]string(nil), body.Roster...)
	cyc.State = contracts.CycleReady
	return effect{cycleID: cyc.CycleID, fromState: contracts.CycleOpen, toState: contracts.CycleReady}, nil
}

func (s *State) applyUtterance(ev *contracts.Event) (effect, *Finding) {
	var body contracts.AgentUtteranceBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	cyc, ok := s.Cycles[ev.CycleID]
	if !ok {
		return s.refuse(ev, "utterance for unknown cycle %s", ev.CycleID)
	}
	if !cyc.State.Accepting() {
		return s.refuse(ev, "utterance in state %s", cyc.State)
	}
	expected, _ := cyc.expectedSpeaker()
	if ev.ActorID != expected {
		return s.refuse(ev, "turn belongs to %s, not %s", expected, ev.ActorID)
	}
	if body.SummaryRef != "" && !quarantine.ValidRef(body.SummaryRef) {
		return s.refuse(ev, "summary ref %q is not a quarantine digest", body.SummaryRef)
	}
	if body.ReplyTo != "" {
		if _, seen := s.eventKinds[body.ReplyTo]; !seen {
			return s.refuse(ev, "reply to unknown event %s", body.ReplyTo)
		}
	}
	cyc.Utterances++
	return effect{}, nil
}

// checkSupporters validates a filing's supporter set against the
// roster and the derived consensus level.
func (s *State) checkSupporters(ev *contracts.Event, cyc *CycleRecord, supporters []string, level contracts.ConsensusLevel) *Finding {
	seen := make(map[string]bool, len(supporters))
	proposerIn := false
	for _, id := range supporters {
		if seen[id] {
			_, f := s.refuse(ev, "supporter %s listed twice", id)
			return f
		}
		seen[id] = true
		if !cyc.OnRoster(id) {
			_, f := s.refuse(ev, "supporter %s is not on the roster", id)
			return f
		}
		if id == ev.ActorID {
			proposerIn = true
		}
	}
	if !proposerIn {
		_, f := s.refuse(ev, "proposer %s must support their own motion", ev.ActorID)
		return f
	}
	derived, err := contracts.DeriveConsensusLevel(len(supporters))
	if err != nil {
		_, f := s.refuse(ev, "%v", err)
		return f
	}
	if derived != level {
		_, f := s.refuse(ev, "consensus level %s does not match %d supporters (%s)", level, len(supporters), derived)
		return f
	}
	return nil
}

func (s *State) fileMotion(ev *contracts.Event, cyc *CycleRecord, m contracts.Motion) (effect, *Finding) {
	if _, dup := s.motionIndex[m.MotionID]; dup {
		return s.refuse(ev, "motion id %s already filed", m.MotionID)
	}
	rec := &MotionRecord{Motion: m, Votes: make(map[string]contracts.Vote)}
	cyc.Motions[m.MotionID] = rec
	cyc.MotionOrder = append(cyc.MotionOrder, m.MotionID)
	s.motionIndex[m.MotionID] = cyc.CycleID
	return effect{}, nil
}

func (s *State) applyMotionProposed(ev *contracts.Event) (effect, *Finding) {
	var body contracts.MotionProposedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	cyc, ok := s.Cycles[ev.CycleID]
	if !ok {
		return s.refuse(ev, "motion for unknown cycle %s", ev.CycleID)
	}
	if cyc.State != contracts.CycleReady {
		return s.refuse(ev, "ordinary motion in state %s", cyc.State)
	}
	if contracts.IsReformCycle(cyc.CycleID) {
		return s.refuse(ev, "a reform conclave admits only reform filings")
	}
	if f := s.checkSupporters(ev, cyc, body.Supporters, body.ConsensusLevel); f != nil {
		return effect{}, f
	}
	return s.fileMotion(ev, cyc, contracts.Motion{
		MotionID:       body.MotionID,
		CycleID:        cyc.CycleID,
		ProposedBy:     ev.ActorID,
		FiledAs:        contracts.KindMotionProposed,
		Text:           body.Text,
		Supporters:     append([]string(nil), body.Supporters...),
		ConsensusLevel: body.ConsensusLevel,
		Intent:         body.Intent,
		Status:         contracts.MotionPending,
	})
}

func (s *State) applyDissolutionFiling(ev *contracts.Event) (effect, *Finding) {
	var body contracts.DissolutionMotionBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	cyc, ok := s.Cycles[ev.CycleID]
	if !ok {
		return s.refuse(ev, "filing for unknown cycle %s", ev.CycleID)
	}
	switch {
	case cyc.State == contracts.CycleDissolutionDeliberation:
		// All three filings are admitted here.
	case ev.Kind == contracts.KindReformMotion && contracts.IsReformCycle(cyc.CycleID) && cyc.State == contracts.CycleReady:
		// A reform conclave exists to file exactly this.
	default:
		return s.refuse(ev, "%s not admitted in state %s", ev.Kind, cyc.State)
	}
	if f := s.checkSupporters(ev, cyc, body.Supporters, body.ConsensusLevel); f != nil {
		return effect{}, f
	}
	return s.fileMotion(ev, cyc, contracts.Motion{
		MotionID:       body.MotionID,
		CycleID:        cyc.CycleID,
		ProposedBy:     ev.ActorID,
		FiledAs:        ev.Kind,
		Text:           body.Text,
		Supporters:     append([]string(nil), body.Supporters...),
		ConsensusLevel: body.ConsensusLevel,
		Status:         contracts.MotionPending,
	})
}

func (s *State) motionFor(ev *contracts.Event, motionID string) (*CycleRecord, *MotionRecord, *Finding) {
	cycleID, ok := s.motionIndex[motionID]
	if !ok {
		_, f := s.refuse(ev, "unknown motion %s", motionID)
		return nil, nil, f
	}
	if ev.CycleID != cycleID {
		_, f := s.refuse(ev, "motion %s belongs to cycle %s, event stamped %s", motionID, cycleID, ev.CycleID)
		return nil, nil, f
	}
	cyc := s.Cycles[cycleID]
	return cyc, cyc.Motions[motionID], nil
}

func (s *State) applyVoteCast(ev *contracts.Event) (effect, *Finding) {
	var body contracts.VoteCastBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	cyc, m, f := s.motionFor(ev, body.MotionID)
	if f != nil {
		return effect{}, f
	}
	if m.Status != contracts.MotionPending {
		return s.refuse(ev, "motion %s is %s; ballots closed", m.MotionID, m.Status)
	}
	if m.Tally != nil {
		return s.refuse(ev, "motion %s already tallied; ballots frozen", m.MotionID)
	}
	if !cyc.OnRoster(ev.ActorID) {
		return s.refuse(ev, "voter %s is not on the roster", ev.ActorID)
	}
	if s.voteIDs[body.VoteID] {
		return s.refuse(ev, "vote id %s already used", body.VoteID)
	}
	prior, replaced := m.Votes[ev.ActorID]
	if replaced && ev.Sequence <= prior.Sequence {
		return s.refuse(ev, "ballot sequence %d does not supersede %d", ev.Sequence, prior.Sequence)
	}

	s.voteIDs[body.VoteID] = true
	if !replaced {
		m.VoteOrder = append(m.VoteOrder, ev.ActorID)
	}
	m.Votes[ev.ActorID] = contracts.Vote{
		VoteID:        body.VoteID,
		MotionID:      body.MotionID,
		VoterID:       ev.ActorID,
		Choice:        body.Choice,
		Justification: body.Justification,
		Signature:     ev.Signature,
		Sequence:      ev.Sequence,
	}
	return effect{}, nil
}

func (s *State) applyVoteTallied(ev *contracts.Event) (effect, *Finding) {
	var body contracts.VoteTalliedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	cyc, m, f := s.motionFor(ev, body.MotionID)
	if f != nil {
		return effect{}, f
	}
	if m.Status != contracts.MotionPending {
		return s.refuse(ev, "tally for %s motion %s", m.Status, m.MotionID)
	}
	if m.Tally != nil {
		return s.refuse(ev, "motion %s already tallied by %s", m.MotionID, m.TallyEventID)
	}

	want := m.tallyFromVotes(len(cyc.Roster))
	got := contracts.Tally{
		MotionID:   body.MotionID,
		Yea:        body.Yea,
		Nay:        body.Nay,
		Abstain:    body.Abstain,
		Present:    body.Present,
		RosterSize: body.RosterSize,
	}
	if got != want {
		return s.refuse(ev, "declared tally %+v does not reproduce from ballots %+v", got, want)
	}
	m.Tally = &got
	m.TallyEventID = ev.EventID
	return effect{}, nil
}

func (s *State) applyMotionResolved(ev *contracts.Event) (effect, *Finding) {
	var body contracts.MotionResolvedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	cyc, m, f := s.motionFor(ev, body.MotionID)
	if f != nil {
		return effect{}, f
	}
	if m.Status != contracts.MotionPending {
		return s.refuse(ev, "motion %s already %s", m.MotionID, m.Status)
	}

	switch body.Outcome {
	case contracts.MotionAdopted, contracts.MotionRejected:
		if m.Tally == nil {
			return s.refuse(ev, "%s without a tally", body.Outcome)
		}
	case contracts.MotionTabled:
		// Tabling carries an untallied motion over a cycle boundary;
		// a tallied one may also end up tabled if the cycle dies first.
	case contracts.MotionWithdrawn:
		if m.Tally != nil {
			return s.refuse(ev, "withdrawal after tally")
		}
		if ev.ActorID != m.ProposedBy {
			return s.refuse(ev, "only proposer %s may withdraw", m.ProposedBy)
		}
	default:
		return s.refuse(ev, "unknown outcome %q", body.Outcome)
	}

	tally := m.tallyFromVotes(len(cyc.Roster))
	if m.Tally != nil {
		tally = *m.Tally
	}
	if !closeEnough(body.YeaFraction, tally.YeaFraction()) || !closeEnough(body.CastFraction, tally.CastFraction()) {
		return s.refuse(ev, "declared fractions %.6f/%.6f do not reproduce %.6f/%.6f",
			body.YeaFraction, body.CastFraction, tally.YeaFraction(), tally.CastFraction())
	}

	m.Status = body.Outcome
	m.ResolvedEventID = ev.EventID

	eff := effect{}
	if body.Outcome == contracts.MotionAdopted {
		switch m.FiledAs {
		case contracts.KindReconsiderMotion:
			if cyc.State != contracts.CycleDissolutionDeliberation {
				return s.refuse(ev, "reconsider adopted in state %s", cyc.State)
			}
			cyc.State = contracts.CycleReady
			cyc.AdoptedFiling = m.FiledAs
			eff = effect{cycleID: cyc.CycleID, fromState: contracts.CycleDissolutionDeliberation, toState: contracts.CycleReady}
		case contracts.KindReformMotion:
			from := cyc.State
			cyc.State = contracts.CycleReforming
			cyc.AdoptedFiling = m.FiledAs
			cyc.ReformResolution = ev.EventID
			eff = effect{
				cycleID:        cyc.CycleID,
				fromState:      from,
				toState:        contracts.CycleReforming,
				clearCore:      true,
				clearAuthority: ev.EventID,
			}
		case contracts.KindDissolveMotion:
			// Terminal effect lands with SuspensionBegan.
			cyc.AdoptedFiling = m.FiledAs
		}
	}
	return eff, nil
}

func (s *State) applyDissolutionTriggered(ev *contracts.Event) (effect, *Finding) {
	var body contracts.DissolutionTriggeredBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	cyc, ok := s.Cycles[ev.CycleID]
	if !ok {
		return s.refuse(ev, "dissolution trigger for unknown cycle %s", ev.CycleID)
	}
	if cyc.State != contracts.CycleReady {
		return s.refuse(ev, "dissolution trigger in state %s", cyc.State)
	}
	if body.TriggerMotionID != "" {
		m, ok := cyc.Motions[body.TriggerMotionID]
		if !ok {
			return s.refuse(ev, "trigger motion %s not in cycle %s", body.TriggerMotionID, cyc.CycleID)
		}
		rejectedContinuation := m.Status == contracts.MotionRejected && m.Intent == contracts.IntentContinueOperation
		adoptedDissolution := m.Status == contracts.MotionAdopted && m.Intent == contracts.IntentOpenDissolution
		if !rejectedContinuation && !adoptedDissolution {
			return s.refuse(ev, "motion %s (%s, %s) does not trigger dissolution", m.MotionID, m.Intent, m.Status)
		}
	}
	cyc.State = contracts.CycleDissolutionDeliberation
	return effect{cycleID: cyc.CycleID, fromState: contracts.CycleReady, toState: contracts.CycleDissolutionDeliberation}, nil
}

func (s *State) applySuspensionBegan(ev *contracts.Event) (effect, *Finding) {
	var body contracts.SuspensionBeganBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	cyc, ok := s.Cycles[ev.CycleID]
	if !ok {
		return s.refuse(ev, "suspension for unknown cycle %s", ev.CycleID)
	}
	if !body.Terminal {
		// The announced record accompanying an indefinite suspension;
		// the CycleClosed that follows is the transition.
		if cyc.State != contracts.CycleDissolutionDeliberation {
			return s.refuse(ev, "suspension announced in state %s", cyc.State)
		}
		return effect{}, nil
	}
	if cyc.AdoptedFiling != contracts.KindDissolveMotion {
		return s.refuse(ev, "terminal suspension without an adopted dissolve motion")
	}
	if cyc.State.Terminal() {
		return s.refuse(ev, "cycle %s already %s", cyc.CycleID, cyc.State)
	}
	from := cyc.State
	cyc.State = contracts.CycleDissolved
	cyc.ClosedAt = ev.Timestamp
	s.Ceased = true
	return effect{
		sealScope:  contracts.CycleScope(cyc.CycleID),
		sealReason: contracts.SealReasonDissolved,
		sealCore:   true,
		coreReason: contracts.SealReasonDissolved,
		cycleID:    cyc.CycleID,
		fromState:  from,
		toState:    contracts.CycleDissolved,
	}, nil
}

func (s *State) applyCycleClosed(ev *contracts.Event) (effect, *Finding) {
	var body contracts.CycleClosedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	cyc, ok := s.Cycles[ev.CycleID]
	if !ok {
		return s.refuse(ev, "close for unknown cycle %s", ev.CycleID)
	}
	if cyc.State.Terminal() {
		return s.refuse(ev, "cycle %s already %s", cyc.CycleID, cyc.State)
	}

	want := contracts.CycleClosed
	sealReason := contracts.SealReasonClosed
	if cyc.State == contracts.CycleDissolutionDeliberation {
		want = contracts.CycleIndefiniteSuspension
		sealReason = contracts.SealReasonSuspended
	}
	if body.FinalState != want {
		return s.refuse(ev, "close from %s must end %s, not %s", cyc.State, want, body.FinalState)
	}
	if !cyc.CostAnnounced {
		return s.refuse(ev, "close without a cost snapshot")
	}
	if open := cyc.unrespondedIn(); len(open) > 0 {
		return s.refuse(ev, "close over unresponded breaches %v", open)
	}
	for _, id := range cyc.MotionOrder {
		m := cyc.Motions[id]
		if m.Status == contracts.MotionPending {
			if m.Tally != nil {
				return s.refuse(ev, "close with tallied but unresolved motion %s", id)
			}
			return s.refuse(ev, "close with pending motion %s", id)
		}
	}

	from := cyc.State
	cyc.State = body.FinalState
	cyc.ClosedAt = ev.Timestamp
	return effect{
		sealScope:  contracts.CycleScope(cyc.CycleID),
		sealReason: sealReason,
		cycleID:    cyc.CycleID,
		fromState:  from,
		toState:    body.FinalState,
	}, nil
}

func (s *State) applyBreachDeclared(ev *contracts.Event) (effect, *Finding) {
	var body contracts.BreachDeclaredBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	if _, dup := s.Breaches[body.BreachID]; dup {
		return s.refuse(ev, "breach %s already declared", body.BreachID)
	}
	var cyc *CycleRecord
	if ev.CycleID != contracts.SystemCycle {
		var ok bool
		cyc, ok = s.Cycles[ev.CycleID]
		if !ok {
			return s.refuse(ev, "breach for unknown cycle %s", ev.CycleID)
		}
		if cyc.State.Terminal() {
			return s.refuse(ev, "breach against %s cycle %s", cyc.State, cyc.CycleID)
		}
	}

	b := &Breach{
		BreachID:    body.BreachID,
		Kind:        body.BreachKind,
		Subject:     body.Subject,
		Description: body.Description,
		DeclaredBy:  ev.ActorID,
		DeclaredIn:  ev.CycleID,
		DeclaredAt:  ev.Timestamp,
	}
	s.Breaches[body.BreachID] = b
	if cyc != nil {
		cyc.Breaches[body.BreachID] = b
		cyc.BreachOrder = append(cyc.BreachOrder, body.BreachID)
	}
	if body.BreachKind == contracts.BreachKindOverrideExpired {
		if o, ok := s.Overrides[body.Subject]; ok && o.ExpiryBreachID == "" {
			o.ExpiryBreachID = body.BreachID
		}
	}
	return effect{}, nil
}

func (s *State) applyBreachResponded(ev *contracts.Event) (effect, *Finding) {
	var body contracts.BreachRespondedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	b, ok := s.Breaches[body.BreachID]
	if !ok {
		return s.refuse(ev, "response to unknown breach %s", body.BreachID)
	}
	if ev.CycleID != contracts.SystemCycle {
		cyc, ok := s.Cycles[ev.CycleID]
		if !ok {
			return s.refuse(ev, "response in unknown cycle %s", ev.CycleID)
		}
		if cyc.State.Terminal() {
			return s.refuse(ev, "response in %s cycle %s", cyc.State, cyc.CycleID)
		}
	}
	b.Responses = append(b.Responses, BreachResponse{
		CycleID:     ev.CycleID,
		ResponderID: ev.ActorID,
		Response:    body.Response,
		Resolution:  body.Resolution,
		At:          ev.Timestamp,
	})
	return effect{}, nil
}

func (s *State) applySuppression(ev *contracts.Event) (effect, *Finding) {
	var body contracts.SuppressionAttemptedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	cyc, ok := s.Cycles[ev.CycleID]
	if !ok {
		return s.refuse(ev, "suppression record for unknown cycle %s", ev.CycleID)
	}
	if body.AttemptedBy != ev.ActorID {
		return s.refuse(ev, "attempted_by %s is not the writer %s", body.AttemptedBy, ev.ActorID)
	}
	for _, id := range body.BreachIDs {
		if _, ok := s.Breaches[id]; !ok {
			return s.refuse(ev, "suppression names unknown breach %s", id)
		}
	}
	cyc.Suppressions++
	return effect{}, nil
}

func (s *State) applyOverrideInvoked(ev *contracts.Event) (effect, *Finding) {
	var body contracts.OverrideInvokedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	if _, dup := s.Overrides[body.OverrideID]; dup {
		return s.refuse(ev, "override %s already invoked", body.OverrideID)
	}
	if body.DurationSeconds <= 0 {
		return s.refuse(ev, "override window must be positive")
	}
	if ev.CycleID != contracts.SystemCycle {
		cyc, ok := s.Cycles[ev.CycleID]
		if !ok {
			return s.refuse(ev, "override in unknown cycle %s", ev.CycleID)
		}
		if cyc.State.Terminal() {
			return s.refuse(ev, "override in %s cycle %s", cyc.State, cyc.CycleID)
		}
	}
	s.Overrides[body.OverrideID] = &Override{
		OverrideID:  body.OverrideID,
		CycleID:     ev.CycleID,
		InvokedBy:   ev.ActorID,
		Declaration: body.Declaration,
		Scope:       body.Scope,
		InvokedAt:   ev.Timestamp,
		Deadline:    ev.Timestamp.Add(time.Duration(body.DurationSeconds) * time.Second),
	}
	return effect{}, nil
}

func (s *State) applyOverrideConcluded(ev *contracts.Event) (effect, *Finding) {
	var body contracts.OverrideConcludedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	o, ok := s.Overrides[body.OverrideID]
	if !ok {
		return s.refuse(ev, "conclusion for unknown override %s", body.OverrideID)
	}
	if o.Concluded {
		return s.refuse(ev, "override %s already concluded", body.OverrideID)
	}
	o.Concluded = true
	o.ConcludedAt = ev.Timestamp
	o.Outcome = body.Outcome
	return effect{}, nil
}

func (s *State) applyPrecedentCited(ev *contracts.Event) (effect, *Finding) {
	var body contracts.PrecedentCitedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	if body.Binding {
		return s.refuse(ev, "a citation is never binding")
	}
	if _, seen := s.eventKinds[body.CitedEventID]; !seen {
		return s.refuse(ev, "citation of unknown event %s", body.CitedEventID)
	}
	return effect{}, nil
}

func (s *State) applyPrecedentChallenged(ev *contracts.Event) (effect, *Finding) {
	var body contracts.PrecedentChallengedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	if _, seen := s.eventKinds[body.CitedEventID]; !seen {
		return s.refuse(ev, "challenge over unknown event %s", body.CitedEventID)
	}
	if body.CitationEventID != "" {
		kind, seen := s.eventKinds[body.CitationEventID]
		if !seen {
			return s.refuse(ev, "challenge of unknown citation %s", body.CitationEventID)
		}
		if kind != contracts.KindPrecedentCited {
			return s.refuse(ev, "challenged event %s is a %s, not a citation", body.CitationEventID, kind)
		}
	}
	return effect{}, nil
}

func (s *State) applyCostSnapshot(ev *contracts.Event) (effect, *Finding) {
	var body contracts.CostSnapshotAnnouncedBody
	if f := s.decode(ev, &body); f != nil {
		return effect{}, f
	}
	if body.AnnouncedBy != ev.ActorID {
		return s.refuse(ev, "announced_by %s is not the writer %s", body.AnnouncedBy, ev.ActorID)
	}
	if ev.CycleID == contracts.SystemCycle {
		return effect{}, nil
	}
	cyc, ok := s.Cycles[ev.CycleID]
	if !ok {
		return s.refuse(ev, "cost snapshot for unknown cycle %s", ev.CycleID)
	}
	if cyc.State.Terminal() {
		return s.refuse(ev, "cost snapshot for %s cycle %s", cyc.State, cyc.CycleID)
	}
	cyc.CostAnnounced = true
	return effect{}, nil
}

func closeEnough(a, b float64) bool {
	return math.Abs(a-b) <= fractionTolerance
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
