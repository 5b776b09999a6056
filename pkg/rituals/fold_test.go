package rituals

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/synod-labs/synod/pkg/contracts"
)

// logBuilder fabricates events directly. The fold never checks hashes
// or signatures, so the ritual law is testable without standing up the
// trust boundary; the ledger's own tests cover sealing.
type logBuilder struct {
	t      *testing.T
	now    time.Time
	seq    map[string]uint64
	n      int
	events []*contracts.Event
}

func newLog(t *testing.T) *logBuilder {
	t.Helper()
	return &logBuilder{
		t:   t,
		now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		seq: make(map[string]uint64),
	}
}

func (b *logBuilder) add(actor, cycleID string, kind contracts.Kind, body any) *contracts.Event {
	b.t.Helper()
	raw, err := contracts.MarshalBody(body)
	if err != nil {
		b.t.Fatalf("marshal %s body: %v", kind, err)
	}
	b.n++
	b.seq[actor]++
	b.now = b.now.Add(time.Second)
	ev := &contracts.Event{
		EventID:   fmt.Sprintf("ev_%04d", b.n),
		ActorID:   actor,
		CycleID:   cycleID,
		Kind:      kind,
		Sequence:  b.seq[actor],
		Timestamp: b.now,
		Body:      raw,
	}
	b.events = append(b.events, ev)
	return ev
}

func (b *logBuilder) open(opener, cycleID string, number uint64, carried ...string) *contracts.Event {
	return b.add(opener, cycleID, contracts.KindCycleOpened, contracts.CycleOpenedBody{
		Number:          number,
		Purpose:         "scheduled deliberation",
		CarriedBreaches: carried,
	})
}

func (b *logBuilder) cost(actor, cycleID string) *contracts.Event {
	return b.add(actor, cycleID, contracts.KindCostSnapshotAnnounced, contracts.CostSnapshotAnnouncedBody{
		ComputeUnits:     12,
		WallClockSeconds: 30,
		AnnouncedBy:      actor,
	})
}

func (b *logBuilder) rollCall(convener, cycleID string, roster ...string) *contracts.Event {
	return b.add(convener, cycleID, contracts.KindRollCallCompleted, contracts.RollCallCompletedBody{
		Roster:     roster,
		ConvenedBy: convener,
	})
}

func (b *logBuilder) utter(actor, cycleID, text string) *contracts.Event {
	return b.add(actor, cycleID, contracts.KindAgentUtterance, contracts.AgentUtteranceBody{Text: text})
}

func (b *logBuilder) propose(actor, cycleID, motionID, intent string, supporters ...string) *contracts.Event {
	level, err := contracts.DeriveConsensusLevel(len(supporters))
	if err != nil {
		b.t.Fatalf("derive level: %v", err)
	}
	return b.add(actor, cycleID, contracts.KindMotionProposed, contracts.MotionProposedBody{
		MotionID:       motionID,
		Text:           "the conclave resolves to " + motionID,
		Supporters:     supporters,
		ConsensusLevel: level,
		Intent:         intent,
	})
}

func (b *logBuilder) file(actor, cycleID string, kind contracts.Kind, motionID string, supporters ...string) *contracts.Event {
	level, err := contracts.DeriveConsensusLevel(len(supporters))
	if err != nil {
		b.t.Fatalf("derive level: %v", err)
	}
	return b.add(actor, cycleID, kind, contracts.DissolutionMotionBody{
		MotionID:       motionID,
		Text:           "filing " + motionID,
		Supporters:     supporters,
		ConsensusLevel: level,
	})
}

func (b *logBuilder) vote(actor, cycleID, motionID, voteID string, choice contracts.VoteChoice) *contracts.Event {
	return b.add(actor, cycleID, contracts.KindVoteCast, contracts.VoteCastBody{
		VoteID:   voteID,
		MotionID: motionID,
		Choice:   choice,
	})
}

func (b *logBuilder) tally(actor, cycleID, motionID string, yea, nay, abstain, present, rosterSize int) *contracts.Event {
	return b.add(actor, cycleID, contracts.KindVoteTallied, contracts.VoteTalliedBody{
		MotionID:   motionID,
		Yea:        yea,
		Nay:        nay,
		Abstain:    abstain,
		Present:    present,
		RosterSize: rosterSize,
	})
}

func (b *logBuilder) resolve(actor, cycleID, motionID string, outcome contracts.MotionStatus, yea, nay, abstain, present, rosterSize int) *contracts.Event {
	t := contracts.Tally{Yea: yea, Nay: nay, Abstain: abstain, Present: present, RosterSize: rosterSize}
	return b.add(actor, cycleID, contracts.KindMotionResolved, contracts.MotionResolvedBody{
		MotionID:     motionID,
		Outcome:      outcome,
		YeaFraction:  t.YeaFraction(),
		CastFraction: t.CastFraction(),
	})
}

func (b *logBuilder) close(actor, cycleID string, final contracts.CycleState) *contracts.Event {
	return b.add(actor, cycleID, contracts.KindCycleClosed, contracts.CycleClosedBody{FinalState: final})
}

func (b *logBuilder) fold() *State { return Fold(b.events) }

func wantNoFindings(t *testing.T, st *State) {
	t.Helper()
	for _, f := range st.Findings {
		t.Errorf("unexpected finding on %s (%s): %s", f.EventID, f.Kind, f.Detail)
	}
}

func wantFinding(t *testing.T, st *State, substr string) Finding {
	t.Helper()
	for _, f := range st.Findings {
		if strings.Contains(f.Detail, substr) {
			return f
		}
	}
	t.Fatalf("no finding containing %q; have %v", substr, st.Findings)
	return Finding{}
}

// readyCycle builds the standard opening: open, cost snapshot, roll
// call with the given roster.
func readyCycle(b *logBuilder, cycleID string, number uint64, roster ...string) {
	b.open(roster[0], cycleID, number)
	b.cost(roster[0], cycleID)
	b.rollCall(roster[0], cycleID, roster...)
}

func TestFoldCleanCycleAdoptsMotion(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b", "archon-c")
	b.utter("archon-a", "cyc-001", "opening position")
	b.utter("archon-b", "cyc-001", "counterpoint")
	b.utter("archon-c", "cyc-001", "synthesis")
	b.propose("archon-a", "cyc-001", "mot-001", contracts.IntentGeneral, "archon-a", "archon-b")
	b.vote("archon-a", "cyc-001", "mot-001", "vot-001", contracts.VoteYea)
	b.vote("archon-b", "cyc-001", "mot-001", "vot-002", contracts.VoteYea)
	b.vote("archon-c", "cyc-001", "mot-001", "vot-003", contracts.VoteNay)
	b.tally("archon-a", "cyc-001", "mot-001", 2, 1, 0, 0, 3)
	b.resolve("archon-a", "cyc-001", "mot-001", contracts.MotionAdopted, 2, 1, 0, 0, 3)
	b.close("archon-a", "cyc-001", contracts.CycleClosed)

	st := b.fold()
	wantNoFindings(t, st)

	cyc := st.Cycles["cyc-001"]
	if cyc.State != contracts.CycleClosed {
		t.Fatalf("cycle state = %s, want CLOSED", cyc.State)
	}
	if cyc.Utterances != 3 {
		t.Errorf("utterances = %d, want 3", cyc.Utterances)
	}
	m := cyc.Motions["mot-001"]
	if m.Status != contracts.MotionAdopted {
		t.Errorf("motion status = %s, want adopted", m.Status)
	}
	if m.Tally == nil || m.Tally.Yea != 2 || m.Tally.RosterSize != 3 {
		t.Errorf("tally = %+v, want yea 2 of roster 3", m.Tally)
	}
	if cyc.ClosedAt.IsZero() {
		t.Error("ClosedAt not stamped")
	}
}

func TestFoldCarriedBreachSetIsExact(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.add("archon-a", "cyc-001", contracts.KindBreachDeclared, contracts.BreachDeclaredBody{
		BreachID: "bre-001", BreachKind: "procedural", Description: "roster announced late",
	})
	b.add("archon-b", "cyc-001", contracts.KindBreachResponded, contracts.BreachRespondedBody{
		BreachID: "bre-001", Response: "noted, will be contested", Resolution: contracts.ResolutionDisputed,
	})
	b.close("archon-a", "cyc-001", contracts.CycleClosed)

	// A disputed breach is not settled; opening without carrying it is
	// refused and the cycle never forms.
	b.open("archon-a", "cyc-002", 2)
	st := b.fold()
	wantFinding(t, st, "do not match the unremedied set")
	if _, ok := st.Cycles["cyc-002"]; ok {
		t.Fatal("refused open must not create the cycle")
	}

	// Carrying it exactly is accepted and attaches the breach.
	b2 := newLog(t)
	readyCycle(b2, "cyc-001", 1, "archon-a", "archon-b")
	b2.add("archon-a", "cyc-001", contracts.KindBreachDeclared, contracts.BreachDeclaredBody{
		BreachID: "bre-001", BreachKind: "procedural", Description: "roster announced late",
	})
	b2.add("archon-b", "cyc-001", contracts.KindBreachResponded, contracts.BreachRespondedBody{
		BreachID: "bre-001", Response: "noted", Resolution: contracts.ResolutionDisputed,
	})
	b2.close("archon-a", "cyc-001", contracts.CycleClosed)
	b2.open("archon-a", "cyc-002", 2, "bre-001")
	st2 := b2.fold()
	wantNoFindings(t, st2)
	if _, ok := st2.Cycles["cyc-002"].Breaches["bre-001"]; !ok {
		t.Error("carried breach not attached to the new cycle")
	}
}

func TestFoldRemediedBreachDoesNotCarry(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.add("archon-a", "cyc-001", contracts.KindBreachDeclared, contracts.BreachDeclaredBody{
		BreachID: "bre-001", BreachKind: "procedural", Description: "late snapshot",
	})
	b.add("archon-b", "cyc-001", contracts.KindBreachResponded, contracts.BreachRespondedBody{
		BreachID: "bre-001", Response: "snapshot restated", Resolution: contracts.ResolutionRemedied,
	})
	b.close("archon-a", "cyc-001", contracts.CycleClosed)
	b.open("archon-a", "cyc-002", 2)

	st := b.fold()
	wantNoFindings(t, st)
	if got := st.Cycles["cyc-002"].CarriedBreaches; len(got) != 0 {
		t.Errorf("carried = %v, want none", got)
	}
}

func TestFoldUtteranceTurnLaw(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.utter("archon-b", "cyc-001", "speaking out of turn")
	b.utter("archon-a", "cyc-001", "first")
	b.utter("archon-b", "cyc-001", "second")
	b.utter("archon-a", "cyc-001", "third")

	st := b.fold()
	wantFinding(t, st, "turn belongs to archon-a")
	if got := st.Cycles["cyc-001"].Utterances; got != 3 {
		t.Errorf("accepted utterances = %d, want 3", got)
	}
	if len(st.Findings) != 1 {
		t.Errorf("findings = %d, want exactly 1", len(st.Findings))
	}
}

func TestFoldBallotReplacementAndFreeze(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.propose("archon-a", "cyc-001", "mot-001", contracts.IntentGeneral, "archon-a")

	b.vote("archon-a", "cyc-001", "mot-001", "vot-001", contracts.VoteYea)
	// Reused vote id, even by another voter, is refused.
	b.vote("archon-b", "cyc-001", "mot-001", "vot-001", contracts.VoteYea)
	// A fresh ballot by the same voter replaces the earlier one.
	b.vote("archon-a", "cyc-001", "mot-001", "vot-002", contracts.VoteNay)
	b.tally("archon-a", "cyc-001", "mot-001", 0, 1, 0, 0, 2)
	// Ballots are frozen at tally.
	b.vote("archon-b", "cyc-001", "mot-001", "vot-003", contracts.VoteYea)
	b.resolve("archon-a", "cyc-001", "mot-001", contracts.MotionRejected, 0, 1, 0, 0, 2)

	st := b.fold()
	wantFinding(t, st, "vote id vot-001 already used")
	wantFinding(t, st, "ballots frozen")

	m := st.Cycles["cyc-001"].Motions["mot-001"]
	if m.Status != contracts.MotionRejected {
		t.Fatalf("motion status = %s, want rejected", m.Status)
	}
	if got := m.Votes["archon-a"].Choice; got != contracts.VoteNay {
		t.Errorf("effective ballot = %s, want nay after replacement", got)
	}
	if len(m.Votes) != 1 {
		t.Errorf("effective voters = %d, want 1", len(m.Votes))
	}
}

func TestFoldTallyMustReproduceBallots(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.propose("archon-a", "cyc-001", "mot-001", contracts.IntentGeneral, "archon-a")
	b.vote("archon-a", "cyc-001", "mot-001", "vot-001", contracts.VoteYea)
	b.tally("archon-a", "cyc-001", "mot-001", 2, 0, 0, 0, 2)

	st := b.fold()
	wantFinding(t, st, "does not reproduce from ballots")
	if st.Cycles["cyc-001"].Motions["mot-001"].Tally != nil {
		t.Error("refused tally must not freeze the motion")
	}
}

func TestFoldNonRosterVoterRefused(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.propose("archon-a", "cyc-001", "mot-001", contracts.IntentGeneral, "archon-a")
	b.vote("outsider", "cyc-001", "mot-001", "vot-001", contracts.VoteYea)

	st := b.fold()
	wantFinding(t, st, "not on the roster")
}

func TestFoldSupporterLawOnProposal(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b", "archon-c")

	// Proposer absent from the supporter list.
	b.add("archon-a", "cyc-001", contracts.KindMotionProposed, contracts.MotionProposedBody{
		MotionID: "mot-001", Text: "x", Supporters: []string{"archon-b"},
		ConsensusLevel: contracts.ConsensusSingle,
	})
	// Declared level does not match the supporter count.
	b.add("archon-a", "cyc-001", contracts.KindMotionProposed, contracts.MotionProposedBody{
		MotionID: "mot-002", Text: "x", Supporters: []string{"archon-a", "archon-b"},
		ConsensusLevel: contracts.ConsensusHigh,
	})
	// Supporter off the roster.
	b.add("archon-a", "cyc-001", contracts.KindMotionProposed, contracts.MotionProposedBody{
		MotionID: "mot-003", Text: "x", Supporters: []string{"archon-a", "outsider"},
		ConsensusLevel: contracts.ConsensusLow,
	})

	st := b.fold()
	wantFinding(t, st, "must support their own motion")
	wantFinding(t, st, "does not match 2 supporters")
	wantFinding(t, st, "supporter outsider is not on the roster")
	if len(st.Cycles["cyc-001"].Motions) != 0 {
		t.Error("refused filings must not create motions")
	}
}

func TestFoldDissolutionByRejectedContinuation(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b", "archon-c")
	b.propose("archon-a", "cyc-001", "mot-cont", contracts.IntentContinueOperation, "archon-a", "archon-b")
	b.vote("archon-a", "cyc-001", "mot-cont", "vot-001", contracts.VoteNay)
	b.vote("archon-b", "cyc-001", "mot-cont", "vot-002", contracts.VoteNay)
	b.vote("archon-c", "cyc-001", "mot-cont", "vot-003", contracts.VoteNay)
	b.tally("archon-a", "cyc-001", "mot-cont", 0, 3, 0, 0, 3)
	b.resolve("archon-a", "cyc-001", "mot-cont", contracts.MotionRejected, 0, 3, 0, 0, 3)
	b.add("archon-a", "cyc-001", contracts.KindDissolutionTriggered, contracts.DissolutionTriggeredBody{
		TriggerMotionID: "mot-cont", Reason: "continuation failed",
	})

	st := b.fold()
	wantNoFindings(t, st)
	if got := st.Cycles["cyc-001"].State; got != contracts.CycleDissolutionDeliberation {
		t.Fatalf("state = %s, want DISSOLUTION_DELIBERATION", got)
	}

	// An adopted general motion does not qualify as a trigger.
	b2 := newLog(t)
	readyCycle(b2, "cyc-001", 1, "archon-a", "archon-b")
	b2.propose("archon-a", "cyc-001", "mot-gen", contracts.IntentGeneral, "archon-a", "archon-b")
	b2.vote("archon-a", "cyc-001", "mot-gen", "vot-001", contracts.VoteYea)
	b2.vote("archon-b", "cyc-001", "mot-gen", "vot-002", contracts.VoteYea)
	b2.tally("archon-a", "cyc-001", "mot-gen", 2, 0, 0, 0, 2)
	b2.resolve("archon-a", "cyc-001", "mot-gen", contracts.MotionAdopted, 2, 0, 0, 0, 2)
	b2.add("archon-a", "cyc-001", contracts.KindDissolutionTriggered, contracts.DissolutionTriggeredBody{
		TriggerMotionID: "mot-gen", Reason: "bogus",
	})
	st2 := b2.fold()
	wantFinding(t, st2, "does not trigger dissolution")
}

func TestFoldReconsiderReturnsToReady(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b", "archon-c")
	b.add("archon-a", "cyc-001", contracts.KindDissolutionTriggered, contracts.DissolutionTriggeredBody{
		Reason: "operator concern",
	})
	b.file("archon-a", "cyc-001", contracts.KindReconsiderMotion, "mot-rec", "archon-a", "archon-b")
	b.vote("archon-a", "cyc-001", "mot-rec", "vot-001", contracts.VoteYea)
	b.vote("archon-b", "cyc-001", "mot-rec", "vot-002", contracts.VoteYea)
	b.vote("archon-c", "cyc-001", "mot-rec", "vot-003", contracts.VoteYea)
	b.tally("archon-a", "cyc-001", "mot-rec", 3, 0, 0, 0, 3)
	b.resolve("archon-a", "cyc-001", "mot-rec", contracts.MotionAdopted, 3, 0, 0, 0, 3)
	// Deliberation resumes where the roster left off: one utterance
	// each had been spoken by nobody, so archon-a speaks first.
	b.utter("archon-a", "cyc-001", "resuming")

	st := b.fold()
	wantNoFindings(t, st)
	if got := st.Cycles["cyc-001"].State; got != contracts.CycleReady {
		t.Fatalf("state = %s, want READY after reconsideration", got)
	}
	if got := st.Cycles["cyc-001"].AdoptedFiling; got != contracts.KindReconsiderMotion {
		t.Errorf("adopted filing = %s, want ReconsiderMotion", got)
	}
}

func TestFoldDissolveCeasesTheConclave(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b", "archon-c")
	b.add("archon-a", "cyc-001", contracts.KindDissolutionTriggered, contracts.DissolutionTriggeredBody{
		Reason: "purpose exhausted",
	})
	b.file("archon-a", "cyc-001", contracts.KindDissolveMotion, "mot-dis", "archon-a", "archon-b", "archon-c")
	b.vote("archon-a", "cyc-001", "mot-dis", "vot-001", contracts.VoteYea)
	b.vote("archon-b", "cyc-001", "mot-dis", "vot-002", contracts.VoteYea)
	b.vote("archon-c", "cyc-001", "mot-dis", "vot-003", contracts.VoteYea)
	b.tally("archon-a", "cyc-001", "mot-dis", 3, 0, 0, 0, 3)
	b.resolve("archon-a", "cyc-001", "mot-dis", contracts.MotionAdopted, 3, 0, 0, 0, 3)
	b.add("archon-a", "cyc-001", contracts.KindSuspensionBegan, contracts.SuspensionBeganBody{
		Terminal: true, Reason: "dissolution adopted",
	})
	b.utter("archon-a", "cyc-001", "anyone there?")

	st := b.fold()
	wantFinding(t, st, "conclave ceased")
	if got := st.Cycles["cyc-001"].State; got != contracts.CycleDissolved {
		t.Fatalf("state = %s, want DISSOLVED", got)
	}
	if !st.Ceased {
		t.Error("cessation flag not set")
	}
}

func TestFoldTerminalSuspensionNeedsAdoptedDissolve(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.add("archon-a", "cyc-001", contracts.KindDissolutionTriggered, contracts.DissolutionTriggeredBody{
		Reason: "testing the lock",
	})
	b.add("archon-a", "cyc-001", contracts.KindSuspensionBegan, contracts.SuspensionBeganBody{
		Terminal: true, Reason: "shortcut",
	})

	st := b.fold()
	wantFinding(t, st, "without an adopted dissolve motion")
	if st.Ceased {
		t.Error("refused cessation must not cease the conclave")
	}
}

func TestFoldIndefiniteSuspensionClose(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.add("archon-a", "cyc-001", contracts.KindDissolutionTriggered, contracts.DissolutionTriggeredBody{
		Reason: "no continuation motion",
	})
	// From dissolution deliberation the only close is indefinite
	// suspension; an ordinary close is refused.
	b.close("archon-a", "cyc-001", contracts.CycleClosed)
	b.add("archon-a", "cyc-001", contracts.KindSuspensionBegan, contracts.SuspensionBeganBody{
		Terminal: false, Reason: "deliberation concluded without continuation",
	})
	b.close("archon-a", "cyc-001", contracts.CycleIndefiniteSuspension)

	st := b.fold()
	wantFinding(t, st, "must end INDEFINITE_SUSPENSION")
	if got := st.Cycles["cyc-001"].State; got != contracts.CycleIndefiniteSuspension {
		t.Fatalf("state = %s, want INDEFINITE_SUSPENSION", got)
	}
	if st.Ceased {
		t.Error("indefinite suspension is not cessation")
	}
}

func TestFoldReformConclaveLaw(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")

	// An ordinary overlapping open is refused.
	b.open("archon-a", "cyc-002", 2)

	// A reform conclave may overlap the frozen cycle.
	b.open("archon-a", "reform-001", 2)
	b.cost("archon-a", "reform-001")
	b.rollCall("archon-a", "reform-001", "archon-a", "archon-b")

	// Ordinary motions have no place in a reform conclave.
	b.propose("archon-a", "reform-001", "mot-ord", contracts.IntentGeneral, "archon-a")

	b.file("archon-a", "reform-001", contracts.KindReformMotion, "mot-ref", "archon-a", "archon-b")
	b.vote("archon-a", "reform-001", "mot-ref", "vot-001", contracts.VoteYea)
	b.vote("archon-b", "reform-001", "mot-ref", "vot-002", contracts.VoteYea)
	b.tally("archon-a", "reform-001", "mot-ref", 2, 0, 0, 0, 2)
	resolved := b.resolve("archon-a", "reform-001", "mot-ref", contracts.MotionAdopted, 2, 0, 0, 0, 2)
	b.close("archon-a", "reform-001", contracts.CycleClosed)

	st := b.fold()
	wantFinding(t, st, "only a reform conclave may overlap")
	wantFinding(t, st, "admits only reform filings")

	conclave := st.Cycles["reform-001"]
	if conclave.State != contracts.CycleClosed {
		t.Fatalf("conclave state = %s, want CLOSED", conclave.State)
	}
	if conclave.ReformResolution != resolved.EventID {
		t.Errorf("reform resolution = %s, want %s", conclave.ReformResolution, resolved.EventID)
	}
	if cur := st.currentCycle(); cur == nil || cur.CycleID != "cyc-001" {
		t.Errorf("current cycle after conclave close = %v, want cyc-001", cur)
	}
}

func TestFoldCloseGates(t *testing.T) {
	// No cost snapshot.
	b := newLog(t)
	b.open("archon-a", "cyc-001", 1)
	b.rollCall("archon-a", "cyc-001", "archon-a", "archon-b")
	b.close("archon-a", "cyc-001", contracts.CycleClosed)
	wantFinding(t, b.fold(), "without a cost snapshot")

	// Unresponded breach.
	b = newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.add("archon-a", "cyc-001", contracts.KindBreachDeclared, contracts.BreachDeclaredBody{
		BreachID: "bre-001", BreachKind: "procedural", Description: "unanswered",
	})
	b.close("archon-a", "cyc-001", contracts.CycleClosed)
	wantFinding(t, b.fold(), "unresponded breaches")

	// Pending motion, then tabled, then the close succeeds.
	b = newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.propose("archon-a", "cyc-001", "mot-001", contracts.IntentGeneral, "archon-a")
	b.close("archon-a", "cyc-001", contracts.CycleClosed)
	b.resolve("archon-a", "cyc-001", "mot-001", contracts.MotionTabled, 0, 0, 0, 0, 2)
	b.close("archon-a", "cyc-001", contracts.CycleClosed)

	st := b.fold()
	wantFinding(t, st, "pending motion mot-001")
	if got := st.Cycles["cyc-001"].State; got != contracts.CycleClosed {
		t.Fatalf("state = %s, want CLOSED after tabling", got)
	}

	// A tallied motion cannot be closed over at all.
	b = newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.propose("archon-a", "cyc-001", "mot-001", contracts.IntentGeneral, "archon-a")
	b.vote("archon-a", "cyc-001", "mot-001", "vot-001", contracts.VoteYea)
	b.tally("archon-a", "cyc-001", "mot-001", 1, 0, 0, 0, 2)
	b.close("archon-a", "cyc-001", contracts.CycleClosed)
	wantFinding(t, b.fold(), "tallied but unresolved motion")
}

func TestFoldWithdrawalLaw(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.propose("archon-a", "cyc-001", "mot-001", contracts.IntentGeneral, "archon-a")
	// Only the proposer withdraws.
	b.resolve("archon-b", "cyc-001", "mot-001", contracts.MotionWithdrawn, 0, 0, 0, 0, 2)
	b.resolve("archon-a", "cyc-001", "mot-001", contracts.MotionWithdrawn, 0, 0, 0, 0, 2)

	st := b.fold()
	wantFinding(t, st, "only proposer archon-a may withdraw")
	if got := st.Cycles["cyc-001"].Motions["mot-001"].Status; got != contracts.MotionWithdrawn {
		t.Fatalf("status = %s, want withdrawn", got)
	}
}

func TestFoldOverrideLifecycle(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	invoked := b.add("operator-1", "cyc-001", contracts.KindOverrideInvoked, contracts.OverrideInvokedBody{
		OverrideID: "ovr-001", Declaration: "manual key rotation", Scope: "maintenance",
		DurationSeconds: 3600,
	})
	b.add("operator-1", "cyc-001", contracts.KindOverrideConcluded, contracts.OverrideConcludedBody{
		OverrideID: "ovr-001", Outcome: "completed",
	})
	// A second conclusion is refused.
	b.add("operator-1", "cyc-001", contracts.KindOverrideConcluded, contracts.OverrideConcludedBody{
		OverrideID: "ovr-001", Outcome: "completed again",
	})

	b.add("operator-1", "cyc-001", contracts.KindOverrideInvoked, contracts.OverrideInvokedBody{
		OverrideID: "ovr-002", Declaration: "emergency stop", Scope: "halt",
		DurationSeconds: 60,
	})
	b.add("sentinel", "cyc-001", contracts.KindBreachDeclared, contracts.BreachDeclaredBody{
		BreachID: "bre-exp", BreachKind: contracts.BreachKindOverrideExpired,
		Subject: "ovr-002", Description: "override lapsed unconcluded",
	})

	st := b.fold()
	wantFinding(t, st, "already concluded")

	o1 := st.Overrides["ovr-001"]
	if !o1.Concluded || o1.Outcome != "completed" {
		t.Errorf("ovr-001 = %+v, want concluded with first outcome", o1)
	}
	wantDeadline := invoked.Timestamp.Add(time.Hour)
	if !o1.Deadline.Equal(wantDeadline) {
		t.Errorf("deadline = %s, want %s", o1.Deadline, wantDeadline)
	}
	if got := st.Overrides["ovr-002"].ExpiryBreachID; got != "bre-exp" {
		t.Errorf("expiry breach link = %q, want bre-exp", got)
	}
}

func TestFoldCitationLaw(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	spoken := b.utter("archon-a", "cyc-001", "for the record")

	b.add("archon-b", "cyc-001", contracts.KindPrecedentCited, contracts.PrecedentCitedBody{
		CitedEventID: "ev_nonexistent", Grounds: "phantom", Binding: false,
	})
	cited := b.add("archon-b", "cyc-001", contracts.KindPrecedentCited, contracts.PrecedentCitedBody{
		CitedEventID: spoken.EventID, Grounds: "as archon-a said", Binding: false,
	})
	// Challenging a non-citation as a citation is refused.
	b.add("archon-a", "cyc-001", contracts.KindPrecedentChallenged, contracts.PrecedentChallengedBody{
		CitedEventID: spoken.EventID, CitationEventID: spoken.EventID, Grounds: "wrong target",
	})
	b.add("archon-a", "cyc-001", contracts.KindPrecedentChallenged, contracts.PrecedentChallengedBody{
		CitedEventID: spoken.EventID, CitationEventID: cited.EventID, Grounds: "taken out of context",
	})

	st := b.fold()
	wantFinding(t, st, "citation of unknown event")
	wantFinding(t, st, "not a citation")
	if len(st.Findings) != 2 {
		t.Errorf("findings = %d, want 2", len(st.Findings))
	}
}

func TestFoldSuppressionCounter(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.add("archon-a", "cyc-001", contracts.KindBreachDeclared, contracts.BreachDeclaredBody{
		BreachID: "bre-001", BreachKind: "procedural", Description: "open question",
	})
	b.add("archon-a", "cyc-001", contracts.KindSuppressionAttempted, contracts.SuppressionAttemptedBody{
		BreachIDs: []string{"bre-001"}, AttemptedBy: "archon-a", Action: "cycle-close",
	})
	b.add("archon-a", "cyc-001", contracts.KindSuppressionAttempted, contracts.SuppressionAttemptedBody{
		BreachIDs: []string{"bre-ghost"}, AttemptedBy: "archon-a", Action: "cycle-close",
	})

	st := b.fold()
	wantFinding(t, st, "unknown breach bre-ghost")
	if got := st.Cycles["cyc-001"].Suppressions; got != 1 {
		t.Errorf("suppressions = %d, want 1", got)
	}
}

func TestFoldSystemChainRecordsAreStateless(t *testing.T) {
	b := newLog(t)
	b.add("sentinel", "system", contracts.KindHaltDeclared, contracts.HaltDeclaredBody{
		Reason: contracts.HaltReasonDeclared, Scope: contracts.HaltScopeCore,
	})
	b.add("sentinel", "system", contracts.KindForkDetected, contracts.ForkDetectedBody{
		ChainActorID: "archon-a", Detail: "duplicate parent",
	})
	b.add("sentinel", "system", contracts.KindBreachDeclared, contracts.BreachDeclaredBody{
		BreachID: "bre-sys", BreachKind: contracts.BreachKindWitnessAnomaly,
		Description: "pair over threshold",
	})

	st := b.fold()
	wantNoFindings(t, st)
	if len(st.Cycles) != 0 {
		t.Error("system records must not create cycles")
	}
	// A global breach still enters the carry set of the next open.
	if got := st.carrySet(); len(got) != 1 || got[0] != "bre-sys" {
		t.Errorf("carry set = %v, want [bre-sys]", got)
	}
}

func TestFoldIsDeterministic(t *testing.T) {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b", "archon-c")
	b.utter("archon-a", "cyc-001", "one")
	b.propose("archon-a", "cyc-001", "mot-001", contracts.IntentGeneral, "archon-a", "archon-b")
	b.vote("archon-a", "cyc-001", "mot-001", "vot-001", contracts.VoteYea)
	b.vote("archon-b", "cyc-001", "mot-001", "vot-002", contracts.VoteAbstain)
	b.vote("archon-c", "cyc-001", "mot-001", "vot-003", contracts.VoteYea)
	b.tally("archon-a", "cyc-001", "mot-001", 2, 0, 1, 0, 3)
	b.resolve("archon-a", "cyc-001", "mot-001", contracts.MotionAdopted, 2, 0, 1, 0, 3)
	b.utter("archon-b", "cyc-001", "closing remarks")
	b.close("archon-a", "cyc-001", contracts.CycleClosed)

	first := Fold(b.events)
	second := Fold(b.events)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("two folds of the same log disagree")
	}
	wantNoFindings(t, first)
}
