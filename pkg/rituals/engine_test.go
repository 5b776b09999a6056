package rituals

import (
	"context"
	"testing"
	"time"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/guardian"
	"github.com/synod-labs/synod/pkg/store"
)

func newEngineFixture(t *testing.T) (*Engine, *guardian.Guardian) {
	t.Helper()
	st := store.NewMemory()
	guard := guardian.New(st)
	return NewEngine(guard), guard
}

func applyAll(e *Engine, events []*contracts.Event) {
	for _, ev := range events {
		e.Apply(*ev)
	}
}

func haltedScope(t *testing.T, guard *guardian.Guardian, scope string) contracts.HaltState {
	t.Helper()
	h, err := guard.Halted(context.Background(), scope)
	if err != nil {
		t.Fatalf("Halted(%s): %v", scope, err)
	}
	return h
}

func closedCycleLog(t *testing.T) *logBuilder {
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	b.utter("archon-a", "cyc-001", "position")
	b.close("archon-a", "cyc-001", contracts.CycleClosed)
	return b
}

func TestEngineSealsClosedCycle(t *testing.T) {
	e, guard := newEngineFixture(t)
	applyAll(e, closedCycleLog(t).events)

	seal := haltedScope(t, guard, contracts.CycleScope("cyc-001"))
	if !seal.Halted || seal.Reason != contracts.SealReasonClosed {
		t.Fatalf("cycle seal = %+v, want halted with %s", seal, contracts.SealReasonClosed)
	}
	if core := haltedScope(t, guard, contracts.HaltScopeCore); core.Halted {
		t.Error("ordinary close must not touch the core scope")
	}
}

func TestEngineBootstrapIsPure(t *testing.T) {
	e, guard := newEngineFixture(t)
	if findings := e.Bootstrap(closedCycleLog(t).events); findings != 0 {
		t.Fatalf("bootstrap findings = %d, want 0", findings)
	}

	if seal := haltedScope(t, guard, contracts.CycleScope("cyc-001")); seal.Halted {
		t.Error("bootstrap must not write halt rows; seals are live-time effects")
	}
	snap, ok := e.Cycle("cyc-001")
	if !ok || snap.State != contracts.CycleClosed {
		t.Fatalf("rebuilt cycle = %+v, want CLOSED", snap)
	}
	if _, ok := e.CurrentCycle(); ok {
		t.Error("no cycle should be current after a close")
	}
}

func TestEngineCessationSealsCore(t *testing.T) {
	e, guard := newEngineFixture(t)
	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b", "archon-c")
	b.add("archon-a", "cyc-001", contracts.KindDissolutionTriggered, contracts.DissolutionTriggeredBody{
		Reason: "purpose exhausted",
	})
	b.file("archon-a", "cyc-001", contracts.KindDissolveMotion, "mot-dis", "archon-a", "archon-b")
	b.vote("archon-a", "cyc-001", "mot-dis", "vot-001", contracts.VoteYea)
	b.vote("archon-b", "cyc-001", "mot-dis", "vot-002", contracts.VoteYea)
	b.vote("archon-c", "cyc-001", "mot-dis", "vot-003", contracts.VoteYea)
	b.tally("archon-a", "cyc-001", "mot-dis", 3, 0, 0, 0, 3)
	b.resolve("archon-a", "cyc-001", "mot-dis", contracts.MotionAdopted, 3, 0, 0, 0, 3)
	b.add("archon-a", "cyc-001", contracts.KindSuspensionBegan, contracts.SuspensionBeganBody{
		Terminal: true, Reason: "dissolution adopted",
	})
	applyAll(e, b.events)

	if core := haltedScope(t, guard, contracts.HaltScopeCore); !core.Halted || core.Reason != contracts.SealReasonDissolved {
		t.Fatalf("core = %+v, want sealed with %s", core, contracts.SealReasonDissolved)
	}
	if seal := haltedScope(t, guard, contracts.CycleScope("cyc-001")); !seal.Halted {
		t.Error("dissolved cycle scope must be sealed")
	}
	if !e.Ceased() {
		t.Error("engine must report cessation")
	}
}

func TestEngineHaltsOnLiveFinding(t *testing.T) {
	e, guard := newEngineFixture(t)
	b := newLog(t)
	b.utter("archon-a", "cyc-missing", "talking to nobody")
	applyAll(e, b.events)

	core := haltedScope(t, guard, contracts.HaltScopeCore)
	if !core.Halted || core.Reason != contracts.HaltReasonWriteFailure {
		t.Fatalf("core = %+v, want halted with %s", core, contracts.HaltReasonWriteFailure)
	}
	if len(e.Findings()) != 1 {
		t.Errorf("findings = %d, want 1", len(e.Findings()))
	}
}

func TestEngineReformAdoptionClearsCoreHalt(t *testing.T) {
	e, guard := newEngineFixture(t)
	ctx := context.Background()

	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	applyAll(e, b.events)

	if err := guard.DeclareHalt(ctx, contracts.HaltScopeCore, contracts.HaltReasonSuppression, "test", nil); err != nil {
		t.Fatalf("DeclareHalt: %v", err)
	}

	conclave := newLog(t)
	conclave.open("archon-a", "reform-001", 2)
	conclave.cost("archon-a", "reform-001")
	conclave.rollCall("archon-a", "reform-001", "archon-a", "archon-b")
	conclave.file("archon-a", "reform-001", contracts.KindReformMotion, "mot-ref", "archon-a", "archon-b")
	conclave.vote("archon-a", "reform-001", "mot-ref", "vot-001", contracts.VoteYea)
	conclave.vote("archon-b", "reform-001", "mot-ref", "vot-002", contracts.VoteYea)
	conclave.tally("archon-a", "reform-001", "mot-ref", 2, 0, 0, 0, 2)
	conclave.resolve("archon-a", "reform-001", "mot-ref", contracts.MotionAdopted, 2, 0, 0, 0, 2)
	applyAll(e, conclave.events)

	if core := haltedScope(t, guard, contracts.HaltScopeCore); core.Halted {
		t.Fatalf("core still halted after reform adoption: %+v", core)
	}
	snap, _ := e.Cycle("reform-001")
	if snap.State != contracts.CycleReforming {
		t.Errorf("conclave state = %s, want REFORMING", snap.State)
	}
}

func TestEngineRosterFallbacks(t *testing.T) {
	e, _ := newEngineFixture(t)
	ctx := context.Background()

	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	applyAll(e, b.events)

	got, err := e.Roster(ctx, "cyc-001")
	if err != nil || len(got) != 2 {
		t.Fatalf("Roster(cyc-001) = %v, %v", got, err)
	}
	// System-chain events draw from the current cycle.
	got, _ = e.Roster(ctx, contracts.SystemCycle)
	if len(got) != 2 {
		t.Fatalf("Roster(system) = %v, want current roster", got)
	}

	// After the cycle closes, the last roster still serves.
	closing := newLog(t)
	closing.seq["archon-a"] = 3 // continue the chain fiction
	closing.now = b.now
	closing.close("archon-a", "cyc-001", contracts.CycleClosed)
	applyAll(e, closing.events)

	got, _ = e.Roster(ctx, contracts.SystemCycle)
	if len(got) != 2 {
		t.Errorf("Roster(system) after close = %v, want last seated roster", got)
	}
}

func TestEngineOverrideExpiryViews(t *testing.T) {
	e, _ := newEngineFixture(t)

	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b")
	invoked := b.add("operator-1", "cyc-001", contracts.KindOverrideInvoked, contracts.OverrideInvokedBody{
		OverrideID: "ovr-001", Declaration: "manual intervention", Scope: "maintenance",
		DurationSeconds: 60,
	})
	applyAll(e, b.events)

	late := invoked.Timestamp.Add(2 * time.Minute)
	expired := e.ExpiredOverrides(late)
	if len(expired) != 1 || expired[0].OverrideID != "ovr-001" {
		t.Fatalf("expired = %+v, want ovr-001", expired)
	}

	// Filing the expiry breach debounces the watchdog and opens the
	// unresolved-expiry gate.
	b2 := newLog(t)
	b2.now = late
	b2.add("sentinel", "cyc-001", contracts.KindBreachDeclared, contracts.BreachDeclaredBody{
		BreachID: "bre-exp", BreachKind: contracts.BreachKindOverrideExpired,
		Subject: "ovr-001", Description: "override lapsed unconcluded",
	})
	applyAll(e, b2.events)

	if got := e.ExpiredOverrides(late.Add(time.Minute)); len(got) != 0 {
		t.Errorf("expired after filing = %+v, want none", got)
	}
	if got := e.UnresolvedExpiries(); len(got) != 1 || got[0] != "ovr-001" {
		t.Fatalf("unresolved expiries = %v, want [ovr-001]", got)
	}

	b3 := newLog(t)
	b3.now = late.Add(2 * time.Minute)
	b3.add("archon-a", "cyc-001", contracts.KindBreachResponded, contracts.BreachRespondedBody{
		BreachID: "bre-exp", Response: "operator debriefed", Resolution: contracts.ResolutionAcknowledged,
	})
	applyAll(e, b3.events)

	if got := e.UnresolvedExpiries(); len(got) != 0 {
		t.Errorf("unresolved expiries after response = %v, want none", got)
	}
}

func TestEngineMotionSnapshotOrder(t *testing.T) {
	e, _ := newEngineFixture(t)

	b := newLog(t)
	readyCycle(b, "cyc-001", 1, "archon-a", "archon-b", "archon-c")
	b.propose("archon-b", "cyc-001", "mot-001", contracts.IntentGeneral, "archon-b")
	b.vote("archon-c", "cyc-001", "mot-001", "vot-001", contracts.VoteYea)
	b.vote("archon-a", "cyc-001", "mot-001", "vot-002", contracts.VoteNay)
	b.vote("archon-c", "cyc-001", "mot-001", "vot-003", contracts.VotePresent)
	applyAll(e, b.events)

	m, ok := e.Motion("mot-001")
	if !ok {
		t.Fatal("motion not found")
	}
	if m.Voters() != 2 {
		t.Fatalf("voters = %d, want 2 distinct", m.Voters())
	}
	if m.Votes[0].VoterID != "archon-c" || m.Votes[1].VoterID != "archon-a" {
		t.Errorf("vote order = %s,%s; want first-cast order", m.Votes[0].VoterID, m.Votes[1].VoterID)
	}
	if m.Votes[0].Choice != contracts.VotePresent {
		t.Errorf("archon-c effective ballot = %s, want replacement present", m.Votes[0].Choice)
	}
}
