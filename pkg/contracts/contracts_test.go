package contracts

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/synod-labs/synod/pkg/canonical"
)

func TestDeriveConsensusLevel(t *testing.T) {
	cases := []struct {
		supporters int
		want       ConsensusLevel
	}{
		{1, ConsensusSingle},
		{2, ConsensusLow},
		{3, ConsensusLow},
		{4, ConsensusMedium},
		{7, ConsensusMedium},
		{8, ConsensusHigh},
		{15, ConsensusHigh},
		{16, ConsensusCritical},
		{40, ConsensusCritical},
	}
	for _, tc := range cases {
		got, err := DeriveConsensusLevel(tc.supporters)
		if err != nil {
			t.Fatalf("DeriveConsensusLevel(%d): %v", tc.supporters, err)
		}
		if got != tc.want {
			t.Errorf("DeriveConsensusLevel(%d) = %s, want %s", tc.supporters, got, tc.want)
		}
	}

	if _, err := DeriveConsensusLevel(0); err == nil {
		t.Error("zero supporters must not derive a level")
	}
}

func TestDefaultThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("built-in table invalid: %v", err)
	}
}

func TestThresholdTableRejectsNonMonotone(t *testing.T) {
	table := DefaultThresholds()
	table[ConsensusCritical] = Threshold{MinYea: 0.40, MinCast: 0.30} // below HIGH
	if err := table.Validate(); err == nil {
		t.Error("non-monotone table must fail validation")
	}

	table = DefaultThresholds()
	delete(table, ConsensusMedium)
	if err := table.Validate(); err == nil {
		t.Error("table missing a level must fail validation")
	}
}

func TestTallyFractions(t *testing.T) {
	// Roster of four, all cast, one nay.
	tally := Tally{MotionID: "m1", Yea: 3, Nay: 1, RosterSize: 4}
	if got := tally.YeaFraction(); got != 0.75 {
		t.Errorf("YeaFraction = %v, want 0.75", got)
	}
	if got := tally.CastFraction(); got != 1.0 {
		t.Errorf("CastFraction = %v, want 1.0", got)
	}
	if !tally.MeetsThreshold(DefaultThresholds()[ConsensusLow]) {
		t.Error("3/1 over full roster must clear LOW")
	}
}

func TestTallyAbstainExcludedFromYeaDenominator(t *testing.T) {
	tally := Tally{Yea: 2, Nay: 1, Abstain: 5, RosterSize: 10}
	if got := tally.YeaFraction(); got != 2.0/3.0 {
		t.Errorf("YeaFraction = %v, want 2/3", got)
	}
	if got := tally.CastFraction(); got != 0.8 {
		t.Errorf("CastFraction = %v, want 0.8", got)
	}
}

func TestTallyCriticalRejection(t *testing.T) {
	// 10 yea, 20 nay on a roster of 30: turnout clears CRITICAL but the
	// yea fraction is nowhere near 0.75.
	tally := Tally{Yea: 10, Nay: 20, RosterSize: 30}
	if tally.MeetsThreshold(DefaultThresholds()[ConsensusCritical]) {
		t.Error("one third yea must not clear CRITICAL")
	}
}

func TestTallyNoEffectiveVotes(t *testing.T) {
	tally := Tally{Abstain: 4, RosterSize: 4}
	if got := tally.YeaFraction(); got != 0 {
		t.Errorf("all-abstain YeaFraction = %v, want 0", got)
	}
	if tally.MeetsThreshold(DefaultThresholds()[ConsensusSingle]) {
		t.Error("all-abstain tally must not adopt anything")
	}
}

func newTestEvent(t *testing.T) *Event {
	t.Helper()
	body, err := MarshalBody(AgentUtteranceBody{Text: "I move we proceed."})
	if err != nil {
		t.Fatalf("MarshalBody: %v", err)
	}
	return &Event{
		ActorID:       "archon-a",
		Epoch:         1,
		CycleID:       "cycle-1",
		Kind:          KindAgentUtterance,
		Sequence:      4,
		Timestamp:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		FormatVersion: FormatVersion,
		ClientToken:   "tok-1",
		PrevHash:      canonical.HashBytes([]byte("parent")),
		Body:          body,
	}
}

func TestComputeChainHashDeterministic(t *testing.T) {
	e := newTestEvent(t)
	h1, err := e.ComputeChainHash()
	if err != nil {
		t.Fatalf("ComputeChainHash: %v", err)
	}
	h2, err := e.ComputeChainHash()
	if err != nil {
		t.Fatalf("ComputeChainHash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}
	if !canonical.Valid(h1) {
		t.Errorf("chain hash malformed: %s", h1)
	}
}

func TestComputeChainHashIgnoresBodyKeyOrder(t *testing.T) {
	e1 := newTestEvent(t)
	e1.Body = json.RawMessage(`{"reply_to":"ev_x","text":"aye"}`)
	e2 := newTestEvent(t)
	e2.Body = json.RawMessage(`{"text":"aye","reply_to":"ev_x"}`)

	h1, err := e1.ComputeChainHash()
	if err != nil {
		t.Fatalf("ComputeChainHash: %v", err)
	}
	h2, err := e2.ComputeChainHash()
	if err != nil {
		t.Fatalf("ComputeChainHash: %v", err)
	}
	if h1 != h2 {
		t.Error("body key order must not change the chain hash")
	}
}

func TestComputeChainHashNormalizesZone(t *testing.T) {
	e1 := newTestEvent(t)
	e2 := newTestEvent(t)
	e2.Timestamp = e2.Timestamp.In(time.FixedZone("X", 3*3600))

	h1, _ := e1.ComputeChainHash()
	h2, _ := e2.ComputeChainHash()
	if h1 != h2 {
		t.Error("host zone must not change the chain hash")
	}
}

func TestComputeChainHashSensitivity(t *testing.T) {
	base := newTestEvent(t)
	baseHash, err := base.ComputeChainHash()
	if err != nil {
		t.Fatalf("ComputeChainHash: %v", err)
	}

	mutated := newTestEvent(t)
	mutated.PrevHash = canonical.HashBytes([]byte("other-parent"))
	otherHash, err := mutated.ComputeChainHash()
	if err != nil {
		t.Fatalf("ComputeChainHash: %v", err)
	}
	if baseHash == otherHash {
		t.Error("prev_hash must be part of the chain hash")
	}

	mutated = newTestEvent(t)
	mutated.Epoch = 2
	otherHash, _ = mutated.ComputeChainHash()
	if baseHash == otherHash {
		t.Error("epoch must be part of the chain hash")
	}
}

func TestEventIDFor(t *testing.T) {
	h := canonical.HashBytes([]byte("sealed"))
	id, err := EventIDFor(h)
	if err != nil {
		t.Fatalf("EventIDFor: %v", err)
	}
	if !strings.HasPrefix(id, EventIDPrefix) {
		t.Errorf("event id missing prefix: %s", id)
	}
	if len(id) != len(EventIDPrefix)+64 {
		t.Errorf("event id wrong length: %s", id)
	}
	if _, err := EventIDFor(canonical.Genesis); err == nil {
		t.Error("genesis sentinel must not produce an event id")
	}
}

func TestCheckFormatVersion(t *testing.T) {
	if err := CheckFormatVersion("1.2.9"); err != nil {
		t.Errorf("same-major version rejected: %v", err)
	}
	if err := CheckFormatVersion("2.0.0"); err == nil {
		t.Error("major bump must be rejected")
	}
	if err := CheckFormatVersion("not-a-version"); err == nil {
		t.Error("junk version must be rejected")
	}
}

func TestKindClosedSet(t *testing.T) {
	kinds := Kinds()
	if len(kinds) != 23 {
		t.Fatalf("expected 23 event kinds, got %d", len(kinds))
	}
	for _, k := range kinds {
		if !KnownKind(k) {
			t.Errorf("declared kind %s not recognized", k)
		}
	}
	if KnownKind("CycleReopened") {
		t.Error("unknown kind must not be recognized")
	}
}

func TestMotionFilingKinds(t *testing.T) {
	filings := []Kind{KindMotionProposed, KindReconsiderMotion, KindDissolveMotion, KindReformMotion}
	for _, k := range filings {
		if !k.MotionFiling() {
			t.Errorf("%s should file a motion", k)
		}
	}
	if KindVoteCast.MotionFiling() {
		t.Error("VoteCast does not file a motion")
	}
}

func TestMotionStatusTerminal(t *testing.T) {
	if !MotionAdopted.Terminal() || !MotionRejected.Terminal() {
		t.Error("adopted and rejected are terminal")
	}
	if MotionTabled.Terminal() || MotionPending.Terminal() || MotionWithdrawn.Terminal() {
		t.Error("pending, tabled and withdrawn are not terminal")
	}
}

func TestCycleStateClassification(t *testing.T) {
	for _, s := range []CycleState{CycleClosed, CycleDissolved, CycleIndefiniteSuspension} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.Accepting() {
			t.Errorf("%s should not accept events", s)
		}
	}
	if !CycleReady.Accepting() || !CycleDissolutionDeliberation.Accepting() {
		t.Error("READY and DISSOLUTION_DELIBERATION accept events")
	}
	if CycleOpen.Accepting() {
		t.Error("OPEN precedes the roll call and accepts no deliberation")
	}
}

func TestLeaseLive(t *testing.T) {
	now := time.Now()
	l := Lease{ActorID: "archon-a", Epoch: 3, ExpiresAt: now.Add(30 * time.Second)}
	if !l.Live(now) {
		t.Error("unexpired lease should be live")
	}
	if l.Live(now.Add(31 * time.Second)) {
		t.Error("expired lease should not be live")
	}
}
