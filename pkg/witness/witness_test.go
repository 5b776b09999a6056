package witness

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/synod-labs/synod/pkg/canonical"
	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/crypto"
	"github.com/synod-labs/synod/pkg/fault"
	"github.com/synod-labs/synod/pkg/guardian"
	"github.com/synod-labs/synod/pkg/ledger"
	"github.com/synod-labs/synod/pkg/schema"
	"github.com/synod-labs/synod/pkg/store"
	"github.com/synod-labs/synod/pkg/timeauth"
)

var testSeed = []byte("synod-witness-test-root-seed-001")

// roundSigners serves both the append path and the witness round:
// epoch 1 for roster members, epoch 0 for the reserved identity.
type roundSigners struct{ seed []byte }

func (p roundSigners) SignerFor(actorID string, epoch uint64) (crypto.Signer, error) {
	return crypto.EpochSigner(p.seed, actorID, epoch)
}

func (p roundSigners) LiveSigner(ctx context.Context, actorID string) (crypto.Signer, error) {
	epoch := uint64(1)
	if actorID == ledger.SystemActor {
		epoch = 0
	}
	return crypto.EpochSigner(p.seed, actorID, epoch)
}

type fixture struct {
	svc      *ledger.Service
	guard    *guardian.Guardian
	ring     *crypto.KeyRing
	selector *Selector
}

func newFixture(t *testing.T, roster []string, min int) *fixture {
	t.Helper()
	st := store.NewMemory()
	guard := guardian.New(st)
	ring := crypto.NewKeyRing()
	schemas, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("schema registry: %v", err)
	}
	signers := roundSigners{testSeed}
	svc := ledger.New(st, guard, schemas, signers, ring, timeauth.NewLocal())
	guard.SetEmitter(svc)

	register(t, ring, ledger.SystemActor, 0)
	for _, id := range roster {
		register(t, ring, id, 1)
	}

	sel := NewSelector(StaticRoster(roster), signers, guard, min)
	svc.SetWitnessRound(sel)
	return &fixture{svc: svc, guard: guard, ring: ring, selector: sel}
}

func register(t *testing.T, ring *crypto.KeyRing, actorID string, epoch uint64) {
	t.Helper()
	signer, err := crypto.EpochSigner(testSeed, actorID, epoch)
	if err != nil {
		t.Fatalf("derive %s/%d: %v", actorID, epoch, err)
	}
	err = ring.Register(contracts.AgentIdentity{ActorID: actorID, Epoch: epoch, PublicKey: signer.PublicKey()})
	if err != nil {
		t.Fatalf("register %s/%d: %v", actorID, epoch, err)
	}
}

func (f *fixture) append(t *testing.T, actor, prev, token, text string) *contracts.Event {
	t.Helper()
	ev, err := f.svc.Append(context.Background(), ledger.AppendRequest{
		ActorID:     actor,
		Epoch:       1,
		CycleID:     "cyc_witness",
		Kind:        contracts.KindAgentUtterance,
		Body:        contracts.AgentUtteranceBody{Text: text},
		ClientToken: token,
		PrevHash:    prev,
	})
	if err != nil {
		t.Fatalf("append for %s: %v", actor, err)
	}
	return ev
}

func TestSelectDeterministic(t *testing.T) {
	pool := []string{"archon-b", "archon-c", "archon-d", "archon-e"}
	seed := sha256.Sum256([]byte("fixed"))

	first := Select(seed, pool, 2)
	if len(first) != 2 {
		t.Fatalf("selected %d witnesses, want 2", len(first))
	}
	for i := 0; i < 10; i++ {
		again := Select(seed, pool, 2)
		if len(again) != 2 || again[0] != first[0] || again[1] != first[1] {
			t.Fatalf("selection unstable: %v then %v", first, again)
		}
	}

	// Pool order must not matter.
	shuffledPool := []string{"archon-e", "archon-c", "archon-b", "archon-d"}
	reordered := Select(seed, shuffledPool, 2)
	if reordered[0] != first[0] || reordered[1] != first[1] {
		t.Fatalf("pool order changed selection: %v vs %v", first, reordered)
	}
}

func TestSelectSpreadsAcrossSeeds(t *testing.T) {
	pool := []string{"archon-b", "archon-c", "archon-d", "archon-e", "archon-f", "archon-g"}
	chosen := make(map[string]int)
	for i := 0; i < 300; i++ {
		seed := sha256.Sum256([]byte(fmt.Sprintf("seed-%d", i)))
		for _, id := range Select(seed, pool, 2) {
			chosen[id]++
		}
	}
	for _, id := range pool {
		if chosen[id] == 0 {
			t.Fatalf("%s never selected across 300 seeds: %v", id, chosen)
		}
	}
}

func TestSelectWantClamped(t *testing.T) {
	pool := []string{"archon-b", "archon-c"}
	seed := sha256.Sum256([]byte("clamp"))
	got := Select(seed, pool, 5)
	if len(got) != 2 {
		t.Fatalf("selected %d from pool of 2, want 2", len(got))
	}
	if got := Select(seed, nil, 2); got != nil {
		t.Fatalf("empty pool selected %v", got)
	}
}

func TestPermuteIsBijective(t *testing.T) {
	seed := sha256.Sum256([]byte("bijection"))
	const n = 17
	seen := make(map[uint64]bool, n)
	for i := uint64(0); i < n; i++ {
		pos := permute(i, n, seed)
		if pos >= n {
			t.Fatalf("permute(%d) = %d out of range", i, pos)
		}
		if seen[pos] {
			t.Fatalf("position %d produced twice", pos)
		}
		seen[pos] = true
	}
}

func TestRequiredForElevatedKinds(t *testing.T) {
	sel := NewSelector(StaticRoster(nil), roundSigners{testSeed}, nil, 2)
	if got := sel.RequiredFor(contracts.KindAgentUtterance); got != 2 {
		t.Fatalf("utterance requires %d, want 2", got)
	}
	for _, kind := range []contracts.Kind{
		contracts.KindSuspensionBegan,
		contracts.KindOverrideInvoked,
		contracts.KindOverrideConcluded,
	} {
		if got := sel.RequiredFor(kind); got != 3 {
			t.Fatalf("%s requires %d, want 3", kind, got)
		}
	}

	clamped := NewSelector(StaticRoster(nil), roundSigners{testSeed}, nil, 0)
	if got := clamped.RequiredFor(contracts.KindAgentUtterance); got != DefaultMin {
		t.Fatalf("floor not applied: %d", got)
	}
}

func TestCoSignExcludesWriterAndVerifies(t *testing.T) {
	f := newFixture(t, []string{"archon-a", "archon-b", "archon-c", "archon-d"}, 2)

	ev := f.append(t, "archon-a", canonical.Genesis, "tok-1", "convene")
	if len(ev.Witnesses) != 2 {
		t.Fatalf("got %d witness signatures, want 2", len(ev.Witnesses))
	}
	for _, w := range ev.Witnesses {
		if w.WitnessID == "archon-a" {
			t.Fatal("writer co-signed its own event")
		}
		if w.Signature == "" {
			t.Fatalf("witness %s attached an empty signature", w.WitnessID)
		}
	}

	// Stored copy carries the signatures and the whole chain verifies,
	// witness signatures included.
	stored, err := f.svc.Event(context.Background(), ev.EventID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(stored.Witnesses) != 2 {
		t.Fatalf("stored copy has %d witness signatures, want 2", len(stored.Witnesses))
	}
	if _, err := f.svc.VerifyChain(context.Background(), "archon-a"); err != nil {
		t.Fatalf("chain with witness signatures failed verification: %v", err)
	}
}

func TestCoSignSkipsHaltedWitness(t *testing.T) {
	f := newFixture(t, []string{"archon-a", "archon-b", "archon-c", "archon-d"}, 2)
	ctx := context.Background()

	err := f.guard.DeclareHalt(ctx, contracts.ChainScope("archon-b"), contracts.HaltReasonFork, "test", nil)
	if err != nil {
		t.Fatalf("declare halt: %v", err)
	}

	ev := f.append(t, "archon-a", canonical.Genesis, "tok-1", "convene")
	if len(ev.Witnesses) != 2 {
		t.Fatalf("got %d witness signatures, want 2", len(ev.Witnesses))
	}
	for _, w := range ev.Witnesses {
		if w.WitnessID == "archon-b" {
			t.Fatal("halted identity drew witness duty")
		}
	}
}

func TestMonitorFlagsPersistentPair(t *testing.T) {
	f := newFixture(t, []string{"archon-a", "archon-b", "archon-c"}, 2)
	ctx := context.Background()

	mon := NewMonitor(f.svc).WithThresholds(32, 4, 0.25)
	f.selector.SetMonitor(mon)

	// Pool for archon-a's events is always {archon-b, archon-c}, so the
	// same pair co-signs every one of them.
	prev := canonical.Genesis
	for i := 0; i < 6; i++ {
		ev := f.append(t, "archon-a", prev, fmt.Sprintf("tok-%d", i), fmt.Sprintf("turn %d", i))
		prev = ev.ChainHash
	}
	if got := mon.PairCount("archon-b", "archon-c"); got < 4 {
		t.Fatalf("pair count = %d, want at least 4", got)
	}

	system, err := f.svc.Chain(ctx, ledger.SystemActor)
	if err != nil {
		t.Fatalf("system chain: %v", err)
	}
	var citations, breaches int
	for _, ev := range system {
		switch ev.Kind {
		case contracts.KindPrecedentCited:
			var body contracts.PrecedentCitedBody
			if err := json.Unmarshal(ev.Body, &body); err != nil {
				t.Fatalf("citation body: %v", err)
			}
			if body.CitationKind != CitationKindAnomaly {
				continue
			}
			if body.Binding {
				t.Fatal("anomaly citation marked binding")
			}
			if body.CitedEventID == "" {
				t.Fatal("anomaly citation cites nothing")
			}
			citations++
		case contracts.KindBreachDeclared:
			var body contracts.BreachDeclaredBody
			if err := json.Unmarshal(ev.Body, &body); err != nil {
				t.Fatalf("breach body: %v", err)
			}
			if body.BreachKind != contracts.BreachKindWitnessAnomaly {
				continue
			}
			if body.Subject != "archon-b+archon-c" {
				t.Fatalf("breach subject = %q", body.Subject)
			}
			breaches++
		}
	}
	if citations != 1 {
		t.Fatalf("got %d anomaly citations, want exactly 1 (debounced)", citations)
	}
	if breaches != 1 {
		t.Fatalf("got %d anomaly breaches, want exactly 1 (debounced)", breaches)
	}

	// Flagging is advisory: nothing halts.
	state, err := f.guard.Halted(ctx, contracts.HaltScopeCore)
	if err != nil {
		t.Fatalf("halt state: %v", err)
	}
	if state.Halted {
		t.Fatal("anomaly flag halted the core")
	}
}

func TestCiteRequiresExistingEvent(t *testing.T) {
	f := newFixture(t, []string{"archon-a", "archon-b"}, 2)
	attr := NewAttribution(f.svc)

	_, err := attr.Cite(context.Background(), CiteRequest{
		ActorID:      "archon-a",
		Epoch:        1,
		CycleID:      "cyc_witness",
		ClientToken:  "tok-cite",
		PrevHash:     canonical.Genesis,
		CitedEventID: "ev_does_not_exist",
		Grounds:      "prior ruling",
	})
	if fault.KindOf(err) != fault.KindSchemaViolation {
		t.Fatalf("cite of missing event: err = %v, want schema violation", err)
	}
}

func TestCiteAndChallenge(t *testing.T) {
	f := newFixture(t, []string{"archon-a", "archon-b", "archon-c"}, 2)
	ctx := context.Background()
	attr := NewAttribution(f.svc)

	base := f.append(t, "archon-a", canonical.Genesis, "tok-base", "the original ruling")

	cite, err := attr.Cite(ctx, CiteRequest{
		ActorID:      "archon-b",
		Epoch:        1,
		CycleID:      "cyc_witness",
		ClientToken:  "tok-cite",
		PrevHash:     canonical.Genesis,
		CitedEventID: base.EventID,
		Grounds:      "same question was settled before",
	})
	if err != nil {
		t.Fatalf("cite: %v", err)
	}
	if cite.Kind != contracts.KindPrecedentCited {
		t.Fatalf("cite kind = %s", cite.Kind)
	}
	var citeBody contracts.PrecedentCitedBody
	if err := json.Unmarshal(cite.Body, &citeBody); err != nil {
		t.Fatalf("cite body: %v", err)
	}
	if citeBody.Binding {
		t.Fatal("citation recorded as binding")
	}

	challenge, err := attr.Challenge(ctx, ChallengeRequest{
		ActorID:         "archon-c",
		Epoch:           1,
		CycleID:         "cyc_witness",
		ClientToken:     "tok-challenge",
		PrevHash:        canonical.Genesis,
		CitationEventID: cite.EventID,
		Grounds:         "facts differ materially",
	})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	var chBody contracts.PrecedentChallengedBody
	if err := json.Unmarshal(challenge.Body, &chBody); err != nil {
		t.Fatalf("challenge body: %v", err)
	}
	if chBody.CitationEventID != cite.EventID || chBody.CitedEventID != base.EventID {
		t.Fatalf("challenge references wrong events: %+v", chBody)
	}

	// The challenged events are untouched and the core keeps running.
	reread, err := f.svc.Event(ctx, base.EventID)
	if err != nil {
		t.Fatalf("reread base: %v", err)
	}
	if reread.ChainHash != base.ChainHash {
		t.Fatal("challenge altered the cited event")
	}
	state, err := f.guard.Halted(ctx, contracts.HaltScopeCore)
	if err != nil {
		t.Fatalf("halt state: %v", err)
	}
	if state.Halted {
		t.Fatal("challenge halted the core")
	}
}

func TestChallengeRejectsNonCitation(t *testing.T) {
	f := newFixture(t, []string{"archon-a", "archon-b"}, 2)
	base := f.append(t, "archon-a", canonical.Genesis, "tok-base", "just an utterance")

	_, err := NewAttribution(f.svc).Challenge(context.Background(), ChallengeRequest{
		ActorID:         "archon-b",
		Epoch:           1,
		CycleID:         "cyc_witness",
		ClientToken:     "tok-challenge",
		PrevHash:        canonical.Genesis,
		CitationEventID: base.EventID,
		Grounds:         "not even a citation",
	})
	if fault.KindOf(err) != fault.KindSchemaViolation {
		t.Fatalf("challenge of non-citation: err = %v, want schema violation", err)
	}
}
