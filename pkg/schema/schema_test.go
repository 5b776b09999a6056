package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/fault"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestEveryKindHasSchema(t *testing.T) {
	r := newRegistry(t)
	for _, k := range contracts.Kinds() {
		if _, ok := r.compiled[k]; !ok {
			t.Errorf("kind %s has no compiled schema", k)
		}
	}
	if len(r.compiled) != len(contracts.Kinds()) {
		t.Errorf("schema count %d != kind count %d", len(r.compiled), len(contracts.Kinds()))
	}
}

func TestValidateAcceptsTypedBodies(t *testing.T) {
	r := newRegistry(t)
	cases := []struct {
		kind contracts.Kind
		body any
	}{
		{contracts.KindCycleOpened, contracts.CycleOpenedBody{Number: 1, Purpose: "convene"}},
		{contracts.KindCycleClosed, contracts.CycleClosedBody{FinalState: contracts.CycleClosed}},
		{contracts.KindRollCallCompleted, contracts.RollCallCompletedBody{Roster: []string{"a", "b"}, ConvenedBy: "a"}},
		{contracts.KindAgentUtterance, contracts.AgentUtteranceBody{Text: "I concur."}},
		{contracts.KindMotionProposed, contracts.MotionProposedBody{
			MotionID: "m1", Text: "adopt the charter", Supporters: []string{"a", "b"},
			ConsensusLevel: contracts.ConsensusLow,
		}},
		{contracts.KindVoteCast, contracts.VoteCastBody{VoteID: "v1", MotionID: "m1", Choice: contracts.VoteYea}},
		{contracts.KindVoteTallied, contracts.VoteTalliedBody{MotionID: "m1", Yea: 3, Nay: 1, RosterSize: 4}},
		{contracts.KindMotionResolved, contracts.MotionResolvedBody{
			MotionID: "m1", Outcome: contracts.MotionAdopted, YeaFraction: 0.75, CastFraction: 1,
		}},
		{contracts.KindDissolutionTriggered, contracts.DissolutionTriggeredBody{Reason: "continuation rejected"}},
		{contracts.KindReconsiderMotion, contracts.DissolutionMotionBody{
			MotionID: "m2", Text: "reconsider", Supporters: []string{"a"}, ConsensusLevel: contracts.ConsensusSingle,
		}},
		{contracts.KindSuspensionBegan, contracts.SuspensionBeganBody{Terminal: true, Reason: "dissolved"}},
		{contracts.KindBreachDeclared, contracts.BreachDeclaredBody{
			BreachID: "br1", BreachKind: contracts.BreachKindIntakeOverrun, Description: "queue overflow",
		}},
		{contracts.KindSuppressionAttempted, contracts.SuppressionAttemptedBody{
			BreachIDs: []string{"br1"}, AttemptedBy: "chair", Action: "cycle-close",
		}},
		{contracts.KindBreachResponded, contracts.BreachRespondedBody{
			BreachID: "br1", Response: "intake rescheduled", Resolution: "remedied",
		}},
		{contracts.KindOverrideInvoked, contracts.OverrideInvokedBody{
			OverrideID: "ov1", Declaration: "emergency maintenance", Scope: "emergency", DurationSeconds: 3600,
		}},
		{contracts.KindOverrideConcluded, contracts.OverrideConcludedBody{OverrideID: "ov1", Outcome: "completed"}},
		{contracts.KindPrecedentCited, contracts.PrecedentCitedBody{
			CitedEventID: "ev_abc", Grounds: "same question in cycle 3", Binding: false,
		}},
		{contracts.KindPrecedentChallenged, contracts.PrecedentChallengedBody{
			CitedEventID: "ev_abc", Grounds: "circumstances differ",
		}},
		{contracts.KindCostSnapshotAnnounced, contracts.CostSnapshotAnnouncedBody{
			ComputeUnits: 1200, WallClockSeconds: 95.5, AnnouncedBy: "chair",
		}},
		{contracts.KindHaltDeclared, contracts.HaltDeclaredBody{Reason: "operator order", Scope: "core"}},
		{contracts.KindForkDetected, contracts.ForkDetectedBody{ChainActorID: "archon-a", Detail: "duplicate parent"}},
	}

	for _, tc := range cases {
		raw, err := contracts.MarshalBody(tc.body)
		if err != nil {
			t.Fatalf("%s: marshal: %v", tc.kind, err)
		}
		if err := r.Validate(tc.kind, raw); err != nil {
			t.Errorf("%s: valid body rejected: %v", tc.kind, err)
		}
	}
}

func TestValidateRejectsUnknownFields(t *testing.T) {
	r := newRegistry(t)
	body := json.RawMessage(`{"text":"hello","mood":"optimistic"}`)
	err := r.Validate(contracts.KindAgentUtterance, body)
	if err == nil {
		t.Fatal("unknown field must be rejected")
	}
	if fault.KindOf(err) != fault.KindSchemaViolation {
		t.Errorf("expected SchemaViolation, got %v", err)
	}
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	r := newRegistry(t)
	body := json.RawMessage(`{"motion_id":"m1"}`)
	if err := r.Validate(contracts.KindVoteTallied, body); err == nil {
		t.Fatal("tally without counts must be rejected")
	}
}

func TestValidateRejectsBindingTrue(t *testing.T) {
	r := newRegistry(t)
	body := json.RawMessage(`{"cited_event_id":"ev_abc","grounds":"because","binding":true}`)
	if err := r.Validate(contracts.KindPrecedentCited, body); err == nil {
		t.Fatal("binding citations do not exist; binding=true must be rejected")
	}
}

func TestValidateRejectsBadEnum(t *testing.T) {
	r := newRegistry(t)
	body := json.RawMessage(`{"vote_id":"v1","motion_id":"m1","choice":"maybe"}`)
	if err := r.Validate(contracts.KindVoteCast, body); err == nil {
		t.Fatal("unknown vote choice must be rejected")
	}
}

func TestValidateUnknownKind(t *testing.T) {
	r := newRegistry(t)
	err := r.Validate(contracts.Kind("Gossip"), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("unknown kind must be rejected")
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.KindSchemaViolation {
		t.Errorf("expected a SchemaViolation fault, got %v", err)
	}
}

func TestValidateEmptyAndMalformedBody(t *testing.T) {
	r := newRegistry(t)
	if err := r.Validate(contracts.KindAgentUtterance, nil); err == nil {
		t.Error("empty body must be rejected")
	}
	if err := r.Validate(contracts.KindAgentUtterance, json.RawMessage(`{"text":`)); err == nil {
		t.Error("malformed JSON must be rejected")
	}
}
