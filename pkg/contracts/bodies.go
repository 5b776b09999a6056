package contracts

import (
	"encoding/json"
	"fmt"
)

// Body payloads, one fixed shape per event kind. Field sets here must
// stay aligned with the schemas in pkg/schema; the schema side is the
// one enforced at the trust boundary.

// CycleOpenedBody opens a numbered cycle. CarriedBreaches lists breach
// ids inherited unresolved from the previous cycle; they block this
// cycle's close until responded to. PrevCycleID links a successor to
// the cycle it follows, which is how a reform lineage stays replayable.
type CycleOpenedBody struct {
	Number          uint64   `json:"number"`
	Purpose         string   `json:"purpose"`
	PrevCycleID     string   `json:"prev_cycle_id,omitempty"`
	CarriedBreaches []string `json:"carried_breaches,omitempty"`
}

// CycleClosedBody ends a cycle. FinalState is CLOSED for an ordinary
// close, or INDEFINITE_SUSPENSION when dissolution deliberation ended
// with no motion filed.
type CycleClosedBody struct {
	FinalState CycleState `json:"final_state"`
	Summary    string     `json:"summary,omitempty"`
}

// RollCallCompletedBody fixes the attending roster for the cycle.
// Intake and turn-taking both key off this roster; nothing is admitted
// before it exists.
type RollCallCompletedBody struct {
	Roster     []string `json:"roster"`
	ConvenedBy string   `json:"convened_by"`
}

// AgentUtteranceBody carries one agent's turn. External material never
// appears raw: SummaryRef points at the quarantine digest it arrived
// under, if any.
type AgentUtteranceBody struct {
	Text       string `json:"text"`
	ReplyTo    string `json:"reply_to,omitempty"`
	SummaryRef string `json:"summary_ref,omitempty"`
}

// MotionProposedBody files an ordinary motion. ConsensusLevel is
// derived from len(Supporters) at proposal time and fixed thereafter.
type MotionProposedBody struct {
	MotionID       string         `json:"motion_id"`
	Text           string         `json:"text"`
	Supporters     []string       `json:"supporters"`
	ConsensusLevel ConsensusLevel `json:"consensus_level"`
	Intent         string         `json:"intent,omitempty"`
}

// VoteCastBody records one vote. The voter is the event's actor; the
// signature over the vote is the event signature itself.
type VoteCastBody struct {
	VoteID        string     `json:"vote_id"`
	MotionID      string     `json:"motion_id"`
	Choice        VoteChoice `json:"choice"`
	Justification string     `json:"justification,omitempty"`
}

// VoteTalliedBody freezes the count for a motion. The counts must be
// reproducible from the VoteCast events on chain; a tally that is not
// is an integrity failure, not a rounding dispute.
type VoteTalliedBody struct {
	MotionID   string `json:"motion_id"`
	Yea        int    `json:"yea"`
	Nay        int    `json:"nay"`
	Abstain    int    `json:"abstain"`
	Present    int    `json:"present"`
	RosterSize int    `json:"roster_size"`
}

// MotionResolvedBody declares the outcome derived from the tally.
type MotionResolvedBody struct {
	MotionID     string       `json:"motion_id"`
	Outcome      MotionStatus `json:"outcome"`
	YeaFraction  float64      `json:"yea_fraction"`
	CastFraction float64      `json:"cast_fraction"`
}

// DissolutionTriggeredBody moves the cycle into dissolution
// deliberation, naming what tripped it.
type DissolutionTriggeredBody struct {
	TriggerMotionID string `json:"trigger_motion_id,omitempty"`
	Reason          string `json:"reason"`
}

// DissolutionMotionBody is the shared shape of the three filings
// admitted during dissolution deliberation: ReconsiderMotion,
// DissolveMotion and ReformMotion.
type DissolutionMotionBody struct {
	MotionID       string         `json:"motion_id"`
	Text           string         `json:"text"`
	Supporters     []string       `json:"supporters"`
	ConsensusLevel ConsensusLevel `json:"consensus_level"`
}

// SuspensionBeganBody marks a chain or cycle suspended. Terminal
// suspension follows an adopted DissolveMotion and accepts no further
// appends, ever.
type SuspensionBeganBody struct {
	Terminal bool   `json:"terminal"`
	Reason   string `json:"reason"`
}

// Breach kinds emitted by the core itself. Actors may declare others.
const (
	BreachKindOverrideExpired     = "override-expired"
	BreachKindIntakeOverrun       = "intake-overrun"
	BreachKindCostSnapshotMissing = "cost-snapshot-missing"
	BreachKindTallyUnresolved     = "tally-without-resolution"
	BreachKindWitnessAnomaly      = "witness-anomaly"
	BreachKindQuorumUnmet         = "quorum-unmet"
)

// BreachResponded resolutions. Only a remedied breach is settled;
// acknowledged and disputed breaches carry into the next cycle.
const (
	ResolutionAcknowledged = "acknowledged"
	ResolutionRemedied     = "remedied"
	ResolutionDisputed     = "disputed"
)

// BreachDeclaredBody records a claimed constraint violation. Breaches
// are first-class events; nothing about them lives only in logs.
type BreachDeclaredBody struct {
	BreachID    string `json:"breach_id"`
	BreachKind  string `json:"breach_kind"`
	Subject     string `json:"subject,omitempty"`
	Description string `json:"description"`
}

// SuppressionAttemptedBody records an attempt to close over unresolved
// breaches. It is itself a secondary breach, separately witnessed.
type SuppressionAttemptedBody struct {
	BreachIDs   []string `json:"breach_ids"`
	AttemptedBy string   `json:"attempted_by"`
	Action      string   `json:"action"`
}

// BreachRespondedBody answers a declared breach within its cycle.
type BreachRespondedBody struct {
	BreachID   string `json:"breach_id"`
	Response   string `json:"response"`
	Resolution string `json:"resolution"`
}

// OverrideInvokedBody opens a bounded operator override. Declaration is
// captured verbatim; the event itself is the conclave notification.
type OverrideInvokedBody struct {
	OverrideID      string `json:"override_id"`
	Declaration     string `json:"declaration"`
	Scope           string `json:"scope"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// OverrideConcludedBody closes an override. Mandatory: an override with
// no conclusion by expiry becomes an override-expired breach.
type OverrideConcludedBody struct {
	OverrideID string `json:"override_id"`
	Outcome    string `json:"outcome"`
	Summary    string `json:"summary,omitempty"`
}

// PrecedentCitedBody references a prior event as persuasive material.
// Binding is literally always false; a citation never changes state.
type PrecedentCitedBody struct {
	CitedEventID string `json:"cited_event_id"`
	Grounds      string `json:"grounds"`
	Binding      bool   `json:"binding"`
	CitationKind string `json:"citation_kind,omitempty"`
}

// PrecedentChallengedBody disputes a citation as a first-class event,
// not a reply.
type PrecedentChallengedBody struct {
	CitationEventID string `json:"citation_event_id,omitempty"`
	CitedEventID    string `json:"cited_event_id"`
	Grounds         string `json:"grounds"`
}

// CostSnapshotAnnouncedBody discloses resource spend at cycle open.
// Hiding it is a breach.
type CostSnapshotAnnouncedBody struct {
	ComputeUnits     int64   `json:"compute_units"`
	WallClockSeconds float64 `json:"wall_clock_seconds"`
	AnnouncedBy      string  `json:"announced_by"`
}

// HaltDeclaredBody stops writes on a scope. Scope is either
// "chain:<actor_id>" or "core".
type HaltDeclaredBody struct {
	Reason string `json:"reason"`
	Scope  string `json:"scope"`
}

// ForkDetectedBody records two valid events claiming the same parent,
// or a halt-channel mismatch, on an identity chain.
type ForkDetectedBody struct {
	ChainActorID string `json:"chain_actor_id"`
	PrevHash     string `json:"prev_hash,omitempty"`
	Detail       string `json:"detail"`
}

// MarshalBody serializes a typed body for an append call.
func MarshalBody(body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return raw, nil
}
