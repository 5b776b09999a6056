package contracts

// MotionStatus tracks a motion through its life. Adopted and rejected
// are terminal; nothing reopens them.
type MotionStatus string

const (
	MotionPending   MotionStatus = "pending"
	MotionTabled    MotionStatus = "tabled"
	MotionAdopted   MotionStatus = "adopted"
	MotionRejected  MotionStatus = "rejected"
	MotionWithdrawn MotionStatus = "withdrawn"
)

// Terminal reports whether s admits no further transition.
func (s MotionStatus) Terminal() bool {
	return s == MotionAdopted || s == MotionRejected
}

// Motion intents the orchestrator acts on beyond the motion text. A
// continuation motion that fails triggers dissolution deliberation; an
// open-dissolution motion that passes does the same.
const (
	IntentGeneral           = "general"
	IntentContinueOperation = "continue-operation"
	IntentOpenDissolution   = "open-dissolution"
)

// Motion is the deliberation pipeline's working record of a filed
// motion, folded from MotionProposed and its vote events.
type Motion struct {
	MotionID       string         `json:"motion_id"`
	CycleID        string         `json:"cycle_id"`
	ProposedBy     string         `json:"proposed_by"`
	FiledAs        Kind           `json:"filed_as"`
	Text           string         `json:"text"`
	Supporters     []string       `json:"supporters"`
	ConsensusLevel ConsensusLevel `json:"consensus_level"`
	Intent         string         `json:"intent,omitempty"`
	Status         MotionStatus   `json:"status"`
}

// VoteChoice is the closed set of ballot options. Present signals
// attendance without a position; it counts toward turnout only.
type VoteChoice string

const (
	VoteYea     VoteChoice = "yea"
	VoteNay     VoteChoice = "nay"
	VoteAbstain VoteChoice = "abstain"
	VotePresent VoteChoice = "present"
)

// KnownVoteChoice reports whether c is a valid ballot option.
func KnownVoteChoice(c VoteChoice) bool {
	switch c {
	case VoteYea, VoteNay, VoteAbstain, VotePresent:
		return true
	}
	return false
}

// Vote is one voter's current ballot on a motion. Sequence is the
// position of the VoteCast event in the voter's identity chain; a later
// ballot replaces an earlier one only while the motion is open and only
// with a strictly higher sequence.
type Vote struct {
	VoteID        string     `json:"vote_id"`
	MotionID      string     `json:"motion_id"`
	VoterID       string     `json:"voter_id"`
	Choice        VoteChoice `json:"choice"`
	Justification string     `json:"justification,omitempty"`
	Signature     string     `json:"signature"`
	Sequence      uint64     `json:"sequence"`
}

// Tally is the frozen count for a motion at tally time.
type Tally struct {
	MotionID   string `json:"motion_id"`
	Yea        int    `json:"yea"`
	Nay        int    `json:"nay"`
	Abstain    int    `json:"abstain"`
	Present    int    `json:"present"`
	RosterSize int    `json:"roster_size"`
}

// Cast is the number of ballots of any choice.
func (t Tally) Cast() int {
	return t.Yea + t.Nay + t.Abstain + t.Present
}

// effective is the adoption denominator: ballots cast minus
// abstentions. Present stays in; it is a seat filled, not a seat
// silent.
func (t Tally) effective() int {
	return t.Yea + t.Nay + t.Present
}

// YeaFraction is yea over effective votes. Zero effective votes yield
// zero, which no threshold accepts.
func (t Tally) YeaFraction() float64 {
	eff := t.effective()
	if eff == 0 {
		return 0
	}
	return float64(t.Yea) / float64(eff)
}

// CastFraction is turnout over roster size.
func (t Tally) CastFraction() float64 {
	if t.RosterSize == 0 {
		return 0
	}
	return float64(t.Cast()) / float64(t.RosterSize)
}

// MeetsThreshold reports whether the tally clears the adoption rule.
func (t Tally) MeetsThreshold(th Threshold) bool {
	return t.YeaFraction() >= th.MinYea && t.CastFraction() >= th.MinCast
}
