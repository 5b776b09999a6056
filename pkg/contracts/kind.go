package contracts

// Kind tags an event body. The set is closed: an append carrying an
// unknown kind is rejected at the trust boundary, not stored for later
// interpretation.
type Kind string

const (
	KindCycleOpened           Kind = "CycleOpened"
	KindCycleClosed           Kind = "CycleClosed"
	KindRollCallCompleted     Kind = "RollCallCompleted"
	KindAgentUtterance        Kind = "AgentUtterance"
	KindMotionProposed        Kind = "MotionProposed"
	KindVoteCast              Kind = "VoteCast"
	KindVoteTallied           Kind = "VoteTallied"
	KindMotionResolved        Kind = "MotionResolved"
	KindDissolutionTriggered  Kind = "DissolutionTriggered"
	KindReconsiderMotion      Kind = "ReconsiderMotion"
	KindDissolveMotion        Kind = "DissolveMotion"
	KindReformMotion          Kind = "ReformMotion"
	KindSuspensionBegan       Kind = "SuspensionBegan"
	KindBreachDeclared        Kind = "BreachDeclared"
	KindSuppressionAttempted  Kind = "SuppressionAttempted"
	KindBreachResponded       Kind = "BreachResponded"
	KindOverrideInvoked       Kind = "OverrideInvoked"
	KindOverrideConcluded     Kind = "OverrideConcluded"
	KindPrecedentCited        Kind = "PrecedentCited"
	KindPrecedentChallenged   Kind = "PrecedentChallenged"
	KindCostSnapshotAnnounced Kind = "CostSnapshotAnnounced"
	KindHaltDeclared          Kind = "HaltDeclared"
	KindForkDetected          Kind = "ForkDetected"
)

// allKinds is ordered for stable iteration in schemas and docs.
var allKinds = []Kind{
	KindCycleOpened,
	KindCycleClosed,
	KindRollCallCompleted,
	KindAgentUtterance,
	KindMotionProposed,
	KindVoteCast,
	KindVoteTallied,
	KindMotionResolved,
	KindDissolutionTriggered,
	KindReconsiderMotion,
	KindDissolveMotion,
	KindReformMotion,
	KindSuspensionBegan,
	KindBreachDeclared,
	KindSuppressionAttempted,
	KindBreachResponded,
	KindOverrideInvoked,
	KindOverrideConcluded,
	KindPrecedentCited,
	KindPrecedentChallenged,
	KindCostSnapshotAnnounced,
	KindHaltDeclared,
	KindForkDetected,
}

var kindSet = func() map[Kind]bool {
	m := make(map[Kind]bool, len(allKinds))
	for _, k := range allKinds {
		m[k] = true
	}
	return m
}()

// Kinds returns all event kinds in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// KnownKind reports whether k belongs to the closed set.
func KnownKind(k Kind) bool {
	return kindSet[k]
}

// MotionFiling reports whether k files a motion for deliberation.
// ReconsiderMotion, DissolveMotion and ReformMotion are the special
// filings admitted during dissolution deliberation; MotionProposed is
// the ordinary one.
func (k Kind) MotionFiling() bool {
	switch k {
	case KindMotionProposed, KindReconsiderMotion, KindDissolveMotion, KindReformMotion:
		return true
	}
	return false
}

// ReformPath reports whether k belongs to the minimal reform conclave.
// A core halt is sticky and its only exit is a ReformMotion adopted in
// a newly opened cycle; these are the kinds that cycle needs, and the
// only ones a halted core admits for it.
func (k Kind) ReformPath() bool {
	switch k {
	case KindCycleOpened,
		KindCostSnapshotAnnounced,
		KindRollCallCompleted,
		KindAgentUtterance,
		KindReformMotion,
		KindVoteCast,
		KindVoteTallied,
		KindMotionResolved,
		KindCycleClosed:
		return true
	}
	return false
}
