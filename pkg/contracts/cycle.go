package contracts

import "strings"

// ReformCyclePrefix marks a cycle opened to exit a core halt. While
// the core scope is halted, only cycles named under this prefix take
// writes, and only reform-path kinds.
const ReformCyclePrefix = "reform-"

// IsReformCycle reports whether cycleID names a reform conclave.
func IsReformCycle(cycleID string) bool {
	return strings.HasPrefix(cycleID, ReformCyclePrefix)
}

// CycleState is the closed set of cycle conditions. Transitions happen
// only through named event kinds; no timer or background job advances a
// cycle.
type CycleState string

const (
	// CycleOpen follows CycleOpened, before the roll call.
	CycleOpen CycleState = "OPEN"
	// CycleReady follows RollCallCompleted; deliberation may begin.
	CycleReady CycleState = "READY"
	// CycleDissolutionDeliberation admits only the three dissolution
	// filings: reconsider, dissolve, reform.
	CycleDissolutionDeliberation CycleState = "DISSOLUTION_DELIBERATION"
	// CycleReforming follows an adopted ReformMotion; the successor
	// cycle clears it.
	CycleReforming CycleState = "REFORMING"
	// CycleClosed is the ordinary terminal state.
	CycleClosed CycleState = "CLOSED"
	// CycleDissolved is terminal; the chain accepts no further appends.
	CycleDissolved CycleState = "DISSOLVED"
	// CycleIndefiniteSuspension is terminal until explicit external
	// reconvention.
	CycleIndefiniteSuspension CycleState = "INDEFINITE_SUSPENSION"
)

// Terminal reports whether s accepts no further cycle transitions.
func (s CycleState) Terminal() bool {
	switch s {
	case CycleClosed, CycleDissolved, CycleIndefiniteSuspension:
		return true
	}
	return false
}

// Accepting reports whether the cycle takes new deliberation events.
func (s CycleState) Accepting() bool {
	return s == CycleReady || s == CycleDissolutionDeliberation
}

// Cycle is the folded view of one deliberation session.
type Cycle struct {
	CycleID         string     `json:"cycle_id"`
	Number          uint64     `json:"number"`
	Purpose         string     `json:"purpose"`
	State           CycleState `json:"state"`
	Roster          []string   `json:"roster,omitempty"`
	OpenedBy        string     `json:"opened_by"`
	PrevCycleID     string     `json:"prev_cycle_id,omitempty"`
	CarriedBreaches []string   `json:"carried_breaches,omitempty"`
}

// OnRoster reports whether actorID attends this cycle.
func (c *Cycle) OnRoster(actorID string) bool {
	for _, id := range c.Roster {
		if id == actorID {
			return true
		}
	}
	return false
}
