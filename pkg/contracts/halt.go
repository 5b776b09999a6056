package contracts

import "time"

// Halt reasons raised by the core. A HaltDeclared event may carry any
// reason; these are the ones the detector itself emits.
const (
	HaltReasonFork            = "fork-detected"
	HaltReasonSignature       = "signature-verification-failed"
	HaltReasonChannelMismatch = "halt-channel-mismatch"
	HaltReasonDeclared        = "explicit-declaration"
	HaltReasonSuppression     = "breach-suppression"
	HaltReasonWriteFailure    = "pipeline-write-failure"
)

// Seal reasons stamped on terminal cycle scopes. A seal is a quiet
// halt: the terminal event is already on chain as the cause, so no
// HaltDeclared accompanies it.
const (
	SealReasonClosed    = "cycle-closed"
	SealReasonDissolved = "cycle-dissolved"
	SealReasonSuspended = "cycle-suspended"
)

// HaltScopeCore names the whole-core halt scope; per-chain scopes are
// "chain:<actor_id>" and per-cycle scopes "cycle:<cycle_id>".
const HaltScopeCore = "core"

// ChainScope builds the halt scope string for one identity chain.
func ChainScope(actorID string) string {
	return "chain:" + actorID
}

// CycleScope builds the halt scope string for one cycle's record. A
// terminal cycle is sealed under this scope; appends stamped with its
// id come back Halted forever after.
func CycleScope(cycleID string) string {
	return "cycle:" + cycleID
}

// HaltState is the sticky halt record. Once Halted is true nothing
// clears it except an adopted ReformMotion opening a new cycle; no
// timer, heartbeat or retry touches it.
type HaltState struct {
	Halted             bool      `json:"halted"`
	Reason             string    `json:"reason,omitempty"`
	Scope              string    `json:"scope,omitempty"`
	DeclaredBy         string    `json:"declared_by,omitempty"`
	DeclaredAt         time.Time `json:"declared_at,omitempty"`
	UnresolvedBreaches []string  `json:"unresolved_breaches,omitempty"`
}
