package contracts

import "time"

// SystemActor is the reserved identity chain on which the core records
// detector events: halts, forks, monitor breaches. No lease is ever
// issued for it and no caller may write to it directly.
const SystemActor = "sentinel"

// SystemCycle is the cycle id stamped on system chain events.
const SystemCycle = "system"

// Lease is the identity gate's grant: at most one live lease per
// actor_id at any moment. Epoch increments on every revocation, fencing
// out writers holding stale grants.
type Lease struct {
	ActorID   string    `json:"actor_id"`
	Epoch     uint64    `json:"epoch"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the lease is unexpired at now.
func (l Lease) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// AgentIdentity binds an actor to its signing key for one epoch.
// Events signed under epoch n are invalid once any epoch above n has
// been leased.
type AgentIdentity struct {
	ActorID   string `json:"actor_id"`
	Epoch     uint64 `json:"epoch"`
	PublicKey string `json:"public_key"`
}
