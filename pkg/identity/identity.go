// Package identity is the agent identity gate: at most one live
// instance per actor_id at any moment, enforced by short-lived leases
// with heartbeat renewal and epoch fencing.
//
// Every revocation path bumps the epoch: explicit release, missed
// heartbeat, forced revocation under an override. The signing key is
// derived per epoch, so a fenced instance cannot produce a signature
// the trust boundary will accept.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/crypto"
	"github.com/synod-labs/synod/pkg/fault"
	"github.com/synod-labs/synod/pkg/observability"
)

// Record is the stored lease state for one actor. Epoch is a
// high-water mark that only rises; Held marks whether the current
// epoch's lease is still claimed.
type Record struct {
	Epoch     uint64
	ExpiresAt time.Time
	Held      bool
}

// LeaseStore persists lease records. Acquire and Heartbeat must be
// atomic per actor; the memory store locks, the redis store runs Lua.
type LeaseStore interface {
	// Acquire grants the lease when none is live, bumping the epoch.
	// Returns the resulting record and whether the grant happened.
	Acquire(ctx context.Context, actorID string, now time.Time, ttl time.Duration) (Record, bool, error)

	// Heartbeat extends a live lease held under epoch. A renewal
	// arriving at or past expires_at minus margin is late and refused.
	Heartbeat(ctx context.Context, actorID string, epoch uint64, now time.Time, ttl, margin time.Duration) (Record, bool, error)

	// Release drops the lease if epoch still holds it.
	Release(ctx context.Context, actorID string, epoch uint64) (bool, error)

	// Revoke drops the lease unconditionally, keeping the epoch
	// high-water mark.
	Revoke(ctx context.Context, actorID string) error

	// Current reads the record without side effects.
	Current(ctx context.Context, actorID string) (Record, error)

	// Sweep releases leases already expired at now and reports how
	// many it touched. Epoch marks survive.
	Sweep(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// Gate issues leases, fences epochs for the append service, and
// provisions the per-epoch signing keys inside the trust boundary.
type Gate struct {
	store   LeaseStore
	ring    *crypto.KeyRing
	seed    []byte
	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics

	ttl    time.Duration
	margin time.Duration
	system map[string]bool
}

// DefaultTTL applies when configuration names none.
const DefaultTTL = 30 * time.Second

// NewGate builds the gate over a lease store. The root seed feeds
// epoch key derivation; public keys register on the ring at acquire
// time so read-side verification can follow epoch history.
func NewGate(store LeaseStore, ring *crypto.KeyRing, rootSeed []byte, ttl time.Duration) (*Gate, error) {
	if len(rootSeed) < 16 {
		return nil, fmt.Errorf("identity root seed too short: %d bytes", len(rootSeed))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{
		store:  store,
		ring:   ring,
		seed:   rootSeed,
		clock:  time.Now,
		logger: slog.Default().With("component", "identity"),
		ttl:    ttl,
		margin: ttl / 5,
		system: make(map[string]bool),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// SetMetrics injects the Prometheus instruments.
func (g *Gate) SetMetrics(m *observability.Metrics) { g.metrics = m }

// AllowSystem marks reserved identities that sign without a lease at
// epoch zero. The sentinel chain is the only production user.
func (g *Gate) AllowSystem(actorIDs ...string) {
	for _, id := range actorIDs {
		g.system[id] = true
	}
}

// TTL reports the configured lease duration.
func (g *Gate) TTL() time.Duration { return g.ttl }

// Acquire claims the identity for one instance. A live lease on the
// actor refuses the claim; an expired or released one grants a fresh
// lease under the next epoch.
func (g *Gate) Acquire(ctx context.Context, actorID string) (contracts.Lease, error) {
	const op = "identity.acquire"
	if actorID == "" {
		return contracts.Lease{}, fault.New(fault.KindIdentityConflict, op, "actor_id required")
	}
	if g.system[actorID] {
		return contracts.Lease{}, fault.ForActor(fault.KindIdentityConflict, op, actorID,
			"reserved identity cannot be leased")
	}

	now := g.clock().UTC()
	rec, granted, err := g.store.Acquire(ctx, actorID, now, g.ttl)
	if err != nil {
		return contracts.Lease{}, fmt.Errorf("%s: %w", op, err)
	}
	if !granted {
		return contracts.Lease{}, fault.ForActor(fault.KindIdentityConflict, op, actorID,
			fmt.Sprintf("live lease under epoch %d until %s", rec.Epoch, rec.ExpiresAt.Format(time.RFC3339)))
	}

	if err := g.registerEpochKey(actorID, rec.Epoch); err != nil {
		// The grant stands but nothing can sign under it; surface the
		// conflict rather than hand out an unusable lease.
		return contracts.Lease{}, err
	}

	if g.metrics != nil {
		g.metrics.ActiveLeases.Inc()
	}
	g.logger.Info("lease acquired", "actor", actorID, "epoch", rec.Epoch, "expires_at", rec.ExpiresAt)
	return contracts.Lease{ActorID: actorID, Epoch: rec.Epoch, ExpiresAt: rec.ExpiresAt}, nil
}

// Heartbeat renews a live lease. Renewal must land strictly before
// expires_at minus the safety margin; anything later is treated as a
// missed heartbeat and the instance must re-acquire under a new epoch.
func (g *Gate) Heartbeat(ctx context.Context, actorID string, epoch uint64) (contracts.Lease, error) {
	const op = "identity.heartbeat"
	now := g.clock().UTC()
	rec, renewed, err := g.store.Heartbeat(ctx, actorID, epoch, now, g.ttl, g.margin)
	if err != nil {
		return contracts.Lease{}, fmt.Errorf("%s: %w", op, err)
	}
	if !renewed {
		return contracts.Lease{}, fault.ForActor(fault.KindIdentityConflict, op, actorID,
			fmt.Sprintf("renewal under epoch %d refused; store holds epoch %d held=%v expires %s",
				epoch, rec.Epoch, rec.Held, rec.ExpiresAt.Format(time.RFC3339)))
	}
	return contracts.Lease{ActorID: actorID, Epoch: rec.Epoch, ExpiresAt: rec.ExpiresAt}, nil
}

// Release drops the lease explicitly. In-flight writes under the
// released epoch fail authorization from this moment.
func (g *Gate) Release(ctx context.Context, actorID string, epoch uint64) error {
	const op = "identity.release"
	dropped, err := g.store.Release(ctx, actorID, epoch)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !dropped {
		return fault.ForActor(fault.KindIdentityConflict, op, actorID,
			fmt.Sprintf("epoch %d does not hold the lease", epoch))
	}
	if g.metrics != nil {
		g.metrics.ActiveLeases.Dec()
	}
	g.logger.Info("lease released", "actor", actorID, "epoch", epoch)
	return nil
}

// ForceRevoke fences the current holder immediately. Only the override
// ritual may call it, and the recorded OverrideInvoked event id is the
// authority; revocation without one is refused.
func (g *Gate) ForceRevoke(ctx context.Context, actorID, overrideEventID string) error {
	const op = "identity.force_revoke"
	if overrideEventID == "" {
		return fault.ForActor(fault.KindIdentityConflict, op, actorID,
			"revocation requires the override event id")
	}
	if err := g.store.Revoke(ctx, actorID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if g.metrics != nil {
		g.metrics.ActiveLeases.Dec()
	}
	g.logger.Warn("lease force-revoked", "actor", actorID, "override_event", overrideEventID)
	return nil
}

// Authorize fences a write claimed under (actorID, epoch). It passes
// only while that exact epoch holds a live lease.
func (g *Gate) Authorize(ctx context.Context, actorID string, epoch uint64) error {
	const op = "identity.authorize"
	if g.system[actorID] {
		if epoch != 0 {
			return fault.ForActor(fault.KindIdentityConflict, op, actorID,
				"reserved identity writes only under epoch 0")
		}
		return nil
	}

	rec, err := g.store.Current(ctx, actorID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	now := g.clock().UTC()
	switch {
	case !rec.Held || !now.Before(rec.ExpiresAt):
		return fault.ForActor(fault.KindIdentityConflict, op, actorID,
			fmt.Sprintf("no live lease; epoch high-water %d", rec.Epoch))
	case rec.Epoch != epoch:
		return fault.ForActor(fault.KindIdentityConflict, op, actorID,
			fmt.Sprintf("epoch %d superseded by %d", epoch, rec.Epoch))
	}
	return nil
}

// SignerFor hands the append service the signing key for an epoch.
// Keys never leave the boundary; callers get a Signer, not bytes.
func (g *Gate) SignerFor(actorID string, epoch uint64) (crypto.Signer, error) {
	if g.system[actorID] && epoch != 0 {
		return nil, fmt.Errorf("reserved identity %s signs only at epoch 0", actorID)
	}
	s, err := crypto.EpochSigner(g.seed, actorID, epoch)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LiveSigner returns the signing key for the actor's current live
// lease. Witness co-signing goes through here: a witness signs under
// the epoch it presently holds, never a past one.
func (g *Gate) LiveSigner(ctx context.Context, actorID string) (crypto.Signer, error) {
	if g.system[actorID] {
		return g.SignerFor(actorID, 0)
	}
	rec, err := g.store.Current(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("identity.live_signer: %w", err)
	}
	if !rec.Held || !g.clock().UTC().Before(rec.ExpiresAt) {
		return nil, fmt.Errorf("%s holds no live lease", actorID)
	}
	return g.SignerFor(actorID, rec.Epoch)
}

// Sweep is the audited housekeeping pass: expired leases flip to
// released so their holders fail authorization without waiting for a
// write to bounce. Epoch marks and event rows are untouched.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	now := g.clock().UTC()
	n, err := g.store.Sweep(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("identity.sweep: %w", err)
	}
	if n > 0 {
		if g.metrics != nil {
			g.metrics.ActiveLeases.Sub(float64(n))
		}
		g.logger.Info("expired leases swept", "count", n)
	}
	return n, nil
}

// RegisterSystemKeys derives and registers epoch-zero keys for the
// reserved identities so verification covers the system chain.
func (g *Gate) RegisterSystemKeys() error {
	for id := range g.system {
		if err := g.registerEpochKey(id, 0); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gate) registerEpochKey(actorID string, epoch uint64) error {
	signer, err := crypto.EpochSigner(g.seed, actorID, epoch)
	if err != nil {
		return fmt.Errorf("derive key for %s/%d: %w", actorID, epoch, err)
	}
	return g.ring.Register(contracts.AgentIdentity{
		ActorID:   actorID,
		Epoch:     epoch,
		PublicKey: signer.PublicKey(),
	})
}
