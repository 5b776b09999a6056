// Package guardian is the halt and fork detector. Every operation in
// the core consults it before acting; halt is checked first, before any
// other side effect.
//
// Halt propagates over two independent channels: a shared state row in
// the store and an in-process notification stream whose latest state
// the guardian materializes per scope. A disagreement between the
// channels means one of them was manipulated out of band; that is
// itself a fork, and the guardian halts on it.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/fault"
	"github.com/synod-labs/synod/pkg/store"
)

// Emitter records detector events on the detector's own identity
// chain. The append service implements it; injection happens after
// construction because the append service itself consults the
// guardian.
type Emitter interface {
	EmitSystem(ctx context.Context, kind contracts.Kind, body any) (string, error)
}

// subscriberBuffer bounds each notification tap. The materialized
// state map is authoritative for checks; taps are for watchers.
const subscriberBuffer = 16

// Guardian holds the sticky halt state and the fork triggers.
type Guardian struct {
	store   store.EventStore
	emitter Emitter
	logger  *slog.Logger
	clock   func() time.Time

	mu       sync.RWMutex
	notified map[string]contracts.HaltState // scope -> latest notification-channel state
	taps     []chan contracts.HaltState
}

// New creates a guardian over the shared store.
func New(st store.EventStore) *Guardian {
	return &Guardian{
		store:    st,
		logger:   slog.Default().With("component", "guardian"),
		clock:    time.Now,
		notified: make(map[string]contracts.HaltState),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Guardian) WithClock(clock func() time.Time) *Guardian {
	g.clock = clock
	return g
}

// SetEmitter injects the event writer after construction.
func (g *Guardian) SetEmitter(e Emitter) {
	g.emitter = e
}

// Subscribe taps the notification stream. The tap never blocks the
// guardian; a slow consumer misses intermediate transitions but the
// materialized state stays correct.
func (g *Guardian) Subscribe() <-chan contracts.HaltState {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan contracts.HaltState, subscriberBuffer)
	g.taps = append(g.taps, ch)
	return ch
}

// Check is the halt-first gate. It consults the core scope and the
// actor's chain scope over both channels and returns Halted if any
// says stop. A channel mismatch declares a fork, halts the scope, and
// then returns Halted like any other halt.
func (g *Guardian) Check(ctx context.Context, actorID string) error {
	scopes := []string{contracts.HaltScopeCore}
	if actorID != "" {
		scopes = append(scopes, contracts.ChainScope(actorID))
	}
	for _, scope := range scopes {
		halted, err := g.checkScope(ctx, scope)
		if err != nil {
			return err
		}
		if halted {
			return fault.ForActor(fault.KindHalted, "guardian.check", actorID,
				fmt.Sprintf("scope %s is halted", scope))
		}
	}
	return nil
}

// CheckScope is Check for one explicit scope. The cycle seal gate and
// the reform carve-out both need a single-scope answer; mismatch
// detection applies here exactly as it does in Check.
func (g *Guardian) CheckScope(ctx context.Context, scope string) error {
	halted, err := g.checkScope(ctx, scope)
	if err != nil {
		return err
	}
	if halted {
		return fault.New(fault.KindHalted, "guardian.check",
			fmt.Sprintf("scope %s is halted", scope))
	}
	return nil
}

func (g *Guardian) checkScope(ctx context.Context, scope string) (bool, error) {
	shared, err := g.store.GetHalt(ctx, scope)
	if err != nil {
		// Fail closed: an unreadable halt row blocks the write.
		return false, fault.Wrap(fault.KindHalted, "guardian.check", err)
	}

	g.mu.RLock()
	local := g.notified[scope]
	g.mu.RUnlock()

	if shared.Halted != local.Halted {
		g.logger.Error("halt channel mismatch",
			"scope", scope, "shared", shared.Halted, "notified", local.Halted)
		g.declareMismatch(ctx, scope, shared.Halted, local.Halted)
		return true, nil
	}
	return shared.Halted, nil
}

// declareMismatch records the fork and forces both channels halted.
func (g *Guardian) declareMismatch(ctx context.Context, scope string, shared, local bool) {
	detail := fmt.Sprintf("halt channels disagree for %s: shared=%v notified=%v", scope, shared, local)
	if g.emitter != nil {
		if _, err := g.emitter.EmitSystem(ctx, contracts.KindForkDetected, contracts.ForkDetectedBody{
			ChainActorID: scope,
			Detail:       detail,
		}); err != nil {
			g.logger.Error("fork event write failed", "scope", scope, "error", err)
		}
	}
	g.halt(ctx, scope, contracts.HaltState{
		Halted:     true,
		Reason:     contracts.HaltReasonChannelMismatch,
		Scope:      scope,
		DeclaredBy: "guardian",
		DeclaredAt: g.clock().UTC(),
	})
}

// DeclareHalt sets the sticky halt for a scope, recording a
// HaltDeclared event first so the cause is on chain before the state
// flips. The event write failing does not stop the halt; fail closed.
func (g *Guardian) DeclareHalt(ctx context.Context, scope, reason, declaredBy string, breaches []string) error {
	if scope == "" {
		return fmt.Errorf("halt scope required")
	}
	if g.emitter != nil {
		if _, err := g.emitter.EmitSystem(ctx, contracts.KindHaltDeclared, contracts.HaltDeclaredBody{
			Reason: reason,
			Scope:  scope,
		}); err != nil && !errors.Is(err, fault.Halted) {
			g.logger.Error("halt event write failed", "scope", scope, "error", err)
		}
	}
	g.halt(ctx, scope, contracts.HaltState{
		Halted:             true,
		Reason:             reason,
		Scope:              scope,
		DeclaredBy:         declaredBy,
		DeclaredAt:         g.clock().UTC(),
		UnresolvedBreaches: breaches,
	})
	g.logger.Warn("halt declared", "scope", scope, "reason", reason, "declared_by", declaredBy)
	return nil
}

// ReportFork records a fork on an identity chain and halts it. The
// trigger is a second child for one prev_hash or a signature that does
// not verify; either way the chain stops taking writes.
func (g *Guardian) ReportFork(ctx context.Context, actorID, prevHash, detail string) error {
	if g.emitter != nil {
		if _, err := g.emitter.EmitSystem(ctx, contracts.KindForkDetected, contracts.ForkDetectedBody{
			ChainActorID: actorID,
			PrevHash:     prevHash,
			Detail:       detail,
		}); err != nil {
			g.logger.Error("fork event write failed", "actor", actorID, "error", err)
		}
	}
	scope := contracts.ChainScope(actorID)
	g.halt(ctx, scope, contracts.HaltState{
		Halted:     true,
		Reason:     contracts.HaltReasonFork,
		Scope:      scope,
		DeclaredBy: "guardian",
		DeclaredAt: g.clock().UTC(),
	})
	g.logger.Warn("fork detected", "actor", actorID, "prev_hash", prevHash, "detail", detail)
	return nil
}

// halt persists the shared row and pushes the notification in one
// critical section so the two channels move together.
func (g *Guardian) halt(ctx context.Context, scope string, h contracts.HaltState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.notified[scope]; ok && existing.Halted && !h.Halted {
		// Sticky: nothing downgrades a halt through this path.
		return
	}
	if err := g.store.SetHalt(ctx, scope, h); err != nil {
		g.logger.Error("halt row write failed", "scope", scope, "error", err)
	}
	g.notified[scope] = h
	for _, tap := range g.taps {
		select {
		case tap <- h:
		default:
		}
	}
}

// Seal closes a scope without a HaltDeclared event: the caller's
// terminal event is already on chain as the cause, recorded here as
// DeclaredBy. Sticky like any halt; nothing reopens a sealed cycle.
func (g *Guardian) Seal(ctx context.Context, scope, reason, causeEventID string) {
	g.halt(ctx, scope, contracts.HaltState{
		Halted:     true,
		Reason:     reason,
		Scope:      scope,
		DeclaredBy: causeEventID,
		DeclaredAt: g.clock().UTC(),
	})
	g.logger.Info("scope sealed", "scope", scope, "reason", reason, "cause", causeEventID)
}

// ClearForReform lifts a halt. The only legal caller is the ritual
// engine after a ReformMotion was adopted and a new cycle opened; the
// adopted motion's resolution event is recorded as the authority.
func (g *Guardian) ClearForReform(ctx context.Context, scope, reformEventID string) error {
	if reformEventID == "" {
		return fmt.Errorf("reform event id required to clear %s", scope)
	}
	cleared := contracts.HaltState{Halted: false, Scope: scope}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.store.SetHalt(ctx, scope, cleared); err != nil {
		return fmt.Errorf("clear halt row: %w", err)
	}
	g.notified[scope] = cleared
	for _, tap := range g.taps {
		select {
		case tap <- cleared:
		default:
		}
	}
	g.logger.Info("halt cleared by reform", "scope", scope, "reform_event", reformEventID)
	return nil
}

// Adopt primes the notification channel from the shared rows at boot.
// A fresh process starts with an empty notification map; without
// adoption, the first check of a scope halted in an earlier run would
// read as a channel mismatch and declare a fork that never happened.
// It reads every halt row, not just scopes the log mentions: an
// operator can halt a chain before its identity ever writes.
func (g *Guardian) Adopt(ctx context.Context) error {
	rows, err := g.store.Halts(ctx)
	if err != nil {
		return fmt.Errorf("read halt rows: %w", err)
	}
	for _, h := range rows {
		if !h.Halted {
			continue
		}
		g.mu.Lock()
		g.notified[h.Scope] = h
		g.mu.Unlock()
		g.logger.Info("halt adopted from store", "scope", h.Scope, "reason", h.Reason)
	}
	return nil
}

// Halted reports the current state for a scope without side effects,
// for the observer surface.
func (g *Guardian) Halted(ctx context.Context, scope string) (contracts.HaltState, error) {
	return g.store.GetHalt(ctx, scope)
}

// Halts lists every halt row in the shared store, cleared ones
// included, without side effects.
func (g *Guardian) Halts(ctx context.Context) ([]contracts.HaltState, error) {
	return g.store.Halts(ctx)
}
