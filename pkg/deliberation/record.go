package deliberation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/fault"
	"github.com/synod-labs/synod/pkg/witness"
)

// RevokeLeaseScope prefixes an override scope that severs a live
// identity lease. The actor id follows the colon.
const RevokeLeaseScope = "revoke-lease:"

// DeclareBreach records a claimed constraint violation on the
// declarer's own chain, stamped with the current cycle or the system
// cycle when none is open.
func (p *Pipeline) DeclareBreach(ctx context.Context, sess Session, kind, subject, description string) (string, *contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if kind == "" || description == "" {
		return "", nil, fmt.Errorf("deliberation: breach needs a kind and a description")
	}
	breachID := "bre-" + uuid.NewString()
	ev, err := p.submit(ctx, sess, p.recordCycle(), contracts.KindBreachDeclared, contracts.BreachDeclaredBody{
		BreachID:    breachID,
		BreachKind:  kind,
		Subject:     subject,
		Description: description,
	}, "breach:"+breachID)
	if err != nil {
		return "", nil, err
	}
	p.logger.Warn("breach declared", "breach_id", breachID, "breach_kind", kind, "declared_by", sess.ActorID)
	return breachID, ev, nil
}

// RespondBreach answers a declared breach. The response lands in the
// current cycle, which is what lets a breach declared earlier stop
// blocking this cycle's close.
func (p *Pipeline) RespondBreach(ctx context.Context, sess Session, breachID, response, resolution string) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.engine.Breach(breachID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBreach, breachID)
	}
	switch resolution {
	case contracts.ResolutionAcknowledged, contracts.ResolutionRemedied, contracts.ResolutionDisputed:
	default:
		return nil, fmt.Errorf("deliberation: unknown resolution %q", resolution)
	}
	cycleID := p.recordCycle()
	return p.submit(ctx, sess, cycleID, contracts.KindBreachResponded, contracts.BreachRespondedBody{
		BreachID:   breachID,
		Response:   response,
		Resolution: resolution,
	}, "respond:"+breachID+":"+cycleID)
}

// InvokeOverride opens a bounded operator override. The invocation is
// itself the conclave notification; it is extra-witnessed at the
// ledger. A revoke-lease scope additionally severs the named actor's
// lease once the event is on chain.
func (p *Pipeline) InvokeOverride(ctx context.Context, sess Session, declaration, scope string, d time.Duration) (string, *contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if declaration == "" {
		return "", nil, fmt.Errorf("deliberation: an override needs a declaration")
	}
	if d <= 0 {
		d = p.cfg.OverrideDefault
	}
	overrideID := "ovr-" + uuid.NewString()
	ev, err := p.submit(ctx, sess, p.recordCycle(), contracts.KindOverrideInvoked, contracts.OverrideInvokedBody{
		OverrideID:      overrideID,
		Declaration:     declaration,
		Scope:           scope,
		DurationSeconds: int64(d / time.Second),
	}, "override:"+overrideID)
	if err != nil {
		return "", nil, err
	}
	p.logger.Warn("override invoked", "override_id", overrideID, "scope", scope, "invoked_by", sess.ActorID, "duration", d)

	if target, ok := strings.CutPrefix(scope, RevokeLeaseScope); ok && target != "" {
		if p.revoker == nil {
			return overrideID, ev, fmt.Errorf("deliberation: no lease revoker wired for scope %s", scope)
		}
		if err := p.revoker.ForceRevoke(ctx, target, ev.EventID); err != nil {
			return overrideID, ev, fmt.Errorf("revoke lease of %s: %w", target, err)
		}
		p.logger.Warn("lease revoked under override", "actor_id", target, "override_id", overrideID)
	}
	return overrideID, ev, nil
}

// ConcludeOverride closes an open override. Concluding is mandatory:
// an override left open past its deadline becomes an override-expired
// breach.
func (p *Pipeline) ConcludeOverride(ctx context.Context, sess Session, overrideID, outcome, summary string) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.engine.Override(overrideID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOverride, overrideID)
	}
	if o.Concluded {
		return nil, fmt.Errorf("%w: %s", ErrOverrideConcluded, overrideID)
	}
	if outcome == "" {
		return nil, fmt.Errorf("deliberation: an override conclusion needs an outcome")
	}
	cycleID := p.recordCycle()
	if cyc, ok := p.engine.Cycle(o.CycleID); ok && !cyc.State.Terminal() {
		cycleID = o.CycleID
	}
	return p.submit(ctx, sess, cycleID, contracts.KindOverrideConcluded, contracts.OverrideConcludedBody{
		OverrideID: overrideID,
		Outcome:    outcome,
		Summary:    summary,
	}, "conclude:"+overrideID)
}

// Cite appends a precedent citation against an existing event. The
// target must already be on chain; a citation is never binding.
func (p *Pipeline) Cite(ctx context.Context, sess Session, citedEventID, grounds, citationKind string) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cycleID := p.recordCycle()
	return p.attributed(ctx, sess, cycleID, func(token, prevHash string) (*contracts.Event, error) {
		return p.attrib.Cite(ctx, witness.CiteRequest{
			ActorID:      sess.ActorID,
			Epoch:        sess.Epoch,
			CycleID:      cycleID,
			ClientToken:  token,
			PrevHash:     prevHash,
			CitedEventID: citedEventID,
			Grounds:      grounds,
			CitationKind: citationKind,
		})
	})
}

// Challenge appends a dispute against an existing citation. Both stay
// on chain; readers weigh them side by side.
func (p *Pipeline) Challenge(ctx context.Context, sess Session, citationEventID, grounds string) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cycleID := p.recordCycle()
	return p.attributed(ctx, sess, cycleID, func(token, prevHash string) (*contracts.Event, error) {
		return p.attrib.Challenge(ctx, witness.ChallengeRequest{
			ActorID:         sess.ActorID,
			Epoch:           sess.Epoch,
			CycleID:         cycleID,
			ClientToken:     token,
			PrevHash:        prevHash,
			CitationEventID: citationEventID,
			Grounds:         grounds,
		})
	})
}

// attributed runs one attribution append with the same tip composition
// and stale retry the ordinary submit path gets.
func (p *Pipeline) attributed(ctx context.Context, sess Session, cycleID string, fn func(token, prevHash string) (*contracts.Event, error)) (*contracts.Event, error) {
	token := uuid.NewString()
	var lastErr error
	for attempt := 0; attempt <= staleRetries; attempt++ {
		tip, err := p.ledger.Tip(ctx, sess.ActorID)
		if err != nil {
			return nil, err
		}
		started := time.Now()
		ev, err := fn(token, tip.PrevHash)
		if err == nil {
			p.recordSpend(ctx, cycleID, time.Since(started))
			return ev, nil
		}
		if fault.KindOf(err) != fault.KindStaleChain {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
