package deliberation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/quarantine"
	"github.com/synod-labs/synod/pkg/rituals"
)

// OpenCycle opens the next numbered cycle, carrying forward every
// breach the previous cycle left unremedied, and immediately announces
// the previous cycle's cost snapshot. While the core is halted the
// opened cycle is a reform conclave; its id carries the reform prefix
// and it admits only the reform path.
func (p *Pipeline) OpenCycle(ctx context.Context, sess Session, purpose string) (string, *contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.engine.Ceased() {
		return "", nil, ErrCeased
	}
	core, err := p.guard.Halted(ctx, contracts.HaltScopeCore)
	if err != nil {
		return "", nil, fmt.Errorf("read core halt: %w", err)
	}
	if core.Halted && core.Reason == contracts.SealReasonDissolved {
		return "", nil, ErrCeased
	}
	reform := core.Halted

	// Expired overrides must be answered before ordinary business
	// resumes. A reform conclave is exempt: responding is not on the
	// reform path, so gating it here would wedge the only exit.
	if !reform {
		if open := p.engine.UnresolvedExpiries(); len(open) > 0 {
			return "", nil, fmt.Errorf("%w: %v", ErrOverrideUnresolved, open)
		}
	}
	if cur, ok := p.engine.CurrentCycle(); ok {
		// One cycle at a time, except that a reform conclave may
		// overlap the halted cycle it is reforming out of.
		if !reform || contracts.IsReformCycle(cur.CycleID) {
			return "", nil, fmt.Errorf("%w: %s is %s", ErrCycleOpen, cur.CycleID, cur.State)
		}
	}

	cycleID := "cyc-" + uuid.NewString()
	if reform {
		cycleID = contracts.ReformCyclePrefix + uuid.NewString()
	}
	order := p.engine.CycleIDs()
	prevID := ""
	if len(order) > 0 {
		prevID = order[len(order)-1]
	}

	ev, err := p.submit(ctx, sess, cycleID, contracts.KindCycleOpened, contracts.CycleOpenedBody{
		Number:          uint64(len(order)) + 1,
		Purpose:         purpose,
		PrevCycleID:     prevID,
		CarriedBreaches: p.engine.CarrySet(),
	}, "open:"+cycleID)
	if err != nil {
		return "", nil, err
	}
	p.logger.Info("cycle opened", "cycle_id", cycleID, "number", uint64(len(order))+1, "reform", reform, "opened_by", sess.ActorID)

	if _, err := p.announceCost(ctx, sess, cycleID, prevID); err != nil {
		return cycleID, ev, err
	}
	return cycleID, ev, nil
}

// AnnounceCost discloses the previous cycle's resource spend on the
// current cycle. OpenCycle does this automatically; the standalone
// operation exists so a cycle whose automatic announcement failed can
// disclose late instead of never.
func (p *Pipeline) AnnounceCost(ctx context.Context, sess Session) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.engine.CurrentCycle()
	if !ok {
		return nil, ErrNoCycle
	}
	return p.announceCost(ctx, sess, cur.CycleID, cur.PrevCycleID)
}

func (p *Pipeline) announceCost(ctx context.Context, sess Session, cycleID, prevID string) (*contracts.Event, error) {
	var units int64
	var wall float64
	if p.meter != nil && prevID != "" {
		var err error
		units, wall, err = p.meter.Totals(ctx, prevID)
		if err != nil {
			return nil, fmt.Errorf("cost totals for %s: %w", prevID, err)
		}
	}
	return p.submit(ctx, sess, cycleID, contracts.KindCostSnapshotAnnounced, contracts.CostSnapshotAnnouncedBody{
		ComputeUnits:     units,
		WallClockSeconds: wall,
		AnnouncedBy:      sess.ActorID,
	}, "cost:"+cycleID)
}

// RollCall fixes the attending roster for the open cycle and moves it
// to READY. Turn order and quorum both key off this roster.
func (p *Pipeline) RollCall(ctx context.Context, sess Session, roster []string) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.engine.CurrentCycle()
	if !ok {
		return nil, ErrNoCycle
	}
	if cur.State != contracts.CycleOpen {
		return nil, fmt.Errorf("%w: roll call in %s", ErrWrongPhase, cur.State)
	}
	if len(roster) == 0 {
		return nil, fmt.Errorf("deliberation: empty roster")
	}
	seen := make(map[string]bool, len(roster))
	for _, id := range roster {
		if seen[id] {
			return nil, fmt.Errorf("deliberation: duplicate roster entry %s", id)
		}
		seen[id] = true
	}

	ev, err := p.submit(ctx, sess, cur.CycleID, contracts.KindRollCallCompleted, contracts.RollCallCompletedBody{
		Roster:     roster,
		ConvenedBy: sess.ActorID,
	}, "rollcall:"+cur.CycleID)
	if err != nil {
		return nil, err
	}
	p.logger.Info("roll call completed", "cycle_id", cur.CycleID, "roster_size", len(roster))
	return ev, nil
}

// Utter records one turn for the session's actor. The floor rotates
// round-robin over the roster; speaking out of turn is refused here
// and, should the refusal be bypassed, by the fold behind the ledger.
func (p *Pipeline) Utter(ctx context.Context, sess Session, text, replyTo, summaryRef string) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.engine.CurrentCycle()
	if !ok {
		return nil, ErrNoCycle
	}
	if !cur.State.Accepting() {
		return nil, fmt.Errorf("%w: utterance in %s", ErrWrongPhase, cur.State)
	}
	if !cur.OnRoster(sess.ActorID) {
		return nil, fmt.Errorf("%w: %s", ErrNotOnRoster, sess.ActorID)
	}
	if cur.ExpectedSpeaker != sess.ActorID {
		return nil, fmt.Errorf("%w: floor belongs to %s", ErrNotYourTurn, cur.ExpectedSpeaker)
	}
	if summaryRef != "" && !quarantine.ValidRef(summaryRef) {
		return nil, fmt.Errorf("deliberation: malformed summary ref %q", summaryRef)
	}
	if replyTo != "" {
		if _, err := p.ledger.Event(ctx, replyTo); err != nil {
			return nil, fmt.Errorf("deliberation: reply target %s: %w", replyTo, err)
		}
	}

	// Turn n of a cycle is the logical operation; a retry replays it.
	token := fmt.Sprintf("utter:%s:%d", cur.CycleID, cur.Utterances)
	return p.submit(ctx, sess, cur.CycleID, contracts.KindAgentUtterance, contracts.AgentUtteranceBody{
		Text:       text,
		ReplyTo:    replyTo,
		SummaryRef: summaryRef,
	}, token)
}

// TriggerDissolution moves a READY cycle into dissolution
// deliberation. When a motion id is given it must actually qualify: a
// rejected continue-operation motion or an adopted open-dissolution
// one.
func (p *Pipeline) TriggerDissolution(ctx context.Context, sess Session, reason, triggerMotionID string) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.engine.CurrentCycle()
	if !ok {
		return nil, ErrNoCycle
	}
	if cur.State != contracts.CycleReady {
		return nil, fmt.Errorf("%w: dissolution trigger in %s", ErrWrongPhase, cur.State)
	}
	token := "dissolve-trigger:" + cur.CycleID
	if triggerMotionID != "" {
		m, ok := p.engine.Motion(triggerMotionID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMotion, triggerMotionID)
		}
		if m.CycleID != cur.CycleID {
			return nil, fmt.Errorf("deliberation: motion %s belongs to cycle %s", triggerMotionID, m.CycleID)
		}
		rejectedContinuation := m.Status == contracts.MotionRejected && m.Intent == contracts.IntentContinueOperation
		adoptedDissolution := m.Status == contracts.MotionAdopted && m.Intent == contracts.IntentOpenDissolution
		if !rejectedContinuation && !adoptedDissolution {
			return nil, fmt.Errorf("deliberation: motion %s does not trigger dissolution", triggerMotionID)
		}
		token = "dissolve-trigger:" + triggerMotionID
	}

	ev, err := p.submit(ctx, sess, cur.CycleID, contracts.KindDissolutionTriggered, contracts.DissolutionTriggeredBody{
		TriggerMotionID: triggerMotionID,
		Reason:          reason,
	}, token)
	if err != nil {
		return nil, err
	}
	p.logger.Warn("dissolution deliberation opened", "cycle_id", cur.CycleID, "reason", reason, "trigger_motion", triggerMotionID)
	return ev, nil
}

// CloseCycle ends the current cycle. The gates run in a fixed order:
// the cost snapshot must exist, every attached breach must be
// responded to, every tallied motion must be resolved. Untallied
// pending motions are tabled automatically. A close attempted over
// open breaches is recorded as a suppression attempt; at the grace
// limit the core halts.
//
// From dissolution deliberation the only close is into indefinite
// suspension, recorded as a non-terminal SuspensionBegan followed by
// the close itself.
func (p *Pipeline) CloseCycle(ctx context.Context, sess Session, summary string) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.engine.CurrentCycle()
	if !ok {
		return nil, ErrNoCycle
	}

	if !cur.CostAnnounced {
		if !p.breachExists(contracts.BreachKindCostSnapshotMissing, cur.CycleID) {
			if _, err := p.declareSystemBreach(ctx, cur.CycleID, contracts.BreachKindCostSnapshotMissing, cur.CycleID,
				fmt.Sprintf("cycle %s reached close with no cost snapshot", cur.CycleID)); err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrCostMissing, cur.CycleID)
	}

	if open := cur.UnrespondedBreaches; len(open) > 0 {
		if err := p.recordSuppression(ctx, sess, cur, open); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBreachesOpen, open)
	}

	if stuck := cur.TalliedUnresolved; len(stuck) > 0 {
		for _, motionID := range stuck {
			if p.breachExists(contracts.BreachKindTallyUnresolved, motionID) {
				continue
			}
			if _, err := p.declareSystemBreach(ctx, cur.CycleID, contracts.BreachKindTallyUnresolved, motionID,
				fmt.Sprintf("motion %s was tallied but never resolved", motionID)); err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrTalliesOpen, stuck)
	}

	for _, motionID := range cur.PendingMotions {
		m, ok := p.engine.Motion(motionID)
		if !ok || m.Tally != nil {
			continue
		}
		if _, err := p.resolveAs(ctx, sess, m, contracts.MotionTabled, "table:"+motionID); err != nil {
			return nil, fmt.Errorf("table motion %s: %w", motionID, err)
		}
		p.logger.Info("motion tabled at close", "motion_id", motionID, "cycle_id", cur.CycleID)
	}

	finalState := contracts.CycleClosed
	if cur.State == contracts.CycleDissolutionDeliberation {
		finalState = contracts.CycleIndefiniteSuspension
		if _, err := p.submit(ctx, sess, cur.CycleID, contracts.KindSuspensionBegan, contracts.SuspensionBeganBody{
			Terminal: false,
			Reason:   "dissolution deliberation ended with no adopted filing",
		}, "suspend:"+cur.CycleID); err != nil {
			return nil, err
		}
	}

	ev, err := p.submit(ctx, sess, cur.CycleID, contracts.KindCycleClosed, contracts.CycleClosedBody{
		FinalState: finalState,
		Summary:    summary,
	}, "closed:"+cur.CycleID)
	if err != nil {
		return nil, err
	}
	p.dropIntake(cur.CycleID)
	p.logger.Info("cycle closed", "cycle_id", cur.CycleID, "final_state", finalState)
	return ev, nil
}

// recordSuppression appends the attempt on the closer's own chain and
// halts the core once the grace count is spent. The attempt event is
// witnessed like any other; the closer cannot both suppress and hide
// the suppressing.
func (p *Pipeline) recordSuppression(ctx context.Context, sess Session, cur rituals.CycleSnapshot, open []string) error {
	token := fmt.Sprintf("suppress:%s:%d", cur.CycleID, cur.Suppressions)
	if _, err := p.submit(ctx, sess, cur.CycleID, contracts.KindSuppressionAttempted, contracts.SuppressionAttemptedBody{
		BreachIDs:   open,
		AttemptedBy: sess.ActorID,
		Action:      "cycle-close",
	}, token); err != nil {
		return err
	}
	attempts := cur.Suppressions + 1
	p.logger.Warn("suppression attempt recorded", "cycle_id", cur.CycleID, "attempts", attempts, "breaches", open)
	if attempts >= p.cfg.SuppressionGrace {
		if err := p.guard.DeclareHalt(ctx, contracts.HaltScopeCore, contracts.HaltReasonSuppression, sess.ActorID, open); err != nil {
			return fmt.Errorf("declare suppression halt: %w", err)
		}
	}
	return nil
}

// breachExists reports whether a breach of the given kind and subject
// is already on record, keeping the pipeline's automatic filings
// idempotent across repeated close attempts.
func (p *Pipeline) breachExists(kind, subject string) bool {
	for _, id := range p.engine.BreachIDs() {
		b, ok := p.engine.Breach(id)
		if ok && b.Kind == kind && b.Subject == subject {
			return true
		}
	}
	return false
}
