package deliberation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/fault"
	"github.com/synod-labs/synod/pkg/rituals"
)

// Propose files an ordinary motion in a READY cycle. The proposer is
// always counted among the supporters; the consensus level is derived
// from the supporter count here and frozen into the filing.
func (p *Pipeline) Propose(ctx context.Context, sess Session, text, intent string, supporters []string) (string, *contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.engine.CurrentCycle()
	if !ok {
		return "", nil, ErrNoCycle
	}
	if cur.State != contracts.CycleReady {
		return "", nil, fmt.Errorf("%w: motion in %s", ErrWrongPhase, cur.State)
	}
	if contracts.IsReformCycle(cur.CycleID) {
		return "", nil, fmt.Errorf("%w: a reform conclave admits only reform filings", ErrWrongPhase)
	}
	switch intent {
	case "", contracts.IntentContinueOperation, contracts.IntentOpenDissolution:
	default:
		return "", nil, fmt.Errorf("deliberation: unknown motion intent %q", intent)
	}
	backers, err := p.backers(sess, cur, supporters)
	if err != nil {
		return "", nil, err
	}
	level, err := contracts.DeriveConsensusLevel(len(backers))
	if err != nil {
		return "", nil, err
	}

	motionID := "mot-" + uuid.NewString()
	ev, err := p.submit(ctx, sess, cur.CycleID, contracts.KindMotionProposed, contracts.MotionProposedBody{
		MotionID:       motionID,
		Text:           text,
		Supporters:     backers,
		ConsensusLevel: level,
		Intent:         intent,
	}, "propose:"+motionID)
	if err != nil {
		return "", nil, err
	}
	p.logger.Info("motion proposed", "motion_id", motionID, "cycle_id", cur.CycleID, "level", level, "supporters", len(backers))
	return motionID, ev, nil
}

// FileDissolution files one of the three motions admitted during
// dissolution deliberation. A ReformMotion is also the sole filing a
// reform conclave accepts in READY; it is the only way out of a core
// halt.
func (p *Pipeline) FileDissolution(ctx context.Context, sess Session, kind contracts.Kind, text string, supporters []string) (string, *contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch kind {
	case contracts.KindReconsiderMotion, contracts.KindDissolveMotion, contracts.KindReformMotion:
	default:
		return "", nil, fmt.Errorf("deliberation: %s is not a dissolution filing", kind)
	}
	cur, ok := p.engine.CurrentCycle()
	if !ok {
		return "", nil, ErrNoCycle
	}
	reformConclave := contracts.IsReformCycle(cur.CycleID) && cur.State == contracts.CycleReady
	switch {
	case cur.State == contracts.CycleDissolutionDeliberation:
	case kind == contracts.KindReformMotion && reformConclave:
	default:
		return "", nil, fmt.Errorf("%w: %s in %s", ErrWrongPhase, kind, cur.State)
	}
	backers, err := p.backers(sess, cur, supporters)
	if err != nil {
		return "", nil, err
	}
	level, err := contracts.DeriveConsensusLevel(len(backers))
	if err != nil {
		return "", nil, err
	}

	motionID := "mot-" + uuid.NewString()
	ev, err := p.submit(ctx, sess, cur.CycleID, kind, contracts.DissolutionMotionBody{
		MotionID:       motionID,
		Text:           text,
		Supporters:     backers,
		ConsensusLevel: level,
	}, "propose:"+motionID)
	if err != nil {
		return "", nil, err
	}
	p.logger.Warn("dissolution filing", "motion_id", motionID, "kind", kind, "cycle_id", cur.CycleID, "level", level)
	return motionID, ev, nil
}

// backers normalizes a supporter list: the proposer is included, every
// name must be on the roster, and no name may repeat.
func (p *Pipeline) backers(sess Session, cur rituals.CycleSnapshot, supporters []string) ([]string, error) {
	if !cur.OnRoster(sess.ActorID) {
		return nil, fmt.Errorf("%w: %s", ErrNotOnRoster, sess.ActorID)
	}
	out := make([]string, 0, len(supporters)+1)
	seen := make(map[string]bool, len(supporters)+1)
	hasProposer := false
	for _, id := range supporters {
		if seen[id] {
			return nil, fmt.Errorf("deliberation: supporter %s listed twice", id)
		}
		seen[id] = true
		if !cur.OnRoster(id) {
			return nil, fmt.Errorf("%w: supporter %s", ErrNotOnRoster, id)
		}
		if id == sess.ActorID {
			hasProposer = true
		}
		out = append(out, id)
	}
	if !hasProposer {
		out = append([]string{sess.ActorID}, out...)
	}
	return out, nil
}

// CastVote records or replaces the session actor's ballot on a pending
// motion. A later ballot by the same voter supersedes the earlier one
// until the tally freezes the count.
func (p *Pipeline) CastVote(ctx context.Context, sess Session, motionID string, choice contracts.VoteChoice, justification string) (string, *contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !contracts.KnownVoteChoice(choice) {
		return "", nil, fmt.Errorf("deliberation: unknown ballot choice %q", choice)
	}
	m, cyc, err := p.pendingMotion(motionID)
	if err != nil {
		return "", nil, err
	}
	if m.Tally != nil {
		return "", nil, fmt.Errorf("%w: %s is tallied", ErrBallotsClosed, motionID)
	}
	if !cyc.OnRoster(sess.ActorID) {
		return "", nil, fmt.Errorf("%w: %s", ErrNotOnRoster, sess.ActorID)
	}

	voteID := "vot-" + uuid.NewString()
	ev, err := p.submit(ctx, sess, m.CycleID, contracts.KindVoteCast, contracts.VoteCastBody{
		VoteID:        voteID,
		MotionID:      motionID,
		Choice:        choice,
		Justification: justification,
	}, "vote:"+voteID)
	if err != nil {
		return "", nil, err
	}
	return voteID, ev, nil
}

// TallyMotion freezes the count for a pending motion and resolves it
// against its consensus threshold in one operation. Quorum is checked
// first: the distinct-voter count must strictly exceed the configured
// fraction of the roster or the attempt is refused and recorded as a
// quorum breach.
//
// Adoption consequences follow in the same operation: an adopted
// dissolve motion begins terminal suspension; a rejected
// continue-operation motion or an adopted open-dissolution motion
// triggers dissolution deliberation.
func (p *Pipeline) TallyMotion(ctx context.Context, sess Session, motionID string) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, cyc, err := p.pendingMotion(motionID)
	if err != nil {
		return nil, err
	}
	if m.Tally != nil {
		return nil, fmt.Errorf("%w: %s already tallied", ErrBallotsClosed, motionID)
	}

	rosterSize := len(cyc.Roster)
	voters := m.Voters()
	if float64(voters) <= p.cfg.QuorumFraction*float64(rosterSize) {
		if !p.breachExists(contracts.BreachKindQuorumUnmet, motionID) {
			if _, err := p.declareSystemBreach(ctx, m.CycleID, contracts.BreachKindQuorumUnmet, motionID,
				fmt.Sprintf("tally of %s with %d of %d voters, quorum fraction %.2f", motionID, voters, rosterSize, p.cfg.QuorumFraction)); err != nil {
				return nil, err
			}
		}
		return nil, fault.Newf(fault.KindQuorumUnmet, "deliberation.tally",
			"motion %s has %d of %d voters, below quorum", motionID, voters, rosterSize)
	}

	tally := tallyOf(m, rosterSize)
	if _, err := p.submit(ctx, sess, m.CycleID, contracts.KindVoteTallied, contracts.VoteTalliedBody{
		MotionID:   motionID,
		Yea:        tally.Yea,
		Nay:        tally.Nay,
		Abstain:    tally.Abstain,
		Present:    tally.Present,
		RosterSize: tally.RosterSize,
	}, "tally:"+motionID); err != nil {
		return nil, err
	}

	threshold := p.cfg.Thresholds[m.ConsensusLevel]
	outcome := contracts.MotionRejected
	if tally.MeetsThreshold(threshold) {
		outcome = contracts.MotionAdopted
	}
	m.Tally = &tally
	ev, err := p.resolveAs(ctx, sess, m, outcome, "resolve:"+motionID)
	if err != nil {
		return nil, err
	}
	p.logger.Info("motion resolved", "motion_id", motionID, "outcome", outcome,
		"yea_fraction", tally.YeaFraction(), "cast_fraction", tally.CastFraction(), "level", m.ConsensusLevel)

	if err := p.resolutionConsequence(ctx, sess, m, outcome); err != nil {
		return ev, err
	}
	return ev, nil
}

// resolutionConsequence carries out what an outcome demands beyond the
// resolution itself.
func (p *Pipeline) resolutionConsequence(ctx context.Context, sess Session, m rituals.MotionSnapshot, outcome contracts.MotionStatus) error {
	adopted := outcome == contracts.MotionAdopted

	if adopted && m.FiledAs == contracts.KindDissolveMotion {
		_, err := p.submit(ctx, sess, m.CycleID, contracts.KindSuspensionBegan, contracts.SuspensionBeganBody{
			Terminal: true,
			Reason:   fmt.Sprintf("dissolve motion %s adopted", m.MotionID),
		}, "suspend:"+m.CycleID)
		if err != nil {
			return err
		}
		p.logger.Warn("terminal suspension began", "cycle_id", m.CycleID, "motion_id", m.MotionID)
		return nil
	}

	rejectedContinuation := !adopted && m.Intent == contracts.IntentContinueOperation
	adoptedDissolution := adopted && m.Intent == contracts.IntentOpenDissolution
	if m.FiledAs == contracts.KindMotionProposed && (rejectedContinuation || adoptedDissolution) {
		reason := fmt.Sprintf("continue-operation motion %s rejected", m.MotionID)
		if adoptedDissolution {
			reason = fmt.Sprintf("open-dissolution motion %s adopted", m.MotionID)
		}
		_, err := p.submit(ctx, sess, m.CycleID, contracts.KindDissolutionTriggered, contracts.DissolutionTriggeredBody{
			TriggerMotionID: m.MotionID,
			Reason:          reason,
		}, "dissolve-trigger:"+m.MotionID)
		if err != nil {
			return err
		}
		p.logger.Warn("dissolution deliberation opened", "cycle_id", m.CycleID, "trigger_motion", m.MotionID, "reason", reason)
	}
	return nil
}

// WithdrawMotion resolves an untallied motion as withdrawn. Only the
// proposer may withdraw, and never once a tally exists.
func (p *Pipeline) WithdrawMotion(ctx context.Context, sess Session, motionID string) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, _, err := p.pendingMotion(motionID)
	if err != nil {
		return nil, err
	}
	if m.Tally != nil {
		return nil, fmt.Errorf("%w: withdrawal after tally", ErrBallotsClosed)
	}
	if m.ProposedBy != sess.ActorID {
		return nil, fmt.Errorf("deliberation: only proposer %s may withdraw %s", m.ProposedBy, motionID)
	}
	return p.resolveAs(ctx, sess, m, contracts.MotionWithdrawn, "withdraw:"+motionID)
}

// TableMotion resolves a pending motion as tabled, carrying it out of
// the cycle without a verdict. CloseCycle does this automatically for
// whatever is still pending and untallied.
func (p *Pipeline) TableMotion(ctx context.Context, sess Session, motionID string) (*contracts.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, _, err := p.pendingMotion(motionID)
	if err != nil {
		return nil, err
	}
	return p.resolveAs(ctx, sess, m, contracts.MotionTabled, "table:"+motionID)
}

// pendingMotion fetches a motion that is still open for business along
// with its cycle.
func (p *Pipeline) pendingMotion(motionID string) (rituals.MotionSnapshot, rituals.CycleSnapshot, error) {
	m, ok := p.engine.Motion(motionID)
	if !ok {
		return rituals.MotionSnapshot{}, rituals.CycleSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownMotion, motionID)
	}
	if m.Status != contracts.MotionPending {
		return rituals.MotionSnapshot{}, rituals.CycleSnapshot{}, fmt.Errorf("%w: %s is %s", ErrBallotsClosed, motionID, m.Status)
	}
	cyc, ok := p.engine.Cycle(m.CycleID)
	if !ok {
		return rituals.MotionSnapshot{}, rituals.CycleSnapshot{}, fmt.Errorf("%w: cycle %s", ErrNoCycle, m.CycleID)
	}
	if cyc.State.Terminal() {
		return rituals.MotionSnapshot{}, rituals.CycleSnapshot{}, fmt.Errorf("%w: cycle %s is %s", ErrWrongPhase, m.CycleID, cyc.State)
	}
	return m, cyc, nil
}

// resolveAs appends the MotionResolved event with fractions reproduced
// the same way the fold will check them: from the frozen tally when
// one exists, otherwise from the effective ballots.
func (p *Pipeline) resolveAs(ctx context.Context, sess Session, m rituals.MotionSnapshot, outcome contracts.MotionStatus, token string) (*contracts.Event, error) {
	cyc, ok := p.engine.Cycle(m.CycleID)
	if !ok {
		return nil, fmt.Errorf("%w: cycle %s", ErrNoCycle, m.CycleID)
	}
	tally := tallyOf(m, len(cyc.Roster))
	if m.Tally != nil {
		tally = *m.Tally
	}
	return p.submit(ctx, sess, m.CycleID, contracts.KindMotionResolved, contracts.MotionResolvedBody{
		MotionID:     m.MotionID,
		Outcome:      outcome,
		YeaFraction:  tally.YeaFraction(),
		CastFraction: tally.CastFraction(),
	}, token)
}

// tallyOf counts the effective ballots the way the fold does.
func tallyOf(m rituals.MotionSnapshot, rosterSize int) contracts.Tally {
	t := contracts.Tally{MotionID: m.MotionID, RosterSize: rosterSize}
	for _, v := range m.Votes {
		switch v.Choice {
		case contracts.VoteYea:
			t.Yea++
		case contracts.VoteNay:
			t.Nay++
		case contracts.VoteAbstain:
			t.Abstain++
		case contracts.VotePresent:
			t.Present++
		}
	}
	return t
}
