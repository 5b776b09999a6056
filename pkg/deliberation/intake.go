package deliberation

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/quarantine"
)

// SummaryBoundary is the quarantine boundary Submit feeds raw outside
// material through. quarantine.Boundary satisfies it.
type SummaryBoundary interface {
	Process(ctx context.Context, sub quarantine.Submission) (quarantine.Summary, error)
}

// intakeQueue holds quarantined summaries awaiting presentation in one
// cycle, in arrival order. Closed means the cycle overran its bound;
// intake stays closed until the next cycle.
type intakeQueue struct {
	summaries []quarantine.Summary
	limiter   *rate.Limiter
	closed    bool
}

// Submit pushes raw outside material through the quarantine boundary
// and queues the resulting summary for presentation in the current
// READY cycle. Pressure is bounded twice: a per-cycle token bucket on
// submission rate, and a hard queue capacity whose overrun files a
// breach and closes intake for the rest of the cycle.
func (p *Pipeline) Submit(ctx context.Context, sub quarantine.Submission) (quarantine.Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.boundary == nil {
		return quarantine.Summary{}, fmt.Errorf("deliberation: no quarantine boundary wired")
	}
	cur, ok := p.engine.CurrentCycle()
	if !ok {
		return quarantine.Summary{}, ErrNoCycle
	}
	if cur.State != contracts.CycleReady {
		return quarantine.Summary{}, fmt.Errorf("%w: intake in %s", ErrWrongPhase, cur.State)
	}

	q := p.intakes[cur.CycleID]
	if q == nil {
		q = &intakeQueue{limiter: rate.NewLimiter(rate.Limit(p.cfg.IntakeRate), p.cfg.IntakeBurst)}
		p.intakes[cur.CycleID] = q
	}
	if q.closed {
		return quarantine.Summary{}, fmt.Errorf("%w: %s", ErrIntakeClosed, cur.CycleID)
	}
	if !q.limiter.Allow() {
		return quarantine.Summary{}, ErrIntakePressure
	}
	if len(q.summaries) >= p.cfg.IntakeCapacity {
		q.closed = true
		if _, err := p.declareSystemBreach(ctx, cur.CycleID, contracts.BreachKindIntakeOverrun, cur.CycleID,
			fmt.Sprintf("intake for %s overran its capacity of %d", cur.CycleID, p.cfg.IntakeCapacity)); err != nil {
			return quarantine.Summary{}, err
		}
		return quarantine.Summary{}, fmt.Errorf("%w: queue full", ErrIntakeClosed)
	}

	sum, err := p.boundary.Process(ctx, sub)
	if err != nil {
		return quarantine.Summary{}, err
	}
	q.summaries = append(q.summaries, sum)
	return sum, nil
}

// NextIntake pops the oldest queued summary for the current cycle. The
// popped reference is what an utterance carries as its SummaryRef.
func (p *Pipeline) NextIntake() (quarantine.Summary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.engine.CurrentCycle()
	if !ok {
		return quarantine.Summary{}, false
	}
	q := p.intakes[cur.CycleID]
	if q == nil || len(q.summaries) == 0 {
		return quarantine.Summary{}, false
	}
	sum := q.summaries[0]
	q.summaries = q.summaries[1:]
	return sum, true
}

// PendingIntake reports how many summaries await presentation in the
// current cycle.
func (p *Pipeline) PendingIntake() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.engine.CurrentCycle()
	if !ok {
		return 0
	}
	q := p.intakes[cur.CycleID]
	if q == nil {
		return 0
	}
	return len(q.summaries)
}

// dropIntake discards a closed cycle's queue. Whatever was never
// presented resubmits as carryover in the next cycle. Caller holds the
// pipeline lock.
func (p *Pipeline) dropIntake(cycleID string) {
	delete(p.intakes, cycleID)
}
