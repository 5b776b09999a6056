package deliberation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/rituals"
	"github.com/synod-labs/synod/pkg/timeauth"
)

// Monitor watches for overrides that passed their deadline with no
// conclusion and files the override-expired breach the rituals demand.
// The breach blocks the next cycle from opening until someone responds
// to it; expiry is never silent.
type Monitor struct {
	pipe     *Pipeline
	auth     timeauth.Authority
	interval time.Duration
	logger   *slog.Logger
}

// NewMonitor builds the watchdog over the pipeline whose ledger it
// files into.
func NewMonitor(pipe *Pipeline, auth timeauth.Authority) *Monitor {
	return &Monitor{
		pipe:     pipe,
		auth:     auth,
		interval: time.Minute,
		logger:   slog.Default().With("component", "override-monitor"),
	}
}

// WithInterval overrides the sweep cadence. Chainable for construction.
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	if d > 0 {
		m.interval = d
	}
	return m
}

// Run sweeps on a ticker until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Warn("expiry sweep failed", "error", err)
			}
		}
	}
}

// Sweep files one breach per expired, unconcluded override. The fold
// links the breach back to its override, so the same expiry is never
// filed twice.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	now, err := m.auth.Now(ctx)
	if err != nil {
		return 0, fmt.Errorf("time authority: %w", err)
	}
	filed := 0
	for _, o := range m.pipe.engine.ExpiredOverrides(now) {
		breachID, err := m.pipe.fileOverrideExpiry(ctx, o)
		if err != nil {
			return filed, err
		}
		if breachID != "" {
			m.logger.Warn("override expired", "override_id", o.OverrideID, "breach_id", breachID, "deadline", o.Deadline)
			filed++
		}
	}
	return filed, nil
}

// fileOverrideExpiry declares the breach for one expired override,
// re-checking under the pipeline lock that no conclusion or earlier
// filing landed since the sweep read its snapshot. The breach lands in
// the override's own cycle while that cycle lives, else the current
// cycle, else the system cycle.
func (p *Pipeline) fileOverrideExpiry(ctx context.Context, o rituals.Override) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.engine.Override(o.OverrideID)
	if !ok || cur.Concluded || cur.ExpiryBreachID != "" {
		return "", nil
	}
	cycleID := contracts.SystemCycle
	if cyc, ok := p.engine.Cycle(cur.CycleID); ok && !cyc.State.Terminal() {
		cycleID = cur.CycleID
	} else if c, ok := p.engine.CurrentCycle(); ok {
		cycleID = c.CycleID
	}
	return p.declareSystemBreach(ctx, cycleID, contracts.BreachKindOverrideExpired, cur.OverrideID,
		fmt.Sprintf("override %s passed its deadline %s with no conclusion",
			cur.OverrideID, cur.Deadline.UTC().Format(time.RFC3339)))
}
