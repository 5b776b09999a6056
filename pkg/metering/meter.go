// Package metering accumulates resource spend per cycle so cost
// disclosures name measured numbers instead of estimates.
//
// The deliberation pipeline records one compute unit plus the wall time
// of every landed append; other recorders (summarization, archive
// export) can charge the same cycle through the same meter.
package metering

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrEmptyCycleID is returned when spend is charged to no cycle.
	ErrEmptyCycleID = errors.New("metering: cycle id must not be empty")
	// ErrNegativeSpend is returned for negative compute or wall time.
	ErrNegativeSpend = errors.New("metering: spend must not be negative")
)

// Usage is the accumulated spend of one cycle.
type Usage struct {
	CycleID      string    `json:"cycle_id"`
	ComputeUnits int64     `json:"compute_units"`
	WallSeconds  float64   `json:"wall_clock_seconds"`
	Samples      int64     `json:"samples"`
	LastUpdate   time.Time `json:"last_update"`
}

func checkSpend(cycleID string, computeUnits int64, wallSeconds float64) error {
	if cycleID == "" {
		return ErrEmptyCycleID
	}
	if computeUnits < 0 || wallSeconds < 0 {
		return ErrNegativeSpend
	}
	return nil
}

// Memory is an in-process meter for single-node deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	now    func() time.Time
	cycles map[string]*Usage
}

// NewMemory returns an empty in-memory meter.
func NewMemory() *Memory {
	return &Memory{now: time.Now, cycles: make(map[string]*Usage)}
}

// WithClock overrides the timestamp source.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// Record adds spend against the cycle.
func (m *Memory) Record(ctx context.Context, cycleID string, computeUnits int64, wallSeconds float64) error {
	if err := checkSpend(cycleID, computeUnits, wallSeconds); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.cycles[cycleID]
	if u == nil {
		u = &Usage{CycleID: cycleID}
		m.cycles[cycleID] = u
	}
	u.ComputeUnits += computeUnits
	u.WallSeconds += wallSeconds
	u.Samples++
	u.LastUpdate = m.now().UTC()
	return nil
}

// Totals reports the accumulated spend. A cycle with no recorded spend
// reads as zero rather than erroring: the disclosure is still honest.
func (m *Memory) Totals(ctx context.Context, cycleID string) (int64, float64, error) {
	u, err := m.Usage(ctx, cycleID)
	if err != nil {
		return 0, 0, err
	}
	return u.ComputeUnits, u.WallSeconds, nil
}

// Usage returns the full spend record for one cycle.
func (m *Memory) Usage(ctx context.Context, cycleID string) (Usage, error) {
	if cycleID == "" {
		return Usage{}, ErrEmptyCycleID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u := m.cycles[cycleID]; u != nil {
		return *u, nil
	}
	return Usage{CycleID: cycleID}, nil
}
