package witness

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/guardian"
	"github.com/synod-labs/synod/pkg/observability"
)

// CitationKindAnomaly marks the machine-filed citation the monitor
// emits when a witness pair shows up together too often.
const CitationKindAnomaly = "witness-anomaly"

// Monitor defaults. A pair is anomalous once it co-signed at least
// DefaultMinJoint of the windowed events and more than DefaultMaxShare
// of them. Selection is seeded by chain hashes, so honest pairs spread
// out; a pair that keeps recurring means the pool is too thin or
// someone is steering writes.
const (
	DefaultWindow   = 256
	DefaultMinJoint = 8
	DefaultMaxShare = 0.25
)

type pairKey struct {
	a, b string // a < b
}

// Monitor tracks witness pair frequency over a rolling window of
// witnessed events. Anomalies surface on the record as a system
// citation plus a breach, never as a halt: flagging is persuasive
// material for the deliberation layer, not enforcement.
type Monitor struct {
	emitter guardian.Emitter
	logger  *slog.Logger
	metrics *observability.Metrics

	window   int
	minJoint int
	maxShare float64

	mu      sync.Mutex
	seq     uint64
	head    int
	count   int
	entries [][]pairKey
	counts  map[pairKey]int
	flagged map[pairKey]uint64
}

// NewMonitor builds a monitor with the default thresholds, reporting
// through the system emission channel.
func NewMonitor(emitter guardian.Emitter) *Monitor {
	return &Monitor{
		emitter:  emitter,
		logger:   slog.Default().With("component", "witness.monitor"),
		window:   DefaultWindow,
		minJoint: DefaultMinJoint,
		maxShare: DefaultMaxShare,
		entries:  make([][]pairKey, DefaultWindow),
		counts:   make(map[pairKey]int),
		flagged:  make(map[pairKey]uint64),
	}
}

// WithThresholds overrides the window and trigger levels. Changing the
// window resets accumulated counts.
func (m *Monitor) WithThresholds(window, minJoint int, maxShare float64) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if window > 0 && window != m.window {
		m.window = window
		m.entries = make([][]pairKey, window)
		m.head, m.count = 0, 0
		m.counts = make(map[pairKey]int)
	}
	if minJoint > 0 {
		m.minJoint = minJoint
	}
	if maxShare > 0 {
		m.maxShare = maxShare
	}
	return m
}

// SetMetrics injects the Prometheus instruments.
func (m *Monitor) SetMetrics(mx *observability.Metrics) { m.metrics = mx }

// Observe feeds one witnessed event into the window and files any
// anomalies it tips over. Emission happens outside the mutex; the
// system events it writes re-enter the witness round themselves.
func (m *Monitor) Observe(ctx context.Context, e *contracts.Event, sigs []contracts.WitnessSignature) {
	pairs := pairsOf(sigs)
	if len(pairs) == 0 {
		return
	}

	type anomaly struct {
		pair  pairKey
		joint int
		total int
	}
	var found []anomaly

	m.mu.Lock()
	m.seq++
	if m.count == m.window {
		slot := m.head
		for _, p := range m.entries[slot] {
			if m.counts[p] > 1 {
				m.counts[p]--
			} else {
				delete(m.counts, p)
			}
		}
		m.entries[slot] = pairs
		m.head = (m.head + 1) % m.window
	} else {
		m.entries[(m.head+m.count)%m.window] = pairs
		m.count++
	}
	for _, p := range pairs {
		m.counts[p]++
		joint := m.counts[p]
		if joint < m.minJoint {
			continue
		}
		if float64(joint) <= m.maxShare*float64(m.count) {
			continue
		}
		if last, ok := m.flagged[p]; ok && m.seq-last < uint64(m.window) {
			continue
		}
		m.flagged[p] = m.seq
		found = append(found, anomaly{pair: p, joint: joint, total: m.count})
	}
	m.mu.Unlock()

	for _, a := range found {
		grounds := fmt.Sprintf("witnesses %s and %s co-signed %d of the last %d witnessed events",
			a.pair.a, a.pair.b, a.joint, a.total)

		citeID, err := m.emitter.EmitSystem(ctx, contracts.KindPrecedentCited, contracts.PrecedentCitedBody{
			CitedEventID: e.EventID,
			Grounds:      grounds,
			Binding:      false,
			CitationKind: CitationKindAnomaly,
		})
		if err != nil {
			m.logger.Error("witness anomaly citation failed", "error", err)
		}

		desc := grounds
		if citeID != "" {
			desc = grounds + "; citation " + citeID
		}
		if _, err := m.emitter.EmitSystem(ctx, contracts.KindBreachDeclared, contracts.BreachDeclaredBody{
			BreachID:    "bre_" + uuid.NewString(),
			BreachKind:  contracts.BreachKindWitnessAnomaly,
			Subject:     a.pair.a + "+" + a.pair.b,
			Description: desc,
		}); err != nil {
			m.logger.Error("witness anomaly breach failed", "error", err)
		}

		if m.metrics != nil {
			m.metrics.WitnessAnomalies.Inc()
		}
		m.logger.Warn("witness pair anomaly",
			"witness_a", a.pair.a, "witness_b", a.pair.b,
			"joint", a.joint, "window", a.total)
	}
}

// PairCount reports how many windowed events a pair co-signed, for the
// observer surface.
func (m *Monitor) PairCount(a, b string) int {
	if b < a {
		a, b = b, a
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[pairKey{a: a, b: b}]
}

func pairsOf(sigs []contracts.WitnessSignature) []pairKey {
	ids := make([]string, 0, len(sigs))
	for _, w := range sigs {
		if w.WitnessID != "" {
			ids = append(ids, w.WitnessID)
		}
	}
	sort.Strings(ids)
	var out []pairKey
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[i] == ids[j] {
				continue
			}
			out = append(out, pairKey{a: ids[i], b: ids[j]})
		}
	}
	return out
}
