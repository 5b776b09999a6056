// Package deliberation drives the conclave's write path: cycles,
// turns, motions, ballots, breaches and overrides, composed into
// ledger appends in the order the rituals demand. The Pipeline is the
// single working author inside one process; it serializes every
// state-bearing write under one lock so the ritual fold downstream of
// the ledger hooks always observes events in the order they landed.
//
// The pipeline enforces preconditions before it spends an append:
// turn order, roster membership, ballot freshness, quorum, close
// gates. The fold re-checks all of it after the fact, so a bypassed
// pipeline degrades to findings and halts, never to silent acceptance.
package deliberation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/fault"
	"github.com/synod-labs/synod/pkg/guardian"
	"github.com/synod-labs/synod/pkg/ledger"
	"github.com/synod-labs/synod/pkg/rituals"
	"github.com/synod-labs/synod/pkg/store"
	"github.com/synod-labs/synod/pkg/timeauth"
	"github.com/synod-labs/synod/pkg/witness"
)

// Caller-fixable refusals. Ledger faults (halts, stale chains, schema
// violations) pass through untouched and keep their fault kinds.
var (
	ErrNoCycle            = errors.New("deliberation: no cycle is open")
	ErrCycleOpen          = errors.New("deliberation: a cycle is already open")
	ErrWrongPhase         = errors.New("deliberation: operation not admitted in the cycle's current state")
	ErrNotYourTurn        = errors.New("deliberation: the floor belongs to another speaker")
	ErrNotOnRoster        = errors.New("deliberation: actor is not on the cycle roster")
	ErrUnknownMotion      = errors.New("deliberation: unknown motion")
	ErrBallotsClosed      = errors.New("deliberation: ballots are closed for this motion")
	ErrUnknownBreach      = errors.New("deliberation: unknown breach")
	ErrUnknownOverride    = errors.New("deliberation: unknown override")
	ErrOverrideConcluded  = errors.New("deliberation: override already concluded")
	ErrOverrideUnresolved = errors.New("deliberation: expired overrides await breach response")
	ErrCostMissing        = errors.New("deliberation: cycle has no cost snapshot")
	ErrBreachesOpen       = errors.New("deliberation: unresponded breaches block the close")
	ErrTalliesOpen        = errors.New("deliberation: tallied motions await resolution")
	ErrCeased             = errors.New("deliberation: the conclave has ceased")
	ErrIntakeClosed       = errors.New("deliberation: intake is closed for this cycle")
	ErrIntakePressure     = errors.New("deliberation: intake rate exceeded, retry later")
)

// Session identifies the leased agent an operation acts for. Epoch
// must match the identity gate's live lease or the ledger refuses the
// append with an identity conflict.
type Session struct {
	ActorID string
	Epoch   uint64
}

// Meter accumulates resource spend per cycle and answers the totals a
// cost snapshot discloses. The pipeline records one compute unit per
// append plus the wall time the append took.
type Meter interface {
	Record(ctx context.Context, cycleID string, computeUnits int64, wallSeconds float64) error
	Totals(ctx context.Context, cycleID string) (computeUnits int64, wallSeconds float64, err error)
}

// LeaseRevoker severs a live identity lease under an operator
// override. identity.Gate satisfies it.
type LeaseRevoker interface {
	ForceRevoke(ctx context.Context, actorID, overrideEventID string) error
}

// Config bounds the pipeline's discretion. Zero values fall back to
// the defaults; an explicit threshold table must validate.
type Config struct {
	// QuorumFraction is the share of the roster that must have cast an
	// effective ballot before a tally may be taken. The count must
	// strictly exceed fraction times roster size.
	QuorumFraction float64

	// Thresholds maps consensus levels to adoption rules.
	Thresholds contracts.ThresholdTable

	// OverrideDefault is the override duration used when the invoker
	// names none.
	OverrideDefault time.Duration

	// IntakeCapacity bounds the per-cycle queue of quarantined
	// summaries awaiting presentation.
	IntakeCapacity int

	// IntakeRate and IntakeBurst bound submission pressure per cycle.
	IntakeRate  float64
	IntakeBurst int

	// SuppressionGrace is how many recorded suppression attempts a
	// cycle tolerates before the core halts.
	SuppressionGrace int
}

// DefaultConfig returns the operating defaults.
func DefaultConfig() Config {
	return Config{
		QuorumFraction:   0.5,
		Thresholds:       contracts.DefaultThresholds(),
		OverrideDefault:  72 * time.Hour,
		IntakeCapacity:   64,
		IntakeRate:       4,
		IntakeBurst:      8,
		SuppressionGrace: 3,
	}
}

func (c *Config) normalize() error {
	d := DefaultConfig()
	if c.QuorumFraction == 0 {
		c.QuorumFraction = d.QuorumFraction
	}
	if c.QuorumFraction < 0 || c.QuorumFraction >= 1 {
		return fmt.Errorf("quorum fraction %v outside [0,1)", c.QuorumFraction)
	}
	if c.Thresholds == nil {
		c.Thresholds = d.Thresholds
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.OverrideDefault <= 0 {
		c.OverrideDefault = d.OverrideDefault
	}
	if c.IntakeCapacity <= 0 {
		c.IntakeCapacity = d.IntakeCapacity
	}
	if c.IntakeRate <= 0 {
		c.IntakeRate = d.IntakeRate
	}
	if c.IntakeBurst <= 0 {
		c.IntakeBurst = d.IntakeBurst
	}
	if c.SuppressionGrace <= 0 {
		c.SuppressionGrace = d.SuppressionGrace
	}
	return nil
}

// Pipeline owns the conclave's write order. All operations run under
// one lock; the ledger hooks fold each append into the ritual engine
// synchronously, so state reads inside an operation always see the
// operation's own earlier appends.
type Pipeline struct {
	ledger *ledger.Service
	engine *rituals.Engine
	guard  *guardian.Guardian
	attrib *witness.Attribution
	auth   timeauth.Authority
	cfg    Config
	logger *slog.Logger

	boundary SummaryBoundary
	meter    Meter
	revoker  LeaseRevoker

	mu      sync.Mutex
	intakes map[string]*intakeQueue
}

// New wires a pipeline over the append service and the fold it feeds.
// The quarantine boundary, meter and lease revoker are optional and
// injected by setter.
func New(l *ledger.Service, e *rituals.Engine, g *guardian.Guardian, auth timeauth.Authority, cfg Config) (*Pipeline, error) {
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("deliberation config: %w", err)
	}
	return &Pipeline{
		ledger:  l,
		engine:  e,
		guard:   g,
		attrib:  witness.NewAttribution(l),
		auth:    auth,
		cfg:     cfg,
		logger:  slog.Default().With("component", "deliberation"),
		intakes: make(map[string]*intakeQueue),
	}, nil
}

// SetBoundary installs the quarantine boundary used by Submit.
func (p *Pipeline) SetBoundary(b SummaryBoundary) { p.boundary = b }

// SetMeter installs the spend meter behind cost snapshots.
func (p *Pipeline) SetMeter(m Meter) { p.meter = m }

// SetRevoker installs the lease revoker used by revoke-lease
// overrides.
func (p *Pipeline) SetRevoker(r LeaseRevoker) { p.revoker = r }

// staleRetries bounds how often an append is recomposed after losing
// the tip race to a concurrent process on the same chain.
const staleRetries = 3

// submit composes one append against the actor's current tip and
// retries composition when the tip moved underneath it. Every other
// failure returns as-is. Spend is recorded against the stamped cycle.
func (p *Pipeline) submit(ctx context.Context, sess Session, cycleID string, kind contracts.Kind, body any, token string) (*contracts.Event, error) {
	var lastErr error
	for attempt := 0; attempt <= staleRetries; attempt++ {
		tip, err := p.tip(ctx, sess.ActorID, kind, cycleID)
		if err != nil {
			return nil, err
		}
		started := time.Now()
		ev, err := p.ledger.Append(ctx, ledger.AppendRequest{
			ActorID:     sess.ActorID,
			Epoch:       sess.Epoch,
			CycleID:     cycleID,
			Kind:        kind,
			Body:        body,
			ClientToken: token,
			PrevHash:    tip.PrevHash,
		})
		if err == nil {
			p.recordSpend(ctx, cycleID, time.Since(started))
			return ev, nil
		}
		if fault.KindOf(err) != fault.KindStaleChain {
			return nil, err
		}
		lastErr = err
		p.logger.Debug("append lost tip race, recomposing", "actor_id", sess.ActorID, "kind", kind, "attempt", attempt+1)
	}
	return nil, lastErr
}

// tip reads the chain tip for composition. Under a core halt the read
// falls through to the reform door for the kinds and cycles that door
// admits; everything else stays halted.
func (p *Pipeline) tip(ctx context.Context, actorID string, kind contracts.Kind, cycleID string) (store.Tip, error) {
	t, err := p.ledger.Tip(ctx, actorID)
	if err == nil || fault.KindOf(err) != fault.KindHalted {
		return t, err
	}
	if !kind.ReformPath() || !contracts.IsReformCycle(cycleID) {
		return store.Tip{}, err
	}
	return p.ledger.ReformTip(ctx, actorID)
}

func (p *Pipeline) recordSpend(ctx context.Context, cycleID string, wall time.Duration) {
	if p.meter == nil {
		return
	}
	if err := p.meter.Record(ctx, cycleID, 1, wall.Seconds()); err != nil {
		p.logger.Warn("spend record failed", "cycle_id", cycleID, "error", err)
	}
}

// declareSystemBreach files a breach on the sentinel chain. Used for
// conditions the pipeline detects itself: quorum failures, intake
// overruns, surviving tallies, expired overrides.
func (p *Pipeline) declareSystemBreach(ctx context.Context, cycleID, kind, subject, description string) (string, error) {
	breachID := "bre-" + uuid.NewString()
	_, err := p.ledger.EmitSystemFor(ctx, cycleID, contracts.KindBreachDeclared, contracts.BreachDeclaredBody{
		BreachID:    breachID,
		BreachKind:  kind,
		Subject:     subject,
		Description: description,
	})
	if err != nil {
		return "", fmt.Errorf("declare %s breach: %w", kind, err)
	}
	p.logger.Warn("breach declared", "breach_id", breachID, "breach_kind", kind, "cycle_id", cycleID, "subject", subject)
	return breachID, nil
}

// recordCycle returns the cycle an actor-declared record (breach
// response, override) should be stamped with: the current cycle when
// one is open, otherwise the system cycle.
func (p *Pipeline) recordCycle() string {
	if cur, ok := p.engine.CurrentCycle(); ok && !cur.State.Terminal() {
		return cur.CycleID
	}
	return contracts.SystemCycle
}
