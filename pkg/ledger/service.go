// Package ledger is the canonical state and hash service: the one
// trust boundary through which deliberation events become durable.
//
// An append runs in a fixed order. The guardian is consulted before
// anything else, so a halted scope produces no side effect at all.
// Validation and sealing happen next, the signature is computed over
// the sealed chain hash, the write lands under the store's uniqueness
// constraints, and witness co-signatures attach only after the event
// is durable. Each identity's chain advances through one serialized
// critical section per process; the store constraints remain the
// backstop when two processes share a store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/crypto"
	"github.com/synod-labs/synod/pkg/fault"
	"github.com/synod-labs/synod/pkg/guardian"
	"github.com/synod-labs/synod/pkg/observability"
	"github.com/synod-labs/synod/pkg/schema"
	"github.com/synod-labs/synod/pkg/store"
	"github.com/synod-labs/synod/pkg/timeauth"
)

// SystemActor is the reserved identity chain on which the core records
// detector events: halts, forks, monitor breaches. No lease is ever
// issued for it and no caller may write to it directly.
const SystemActor = contracts.SystemActor

// SystemCycle is the cycle id stamped on system chain events.
const SystemCycle = contracts.SystemCycle

// SignerProvider resolves the signing key for an identity epoch. Keys
// live inside the trust boundary; callers never sign events themselves.
type SignerProvider interface {
	SignerFor(actorID string, epoch uint64) (crypto.Signer, error)
}

// EpochGate authorizes a write claimed under an identity epoch. The
// identity service implements it; a stale or conflicting epoch must
// come back as an identity conflict.
type EpochGate interface {
	Authorize(ctx context.Context, actorID string, epoch uint64) error
}

// WitnessRound collects co-signatures for a durably written event.
// Witnessing is attestation, not consensus: a failed round is logged
// and the event stands.
type WitnessRound interface {
	CoSign(ctx context.Context, e *contracts.Event) ([]contracts.WitnessSignature, error)
}

// AppendRequest carries one event to the trust boundary. PrevHash is
// the chain hash the caller composed against; the append fails stale
// when the tip has moved past it.
type AppendRequest struct {
	ActorID     string
	Epoch       uint64
	CycleID     string
	Kind        contracts.Kind
	Body        any
	ClientToken string
	PrevHash    string

	followTip bool // system emissions track the tip themselves
}

// forkAttempt marks an insert that lost the parent to a concurrent
// writer after passing the tip check. Two live writers on one identity
// is a fork, not ordinary staleness.
type forkAttempt struct {
	prevHash string
	detail   string
}

func (f *forkAttempt) Error() string { return f.detail }

// Service is the append service. One instance fronts one store.
type Service struct {
	store   store.EventStore
	guard   *guardian.Guardian
	schemas *schema.Registry
	signers SignerProvider
	ring    *crypto.KeyRing
	auth    timeauth.Authority
	logger  *slog.Logger

	gate      EpochGate
	witnesses WitnessRound
	metrics   *observability.Metrics

	mu     sync.Mutex
	chains map[string]*sync.Mutex

	hookMu sync.RWMutex
	hooks  []func(contracts.Event)
}

// New wires the append service over its hard dependencies. The epoch
// gate, witness round and metrics are injected by setter because they
// sit above this service in the boot order.
func New(st store.EventStore, guard *guardian.Guardian, schemas *schema.Registry,
	signers SignerProvider, ring *crypto.KeyRing, auth timeauth.Authority) *Service {
	return &Service{
		store:   st,
		guard:   guard,
		schemas: schemas,
		signers: signers,
		ring:    ring,
		auth:    auth,
		logger:  slog.Default().With("component", "ledger"),
		chains:  make(map[string]*sync.Mutex),
	}
}

// SetEpochGate injects lease enforcement. Without a gate every epoch
// claim is taken at face value; only tests run that way.
func (s *Service) SetEpochGate(g EpochGate) { s.gate = g }

// SetWitnessRound injects post-write witness collection.
func (s *Service) SetWitnessRound(w WitnessRound) { s.witnesses = w }

// SetMetrics injects the Prometheus instruments.
func (s *Service) SetMetrics(m *observability.Metrics) { s.metrics = m }

// OnAppend registers a hook called once per newly durable event,
// before witness collection. Hooks run synchronously on the appending
// goroutine and see a copy; idempotent replays do not fire hooks.
func (s *Service) OnAppend(fn func(contracts.Event)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Service) chainLock(actorID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.chains[actorID]
	if !ok {
		mu = &sync.Mutex{}
		s.chains[actorID] = mu
	}
	return mu
}

// Append validates, seals, signs and durably writes one event, then
// collects witness co-signatures for it. A replayed client token
// returns the original event without a second write.
func (s *Service) Append(ctx context.Context, req AppendRequest) (*contracts.Event, error) {
	const op = "ledger.append"
	start := time.Now()

	ev, err := s.append(ctx, op, req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordAppendFailure(string(fault.KindOf(err)))
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordAppend(string(ev.Kind), time.Since(start).Seconds())
	}
	return ev, nil
}

// EmitSystem records a detector event on the system chain. It
// implements guardian.Emitter. The system chain follows its own tip,
// so emissions never fail stale; they fail only when the core itself
// is already halted or the store refuses the write.
func (s *Service) EmitSystem(ctx context.Context, kind contracts.Kind, body any) (string, error) {
	return s.EmitSystemFor(ctx, SystemCycle, kind, body)
}

// EmitSystemFor records a system-chain event attributed to a specific
// cycle. Detector findings that belong to a cycle's record, such as an
// intake overrun or a carried-forward motion, land here so a replay of
// that cycle sees them.
func (s *Service) EmitSystemFor(ctx context.Context, cycleID string, kind contracts.Kind, body any) (string, error) {
	const op = "ledger.emit_system"

	ev, err := s.append(ctx, op, AppendRequest{
		ActorID:     SystemActor,
		Epoch:       0,
		CycleID:     cycleID,
		Kind:        kind,
		Body:        body,
		ClientToken: uuid.NewString(),
		followTip:   true,
	})
	if err != nil {
		return "", err
	}
	return ev.EventID, nil
}

func (s *Service) append(ctx context.Context, op string, req AppendRequest) (*contracts.Event, error) {
	if err := s.validateRequest(op, req); err != nil {
		return nil, err
	}

	// Halt first. Nothing below runs for a halted scope. A core halt
	// leaves one narrow door open: reform-path kinds targeting a
	// reform-prefixed cycle, because the only exit from a sticky halt
	// is a ReformMotion adopted in a newly opened cycle. A halted
	// chain gets no such door.
	if err := s.guard.Check(ctx, req.ActorID); err != nil {
		if !reformAdmissible(req) {
			return nil, err
		}
		core, coreErr := s.guard.Halted(ctx, contracts.HaltScopeCore)
		if coreErr != nil || (core.Halted && core.Reason == contracts.SealReasonDissolved) {
			// Cessation is final. No reform door out of a dissolved
			// conclave.
			return nil, err
		}
		if err := s.guard.CheckScope(ctx, contracts.ChainScope(req.ActorID)); err != nil {
			return nil, err
		}
	}

	// Terminal cycles are sealed; an append stamped with one comes
	// back Halted no matter whose chain it rides.
	if req.CycleID != "" && req.CycleID != SystemCycle {
		if err := s.guard.CheckScope(ctx, contracts.CycleScope(req.CycleID)); err != nil {
			return nil, err
		}
	}

	if s.gate != nil && req.ActorID != SystemActor {
		if err := s.gate.Authorize(ctx, req.ActorID, req.Epoch); err != nil {
			return nil, err
		}
	}

	raw, err := contracts.MarshalBody(req.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindSchemaViolation, op, err)
	}
	if err := s.schemas.Validate(req.Kind, raw); err != nil {
		return nil, err
	}

	mu := s.chainLock(req.ActorID)
	mu.Lock()
	ev, replayed, err := s.sealAndInsert(ctx, op, req, raw)
	mu.Unlock()

	if err != nil {
		var fa *forkAttempt
		if errors.As(err, &fa) {
			// The parent was consumed between the tip check and the
			// write: a second live writer on this identity.
			_ = s.guard.ReportFork(ctx, req.ActorID, fa.prevHash, fa.detail)
			if s.metrics != nil {
				s.metrics.RecordFork(req.ActorID)
			}
			return nil, fault.ForActor(fault.KindIntegrityFailure, op, req.ActorID, fa.detail)
		}
		return nil, err
	}

	if replayed {
		s.logger.Info("idempotent replay",
			"actor", req.ActorID, "client_token", req.ClientToken, "event", ev.EventID)
		return ev, nil
	}

	// Hooks run before the witness round: the ritual engine folds the
	// event here, and the round reads the roster from that fold. The
	// anomaly monitor inside the round may also cite this event, and a
	// citation must land after its target.
	s.notifyHooks(ev)
	s.collectWitnesses(ctx, ev)

	s.logger.Debug("event appended",
		"actor", ev.ActorID, "kind", ev.Kind, "sequence", ev.Sequence, "event", ev.EventID)
	return ev, nil
}

// reformAdmissible reports whether a request may pass a core halt.
// The caller still re-checks the chain scope: a forked identity stays
// out of the reform conclave too.
func reformAdmissible(req AppendRequest) bool {
	return req.Kind.ReformPath() && contracts.IsReformCycle(req.CycleID)
}

func (s *Service) validateRequest(op string, req AppendRequest) error {
	switch {
	case req.ActorID == "":
		return fault.New(fault.KindSchemaViolation, op, "actor_id required")
	case req.ClientToken == "":
		return fault.ForActor(fault.KindSchemaViolation, op, req.ActorID, "client_token required")
	case req.PrevHash == "" && !req.followTip:
		return fault.ForActor(fault.KindSchemaViolation, op, req.ActorID, "prev_hash required")
	case !contracts.KnownKind(req.Kind):
		return fault.ForActor(fault.KindSchemaViolation, op, req.ActorID,
			fmt.Sprintf("unknown event kind %q", req.Kind))
	}
	return nil
}

// sealAndInsert runs under the identity's chain lock. It returns
// replayed=true when the client token already names a durable event.
func (s *Service) sealAndInsert(ctx context.Context, op string, req AppendRequest, raw []byte) (*contracts.Event, bool, error) {
	prior, err := s.store.ByToken(ctx, req.ActorID, req.ClientToken)
	if err == nil {
		return prior, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("%s: token lookup: %w", op, err)
	}

	tip, err := s.store.Tip(ctx, req.ActorID)
	if err != nil {
		return nil, false, fmt.Errorf("%s: tip lookup: %w", op, err)
	}
	if req.followTip {
		req.PrevHash = tip.PrevHash
	}
	if req.PrevHash != tip.PrevHash {
		return nil, false, fault.ForActor(fault.KindStaleChain, op, req.ActorID,
			fmt.Sprintf("intended prev %s is not the tip %s", req.PrevHash, tip.PrevHash))
	}

	ts, err := s.auth.Now(ctx)
	if err != nil {
		// The authority being unreachable fails the append closed.
		return nil, false, fault.Wrap(fault.KindTimeRegression, op, err)
	}
	ts = ts.UTC()
	if tip.Sequence > 0 && !ts.After(tip.Timestamp) {
		return nil, false, fault.ForActor(fault.KindTimeRegression, op, req.ActorID,
			fmt.Sprintf("authority time %s does not advance past chain tip %s",
				ts.Format(time.RFC3339Nano), tip.Timestamp.Format(time.RFC3339Nano)))
	}

	ev := &contracts.Event{
		ActorID:       req.ActorID,
		Epoch:         req.Epoch,
		CycleID:       req.CycleID,
		Kind:          req.Kind,
		Sequence:      tip.Sequence + 1,
		Timestamp:     ts,
		FormatVersion: contracts.FormatVersion,
		ClientToken:   req.ClientToken,
		PrevHash:      tip.PrevHash,
		Body:          raw,
	}

	chainHash, err := ev.ComputeChainHash()
	if err != nil {
		return nil, false, fault.Wrap(fault.KindIntegrityFailure, op, err)
	}
	ev.ChainHash = chainHash
	if ev.EventID, err = contracts.EventIDFor(chainHash); err != nil {
		return nil, false, fault.Wrap(fault.KindIntegrityFailure, op, err)
	}

	signer, err := s.signers.SignerFor(req.ActorID, req.Epoch)
	if err != nil {
		return nil, false, fault.Wrap(fault.KindIdentityConflict, op, err)
	}
	if err := signer.SignEvent(ev); err != nil {
		return nil, false, fault.Wrap(fault.KindIntegrityFailure, op, err)
	}

	switch err := s.store.Insert(ctx, ev); {
	case err == nil:
		return ev, false, nil
	case errors.Is(err, store.ErrDuplicateToken):
		prior, lookupErr := s.store.ByToken(ctx, req.ActorID, req.ClientToken)
		if lookupErr != nil {
			return nil, false, fmt.Errorf("%s: replay lookup after duplicate token: %w", op, lookupErr)
		}
		return prior, true, nil
	case errors.Is(err, store.ErrDuplicateParent):
		return nil, false, &forkAttempt{
			prevHash: ev.PrevHash,
			detail: fmt.Sprintf("parent %s already extended when %s wrote sequence %d",
				ev.PrevHash, ev.ActorID, ev.Sequence),
		}
	default:
		return nil, false, fmt.Errorf("%s: insert: %w", op, err)
	}
}

// collectWitnesses runs the witness round for a durable event and
// attaches whatever signatures come back. Failures are logged, never
// fatal: absence of witness signatures does not invalidate an event.
func (s *Service) collectWitnesses(ctx context.Context, ev *contracts.Event) {
	if s.witnesses == nil {
		return
	}
	sigs, err := s.witnesses.CoSign(ctx, ev)
	if err != nil {
		s.logger.Warn("witness round failed", "event", ev.EventID, "error", err)
		return
	}
	for _, sig := range sigs {
		if err := s.store.AttachWitness(ctx, ev.EventID, sig); err != nil {
			s.logger.Warn("witness attach failed",
				"event", ev.EventID, "witness", sig.WitnessID, "error", err)
			continue
		}
		ev.Witnesses = append(ev.Witnesses, sig)
		if s.metrics != nil {
			s.metrics.RecordWitnessCoSign(sig.WitnessID)
		}
	}
}

func (s *Service) notifyHooks(ev *contracts.Event) {
	s.hookMu.RLock()
	hooks := make([]func(contracts.Event), len(s.hooks))
	copy(hooks, s.hooks)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(*ev)
	}
}

// Tip returns the chain tip a caller should compose its next append
// against. It is halt gated like every decision-feeding read.
func (s *Service) Tip(ctx context.Context, actorID string) (store.Tip, error) {
	if err := s.guard.Check(ctx, actorID); err != nil {
		return store.Tip{}, err
	}
	return s.store.Tip(ctx, actorID)
}

// ReformTip returns the chain tip for composing reform-path appends
// while the core is halted. Only the core gate is bypassed; a halted
// chain stays unreadable here too.
func (s *Service) ReformTip(ctx context.Context, actorID string) (store.Tip, error) {
	if err := s.guard.CheckScope(ctx, contracts.ChainScope(actorID)); err != nil {
		return store.Tip{}, err
	}
	return s.store.Tip(ctx, actorID)
}

// Event fetches one event by id for the observation surface. Not halt
// gated: a halted core must still answer what happened.
func (s *Service) Event(ctx context.Context, eventID string) (*contracts.Event, error) {
	return s.store.ByID(ctx, eventID)
}

// Chain returns an identity's full chain in sequence order.
func (s *Service) Chain(ctx context.Context, actorID string) ([]*contracts.Event, error) {
	return s.store.Chain(ctx, actorID)
}

// CycleEvents returns every event stamped with a cycle id, across all
// chains, in time order.
func (s *Service) CycleEvents(ctx context.Context, cycleID string) ([]*contracts.Event, error) {
	return s.store.CycleEvents(ctx, cycleID)
}
