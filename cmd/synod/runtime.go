package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/synod-labs/synod/pkg/config"
	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/crypto"
	"github.com/synod-labs/synod/pkg/deliberation"
	"github.com/synod-labs/synod/pkg/guardian"
	"github.com/synod-labs/synod/pkg/identity"
	"github.com/synod-labs/synod/pkg/ledger"
	"github.com/synod-labs/synod/pkg/metering"
	"github.com/synod-labs/synod/pkg/observability"
	"github.com/synod-labs/synod/pkg/observer"
	"github.com/synod-labs/synod/pkg/quarantine"
	"github.com/synod-labs/synod/pkg/rituals"
	"github.com/synod-labs/synod/pkg/schema"
	"github.com/synod-labs/synod/pkg/store"
	"github.com/synod-labs/synod/pkg/timeauth"
	"github.com/synod-labs/synod/pkg/witness"
)

// seedFile is where a node keeps its root seed when SYNOD_ROOT_SEED is
// not set. Epoch keys derive from it; losing it orphans every chain.
const seedFile = "data/root.seed"

// nodeMeter is what both the pipeline and the observer need from the
// spend meter. metering.Memory and metering.Postgres satisfy it.
type nodeMeter interface {
	deliberation.Meter
	Usage(ctx context.Context, cycleID string) (metering.Usage, error)
}

// runtime is one booted node: every core component wired in dependency
// order over the shared store. One-shot commands build it, act, and
// close it; serve keeps it running.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.EventStore
	guard   *guardian.Guardian
	ring    *crypto.KeyRing
	leases  identity.LeaseStore
	gate    *identity.Gate
	auth    timeauth.Authority
	ledger  *ledger.Service
	engine  *rituals.Engine
	pipe    *deliberation.Pipeline
	meter   nodeMeter
	obs     *observer.Observer
	metrics *observability.Metrics
	prom    *prometheus.Registry
}

// newRuntime boots a node from the environment. The boot order is
// fixed: store, guardian, identity, ledger, then the read-side
// rehydration (epoch keys, halt scopes, the ritual fold) before any
// component accepts work.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.LogLevel)

	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	seed, err := loadOrInitSeed(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	guard := guardian.New(st)
	ring := crypto.NewKeyRing()
	schemas, err := schema.NewRegistry()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var auth timeauth.Authority
	if cfg.TimeAuthorityURL != "" {
		auth = timeauth.NewRemote(cfg.TimeAuthorityURL, 5*time.Second)
		logger.Info("time authority: remote", "url", cfg.TimeAuthorityURL)
	} else {
		auth = timeauth.NewLocal()
	}

	var leases identity.LeaseStore
	if cfg.RedisAddr != "" {
		leases = identity.NewRedisLeaseStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		logger.Info("lease store: redis", "addr", cfg.RedisAddr)
	} else {
		leases = identity.NewMemoryLeaseStore()
	}

	gate, err := identity.NewGate(leases, ring, seed, cfg.LeaseTTL)
	if err != nil {
		_ = leases.Close()
		_ = st.Close()
		return nil, err
	}
	gate.AllowSystem(ledger.SystemActor)
	if err := gate.RegisterSystemKeys(); err != nil {
		_ = leases.Close()
		_ = st.Close()
		return nil, err
	}

	svc := ledger.New(st, guard, schemas, gate, ring, auth)
	guard.SetEmitter(svc)
	svc.SetEpochGate(gate)

	prom := prometheus.NewRegistry()
	metrics := observability.NewMetrics(prom)
	svc.SetMetrics(metrics)
	gate.SetMetrics(metrics)

	engine := rituals.NewEngine(guard)
	engine.SetMetrics(metrics)

	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		guard:   guard,
		ring:    ring,
		leases:  leases,
		gate:    gate,
		auth:    auth,
		ledger:  svc,
		engine:  engine,
		metrics: metrics,
		prom:    prom,
	}
	if err := rt.rehydrate(ctx, seed); err != nil {
		rt.Close()
		return nil, err
	}
	svc.OnAppend(engine.Apply)

	wmon := witness.NewMonitor(svc)
	wmon.SetMetrics(metrics)
	sel := witness.NewSelector(engine, gate, guard, cfg.WitnessMin)
	sel.SetMonitor(wmon)
	svc.SetWitnessRound(sel)

	meter, err := openMeter(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.meter = meter

	pipe, err := deliberation.New(svc, engine, guard, auth, deliberation.Config{
		QuorumFraction:   cfg.QuorumFraction,
		Thresholds:       cfg.Thresholds,
		OverrideDefault:  cfg.OverrideDefault,
		IntakeCapacity:   cfg.Intake.Capacity,
		IntakeRate:       cfg.Intake.Rate,
		IntakeBurst:      cfg.Intake.Burst,
		SuppressionGrace: cfg.SuppressionGrace,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	pipe.SetMeter(meter)
	pipe.SetRevoker(gate)

	admission, err := quarantine.NewAdmission(quarantine.DefaultRules())
	if err != nil {
		rt.Close()
		return nil, err
	}
	boundary, err := quarantine.NewBoundary(quarantine.NewExtractive(), admission, quarantine.DefaultLimits())
	if err != nil {
		rt.Close()
		return nil, err
	}
	pipe.SetBoundary(boundary)
	rt.pipe = pipe

	obs := observer.New(st, ring, engine, guard)
	obs.SetMeter(meter)
	rt.obs = obs

	return rt, nil
}

// rehydrate rebuilds the read-side state a fresh process needs before
// touching the log: the halt rows the guardian must adopt, the public
// key of every identity epoch the log has seen, and the ritual fold.
// Adoption runs even against an empty log; halt rows outlive events.
func (rt *runtime) rehydrate(ctx context.Context, seed []byte) error {
	if err := rt.guard.Adopt(ctx); err != nil {
		return err
	}

	events, err := rt.store.All(ctx)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	if err := registerEpochKeys(rt.ring, seed, events); err != nil {
		return err
	}
	n := rt.engine.Bootstrap(events)
	rt.logger.Info("state rehydrated", "events", n, "chains", chainCount(events))
	return nil
}

// registerEpochKeys re-derives the public key of every epoch up to the
// highest one each actor's chain shows. Keys are deterministic in
// (seed, actor, epoch), so a restarted node verifies old chains without
// key escrow; an epoch that only witnessed and never wrote is
// re-registered the next time its holder acquires a lease.
func registerEpochKeys(ring *crypto.KeyRing, seed []byte, events []*contracts.Event) error {
	top := make(map[string]uint64)
	for _, ev := range events {
		if ev.Epoch > top[ev.ActorID] {
			top[ev.ActorID] = ev.Epoch
		}
	}
	for actor, high := range top {
		for epoch := uint64(1); epoch <= high; epoch++ {
			signer, err := crypto.EpochSigner(seed, actor, epoch)
			if err != nil {
				return fmt.Errorf("derive key %s/%d: %w", actor, epoch, err)
			}
			err = ring.Register(contracts.AgentIdentity{
				ActorID:   actor,
				Epoch:     epoch,
				PublicKey: signer.PublicKey(),
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func chainCount(events []*contracts.Event) int {
	actors := make(map[string]bool)
	for _, ev := range events {
		actors[ev.ActorID] = true
	}
	return len(actors)
}

// openMeter shares the Postgres instance with the event store when the
// node runs on one; everything else gets the in-process meter.
func openMeter(cfg *config.Config) (nodeMeter, error) {
	if strings.HasPrefix(cfg.StoreDSN, "postgres://") || strings.HasPrefix(cfg.StoreDSN, "postgresql://") {
		return metering.OpenPostgres(cfg.StoreDSN)
	}
	return metering.NewMemory(), nil
}

// withSession leases the named identity for the duration of one
// operation. Holding the lease is the authorization: if a live instance
// already holds it, the command fails with an identity conflict rather
// than impersonating.
func (rt *runtime) withSession(ctx context.Context, actorID string, fn func(deliberation.Session) error) error {
	lease, err := rt.gate.Acquire(ctx, actorID)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.gate.Release(ctx, actorID, lease.Epoch); err != nil {
			rt.logger.Warn("lease release failed", "actor", actorID, "error", err)
		}
	}()
	return fn(deliberation.Session{ActorID: lease.ActorID, Epoch: lease.Epoch})
}

// Close releases the node's resources in reverse boot order.
func (rt *runtime) Close() {
	if c, ok := rt.meter.(io.Closer); ok {
		_ = c.Close()
	}
	if rt.leases != nil {
		_ = rt.leases.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// loadOrInitSeed resolves the root seed: the environment wins, then the
// seed file; a dev node generates one on first boot, a production node
// refuses to.
func loadOrInitSeed(cfg *config.Config) ([]byte, error) {
	if cfg.RootSeed != "" {
		seed, err := hex.DecodeString(cfg.RootSeed)
		if err != nil {
			return nil, fmt.Errorf("SYNOD_ROOT_SEED is not hex: %w", err)
		}
		return seed, nil
	}
	if raw, err := os.ReadFile(seedFile); err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("%s is not hex: %w", seedFile, err)
		}
		return seed, nil
	}
	if os.Getenv("SYNOD_PRODUCTION") == "1" {
		return nil, fmt.Errorf("production mode requires SYNOD_ROOT_SEED or %s; run `synod keys init`", seedFile)
	}
	slog.Warn("no root seed configured; generating one", "path", seedFile)
	return writeSeed(seedFile)
}

// writeSeed generates a fresh 32-byte seed and persists it hex-encoded,
// owner-readable only.
func writeSeed(path string) ([]byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return nil, fmt.Errorf("write seed: %w", err)
	}
	return seed, nil
}
