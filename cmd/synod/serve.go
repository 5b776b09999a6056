package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/synod-labs/synod/pkg/deliberation"
	"github.com/synod-labs/synod/pkg/observability"
	"github.com/synod-labs/synod/pkg/observer"
)

// runServe boots a node and keeps it up until SIGINT/SIGTERM: the
// observer HTTP surface, the live event hub, the deadline monitor and
// the lease sweeper.
func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	listen := fs.String("listen", "", "observer bind address (overrides OBSERVER_LISTEN)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	if rt.cfg.OTLPEndpoint != "" {
		provider, err := observability.New(ctx, &observability.Config{
			ServiceName:    "synod-core",
			ServiceVersion: version,
			OTLPEndpoint:   rt.cfg.OTLPEndpoint,
			Enabled:        true,
			Insecure:       true,
		})
		if err != nil {
			return fail(stderr, err)
		}
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shCtx)
		}()
	}

	hub := observer.NewHub()
	rt.ledger.OnAppend(hub.Publish)
	go hub.Run(ctx)

	addr := rt.cfg.ObserverListen
	if *listen != "" {
		addr = *listen
	}
	srv := observer.NewServer(addr, rt.obs)
	srv.SetHub(hub)
	srv.SetTimeAuthority(rt.auth)
	srv.SetGatherer(rt.prom)
	if rt.cfg.JWTSecret != "" {
		srv.SetAuth(observer.NewTokenAuth(rt.cfg.JWTSecret))
	} else {
		rt.logger.Warn("SYNOD_JWT_SECRET unset; protected observer routes stay closed")
	}

	mon := deliberation.NewMonitor(rt.pipe, rt.auth)
	go mon.Run(ctx)
	go sweepLeases(ctx, rt)

	rt.logger.Info("node up", "listen", addr, "store", rt.cfg.StoreDSN)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fail(stderr, err)
		}
	case <-ctx.Done():
		rt.logger.Info("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			fmt.Fprintf(stderr, "synod: shutdown: %v\n", err)
		}
	}
	return 0
}

// sweepLeases expires stale identity leases at half the TTL, so a
// crashed holder's epoch is fenced off well before a new acquire.
func sweepLeases(ctx context.Context, rt *runtime) {
	tick := time.NewTicker(rt.gate.TTL() / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n, err := rt.gate.Sweep(ctx); err != nil {
				rt.logger.Warn("lease sweep failed", "error", err)
			} else if n > 0 {
				rt.logger.Info("leases expired", "count", n)
			}
		}
	}
}
