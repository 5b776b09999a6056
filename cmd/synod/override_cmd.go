package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/deliberation"
)

func runOverrideInvoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("override invoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	as := fs.String("as", "", "acting agent identity (required)")
	declaration := fs.String("declaration", "", "what is being overridden and why (required)")
	scope := fs.String("scope", "", "what the override suspends")
	duration := fs.Duration("duration", 0, "override window (default from config)")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *as == "" || *declaration == "" {
		fmt.Fprintln(stderr, "synod: override invoke requires --as and --declaration")
		return 1
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	var out struct {
		OverrideID string `json:"override_id"`
		EventID    string `json:"event_id"`
		ExpiresAt  string `json:"expires_at,omitempty"`
	}
	err = rt.withSession(ctx, *as, func(sess deliberation.Session) error {
		overrideID, ev, err := rt.pipe.InvokeOverride(ctx, sess, *declaration, *scope, *duration)
		if err != nil {
			return err
		}
		out.OverrideID = overrideID
		out.EventID = ev.EventID
		return nil
	})
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		printJSON(stdout, out)
	} else {
		fmt.Fprintf(stdout, "override %s invoked (event %s)\n", out.OverrideID, out.EventID)
	}
	return 0
}

func runOverrideConclude(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("override conclude", flag.ContinueOnError)
	fs.SetOutput(stderr)
	as := fs.String("as", "", "acting agent identity (required)")
	id := fs.String("id", "", "override id (required)")
	outcome := fs.String("outcome", "", "resolved, expired or revoked (required)")
	summary := fs.String("summary", "", "closing account of what happened")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *as == "" || *id == "" || *outcome == "" {
		fmt.Fprintln(stderr, "synod: override conclude requires --as, --id and --outcome")
		return 1
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	var out struct {
		OverrideID string `json:"override_id"`
		EventID    string `json:"event_id"`
		Outcome    string `json:"outcome"`
	}
	err = rt.withSession(ctx, *as, func(sess deliberation.Session) error {
		ev, err := rt.pipe.ConcludeOverride(ctx, sess, *id, *outcome, *summary)
		if err != nil {
			return err
		}
		out.OverrideID = *id
		out.EventID = ev.EventID
		out.Outcome = *outcome
		return nil
	})
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		printJSON(stdout, out)
	} else {
		fmt.Fprintf(stdout, "override %s concluded: %s (event %s)\n", out.OverrideID, out.Outcome, out.EventID)
	}
	return 0
}

// runHaltDeclare freezes a scope directly through the guardian. It is
// the operator's brake: no lease, no deliberation, takes effect before
// the command returns.
func runHaltDeclare(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("halt declare", flag.ContinueOnError)
	fs.SetOutput(stderr)
	scope := fs.String("scope", contracts.HaltScopeCore, "halt scope: core, chain:<actor> or cycle:<id>")
	reason := fs.String("reason", "", "why the scope is being frozen (required)")
	by := fs.String("by", "operator", "who declares the halt")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *reason == "" {
		fmt.Fprintln(stderr, "synod: halt declare requires --reason")
		return 1
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	if err := rt.guard.DeclareHalt(ctx, *scope, *reason, *by, nil); err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		printJSON(stdout, map[string]any{
			"scope":       *scope,
			"reason":      *reason,
			"declared_by": *by,
			"declared_at": time.Now().UTC().Format(time.RFC3339),
		})
	} else {
		fmt.Fprintf(stdout, "halt declared on %s: %s\n", *scope, *reason)
	}
	return 0
}
