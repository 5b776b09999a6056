package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/synod-labs/synod/pkg/fault"
	"github.com/synod-labs/synod/pkg/observer"
	"github.com/synod-labs/synod/pkg/rituals"
)

// runVerify recomputes chain hashes and signatures over the log. With
// --from it checks only the window of one actor's chain starting at
// the named event; otherwise it attests the whole record.
func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	from := fs.String("from", "", "verify one chain starting at this event id")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	if *from != "" {
		return verifyFrom(ctx, rt, *from, *asJSON, stdout, stderr)
	}

	att, err := rt.obs.Attest(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		printJSON(stdout, att)
	} else {
		fmt.Fprintf(stdout, "verified %d events across %d chains\n", att.Events, att.Chains)
		for _, f := range att.Findings {
			fmt.Fprintf(stdout, "  FINDING %s seq %d (%s): %s\n", f.ActorID, f.Sequence, f.EventID, f.Problem)
		}
	}
	if !att.Clean() {
		return fail(stderr, fault.Newf(fault.KindIntegrityFailure, "verify",
			"%d findings in the record", len(att.Findings)))
	}
	if !*asJSON {
		fmt.Fprintln(stdout, "record intact")
	}
	return 0
}

// verifyFrom checks one actor's chain from the named event to its tip:
// every signature, and every prev_hash link inside the window.
func verifyFrom(ctx context.Context, rt *runtime, eventID string, asJSON bool, stdout, stderr io.Writer) int {
	ev, err := rt.store.ByID(ctx, eventID)
	if err != nil {
		return fail(stderr, fmt.Errorf("event %s: %w", eventID, err))
	}
	entries, err := rt.obs.Audit(ctx, observer.Query{ActorID: ev.ActorID})
	if err != nil {
		return fail(stderr, err)
	}

	var window []observer.Entry
	for _, e := range entries {
		if e.Sequence >= ev.Sequence {
			window = append(window, e)
		}
	}

	var problems []string
	prevHash := ev.PrevHash
	for _, e := range window {
		if !e.SignatureOK {
			problems = append(problems, fmt.Sprintf("seq %d (%s): %s", e.Sequence, e.EventID, e.Problem))
		}
		if e.PrevHash != prevHash {
			problems = append(problems, fmt.Sprintf("seq %d (%s): prev hash does not link", e.Sequence, e.EventID))
		}
		prevHash = e.ChainHash
	}

	if asJSON {
		printJSON(stdout, map[string]any{
			"actor_id": ev.ActorID,
			"from":     eventID,
			"checked":  len(window),
			"problems": problems,
		})
	} else {
		fmt.Fprintf(stdout, "verified %d events on %s from %s\n", len(window), ev.ActorID, eventID)
		for _, p := range problems {
			fmt.Fprintf(stdout, "  FINDING %s\n", p)
		}
	}
	if len(problems) > 0 {
		return fail(stderr, fault.Newf(fault.KindIntegrityFailure, "verify",
			"%d findings on chain %s", len(problems), ev.ActorID))
	}
	if !asJSON {
		fmt.Fprintln(stdout, "chain intact")
	}
	return 0
}

// runReplay folds the whole log through the ritual state machines and
// reports what the record actually contains. Boot already replays, so
// this surfaces the rebuilt fold plus any rule violations it noticed.
func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	events, err := rt.store.All(ctx)
	if err != nil {
		return fail(stderr, err)
	}

	type cycleLine struct {
		CycleID string `json:"cycle_id"`
		State   string `json:"state"`
	}
	report := struct {
		Events    int               `json:"events"`
		Cycles    []cycleLine       `json:"cycles"`
		Breaches  []string          `json:"breaches,omitempty"`
		Overrides []string          `json:"overrides,omitempty"`
		Ceased    bool              `json:"ceased"`
		Findings  []rituals.Finding `json:"findings,omitempty"`
	}{
		Events:    len(events),
		Breaches:  rt.engine.BreachIDs(),
		Overrides: rt.engine.OverrideIDs(),
		Ceased:    rt.engine.Ceased(),
		Findings:  rt.engine.Findings(),
	}
	for _, id := range rt.engine.CycleIDs() {
		if snap, ok := rt.engine.Cycle(id); ok {
			report.Cycles = append(report.Cycles, cycleLine{CycleID: id, State: string(snap.State)})
		}
	}

	if *asJSON {
		printJSON(stdout, report)
	} else {
		fmt.Fprintf(stdout, "replayed %d events: %d cycles, %d breaches, %d overrides\n",
			report.Events, len(report.Cycles), len(report.Breaches), len(report.Overrides))
		for _, c := range report.Cycles {
			fmt.Fprintf(stdout, "  cycle %s: %s\n", c.CycleID, c.State)
		}
		if report.Ceased {
			fmt.Fprintln(stdout, "  core has ceased")
		}
		for _, f := range report.Findings {
			fmt.Fprintf(stdout, "  FINDING %s in %s: %s\n", f.EventID, f.CycleID, f.Detail)
		}
	}
	if n := len(report.Findings); n > 0 {
		return fail(stderr, fault.Newf(fault.KindIntegrityFailure, "replay",
			"%d rule violations in the record", n))
	}
	return 0
}
