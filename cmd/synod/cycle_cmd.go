package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/synod-labs/synod/pkg/deliberation"
)

func runCycleOpen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cycle open", flag.ContinueOnError)
	fs.SetOutput(stderr)
	as := fs.String("as", "", "acting agent identity (required)")
	purpose := fs.String("purpose", "", "stated purpose of the cycle")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *as == "" {
		fmt.Fprintln(stderr, "synod: cycle open requires --as")
		return 1
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	var out struct {
		CycleID   string `json:"cycle_id"`
		EventID   string `json:"event_id"`
		ChainHash string `json:"chain_hash"`
	}
	err = rt.withSession(ctx, *as, func(sess deliberation.Session) error {
		cycleID, ev, err := rt.pipe.OpenCycle(ctx, sess, *purpose)
		if err != nil {
			return err
		}
		out.CycleID = cycleID
		out.EventID = ev.EventID
		out.ChainHash = ev.ChainHash
		return nil
	})
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		printJSON(stdout, out)
	} else {
		fmt.Fprintf(stdout, "cycle %s opened (event %s)\n", out.CycleID, out.EventID)
	}
	return 0
}

// runCycleCost announces the open cycle's spend so far. A cycle cannot
// close until its cost is on the record.
func runCycleCost(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cycle cost", flag.ContinueOnError)
	fs.SetOutput(stderr)
	as := fs.String("as", "", "acting agent identity (required)")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *as == "" {
		fmt.Fprintln(stderr, "synod: cycle cost requires --as")
		return 1
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	var out struct {
		CycleID string `json:"cycle_id"`
		EventID string `json:"event_id"`
	}
	err = rt.withSession(ctx, *as, func(sess deliberation.Session) error {
		ev, err := rt.pipe.AnnounceCost(ctx, sess)
		if err != nil {
			return err
		}
		out.CycleID = ev.CycleID
		out.EventID = ev.EventID
		return nil
	})
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		printJSON(stdout, out)
	} else {
		fmt.Fprintf(stdout, "cost announced for %s (event %s)\n", out.CycleID, out.EventID)
	}
	return 0
}

func runCycleClose(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cycle close", flag.ContinueOnError)
	fs.SetOutput(stderr)
	as := fs.String("as", "", "acting agent identity (required)")
	summary := fs.String("summary", "", "closing summary for the record")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *as == "" {
		fmt.Fprintln(stderr, "synod: cycle close requires --as")
		return 1
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	var out struct {
		CycleID string `json:"cycle_id"`
		EventID string `json:"event_id"`
	}
	err = rt.withSession(ctx, *as, func(sess deliberation.Session) error {
		ev, err := rt.pipe.CloseCycle(ctx, sess, *summary)
		if err != nil {
			return err
		}
		out.CycleID = ev.CycleID
		out.EventID = ev.EventID
		return nil
	})
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		printJSON(stdout, out)
	} else {
		fmt.Fprintf(stdout, "cycle %s closed (event %s)\n", out.CycleID, out.EventID)
	}
	return 0
}

// runRollCall posts the authoritative roster for the open cycle. The
// roster is the positional argument list; quorum and witness selection
// derive from it until the cycle closes.
func runRollCall(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("roll-call", flag.ContinueOnError)
	fs.SetOutput(stderr)
	as := fs.String("as", "", "acting agent identity (required)")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *as == "" {
		fmt.Fprintln(stderr, "synod: roll-call requires --as")
		return 1
	}
	roster := fs.Args()
	if len(roster) == 0 {
		fmt.Fprintln(stderr, "synod: roll-call requires at least one agent id")
		return 1
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	var out struct {
		CycleID string   `json:"cycle_id"`
		EventID string   `json:"event_id"`
		Roster  []string `json:"roster"`
	}
	err = rt.withSession(ctx, *as, func(sess deliberation.Session) error {
		ev, err := rt.pipe.RollCall(ctx, sess, roster)
		if err != nil {
			return err
		}
		out.CycleID = ev.CycleID
		out.EventID = ev.EventID
		out.Roster = roster
		return nil
	})
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		printJSON(stdout, out)
	} else {
		fmt.Fprintf(stdout, "roll call for %s: %d agents (event %s)\n", out.CycleID, len(roster), out.EventID)
	}
	return 0
}
