package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/deliberation"
)

func runMotionPropose(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("motion propose", flag.ContinueOnError)
	fs.SetOutput(stderr)
	as := fs.String("as", "", "acting agent identity (required)")
	text := fs.String("text", "", "motion text (required)")
	intent := fs.String("intent", "", "declared intent: advisory, binding or constitutional")
	supporters := fs.String("supporters", "", "comma-separated co-sponsors")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *as == "" || *text == "" {
		fmt.Fprintln(stderr, "synod: motion propose requires --as and --text")
		return 1
	}
	var backers []string
	if *supporters != "" {
		for _, s := range strings.Split(*supporters, ",") {
			if s = strings.TrimSpace(s); s != "" {
				backers = append(backers, s)
			}
		}
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	var out struct {
		MotionID string `json:"motion_id"`
		EventID  string `json:"event_id"`
		Intent   string `json:"intent"`
	}
	err = rt.withSession(ctx, *as, func(sess deliberation.Session) error {
		motionID, ev, err := rt.pipe.Propose(ctx, sess, *text, *intent, backers)
		if err != nil {
			return err
		}
		out.MotionID = motionID
		out.EventID = ev.EventID
		out.Intent = *intent
		return nil
	})
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		printJSON(stdout, out)
	} else {
		fmt.Fprintf(stdout, "motion %s proposed (event %s)\n", out.MotionID, out.EventID)
	}
	return 0
}

func runVoteCast(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("vote cast", flag.ContinueOnError)
	fs.SetOutput(stderr)
	as := fs.String("as", "", "acting agent identity (required)")
	motion := fs.String("motion", "", "motion id (required)")
	choice := fs.String("choice", "", "yea, nay, abstain or present (required)")
	justification := fs.String("justification", "", "optional stated reasoning")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *as == "" || *motion == "" || *choice == "" {
		fmt.Fprintln(stderr, "synod: vote cast requires --as, --motion and --choice")
		return 1
	}
	ballot := contracts.VoteChoice(*choice)
	if !contracts.KnownVoteChoice(ballot) {
		fmt.Fprintf(stderr, "synod: unknown vote choice %q\n", *choice)
		return 1
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	var out struct {
		VoteID  string `json:"vote_id"`
		EventID string `json:"event_id"`
		Choice  string `json:"choice"`
	}
	err = rt.withSession(ctx, *as, func(sess deliberation.Session) error {
		voteID, ev, err := rt.pipe.CastVote(ctx, sess, *motion, ballot, *justification)
		if err != nil {
			return err
		}
		out.VoteID = voteID
		out.EventID = ev.EventID
		out.Choice = *choice
		return nil
	})
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		printJSON(stdout, out)
	} else {
		fmt.Fprintf(stdout, "vote %s recorded: %s (event %s)\n", out.VoteID, out.Choice, out.EventID)
	}
	return 0
}

func runMotionTally(args []string, stdout, stderr io.Writer) int {
	return motionAction(args, stdout, stderr, "tally",
		func(ctx context.Context, rt *runtime, sess deliberation.Session, motionID string) (*contracts.Event, error) {
			return rt.pipe.TallyMotion(ctx, sess, motionID)
		})
}

func runMotionWithdraw(args []string, stdout, stderr io.Writer) int {
	return motionAction(args, stdout, stderr, "withdraw",
		func(ctx context.Context, rt *runtime, sess deliberation.Session, motionID string) (*contracts.Event, error) {
			return rt.pipe.WithdrawMotion(ctx, sess, motionID)
		})
}

func runMotionTable(args []string, stdout, stderr io.Writer) int {
	return motionAction(args, stdout, stderr, "table",
		func(ctx context.Context, rt *runtime, sess deliberation.Session, motionID string) (*contracts.Event, error) {
			return rt.pipe.TableMotion(ctx, sess, motionID)
		})
}

// motionAction handles the tally/withdraw/table verbs, which share a
// flag surface and differ only in the pipeline call.
func motionAction(args []string, stdout, stderr io.Writer, verb string,
	op func(context.Context, *runtime, deliberation.Session, string) (*contracts.Event, error)) int {
	fs := flag.NewFlagSet("motion "+verb, flag.ContinueOnError)
	fs.SetOutput(stderr)
	as := fs.String("as", "", "acting agent identity (required)")
	motion := fs.String("motion", "", "motion id (required)")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *as == "" || *motion == "" {
		fmt.Fprintf(stderr, "synod: motion %s requires --as and --motion\n", verb)
		return 1
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	var out struct {
		MotionID string `json:"motion_id"`
		EventID  string `json:"event_id"`
		Kind     string `json:"kind"`
	}
	err = rt.withSession(ctx, *as, func(sess deliberation.Session) error {
		ev, err := op(ctx, rt, sess, *motion)
		if err != nil {
			return err
		}
		out.MotionID = *motion
		out.EventID = ev.EventID
		out.Kind = string(ev.Kind)
		return nil
	})
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		printJSON(stdout, out)
	} else {
		fmt.Fprintf(stdout, "motion %s: %s (event %s)\n", out.MotionID, out.Kind, out.EventID)
	}
	return 0
}
