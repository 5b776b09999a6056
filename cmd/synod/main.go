// Command synod is the operator CLI for a conclave node. It boots the
// deliberation core over the shared store and either serves the
// read-only observer surface or performs one governance operation and
// exits.
//
// Exit codes follow the boundary error contract: 0 success, 2 halted,
// 3 stale chain, 4 identity conflict, 5 integrity failure, 1 anything
// else (including usage errors).
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/synod-labs/synod/pkg/fault"
)

const version = "0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches one invocation. It exists apart from main so tests can
// drive the CLI end to end.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 1
	}
	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "cycle":
		return subcommand(args, stdout, stderr, map[string]command{
			"open":  runCycleOpen,
			"cost":  runCycleCost,
			"close": runCycleClose,
		}, "open|cost|close")
	case "roll-call":
		return runRollCall(args[2:], stdout, stderr)
	case "motion":
		return subcommand(args, stdout, stderr, map[string]command{
			"propose":  runMotionPropose,
			"tally":    runMotionTally,
			"withdraw": runMotionWithdraw,
			"table":    runMotionTable,
		}, "propose|tally|withdraw|table")
	case "vote":
		return subcommand(args, stdout, stderr, map[string]command{
			"cast": runVoteCast,
		}, "cast")
	case "override":
		return subcommand(args, stdout, stderr, map[string]command{
			"invoke":   runOverrideInvoke,
			"conclude": runOverrideConclude,
		}, "invoke|conclude")
	case "halt":
		return subcommand(args, stdout, stderr, map[string]command{
			"declare": runHaltDeclare,
		}, "declare")
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "keys":
		return subcommand(args, stdout, stderr, map[string]command{
			"init": runKeysInit,
		}, "init")
	case "archive":
		return subcommand(args, stdout, stderr, map[string]command{
			"export": runArchiveExport,
		}, "export")
	case "version", "--version":
		fmt.Fprintln(stdout, "synod "+version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "synod: unknown command %q\n", args[1])
		printUsage(stderr)
		return 1
	}
}

type command func(args []string, stdout, stderr io.Writer) int

func subcommand(args []string, stdout, stderr io.Writer, cmds map[string]command, usage string) int {
	if len(args) < 3 {
		fmt.Fprintf(stderr, "usage: synod %s <%s> [flags]\n", args[1], usage)
		return 1
	}
	cmd, ok := cmds[args[2]]
	if !ok {
		fmt.Fprintf(stderr, "synod: unknown %s subcommand %q (want %s)\n", args[1], args[2], usage)
		return 1
	}
	return cmd(args[3:], stdout, stderr)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "synod — witnessed deliberation core, "+version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  synod <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "NODE")
	printCommand(w, "serve", "Run the observer surface and the ritual monitors")
	printCommand(w, "keys init", "Generate the node's root seed")

	printSection(w, "DELIBERATION")
	printCommand(w, "cycle open", "Open the next cycle (--as, --purpose)")
	printCommand(w, "cycle cost", "Announce the open cycle's spend (--as)")
	printCommand(w, "cycle close", "Close the open cycle (--as, --summary)")
	printCommand(w, "roll-call", "Fix the roster (--as, actor ids as args)")
	printCommand(w, "motion propose", "File a motion (--as, --text, --supporters)")
	printCommand(w, "motion tally", "Tally a motion's ballots (--as, --motion)")
	printCommand(w, "vote cast", "Cast a ballot (--as, --motion, --choice)")

	printSection(w, "RITUALS")
	printCommand(w, "override invoke", "Declare an operator override (--as, --declaration)")
	printCommand(w, "override conclude", "Conclude an override (--as, --id, --outcome)")
	printCommand(w, "halt declare", "Declare a halt (--scope, --reason)")

	printSection(w, "RECORD")
	printCommand(w, "verify", "Re-verify the log (--from=<event-id> scopes to one chain)")
	printCommand(w, "replay", "Rebuild ritual state from the log and report it")
	printCommand(w, "archive export", "Seal the record into a custody bundle (--cycle)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Exit codes: 0 ok, 2 halted, 3 stale chain, 4 identity conflict, 5 integrity failure.")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-18s %s\n", name, desc)
}

// fail prints the error and maps it to the exit code contract.
func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "synod: %v\n", err)
	return fault.ExitCode(err)
}

func printJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", v)
		return
	}
	fmt.Fprintln(w, string(data))
}
