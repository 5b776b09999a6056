package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/synod-labs/synod/pkg/crypto"
	"github.com/synod-labs/synod/pkg/ledger"
)

// runKeysInit mints the node's root seed. Every per-epoch agent key
// derives from it, so this runs once per node; an existing seed file is
// never overwritten.
func runKeysInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keys init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", seedFile, "seed file path")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if _, err := os.Stat(*out); err == nil {
		fmt.Fprintf(stderr, "synod: %s already exists; refusing to overwrite a root seed\n", *out)
		return 1
	}

	seed, err := writeSeed(*out)
	if err != nil {
		return fail(stderr, err)
	}

	// The system actor's epoch-0 key is the node's stable public
	// identity; deriving it here proves the seed is usable.
	signer, err := crypto.EpochSigner(seed, ledger.SystemActor, 0)
	if err != nil {
		return fail(stderr, err)
	}

	if *asJSON {
		printJSON(stdout, map[string]string{
			"seed_file":  *out,
			"system_key": signer.PublicKey(),
		})
	} else {
		fmt.Fprintf(stdout, "seed written to %s\n", *out)
		fmt.Fprintf(stdout, "system public key: %s\n", signer.PublicKey())
	}
	return 0
}
