package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/synod-labs/synod/pkg/archive"
	"github.com/synod-labs/synod/pkg/ledger"
)

// runArchiveExport seals the record (or one cycle of it) into a signed
// bundle and writes it to the configured bundle store.
func runArchiveExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("archive export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cycle := fs.String("cycle", "", "export one cycle instead of the whole record")
	bucket := fs.String("bucket", "", "bundle store URL (overrides ARCHIVE_BUCKET)")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Close()

	dest := rt.cfg.ArchiveBucket
	if *bucket != "" {
		dest = *bucket
	}
	if dest == "" {
		fmt.Fprintln(stderr, "synod: no bundle store configured; set ARCHIVE_BUCKET or pass --bucket")
		return 1
	}

	signer, err := rt.gate.SignerFor(ledger.SystemActor, 0)
	if err != nil {
		return fail(stderr, err)
	}
	exp, err := archive.NewExporter(rt.store, signer, ledger.SystemActor)
	if err != nil {
		return fail(stderr, err)
	}

	data, manifest, err := exp.Export(ctx, *cycle)
	if err != nil {
		return fail(stderr, err)
	}

	bs, err := archive.OpenStore(ctx, dest)
	if err != nil {
		return fail(stderr, err)
	}
	addr, err := bs.Put(ctx, data)
	if err != nil {
		return fail(stderr, err)
	}

	if *asJSON {
		printJSON(stdout, map[string]any{
			"bundle_id": manifest.BundleID,
			"scope":     manifest.Scope,
			"events":    manifest.Events,
			"address":   addr,
		})
	} else {
		fmt.Fprintf(stdout, "bundle %s sealed: %d events (%s)\n", manifest.BundleID, manifest.Events, manifest.Scope)
		fmt.Fprintf(stdout, "stored at %s\n", addr)
	}
	return 0
}
