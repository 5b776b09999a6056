// Package archive exports a conclave's record as a sealed bundle for
// off-site custody: the events, the halt rows over them, and a signed
// manifest binding both. Bundles are content-addressed in the stores of
// this package, so a re-export of the same record lands at the same
// address and a doctored copy lands at a different one.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/synod-labs/synod/pkg/canonical"
	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/crypto"
	"github.com/synod-labs/synod/pkg/store"
)

// ScopeFull marks a bundle covering the entire log rather than one
// cycle's record.
const ScopeFull = "full"

const (
	eventsEntry   = "events.jsonl"
	haltsEntry    = "halts.json"
	manifestEntry = "manifest.json"
)

// ErrBundleTampered reports a bundle whose contents no longer match its
// sealed manifest.
var ErrBundleTampered = errors.New("archive: bundle does not match its manifest")

// Entry names one payload file inside the bundle with its digest.
type Entry struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

// Manifest is the sealed description of a bundle. The signature covers
// the bundle id, scope, creation time, event count, chain tips and the
// payload entry digests; everything a verifier needs to detect a swap.
type Manifest struct {
	BundleID    string            `json:"bundle_id"`
	Scope       string            `json:"scope"`
	CreatedAt   time.Time         `json:"created_at"`
	Events      int               `json:"events"`
	Tips        map[string]string `json:"tips"`
	Entries     []Entry           `json:"entries"`
	SignedBy    string            `json:"signed_by"`
	PublicKey   string            `json:"public_key"`
	PayloadHash string            `json:"payload_hash"`
	Signature   string            `json:"signature"`
}

// sealPayload is the exact byte surface the manifest signature covers.
type sealPayload struct {
	BundleID  string            `json:"bundle_id"`
	Scope     string            `json:"scope"`
	CreatedAt time.Time         `json:"created_at"`
	Events    int               `json:"events"`
	Tips      map[string]string `json:"tips"`
	Entries   []Entry           `json:"entries"`
}

func (m *Manifest) sealBytes() ([]byte, error) {
	return canonical.Marshal(sealPayload{
		BundleID:  m.BundleID,
		Scope:     m.Scope,
		CreatedAt: m.CreatedAt,
		Events:    m.Events,
		Tips:      m.Tips,
		Entries:   m.Entries,
	})
}

// Exporter reads the durable log and produces sealed bundles. The
// signer is conventionally the sentinel's; keyID names it in the
// manifest so custody chains know who sealed what.
type Exporter struct {
	store  store.EventStore
	signer crypto.Signer
	keyID  string
	now    func() time.Time
}

// NewExporter builds an exporter over the given log.
func NewExporter(st store.EventStore, signer crypto.Signer, keyID string) (*Exporter, error) {
	if signer == nil || keyID == "" {
		return nil, fmt.Errorf("archive: exporter needs a signing key and its id")
	}
	return &Exporter{store: st, signer: signer, keyID: keyID, now: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// Export seals the record into a zip bundle. An empty cycleID exports
// the whole log; otherwise only the named cycle's record.
func (e *Exporter) Export(ctx context.Context, cycleID string) ([]byte, *Manifest, error) {
	var (
		events []*contracts.Event
		err    error
		scope  = ScopeFull
	)
	if cycleID == "" {
		events, err = e.store.All(ctx)
	} else {
		scope = cycleID
		events, err = e.store.CycleEvents(ctx, cycleID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("archive: read events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil, fmt.Errorf("archive: nothing to export for scope %q", scope)
	}

	eventLines, tips, err := encodeEvents(events)
	if err != nil {
		return nil, nil, err
	}
	haltBytes, err := e.collectHalts(ctx, events)
	if err != nil {
		return nil, nil, err
	}

	m := &Manifest{
		BundleID:  "bnd-" + uuid.NewString(),
		Scope:     scope,
		CreatedAt: e.now().UTC(),
		Events:    len(events),
		Tips:      tips,
		Entries: []Entry{
			{Name: eventsEntry, SHA256: canonical.HashBytes(eventLines), Size: len(eventLines)},
			{Name: haltsEntry, SHA256: canonical.HashBytes(haltBytes), Size: len(haltBytes)},
		},
		SignedBy:  e.keyID,
		PublicKey: e.signer.PublicKey(),
	}
	msg, err := m.sealBytes()
	if err != nil {
		return nil, nil, err
	}
	m.PayloadHash = canonical.HashBytes(msg)
	m.Signature, err = e.signer.Sign(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("archive: seal: %w", err)
	}

	manifestBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("archive: marshal manifest: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range []struct {
		name string
		data []byte
	}{
		{eventsEntry, eventLines},
		{haltsEntry, haltBytes},
		{manifestEntry, manifestBytes},
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.name,
			Method:   zip.Deflate,
			Modified: m.CreatedAt,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("archive: zip entry %s: %w", f.name, err)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, nil, fmt.Errorf("archive: zip write %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("archive: zip close: %w", err)
	}
	return buf.Bytes(), m, nil
}

// encodeEvents renders the log as canonical JSON lines and collects the
// per-chain tips the manifest pins.
func encodeEvents(events []*contracts.Event) ([]byte, map[string]string, error) {
	var lines bytes.Buffer
	tips := make(map[string]string)
	tipSeq := make(map[string]uint64)
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: marshal event %s: %w", ev.EventID, err)
		}
		line, err := canonical.Transform(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: canonicalize event %s: %w", ev.EventID, err)
		}
		lines.Write(line)
		lines.WriteByte('\n')
		if ev.Sequence >= tipSeq[ev.ActorID] {
			tipSeq[ev.ActorID] = ev.Sequence
			tips[ev.ActorID] = ev.ChainHash
		}
	}
	return lines.Bytes(), tips, nil
}

// collectHalts reads the halt row of every scope the exported events
// touch: the core, each cycle's seal and each identity chain.
func (e *Exporter) collectHalts(ctx context.Context, events []*contracts.Event) ([]byte, error) {
	scopes := map[string]bool{contracts.HaltScopeCore: true}
	for _, ev := range events {
		scopes[contracts.ChainScope(ev.ActorID)] = true
		if ev.CycleID != "" {
			scopes[contracts.CycleScope(ev.CycleID)] = true
		}
	}
	names := make([]string, 0, len(scopes))
	for s := range scopes {
		names = append(names, s)
	}
	sort.Strings(names)

	halts := make(map[string]contracts.HaltState)
	for _, scope := range names {
		h, err := e.store.GetHalt(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("archive: halt row %s: %w", scope, err)
		}
		if h.Halted || scope == contracts.HaltScopeCore {
			halts[scope] = h
		}
	}
	raw, err := json.Marshal(halts)
	if err != nil {
		return nil, fmt.Errorf("archive: marshal halts: %w", err)
	}
	return canonical.Transform(raw)
}

// Bundle is a parsed, entry-verified export.
type Bundle struct {
	Manifest Manifest
	Events   []*contracts.Event
	Halts    map[string]contracts.HaltState
}

// ReadBundle parses a bundle and checks every payload entry against the
// manifest digests. Signature verification is separate; see Verify.
func ReadBundle(data []byte) (*Bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("archive: open bundle: %w", err)
	}
	contents := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("archive: open entry %s: %w", f.Name, err)
		}
		raw, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("archive: read entry %s: %w", f.Name, err)
		}
		contents[f.Name] = raw
	}

	manifestRaw, ok := contents[manifestEntry]
	if !ok {
		return nil, fmt.Errorf("%w: no manifest", ErrBundleTampered)
	}
	b := &Bundle{}
	if err := json.Unmarshal(manifestRaw, &b.Manifest); err != nil {
		return nil, fmt.Errorf("archive: parse manifest: %w", err)
	}

	for _, entry := range b.Manifest.Entries {
		raw, ok := contents[entry.Name]
		if !ok {
			return nil, fmt.Errorf("%w: entry %s missing", ErrBundleTampered, entry.Name)
		}
		if got := canonical.HashBytes(raw); got != entry.SHA256 {
			return nil, fmt.Errorf("%w: entry %s digest %s, manifest says %s",
				ErrBundleTampered, entry.Name, got, entry.SHA256)
		}
	}

	for _, line := range strings.Split(string(contents[eventsEntry]), "\n") {
		if line == "" {
			continue
		}
		var ev contracts.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("archive: parse event line: %w", err)
		}
		b.Events = append(b.Events, &ev)
	}
	if len(b.Events) != b.Manifest.Events {
		return nil, fmt.Errorf("%w: %d events, manifest says %d",
			ErrBundleTampered, len(b.Events), b.Manifest.Events)
	}
	if err := json.Unmarshal(contents[haltsEntry], &b.Halts); err != nil {
		return nil, fmt.Errorf("archive: parse halts: %w", err)
	}
	return b, nil
}

// Verify checks the manifest seal. With an expected public key it also
// pins the sealer; with an empty one the bundle only self-attests.
func (b *Bundle) Verify(pubKeyHex string) error {
	if pubKeyHex == "" {
		pubKeyHex = b.Manifest.PublicKey
	} else if pubKeyHex != b.Manifest.PublicKey {
		return fmt.Errorf("%w: sealed by %s, expected key differs", ErrBundleTampered, b.Manifest.SignedBy)
	}
	msg, err := b.Manifest.sealBytes()
	if err != nil {
		return err
	}
	if got := canonical.HashBytes(msg); got != b.Manifest.PayloadHash {
		return fmt.Errorf("%w: payload hash %s, manifest says %s", ErrBundleTampered, got, b.Manifest.PayloadHash)
	}
	ok, err := crypto.Verify(pubKeyHex, b.Manifest.Signature, msg)
	if err != nil {
		return fmt.Errorf("archive: verify seal: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: manifest signature invalid", ErrBundleTampered)
	}
	return nil
}
