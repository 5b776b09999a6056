// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content hashing for chain events.
//
// Every hash that enters an identity chain, a signature, or an audit
// verdict passes through this package. Two processes that disagree on
// canonical form will disagree on every digest downstream, so the
// transform is delegated to the reference JCS implementation rather
// than re-derived here.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// HashPrefix tags every digest produced by this package. Storing the
// algorithm with the digest lets verifiers reject unknown schemes
// instead of guessing.
const HashPrefix = "sha256:"

// Genesis is the prev_hash sentinel that anchors the first event of an
// identity chain.
const Genesis = "genesis"

// hexDigestLen is the length of a SHA-256 digest in lowercase hex.
const hexDigestLen = 64

// Marshal serializes v to its RFC 8785 canonical form: lexicographic
// key order, no HTML escaping, shortest-round-trip number formatting.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	return Transform(raw)
}

// Transform canonicalizes already-serialized JSON.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the prefixed SHA-256 digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes digests raw bytes as-is, without canonicalization. Callers
// hashing JSON should go through Hash or Transform first.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// Valid reports whether s is a well-formed prefixed digest: the
// HashPrefix followed by exactly 64 lowercase hex characters.
func Valid(s string) bool {
	hexPart, ok := strings.CutPrefix(s, HashPrefix)
	if !ok || len(hexPart) != hexDigestLen {
		return false
	}
	for _, c := range hexPart {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Bytes decodes a prefixed digest back to its raw 32 bytes. Used where
// a digest seeds further computation, e.g. witness selection.
func Bytes(hash string) ([]byte, error) {
	hexPart, ok := strings.CutPrefix(hash, HashPrefix)
	if !ok {
		return nil, fmt.Errorf("canonical: digest %q missing %q prefix", hash, HashPrefix)
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, fmt.Errorf("canonical: digest %q not hex: %w", hash, err)
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("canonical: digest %q has %d bytes, want %d", hash, len(raw), sha256.Size)
	}
	return raw, nil
}
