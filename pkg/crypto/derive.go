package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveEpochKey derives the ed25519 key for (actorID, epoch) from a
// root seed via HKDF. Revocation bumps the epoch and with it the key;
// the old key verifies history but can never sign under the new epoch.
func DeriveEpochKey(rootSeed []byte, actorID string, epoch uint64) (ed25519.PrivateKey, error) {
	if len(rootSeed) < 16 {
		return nil, fmt.Errorf("root seed too short: %d bytes", len(rootSeed))
	}
	info := fmt.Appendf(nil, "synod/identity/%s/%d", actorID, epoch)
	r := hkdf.New(sha256.New, rootSeed, []byte("synod-epoch-key-v1"), info)

	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// EpochSigner builds the signer for one identity epoch from the root
// seed.
func EpochSigner(rootSeed []byte, actorID string, epoch uint64) (*Ed25519Signer, error) {
	priv, err := DeriveEpochKey(rootSeed, actorID, epoch)
	if err != nil {
		return nil, err
	}
	return NewEd25519SignerFromKey(priv, actorID), nil
}
