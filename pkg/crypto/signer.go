// Package crypto holds the signing surface of the core. Events are
// signed over their chain hash at the trust boundary; verification at
// read time walks back through the keyring.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/synod-labs/synod/pkg/contracts"
)

// Signer produces signatures for one identity epoch.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	PublicKeyBytes() []byte
	SignEvent(e *contracts.Event) error
	WitnessSign(chainHash string) (contracts.WitnessSignature, error)
}

// Ed25519Signer is the only production signer. KeyID names the holder,
// conventionally the actor id.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, KeyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

// Sign returns the hex signature over data.
func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

// PublicKey returns the hex-encoded public key.
func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// PublicKeyBytes returns the raw public key.
func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

// Verify checks a raw signature produced by this signer's key.
func (s *Ed25519Signer) Verify(message, signature []byte) bool {
	return ed25519.Verify(s.pubKey, message, signature)
}

// SignEvent signs the sealed chain hash and stores the signature on the
// event. The chain hash must already be computed; signing an unsealed
// event is a programming error.
func (s *Ed25519Signer) SignEvent(e *contracts.Event) error {
	if e.ChainHash == "" {
		return fmt.Errorf("event %s/%d not sealed, nothing to sign", e.ActorID, e.Sequence)
	}
	sig, err := s.Sign([]byte(e.ChainHash))
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// WitnessSign produces this key holder's co-signature over a sealed
// chain hash.
func (s *Ed25519Signer) WitnessSign(chainHash string) (contracts.WitnessSignature, error) {
	if chainHash == "" {
		return contracts.WitnessSignature{}, fmt.Errorf("empty chain hash")
	}
	sig, err := s.Sign([]byte(chainHash))
	if err != nil {
		return contracts.WitnessSignature{}, err
	}
	return contracts.WitnessSignature{WitnessID: s.KeyID, Signature: sig}, nil
}

// Verify checks sigHex over data against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pubKey))
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
