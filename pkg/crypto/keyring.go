package crypto

import (
	"fmt"
	"sync"

	"github.com/synod-labs/synod/pkg/contracts"
	"github.com/synod-labs/synod/pkg/fault"
)

// KeyRing tracks every registered (actor, epoch) public key. Old epoch
// keys stay registered forever: the chain they signed remains
// verifiable even after the epoch is fenced out for writing.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]map[uint64]string // actor id -> epoch -> hex public key
}

// NewKeyRing creates an empty ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]map[uint64]string)}
}

// Register binds a public key to an identity epoch. Re-registering the
// same key is a no-op; a different key for an existing epoch is an
// identity conflict.
func (k *KeyRing) Register(id contracts.AgentIdentity) error {
	if id.ActorID == "" || id.PublicKey == "" {
		return fmt.Errorf("identity missing actor id or key")
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	epochs, ok := k.keys[id.ActorID]
	if !ok {
		epochs = make(map[uint64]string)
		k.keys[id.ActorID] = epochs
	}
	if existing, ok := epochs[id.Epoch]; ok && existing != id.PublicKey {
		return fault.ForActor(fault.KindIdentityConflict, "keyring.register", id.ActorID,
			fmt.Sprintf("epoch %d already bound to a different key", id.Epoch))
	}
	epochs[id.Epoch] = id.PublicKey
	return nil
}

// PublicKey returns the hex key registered for (actorID, epoch).
func (k *KeyRing) PublicKey(actorID string, epoch uint64) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[actorID][epoch]
	return pub, ok
}

// LatestEpoch returns the highest epoch registered for actorID.
func (k *KeyRing) LatestEpoch(actorID string) (uint64, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	epochs, ok := k.keys[actorID]
	if !ok || len(epochs) == 0 {
		return 0, false
	}
	var max uint64
	for e := range epochs {
		if e > max {
			max = e
		}
	}
	return max, true
}

// VerifyEvent checks a stored event end to end: the chain hash
// recomputes, the event id matches it, the actor signature verifies
// under the epoch the event claims, and every witness co-signature
// verifies. Any failure is an integrity fault; the caller halts the
// chain, it does not retry.
func (k *KeyRing) VerifyEvent(e *contracts.Event) error {
	recomputed, err := e.ComputeChainHash()
	if err != nil {
		return fault.Wrap(fault.KindIntegrityFailure, "keyring.verify", err)
	}
	if recomputed != e.ChainHash {
		return fault.ForActor(fault.KindIntegrityFailure, "keyring.verify", e.ActorID,
			fmt.Sprintf("chain hash mismatch at sequence %d", e.Sequence))
	}
	wantID, err := contracts.EventIDFor(e.ChainHash)
	if err != nil {
		return fault.Wrap(fault.KindIntegrityFailure, "keyring.verify", err)
	}
	if wantID != e.EventID {
		return fault.ForActor(fault.KindIntegrityFailure, "keyring.verify", e.ActorID,
			fmt.Sprintf("event id %s does not address its content", e.EventID))
	}

	pub, ok := k.PublicKey(e.ActorID, e.Epoch)
	if !ok {
		return fault.ForActor(fault.KindIntegrityFailure, "keyring.verify", e.ActorID,
			fmt.Sprintf("no key registered for epoch %d", e.Epoch))
	}
	valid, err := Verify(pub, e.Signature, []byte(e.ChainHash))
	if err != nil {
		return fault.Wrap(fault.KindIntegrityFailure, "keyring.verify", err)
	}
	if !valid {
		return fault.ForActor(fault.KindIntegrityFailure, "keyring.verify", e.ActorID,
			fmt.Sprintf("signature invalid at sequence %d", e.Sequence))
	}

	for _, w := range e.Witnesses {
		if err := k.verifyWitness(w, e.ChainHash); err != nil {
			return err
		}
	}
	return nil
}

// verifyWitness accepts a co-signature under any epoch registered for
// the witness. The witness record carries no epoch; the key that
// verifies is the one that signed.
func (k *KeyRing) verifyWitness(w contracts.WitnessSignature, chainHash string) error {
	k.mu.RLock()
	epochs := make([]string, 0, len(k.keys[w.WitnessID]))
	for _, pub := range k.keys[w.WitnessID] {
		epochs = append(epochs, pub)
	}
	k.mu.RUnlock()

	if len(epochs) == 0 {
		return fault.ForActor(fault.KindIntegrityFailure, "keyring.verify", w.WitnessID,
			"witness has no registered key")
	}
	for _, pub := range epochs {
		if ok, err := Verify(pub, w.Signature, []byte(chainHash)); err == nil && ok {
			return nil
		}
	}
	return fault.ForActor(fault.KindIntegrityFailure, "keyring.verify", w.WitnessID,
		"witness signature verifies under no registered key")
}
