package crypto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/synod-labs/synod/pkg/canonical"
	"github.com/synod-labs/synod/pkg/contracts"
)

func sealedEvent(t *testing.T, s *Ed25519Signer) *contracts.Event {
	t.Helper()
	e := &contracts.Event{
		ActorID:       s.KeyID,
		Epoch:         1,
		CycleID:       "cycle-1",
		Kind:          contracts.KindAgentUtterance,
		Sequence:      1,
		Timestamp:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		FormatVersion: contracts.FormatVersion,
		ClientToken:   "tok-1",
		PrevHash:      canonical.Genesis,
		Body:          json.RawMessage(`{"text":"I open the session."}`),
	}
	h, err := e.ComputeChainHash()
	if err != nil {
		t.Fatalf("ComputeChainHash: %v", err)
	}
	e.ChainHash = h
	id, err := contracts.EventIDFor(h)
	if err != nil {
		t.Fatalf("EventIDFor: %v", err)
	}
	e.EventID = id
	if err := s.SignEvent(e); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	return e
}

func TestSignAndVerifyEvent(t *testing.T) {
	s, err := NewEd25519Signer("archon-a")
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	e := sealedEvent(t, s)

	ring := NewKeyRing()
	if err := ring.Register(contracts.AgentIdentity{ActorID: "archon-a", Epoch: 1, PublicKey: s.PublicKey()}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := ring.VerifyEvent(e); err != nil {
		t.Fatalf("VerifyEvent on untampered event: %v", err)
	}
}

func TestVerifyEventDetectsTamperedBody(t *testing.T) {
	s, _ := NewEd25519Signer("archon-a")
	e := sealedEvent(t, s)
	ring := NewKeyRing()
	_ = ring.Register(contracts.AgentIdentity{ActorID: "archon-a", Epoch: 1, PublicKey: s.PublicKey()})

	e.Body = json.RawMessage(`{"text":"I never said that."}`)
	if err := ring.VerifyEvent(e); err == nil {
		t.Fatal("tampered body must fail verification")
	}
}

func TestVerifyEventDetectsWrongSigner(t *testing.T) {
	honest, _ := NewEd25519Signer("archon-a")
	forger, _ := NewEd25519Signer("archon-a")
	e := sealedEvent(t, forger)

	ring := NewKeyRing()
	_ = ring.Register(contracts.AgentIdentity{ActorID: "archon-a", Epoch: 1, PublicKey: honest.PublicKey()})
	if err := ring.VerifyEvent(e); err == nil {
		t.Fatal("signature from an unregistered key must fail")
	}
}

func TestVerifyEventUnknownEpoch(t *testing.T) {
	s, _ := NewEd25519Signer("archon-a")
	e := sealedEvent(t, s)
	e2 := *e
	e2.Epoch = 9
	h, _ := e2.ComputeChainHash()
	e2.ChainHash = h
	e2.EventID, _ = contracts.EventIDFor(h)
	_ = s.SignEvent(&e2)

	ring := NewKeyRing()
	_ = ring.Register(contracts.AgentIdentity{ActorID: "archon-a", Epoch: 1, PublicKey: s.PublicKey()})
	if err := ring.VerifyEvent(&e2); err == nil {
		t.Fatal("epoch with no registered key must fail")
	}
}

func TestWitnessSignatures(t *testing.T) {
	author, _ := NewEd25519Signer("archon-a")
	witness, _ := NewEd25519Signer("witness-w1")
	e := sealedEvent(t, author)

	ws, err := witness.WitnessSign(e.ChainHash)
	if err != nil {
		t.Fatalf("WitnessSign: %v", err)
	}
	e.Witnesses = append(e.Witnesses, ws)

	ring := NewKeyRing()
	_ = ring.Register(contracts.AgentIdentity{ActorID: "archon-a", Epoch: 1, PublicKey: author.PublicKey()})
	_ = ring.Register(contracts.AgentIdentity{ActorID: "witness-w1", Epoch: 1, PublicKey: witness.PublicKey()})

	if err := ring.VerifyEvent(e); err != nil {
		t.Fatalf("VerifyEvent with witness: %v", err)
	}

	e.Witnesses[0].Signature = e.Witnesses[0].Signature[:10] + "00" + e.Witnesses[0].Signature[12:]
	if err := ring.VerifyEvent(e); err == nil {
		t.Fatal("corrupted witness signature must fail")
	}
}

func TestKeyRingEpochConflict(t *testing.T) {
	a, _ := NewEd25519Signer("archon-a")
	b, _ := NewEd25519Signer("archon-a")

	ring := NewKeyRing()
	if err := ring.Register(contracts.AgentIdentity{ActorID: "archon-a", Epoch: 1, PublicKey: a.PublicKey()}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := ring.Register(contracts.AgentIdentity{ActorID: "archon-a", Epoch: 1, PublicKey: a.PublicKey()}); err != nil {
		t.Fatalf("idempotent re-register: %v", err)
	}
	if err := ring.Register(contracts.AgentIdentity{ActorID: "archon-a", Epoch: 1, PublicKey: b.PublicKey()}); err == nil {
		t.Fatal("different key for a bound epoch must conflict")
	}

	if err := ring.Register(contracts.AgentIdentity{ActorID: "archon-a", Epoch: 2, PublicKey: b.PublicKey()}); err != nil {
		t.Fatalf("new epoch register: %v", err)
	}
	latest, ok := ring.LatestEpoch("archon-a")
	if !ok || latest != 2 {
		t.Errorf("LatestEpoch = %d, %v; want 2, true", latest, ok)
	}
}

func TestDeriveEpochKeyDeterministic(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")

	k1, err := DeriveEpochKey(seed, "archon-a", 1)
	if err != nil {
		t.Fatalf("DeriveEpochKey: %v", err)
	}
	k2, err := DeriveEpochKey(seed, "archon-a", 1)
	if err != nil {
		t.Fatalf("DeriveEpochKey: %v", err)
	}
	if !k1.Equal(k2) {
		t.Error("same inputs must derive the same key")
	}

	k3, _ := DeriveEpochKey(seed, "archon-a", 2)
	if k1.Equal(k3) {
		t.Error("epoch bump must change the key")
	}
	k4, _ := DeriveEpochKey(seed, "archon-b", 1)
	if k1.Equal(k4) {
		t.Error("different actors must not share keys")
	}

	if _, err := DeriveEpochKey([]byte("short"), "archon-a", 1); err == nil {
		t.Error("short seed must be rejected")
	}
}
