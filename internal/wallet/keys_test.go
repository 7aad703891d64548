package wallet

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestGenerateWallet(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(w.Address, "addr1v") {
		t.Fatalf("address %q missing prefix", w.Address)
	}
	// blake2b-224 digest is 28 bytes, 56 hex chars.
	if len(w.Address) != len("addr1v")+56 {
		t.Fatalf("address length %d", len(w.Address))
	}
	pub, err := hex.DecodeString(w.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		t.Fatalf("bad pubkey %q", w.PubKey)
	}
	seed, err := hex.DecodeString(w.SigningKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		t.Fatalf("bad signing key")
	}
	// Key material must be consistent: the seed regenerates the pubkey.
	if regen := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey); !regen.Equal(ed25519.PublicKey(pub)) {
		t.Fatal("signing key does not match pubkey")
	}
	if w.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not stamped")
	}
}

func TestAddressDerivationIsDeterministic(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	a1 := deriveAddress(pub)
	a2 := deriveAddress(pub)
	if a1 != a2 {
		t.Fatalf("derivation not stable: %s vs %s", a1, a2)
	}
}

// verifyEnvelope decodes a hex COSE_Sign1 envelope and checks the ed25519
// signature over the rebuilt signature structure.
func verifyEnvelope(t *testing.T, envelopeHex, pubKeyHex string, wantPayload string) {
	t.Helper()
	raw, err := hex.DecodeString(envelopeHex)
	if err != nil {
		t.Fatalf("envelope not hex: %v", err)
	}
	var envelope []interface{}
	if err := cbor.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("envelope not CBOR: %v", err)
	}
	if len(envelope) != 4 {
		t.Fatalf("envelope has %d elements, want 4", len(envelope))
	}
	protected, ok := envelope[0].([]byte)
	if !ok {
		t.Fatal("protected header is not a byte string")
	}
	payload, ok := envelope[2].([]byte)
	if !ok || string(payload) != wantPayload {
		t.Fatalf("payload %q, want %q", payload, wantPayload)
	}
	signature, ok := envelope[3].([]byte)
	if !ok {
		t.Fatal("signature is not a byte string")
	}

	sigStructure, err := cbor.Marshal([]interface{}{"Signature1", protected, []byte{}, payload})
	if err != nil {
		t.Fatalf("rebuild signature structure: %v", err)
	}
	pub, _ := hex.DecodeString(pubKeyHex)
	if !ed25519.Verify(ed25519.PublicKey(pub), sigStructure, signature) {
		t.Fatal("signature does not verify")
	}
}

func TestSignTerms(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	const terms = "I agree to the published terms"
	if err := SignTerms(w, terms); err != nil {
		t.Fatalf("SignTerms: %v", err)
	}
	if w.Signature == "" {
		t.Fatal("signature not stored on wallet")
	}
	verifyEnvelope(t, w.Signature, w.PubKey, terms)
}

func TestSignConsolidation(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	const dest = "addr1vdeadbeef"
	sig, err := SignConsolidation(w, dest)
	if err != nil {
		t.Fatalf("SignConsolidation: %v", err)
	}
	wantMsg := "Assign accumulated Scavenger rights to: " + dest
	if ConsolidationMessage(dest) != wantMsg {
		t.Fatalf("ConsolidationMessage: %q", ConsolidationMessage(dest))
	}
	verifyEnvelope(t, sig, w.PubKey, wantMsg)

	// The stored terms signature must stay untouched.
	if w.Signature != "" {
		t.Fatal("consolidation signing touched the terms signature")
	}
}

func TestCoseSign1RejectsBadKey(t *testing.T) {
	w, _ := Generate()
	w.SigningKey = "not-hex"
	if err := SignTerms(w, "x"); err == nil {
		t.Fatal("expected error for malformed signing key")
	}
}
