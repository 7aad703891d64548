package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/whonion/MidnightMiner/internal/types"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// addressPrefix marks payment addresses produced by this miner.
const addressPrefix = "addr1v"

// Generate creates a fresh wallet: an ed25519 keypair and an address derived
// from the blake2b-224 digest of the public key. The signature field is
// filled in later by SignTerms once the terms message is known.
func Generate() (*types.Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &types.Wallet{
		Address:    deriveAddress(pub),
		PubKey:     hex.EncodeToString(pub),
		SigningKey: hex.EncodeToString(priv.Seed()),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func deriveAddress(pub ed25519.PublicKey) string {
	h, _ := blake2b.New(28, nil)
	h.Write(pub)
	return addressPrefix + hex.EncodeToString(h.Sum(nil))
}

// SignTerms signs the terms-and-conditions message with the wallet's key and
// stores the resulting envelope on the wallet. The remote API expects a
// COSE_Sign1 structure (CIP-8 style): a CBOR array of the protected header,
// an unprotected header, the payload, and the raw signature bytes.
func SignTerms(w *types.Wallet, message string) error {
	sig, err := coseSign1(w, []byte(message))
	if err != nil {
		return err
	}
	w.Signature = sig
	return nil
}

// ConsolidationMessage is the message a wallet signs to assign its
// accumulated rights to a destination address.
func ConsolidationMessage(destination string) string {
	return "Assign accumulated Scavenger rights to: " + destination
}

// SignConsolidation produces the COSE_Sign1 envelope for a consolidation
// assignment without touching the wallet's stored terms signature.
func SignConsolidation(w *types.Wallet, destination string) (string, error) {
	return coseSign1(w, []byte(ConsolidationMessage(destination)))
}

func coseSign1(w *types.Wallet, payload []byte) (string, error) {
	seed, err := hex.DecodeString(w.SigningKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("wallet %s: bad signing key", w.ShortAddress())
	}
	priv := ed25519.NewKeyFromSeed(seed)

	protected, err := cbor.Marshal(map[interface{}]interface{}{
		1:         -8, // alg: EdDSA
		"address": []byte(w.Address),
	})
	if err != nil {
		return "", fmt.Errorf("encode protected header: %w", err)
	}

	sigStructure, err := cbor.Marshal([]interface{}{
		"Signature1", protected, []byte{}, payload,
	})
	if err != nil {
		return "", fmt.Errorf("encode signature structure: %w", err)
	}
	signature := ed25519.Sign(priv, sigStructure)

	envelope, err := cbor.Marshal([]interface{}{
		protected,
		map[string]bool{"hashed": false},
		payload,
		signature,
	})
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return hex.EncodeToString(envelope), nil
}
