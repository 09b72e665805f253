package transfer

import (
	"crypto/ed25519"
	"testing"

	"github.com/google/uuid"

	"github.com/meshbridge/corelink/internal/integrity"
)

func TestVerifyMatchingDigests(t *testing.T) {
	d := integrity.Hash([]byte("file contents"))
	result := Verify(uuid.New(), d, d)
	if result.Status != VerificationSuccess {
		t.Fatalf("expected VerificationSuccess, got %v", result.Status)
	}
}

func TestVerifyMismatchedDigests(t *testing.T) {
	a := integrity.Hash([]byte("file contents"))
	b := integrity.Hash([]byte("different contents"))
	result := Verify(uuid.New(), a, b)
	if result.Status != VerificationDigestMismatch {
		t.Fatalf("expected VerificationDigestMismatch, got %v", result.Status)
	}
}

func TestVerificationResultSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	d := integrity.Hash([]byte("file contents"))
	result := Verify(uuid.New(), d, d)
	if err := result.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !result.VerifySignature() {
		t.Fatal("expected signature to verify")
	}
	if !result.PublicKey.Equal(pub) {
		t.Fatal("expected embedded public key to match signer")
	}

	result.Status = VerificationDigestMismatch
	if result.VerifySignature() {
		t.Fatal("expected signature to fail once signed fields are tampered with")
	}
}
