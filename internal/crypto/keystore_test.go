package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
)

func TestSaveLoadKeyRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id_ed25519.keystore")
	if err := SaveKey(priv, path, "correct-horse-battery-staple"); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}

	loaded, err := LoadKey(path, "correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if string(loaded) != string(priv) {
		t.Fatal("loaded private key does not match original")
	}
}

func TestLoadKeyRejectsWrongPassphrase(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id_ed25519.keystore")
	if err := SaveKey(priv, path, "correct-passphrase"); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}

	if _, err := LoadKey(path, "wrong-passphrase"); err == nil {
		t.Fatal("expected error when loading with wrong passphrase")
	}
}

func TestComputeFingerprintIsDeterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	a := ComputeFingerprint(pub)
	b := ComputeFingerprint(pub)
	if a != b {
		t.Fatal("fingerprint is not deterministic")
	}
}
