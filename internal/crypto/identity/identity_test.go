package identity

import (
	"path/filepath"
	"testing"
)

func testPaths(t *testing.T) Paths {
	dir := t.TempDir()
	return Paths{
		SigningPriv: filepath.Join(dir, "id_ed25519"),
		SigningPub:  filepath.Join(dir, "id_ed25519.pub"),
		KEMDecapKey: filepath.Join(dir, "id_mlkem768.key"),
		KEMEncapKey: filepath.Join(dir, "id_mlkem768.pub"),
		X25519Priv:  filepath.Join(dir, "id_x25519"),
		X25519Pub:   filepath.Join(dir, "id_x25519.pub"),
	}
}

func TestLoadOrCreateGeneratesFreshIdentity(t *testing.T) {
	paths := testPaths(t)

	id, err := LoadOrCreate(paths)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if len(id.SigningPublic) == 0 {
		t.Fatal("expected non-empty signing public key")
	}
	if id.KEMEncapsulation == nil || id.KEMDecapsulation == nil {
		t.Fatal("expected KEM keys to be generated")
	}
	var zero [32]byte
	if id.X25519Public == zero {
		t.Fatal("expected non-zero X25519 public key")
	}
}

func TestLoadOrCreateIsIdempotent(t *testing.T) {
	paths := testPaths(t)

	first, err := LoadOrCreate(paths)
	if err != nil {
		t.Fatalf("first LoadOrCreate: %v", err)
	}

	second, err := LoadOrCreate(paths)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}

	if string(first.SigningPublic) != string(second.SigningPublic) {
		t.Fatal("reloaded signing public key differs from original")
	}
	if first.X25519Public != second.X25519Public {
		t.Fatal("reloaded X25519 public key differs from original")
	}
	if string(first.KEMEncapsulation.Bytes()) != string(second.KEMEncapsulation.Bytes()) {
		t.Fatal("reloaded KEM encapsulation key differs from original")
	}
}

func TestFingerprintIsStable(t *testing.T) {
	paths := testPaths(t)

	id, err := LoadOrCreate(paths)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	a := id.Fingerprint()
	b := id.Fingerprint()
	if a != b {
		t.Fatal("fingerprint is not deterministic")
	}
	if a[:7] != "SHA256:" {
		t.Fatalf("unexpected fingerprint format: %s", a)
	}
}
