// Package identity manages long-term node identities: an Ed25519 signing
// keypair (for control-message and verification-receipt signatures) and a
// ML-KEM-768/X25519 hybrid keypair (for the PQC file envelope's key
// encapsulation). Both live under the same on-disk identity directory so
// a node carries one identity for signing and one for encapsulation.
package identity

import (
	"crypto/ed25519"
	"crypto/mlkem"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	corelinkcrypto "github.com/meshbridge/corelink/internal/crypto"
)

// Paths collects the on-disk locations of an identity's key material.
type Paths struct {
	SigningPriv   string
	SigningPub    string
	KEMDecapKey   string
	KEMEncapKey   string
	X25519Priv    string
	X25519Pub     string
}

// DefaultPaths returns the default key paths under ~/.local/share/corelink.
func DefaultPaths() (Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".local", "share", "corelink", "identity")
	return Paths{
		SigningPriv: filepath.Join(dir, "id_ed25519"),
		SigningPub:  filepath.Join(dir, "id_ed25519.pub"),
		KEMDecapKey: filepath.Join(dir, "id_mlkem768.key"),
		KEMEncapKey: filepath.Join(dir, "id_mlkem768.pub"),
		X25519Priv:  filepath.Join(dir, "id_x25519"),
		X25519Pub:   filepath.Join(dir, "id_x25519.pub"),
	}, nil
}

// Identity is a node's full set of long-term keys.
type Identity struct {
	SigningPrivate ed25519.PrivateKey
	SigningPublic  ed25519.PublicKey

	KEMDecapsulation *mlkem.DecapsulationKey768
	KEMEncapsulation *mlkem.EncapsulationKey768

	X25519Private [32]byte
	X25519Public  [32]byte
}

// Fingerprint returns the human-verifiable fingerprint of the signing
// public key.
func (id *Identity) Fingerprint() string {
	return corelinkcrypto.ComputeFingerprint(id.SigningPublic)
}

// LoadOrCreate loads an identity from paths, generating and persisting
// any missing key material. A zero Paths uses DefaultPaths.
func LoadOrCreate(paths Paths) (*Identity, error) {
	if paths == (Paths{}) {
		p, err := DefaultPaths()
		if err != nil {
			return nil, err
		}
		paths = p
	}

	id := &Identity{}

	signPriv, signPub, err := loadOrCreateSigning(paths.SigningPriv, paths.SigningPub)
	if err != nil {
		return nil, fmt.Errorf("signing identity: %w", err)
	}
	id.SigningPrivate = signPriv
	id.SigningPublic = signPub

	decap, encap, err := loadOrCreateKEM(paths.KEMDecapKey, paths.KEMEncapKey)
	if err != nil {
		return nil, fmt.Errorf("KEM identity: %w", err)
	}
	id.KEMDecapsulation = decap
	id.KEMEncapsulation = encap

	x25519Priv, x25519Pub, err := loadOrCreateX25519(paths.X25519Priv, paths.X25519Pub)
	if err != nil {
		return nil, fmt.Errorf("X25519 identity: %w", err)
	}
	id.X25519Private = x25519Priv
	id.X25519Public = x25519Pub

	return id, nil
}

func loadOrCreateSigning(privPath, pubPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privBytes, err := os.ReadFile(privPath)
	if err == nil {
		pubBytes, err := os.ReadFile(pubPath)
		if err != nil {
			return nil, nil, err
		}
		priv, pub, err := decodeSigningKeys(privBytes, pubBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid signing keypair on disk: %w", err)
		}
		return priv, pub, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 keypair: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(privPath), 0o700); err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(privPath, encodeB64(priv), 0o600); err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(pubPath, encodeB64(pub), 0o644); err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func decodeSigningKeys(privBytes, pubBytes []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	priv, err := decodeB64(privBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding private key: %w", err)
	}
	pub, err := decodeB64(pubBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("private key has wrong size %d", len(priv))
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("public key has wrong size %d", len(pub))
	}
	return ed25519.PrivateKey(priv), ed25519.PublicKey(pub), nil
}

func loadOrCreateKEM(decapPath, encapPath string) (*mlkem.DecapsulationKey768, *mlkem.EncapsulationKey768, error) {
	seedBytes, err := os.ReadFile(decapPath)
	if err == nil {
		seed, err := decodeB64(seedBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding KEM seed: %w", err)
		}
		decap, err := mlkem.NewDecapsulationKey768(seed)
		if err != nil {
			return nil, nil, fmt.Errorf("reconstructing KEM key from seed: %w", err)
		}
		return decap, decap.EncapsulationKey(), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	decap, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ML-KEM-768 keypair: %w", err)
	}
	seed := decap.Bytes()
	encap := decap.EncapsulationKey()

	if err := os.MkdirAll(filepath.Dir(decapPath), 0o700); err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(decapPath, encodeB64(seed), 0o600); err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(encapPath, encodeB64(encap.Bytes()), 0o644); err != nil {
		return nil, nil, err
	}
	return decap, encap, nil
}

func loadOrCreateX25519(privPath, pubPath string) ([32]byte, [32]byte, error) {
	var priv, pub [32]byte

	privBytes, err := os.ReadFile(privPath)
	if err == nil {
		decoded, err := decodeB64(privBytes)
		if err != nil || len(decoded) != 32 {
			return priv, pub, fmt.Errorf("invalid X25519 private key on disk")
		}
		copy(priv[:], decoded)

		pubBytes, err := os.ReadFile(pubPath)
		if err != nil {
			return priv, pub, err
		}
		decodedPub, err := decodeB64(pubBytes)
		if err != nil || len(decodedPub) != 32 {
			return priv, pub, fmt.Errorf("invalid X25519 public key on disk")
		}
		copy(pub[:], decodedPub)
		return priv, pub, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return priv, pub, err
	}

	kp, err := corelinkcrypto.GenerateX25519()
	if err != nil {
		return priv, pub, err
	}
	priv, pub = kp.PrivateKey, kp.PublicKey

	if err := os.MkdirAll(filepath.Dir(privPath), 0o700); err != nil {
		return priv, pub, err
	}
	if err := os.WriteFile(privPath, encodeB64(priv[:]), 0o600); err != nil {
		return priv, pub, err
	}
	if err := os.WriteFile(pubPath, encodeB64(pub[:]), 0o644); err != nil {
		return priv, pub, err
	}
	return priv, pub, nil
}

func encodeB64(b []byte) []byte {
	return []byte(base64.StdEncoding.EncodeToString(b))
}

func decodeB64(b []byte) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
}
