package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// KeystoreEntry is the on-disk representation of an Argon2id-encrypted
// Ed25519 private key.
type KeystoreEntry struct {
	Version       int    `json:"version"`
	KDF           string `json:"kdf"`
	Argon2Time    uint32 `json:"argon2_time"`
	Argon2Memory  uint32 `json:"argon2_memory"`
	Argon2Threads uint8  `json:"argon2_threads"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
}

const (
	keystoreVersion      = 1
	argon2DefaultTime    = 3
	argon2DefaultMemory  = 64 * 1024
	argon2DefaultThreads = 4
	saltSize             = 16
)

// ComputeFingerprint computes the SHA-256 fingerprint of a public key,
// used for human verification of identities provisioned out-of-band.
func ComputeFingerprint(publicKey ed25519.PublicKey) string {
	hash := sha256.Sum256(publicKey)
	return "SHA256:" + hex.EncodeToString(hash[:])
}

// SaveKey encrypts priv with passphrase (Argon2id-derived key, AES-256-GCM)
// and writes it to path as JSON. An empty passphrase is accepted and
// goes through Argon2id like any other, so the file is then protected
// only by the KDF cost — callers are responsible for warning the
// operator that this is insecure.
func SaveKey(priv ed25519.PrivateKey, path string, passphrase string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, argon2DefaultTime, argon2DefaultMemory, argon2DefaultThreads, 32)

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := Seal(key, nonce, []byte("corelink-identity-v1"), priv)
	if err != nil {
		return fmt.Errorf("failed to encrypt private key: %w", err)
	}

	entry := KeystoreEntry{
		Version:       keystoreVersion,
		KDF:           "argon2id",
		Argon2Time:    argon2DefaultTime,
		Argon2Memory:  argon2DefaultMemory,
		Argon2Threads: argon2DefaultThreads,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keystore entry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// LoadKey decrypts a private key previously written by SaveKey.
func LoadKey(path string, passphrase string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore file: %w", err)
	}

	var entry KeystoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse keystore file: %w", err)
	}

	if entry.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", entry.Version)
	}
	if entry.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported KDF %q", entry.KDF)
	}

	key := argon2.IDKey([]byte(passphrase), entry.Salt, entry.Argon2Time, entry.Argon2Memory, entry.Argon2Threads, 32)

	plaintext, err := Open(key, entry.Nonce, []byte("corelink-identity-v1"), entry.Ciphertext)
	if err != nil {
		return nil, errors.New("failed to decrypt private key: wrong passphrase or corrupted keystore")
	}

	return ed25519.PrivateKey(plaintext), nil
}

// GetDefaultKeystorePath returns the default directory identity keys
// are stored under.
func GetDefaultKeystorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".corelink/keys"
	}
	return filepath.Join(home, ".local", "share", "corelink", "keys")
}

// EncodePublicKeyB64 base64-encodes a public key for display/export.
func EncodePublicKeyB64(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}
