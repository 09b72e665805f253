package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Ed25519KeyPair is a long-term identity keypair used to sign control
// messages and verification receipts.
type Ed25519KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// X25519KeyPair is an ephemeral keypair used for the classical half of
// the hybrid key exchange.
type X25519KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// SessionKeys holds cryptographically independent keys derived from a
// session's shared secret: one for chunk payloads, one for control
// messages, and a base IV nonces are derived from.
type SessionKeys struct {
	PayloadKey [32]byte
	ControlKey [32]byte
	IVBase     [12]byte
}

// GenerateEd25519 generates a new identity keypair.
func GenerateEd25519() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 keypair: %w", err)
	}
	return &Ed25519KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// GenerateX25519 generates a fresh ephemeral X25519 keypair. Keys
// should be discarded after the handshake they participate in.
func GenerateX25519() (*X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return &kp, nil
}

// X25519Exchange computes the ECDH shared secret between ourPrivate
// and theirPublic.
func X25519Exchange(ourPrivate, theirPublic *[32]byte) ([32]byte, error) {
	var sharedSecret [32]byte
	curve25519.ScalarMult(&sharedSecret, ourPrivate, theirPublic)

	allZero := true
	for _, b := range sharedSecret {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return sharedSecret, errors.New("X25519 exchange resulted in all-zero shared secret (invalid public key)")
	}
	return sharedSecret, nil
}
