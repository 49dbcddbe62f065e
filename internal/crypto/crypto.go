// Package crypto protects the authentication challenge. Every room identity
// owns an X25519 keypair; a returning client seals its device secret to the
// room's public key and only the host holding the private key can open it.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16
)

// ErrInvalidKey is returned when an encoded key cannot be parsed.
var ErrInvalidKey = errors.New("invalid key")

// Keypair is a room identity's X25519 keypair.
type Keypair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeypair creates a new random keypair.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return Keypair{}, fmt.Errorf("generate private key: %w", err)
	}
	clamp(&kp.Private)
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// KeypairFromPrivate rebuilds a keypair from its private half.
func KeypairFromPrivate(private [KeySize]byte) Keypair {
	kp := Keypair{Private: private}
	clamp(&kp.Private)
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp
}

// PublicString returns the base64 form of the public key sent to clients.
func (kp Keypair) PublicString() string {
	return EncodeKey(kp.Public)
}

// PrivateString returns the base64 form of the private key for storage.
func (kp Keypair) PrivateString() string {
	return EncodeKey(kp.Private)
}

// Zero clears the private key.
func (kp *Keypair) Zero() {
	ZeroKey(&kp.Private)
}

func clamp(k *[KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// EncodeKey returns the standard base64 encoding of k.
func EncodeKey(k [KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// DecodeKey parses a key produced by EncodeKey.
func DecodeKey(s string) ([KeySize]byte, error) {
	var k [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}
	copy(k[:], raw)
	return k, nil
}

// ComputeECDH performs X25519 Diffie-Hellman and returns the shared secret.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return sharedSecret, nil
}

// ZeroBytes zeroes out a byte slice.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
