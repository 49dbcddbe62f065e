package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// SealedBoxOverhead is the size added to each sealed message:
	// ephemeral public key (32) + nonce (12) + auth tag (16) = 60 bytes
	SealedBoxOverhead = KeySize + NonceSize + TagSize

	sealedBoxInfo = "rainworldconnect-challenge-v1"
)

var (
	// ErrNoPrivateKey is returned when opening without a private key.
	ErrNoPrivateKey = errors.New("room private key not available")

	// ErrInvalidCiphertext is returned when the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("invalid sealed box ciphertext")

	// ErrDecryptionFailed is returned when authentication fails.
	ErrDecryptionFailed = errors.New("sealed box decryption failed")
)

// SealedBox encrypts to a room public key. Clients hold encrypt-only boxes
// built from the announced public key; the host opens with the private key.
type SealedBox struct {
	publicKey  [KeySize]byte
	privateKey [KeySize]byte
	hasPrivate bool
}

// NewSealedBox creates an encrypt-only sealed box.
func NewSealedBox(publicKey [KeySize]byte) *SealedBox {
	return &SealedBox{publicKey: publicKey}
}

// NewSealedBoxFromKeypair creates a sealed box that can encrypt and decrypt.
func NewSealedBoxFromKeypair(kp Keypair) *SealedBox {
	return &SealedBox{
		publicKey:  kp.Public,
		privateKey: kp.Private,
		hasPrivate: true,
	}
}

// CanDecrypt returns true if this sealed box has a private key.
func (s *SealedBox) CanDecrypt() bool {
	return s.hasPrivate
}

// PublicKey returns the recipient public key.
func (s *SealedBox) PublicKey() [KeySize]byte {
	return s.publicKey
}

// deriveKey binds the symmetric key to both public keys of the exchange.
func (s *SealedBox) deriveKey(sharedSecret, ephemeralPublic [KeySize]byte) ([]byte, error) {
	salt := make([]byte, KeySize+KeySize)
	copy(salt[0:KeySize], ephemeralPublic[:])
	copy(salt[KeySize:], s.publicKey[:])

	key := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, sharedSecret[:], salt, []byte(sealedBoxInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with a fresh ephemeral keypair. Output format:
//
//	ephemeral_public_key (32 bytes) || nonce (12 bytes) || ciphertext || tag (16 bytes)
func (s *SealedBox) Seal(plaintext []byte) ([]byte, error) {
	ephemeral, err := GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer ephemeral.Zero()

	sharedSecret, err := ComputeECDH(ephemeral.Private, s.publicKey)
	if err != nil {
		return nil, fmt.Errorf("compute ECDH: %w", err)
	}
	defer ZeroKey(&sharedSecret)

	key, err := s.deriveKey(sharedSecret, ephemeral.Public)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	output := make([]byte, KeySize+NonceSize, SealedBoxOverhead+len(plaintext))
	copy(output[0:KeySize], ephemeral.Public[:])
	copy(output[KeySize:], nonce[:])

	return aead.Seal(output, nonce[:], plaintext, nil), nil
}

// Open decrypts a sealed box ciphertext.
func (s *SealedBox) Open(ciphertext []byte) ([]byte, error) {
	if !s.hasPrivate {
		return nil, ErrNoPrivateKey
	}
	if len(ciphertext) < SealedBoxOverhead {
		return nil, ErrInvalidCiphertext
	}

	var ephemeralPublic [KeySize]byte
	copy(ephemeralPublic[:], ciphertext[0:KeySize])
	nonce := ciphertext[KeySize : KeySize+NonceSize]

	sharedSecret, err := ComputeECDH(s.privateKey, ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	defer ZeroKey(&sharedSecret)

	key, err := s.deriveKey(sharedSecret, ephemeralPublic)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext[KeySize+NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealString seals plaintext and returns it base64 encoded, the form carried
// in AuthenticationChallenge.
func (s *SealedBox) SealString(plaintext string) (string, error) {
	sealed, err := s.Seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString.
func (s *SealedBox) OpenString(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	plaintext, err := s.Open(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Zero clears the private key from memory.
func (s *SealedBox) Zero() {
	ZeroKey(&s.privateKey)
	s.hasPrivate = false
}
