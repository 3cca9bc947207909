// Package secure implements the symmetric authenticated encryption used on
// the team wire. Every node in a team shares one 32-byte key provisioned
// out-of-band; there is no in-band rekeying.
package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrDecryptFailure is returned for any envelope that cannot be
// authenticated: tag mismatch, truncated ciphertext, or a malformed nonce.
// Decryption fails closed and never yields partial plaintext.
var ErrDecryptFailure = errors.New("secure: decrypt failure")

// Envelope is the encrypted payload carried inside a wire frame.
// The nonce is unique per message under a given key.
type Envelope struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Encryptor seals and opens envelopes with a shared team key.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an Encryptor from a raw 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("secure: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce.
func (e *Encryptor) Seal(plaintext []byte) (Envelope, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("secure: nonce: %w", err)
	}
	return Envelope{
		Nonce:      nonce,
		Ciphertext: e.aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Open decrypts and authenticates an envelope.
func (e *Encryptor) Open(env Envelope) ([]byte, error) {
	if len(env.Nonce) != e.aead.NonceSize() {
		return nil, ErrDecryptFailure
	}
	plaintext, err := e.aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	return plaintext, nil
}

// GenerateKey returns a fresh random team key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secure: generate key: %w", err)
	}
	return key, nil
}

// ParseKey decodes a base64 team key (standard or URL-safe alphabet,
// with or without padding) and checks its length.
func ParseKey(encoded string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		key, err := enc.DecodeString(encoded)
		if err != nil {
			continue
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("secure: key must be %d bytes, got %d", KeySize, len(key))
		}
		return key, nil
	}
	return nil, errors.New("secure: key is not valid base64")
}

// EncodeKey renders a key in the URL-safe base64 form used by config files.
func EncodeKey(key []byte) string {
	return base64.URLEncoding.EncodeToString(key)
}
