package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "facegate/vector/v1"

// Cipher seals face vectors with XChaCha20-Poly1305.
//
// The data key is HKDF-SHA256(key, salt=IV). Every sealed blob carries its
// own random 24-byte nonce as a prefix.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCipher derives the data key from m.
func NewCipher(m *Material) (*Cipher, error) {
	if m == nil || len(m.Key) != KeyLen || len(m.IV) != IVLen {
		return nil, ErrCorruptKeyState
	}
	dataKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, m.Key, m.IV, []byte(hkdfInfo)), dataKey); err != nil {
		return nil, fmt.Errorf("derive data key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// Seal encrypts vec. aad binds the blob to its owner; Open must be given the
// same aad.
func (c *Cipher) Seal(vec []float64, aad []byte) ([]byte, error) {
	plaintext, err := EncodeVector(vec)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts a blob produced by Seal. Any tampering
// yields ErrDecryption.
func (c *Cipher) Open(blob, aad []byte) ([]float64, error) {
	ns := c.aead.NonceSize()
	if len(blob) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", ErrDecryption, len(blob))
	}
	plaintext, err := c.aead.Open(nil, blob[:ns], blob[ns:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	vec, err := DecodeVector(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return vec, nil
}
