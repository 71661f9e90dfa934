// Package aead seals and opens individual secret values with an
// authenticated cipher. Ciphertexts are framed as nonce || sealed data and
// every Seal draws a fresh random nonce.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/toruvault/secrets"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the key length every cipher in this package expects.
const KeySize = 32

const (
	NameAESGCM    = "aes-gcm"
	NameXChaCha20 = "xchacha20"
)

var (
	// ErrCiphertextTooShort is the cause reported when a ciphertext cannot
	// even hold a nonce.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	// ErrInvalidKeySize is returned when the key is not KeySize bytes.
	ErrInvalidKeySize = fmt.Errorf("key must be %d bytes", KeySize)
)

// Cipher seals and opens byte strings under a caller supplied key. The
// associated data is authenticated but not encrypted.
type Cipher interface {
	Name() string
	Seal(key, plaintext, ad []byte) ([]byte, error)
	Open(key, ciphertext, ad []byte) ([]byte, error)
}

// ByName returns the cipher registered under name. An empty name selects
// AES-256-GCM.
func ByName(name string) (Cipher, error) {
	switch name {
	case "", NameAESGCM:
		return AESGCM{}, nil
	case NameXChaCha20:
		return XChaCha20{}, nil
	}
	return nil, fmt.Errorf("unknown cipher %q: %w", name, secrets.ErrNotSupported)
}

// AESGCM is AES-256 in Galois/Counter Mode with a 12 byte random nonce.
type AESGCM struct{}

func (AESGCM) Name() string {
	return NameAESGCM
}

func (c AESGCM) Seal(key, plaintext, ad []byte) ([]byte, error) {
	gcm, err := getGCM(key)
	if err != nil {
		return nil, err
	}
	return seal(gcm, plaintext, ad)
}

func (c AESGCM) Open(key, ciphertext, ad []byte) ([]byte, error) {
	gcm, err := getGCM(key)
	if err != nil {
		return nil, &secrets.ErrDecryption{Cause: err}
	}
	return open(gcm, ciphertext, ad)
}

// getGCM returns golang's AEAD, a cipher mode for AES encryption
// using Galois/Counter Mode (GCM)
func getGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(c)
}

// XChaCha20 is XChaCha20-Poly1305 with a 24 byte random nonce.
type XChaCha20 struct{}

func (XChaCha20) Name() string {
	return NameXChaCha20
}

func (c XChaCha20) Seal(key, plaintext, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return seal(aead, plaintext, ad)
}

func (c XChaCha20) Open(key, ciphertext, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, &secrets.ErrDecryption{Cause: ErrInvalidKeySize}
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, &secrets.ErrDecryption{Cause: err}
	}
	return open(aead, ciphertext, ad)
}

func seal(aead cipher.AEAD, plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

func open(aead cipher.AEAD, ciphertext, ad []byte) ([]byte, error) {
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return nil, &secrets.ErrDecryption{Cause: ErrCiphertextTooShort}
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	// A nil dst keeps the stored ciphertext untouched.
	plaintext, err := aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, &secrets.ErrDecryption{Cause: err}
	}
	return plaintext, nil
}
