// Package crypto provides AEAD encryption for the Remote Mirror's store
// file payload (§4.B). Adapted from a key/value field encryption helper
// seen elsewhere in the corpus, generalized from encrypting individual
// string fields to encrypting a whole file's bytes.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/Laisky/errors/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

// MinKeyLen is the minimum accepted raw passphrase length before it is
// hashed down to a key; §4.B requires "key length >= 32" for the derived
// key, which DeriveKey always satisfies regardless of passphrase length.
const MinKeyLen = 1

// DeriveKey hashes an arbitrary-length passphrase down to the 32-byte key
// chacha20poly1305 requires.
func DeriveKey(passphrase string) ([]byte, error) {
	if len(passphrase) < MinKeyLen {
		return nil, errors.New("encryption key must not be empty")
	}
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:], nil
}

// Encrypt seals plaintext under key (which must be 32 bytes) and returns
// nonce‖ciphertext, i.e. the IV/nonce prepended to the sealed data, as
// required by §4.B.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AEAD cipher")
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return sealed, nil
}

// Decrypt opens a payload produced by Encrypt. key must be the same
// 32-byte key used to seal it.
func Decrypt(sealed, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AEAD cipher")
	}

	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt payload")
	}
	return plaintext, nil
}
