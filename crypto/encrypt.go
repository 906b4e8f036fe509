package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// NonceSize is the length in bytes of an encryption nonce.
const NonceSize = 24

// Overhead is the number of bytes authenticated encryption adds to a
// plaintext (the Poly1305 tag).
const Overhead = box.Overhead

// Nonce is a 24-byte value used once per encryption operation.
type Nonce [NonceSize]byte

// GenerateNonce creates a cryptographically secure random nonce.
//
// Nonces are drawn from the system random source rather than a counter
// so that uniqueness holds across process restarts.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// MaxPlaintextSize bounds a single encryption to prevent excessive
// memory usage on hostile input.
const MaxPlaintextSize = 1024 * 1024

// Encrypt encrypts a message for a recipient using authenticated
// encryption. The output is exactly Overhead bytes longer than the
// input and is deterministic for identical inputs.
func Encrypt(message []byte, nonce Nonce, recipientPK [KeySize]byte, senderSK [KeySize]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}

	if len(message) > MaxPlaintextSize {
		return nil, errors.New("message too large")
	}

	encrypted := box.Seal(nil, message, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&recipientPK), (*[KeySize]byte)(&senderSK))
	return encrypted, nil
}

// EncryptPrecomputed encrypts a message under a precomputed shared
// secret, avoiding the per-packet curve operation.
func EncryptPrecomputed(message []byte, nonce Nonce, shared SharedSecret) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}

	if len(message) > MaxPlaintextSize {
		return nil, errors.New("message too large")
	}

	encrypted := box.SealAfterPrecomputation(nil, message, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&shared))
	return encrypted, nil
}
