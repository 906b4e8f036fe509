package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// ErrDecryptionFailed is returned when ciphertext fails authentication.
// Callers must treat it as a hostile or corrupted packet and drop it;
// no partial plaintext is ever returned alongside it.
var ErrDecryptionFailed = errors.New("decryption failed: message authentication failed")

// Decrypt opens an authenticated message from a sender.
func Decrypt(ciphertext []byte, nonce Nonce, senderPK [KeySize]byte, recipientSK [KeySize]byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrDecryptionFailed
	}

	decrypted, ok := box.Open(nil, ciphertext, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&senderPK), (*[KeySize]byte)(&recipientSK))
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return decrypted, nil
}

// DecryptPrecomputed opens an authenticated message under a precomputed
// shared secret.
func DecryptPrecomputed(ciphertext []byte, nonce Nonce, shared SharedSecret) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrDecryptionFailed
	}

	decrypted, ok := box.OpenAfterPrecomputation(nil, ciphertext, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&shared))
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return decrypted, nil
}
