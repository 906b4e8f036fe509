package dht

import (
	"errors"
	"fmt"

	"github.com/opd-ai/toxdht/crypto"
	"github.com/sirupsen/logrus"
)

// envelopeHeaderSize is the cleartext prefix of every wire packet:
// sender public key followed by nonce.
const envelopeHeaderSize = crypto.KeySize + crypto.NonceSize

// MinEnvelopeSize is the shortest valid wire packet: header, tag, and a
// one-byte discriminator.
const MinEnvelopeSize = envelopeHeaderSize + crypto.Overhead + 1

// ErrMalformedPayload reports plaintext that decrypted correctly but
// failed to decode. Distinct from a crypto failure: it indicates a
// protocol mismatch or bug on the sender side rather than tampering.
var ErrMalformedPayload = errors.New("malformed decrypted payload")

// Envelope is the only structure ever placed on the wire:
//
//	sender_public_key(32) || nonce(24) || ciphertext
//
// The ciphertext is the authenticated encryption of a serialized
// payload under the shared secret of the two endpoints. The byte order
// and field widths are the interop contract with the Tox network.
type Envelope struct {
	SenderPublicKey [crypto.KeySize]byte
	Nonce           crypto.Nonce
	Ciphertext      []byte
}

// Seal serializes a payload and wraps it in an encrypted envelope for
// the recipient. Each call consumes a fresh random nonce, so sealing
// identical inputs twice yields different ciphertexts.
func Seal(payload Payload, sender *crypto.KeyPair, recipientPK [crypto.KeySize]byte) (*Envelope, error) {
	shared, err := crypto.Precompute(recipientPK, sender.Private)
	if err != nil {
		return nil, err
	}
	return SealPrecomputed(payload, sender.Public, shared)
}

// SealPrecomputed seals a payload under an already-derived shared
// secret, avoiding the per-packet curve operation.
func SealPrecomputed(payload Payload, senderPK [crypto.KeySize]byte, shared crypto.SharedSecret) (*Envelope, error) {
	plaintext, err := MarshalPacket(payload)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	ciphertext, err := crypto.EncryptPrecomputed(plaintext, nonce, shared)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	return &Envelope{
		SenderPublicKey: senderPK,
		Nonce:           nonce,
		Ciphertext:      ciphertext,
	}, nil
}

// Marshal encodes the envelope for transmission.
func (e *Envelope) Marshal() ([]byte, error) {
	if len(e.Ciphertext) < crypto.Overhead+1 {
		return nil, fmt.Errorf("marshal envelope: ciphertext too short")
	}

	buf := make([]byte, 0, envelopeHeaderSize+len(e.Ciphertext))
	buf = append(buf, e.SenderPublicKey[:]...)
	buf = append(buf, e.Nonce[:]...)
	return append(buf, e.Ciphertext...), nil
}

// ParseEnvelope decodes a received datagram into an envelope without
// touching the ciphertext.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) < MinEnvelopeSize {
		return nil, fmt.Errorf("parse envelope: %w", ErrPacketTooShort)
	}

	e := &Envelope{
		Ciphertext: make([]byte, len(data)-envelopeHeaderSize),
	}
	copy(e.SenderPublicKey[:], data[:crypto.KeySize])
	copy(e.Nonce[:], data[crypto.KeySize:envelopeHeaderSize])
	copy(e.Ciphertext, data[envelopeHeaderSize:])

	return e, nil
}

// Open authenticates and decrypts the envelope with the local secret
// key, then decodes the payload. The two failure classes stay
// distinguishable: crypto.ErrDecryptionFailed for authentication
// failures, ErrMalformedPayload for plaintext that does not decode.
func (e *Envelope) Open(localSK [crypto.KeySize]byte) (Payload, error) {
	shared, err := crypto.Precompute(e.SenderPublicKey, localSK)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return e.OpenPrecomputed(shared)
}

// OpenPrecomputed opens the envelope under an already-derived shared
// secret.
func (e *Envelope) OpenPrecomputed(shared crypto.SharedSecret) (Payload, error) {
	plaintext, err := crypto.DecryptPrecomputed(e.Ciphertext, e.Nonce, shared)
	if err != nil {
		// Hostile or corrupted packet. The ciphertext is never logged.
		return nil, fmt.Errorf("open: %w", err)
	}

	payload, err := ParsePacket(plaintext)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":          "OpenPrecomputed",
			"sender_key_prefix": fmt.Sprintf("%x", e.SenderPublicKey[:8]),
			"error":             err.Error(),
		}).Debug("Authenticated payload failed to decode")
		return nil, fmt.Errorf("open: %w: %w", ErrMalformedPayload, err)
	}

	return payload, nil
}
