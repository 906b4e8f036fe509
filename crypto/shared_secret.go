package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/box"
)

// SharedSecret is a symmetric key precomputed from a local secret key
// and a remote public key. It is valid for every packet exchanged with
// that peer and is read-only after creation, so callers may share one
// value across goroutines.
type SharedSecret [KeySize]byte

// Precompute derives the crypto_box shared secret between the local
// secret key and a peer's public key. The result is deterministic for a
// given key pair and has no side effects.
func Precompute(peerPublicKey, secretKey [KeySize]byte) (SharedSecret, error) {
	if isZeroKey(peerPublicKey) {
		logrus.WithFields(logrus.Fields{
			"function": "Precompute",
		}).Error("Refusing to derive shared secret for zero public key")
		return SharedSecret{}, fmt.Errorf("precompute shared secret: zero public key")
	}

	var shared [KeySize]byte
	box.Precompute(&shared, (*[KeySize]byte)(&peerPublicKey), (*[KeySize]byte)(&secretKey))

	logrus.WithFields(logrus.Fields{
		"function":        "Precompute",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Shared secret precomputed")

	return SharedSecret(shared), nil
}
