package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	if keyPair == nil {
		t.Fatal("GenerateKeyPair() returned nil key pair")
	}

	if isZeroKey(keyPair.Public) {
		t.Error("GenerateKeyPair() returned zero public key")
	}

	if isZeroKey(keyPair.Private) {
		t.Error("GenerateKeyPair() returned zero private key")
	}

	// Two generations must not collide.
	keyPair2, _ := GenerateKeyPair()
	if bytes.Equal(keyPair.Public[:], keyPair2.Public[:]) {
		t.Error("Multiple GenerateKeyPair() calls produced identical public keys")
	}
}

func TestFromSecretKey(t *testing.T) {
	cases := []struct {
		name      string
		secretKey [KeySize]byte
		wantError bool
	}{
		{
			name:      "Valid key",
			secretKey: [KeySize]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32},
			wantError: false,
		},
		{
			name:      "Zero key",
			secretKey: [KeySize]byte{},
			wantError: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keyPair, err := FromSecretKey(tc.secretKey)

			if tc.wantError {
				if err == nil {
					t.Fatal("FromSecretKey() expected error but got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("FromSecretKey() unexpected error: %v", err)
			}

			if !bytes.Equal(keyPair.Private[:], tc.secretKey[:]) {
				t.Error("FromSecretKey() modified the secret key")
			}

			if isZeroKey(keyPair.Public) {
				t.Error("FromSecretKey() returned zero public key")
			}
		})
	}
}

func TestFromSecretKeyMatchesGenerated(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	rebuilt, err := FromSecretKey(keyPair.Private)
	if err != nil {
		t.Fatalf("FromSecretKey() error: %v", err)
	}

	if rebuilt.Public != keyPair.Public {
		t.Error("FromSecretKey() derived a different public key than GenerateKeyPair()")
	}
}

func TestGenerateNonce(t *testing.T) {
	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() error: %v", err)
	}

	zeroNonce := Nonce{}
	if bytes.Equal(nonce[:], zeroNonce[:]) {
		t.Error("GenerateNonce() returned zero nonce")
	}

	nonce2, _ := GenerateNonce()
	if bytes.Equal(nonce[:], nonce2[:]) {
		t.Error("Multiple GenerateNonce() calls produced identical nonces")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() error: %v", err)
	}

	message := []byte("ping")
	ciphertext, err := Encrypt(message, nonce, recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if len(ciphertext) != len(message)+Overhead {
		t.Errorf("Expected ciphertext length %d, got %d", len(message)+Overhead, len(ciphertext))
	}

	decrypted, err := Decrypt(ciphertext, nonce, sender.Public, recipient.Private)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}

	if !bytes.Equal(decrypted, message) {
		t.Errorf("Round trip mismatch: got %q, want %q", decrypted, message)
	}
}

func TestEncryptRejectsInvalidInput(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()
	nonce, _ := GenerateNonce()

	if _, err := Encrypt(nil, nonce, recipient.Public, sender.Private); err == nil {
		t.Error("Encrypt() accepted empty message")
	}

	if _, err := Encrypt(make([]byte, MaxPlaintextSize+1), nonce, recipient.Public, sender.Private); err == nil {
		t.Error("Encrypt() accepted oversized message")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()
	nonce, _ := GenerateNonce()

	ciphertext, err := Encrypt([]byte("payload bytes"), nonce, recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	for i := range ciphertext {
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[i] ^= 0x01

		if _, err := Decrypt(tampered, nonce, sender.Public, recipient.Private); err == nil {
			t.Fatalf("Decrypt() accepted ciphertext with bit flipped at byte %d", i)
		}
	}
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()
	nonce, _ := GenerateNonce()

	for length := 0; length < Overhead; length++ {
		if _, err := Decrypt(make([]byte, length), nonce, sender.Public, recipient.Private); err == nil {
			t.Errorf("Decrypt() accepted %d-byte ciphertext shorter than tag", length)
		}
	}
}

func TestPrecomputedMatchesDirect(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()
	nonce, _ := GenerateNonce()
	message := []byte("precomputed path")

	sharedSend, err := Precompute(recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("Precompute() error: %v", err)
	}
	sharedRecv, err := Precompute(sender.Public, recipient.Private)
	if err != nil {
		t.Fatalf("Precompute() error: %v", err)
	}

	if sharedSend != sharedRecv {
		t.Fatal("Precompute() is not symmetric between the two key pairs")
	}

	ciphertext, err := EncryptPrecomputed(message, nonce, sharedSend)
	if err != nil {
		t.Fatalf("EncryptPrecomputed() error: %v", err)
	}

	direct, err := Encrypt(message, nonce, recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if !bytes.Equal(ciphertext, direct) {
		t.Error("Precomputed and direct encryption produced different ciphertexts")
	}

	decrypted, err := DecryptPrecomputed(ciphertext, nonce, sharedRecv)
	if err != nil {
		t.Fatalf("DecryptPrecomputed() error: %v", err)
	}

	if !bytes.Equal(decrypted, message) {
		t.Errorf("Precomputed round trip mismatch: got %q, want %q", decrypted, message)
	}
}

func TestPrecomputeRejectsZeroPublicKey(t *testing.T) {
	keyPair, _ := GenerateKeyPair()

	if _, err := Precompute([KeySize]byte{}, keyPair.Private); err == nil {
		t.Error("Precompute() accepted zero public key")
	}
}
