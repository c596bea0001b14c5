package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	secretLen = 32
	saltLen   = 16

	// argon2id parameters for key derivation from the random secret.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

type sealedPayload struct {
	ciphertext []byte
	salt       []byte
	nonce      []byte
}

func newSecret() ([]byte, error) {
	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func encodeSecret(secret []byte) string {
	return base64.RawURLEncoding.EncodeToString(secret)
}

func decodeSecret(key string) ([]byte, error) {
	secret, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return nil, err
	}
	if len(secret) != secretLen {
		return nil, fmt.Errorf("bad key length %d", len(secret))
	}
	return secret, nil
}

// deriveKey stretches the random secret with a per-entry salt. The salt
// is never derived from any user-controlled value.
func deriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// seal encrypts payload with AES-256-GCM under a key derived from secret.
func seal(payload, secret []byte) (*sealedPayload, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(deriveKey(secret, salt))
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &sealedPayload{
		ciphertext: aesgcm.Seal(nil, nonce, payload, nil),
		salt:       salt,
		nonce:      nonce,
	}, nil
}

// open decrypts an entry with the supplied secret. A wrong secret fails
// GCM authentication and surfaces as an error.
func open(entry *Entry, secret []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(secret, entry.Salt))
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aesgcm.Open(nil, entry.Nonce, entry.EncryptedPayload, nil)
}
