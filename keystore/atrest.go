package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// Passphrase-derived at-rest envelope for key material that must
// survive on an untrusted disk (the SQL store's conversation_keys and
// ratchet_keys columns) — adapted from the teacher's generic
// password-derived AES-256-GCM helper, narrowed to exactly the two KDFs
// and the envelope format this module needs.
const (
	aesKeySize   = 32
	gcmNonceSize = 12
	saltSize     = 32

	argon2Time    = 1
	argon2MemMB   = 64
	argon2Threads = 4

	pbkdf2Iterations = 100_000
)

// PassphraseCipher seals/opens byte slices under a key derived from a
// user passphrase, used to encrypt ratchet and conversation keys before
// the SQL store writes them to disk.
type PassphraseCipher struct {
	key [aesKeySize]byte
}

// NewPassphraseCipher derives the envelope key via Argon2id, the
// preferred KDF for a freshly-generated salt.
func NewPassphraseCipher(passphrase string, salt []byte) *PassphraseCipher {
	k := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2MemMB*1024, argon2Threads, aesKeySize)
	c := &PassphraseCipher{}
	copy(c.key[:], k)
	return c
}

// NewPassphraseCipherPBKDF2 derives the envelope key via PBKDF2-SHA256,
// kept for unlocking envelopes sealed by older, pre-Argon2id builds.
func NewPassphraseCipherPBKDF2(passphrase string, salt []byte) *PassphraseCipher {
	k := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeySize, sha256.New)
	c := &PassphraseCipher{}
	copy(c.key[:], k)
	return c
}

// GenerateSalt produces a fresh KDF salt for a new passphrase envelope.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("keystore: generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext, prefixing the random nonce onto the
// ciphertext (nonce || ciphertext).
func (c *PassphraseCipher) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keystore: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (c *PassphraseCipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < gcmNonceSize {
		return nil, errors.New("keystore: sealed envelope too short")
	}
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := sealed[:gcmNonceSize], sealed[gcmNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: open envelope: %w", err)
	}
	return plaintext, nil
}

func (c *PassphraseCipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: new gcm: %w", err)
	}
	return gcm, nil
}
