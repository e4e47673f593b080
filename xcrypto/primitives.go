// Package xcrypto wraps the primitive operations every higher layer of the
// core builds on: Blake3 hashing/MAC, Ed25519 sign/verify, X25519 DH,
// ChaCha20 stream encryption, and HKDF. Kept deliberately thin — callers
// own key management; this package only ever touches bytes it is handed.
package xcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

const (
	// HashSize is the width of every NodeHash/ConversationId/ShardHash.
	HashSize = 32
	// KeySize is the width of every symmetric key in the key schedule.
	KeySize = 32
	// ChaChaNonceSize is the nonce width ChaCha20 (not XChaCha20) requires.
	ChaChaNonceSize = chacha20.NonceSize
)

// Hash computes the Blake3-256 digest of data.
func Hash(data []byte) [HashSize]byte {
	return blake3.Sum256(data)
}

// MAC computes a Blake3 keyed MAC over data under key (must be KeySize bytes).
func MAC(key, data []byte) ([HashSize]byte, error) {
	if len(key) != KeySize {
		return [HashSize]byte{}, fmt.Errorf("mac key must be %d bytes, got %d", KeySize, len(key))
	}
	h := blake3.New(HashSize, key)
	h.Write(data)
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// VerifyMAC recomputes the MAC and compares in constant time.
func VerifyMAC(key, data, mac []byte) bool {
	if len(mac) != HashSize {
		return false
	}
	expected, err := MAC(key, data)
	if err != nil {
		return false
	}
	var ok byte
	for i := 0; i < HashSize; i++ {
		ok |= expected[i] ^ mac[i]
	}
	return ok == 0
}

func newBlake3Hash() hash.Hash {
	return blake3.New(HashSize, nil)
}

// HKDF derives size bytes from ikm under info, optionally salted.
func HKDF(salt, ikm, info []byte, size int) []byte {
	r := hkdf.New(newBlake3Hash, ikm, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("hkdf: short read: %v", err))
	}
	return out
}

// GenerateEd25519KeyPair returns a fresh Ed25519 identity or device key pair.
func GenerateEd25519KeyPair() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign produces an Ed25519 signature over data.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify checks an Ed25519 signature.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// GenerateX25519KeyPair returns a fresh ephemeral/pre-key X25519 pair.
func GenerateX25519KeyPair() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate x25519 priv: %w", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("derive x25519 pub: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// X25519 performs scalar multiplication, returning the shared secret.
func X25519(priv, pub []byte) ([]byte, error) {
	return curve25519.X25519(priv, pub)
}

// Ed25519PrivToX25519 converts an Ed25519 private key to the X25519
// scalar that reaches the same point on the curve: SHA-512 the seed and
// clamp the low 32 bytes per RFC 8032/7748, exactly the derivation
// Ed25519 itself uses internally to turn a seed into its signing
// scalar. Using the raw seed bytes directly (skipping the hash and
// clamp) is a different, unrelated scalar and would make the two sides
// of a DH disagree — a single identity key pair can only double as an
// X25519 key if this conversion, not a bare reinterpretation, is used.
func Ed25519PrivToX25519(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	s := h[:32]
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
	return s
}

// Ed25519PubToX25519 converts an Ed25519 public key (an Edwards point
// encoding) to the corresponding X25519 public key (the point's
// Montgomery u-coordinate), the public-side half of the same
// conversion Ed25519PrivToX25519 performs for the scalar.
func Ed25519PubToX25519(pub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("xcrypto: decode ed25519 point: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// ChaCha20Crypt encrypts or decrypts data in place with a 12-byte nonce
// under a 32-byte key. ChaCha20 is a stream cipher: the same call both
// encrypts and decrypts (XOR is its own inverse).
func ChaCha20Crypt(key, nonce []byte, data []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("chacha20 key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(nonce) != ChaChaNonceSize {
		return fmt.Errorf("chacha20 nonce must be %d bytes, got %d", ChaChaNonceSize, len(nonce))
	}
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return fmt.Errorf("new chacha20 cipher: %w", err)
	}
	c.XORKeyStream(data, data)
	return nil
}

// LeadingZeroBits counts the leading zero bits of a digest, used for both
// Genesis PoW (§6.4) and reconciliation PoW throttling (§4.5).
func LeadingZeroBits(digest []byte) uint32 {
	var zeros uint32
	for _, b := range digest {
		if b == 0 {
			zeros += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return zeros
			}
			zeros++
		}
	}
	return zeros
}

// ErrShortRandom is returned if the system RNG cannot fill a buffer; this
// should never happen in practice but is surfaced rather than panicking
// from deep inside a key-generation call.
var ErrShortRandom = errors.New("xcrypto: short read from system random source")

// RandomBytes fills and returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, ErrShortRandom
	}
	return buf, nil
}
