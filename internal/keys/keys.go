// Package keys manages the shared transfer secret: a 256-bit AES-GCM key that
// travels only inside the invitation link, never through the relay.
//
// A file's whole plaintext is sealed as one AEAD unit under a fresh 96-bit IV;
// splitting the ciphertext into chunks is a transport concern handled later.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	KeySize  = 32 // AES-256
	IVSize   = 12 // GCM standard nonce
	Overhead = 16 // GCM authentication tag appended to every ciphertext
)

var (
	// ErrInvalidKeyEncoding is returned by Import when the encoded key does
	// not decode to exactly KeySize bytes.
	ErrInvalidKeyEncoding = errors.New("invalid key encoding")

	// ErrDecryptionFailed covers tag mismatch, wrong key, wrong IV and
	// truncated ciphertext alike; callers cannot and should not tell them apart.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Key is an imported or generated transfer key.
type Key struct {
	raw  [KeySize]byte
	aead cipher.AEAD
}

// Sealed is one encrypted file: the IV sent ahead of the chunks and the
// ciphertext (plaintext length + Overhead).
type Sealed struct {
	IV         []byte
	Ciphertext []byte
}

// Generate returns a fresh random key.
func Generate() (*Key, error) {
	var raw [KeySize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newKey(raw)
}

func newKey(raw [KeySize]byte) (*Key, error) {
	block, err := aes.NewCipher(raw[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Key{raw: raw, aead: aead}, nil
}

// Export encodes the key with the standard padded base64 alphabet, the same
// form a browser peer produces with btoa.
func Export(k *Key) string {
	return base64.StdEncoding.EncodeToString(k.raw[:])
}

// Import decodes a key produced by Export. It accepts the encoding as it
// arrives out of a URL query: percent-escaped or not, with '+' turned into a
// space, with or without '=' padding, and in either the standard or the
// URL-safe alphabet (but not a mix of both).
func Import(encoded string) (*Key, error) {
	s := strings.TrimSpace(encoded)
	if strings.Contains(s, "%") {
		unescaped, err := url.PathUnescape(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
		}
		s = unescaped
	}
	s = strings.ReplaceAll(s, " ", "+")
	s = strings.TrimRight(s, "=")

	std := strings.ContainsAny(s, "+/")
	urlSafe := strings.ContainsAny(s, "-_")
	if std && urlSafe {
		return nil, fmt.Errorf("%w: mixed base64 alphabets", ErrInvalidKeyEncoding)
	}

	enc := base64.RawStdEncoding
	if urlSafe {
		enc = base64.RawURLEncoding
	}
	raw, err := enc.Strict().DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: decoded %d bytes, want %d", ErrInvalidKeyEncoding, len(raw), KeySize)
	}

	var fixed [KeySize]byte
	copy(fixed[:], raw)
	return newKey(fixed)
}

// Encrypt seals plaintext under a fresh random IV. The IV must be used for
// this one plaintext only.
func Encrypt(plaintext []byte, k *Key) (Sealed, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("generate iv: %w", err)
	}
	return Sealed{
		IV:         iv,
		Ciphertext: k.aead.Seal(nil, iv, plaintext, nil),
	}, nil
}

// Decrypt opens ciphertext sealed by Encrypt. Every failure is reported as
// ErrDecryptionFailed.
func Decrypt(ciphertext []byte, k *Key, iv []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := k.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// CiphertextSize is the sealed length of a plaintext of n bytes.
func CiphertextSize(n int64) int64 {
	return n + Overhead
}
