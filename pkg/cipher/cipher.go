// Package cipher provides the value ciphers used by livedict. Both ciphers
// frame their output with a fixed-width version tag so blobs persisted
// under one scheme or key epoch are rejected cleanly by another.
package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrDecryptFailed means no candidate key and version produced a valid
// plaintext.
var ErrDecryptFailed = errors.New("decryption failed")

const (
	// TagSize is the fixed width of the version tag leading every blob.
	TagSize = 4

	// NonceSize is the AES-GCM nonce width.
	NonceSize = 12
)

var (
	tagAESGCM = []byte("LD1G")
	tagXOR    = []byte("LD1X")
)

// AESGCM is an authenticated cipher over an ordered candidate key list. The
// first key encrypts; decryption tries every key in order, so rotating the
// active key keeps old blobs readable as long as their key stays in the
// list. Safe for concurrent use.
type AESGCM struct {
	aeads []stdcipher.AEAD
}

// NewAESGCM derives a 256-bit AES key from each candidate via SHA-256.
// At least one key is required.
func NewAESGCM(keys ...[]byte) (*AESGCM, error) {
	if len(keys) == 0 {
		return nil, errors.New("cipher: at least one key required")
	}
	aeads := make([]stdcipher.AEAD, 0, len(keys))
	for _, key := range keys {
		sum := sha256.Sum256(key)
		block, err := aes.NewCipher(sum[:])
		if err != nil {
			return nil, fmt.Errorf("cipher: %w", err)
		}
		aead, err := stdcipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("cipher: %w", err)
		}
		aeads = append(aeads, aead)
	}
	return &AESGCM{aeads: aeads}, nil
}

// Encrypt seals plaintext under the active key.
// Blob layout: versionTag(4) || nonce(12) || ciphertext||authTag.
func (c *AESGCM) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cipher: nonce: %w", err)
	}
	blob := make([]byte, 0, TagSize+NonceSize+len(plaintext)+16)
	blob = append(blob, tagAESGCM...)
	blob = append(blob, nonce...)
	return c.aeads[0].Seal(blob, nonce, plaintext, nil), nil
}

// Decrypt opens blob with the first candidate key whose auth tag checks
// out. A version tag mismatch or exhaustion of the key list yields
// ErrDecryptFailed.
func (c *AESGCM) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < TagSize+NonceSize || !bytes.Equal(blob[:TagSize], tagAESGCM) {
		return nil, fmt.Errorf("%w: version tag mismatch", ErrDecryptFailed)
	}
	nonce := blob[TagSize : TagSize+NonceSize]
	sealed := blob[TagSize+NonceSize:]
	for _, aead := range c.aeads {
		plaintext, err := aead.Open(nil, nonce, sealed, nil)
		if err == nil {
			return plaintext, nil
		}
	}
	return nil, fmt.Errorf("%w: no candidate key matched", ErrDecryptFailed)
}

// XOR is the deterministic reversible fallback for environments without an
// AEAD implementation: versionTag || hex(plaintext XOR key). It is NOT
// secure — it provides obfuscation only, offers no authentication, and a
// wrong key silently yields garbage. Prefer AESGCM everywhere it is
// available.
type XOR struct {
	key []byte
}

// NewXOR builds the fallback cipher around a single key.
func NewXOR(key []byte) (*XOR, error) {
	if len(key) == 0 {
		return nil, errors.New("cipher: empty key")
	}
	return &XOR{key: append([]byte(nil), key...)}, nil
}

func (c *XOR) mask(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ c.key[i%len(c.key)]
	}
	return out
}

func (c *XOR) Encrypt(plaintext []byte) ([]byte, error) {
	blob := make([]byte, 0, TagSize+hex.EncodedLen(len(plaintext)))
	blob = append(blob, tagXOR...)
	enc := make([]byte, hex.EncodedLen(len(plaintext)))
	hex.Encode(enc, c.mask(plaintext))
	return append(blob, enc...), nil
}

func (c *XOR) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < TagSize || !bytes.Equal(blob[:TagSize], tagXOR) {
		return nil, fmt.Errorf("%w: version tag mismatch", ErrDecryptFailed)
	}
	raw := make([]byte, hex.DecodedLen(len(blob)-TagSize))
	if _, err := hex.Decode(raw, blob[TagSize:]); err != nil {
		return nil, fmt.Errorf("%w: malformed blob", ErrDecryptFailed)
	}
	return c.mask(raw), nil
}
