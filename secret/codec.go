package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// version prefix of every ciphertext produced by Encrypt
	version = "v1:"

	keySize = 32
)

// hkdfInfo binds derived keys to their purpose.
var hkdfInfo = []byte("qbitgate credential encryption v1")

// Codec encrypts and decrypts credentials at rest with AES-256-GCM.
// It holds no mutable state besides the derived key and is safe for
// concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// New derives the process key from material and returns a Codec.
func New(material []byte) (*Codec, error) {
	if len(material) == 0 {
		return nil, ErrEmptyKey
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext and returns a printable ciphertext of the form
// "v1:" + base64(nonce || sealed).
func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return version + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any malformed, truncated,
// tampered or foreign-key ciphertext fails with ErrCorruptSecret.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, version)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrCorruptSecret)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding", ErrCorruptSecret)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrCorruptSecret)
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCorruptSecret)
	}

	return string(plaintext), nil
}
