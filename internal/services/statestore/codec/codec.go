// Package codec seals state values before they leave the process.
//
// Values carry an explicit format tag so sealing is idempotent: a sealed value
// is recognised by its tag and passed through unchanged.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Format tags how a value's data is encoded.
type Format string

const (
	// FormatPlain marks data as the caller's raw serialized state.
	FormatPlain Format = "plain"
	// FormatAESGCM marks data as raw base64 of nonce || AES-256-GCM ciphertext.
	FormatAESGCM Format = "aesgcm.v1"
)

// Argon2id parameters for deriving the sealing key from the configured secret.
// The salt is fixed so every process sharing a secret derives the same key.
const (
	keySalt    = "formstate.codec.v1"
	keyTime    = 1
	keyMemory  = 19 * 1024
	keyThreads = 1
	keyLength  = 32
)

var (
	// ErrDecode reports a sealed value that cannot be opened with this codec's
	// secret, or whose payload is corrupted.
	ErrDecode = errors.New("codec: cannot decode value")
	// ErrUnknownFormat reports a value tagged with a format this codec does not handle.
	ErrUnknownFormat = errors.New("codec: unknown format")
)

// Value is an opaque state payload together with its format tag. The zero
// format is treated as plain.
type Value struct {
	Format Format
	Data   string
}

// Plain wraps raw caller data.
func Plain(data string) Value {
	return Value{Format: FormatPlain, Data: data}
}

// Len returns the size of the data in bytes.
func (v Value) Len() int {
	return len(v.Data)
}

// Normalize returns v with an explicit format tag.
func (v Value) Normalize() Value {
	if v.Format == "" {
		v.Format = FormatPlain
	}
	return v
}

// String renders plain values as their data and sealed values as
// "<format>:<data>", the form accepted by ParseValue.
func (v Value) String() string {
	v = v.Normalize()
	if v.Format == FormatPlain {
		return v.Data
	}
	return string(v.Format) + ":" + v.Data
}

// ParseValue reads the rendering produced by Value.String.
func ParseValue(s string) Value {
	prefix := string(FormatAESGCM) + ":"
	if strings.HasPrefix(s, prefix) {
		return Value{Format: FormatAESGCM, Data: strings.TrimPrefix(s, prefix)}
	}
	return Plain(s)
}

// IsEncoded reports whether v is already sealed.
func IsEncoded(v Value) bool {
	return v.Normalize().Format != FormatPlain
}

// Codec seals and opens values with a key derived from one secret.
type Codec struct {
	aead cipher.AEAD
}

// New derives the sealing key from secret.
func New(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("codec secret is required")
	}
	key := argon2.IDKey([]byte(secret), []byte(keySalt), keyTime, keyMemory, keyThreads, keyLength)
	return newWithKey(key)
}

func newWithKey(key []byte) (*Codec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encode seals a plain value. Sealed values are returned unchanged.
func (c *Codec) Encode(v Value) (Value, error) {
	if c == nil || c.aead == nil {
		return Value{}, errors.New("codec is not configured")
	}
	v = v.Normalize()
	switch v.Format {
	case FormatPlain:
	case FormatAESGCM:
		return v, nil
	default:
		return Value{}, fmt.Errorf("%w: %q", ErrUnknownFormat, v.Format)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Value{}, fmt.Errorf("read nonce: %w", err)
	}
	payload := c.aead.Seal(nonce, nonce, []byte(v.Data), nil)
	return Value{Format: FormatAESGCM, Data: base64.RawStdEncoding.EncodeToString(payload)}, nil
}

// Decode opens a sealed value. Plain values are returned unchanged.
func (c *Codec) Decode(v Value) (Value, error) {
	if c == nil || c.aead == nil {
		return Value{}, errors.New("codec is not configured")
	}
	v = v.Normalize()
	switch v.Format {
	case FormatPlain:
		return v, nil
	case FormatAESGCM:
	default:
		return Value{}, fmt.Errorf("%w: %q", ErrUnknownFormat, v.Format)
	}

	payload, err := base64.RawStdEncoding.DecodeString(v.Data)
	if err != nil {
		return Value{}, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	nonceSize := c.aead.NonceSize()
	if len(payload) < nonceSize+c.aead.Overhead() {
		return Value{}, fmt.Errorf("%w: payload too short", ErrDecode)
	}
	plaintext, err := c.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Plain(string(plaintext)), nil
}
