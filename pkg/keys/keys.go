// Package keys handles Curve25519 key material: generation, the hex text
// encoding used in config files and the registry, and key files on disk.
package keys

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// Size is the length of public and secret keys.
const Size = 32

var (
	ErrInvalidKey = errors.New("keys: invalid key")
	ErrZeroKey    = errors.New("keys: key is all zero")
)

// Key is a Curve25519 public or secret key.
type Key [Size]byte

// IsZero reports whether k is all zero bytes.
func (k Key) IsZero() bool {
	var zero Key
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

// Equal compares keys in constant time.
func (k Key) Equal(other Key) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// String returns the lowercase hex encoding of k.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey decodes a 64 character hex key. A "0x" prefix and surrounding
// whitespace are accepted.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	data, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(data) != Size {
		return Key{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, Size, len(data))
	}
	var k Key
	copy(k[:], data)
	return k, nil
}

// KeyPair is a long-term or ephemeral Curve25519 key pair.
type KeyPair struct {
	Public Key
	Secret Key
}

// Generate creates a key pair from r, or crypto/rand when r is nil.
func Generate(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := box.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: generate: %w", err)
	}
	return KeyPair{Public: Key(*pub), Secret: Key(*priv)}, nil
}

// FromSecret derives the key pair for secret.
func FromSecret(secret Key) (KeyPair, error) {
	if secret.IsZero() {
		return KeyPair{}, ErrZeroKey
	}
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: derive public key: %w", err)
	}
	kp := KeyPair{Secret: secret}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Validate checks that both halves are present and belong together.
func (kp KeyPair) Validate() error {
	if kp.Public.IsZero() || kp.Secret.IsZero() {
		return ErrZeroKey
	}
	derived, err := FromSecret(kp.Secret)
	if err != nil {
		return err
	}
	if !derived.Public.Equal(kp.Public) {
		return fmt.Errorf("%w: public key does not match secret key", ErrInvalidKey)
	}
	return nil
}

// Wipe zeroes the secret half.
func (kp *KeyPair) Wipe() {
	clear(kp.Secret[:])
}
