package wgproto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoisePresharedKeySize = 32
)

type (
	// NoisePublicKey is a Curve25519 public key.
	NoisePublicKey [NoisePublicKeySize]byte

	// NoisePrivateKey is a Curve25519 private key.
	NoisePrivateKey [NoisePrivateKeySize]byte

	// NoisePresharedKey is an optional symmetric key mixed into the
	// handshake for post-quantum resistance.
	NoisePresharedKey [NoisePresharedKeySize]byte
)

// clamp applies the Curve25519 clamping operation.
func (sk *NoisePrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

// GeneratePrivateKey generates a new random private key.
func GeneratePrivateKey() (NoisePrivateKey, error) {
	var sk NoisePrivateKey
	if _, err := rand.Read(sk[:]); err != nil {
		return sk, err
	}
	sk.clamp()
	return sk, nil
}

// PublicKey derives the public key for sk.
func (sk NoisePrivateKey) PublicKey() NoisePublicKey {
	var pk NoisePublicKey
	b, _ := curve25519.X25519(sk[:], curve25519.Basepoint)
	copy(pk[:], b)
	return pk
}

// sharedSecret computes the X25519 shared secret between sk and pk.
func (sk NoisePrivateKey) sharedSecret(pk NoisePublicKey) ([NoisePublicKeySize]byte, error) {
	var ss [NoisePublicKeySize]byte
	b, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return ss, err
	}
	copy(ss[:], b)
	return ss, nil
}

// IsZero reports whether sk is the all-zero key, in constant time.
func (sk NoisePrivateKey) IsZero() bool {
	var zero NoisePrivateKey
	return subtle.ConstantTimeCompare(sk[:], zero[:]) == 1
}

// IsZero reports whether pk is the all-zero key, in constant time.
func (pk NoisePublicKey) IsZero() bool {
	var zero NoisePublicKey
	return subtle.ConstantTimeCompare(pk[:], zero[:]) == 1
}

// MarshalText implements [encoding.TextMarshaler].
func (pk NoisePublicKey) MarshalText() ([]byte, error) {
	return appendBase64Key(pk[:]), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
// The text is the standard base64 encoding used by WireGuard tooling.
func (pk *NoisePublicKey) UnmarshalText(text []byte) error {
	return decodeBase64Key(pk[:], text, "public key")
}

// MarshalText implements [encoding.TextMarshaler].
func (sk NoisePrivateKey) MarshalText() ([]byte, error) {
	return appendBase64Key(sk[:]), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (sk *NoisePrivateKey) UnmarshalText(text []byte) error {
	if err := decodeBase64Key(sk[:], text, "private key"); err != nil {
		return err
	}
	sk.clamp()
	return nil
}

// MarshalText implements [encoding.TextMarshaler].
func (psk NoisePresharedKey) MarshalText() ([]byte, error) {
	return appendBase64Key(psk[:]), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (psk *NoisePresharedKey) UnmarshalText(text []byte) error {
	return decodeBase64Key(psk[:], text, "preshared key")
}

func appendBase64Key(key []byte) []byte {
	b := make([]byte, base64.StdEncoding.EncodedLen(len(key)))
	base64.StdEncoding.Encode(b, key)
	return b
}

func decodeBase64Key(dst, text []byte, what string) error {
	b, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", what, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid %s length: %d", what, len(b))
	}
	copy(dst, b)
	return nil
}

func setZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZero(b []byte) bool {
	acc := 1
	for _, v := range b {
		acc &= subtle.ConstantTimeByteEq(v, 0)
	}
	return acc == 1
}
