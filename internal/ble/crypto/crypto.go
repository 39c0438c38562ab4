// Package crypto provides the per-family session codecs: the challenge/response
// exchange that unlocks a device with its shared secret, and the outbound/inbound
// transforms applied to every characteristic payload for the rest of the session.
package crypto

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/chaz8081/vitals-bridge/internal/family"
)

// SessionKey is the key negotiated for one connection. A nil key means the
// family runs unauthenticated sessions.
type SessionKey []byte

// Exchanger performs one request/response round trip on the characteristic a
// codec authenticates over.
type Exchanger interface {
	Exchange(ctx context.Context, request []byte) ([]byte, error)
}

// Codec is implemented once per device family.
//
// Seal and Open must be pure functions of the key and their input so they can
// be exercised with captured byte vectors.
type Codec interface {
	// RequiresSecret reports whether Authenticate needs a shared secret.
	RequiresSecret() bool
	// Authenticate unlocks the device and returns the session key.
	Authenticate(ctx context.Context, ex Exchanger, secret []byte) (SessionKey, error)
	// Seal transforms an outbound payload.
	Seal(key SessionKey, plaintext []byte) ([]byte, error)
	// Open reverses Seal for an inbound payload.
	Open(key SessionKey, ciphertext []byte) ([]byte, error)
}

// Registrar is implemented by codecs whose family stores the secret on the
// device during pairing.
type Registrar interface {
	Register(ctx context.Context, ex Exchanger, secret []byte) error
}

// CheckSecret verifies a secret has the family's expected length.
func CheckSecret(secret []byte) error {
	if len(secret) != family.SecretLen {
		return fmt.Errorf("ble/crypto: secret must be %d bytes, got %d", family.SecretLen, len(secret))
	}
	return nil
}

// DeriveSecret stretches an operator passphrase into a device secret with
// HKDF-SHA256. The device address salts the derivation so one passphrase
// yields a different secret per device.
func DeriveSecret(passphrase, address string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("ble/crypto: empty passphrase")
	}
	salt := []byte(strings.ToUpper(address))
	r := hkdf.New(sha256.New, []byte(passphrase), salt, []byte("vitals-bridge device secret"))
	secret := make([]byte, family.SecretLen)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return secret, nil
}
