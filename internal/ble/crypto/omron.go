package crypto

import (
	"bytes"
	"context"
	"fmt"

	"github.com/chaz8081/vitals-bridge/internal/ble/protocol"
	"github.com/chaz8081/vitals-bridge/internal/failure"
)

// Unlock characteristic opcodes.
const (
	unlockOpKey      byte = 0x00 // store secret (pairing, step 2)
	unlockOpUnlock   byte = 0x01 // present secret
	unlockOpRegister byte = 0x02 // enter key programming mode (pairing, step 1)
)

var (
	unlockAccepted   = []byte{0x81, 0x00}
	registerAccepted = []byte{0x82, 0x00}
	keyAccepted      = []byte{0x80, 0x00}
)

// Omron is the codec for Omron devices. With Unlock set, sessions must present
// the shared secret on the unlock characteristic before the EEPROM
// characteristics respond; without it the session key is absent.
//
// Omron links carry no payload cipher: Seal and Open apply the command
// framing and checksum, keyed by the identity transform.
type Omron struct {
	Unlock bool
}

// Compile-time interface checks.
var (
	_ Codec     = Omron{}
	_ Registrar = Omron{}
)

func (o Omron) RequiresSecret() bool { return o.Unlock }

// UnlockRequest returns the challenge response for secret.
func UnlockRequest(secret []byte) []byte {
	req := make([]byte, 0, 1+len(secret))
	req = append(req, unlockOpUnlock)
	return append(req, secret...)
}

// RegisterRequests returns the two writes that program secret into a device.
func RegisterRequests(secret []byte) (enter, store []byte) {
	enter = make([]byte, 1+len(secret))
	enter[0] = unlockOpRegister
	store = make([]byte, 0, 1+len(secret))
	store = append(store, unlockOpKey)
	store = append(store, secret...)
	return enter, store
}

func (o Omron) Authenticate(ctx context.Context, ex Exchanger, secret []byte) (SessionKey, error) {
	if !o.Unlock {
		return nil, nil
	}
	if err := CheckSecret(secret); err != nil {
		return nil, err
	}
	resp, err := ex.Exchange(ctx, UnlockRequest(secret))
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: unlock: %w", err)
	}
	if !hasPrefix(resp, unlockAccepted) {
		return nil, fmt.Errorf("ble/crypto: unlock answered % x: %w", resp, failure.ErrAuthRejected)
	}
	key := make(SessionKey, len(secret))
	copy(key, secret)
	return key, nil
}

// Register programs secret into the device. The device must be in pairing
// mode (the user holds the Bluetooth button until "P" flashes).
func (o Omron) Register(ctx context.Context, ex Exchanger, secret []byte) error {
	if !o.Unlock {
		return nil
	}
	if err := CheckSecret(secret); err != nil {
		return err
	}
	enter, store := RegisterRequests(secret)

	resp, err := ex.Exchange(ctx, enter)
	if err != nil {
		return fmt.Errorf("ble/crypto: enter key programming: %w", err)
	}
	if !hasPrefix(resp, registerAccepted) {
		return fmt.Errorf("ble/crypto: key programming answered % x: %w", resp, failure.ErrPairingRejected)
	}

	resp, err = ex.Exchange(ctx, store)
	if err != nil {
		return fmt.Errorf("ble/crypto: store key: %w", err)
	}
	if !hasPrefix(resp, keyAccepted) {
		return fmt.Errorf("ble/crypto: store key answered % x: %w", resp, failure.ErrPairingRejected)
	}
	return nil
}

func (o Omron) Seal(_ SessionKey, plaintext []byte) ([]byte, error) {
	return protocol.Frame(plaintext)
}

func (o Omron) Open(_ SessionKey, ciphertext []byte) ([]byte, error) {
	return protocol.Unframe(ciphertext)
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && bytes.Equal(b[:len(prefix)], prefix)
}
