package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// SharedSecretSize is the byte length of the paired discovery secret.
	SharedSecretSize = 32
	// discoveryMACKeyInfo separates the discovery MAC key from other keys
	// derived from the same shared secret.
	discoveryMACKeyInfo = "pebble discovery mac v1"
)

// ErrInvalidPairingPayload indicates a pairing payload that could not be decoded.
var ErrInvalidPairingPayload = errors.New("identity: invalid pairing payload")

// PairingPayload is the opaque record exchanged out-of-band by the pairing
// UI. It carries everything a peer needs to authenticate us: identity,
// certificate pin, and the shared discovery secret.
type PairingPayload struct {
	DeviceID     string `json:"device_id"`
	DisplayName  string `json:"display_name"`
	Fingerprint  string `json:"fingerprint"`
	SharedSecret string `json:"shared_secret"`
}

// NewSharedSecret generates a fresh random pairing secret.
func NewSharedSecret() ([]byte, error) {
	secret := make([]byte, SharedSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate shared secret: %w", err)
	}
	return secret, nil
}

// EncodePairingPayload serializes a payload to its transportable form
// (base64 over JSON, safe to embed in a QR code or copy by hand).
func EncodePairingPayload(deviceID, displayName string, fingerprint Fingerprint, sharedSecret []byte) (string, error) {
	if len(sharedSecret) != SharedSecretSize {
		return "", fmt.Errorf("encode pairing payload: invalid secret length %d", len(sharedSecret))
	}
	payload := PairingPayload{
		DeviceID:     deviceID,
		DisplayName:  displayName,
		Fingerprint:  string(fingerprint),
		SharedSecret: base64.StdEncoding.EncodeToString(sharedSecret),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal pairing payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePairingPayload parses an encoded payload and returns the peer
// record fields plus the raw shared secret.
func DecodePairingPayload(encoded string) (PairingPayload, []byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return PairingPayload{}, nil, fmt.Errorf("%w: %v", ErrInvalidPairingPayload, err)
	}

	var payload PairingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return PairingPayload{}, nil, fmt.Errorf("%w: %v", ErrInvalidPairingPayload, err)
	}
	if payload.DeviceID == "" || payload.Fingerprint == "" || payload.SharedSecret == "" {
		return PairingPayload{}, nil, fmt.Errorf("%w: missing fields", ErrInvalidPairingPayload)
	}

	secret, err := base64.StdEncoding.DecodeString(payload.SharedSecret)
	if err != nil {
		return PairingPayload{}, nil, fmt.Errorf("%w: %v", ErrInvalidPairingPayload, err)
	}
	if len(secret) != SharedSecretSize {
		return PairingPayload{}, nil, fmt.Errorf("%w: secret length %d", ErrInvalidPairingPayload, len(secret))
	}

	return payload, secret, nil
}

// DeriveDiscoveryMACKey derives the presence-message MAC key from the paired
// shared secret. Key separation keeps the raw secret out of the wire
// protocol entirely.
func DeriveDiscoveryMACKey(sharedSecret []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("identity: shared secret is required")
	}
	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(discoveryMACKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive discovery MAC key: %w", err)
	}
	return key, nil
}
