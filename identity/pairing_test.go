package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairingPayloadRoundTrip(t *testing.T) {
	secret, err := NewSharedSecret()
	require.NoError(t, err)

	encoded, err := EncodePairingPayload("device-1", "laptop", Fingerprint("abc123"), secret)
	require.NoError(t, err)

	payload, decodedSecret, err := DecodePairingPayload(encoded)
	require.NoError(t, err)

	assert.Equal(t, "device-1", payload.DeviceID)
	assert.Equal(t, "laptop", payload.DisplayName)
	assert.Equal(t, "abc123", payload.Fingerprint)
	assert.Equal(t, secret, decodedSecret)
}

func TestDecodePairingPayloadRejectsGarbage(t *testing.T) {
	_, _, err := DecodePairingPayload("!!! not base64 !!!")
	assert.ErrorIs(t, err, ErrInvalidPairingPayload)

	_, _, err = DecodePairingPayload("aGVsbG8=")
	assert.ErrorIs(t, err, ErrInvalidPairingPayload)
}

func TestDeriveDiscoveryMACKeyDeterministic(t *testing.T) {
	secret, err := NewSharedSecret()
	require.NoError(t, err)

	first, err := DeriveDiscoveryMACKey(secret)
	require.NoError(t, err)
	second, err := DeriveDiscoveryMACKey(secret)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 32)
	assert.NotEqual(t, secret, first, "MAC key must not equal the raw secret")

	other, err := NewSharedSecret()
	require.NoError(t, err)
	third, err := DeriveDiscoveryMACKey(other)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestDeriveDiscoveryMACKeyRequiresSecret(t *testing.T) {
	_, err := DeriveDiscoveryMACKey(nil)
	assert.Error(t, err)
}
