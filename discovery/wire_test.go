package discovery

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	original := Presence{
		DeviceID:        uuid.New(),
		DisplayName:     "living room laptop",
		TimestampMillis: time.Now().UnixMilli(),
	}

	datagram, err := EncodePresence(original, key)
	require.NoError(t, err)

	decoded, err := DecodePresence(datagram, key)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestPresenceEmptyName(t *testing.T) {
	key := []byte("k")
	datagram, err := EncodePresence(Presence{DeviceID: uuid.New()}, key)
	require.NoError(t, err)

	decoded, err := DecodePresence(datagram, key)
	require.NoError(t, err)
	assert.Empty(t, decoded.DisplayName)
}

func TestDecodePresenceWrongKey(t *testing.T) {
	datagram, err := EncodePresence(Presence{
		DeviceID:        uuid.New(),
		DisplayName:     "desk",
		TimestampMillis: 12345,
	}, []byte("correct key"))
	require.NoError(t, err)

	_, err = DecodePresence(datagram, []byte("wrong key"))
	assert.ErrorIs(t, err, ErrBadMAC)
}

func TestDecodePresenceTamperedPayload(t *testing.T) {
	key := []byte("shared")
	datagram, err := EncodePresence(Presence{
		DeviceID:        uuid.New(),
		DisplayName:     "desk",
		TimestampMillis: 12345,
	}, key)
	require.NoError(t, err)

	datagram[20] ^= 0xff
	_, err = DecodePresence(datagram, key)
	assert.ErrorIs(t, err, ErrBadMAC)
}

func TestDecodePresenceTruncated(t *testing.T) {
	_, err := DecodePresence([]byte{1, 2, 3}, []byte("k"))
	assert.ErrorIs(t, err, ErrMalformedDatagram)
}

func TestDecodePresenceLengthMismatch(t *testing.T) {
	key := []byte("k")
	datagram, err := EncodePresence(Presence{
		DeviceID:    uuid.New(),
		DisplayName: "desk",
	}, key)
	require.NoError(t, err)

	_, err = DecodePresence(datagram[:len(datagram)-1], key)
	assert.ErrorIs(t, err, ErrMalformedDatagram)
}

func TestEncodePresenceNameTooLong(t *testing.T) {
	long := make([]byte, MaxDisplayNameBytes+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := EncodePresence(Presence{
		DeviceID:    uuid.New(),
		DisplayName: string(long),
	}, []byte("k"))
	assert.Error(t, err)
}
