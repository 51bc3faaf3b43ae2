// Package discovery maintains the live peer table via an authenticated UDP
// broadcast presence protocol.
package discovery

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxDisplayNameBytes bounds the length-prefixed display name field.
	MaxDisplayNameBytes = 255
	// macSize is the fixed width of the datagram HMAC-SHA256 signature.
	macSize = sha256.Size
	// minDatagramSize is deviceId(16) + nameLen(2) + timestamp(8) + mac(32).
	minDatagramSize = 16 + 2 + 8 + macSize
)

var (
	// ErrMalformedDatagram indicates a datagram that does not parse.
	ErrMalformedDatagram = errors.New("discovery: malformed datagram")
	// ErrBadMAC indicates an authentication failure on a presence message.
	ErrBadMAC = errors.New("discovery: datagram MAC verification failed")
)

// Presence is one decoded discovery datagram.
type Presence struct {
	DeviceID        uuid.UUID
	DisplayName     string
	TimestampMillis int64
}

// EncodePresence builds and signs a presence datagram:
//
//	deviceId [16] | nameLen uint16 | displayName | timestampMillis int64 | mac [32]
//
// The MAC covers every byte preceding it.
func EncodePresence(p Presence, macKey []byte) ([]byte, error) {
	name := []byte(p.DisplayName)
	if len(name) > MaxDisplayNameBytes {
		return nil, fmt.Errorf("discovery: display name exceeds %d bytes", MaxDisplayNameBytes)
	}
	if !utf8.Valid(name) {
		return nil, errors.New("discovery: display name is not valid UTF-8")
	}

	buf := bytes.NewBuffer(make([]byte, 0, minDatagramSize+len(name)))
	buf.Write(p.DeviceID[:])
	_ = binary.Write(buf, binary.BigEndian, uint16(len(name)))
	buf.Write(name)
	_ = binary.Write(buf, binary.BigEndian, p.TimestampMillis)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(buf.Bytes())
	buf.Write(mac.Sum(nil))

	return buf.Bytes(), nil
}

// DecodePresence parses and authenticates a datagram. An invalid MAC returns
// ErrBadMAC; structural problems return ErrMalformedDatagram.
func DecodePresence(datagram, macKey []byte) (Presence, error) {
	var p Presence
	if len(datagram) < minDatagramSize {
		return p, ErrMalformedDatagram
	}

	nameLen := int(binary.BigEndian.Uint16(datagram[16:18]))
	if nameLen > MaxDisplayNameBytes || len(datagram) != minDatagramSize+nameLen {
		return p, ErrMalformedDatagram
	}

	signed := datagram[:len(datagram)-macSize]
	presented := datagram[len(datagram)-macSize:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(signed)
	if !hmac.Equal(mac.Sum(nil), presented) {
		return p, ErrBadMAC
	}

	name := datagram[18 : 18+nameLen]
	if !utf8.Valid(name) {
		return p, ErrMalformedDatagram
	}

	copy(p.DeviceID[:], datagram[:16])
	p.DisplayName = string(name)
	p.TimestampMillis = int64(binary.BigEndian.Uint64(datagram[18+nameLen : 18+nameLen+8]))

	return p, nil
}
