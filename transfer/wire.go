// Package transfer moves file bytes between authenticated peers with
// resumable, integrity-verified chunked sessions over TLS.
package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"pebble/hashing"
)

// Frame type bytes. Every frame on the session stream is one type byte
// followed by its big-endian fields.
const (
	FrameMetadata    byte = 0x01
	FrameResume      byte = 0x02
	FrameReject      byte = 0x03
	FrameChunk       byte = 0x10
	FrameAck         byte = 0x11
	FrameNack        byte = 0x12
	FrameComplete    byte = 0x20
	FrameCompleteAck byte = 0x21
)

// Reject reasons.
const (
	RejectConflict byte = 1
	RejectBusy     byte = 2
)

// CompleteAck statuses.
const (
	CompleteVerified byte = 0
	CompleteMismatch byte = 1
)

const (
	// MaxChunkSize bounds the accepted chunk payload length.
	MaxChunkSize = 8 * 1024 * 1024
	// MaxFileNameBytes bounds the metadata file name field.
	MaxFileNameBytes = 1024
)

var (
	// ErrFrameTooLarge indicates a chunk or name field exceeds its bound.
	ErrFrameTooLarge = errors.New("transfer: frame field exceeds max size")
	// ErrUnexpectedFrame indicates a frame type invalid for the current
	// protocol phase.
	ErrUnexpectedFrame = errors.New("transfer: unexpected frame type")
)

// Metadata is the session header the sender transmits after the TLS
// handshake. ResumeOffset is the next chunk index the sender believes the
// receiver has not yet verified.
type Metadata struct {
	FileID         uuid.UUID
	TotalSizeBytes uint64
	ChunkSize      uint32
	ResumeOffset   uint32
	ContentHash    hashing.Digest
	FileName       string
}

// ChunkHeader precedes every chunk payload.
type ChunkHeader struct {
	Index  uint32
	Length uint32
	Digest hashing.Digest
}

// ReadFrameType reads the next frame's type byte.
func ReadFrameType(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteMetadata writes a metadata frame.
func WriteMetadata(w io.Writer, m Metadata) error {
	name := []byte(m.FileName)
	if len(name) > MaxFileNameBytes {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 0, 1+16+8+4+4+hashing.DigestSize+2+len(name))
	buf = append(buf, FrameMetadata)
	buf = append(buf, m.FileID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, m.TotalSizeBytes)
	buf = binary.BigEndian.AppendUint32(buf, m.ChunkSize)
	buf = binary.BigEndian.AppendUint32(buf, m.ResumeOffset)
	buf = append(buf, m.ContentHash[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write metadata frame: %w", err)
	}
	return nil
}

// ReadMetadata reads a metadata frame body (the type byte already consumed).
func ReadMetadata(r io.Reader) (Metadata, error) {
	var m Metadata
	fixed := make([]byte, 16+8+4+4+hashing.DigestSize+2)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return m, fmt.Errorf("read metadata frame: %w", err)
	}

	copy(m.FileID[:], fixed[:16])
	m.TotalSizeBytes = binary.BigEndian.Uint64(fixed[16:24])
	m.ChunkSize = binary.BigEndian.Uint32(fixed[24:28])
	m.ResumeOffset = binary.BigEndian.Uint32(fixed[28:32])
	copy(m.ContentHash[:], fixed[32:32+hashing.DigestSize])

	nameLen := int(binary.BigEndian.Uint16(fixed[32+hashing.DigestSize:]))
	if nameLen > MaxFileNameBytes {
		return m, ErrFrameTooLarge
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return m, fmt.Errorf("read metadata file name: %w", err)
	}
	m.FileName = string(name)
	return m, nil
}

// WriteResume writes the receiver's authoritative resume offset.
func WriteResume(w io.Writer, resumeOffset uint32) error {
	buf := make([]byte, 0, 5)
	buf = append(buf, FrameResume)
	buf = binary.BigEndian.AppendUint32(buf, resumeOffset)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write resume frame: %w", err)
	}
	return nil
}

// ReadResume reads a resume frame body.
func ReadResume(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read resume frame: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteReject writes a session rejection with a reason code.
func WriteReject(w io.Writer, reason byte) error {
	if _, err := w.Write([]byte{FrameReject, reason}); err != nil {
		return fmt.Errorf("write reject frame: %w", err)
	}
	return nil
}

// ReadReject reads a reject frame body.
func ReadReject(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read reject frame: %w", err)
	}
	return buf[0], nil
}

// WriteChunk writes one chunk frame: index, length, digest, payload.
func WriteChunk(w io.Writer, index uint32, digest hashing.Digest, payload []byte) error {
	if len(payload) > MaxChunkSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 0, 1+4+4+hashing.DigestSize)
	buf = append(buf, FrameChunk)
	buf = binary.BigEndian.AppendUint32(buf, index)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, digest[:]...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write chunk header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write chunk payload: %w", err)
	}
	return nil
}

// ReadChunk reads a chunk frame body and returns its header and payload.
func ReadChunk(r io.Reader) (ChunkHeader, []byte, error) {
	var header ChunkHeader
	fixed := make([]byte, 4+4+hashing.DigestSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return header, nil, fmt.Errorf("read chunk header: %w", err)
	}

	header.Index = binary.BigEndian.Uint32(fixed[:4])
	header.Length = binary.BigEndian.Uint32(fixed[4:8])
	copy(header.Digest[:], fixed[8:])

	if header.Length > MaxChunkSize {
		return header, nil, ErrFrameTooLarge
	}
	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return header, nil, fmt.Errorf("read chunk payload: %w", err)
	}
	return header, payload, nil
}

// WriteAck writes a cumulative acknowledgment covering all chunks up to and
// including upToIndex.
func WriteAck(w io.Writer, upToIndex uint32) error {
	return writeIndexFrame(w, FrameAck, upToIndex, "ack")
}

// WriteNack requests retransmission of one chunk index.
func WriteNack(w io.Writer, index uint32) error {
	return writeIndexFrame(w, FrameNack, index, "nack")
}

// ReadIndex reads the index body shared by ack and nack frames.
func ReadIndex(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read index frame: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteComplete writes the sender's whole-file digest.
func WriteComplete(w io.Writer, digest hashing.Digest) error {
	buf := make([]byte, 0, 1+hashing.DigestSize)
	buf = append(buf, FrameComplete)
	buf = append(buf, digest[:]...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write complete frame: %w", err)
	}
	return nil
}

// ReadComplete reads a complete frame body.
func ReadComplete(r io.Reader) (hashing.Digest, error) {
	var digest hashing.Digest
	if _, err := io.ReadFull(r, digest[:]); err != nil {
		return digest, fmt.Errorf("read complete frame: %w", err)
	}
	return digest, nil
}

// WriteCompleteAck writes the receiver's whole-file verification result.
func WriteCompleteAck(w io.Writer, status byte) error {
	if _, err := w.Write([]byte{FrameCompleteAck, status}); err != nil {
		return fmt.Errorf("write complete ack: %w", err)
	}
	return nil
}

// ReadCompleteAck reads a complete ack body.
func ReadCompleteAck(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read complete ack: %w", err)
	}
	return buf[0], nil
}

func writeIndexFrame(w io.Writer, frameType byte, index uint32, name string) error {
	buf := make([]byte, 0, 5)
	buf = append(buf, frameType)
	buf = binary.BigEndian.AppendUint32(buf, index)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", name, err)
	}
	return nil
}

// readFrameTypeWithTimeout applies a read deadline around one frame type read.
func readFrameTypeWithTimeout(conn net.Conn, timeout time.Duration) (byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrameType(conn)
}

// chunkCount returns the number of fixed-size chunks covering size bytes.
func chunkCount(size int64, chunkSize uint32) int {
	if size <= 0 || chunkSize == 0 {
		return 0
	}
	chunks := size / int64(chunkSize)
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return int(chunks)
}

// resolveResumeOffset picks the chunk index a resumed transfer starts from.
// The receiver's committed offset is authoritative: it reflects data that was
// durably written and verified on the receiving side. When the sender's own
// checkpoint claims more than the receiver confirms, the transfer restarts
// from the receiver's smaller offset rather than trusting unverified data.
func resolveResumeOffset(receiverOffset uint32, totalChunks int) uint32 {
	if totalChunks < 0 {
		return 0
	}
	if receiverOffset > uint32(totalChunks) {
		return uint32(totalChunks)
	}
	return receiverOffset
}
