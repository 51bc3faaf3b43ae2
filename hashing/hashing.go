// Package hashing computes the content digests used to identify files and
// verify transfer chunks.
package hashing

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DigestSize is the byte length of every digest produced by this package.
const DigestSize = sha256.Size

// Digest is a fixed-width content digest.
type Digest [DigestSize]byte

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// ParseHex decodes a hex-encoded digest.
func ParseHex(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("decode digest: invalid length %d", len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Sum computes the digest of a byte slice. Used for individual chunks.
func Sum(data []byte) Digest {
	return sha256.Sum256(data)
}

// SumReader computes the digest of everything readable from r.
func SumReader(r io.Reader) (Digest, error) {
	var d Digest
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return d, fmt.Errorf("hash stream: %w", err)
	}
	copy(d[:], hasher.Sum(nil))
	return d, nil
}

// SumFile computes the whole-file digest for path.
func SumFile(path string) (Digest, error) {
	var d Digest
	file, err := os.Open(path)
	if err != nil {
		return d, fmt.Errorf("open file for digest: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	return SumReader(bufio.NewReaderSize(file, 64*1024))
}

// SumFileRange computes the digest over length bytes starting at offset.
func SumFileRange(path string, offset, length int64) (Digest, error) {
	var d Digest
	file, err := os.Open(path)
	if err != nil {
		return d, fmt.Errorf("open file for range digest: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	section := io.NewSectionReader(file, offset, length)
	return SumReader(section)
}
