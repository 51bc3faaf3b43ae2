package hashing

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumMatchesSumReader(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	fromBytes := Sum(data)
	fromReader, err := SumReader(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, fromBytes, fromReader)
}

func TestHexRoundTrip(t *testing.T) {
	d := Sum([]byte("pebble"))

	parsed, err := ParseHex(d.Hex())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestParseHexRejectsBadInput(t *testing.T) {
	_, err := ParseHex("not hex")
	assert.Error(t, err)

	_, err = ParseHex("abcd")
	assert.Error(t, err)
}

func TestSumFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	fromFile, err := SumFile(path)
	require.NoError(t, err)

	assert.Equal(t, Sum(nil), fromFile)
}

func TestSumFileRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	content := bytes.Repeat([]byte("abcdefgh"), 1024)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	whole, err := SumFile(path)
	require.NoError(t, err)
	assert.Equal(t, Sum(content), whole)

	partial, err := SumFileRange(path, 16, 64)
	require.NoError(t, err)
	assert.Equal(t, Sum(content[16:80]), partial)
}

func TestSumFileMissing(t *testing.T) {
	_, err := SumFile(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}
