package hashio

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAndHash_MatchesDirectSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	content := []byte("package foo\n\nfunc Bar() {}\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	want := sha256.Sum256(content)

	result, err := ReadAndHash(path)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want[:]), result.Hash)
	assert.True(t, bytes.Equal(content, result.Content))
	assert.Equal(t, int64(len(content)), result.Size)
}

func TestReadAndHash_MissingFile(t *testing.T) {
	_, err := ReadAndHash(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestReadAndHash_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	result, err := ReadAndHash(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Size)
	assert.Equal(t, HashBytes(nil), result.Hash)
}

func TestHashBytes_DeterministicAndDistinct(t *testing.T) {
	a := HashBytes([]byte("hello"))
	b := HashBytes([]byte("hello"))
	c := HashBytes([]byte("world"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestHashString_MatchesHashBytes(t *testing.T) {
	assert.Equal(t, HashBytes([]byte("a string")), HashString("a string"))
}

func TestIsBinary_DetectsNullByte(t *testing.T) {
	assert.True(t, IsBinary([]byte{'a', 'b', 0, 'c'}))
}

func TestIsBinary_TextContentIsNotBinary(t *testing.T) {
	assert.False(t, IsBinary([]byte("package main\n\nfunc main() {}\n")))
}

func TestIsBinary_OnlyScansHeadBytes(t *testing.T) {
	content := make([]byte, MaxNullScanBytes+10)
	for i := range content {
		content[i] = 'a'
	}
	// Null byte well past the scan window must not be detected.
	content[len(content)-1] = 0
	assert.False(t, IsBinary(content))
}

func TestIsBinary_EmptyContent(t *testing.T) {
	assert.False(t, IsBinary(nil))
}
