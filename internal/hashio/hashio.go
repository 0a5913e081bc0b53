// Package hashio provides the buffered file-read and content-hashing
// primitives shared by the scanner, chunker, and worker pool.
package hashio

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// MaxNullScanBytes is how much of a file's head is inspected for a null
// byte when deciding whether it is binary.
const MaxNullScanBytes = 1024

// bufSize matches the scanner's read buffer.
const bufSize = 64 * 1024

// ReadResult is the outcome of a consistency-checked file read.
type ReadResult struct {
	Content []byte
	Size    int64
	ModTime int64 // unix millis
	Hash    string
}

// ReadAndHash reads path, computing its SHA-256 content hash. It stats the
// file both before and after the read and returns an error if the size
// changed mid-read, so callers never persist a hash for bytes that don't
// match the file's final on-disk state (a stat race, per the Sync
// Engine's transient-I/O error kind).
func ReadAndHash(path string) (*ReadResult, error) {
	before, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, bufSize)
	h := sha256.New()
	content, err := io.ReadAll(io.TeeReader(r, h))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	after, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		return nil, fmt.Errorf("read %s: file changed mid-read", path)
	}

	return &ReadResult{
		Content: content,
		Size:    after.Size(),
		ModTime: after.ModTime().UnixMilli(),
		Hash:    hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// HashBytes returns the hex-encoded SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex-encoded SHA-256 of s.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// IsBinary reports whether the first MaxNullScanBytes of content contain a
// null byte, the scanner's and chunker's shared binary-detection rule.
func IsBinary(content []byte) bool {
	n := len(content)
	if n > MaxNullScanBytes {
		n = MaxNullScanBytes
	}
	for i := 0; i < n; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}
