// SPDX-License-Identifier: MIT

// Package hashid implements the content-addressed file hash used for
// upload dedup. The digest is 128 bits, derived from a size-prefixed
// triple sample (head/middle/tail) of the file bytes so that client and
// server compute identical values without reading the whole file.
package hashid

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

// SampleSize is the fixed size of each sampled region. Files at or
// below this size are digested in full.
const SampleSize = 64 * 1024

// HexLen is the length of the hex-encoded digest (128 bits).
const HexLen = 32

// EmptyHash is the agreed constant for zero-length files: the digest of
// the size prefix alone.
var EmptyHash = DigestBytes(nil)

// DigestBytes computes the content hash of an in-memory byte slice.
func DigestBytes(b []byte) string {
	h := sha256.New()
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(b)))
	h.Write(prefix[:])

	size := int64(len(b))
	if size <= SampleSize {
		h.Write(b)
	} else {
		h.Write(b[:SampleSize])
		mid := size/2 - SampleSize/2
		h.Write(b[mid : mid+SampleSize])
		h.Write(b[size-SampleSize:])
	}
	return hex.EncodeToString(h.Sum(nil)[:HexLen/2])
}

// Digest computes the content hash by seeking within r. The size must
// be the full byte length of the underlying content.
func Digest(r io.ReadSeeker, size int64) (string, error) {
	if size < 0 {
		return "", fmt.Errorf("hashid: negative size %d", size)
	}

	h := sha256.New()
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(size))
	h.Write(prefix[:])

	copySample := func(offset, n int64) error {
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("hashid: seek to %d: %w", offset, err)
		}
		if _, err := io.CopyN(h, r, n); err != nil {
			return fmt.Errorf("hashid: read %d bytes at %d: %w", n, offset, err)
		}
		return nil
	}

	if size <= SampleSize {
		if err := copySample(0, size); err != nil {
			return "", err
		}
	} else {
		if err := copySample(0, SampleSize); err != nil {
			return "", err
		}
		if err := copySample(size/2-SampleSize/2, SampleSize); err != nil {
			return "", err
		}
		if err := copySample(size-SampleSize, SampleSize); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)[:HexLen/2]), nil
}

// Valid reports whether s is a well-formed content hash.
func Valid(s string) bool {
	if len(s) != HexLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
