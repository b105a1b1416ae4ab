// SPDX-License-Identifier: MIT

// Package blob is the artifact store gateway: durable byte storage for
// originals, thumbnails, waveforms and derived artifacts, addressed by
// hierarchical keys owned by exactly one file.
package blob

import (
	"context"
	"io"
	"time"
)

// Info describes a stored object.
type Info struct {
	Size        int64
	ContentType string
}

// ByteRange is the actual content range served by Stream.
type ByteRange struct {
	Start int64
	End   int64 // inclusive
	Total int64
}

// Chunk is one piece of a lazily streamed artifact (waveforms,
// transcripts exported in pieces).
type Chunk struct {
	Data   []byte
	Offset int64
	Total  int64
}

// DefaultChunkSize is the piece size ReadChunks uses when the caller
// passes 0.
const DefaultChunkSize = 64 << 10

// ReadChunks reads the object under key and hands it to fn piece by
// piece, so a large artifact never sits fully in memory. fn sees the
// running offset and the object's total size; a non-nil return stops
// the read. The Data slice is reused between calls.
func ReadChunks(ctx context.Context, s Store, key string, size int, fn func(Chunk) error) error {
	if size <= 0 {
		size = DefaultChunkSize
	}
	rc, info, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	buf := make([]byte, size)
	var off int64
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			if err := fn(Chunk{Data: buf[:n], Offset: off, Total: info.Size}); err != nil {
				return err
			}
			off += int64(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// Store is the object-store contract. Put must be atomic from the
// reader's perspective: a partial write is never observable under its
// key. All failures are typed StorageError values.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, Info, error)
	Stream(ctx context.Context, key string, start, end int64) (io.ReadCloser, ByteRange, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Retry runs fn up to attempts times, backing off base*2^n between
// tries, capped at maxDelay. Only Transient storage errors are retried.
func Retry(ctx context.Context, attempts int, base, maxDelay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay := base << uint(i)
		if delay > maxDelay {
			delay = maxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
