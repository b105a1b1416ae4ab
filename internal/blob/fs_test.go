// SPDX-License-Identifier: MIT

package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFSPutGetRoundTrip(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	key := Key(1, "abc", RoleOriginal)
	data := []byte("some media bytes")

	require.NoError(t, s.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "audio/wav"))

	rc, info, err := s.Get(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Equal(t, "audio/wav", info.ContentType)
}

func TestFSPutSizeMismatch(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	key := Key(1, "abc", RoleOriginal)

	err := s.Put(ctx, key, strings.NewReader("short"), 100, "audio/wav")
	require.Error(t, err)
	assert.Equal(t, KindCorrupt, KindOf(err))

	// The partial write must not be observable under the key.
	_, _, err = s.Get(ctx, key)
	assert.True(t, IsNotFound(err))
}

func TestFSStreamRanges(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	key := Key(1, "abc", RoleOriginal)
	data := []byte("0123456789")
	require.NoError(t, s.Put(ctx, key, bytes.NewReader(data), 10, "audio/wav"))

	rc, rng, err := s.Stream(ctx, key, 2, 5)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, "2345", string(got))
	assert.Equal(t, ByteRange{Start: 2, End: 5, Total: 10}, rng)

	// Open-ended range serves through the last byte.
	rc, rng, err = s.Stream(ctx, key, 7, -1)
	require.NoError(t, err)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, "789", string(got))
	assert.Equal(t, int64(9), rng.End)

	// Start past EOF is rejected.
	_, _, err = s.Stream(ctx, key, 10, -1)
	require.Error(t, err)
	assert.Equal(t, KindCorrupt, KindOf(err))
}

func TestFSStreamMissingKey(t *testing.T) {
	s := newTestFS(t)
	_, _, err := s.Stream(context.Background(), Key(1, "nope", RoleOriginal), 0, -1)
	assert.True(t, IsNotFound(err))
}

func TestFSDeleteIdempotent(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	key := Key(1, "abc", RoleOriginal)
	require.NoError(t, s.Put(ctx, key, strings.NewReader("x"), 1, "text/plain"))

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key)) // second delete is a no-op

	_, _, err := s.Get(ctx, key)
	assert.True(t, IsNotFound(err))
}

func TestFSRejectsUnsafeKeys(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	for _, key := range []string{"../escape", "..", "/abs/path"} {
		err := s.Put(ctx, key, strings.NewReader("x"), 1, "")
		assert.Error(t, err, "key %q", key)
	}
}

func TestRetryOnlyTransient(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, 3, time.Millisecond, 10*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return storageErr(KindTransient, "k", errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(ctx, 3, time.Millisecond, 10*time.Millisecond, func() error {
		calls++
		return storageErr(KindNotFound, "k", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-transient errors must not be retried")
}

func TestParseContentRange(t *testing.T) {
	rng, err := parseContentRange("bytes 0-499/1000")
	require.NoError(t, err)
	assert.Equal(t, ByteRange{Start: 0, End: 499, Total: 1000}, rng)

	_, err = parseContentRange("garbage")
	assert.Error(t, err)
}

func TestReadChunksWalksWholeObject(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	key := Key(1, "abc", RoleWaveform)
	data := []byte("0123456789abcdef0123")
	require.NoError(t, s.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"))

	var got []byte
	var offsets []int64
	err := ReadChunks(ctx, s, key, 8, func(c Chunk) error {
		assert.Equal(t, int64(len(data)), c.Total)
		offsets = append(offsets, c.Offset)
		got = append(got, c.Data...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, []int64{0, 8, 16}, offsets)
}

func TestReadChunksMissingKey(t *testing.T) {
	s := newTestFS(t)
	err := ReadChunks(context.Background(), s, Key(1, "abc", RoleWaveform), 8, func(Chunk) error {
		t.Fatal("callback must not run for a missing object")
		return nil
	})
	assert.True(t, IsNotFound(err))
}

func TestReadChunksCallbackErrorStopsRead(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	key := Key(1, "abc", RoleWaveform)
	data := bytes.Repeat([]byte("x"), 64)
	require.NoError(t, s.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"))

	boom := errors.New("client went away")
	var calls int
	err := ReadChunks(ctx, s, key, 16, func(Chunk) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
