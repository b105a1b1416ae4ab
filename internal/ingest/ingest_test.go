// SPDX-License-Identifier: MIT

package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-media/skald/internal/blob"
	"github.com/skald-media/skald/internal/hashid"
	"github.com/skald-media/skald/internal/index"
	"github.com/skald-media/skald/internal/lifecycle"
	"github.com/skald-media/skald/internal/model"
	"github.com/skald-media/skald/internal/pipeline"
	"github.com/skald-media/skald/internal/probe"
	"github.com/skald-media/skald/internal/queue"
	"github.com/skald-media/skald/internal/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "skald.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ix, err := index.Open(filepath.Join(t.TempDir(), "index"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	bs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	m := &lifecycle.Manager{
		Store:  s,
		Broker: queue.NewMemoryBroker(),
		Blob:   bs,
		Index:  ix,
		Notify: lifecycle.NopPublisher{},
	}
	return &Coordinator{
		Store:     s,
		Blob:      bs,
		Lifecycle: m,
		TempDir:   t.TempDir(),
		ProbeFile: func(ctx context.Context, path string) (probe.Metadata, error) {
			return probe.Metadata{DurationSeconds: 12.5, AudioCodec: "aac", SampleRate: 44100}, nil
		},
	}
}

func prepare(t *testing.T, c *Coordinator, owner int64, content []byte) *PrepareResult {
	t.Helper()
	res, err := c.Prepare(context.Background(), owner, PrepareRequest{
		Filename:    "meeting.m4a",
		Size:        int64(len(content)),
		ContentType: "audio/mp4",
		ContentHash: hashid.DigestBytes(content),
	})
	require.NoError(t, err)
	return res
}

func TestPrepareThenUpload(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	content := []byte("compressed audio bytes")

	res := prepare(t, c, 1, content)
	assert.False(t, res.IsDuplicate)
	require.NotZero(t, res.FileID)

	file, err := c.Upload(ctx, res.FileID, hashid.DigestBytes(content), bytes.NewReader(content))
	require.NoError(t, err)
	assert.True(t, file.BlobStored)
	assert.Equal(t, model.StatusPending, file.Status)
	assert.Equal(t, int64(len(content)), file.SizeBytes)
	assert.InDelta(t, 12.5, file.DurationSec, 1e-9)
	assert.Equal(t, "aac", file.Codec)
	assert.Equal(t, 44100, file.SampleRate)

	// Bytes are retrievable under the planned key.
	rc, info, err := c.Blob.Get(ctx, file.StoragePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	assert.Equal(t, int64(len(content)), info.Size)

	// A transcription job waits on the gpu queue.
	depth, err := c.Lifecycle.Broker.Depth(ctx, model.QueueGPU)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestPrepareDeduplicates(t *testing.T) {
	c := newTestCoordinator(t)
	content := []byte("the same recording twice")

	first := prepare(t, c, 1, content)
	second := prepare(t, c, 1, content)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.FileID, second.FileID)

	// A different owner is not deduplicated against user 1.
	other := prepare(t, c, 2, content)
	assert.False(t, other.IsDuplicate)
}

func TestPrepareRejectsMalformedHash(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.Prepare(context.Background(), 1, PrepareRequest{
		Filename:    "x.wav",
		ContentHash: "not-a-hash",
	})
	require.ErrorIs(t, err, ErrInvalidHash)
}

func TestEmptyFilesDeduplicate(t *testing.T) {
	c := newTestCoordinator(t)
	first := prepare(t, c, 1, nil)
	second := prepare(t, c, 1, nil)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.FileID, second.FileID)
}

func TestUploadHashMismatchDeletesRow(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	res := prepare(t, c, 1, []byte("declared content"))
	_, err := c.Upload(ctx, res.FileID, "", bytes.NewReader([]byte("different content")))
	require.ErrorIs(t, err, ErrHashMismatch)

	_, err = c.Store.GetFile(ctx, res.FileID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUploadTwiceIsRefused(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	content := []byte("some audio")

	res := prepare(t, c, 1, content)
	_, err := c.Upload(ctx, res.FileID, "", bytes.NewReader(content))
	require.NoError(t, err)

	_, err = c.Upload(ctx, res.FileID, "", bytes.NewReader(content))
	require.ErrorIs(t, err, ErrAlreadyUploaded)
}

func TestUploadClaimedHashMustMatchPrepared(t *testing.T) {
	c := newTestCoordinator(t)
	res := prepare(t, c, 1, []byte("audio"))

	_, err := c.Upload(context.Background(), res.FileID, hashid.DigestBytes([]byte("other")), bytes.NewReader([]byte("audio")))
	require.ErrorIs(t, err, ErrHashMismatch)
}

func TestIngestURLCreatesRowAndJob(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	f, err := c.IngestURL(ctx, 1, "https://example.com/podcast/episode42.mp3")
	require.NoError(t, err)
	assert.Equal(t, "episode42.mp3", f.DisplayName)
	assert.Equal(t, model.StatusPending, f.Status)
	assert.Equal(t, "https://example.com/podcast/episode42.mp3", f.SourceURL)

	depth, err := c.Lifecycle.Broker.Depth(ctx, model.QueueDownload)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestCompleteDownloadRejoinsUploadPath(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	content := []byte("downloaded media payload")

	f, err := c.IngestURL(ctx, 1, "https://example.com/a.mp3")
	require.NoError(t, err)

	// Simulate the dispatcher claim.
	job, err := c.Lifecycle.Broker.Dequeue(ctx, model.QueueDownload, 100*time.Millisecond)
	require.NoError(t, err)
	claimed, err := c.Lifecycle.Claim(ctx, f.ID, job.ID)
	require.NoError(t, err)

	tmp := filepath.Join(t.TempDir(), "downloaded")
	require.NoError(t, writeFileHelper(tmp, content))

	require.NoError(t, c.CompleteDownload(ctx, claimed, &pipeline.DownloadResult{
		Path:        tmp,
		Cleanup:     func() {},
		Hash:        hashid.DigestBytes(content),
		Size:        int64(len(content)),
		Filename:    "a.mp3",
		ContentType: "audio/mpeg",
	}))

	got, err := c.Store.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.True(t, got.BlobStored)
	assert.Equal(t, hashid.DigestBytes(content), got.ContentHash)
	assert.Equal(t, model.MimeAudio, got.MimeClass)

	depth, err := c.Lifecycle.Broker.Depth(ctx, model.QueueGPU)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestCompleteDownloadCollapsesDuplicate(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	content := []byte("already ingested elsewhere")

	// Existing file with the same content.
	res := prepare(t, c, 1, content)
	_, err := c.Upload(ctx, res.FileID, "", bytes.NewReader(content))
	require.NoError(t, err)

	f, err := c.IngestURL(ctx, 1, "https://example.com/dup.mp3")
	require.NoError(t, err)
	job, err := c.Lifecycle.Broker.Dequeue(ctx, model.QueueDownload, 100*time.Millisecond)
	require.NoError(t, err)
	claimed, err := c.Lifecycle.Claim(ctx, f.ID, job.ID)
	require.NoError(t, err)

	tmp := filepath.Join(t.TempDir(), "downloaded")
	require.NoError(t, writeFileHelper(tmp, content))

	require.NoError(t, c.CompleteDownload(ctx, claimed, &pipeline.DownloadResult{
		Path:    tmp,
		Cleanup: func() {},
		Hash:    hashid.DigestBytes(content),
		Size:    int64(len(content)),
	}))

	// The placeholder is gone; the original row remains.
	_, err = c.Store.GetFile(ctx, f.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = c.Store.GetFile(ctx, res.FileID)
	require.NoError(t, err)
}

func TestMimeClassOf(t *testing.T) {
	assert.Equal(t, model.MimeAudio, MimeClassOf("audio/mpeg"))
	assert.Equal(t, model.MimeVideo, MimeClassOf("video/mp4"))
	assert.Equal(t, model.MimeOther, MimeClassOf("application/pdf"))
	assert.Equal(t, model.MimeOther, MimeClassOf(""))
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "a.wav", safeFilename("a.wav"))
	assert.Equal(t, "b.wav", safeFilename("../../etc/b.wav"))
	assert.Equal(t, "c.wav", safeFilename(`C:\Users\x\c.wav`))
	assert.Equal(t, "upload", safeFilename(""))
}

func writeFileHelper(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}

// flakyBlob fails the first n Puts with a transient storage error and
// then delegates.
type flakyBlob struct {
	blob.Store
	failures int
	puts     int
}

func (f *flakyBlob) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	f.puts++
	if f.puts <= f.failures {
		return &blob.StorageError{Kind: blob.KindTransient, Key: key, Err: errors.New("connection reset")}
	}
	return f.Store.Put(ctx, key, r, size, contentType)
}

func TestUploadRidesOutTransientStorage(t *testing.T) {
	c := newTestCoordinator(t)
	fb := &flakyBlob{Store: c.Blob, failures: 2}
	c.Blob = fb
	ctx := context.Background()
	content := []byte("retried audio bytes")

	res := prepare(t, c, 1, content)
	file, err := c.Upload(ctx, res.FileID, "", bytes.NewReader(content))
	require.NoError(t, err)
	assert.True(t, file.BlobStored)
	assert.Equal(t, 3, fb.puts)

	// The retried write landed the full content.
	rc, _, err := fb.Get(ctx, file.StoragePath)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, content, got)
}
