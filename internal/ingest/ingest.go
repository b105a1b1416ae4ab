// SPDX-License-Identifier: MIT

// Package ingest is the ingestion coordinator: the prepare/upload
// handshake for local files, URL ingest, content-hash deduplication,
// and media metadata capture. It creates rows and stores bytes; all
// later status mutations belong to the lifecycle manager.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skald-media/skald/internal/blob"
	"github.com/skald-media/skald/internal/hashid"
	"github.com/skald-media/skald/internal/lifecycle"
	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/metrics"
	"github.com/skald-media/skald/internal/model"
	"github.com/skald-media/skald/internal/pipeline"
	"github.com/skald-media/skald/internal/probe"
	"github.com/skald-media/skald/internal/store"
)

// Blob writes ride out short storage blips before the upload is failed
// back to the client.
const (
	putAttempts  = 3
	putRetryBase = 250 * time.Millisecond
	putRetryMax  = 2 * time.Second
)

var (
	// ErrInvalidHash rejects prepare requests with a malformed content hash.
	ErrInvalidHash = errors.New("invalid content hash")
	// ErrHashMismatch means the uploaded bytes do not match the claimed
	// hash. The prepared row is deleted; the client must re-prepare.
	ErrHashMismatch = errors.New("uploaded bytes do not match the declared hash")
	// ErrAlreadyUploaded guards against double upload for one prepare.
	ErrAlreadyUploaded = errors.New("file already has stored bytes")
)

// Coordinator wires the two ingestion paths.
type Coordinator struct {
	Store     *store.Store
	Blob      blob.Store
	Lifecycle *lifecycle.Manager
	TempDir   string

	// ProbeFile is swappable in tests; defaults to probe.File.
	ProbeFile func(ctx context.Context, path string) (probe.Metadata, error)
}

// PrepareRequest is the client's declaration of the file it will send.
type PrepareRequest struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	ContentHash string `json:"content_hash"`
}

// PrepareResult resolves the handshake: either an existing file or a
// fresh Pending row awaiting bytes.
type PrepareResult struct {
	FileID      int64  `json:"file_id"`
	UUID        string `json:"uuid"`
	IsDuplicate bool   `json:"is_duplicate"`
}

// Prepare resolves (owner, content_hash) to a file row, creating one in
// Pending when the content is new. Concurrent identical prepares both
// see the duplicate outcome: the loser of the unique-constraint race
// recovers the winner's row.
func (c *Coordinator) Prepare(ctx context.Context, ownerID int64, req PrepareRequest) (*PrepareResult, error) {
	if !hashid.Valid(req.ContentHash) {
		return nil, ErrInvalidHash
	}

	if existing, err := c.Store.FindByOwnerHash(ctx, ownerID, req.ContentHash); err == nil {
		metrics.IngestDedupTotal.Inc()
		return &PrepareResult{FileID: existing.ID, UUID: existing.UUID, IsDuplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	fileUUID := uuid.NewString()
	f := &model.MediaFile{
		UUID:        fileUUID,
		OwnerID:     ownerID,
		DisplayName: safeFilename(req.Filename),
		ContentHash: req.ContentHash,
		SizeBytes:   req.Size,
		ContentType: req.ContentType,
		MimeClass:   MimeClassOf(req.ContentType),
		StoragePath: blob.Key(ownerID, fileUUID, blob.RoleOriginal),
	}
	err := c.Store.CreateFile(ctx, f)
	if errors.Is(err, store.ErrConflict) {
		existing, ferr := c.Store.FindByOwnerHash(ctx, ownerID, req.ContentHash)
		if ferr != nil {
			return nil, ferr
		}
		metrics.IngestDedupTotal.Inc()
		return &PrepareResult{FileID: existing.ID, UUID: existing.UUID, IsDuplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	logger := log.WithComponentFromContext(ctx, "ingest")
	logger.Info().
		Int64(log.FieldFileID, f.ID).
		Str(log.FieldHash, req.ContentHash).
		Int64("size", req.Size).
		Msg("file prepared")
	return &PrepareResult{FileID: f.ID, UUID: f.UUID, IsDuplicate: false}, nil
}

// Upload receives the prepared file's bytes: spool, verify the hash,
// store, probe, persist metadata, and hand off to transcription. On a
// hash mismatch the prepared row is deleted and the client starts over.
func (c *Coordinator) Upload(ctx context.Context, fileID int64, claimedHash string, body io.Reader) (*model.MediaFile, error) {
	logger := log.WithComponentFromContext(ctx, "ingest")

	file, err := c.Store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.BlobStored {
		return nil, ErrAlreadyUploaded
	}
	if claimedHash != "" && claimedHash != file.ContentHash {
		return nil, ErrHashMismatch
	}

	tmp, err := os.CreateTemp(c.TempDir, "skald-upload-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	written, err := io.Copy(tmp, body)
	if err != nil {
		return nil, fmt.Errorf("ingest: receive upload: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	observed, err := hashid.Digest(tmp, written)
	if err != nil {
		return nil, err
	}
	if observed != file.ContentHash {
		// The prepared identity is wrong; remove it so a correct
		// prepare is not shadowed by this row.
		if derr := c.Store.DeleteFile(ctx, file.ID); derr != nil {
			logger.Warn().Err(derr).Int64(log.FieldFileID, file.ID).Msg("mismatch cleanup failed")
		}
		logger.Warn().
			Int64(log.FieldFileID, file.ID).
			Str("declared", file.ContentHash).
			Str("observed", observed).
			Msg("upload hash mismatch")
		return nil, ErrHashMismatch
	}

	if err := blob.Retry(ctx, putAttempts, putRetryBase, putRetryMax, func() error {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return c.Blob.Put(ctx, file.StoragePath, tmp, written, file.ContentType)
	}); err != nil {
		return nil, fmt.Errorf("ingest: store upload: %w", err)
	}
	metrics.IngestBytesTotal.Add(float64(written))

	meta := c.probeMeta(ctx, tmp.Name())
	updated, err := c.finishIngest(ctx, file.ID, func(f *model.MediaFile) {
		f.SizeBytes = written
		applyProbe(f, meta)
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.Lifecycle.Enqueue(ctx, updated, model.KindTranscription, nil); err != nil {
		return nil, err
	}
	logger.Info().
		Int64(log.FieldFileID, updated.ID).
		Int64("size", written).
		Msg("upload stored")
	return updated, nil
}

// IngestURL creates a Pending row for a remote resource and enqueues
// the download job. The row's content hash is a placeholder until the
// download pipeline hashes the fetched bytes.
func (c *Coordinator) IngestURL(ctx context.Context, ownerID int64, rawURL string) (*model.MediaFile, error) {
	fileUUID := uuid.NewString()
	f := &model.MediaFile{
		UUID:        fileUUID,
		OwnerID:     ownerID,
		DisplayName: displayNameFromURL(rawURL),
		ContentHash: "url-pending-" + fileUUID,
		ContentType: "application/octet-stream",
		MimeClass:   model.MimeOther,
		SourceURL:   rawURL,
		StoragePath: blob.Key(ownerID, fileUUID, blob.RoleOriginal),
	}
	if err := c.Store.CreateFile(ctx, f); err != nil {
		return nil, err
	}
	if _, err := c.Lifecycle.Enqueue(ctx, f, model.KindURLIngest, map[string]string{
		model.PayloadURL: rawURL,
	}); err != nil {
		return nil, err
	}
	return f, nil
}

// CompleteDownload rejoins the URL path with the upload path once the
// download pipeline has the bytes on disk. Duplicate content collapses
// onto the existing row and the placeholder disappears.
func (c *Coordinator) CompleteDownload(ctx context.Context, file *model.MediaFile, res *pipeline.DownloadResult) error {
	logger := log.WithComponentFromContext(ctx, "ingest")

	if existing, err := c.Store.FindByOwnerHash(ctx, file.OwnerID, res.Hash); err == nil && existing.ID != file.ID {
		metrics.IngestDedupTotal.Inc()
		if derr := c.Store.DeleteFile(ctx, file.ID); derr != nil {
			return pipeline.Transient(pipeline.StageDownload, "collapse duplicate", derr)
		}
		_, _ = c.Store.UpdateTask(ctx, file.ActiveTaskID, func(t *model.Task) error {
			t.Status = model.TaskSucceeded
			t.Progress = 1
			t.FinishedAt = time.Now()
			return nil
		})
		c.Lifecycle.Notify.Publish(file.OwnerID, model.EventFileDeleted, map[string]any{
			"file_id":      file.ID,
			"duplicate_of": existing.ID,
		}, false)
		logger.Info().
			Int64(log.FieldFileID, file.ID).
			Int64("duplicate_of", existing.ID).
			Msg("downloaded content already known")
		return nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return pipeline.Transient(pipeline.StageDownload, "dedup lookup", err)
	}

	src, err := os.Open(res.Path)
	if err != nil {
		return pipeline.Transient(pipeline.StageDownload, "open download", err)
	}
	defer func() { _ = src.Close() }()

	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := blob.Retry(ctx, putAttempts, putRetryBase, putRetryMax, func() error {
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return c.Blob.Put(ctx, file.StoragePath, src, res.Size, contentType)
	}); err != nil {
		return pipeline.Transient(pipeline.StageDownload, "store download", err)
	}
	metrics.IngestBytesTotal.Add(float64(res.Size))

	meta := c.probeMeta(ctx, res.Path)
	updated, err := c.finishIngest(ctx, file.ID, func(f *model.MediaFile) {
		f.ContentHash = res.Hash
		f.SizeBytes = res.Size
		f.ContentType = contentType
		f.MimeClass = MimeClassOf(contentType)
		if res.Filename != "" {
			f.DisplayName = safeFilename(res.Filename)
		}
		applyProbe(f, meta)
	})
	if err != nil {
		return pipeline.Transient(pipeline.StageDownload, "persist download", err)
	}

	_, _ = c.Store.UpdateTask(ctx, file.ActiveTaskID, func(t *model.Task) error {
		t.Status = model.TaskSucceeded
		t.Progress = 1
		t.FinishedAt = time.Now()
		return nil
	})
	if _, err := c.Lifecycle.Enqueue(ctx, updated, model.KindTranscription, nil); err != nil {
		return pipeline.Transient(pipeline.StageDownload, "enqueue transcription", err)
	}
	return nil
}

// finishIngest marks the bytes stored and returns the row to Pending
// so the transcription claim finds it in the expected state.
func (c *Coordinator) finishIngest(ctx context.Context, fileID int64, mutate func(*model.MediaFile)) (*model.MediaFile, error) {
	return c.Store.UpdateFile(ctx, fileID, func(f *model.MediaFile) error {
		mutate(f)
		f.BlobStored = true
		f.Status = model.StatusPending
		f.ActiveTaskID = ""
		f.Progress = 0
		return nil
	})
}

func (c *Coordinator) probeMeta(ctx context.Context, path string) probe.Metadata {
	probeFn := c.ProbeFile
	if probeFn == nil {
		probeFn = probe.File
	}
	meta, err := probeFn(ctx, path)
	if err != nil {
		// Metadata is best-effort; transcription probes again for the
		// authoritative duration.
		logger := log.WithComponentFromContext(ctx, "ingest")
		logger.Debug().Err(err).Msg("probe failed")
		return probe.Metadata{}
	}
	return meta
}

func applyProbe(f *model.MediaFile, meta probe.Metadata) {
	if meta.DurationSeconds > 0 {
		f.DurationSec = meta.DurationSeconds
	}
	if meta.AudioCodec != "" {
		f.Codec = meta.AudioCodec
	}
	if meta.SampleRate > 0 {
		f.SampleRate = meta.SampleRate
	}
	if meta.Language != "" && f.Language == "" {
		f.Language = meta.Language
	}
	if meta.HasVideo() {
		f.MimeClass = model.MimeVideo
	}
}

// MimeClassOf buckets a content type for queue routing and utility-job
// eligibility.
func MimeClassOf(contentType string) model.MimeClass {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "audio/"):
		return model.MimeAudio
	case strings.HasPrefix(ct, "video/"):
		return model.MimeVideo
	default:
		return model.MimeOther
	}
}

func safeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	return name
}

func displayNameFromURL(rawURL string) string {
	trimmed := strings.TrimSuffix(rawURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 && i+1 < len(trimmed) {
		if name := trimmed[i+1:]; name != "" && !strings.Contains(name, "?") {
			return name
		}
	}
	return rawURL
}
