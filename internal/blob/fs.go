// SPDX-License-Identifier: MIT

package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// FSStore stores blobs under a root directory on the local filesystem.
// Put stages through a temp file and renames, so readers never observe
// a partial object under its key. Object metadata lives in a sidecar.
type FSStore struct {
	Root string
}

type fsMeta struct {
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &FSStore{Root: root}, nil
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", storageErr(KindCorrupt, key, errors.New("unsafe key"))
	}
	return filepath.Join(s.Root, clean), nil
}

func (s *FSStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return storageErr(KindTransient, key, err)
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return storageErr(KindTransient, key, err)
	}

	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o640))
	if err != nil {
		return storageErr(KindTransient, key, err)
	}
	defer func() { _ = pf.Cleanup() }()

	written, err := io.Copy(pf, r)
	if err != nil {
		return storageErr(KindTransient, key, err)
	}
	if size >= 0 && written != size {
		return storageErr(KindCorrupt, key, fmt.Errorf("wrote %d bytes, expected %d", written, size))
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return storageErr(KindTransient, key, err)
	}

	meta, _ := json.Marshal(fsMeta{Size: written, ContentType: contentType})
	if err := renameio.WriteFile(path+".meta", meta, 0o640); err != nil {
		return storageErr(KindTransient, key, err)
	}
	return nil
}

func (s *FSStore) stat(key string) (string, fsMeta, error) {
	path, err := s.path(key)
	if err != nil {
		return "", fsMeta{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fsMeta{}, storageErr(KindNotFound, key, err)
		}
		return "", fsMeta{}, storageErr(KindTransient, key, err)
	}
	meta := fsMeta{Size: fi.Size(), ContentType: "application/octet-stream"}
	if raw, err := os.ReadFile(path + ".meta"); err == nil {
		_ = json.Unmarshal(raw, &meta)
		meta.Size = fi.Size()
	}
	return path, meta, nil
}

func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, Info{}, storageErr(KindTransient, key, err)
	}
	path, meta, err := s.stat(key)
	if err != nil {
		return nil, Info{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, Info{}, storageErr(KindTransient, key, err)
	}
	return f, Info{Size: meta.Size, ContentType: meta.ContentType}, nil
}

func (s *FSStore) Stream(ctx context.Context, key string, start, end int64) (io.ReadCloser, ByteRange, error) {
	if err := ctx.Err(); err != nil {
		return nil, ByteRange{}, storageErr(KindTransient, key, err)
	}
	path, meta, err := s.stat(key)
	if err != nil {
		return nil, ByteRange{}, err
	}
	if start < 0 || start >= meta.Size {
		return nil, ByteRange{}, storageErr(KindCorrupt, key, fmt.Errorf("range start %d out of [0,%d)", start, meta.Size))
	}
	if end < 0 || end >= meta.Size {
		end = meta.Size - 1
	}
	if end < start {
		return nil, ByteRange{}, storageErr(KindCorrupt, key, fmt.Errorf("range end %d before start %d", end, start))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, ByteRange{}, storageErr(KindTransient, key, err)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, ByteRange{}, storageErr(KindTransient, key, err)
	}
	rng := ByteRange{Start: start, End: end, Total: meta.Size}
	return &limitedFile{f: f, remaining: end - start + 1}, rng, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return storageErr(KindTransient, key, err)
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	// Deletion is idempotent: an absent key is a no-op success.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return storageErr(KindTransient, key, err)
	}
	_ = os.Remove(path + ".meta")
	return nil
}

// PresignGet is not supported by the filesystem backend; callers fall
// back to streaming through the process.
func (s *FSStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "", storageErr(KindAuthDenied, key, errors.ErrUnsupported)
}

type limitedFile struct {
	f         *os.File
	remaining int64
}

func (l *limitedFile) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.f.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedFile) Close() error { return l.f.Close() }

var _ Store = (*FSStore)(nil)
