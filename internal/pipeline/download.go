// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/skald-media/skald/internal/hashid"
)

// FetchInfo describes the remote resource as reported by its server.
type FetchInfo struct {
	Filename    string
	ContentType string
	Size        int64 // -1 when unknown
}

// Fetcher retrieves remote media for URL ingest.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, FetchInfo, error)
}

// HTTPFetcher is the production Fetcher with a download size cap.
type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64 // 0 means no cap
}

func NewHTTPFetcher(maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		Client:   &http.Client{Timeout: 30 * time.Minute},
		MaxBytes: maxBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, FetchInfo, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, FetchInfo{}, BadInput(StageDownload, fmt.Sprintf("unsupported url %q", rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, FetchInfo{}, BadInput(StageDownload, fmt.Sprintf("invalid url: %v", err))
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, FetchInfo{}, Transient(StageDownload, "fetch url", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, FetchInfo{}, Transient(StageDownload, fmt.Sprintf("server returned %d", resp.StatusCode), nil)
		}
		return nil, FetchInfo{}, BadInput(StageDownload, fmt.Sprintf("url returned %d", resp.StatusCode))
	}

	info := FetchInfo{
		Filename:    filenameFrom(resp, u),
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}
	body := resp.Body
	if f.MaxBytes > 0 {
		body = &cappedReader{rc: resp.Body, remaining: f.MaxBytes}
	}
	return body, info, nil
}

// cappedReader fails the download once the size cap is crossed instead
// of silently truncating the media.
type cappedReader struct {
	rc        io.ReadCloser
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, fmt.Errorf("download exceeds size limit")
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.rc.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, fmt.Errorf("download exceeds size limit")
	}
	return n, err
}

func (c *cappedReader) Close() error { return c.rc.Close() }

func filenameFrom(resp *http.Response, u *url.URL) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
		return name
	}
	return "download"
}

// DownloadResult hands the fetched bytes to the ingestion path. The
// caller owns the temp file and must invoke Cleanup.
type DownloadResult struct {
	Path        string
	Cleanup     func()
	Hash        string
	Size        int64
	Filename    string
	ContentType string
}

// Download is the URL-ingest pipeline: fetch to a temp file, hash, and
// hand off. Storage and dedup happen in the ingestion coordinator so
// the local-upload and URL paths stay identical from there on.
type Download struct {
	Fetcher Fetcher
	TempDir string
}

func (d *Download) Run(ctx context.Context, req *Request) (*DownloadResult, error) {
	rawURL := req.Job.Payload["url"]
	if rawURL == "" {
		return nil, BadInput(StageDownload, "job carries no url")
	}

	req.progress(StageDownload, 0.05, "fetching "+rawURL)
	body, info, err := d.Fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	if err := req.checkpoint(ctx, StageDownload); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(d.TempDir, "skald-download-*")
	if err != nil {
		return nil, Transient(StageDownload, "create temp file", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	written, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		cleanup()
		if ctx.Err() != nil {
			return nil, Aborted(StageDownload)
		}
		return nil, Transient(StageDownload, "download body", err)
	}
	if written == 0 {
		_ = tmp.Close()
		cleanup()
		return nil, BadInput(StageDownload, "url returned an empty body")
	}

	req.progress(StageDownload, 0.80, "hashing")
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = tmp.Close()
		cleanup()
		return nil, Transient(StageDownload, "rewind temp file", err)
	}
	hash, err := hashid.Digest(tmp, written)
	if err != nil {
		_ = tmp.Close()
		cleanup()
		return nil, Transient(StageDownload, "hash download", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return nil, Transient(StageDownload, "close temp file", err)
	}

	req.progress(StageDownload, 0.95, "")
	return &DownloadResult{
		Path:        tmp.Name(),
		Cleanup:     cleanup,
		Hash:        hash,
		Size:        written,
		Filename:    info.Filename,
		ContentType: info.ContentType,
	}, nil
}
