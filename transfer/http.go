package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const userAgent = "grab/1.0"

// StatusError is returned when the server answers with a status that is neither a
// success nor a partial content response.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response downloading %s: %s", e.URL, e.Status)
}

// HTTP downloads assets with net/http, resuming partial files and revalidating
// previously downloaded ones through their entity tag.
type HTTP struct {
	client *http.Client
}

// NewHTTP returns the native strategy; a nil client falls back to a client with
// sensible connection limits.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &HTTP{client: client}
}

func (h *HTTP) Fetch(ctx context.Context, req Request) error {
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return eris.Wrapf(err, "failed to create directory for %s", req.Path)
	}
	return h.fetch(ctx, req, true)
}

// fetch performs one request. A stored entity tag is only trusted while a local
// file exists; it revalidates a complete file through If-None-Match and guards a
// resume through If-Range, so a changed remote file is downloaded whole.
func (h *HTTP) fetch(ctx context.Context, req Request, conditional bool) error {
	existing := size(req.Path)

	var etag string
	if conditional && existing > 0 {
		etag = req.etag(ctx)
	}

	httpreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return eris.Wrapf(err, "failed to build request for %s", req.URL)
	}
	httpreq.Header.Set("User-Agent", userAgent)
	if existing > 0 {
		httpreq.Header.Set("Range", fmt.Sprintf("bytes=%d-", existing))
	}
	if etag != "" {
		// a file short of the published size is resumed, never revalidated
		if req.Size <= 0 || existing >= req.Size {
			httpreq.Header.Set("If-None-Match", etag)
		}
		httpreq.Header.Set("If-Range", etag)
	}

	resp, err := h.client.Do(httpreq)
	if err != nil {
		return eris.Wrapf(err, "failed to download %s", req.URL)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		if existing = size(req.Path); existing == 0 {
			if !conditional {
				return &StatusError{URL: req.URL, Code: resp.StatusCode, Status: resp.Status}
			}
			zap.L().Debug("not modified but nothing cached, downloading again", zap.String("asset", req.Name))
			resp.Body.Close()
			return h.fetch(ctx, req, false)
		}
		zap.L().Debug("asset not modified", zap.String("asset", req.Name))
		req.progress(existing, existing)
		return nil

	case http.StatusRequestedRangeNotSatisfiable:
		// the local file already holds every byte, only the entity tag is refreshed
		zap.L().Debug("range not satisfiable, refreshing etag", zap.String("asset", req.Name))
		if err := h.refresh(ctx, req); err != nil {
			zap.L().Warn("failed to refresh etag", zap.String("asset", req.Name), zap.Error(err))
		}
		req.progress(existing, existing)
		return nil

	case http.StatusOK, http.StatusPartialContent:

	default:
		return &StatusError{URL: req.URL, Code: resp.StatusCode, Status: resp.Status}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resp.StatusCode == http.StatusPartialContent {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	} else {
		existing = 0
		// the stored tag no longer describes what is on disk
		if etag != "" {
			if err := req.resetetag(ctx); err != nil {
				zap.L().Warn("failed to reset etag", zap.String("asset", req.Name), zap.Error(err))
			}
		}
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = existing + resp.ContentLength
	}

	out, err := os.OpenFile(req.Path, flags, 0o644)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", req.Path)
	}
	defer out.Close()

	req.progress(existing, total)

	counter := &progressWriter{loaded: existing, total: total, report: req.progress}
	if _, err := io.Copy(out, io.TeeReader(resp.Body, counter)); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return eris.Wrapf(err, "failed to write %s", req.Path)
	}
	if err := out.Close(); err != nil {
		return eris.Wrapf(err, "failed to write %s", req.Path)
	}

	// only a complete file is worth revalidating later
	if err := req.saveetag(ctx, resp.Header.Get("ETag")); err != nil {
		zap.L().Warn("failed to store etag", zap.String("asset", req.Name), zap.Error(err))
	}

	return nil
}

func size(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// refresh stores the entity tag of the remote file without downloading it.
func (h *HTTP) refresh(ctx context.Context, req Request) error {
	httpreq, err := http.NewRequestWithContext(ctx, http.MethodHead, req.URL, nil)
	if err != nil {
		return eris.Wrapf(err, "failed to build head request for %s", req.URL)
	}
	httpreq.Header.Set("User-Agent", userAgent)

	resp, err := h.client.Do(httpreq)
	if err != nil {
		return eris.Wrapf(err, "head %s", req.URL)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{URL: req.URL, Code: resp.StatusCode, Status: resp.Status}
	}

	return req.saveetag(ctx, resp.Header.Get("ETag"))
}

type progressWriter struct {
	loaded int64
	total  int64
	report func(loaded, total int64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.loaded += int64(len(p))
	if w.report != nil {
		w.report(w.loaded, w.total)
	}
	return len(p), nil
}
