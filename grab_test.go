package grab

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aexvir/grab/plugin"
	"github.com/aexvir/grab/release"
	"github.com/aexvir/grab/transfer"
	"github.com/aexvir/grab/verify"
)

// MockProvider is a testify mock implementation of release.Provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) LatestTag(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) ResolveAssets(ctx context.Context, tag string, requests []release.AssetRequest) ([]release.ResolvedAsset, error) {
	args := m.Called(ctx, tag, requests)
	resolved, _ := args.Get(0).([]release.ResolvedAsset)
	return resolved, args.Error(1)
}

func (m *MockProvider) ReleaseInfo(ctx context.Context, tag string) (*release.Manifest, error) {
	args := m.Called(ctx, tag)
	manifest, _ := args.Get(0).(*release.Manifest)
	return manifest, args.Error(1)
}

// provider resolves the requests against the manifest up front and serves the result.
func provider(t *testing.T, manifest *release.Manifest, requests []release.AssetRequest) *MockProvider {
	t.Helper()

	resolved, err := release.ResolveAll(manifest, requests)
	require.NoError(t, err)

	p := &MockProvider{}
	p.On("ResolveAssets", mock.Anything, manifest.Tag, mock.Anything).Return(resolved, nil)
	return p
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func entry(name string, data []byte) release.Entry {
	return release.Entry{
		Name:   name,
		URL:    "https://github.com/acme/tool/releases/download/v1.0.0/" + name,
		Size:   int64(len(data)),
		Digest: sha(data),
	}
}

func targz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o755,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

// writer is a transfer handler serving fixed contents by asset name.
func writer(contents map[string][]byte) transfer.Handler {
	return func(_ context.Context, req transfer.Request) error {
		data := contents[req.Name]
		if err := os.WriteFile(req.Path, data, 0o644); err != nil {
			return err
		}
		req.Progress(int64(len(data)), int64(len(data)))
		return nil
	}
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) emit(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State{}, r.states...)
}

func (r *recorder) of(filename string) []State {
	var states []State
	for _, state := range r.all() {
		if state.Filename == filename {
			states = append(states, state)
		}
	}
	return states
}

func (r *recorder) statuses(filename string) []Status {
	var statuses []Status
	for _, state := range r.of(filename) {
		statuses = append(statuses, state.Status)
	}
	return statuses
}

// etags is an in memory cache hook backend.
type etags struct {
	mu     sync.Mutex
	values map[string]string
	resets []string
}

func (e *etags) hooks() Hooks {
	return Hooks{
		GetAssetCache: func(_ context.Context, asset DownloadAsset) (CacheRecord, error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			return CacheRecord{ETag: e.values[asset.CacheKey()]}, nil
		},
		SetAssetCache: func(_ context.Context, asset DownloadAsset, record CacheRecord) error {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.values == nil {
				e.values = map[string]string{}
			}
			if record.ETag == "" {
				e.resets = append(e.resets, asset.CacheKey())
			}
			e.values[asset.CacheKey()] = record.ETag
			return nil
		},
	}
}

func TestNew(t *testing.T) {
	t.Run("requires a provider", func(t *testing.T) {
		_, err := New(nil, nil)
		assert.Error(t, err)
	})

	t.Run("custom mode without handler", func(t *testing.T) {
		_, err := New(&MockProvider{}, nil, WithMode(transfer.Custom(nil)))
		assert.Error(t, err)
	})

	t.Run("missing download program is reported upfront", func(t *testing.T) {
		_, err := New(
			&MockProvider{},
			nil,
			WithMode(transfer.CommandArgs("grab-missing-downloader", "$DOWNLOAD_URL")),
		)

		var missing *transfer.MissingDependencyError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "grab-missing-downloader", missing.Command)
	})

	t.Run("defaults", func(t *testing.T) {
		d, err := New(&MockProvider{}, nil)
		require.NoError(t, err)

		assert.Equal(t, release.Latest, d.tag)
		assert.Equal(t, DefaultConcurrency, d.concurrency)
		assert.Equal(t, time.Second, d.retrydelay)
		assert.Equal(t, "native", d.mode.String())
		assert.False(t, d.proxy.enabled())
	})

	t.Run("invalid concurrency is ignored", func(t *testing.T) {
		d, err := New(&MockProvider{}, nil, WithConcurrency(0))
		require.NoError(t, err)
		assert.Equal(t, DefaultConcurrency, d.concurrency)
	})
}

func TestDownloader_Run_MissingTag(t *testing.T) {
	p := &MockProvider{}

	d, err := New(p, nil, WithTag(""), WithCacheDir(t.TempDir()))
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	assert.ErrorIs(t, err, ErrMissingTag)
	p.AssertNotCalled(t, "LatestTag", mock.Anything)
	p.AssertNotCalled(t, "ResolveAssets", mock.Anything, mock.Anything, mock.Anything)
}

func TestDownloader_Run_LatestTag(t *testing.T) {
	data := []byte("tool binary")
	manifest := &release.Manifest{Tag: "v1.2.0", Entries: []release.Entry{entry("tool", data)}}
	requests := []release.AssetRequest{{Match: release.Exact("tool")}}

	p := provider(t, manifest, requests)
	p.On("LatestTag", mock.Anything).Return("v1.2.0", nil)

	var fetched []string
	d, err := New(
		p,
		requests,
		WithCacheDir(t.TempDir()),
		WithMode(transfer.Custom(writer(map[string][]byte{"tool": data}))),
		WithHooks(Hooks{
			OnTagFetched: func(_ context.Context, tag string) error {
				fetched = append(fetched, tag)
				return nil
			},
		}),
	)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"v1.2.0"}, fetched)
	assert.Len(t, result.Succeeded, 1)
	p.AssertExpectations(t)
}

func TestDownloader_Run_Abort(t *testing.T) {
	t.Run("unresolvable asset", func(t *testing.T) {
		rec := &recorder{}
		p := &MockProvider{}
		p.On("ResolveAssets", mock.Anything, "v1.0.0", mock.Anything).
			Return(nil, &release.ResolutionError{Tag: "v1.0.0", Match: release.Exact("nope")})

		d, err := New(p, nil, WithTag("v1.0.0"), WithCacheDir(t.TempDir()), WithEmitter(rec.emit))
		require.NoError(t, err)

		_, err = d.Run(context.Background())

		var resolution *release.ResolutionError
		assert.ErrorAs(t, err, &resolution)
		assert.Empty(t, rec.all())
	})

	t.Run("tag hook failure", func(t *testing.T) {
		p := &MockProvider{}

		d, err := New(
			p,
			nil,
			WithTag("v1.0.0"),
			WithCacheDir(t.TempDir()),
			WithHooks(Hooks{OnTagFetched: func(context.Context, string) error { return errors.New("boom") }}),
		)
		require.NoError(t, err)

		_, err = d.Run(context.Background())
		assert.ErrorContains(t, err, "boom")
		p.AssertNotCalled(t, "ResolveAssets", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestDownloader_Run_PendingFirst(t *testing.T) {
	contents := map[string][]byte{}
	manifest := &release.Manifest{Tag: "v1.0.0"}
	var requests []release.AssetRequest
	for _, name := range []string{"a.bin", "b.bin", "c.bin", "d.bin", "e.bin"} {
		contents[name] = []byte("contents of " + name)
		manifest.Entries = append(manifest.Entries, entry(name, contents[name]))
		requests = append(requests, release.AssetRequest{Match: release.Exact(name)})
	}

	rec := &recorder{}
	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithConcurrency(2),
		WithMode(transfer.Custom(writer(contents))),
		WithEmitter(rec.emit),
	)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 5)

	states := rec.all()
	require.NotEmpty(t, states)

	for i := range 5 {
		assert.Equal(t, StatusPending, states[i].Status)
	}
	for _, state := range states[5:] {
		assert.NotEqual(t, StatusPending, state.Status)
	}
	assert.Equal(t, StatusDone, states[len(states)-1].Status)

	for name, data := range contents {
		statuses := rec.statuses(name)
		assert.Equal(t, StatusSucceeded, statuses[len(statuses)-1], name)

		final := rec.of(name)[len(statuses)-1]
		assert.Equal(t, int64(len(data)), final.Loaded)
		assert.Equal(t, int64(len(data)), final.Total)
	}
}

func TestDownloader_Run_Concurrency(t *testing.T) {
	const assets, workers = 8, 3

	manifest := &release.Manifest{Tag: "v1.0.0"}
	var requests []release.AssetRequest
	for i := range assets {
		name := "asset-" + string(rune('a'+i)) + ".bin"
		manifest.Entries = append(manifest.Entries, entry(name, []byte(name)))
		requests = append(requests, release.AssetRequest{Match: release.Exact(name)})
	}

	var (
		active, peak atomic.Int32
		mu           sync.Mutex
		calls        = map[string]int{}
	)

	handler := func(_ context.Context, req transfer.Request) error {
		current := active.Add(1)
		defer active.Add(-1)
		for {
			prev := peak.Load()
			if current <= prev || peak.CompareAndSwap(prev, current) {
				break
			}
		}

		mu.Lock()
		calls[req.Name]++
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)
		return os.WriteFile(req.Path, []byte(req.Name), 0o644)
	}

	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithConcurrency(workers),
		WithMode(transfer.Custom(handler)),
	)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, result.Succeeded, assets)
	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Len(t, calls, assets)
	for name, count := range calls {
		assert.Equal(t, 1, count, name)
	}
}

func TestDownloader_Run_RetryCeiling(t *testing.T) {
	manifest := &release.Manifest{Tag: "v1.0.0", Entries: []release.Entry{entry("flaky.bin", []byte("x"))}}
	requests := []release.AssetRequest{{Match: release.Exact("flaky.bin")}}

	var calls atomic.Int32
	handler := func(context.Context, transfer.Request) error {
		calls.Add(1)
		return errors.New("connection reset by peer")
	}

	rec := &recorder{}
	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithRetryDelay(0),
		WithMode(transfer.Custom(handler)),
		WithEmitter(rec.emit),
	)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection reset by peer")
	assert.Len(t, result.Failed, 1)
	assert.Equal(t, int32(MaxRetries+1), calls.Load())

	var counts []int
	for _, state := range rec.of("flaky.bin") {
		if state.Status == StatusRetrying {
			counts = append(counts, state.RetryCount)
			assert.Error(t, state.Err)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, counts)

	statuses := rec.statuses("flaky.bin")
	assert.Equal(t, StatusFailed, statuses[len(statuses)-1])
}

func TestDownloader_Run_RetryRecovers(t *testing.T) {
	data := []byte("eventually")
	manifest := &release.Manifest{Tag: "v1.0.0", Entries: []release.Entry{entry("tool", data)}}
	requests := []release.AssetRequest{{Match: release.Exact("tool")}}

	var calls atomic.Int32
	handler := func(ctx context.Context, req transfer.Request) error {
		if calls.Add(1) < 3 {
			return errors.New("timeout")
		}
		return writer(map[string][]byte{"tool": data})(ctx, req)
	}

	rec := &recorder{}
	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithRetryDelay(time.Millisecond),
		WithMode(transfer.Custom(handler)),
		WithEmitter(rec.emit),
	)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 1)

	assert.Equal(t, []Status{
		StatusPending,
		StatusDownloading,
		StatusRetrying,
		StatusDownloading,
		StatusRetrying,
		StatusDownloading,
		StatusDownloading,
		StatusVerifying,
		StatusSucceeded,
	}, rec.statuses("tool"))
}

func TestDownloader_Run_Cancelled(t *testing.T) {
	manifest := &release.Manifest{Tag: "v1.0.0", Entries: []release.Entry{entry("tool", []byte("x"))}}
	requests := []release.AssetRequest{{Match: release.Exact("tool")}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	handler := func(ctx context.Context, _ transfer.Request) error {
		calls.Add(1)
		cancel()
		return ctx.Err()
	}

	rec := &recorder{}
	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithRetryDelay(0),
		WithMode(transfer.Custom(handler)),
		WithEmitter(rec.emit),
	)
	require.NoError(t, err)

	_, err = d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
	assert.NotContains(t, rec.statuses("tool"), StatusRetrying)
}

func TestDownloader_Run_SkipDownload(t *testing.T) {
	manifest := &release.Manifest{Tag: "v1.0.0", Entries: []release.Entry{entry("tool", []byte("x"))}}
	target := filepath.Join(t.TempDir(), "bin", "tool")
	requests := []release.AssetRequest{{Match: release.Exact("tool"), TargetPath: target}}

	var calls atomic.Int32
	handler := func(context.Context, transfer.Request) error {
		calls.Add(1)
		return nil
	}

	rec := &recorder{}
	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithSkipDownload(true),
		WithMode(transfer.Custom(handler)),
		WithEmitter(rec.emit),
	)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, result.Skipped, 1)
	assert.Equal(t, []Status{StatusPending, StatusSkipped}, rec.statuses("tool"))
	assert.Zero(t, calls.Load())
	assert.NoFileExists(t, target)
}

func TestDownloader_Run_NoDigest(t *testing.T) {
	data := []byte("unverified")
	unpublished := entry("tool", data)
	unpublished.Digest = ""

	manifest := &release.Manifest{Tag: "v1.0.0", Entries: []release.Entry{unpublished}}
	requests := []release.AssetRequest{{Match: release.Exact("tool")}}

	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithMode(transfer.Custom(writer(map[string][]byte{"tool": data}))),
	)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Succeeded, 1)
	assert.FileExists(t, result.Succeeded[0].Path)
}

func TestDownloader_Run_PluginFailure(t *testing.T) {
	data := []byte("plain file")
	manifest := &release.Manifest{Tag: "v1.0.0", Entries: []release.Entry{entry("tool", data)}}
	requests := []release.AssetRequest{{
		Match:   release.Exact("tool"),
		Plugins: []plugin.Step{plugin.Extract(""), plugin.Copy("missing", filepath.Join(t.TempDir(), "out"))},
	}}

	var completed atomic.Int32
	rec := &recorder{}
	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithMode(transfer.Custom(writer(map[string][]byte{"tool": data}))),
		WithEmitter(rec.emit),
		WithHooks(Hooks{
			OnAssetDownloadComplete: func(context.Context, DownloadAsset) error {
				completed.Add(1)
				return nil
			},
		}),
	)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.Error(t, err)
	assert.Len(t, result.Failed, 1)
	assert.Zero(t, completed.Load())

	states := rec.of("tool")
	final := states[len(states)-1]
	assert.Equal(t, StatusFailed, final.Status)

	var notfound *plugin.NotFoundError
	assert.ErrorAs(t, final.Err, &notfound)
}

// releaseserver serves release assets over http, recording the requests.
type releaseserver struct {
	mu       sync.Mutex
	files    map[string][]byte
	requests []*http.Request
	serve    func(name string, hit int) []byte
}

func (s *releaseserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Clone(context.Background()))
	hit := len(s.requests)
	s.mu.Unlock()

	name := filepath.Base(r.URL.Path)
	data, ok := s.files[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if s.serve != nil {
		data = s.serve(name, hit)
	}

	w.Header().Set("ETag", `"`+sha(data)[7:23]+`"`)
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

func (s *releaseserver) gets() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gets []*http.Request
	for _, r := range s.requests {
		if r.Method == http.MethodGet {
			gets = append(gets, r)
		}
	}
	return gets
}

func (s *releaseserver) manifest(url string, names ...string) *release.Manifest {
	manifest := &release.Manifest{Tag: "v1.0.0"}
	for _, name := range names {
		e := entry(name, s.files[name])
		e.URL = url + "/download/v1.0.0/" + name
		manifest.Entries = append(manifest.Entries, e)
	}
	return manifest
}

func TestDownloader_ExtractAndCopy(t *testing.T) {
	archive := targz(t, map[string]string{
		"tool":      "#!/bin/sh\necho tool\n",
		"README.md": "docs",
	})

	files := &releaseserver{files: map[string][]byte{
		"tool-darwin-arm64.tar.gz": []byte("not this one"),
		"tool-linux-x64.tar.gz":    archive,
	}}
	server := httptest.NewServer(files)
	defer server.Close()

	target := filepath.Join(t.TempDir(), "bin", "tool")
	requests := []release.AssetRequest{{
		Match:      release.Keywords("linux", "x64"),
		Plugins:    []plugin.Step{plugin.Extract(""), plugin.Copy("tool", target)},
		TargetPath: target,
	}}
	manifest := files.manifest(server.URL, "tool-darwin-arm64.tar.gz", "tool-linux-x64.tar.gz")

	store := &etags{}
	hooks := store.hooks()
	var completed []string
	hooks.OnAssetDownloadComplete = func(_ context.Context, asset DownloadAsset) error {
		completed = append(completed, asset.FileName)
		return nil
	}

	rec := &recorder{}
	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithHTTPClient(server.Client()),
		WithEmitter(rec.emit),
		WithHooks(hooks),
	)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Succeeded, 1)

	asset := result.Succeeded[0]
	assert.Equal(t, "tool-linux-x64.tar.gz", asset.FileName)
	assert.Equal(t, []string{"tool-linux-x64.tar.gz"}, completed)
	assert.NotEmpty(t, store.values[asset.CacheKey()])

	contents, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho tool\n", string(contents))

	assert.Equal(t, []Status{
		StatusPending,
		StatusDownloading,
		StatusDownloading,
		StatusVerifying,
		StatusSucceeded,
	}, compact(rec.statuses("tool-linux-x64.tar.gz")))

	// a second run revalidates the cached file instead of downloading it again
	_, err = d.Run(context.Background())
	require.NoError(t, err)

	gets := files.gets()
	require.Len(t, gets, 2)
	assert.NotEmpty(t, gets[1].Header.Get("If-None-Match"))
}

// compact collapses consecutive progress updates into two entries at most.
func compact(statuses []Status) []Status {
	var out []Status
	for i, status := range statuses {
		if i >= 2 && status == StatusDownloading && statuses[i-1] == StatusDownloading && statuses[i-2] == StatusDownloading {
			continue
		}
		out = append(out, status)
	}
	return out
}

func TestDownloader_InterruptedDownloadResumes(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 1250)
	cut := 7000

	files := &releaseserver{files: map[string][]byte{"tool.bin": data}}
	var dropped sync.Once
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				first := false
				dropped.Do(func() { first = true })
				if !first {
					files.ServeHTTP(w, r)
					return
				}

				// the first transfer stalls halfway with the final etag already sent
				w.Header().Set("ETag", `"`+sha(data)[7:23]+`"`)
				w.Header().Set("Content-Length", strconv.Itoa(len(data)))
				w.WriteHeader(http.StatusOK)
				w.Write(data[:cut])
				w.(http.Flusher).Flush()
				<-r.Context().Done()
			},
		),
	)
	defer server.Close()

	requests := []release.AssetRequest{{Match: release.Exact("tool.bin")}}
	manifest := files.manifest(server.URL, "tool.bin")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &etags{}
	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithHTTPClient(server.Client()),
		WithHooks(store.hooks()),
		WithEmitter(func(state State) {
			if state.Status == StatusDownloading && state.Loaded >= int64(cut) {
				cancel()
			}
		}),
	)
	require.NoError(t, err)

	_, err = d.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.values, "an interrupted transfer stores no etag")

	result, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Succeeded, 1)

	gets := files.gets()
	require.Len(t, gets, 1)
	assert.Equal(t, "bytes=7000-", gets[0].Header.Get("Range"))
	assert.Empty(t, gets[0].Header.Get("If-None-Match"))

	asset := result.Succeeded[0]
	info, err := os.Stat(asset.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size())
	assert.NoError(t, verify.File(asset.Path, asset.Digest))
	assert.Equal(t, `"`+sha(data)[7:23]+`"`, store.values[asset.CacheKey()])
}

func TestDownloader_ClearedDownloadIsFetchedAgain(t *testing.T) {
	data := []byte("tool binary")

	files := &releaseserver{files: map[string][]byte{"tool.bin": data}}
	server := httptest.NewServer(files)
	defer server.Close()

	requests := []release.AssetRequest{{
		Match:   release.Exact("tool.bin"),
		Plugins: []plugin.Step{plugin.Clear()},
	}}
	manifest := files.manifest(server.URL, "tool.bin")

	store := &etags{}
	rec := &recorder{}
	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithRetryDelay(0),
		WithHTTPClient(server.Client()),
		WithEmitter(rec.emit),
		WithHooks(store.hooks()),
	)
	require.NoError(t, err)

	for run := 1; run <= 2; run++ {
		result, err := d.Run(context.Background())
		require.NoError(t, err, "run %d", run)
		require.Len(t, result.Succeeded, 1, "run %d", run)

		asset := result.Succeeded[0]
		assert.NoFileExists(t, asset.Path, "run %d", run)
		assert.NotEmpty(t, store.values[asset.CacheKey()], "run %d", run)
	}

	gets := files.gets()
	require.Len(t, gets, 2)
	assert.Empty(t, gets[1].Header.Get("If-None-Match"), "nothing left on disk to revalidate")
	assert.NotContains(t, rec.statuses("tool.bin"), StatusRetrying)
	assert.NotContains(t, rec.statuses("tool.bin"), StatusFailed)
}

func TestDownloader_VerificationFailure(t *testing.T) {
	archive := targz(t, map[string]string{"tool": "the real thing"})
	corrupted := append([]byte{}, archive...)
	corrupted[len(corrupted)/2] ^= 0xff

	files := &releaseserver{
		files: map[string][]byte{"tool-linux-x64.tar.gz": archive},
		// the first download gets corrupted in transit
		serve: func(_ string, hit int) []byte {
			if hit == 1 {
				return corrupted
			}
			return archive
		},
	}
	server := httptest.NewServer(files)
	defer server.Close()

	target := filepath.Join(t.TempDir(), "tool")
	requests := []release.AssetRequest{{
		Match:   release.Keywords("linux", "x64"),
		Plugins: []plugin.Step{plugin.Extract(""), plugin.Copy("tool", target)},
	}}
	manifest := files.manifest(server.URL, "tool-linux-x64.tar.gz")

	store := &etags{}
	rec := &recorder{}
	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithHTTPClient(server.Client()),
		WithEmitter(rec.emit),
		WithHooks(store.hooks()),
	)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.VerificationFailed, 1)
	assert.Len(t, files.gets(), 1)
	assert.NoFileExists(t, target)

	name := "tool-linux-x64.tar.gz"
	assert.NotContains(t, rec.statuses(name), StatusRetrying)

	states := rec.of(name)
	parked := states[len(states)-1]
	assert.Equal(t, StatusVerificationFailed, parked.Status)
	assert.Equal(t, manifest.Entries[0].Digest, parked.Digest)

	var mismatch *verify.MismatchError
	require.ErrorAs(t, parked.Err, &mismatch)
	assert.Len(t, mismatch.Actual, len(mismatch.Expected))
	assert.NotEqual(t, mismatch.Expected, mismatch.Actual)

	asset := result.VerificationFailed[0]
	require.NotEmpty(t, store.values[asset.CacheKey()])

	retried, err := d.Resolve(context.Background(), []Decision{{Asset: asset, Action: ActionRetry}})
	require.NoError(t, err)
	assert.Len(t, retried.Succeeded, 1)

	assert.Equal(t, []string{asset.CacheKey()}, store.resets)
	assert.Contains(t, rec.statuses(name), StatusClearingCache)

	gets := files.gets()
	require.Len(t, gets, 2)
	assert.Empty(t, gets[1].Header.Get("If-None-Match"))
	assert.Empty(t, gets[1].Header.Get("Range"))

	contents, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "the real thing", string(contents))

	all := rec.all()
	assert.Equal(t, StatusDone, all[len(all)-1].Status)
}

func TestDownloader_SharedDigest(t *testing.T) {
	archive := targz(t, map[string]string{"tool": "shared"})

	files := &releaseserver{files: map[string][]byte{
		"tool-linux-x64.tar.gz":   archive,
		"tool-linux-amd64.tar.gz": archive,
	}}
	server := httptest.NewServer(files)
	defer server.Close()

	dir := t.TempDir()
	requests := []release.AssetRequest{
		{Match: release.Exact("tool-linux-x64.tar.gz"), TargetPath: filepath.Join(dir, "a")},
		{Match: release.Exact("tool-linux-amd64.tar.gz"), TargetPath: filepath.Join(dir, "b")},
		// same file requested twice
		{Match: release.Exact("tool-linux-amd64.tar.gz"), TargetPath: filepath.Join(dir, "c")},
	}
	manifest := files.manifest(server.URL, "tool-linux-x64.tar.gz", "tool-linux-amd64.tar.gz")

	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithConcurrency(3),
		WithHTTPClient(server.Client()),
	)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Succeeded, 3)

	assert.Equal(t, result.Succeeded[0].CacheDir, result.Succeeded[1].CacheDir)
	assert.Equal(t, result.Succeeded[1].CacheDir, result.Succeeded[2].CacheDir)

	for _, asset := range result.Succeeded {
		assert.NoError(t, verify.File(asset.Path, asset.Digest))
	}
	for _, name := range []string{"a", "b", "c"} {
		contents, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, archive, contents)
	}
}

func TestDownloader_Resolve(t *testing.T) {
	contents := map[string][]byte{}
	manifest := &release.Manifest{Tag: "v1.0.0"}
	var requests []release.AssetRequest
	for _, name := range []string{"skip.bin", "reject.bin", "later.bin"} {
		contents[name] = []byte("tampered " + name)
		bad := entry(name, []byte(name))
		manifest.Entries = append(manifest.Entries, bad)
		requests = append(requests, release.AssetRequest{Match: release.Exact(name)})
	}

	rec := &recorder{}
	d, err := New(
		provider(t, manifest, requests),
		requests,
		WithTag("v1.0.0"),
		WithCacheDir(t.TempDir()),
		WithMode(transfer.Custom(writer(contents))),
		WithEmitter(rec.emit),
	)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.VerificationFailed, 3)

	parked := map[string]DownloadAsset{}
	for _, asset := range result.VerificationFailed {
		parked[asset.FileName] = asset
	}

	t.Run("unknown action", func(t *testing.T) {
		_, err := d.Resolve(context.Background(), []Decision{{Asset: parked["skip.bin"], Action: "later"}})
		assert.Error(t, err)
	})

	resolved, err := d.Resolve(context.Background(), []Decision{
		{Asset: parked["skip.bin"], Action: ActionSkip},
		{Asset: parked["reject.bin"], Action: ActionReject},
		{Asset: parked["later.bin"], Action: ActionPending},
	})
	assert.ErrorIs(t, err, ErrRejected)

	assert.Len(t, resolved.Skipped, 1)
	assert.Len(t, resolved.Failed, 1)
	assert.Len(t, resolved.VerificationFailed, 1)

	skipped := rec.statuses("skip.bin")
	assert.Equal(t, StatusSkipped, skipped[len(skipped)-1])

	rejected := rec.of("reject.bin")
	assert.Equal(t, StatusFailed, rejected[len(rejected)-1].Status)
	assert.ErrorIs(t, rejected[len(rejected)-1].Err, ErrRejected)

	later := rec.statuses("later.bin")
	assert.Equal(t, StatusVerificationFailed, later[len(later)-1])

	all := rec.all()
	assert.Equal(t, StatusDone, all[len(all)-1].Status)
}
