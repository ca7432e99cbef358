package grab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/aexvir/grab/internal/cachedir"
	"github.com/aexvir/grab/release"
	"github.com/aexvir/grab/transfer"
)

const (
	// DefaultConcurrency is the number of assets downloaded at the same time.
	DefaultConcurrency = 3
	// MaxRetries is how many times a failing transfer is retried before giving up.
	MaxRetries = 3
)

var (
	// ErrMissingTag is returned when a run is started without a release tag.
	ErrMissingTag = errors.New("a release tag is required, specify one or use \"latest\"")
	// ErrRejected is the failure reported for assets rejected by the operator.
	ErrRejected = errors.New("rejected by operator")
)

// Downloader fetches the assets of a release, verifying and post processing them.
// It's safe to call Retry and Resolve after Run returns; concurrent runs on the
// same downloader aren't supported.
type Downloader struct {
	provider release.Provider
	requests []release.AssetRequest

	tag         string
	concurrency int
	skip        bool
	cachedir    string
	mode        transfer.Mode
	client      *http.Client
	proxy       *proxy
	emitter     Emitter
	hooks       Hooks
	retrydelay  time.Duration

	strategy transfer.Strategy
	log      *zap.Logger

	emitmu sync.Mutex
	paths  sync.Map
}

// Option customizes the downloader.
type Option func(d *Downloader)

// WithTag sets the release tag; [release.Latest] asks the provider for the newest one.
func WithTag(tag string) Option {
	return func(d *Downloader) {
		d.tag = tag
	}
}

// WithConcurrency sets how many assets are processed at the same time.
// Values below one are ignored.
func WithConcurrency(workers int) Option {
	return func(d *Downloader) {
		if workers > 0 {
			d.concurrency = workers
		}
	}
}

// WithSkipDownload resolves the assets without transferring anything; every asset
// ends up skipped.
func WithSkipDownload(skip bool) Option {
	return func(d *Downloader) {
		d.skip = skip
	}
}

// WithCacheDir overrides where downloads are cached.
func WithCacheDir(dir string) Option {
	return func(d *Downloader) {
		if dir != "" {
			d.cachedir = dir
		}
	}
}

// WithMode selects the transfer strategy.
func WithMode(mode transfer.Mode) Option {
	return func(d *Downloader) {
		d.mode = mode
	}
}

// WithHTTPClient sets the client used by the native transfer mode.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

// WithProxy rewrites download urls through a proxy. The format is either a prefix
// the url is appended to, like [DefaultProxy], or a template using the [URLParts]
// placeholders, e.g. "https://mirror.example/{{hostname}}{{pathname}}".
// An empty format disables the proxy.
func WithProxy(format string) Option {
	return func(d *Downloader) {
		d.proxy = &proxy{template: format}
	}
}

// WithProxyFunc rewrites download urls with fn.
func WithProxyFunc(fn func(raw string) string) Option {
	return func(d *Downloader) {
		d.proxy = &proxy{fn: fn}
	}
}

// WithEmitter receives every state change.
func WithEmitter(emitter Emitter) Option {
	return func(d *Downloader) {
		d.emitter = emitter
	}
}

// WithHooks plugs lifecycle callbacks into the run.
func WithHooks(hooks Hooks) Option {
	return func(d *Downloader) {
		d.hooks = hooks
	}
}

// WithRetryDelay sets the base delay between transfer attempts; the n-th retry
// waits n times the delay.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Downloader) {
		if delay >= 0 {
			d.retrydelay = delay
		}
	}
}

// New constructs a downloader for the given requests. The transfer mode is resolved
// here, so an unusable download command is reported before anything runs.
func New(provider release.Provider, requests []release.AssetRequest, opts ...Option) (*Downloader, error) {
	if provider == nil {
		return nil, fmt.Errorf("a release provider is required")
	}

	d := Downloader{
		provider:    provider,
		requests:    append([]release.AssetRequest{}, requests...),
		tag:         release.Latest,
		concurrency: DefaultConcurrency,
		cachedir:    cachedir.Default(),
		mode:        transfer.Native(),
		emitter:     func(State) {},
		retrydelay:  time.Second,
	}

	for _, opt := range opts {
		opt(&d)
	}

	strategy, err := d.mode.Strategy(d.client)
	if err != nil {
		return nil, fmt.Errorf("invalid transfer mode: %w", err)
	}
	d.strategy = strategy

	// external programs have to be around before any asset is touched
	if checker, ok := strategy.(interface{ Check() error }); ok {
		if err := checker.Check(); err != nil {
			return nil, err
		}
	}

	if d.emitter == nil {
		d.emitter = func(State) {}
	}

	d.log = zap.L().With(zap.String("downloader", uuid.NewString()))

	return &d, nil
}

// Result groups the assets of a run by outcome.
type Result struct {
	Succeeded []DownloadAsset
	Failed    []DownloadAsset
	Skipped   []DownloadAsset
	// VerificationFailed assets await an operator decision, see [Downloader.Resolve].
	VerificationFailed []DownloadAsset
}

func (r *Result) merge(other *Result) {
	if other == nil {
		return
	}
	r.Succeeded = append(r.Succeeded, other.Succeeded...)
	r.Failed = append(r.Failed, other.Failed...)
	r.Skipped = append(r.Skipped, other.Skipped...)
	r.VerificationFailed = append(r.VerificationFailed, other.VerificationFailed...)
}

// Run resolves the requests against the release and downloads every asset.
//
// Resolution problems abort the run before anything is downloaded. Failures of single
// assets don't stop the others; they are reported through the emitter and joined in
// the returned error. Assets whose digest doesn't match are parked in
// Result.VerificationFailed without being retried.
func (d *Downloader) Run(ctx context.Context) (*Result, error) {
	tag := d.tag
	if tag == "" {
		return nil, ErrMissingTag
	}

	if tag == release.Latest {
		latest, err := d.provider.LatestTag(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch latest tag: %w", err)
		}
		tag = latest
	}

	if err := d.hooks.tagfetched(ctx, tag); err != nil {
		return nil, fmt.Errorf("tag hook failed: %w", err)
	}

	resolved, err := d.provider.ResolveAssets(ctx, tag, d.requests)
	if err != nil {
		return nil, err
	}

	assets := make([]DownloadAsset, len(resolved))
	for i, asset := range resolved {
		assets[i] = newDownloadAsset(d.cachedir, asset, d.proxy.rewrite(asset.URL))
	}

	unlock, err := cachedir.LockShared(ctx, d.cachedir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d.log.Info(
		"downloading release assets",
		zap.String("tag", tag),
		zap.Int("assets", len(assets)),
		zap.Int("concurrency", d.concurrency),
		zap.Stringer("mode", d.mode),
	)

	for _, asset := range assets {
		d.emit(asset.state(StatusPending))
	}

	result, errs := d.drive(ctx, assets, d.skip)

	d.emit(State{Status: StatusDone})
	if err := d.hooks.allcomplete(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("completion hook failed: %w", err))
	}

	return result, errs.ErrorOrNil()
}

// emit hands a snapshot to the emitter, one at a time.
func (d *Downloader) emit(state State) {
	d.emitmu.Lock()
	defer d.emitmu.Unlock()
	d.emitter(state)
}
