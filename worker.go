package grab

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aexvir/grab/internal/cachedir"
	"github.com/aexvir/grab/plugin"
	"github.com/aexvir/grab/transfer"
	"github.com/aexvir/grab/verify"
)

// drive pushes the assets through a pool of workers. Every asset is handled by
// exactly one worker; the pool never runs more than the configured concurrency.
func (d *Downloader) drive(ctx context.Context, assets []DownloadAsset, skip bool) (*Result, *multierror.Error) {
	queue := make(chan DownloadAsset, len(assets))
	for _, asset := range assets {
		queue <- asset
	}
	close(queue)

	var (
		mu     sync.Mutex
		result Result
		errs   *multierror.Error
	)

	var group errgroup.Group
	for range min(d.concurrency, len(assets)) {
		group.Go(func() error {
			for asset := range queue {
				status, err := d.process(ctx, asset, skip)

				mu.Lock()
				switch status {
				case StatusSucceeded:
					result.Succeeded = append(result.Succeeded, asset)
				case StatusSkipped:
					result.Skipped = append(result.Skipped, asset)
				case StatusVerificationFailed:
					result.VerificationFailed = append(result.VerificationFailed, asset)
				default:
					result.Failed = append(result.Failed, asset)
				}
				if err != nil {
					errs = multierror.Append(errs, err)
				}
				mu.Unlock()
			}
			// asset failures are collected above, they never stop the pool
			return nil
		})
	}
	_ = group.Wait()

	return &result, errs
}

// process takes an asset from download to its final status.
func (d *Downloader) process(ctx context.Context, asset DownloadAsset, skip bool) (Status, error) {
	log := d.log.With(zap.String("asset", asset.FileName))

	if skip {
		log.Debug("download skipped")
		d.emit(asset.state(StatusSkipped))
		return StatusSkipped, nil
	}

	unlock := d.lockpath(asset.Path)
	defer unlock()

	start := time.Now()
	progress, err := d.download(ctx, asset, log)
	if err != nil {
		var mismatch *verify.MismatchError
		if errors.As(err, &mismatch) {
			log.Warn(
				"digest mismatch, waiting for a decision",
				zap.String("expected", mismatch.Expected),
				zap.String("actual", mismatch.Actual),
			)
			state := progress.apply(asset.state(StatusVerificationFailed))
			state.Err = err
			d.emit(state)
			return StatusVerificationFailed, nil
		}
		return d.fail(asset, err)
	}

	if err := plugin.Run(ctx, asset.steps(), asset.plugincontext()); err != nil {
		return d.fail(asset, fmt.Errorf("post processing failed: %w", err))
	}

	if err := d.hooks.assetcomplete(ctx, asset); err != nil {
		log.Warn("asset completion hook failed", zap.Error(err))
	}

	log.Info("asset ready", zap.Int64("bytes", progress.loaded), zap.Duration("took", time.Since(start)))
	d.emit(progress.apply(asset.state(StatusSucceeded)))

	return StatusSucceeded, nil
}

func (d *Downloader) fail(asset DownloadAsset, err error) (Status, error) {
	err = fmt.Errorf("%s: %w", asset.FileName, err)
	d.log.Error("asset failed", zap.String("asset", asset.FileName), zap.Error(err))

	state := asset.state(StatusFailed)
	state.Err = err
	d.emit(state)

	return StatusFailed, err
}

// download transfers and verifies the asset, retrying transient failures.
func (d *Downloader) download(ctx context.Context, asset DownloadAsset, log *zap.Logger) (*tracker, error) {
	progress := tracker{total: asset.state(StatusDownloading).Total}

	if err := os.MkdirAll(asset.CacheDir, 0o755); err != nil {
		return &progress, eris.Wrapf(err, "failed to create cache directory %s", asset.CacheDir)
	}

	for attempt := 0; ; attempt++ {
		err := d.attempt(ctx, asset, &progress, log)
		if err == nil {
			return &progress, nil
		}

		if fatal(ctx, err) {
			return &progress, err
		}

		var mismatch *verify.MismatchError
		if errors.As(err, &mismatch) {
			return &progress, err
		}

		if attempt >= MaxRetries {
			return &progress, fmt.Errorf("giving up after %d retries: %w", MaxRetries, err)
		}

		log.Warn("transfer failed, retrying", zap.Int("retry", attempt+1), zap.Error(err))
		state := progress.apply(asset.state(StatusRetrying))
		state.Err = err
		state.RetryCount = attempt + 1
		d.emit(state)

		if err := sleep(ctx, time.Duration(attempt+1)*d.retrydelay); err != nil {
			return &progress, err
		}
	}
}

// attempt runs one transfer followed by verification.
func (d *Downloader) attempt(ctx context.Context, asset DownloadAsset, progress *tracker, log *zap.Logger) error {
	d.emit(progress.apply(asset.state(StatusDownloading)))

	req := transfer.Request{
		Name:   asset.FileName,
		URL:    asset.DownloadURL,
		Path:   asset.Path,
		Digest: asset.Digest,
		Size:   asset.Size,
		ETag: func(ctx context.Context) (string, error) {
			record, err := d.hooks.getcache(ctx, asset)
			return record.ETag, err
		},
		SaveETag: func(ctx context.Context, etag string) error {
			return d.hooks.setcache(ctx, asset, CacheRecord{ETag: etag})
		},
		Progress: func(loaded, total int64) {
			progress.update(loaded, total)
			d.emit(progress.apply(asset.state(StatusDownloading)))
		},
	}

	if err := d.strategy.Fetch(ctx, req); err != nil {
		return err
	}

	d.emit(progress.apply(asset.state(StatusVerifying)))

	if asset.Digest == "" {
		log.Warn("release doesn't publish a digest for the asset, skipping verification")
		return nil
	}

	return verify.File(asset.Path, asset.Digest)
}

// lockpath serializes work on identical destination files.
func (d *Downloader) lockpath(path string) func() {
	value, _ := d.paths.LoadOrStore(path, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// fatal errors aren't worth retrying.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var missing *transfer.MissingDependencyError
	if errors.As(err, &missing) {
		return true
	}

	return errors.Is(err, verify.ErrInvalidDigest)
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// tracker remembers the last progress reported for an asset.
type tracker struct {
	loaded int64
	total  int64
}

func (t *tracker) update(loaded, total int64) {
	t.loaded = loaded
	if total > 0 {
		t.total = total
	}
}

func (t *tracker) apply(state State) State {
	state.Loaded = t.loaded
	if t.total > 0 {
		state.Total = t.total
	}
	return state
}

// Retry invalidates the cached copy of the given assets and downloads them again,
// typically after a digest mismatch.
func (d *Downloader) Retry(ctx context.Context, assets []DownloadAsset) (*Result, error) {
	unlock, err := cachedir.LockShared(ctx, d.cachedir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for _, asset := range assets {
		d.emit(asset.state(StatusClearingCache))

		if err := d.hooks.setcache(ctx, asset, CacheRecord{}); err != nil {
			d.log.Warn("unable to reset cached etag", zap.String("asset", asset.FileName), zap.Error(err))
		}
		if err := os.Remove(asset.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.log.Warn("unable to remove cached file", zap.String("path", asset.Path), zap.Error(err))
		}
	}

	result, errs := d.drive(ctx, assets, false)
	d.emit(State{Status: StatusDone})

	return result, errs.ErrorOrNil()
}

// Action is the operator's answer to a verification failure.
type Action string

const (
	// ActionPending leaves the asset parked.
	ActionPending Action = "pending"
	ActionRetry   Action = "retry"
	ActionSkip    Action = "skip"
	ActionReject  Action = "reject"
)

// Decision pairs a parked asset with what to do about it.
type Decision struct {
	Asset  DownloadAsset
	Action Action
}

// Resolve applies operator decisions to assets left in verification_failed.
func (d *Downloader) Resolve(ctx context.Context, decisions []Decision) (*Result, error) {
	for _, decision := range decisions {
		switch decision.Action {
		case ActionPending, ActionRetry, ActionSkip, ActionReject, "":
		default:
			return nil, fmt.Errorf("unknown action %q for %s", decision.Action, decision.Asset.FileName)
		}
	}

	var (
		result  Result
		errs    *multierror.Error
		retries []DownloadAsset
	)

	for _, decision := range decisions {
		asset := decision.Asset
		switch decision.Action {
		case ActionSkip:
			d.emit(asset.state(StatusSkipped))
			result.Skipped = append(result.Skipped, asset)
		case ActionReject:
			err := fmt.Errorf("%s: %w", asset.FileName, ErrRejected)
			state := asset.state(StatusFailed)
			state.Err = err
			d.emit(state)
			result.Failed = append(result.Failed, asset)
			errs = multierror.Append(errs, err)
		case ActionRetry:
			retries = append(retries, asset)
		default:
			result.VerificationFailed = append(result.VerificationFailed, asset)
		}
	}

	if len(retries) == 0 {
		d.emit(State{Status: StatusDone})
		return &result, errs.ErrorOrNil()
	}

	retried, err := d.Retry(ctx, retries)
	result.merge(retried)
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	return &result, errs.ErrorOrNil()
}
