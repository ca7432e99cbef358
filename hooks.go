package grab

import (
	"context"
)

// CacheRecord is the metadata kept about a downloaded file between runs.
type CacheRecord struct {
	ETag string
}

// Hooks lets callers plug project specific behavior into a download run.
// Every hook is optional.
type Hooks struct {
	// OnTagFetched is called once the release tag is known.
	OnTagFetched func(ctx context.Context, tag string) error
	// GetAssetCache returns what was stored about an asset by SetAssetCache.
	GetAssetCache func(ctx context.Context, asset DownloadAsset) (CacheRecord, error)
	// SetAssetCache stores metadata about an asset; an empty record invalidates it.
	SetAssetCache func(ctx context.Context, asset DownloadAsset, record CacheRecord) error
	// OnAssetDownloadComplete is called after an asset went through its plugins.
	OnAssetDownloadComplete func(ctx context.Context, asset DownloadAsset) error
	// OnAllComplete is called at the end of a run.
	OnAllComplete func(ctx context.Context) error
}

func (h Hooks) tagfetched(ctx context.Context, tag string) error {
	if h.OnTagFetched == nil {
		return nil
	}
	return h.OnTagFetched(ctx, tag)
}

func (h Hooks) getcache(ctx context.Context, asset DownloadAsset) (CacheRecord, error) {
	if h.GetAssetCache == nil {
		return CacheRecord{}, nil
	}
	return h.GetAssetCache(ctx, asset)
}

func (h Hooks) setcache(ctx context.Context, asset DownloadAsset, record CacheRecord) error {
	if h.SetAssetCache == nil {
		return nil
	}
	return h.SetAssetCache(ctx, asset, record)
}

func (h Hooks) assetcomplete(ctx context.Context, asset DownloadAsset) error {
	if h.OnAssetDownloadComplete == nil {
		return nil
	}
	return h.OnAssetDownloadComplete(ctx, asset)
}

func (h Hooks) allcomplete(ctx context.Context) error {
	if h.OnAllComplete == nil {
		return nil
	}
	return h.OnAllComplete(ctx)
}
