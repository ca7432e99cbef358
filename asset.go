package grab

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"

	"github.com/aexvir/grab/plugin"
	"github.com/aexvir/grab/release"
	"github.com/aexvir/grab/verify"
)

const prefixlen = 8

// DownloadAsset is a resolved asset bound to its place in the download cache.
// Assets sharing a digest share the cache directory.
type DownloadAsset struct {
	release.ResolvedAsset

	// CacheDir is the digest keyed directory the file is written to.
	CacheDir string
	// Path is the downloaded file.
	Path string
	// DownloadURL is the url the file is fetched from, after proxy rewriting.
	DownloadURL string
}

func newDownloadAsset(root string, resolved release.ResolvedAsset, downloadurl string) DownloadAsset {
	dir := filepath.Join(root, cacheprefix(resolved))
	return DownloadAsset{
		ResolvedAsset: resolved,
		CacheDir:      dir,
		Path:          filepath.Join(dir, filepath.Base(resolved.FileName)),
		DownloadURL:   downloadurl,
	}
}

// cacheprefix is the first characters of the digest hash value; assets published
// without a digest are keyed by their url instead.
func cacheprefix(resolved release.ResolvedAsset) string {
	if digest, err := verify.Parse(resolved.Digest); err == nil {
		return digest.Prefix(prefixlen)
	}
	sum := sha256.Sum256([]byte(resolved.URL))
	return hex.EncodeToString(sum[:])[:prefixlen]
}

// CacheKey identifies the asset in metadata stores.
func (a DownloadAsset) CacheKey() string {
	return filepath.Base(a.CacheDir) + "/" + filepath.Base(a.Path)
}

func (a DownloadAsset) state(status Status) State {
	total := a.Size
	if total <= 0 {
		total = -1
	}
	return State{
		Status:   status,
		Filename: a.FileName,
		URL:      a.DownloadURL,
		Total:    total,
		Digest:   a.Digest,
	}
}

func (a DownloadAsset) plugincontext() plugin.Context {
	return plugin.Context{
		Tag:         a.Tag,
		Name:        a.FileName,
		URL:         a.DownloadURL,
		Digest:      a.Digest,
		Downloaded:  a.Path,
		DownloadDir: a.CacheDir,
	}
}

func (a DownloadAsset) steps() []plugin.Step {
	return plugin.Steps(a.Request.Plugins, a.Request.TargetPath)
}
