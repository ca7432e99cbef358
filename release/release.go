// Package release resolves abstract asset requests against the files published
// in a release.
package release

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aexvir/grab/plugin"
)

// Latest is the tag sentinel that asks the provider for the newest release.
const Latest = "latest"

// Provider gives access to the releases of a single repository.
type Provider interface {
	// LatestTag returns the tag of the newest release.
	LatestTag(ctx context.Context) (string, error)
	// ResolveAssets matches every request against the manifest of tag.
	ResolveAssets(ctx context.Context, tag string, requests []AssetRequest) ([]ResolvedAsset, error)
	// ReleaseInfo returns the manifest of tag.
	ReleaseInfo(ctx context.Context, tag string) (*Manifest, error)
}

// Match describes which published file a request wants: either an exact file name
// or a set of substrings that must all be part of the name.
type Match struct {
	name     string
	keywords []string
}

// Exact matches a file by name, falling back to the first name containing it.
func Exact(name string) Match {
	return Match{name: name}
}

// Keywords matches the first file whose name contains every keyword.
func Keywords(keywords ...string) Match {
	return Match{keywords: append([]string{}, keywords...)}
}

// IsExact reports whether the match targets a single name.
func (m Match) IsExact() bool {
	return m.keywords == nil
}

// Name returns the exact name targeted by the match.
func (m Match) Name() string {
	return m.name
}

// KeywordList returns a copy of the keywords targeted by the match.
func (m Match) KeywordList() []string {
	return append([]string{}, m.keywords...)
}

// IsZero reports whether the match targets nothing.
func (m Match) IsZero() bool {
	return m.name == "" && len(m.keywords) == 0
}

func (m Match) String() string {
	if m.IsExact() {
		return fmt.Sprintf("name %q", m.name)
	}
	quoted := make([]string, len(m.keywords))
	for i, keyword := range m.keywords {
		quoted[i] = fmt.Sprintf("%q", keyword)
	}
	return "keywords [" + strings.Join(quoted, ", ") + "]"
}

// AssetRequest is what a caller asks for.
type AssetRequest struct {
	Match Match
	// Plugins post process the verified download, in order.
	Plugins []plugin.Step
	// TargetPath is where the final artifact should end up.
	TargetPath string
}

// Manifest lists the files published for a tag.
type Manifest struct {
	Tag         string
	Name        string
	Prerelease  bool
	PublishedAt time.Time
	Entries     []Entry
}

// Names returns the file names in manifest order.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.Entries))
	for i, entry := range m.Entries {
		names[i] = entry.Name
	}
	return names
}

// Entry is a single published file.
type Entry struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	Digest      string `json:"digest,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// ResolvedAsset is a request bound to the manifest entry it matched.
type ResolvedAsset struct {
	Request  AssetRequest
	Tag      string
	FileName string
	URL      string
	Size     int64
	Digest   string
}
