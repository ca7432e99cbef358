package release

import (
	"fmt"
	"strings"
)

// ResolutionError is returned when no file of a release satisfies a request.
type ResolutionError struct {
	Tag       string
	Match     Match
	Available []string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no asset of release %s matches %s", e.Tag, e.Match)
}

// Resolve picks the manifest entry a request refers to.
//
// An exact match prefers a file with the identical name and falls back to the first
// name containing it; a keyword match takes the first file, in manifest order, whose
// name contains every keyword. Comparisons are case sensitive.
func Resolve(manifest *Manifest, request AssetRequest) (ResolvedAsset, error) {
	entry, ok := lookup(manifest.Entries, request.Match)
	if !ok {
		return ResolvedAsset{}, &ResolutionError{
			Tag:       manifest.Tag,
			Match:     request.Match,
			Available: manifest.Names(),
		}
	}

	return ResolvedAsset{
		Request:  request,
		Tag:      manifest.Tag,
		FileName: entry.Name,
		URL:      entry.URL,
		Size:     entry.Size,
		Digest:   entry.Digest,
	}, nil
}

func lookup(entries []Entry, match Match) (Entry, bool) {
	if match.IsZero() {
		return Entry{}, false
	}

	if match.IsExact() {
		for _, entry := range entries {
			if entry.Name == match.name {
				return entry, true
			}
		}
		for _, entry := range entries {
			if strings.Contains(entry.Name, match.name) {
				return entry, true
			}
		}
		return Entry{}, false
	}

	for _, entry := range entries {
		if containsAll(entry.Name, match.keywords) {
			return entry, true
		}
	}
	return Entry{}, false
}

func containsAll(name string, keywords []string) bool {
	for _, keyword := range keywords {
		if !strings.Contains(name, keyword) {
			return false
		}
	}
	return true
}

// ResolveAll resolves every request against the manifest, failing on the first one
// that can't be satisfied.
func ResolveAll(manifest *Manifest, requests []AssetRequest) ([]ResolvedAsset, error) {
	resolved := make([]ResolvedAsset, 0, len(requests))
	for _, request := range requests {
		asset, err := Resolve(manifest, request)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, asset)
	}
	return resolved, nil
}
