package release

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
	"golang.org/x/time/rate"
)

const defaultAPIURL = "https://api.github.com"

var repopattern = regexp.MustCompile(`^[\w-]+/[\w.-]+$`)

// ValidateRepo checks that repo is in the owner/name form.
func ValidateRepo(repo string) error {
	if !repopattern.MatchString(repo) {
		return fmt.Errorf("invalid repository %q, expected owner/name", repo)
	}
	return nil
}

// APIError is returned when the GitHub api answers with a non success status.
type APIError struct {
	URL    string
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api %s answered %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

// GitHub provides the releases of a GitHub repository.
type GitHub struct {
	repo    string
	apiurl  string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	cache   *ManifestCache
}

// GitHubOption customizes the GitHub provider.
type GitHubOption func(g *GitHub)

// WithAPIURL points the provider to a different api endpoint, e.g. a GitHub Enterprise
// instance or a test server.
func WithAPIURL(apiurl string) GitHubOption {
	return func(g *GitHub) {
		g.apiurl = strings.TrimRight(apiurl, "/")
	}
}

// WithToken authenticates api calls, raising the rate limit GitHub applies.
func WithToken(token string) GitHubOption {
	return func(g *GitHub) {
		g.token = token
	}
}

// WithClient sets the http client used for api calls.
func WithClient(client *http.Client) GitHubOption {
	return func(g *GitHub) {
		g.client = client
	}
}

// WithRateLimit throttles api calls to limit per second with the given burst.
func WithRateLimit(limit rate.Limit, burst int) GitHubOption {
	return func(g *GitHub) {
		g.limiter = rate.NewLimiter(limit, burst)
	}
}

// NewGitHub returns a provider for repo, given in the owner/name form.
// Each provider owns its manifest cache.
func NewGitHub(repo string, opts ...GitHubOption) (*GitHub, error) {
	if err := ValidateRepo(repo); err != nil {
		return nil, err
	}

	g := GitHub{
		repo:    repo,
		apiurl:  defaultAPIURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		cache:   NewManifestCache(),
	}

	for _, opt := range opts {
		opt(&g)
	}

	return &g, nil
}

// Repo returns the repository the provider reads from.
func (g *GitHub) Repo() string {
	return g.repo
}

func (g *GitHub) LatestTag(ctx context.Context) (string, error) {
	manifest, err := g.ReleaseInfo(ctx, Latest)
	if err != nil {
		return "", err
	}
	return manifest.Tag, nil
}

func (g *GitHub) ResolveAssets(ctx context.Context, tag string, requests []AssetRequest) ([]ResolvedAsset, error) {
	manifest, err := g.ReleaseInfo(ctx, tag)
	if err != nil {
		return nil, err
	}
	return ResolveAll(manifest, requests)
}

func (g *GitHub) ReleaseInfo(ctx context.Context, tag string) (*Manifest, error) {
	return g.cache.Get(ctx, tag, func(ctx context.Context) (*Manifest, error) {
		endpoint := fmt.Sprintf("%s/repos/%s/releases/tags/%s", g.apiurl, g.repo, url.PathEscape(tag))
		if tag == Latest {
			endpoint = fmt.Sprintf("%s/repos/%s/releases/latest", g.apiurl, g.repo)
		}

		var payload ghrelease
		if err := g.get(ctx, endpoint, &payload); err != nil {
			return nil, fmt.Errorf("failed to fetch release %s of %s: %w", tag, g.repo, err)
		}

		zap.L().Debug(
			"fetched release manifest",
			zap.String("repo", g.repo),
			zap.String("tag", payload.TagName),
			zap.Int("assets", len(payload.Assets)),
		)

		return payload.manifest(), nil
	})
}

// Releases returns the most recent releases of the repository, newest first.
func (g *GitHub) Releases(ctx context.Context) ([]*Manifest, error) {
	var payload []ghrelease
	endpoint := fmt.Sprintf("%s/repos/%s/releases?per_page=100", g.apiurl, g.repo)
	if err := g.get(ctx, endpoint, &payload); err != nil {
		return nil, eris.Wrapf(err, "failed to list releases of %s", g.repo)
	}

	manifests := make([]*Manifest, len(payload))
	for i := range payload {
		manifests[i] = payload[i].manifest()
	}
	return manifests, nil
}

// Tags returns the release tags sorted from the highest semantic version down;
// tags that aren't valid versions come last, in the order GitHub returned them.
func (g *GitHub) Tags(ctx context.Context) ([]string, error) {
	releases, err := g.Releases(ctx)
	if err != nil {
		return nil, err
	}

	tags := make([]string, len(releases))
	for i, release := range releases {
		tags[i] = release.Tag
	}
	SortTags(tags)
	return tags, nil
}

// SortTags orders tags from the highest semantic version down, leaving non version
// tags at the end in their original order.
func SortTags(tags []string) {
	sort.SliceStable(tags, func(i, j int) bool {
		vi, vj := canonical(tags[i]), canonical(tags[j])
		switch {
		case vi == "" || vj == "":
			return vi != "" && vj == ""
		default:
			return semver.Compare(vi, vj) > 0
		}
	})
}

func canonical(tag string) string {
	if !strings.HasPrefix(tag, "v") {
		tag = "v" + tag
	}
	if !semver.IsValid(tag) {
		return ""
	}
	return tag
}

func (g *GitHub) get(ctx context.Context, endpoint string, into any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return eris.Wrapf(err, "failed to build request for %s", endpoint)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "grab")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "request to %s failed", endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{URL: endpoint, Status: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return eris.Wrapf(err, "failed to decode response of %s", endpoint)
	}

	return nil
}

type ghrelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
		Size               int64  `json:"size"`
		Digest             string `json:"digest"`
		ContentType        string `json:"content_type"`
	} `json:"assets"`
}

func (r ghrelease) manifest() *Manifest {
	manifest := Manifest{
		Tag:         r.TagName,
		Name:        r.Name,
		Prerelease:  r.Prerelease,
		PublishedAt: r.PublishedAt,
		Entries:     make([]Entry, 0, len(r.Assets)),
	}

	for _, asset := range r.Assets {
		manifest.Entries = append(manifest.Entries, Entry{
			Name:        asset.Name,
			URL:         asset.BrowserDownloadURL,
			Size:        asset.Size,
			Digest:      asset.Digest,
			ContentType: asset.ContentType,
		})
	}

	return &manifest
}
