package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aexvir/grab"
	"github.com/aexvir/grab/internal/cachestore"
	"github.com/aexvir/grab/internal/config"
	"github.com/aexvir/grab/internal/platform"
	"github.com/aexvir/grab/plugin"
	"github.com/aexvir/grab/release"
	"github.com/aexvir/grab/transfer"
)

type downloadFlags struct {
	tag          string
	platform     string
	arch         string
	name         string
	output       string
	extract      bool
	cleanup      bool
	concurrency  int
	mode         string
	proxy        string
	noProxy      bool
	cacheDir     string
	skipDownload bool
}

var dl downloadFlags

func registerDownloadFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&dl.tag, "tag", "t", release.Latest, "release tag to download")
	flags.StringVarP(&dl.platform, "platform", "p", "", "target platform (default: the host platform)")
	flags.StringVarP(&dl.arch, "arch", "a", "", "target architecture (default: the host architecture)")
	flags.StringVarP(&dl.name, "name", "n", "", "exact asset name, or comma separated keywords")
	flags.StringVarP(&dl.output, "output", "o", "", "install path of the binary (default ./<repo name> for archives)")
	flags.BoolVarP(&dl.extract, "extract", "x", true, "extract archives and install the binary they contain")
	flags.BoolVar(&dl.cleanup, "cleanup", false, "remove the download from the cache once installed")
	flags.IntVarP(&dl.concurrency, "concurrency", "j", grab.DefaultConcurrency, "parallel downloads")
	flags.StringVarP(&dl.mode, "mode", "m", "native", "download mode: native, curl, wget or a command template")
	flags.StringVar(&dl.proxy, "proxy", "", "proxy prefix or url template downloads go through")
	flags.BoolVar(&dl.noProxy, "no-proxy", false, "ignore the configured proxy")
	flags.StringVar(&dl.cacheDir, "cache-dir", "", "download cache directory")
	flags.BoolVar(&dl.skipDownload, "skip-download", false, "resolve the assets without downloading them")
	cmd.MarkFlagsMutuallyExclusive("proxy", "no-proxy")
}

// settings merges the flags the user set on top of the loaded configuration.
func settings(base *config.Config, flags downloadFlags, changed func(name string) bool) *config.Config {
	c := *base

	if changed("tag") {
		c.Tag = flags.tag
	}
	if changed("concurrency") {
		c.Concurrency = flags.concurrency
	}
	if changed("mode") {
		c.Mode = flags.mode
	}
	if changed("cache-dir") {
		c.CacheDir = flags.cacheDir
	}
	switch {
	case changed("proxy"):
		c.Proxy = config.ProxyConfig{Enabled: true, URL: flags.proxy}
	case flags.noProxy:
		c.Proxy.Enabled = false
	}

	return &c
}

// target returns the normalized platform and architecture assets are picked for.
func target(flags downloadFlags) (string, string, error) {
	plat, arch, err := platform.Detect()
	if err != nil && (flags.platform == "" || flags.arch == "") {
		return "", "", err
	}

	if flags.platform != "" {
		if plat, err = platform.NormalizePlatform(flags.platform); err != nil {
			return "", "", err
		}
	}
	if flags.arch != "" {
		if arch, err = platform.NormalizeArch(flags.arch); err != nil {
			return "", "", err
		}
	}

	return plat, arch, nil
}

// request builds the single asset request described by the command line.
func request(flags downloadFlags, plat, arch string) release.AssetRequest {
	name := strings.TrimSpace(flags.name)
	switch {
	case name == "":
		return release.AssetRequest{Match: release.Keywords(plat, arch)}
	case strings.Contains(name, ","):
		var words []string
		for _, word := range strings.Split(name, ",") {
			if word = strings.TrimSpace(word); word != "" {
				words = append(words, word)
			}
		}
		return release.AssetRequest{Match: release.Keywords(words...)}
	default:
		return release.AssetRequest{Match: release.Exact(name)}
	}
}

// install returns the steps putting the downloaded file in place. Archives are
// extracted and the binary named after the repository is copied out; other files
// are copied as they are when an output is given.
func install(flags downloadFlags, repo, plat, filename string) []plugin.Step {
	var steps []plugin.Step

	output := flags.output
	switch {
	case flags.extract && plugin.IsArchive(filename):
		binary := platform.GuessBinaryName(repo, plat)
		if output == "" {
			output = filepath.Join(".", binary)
		}
		steps = append(steps, plugin.Extract(""), plugin.Copy(binary, output))
	case output != "":
		steps = append(steps, plugin.Copy("", output))
	}

	if flags.cleanup {
		steps = append(steps, plugin.Clear())
	}

	return steps
}

func runDownload(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conf := settings(cfg, dl, cmd.Flags().Changed)
	if err := conf.Validate(); err != nil {
		return err
	}

	repo := conf.Repo
	fromflags := len(conf.Assets) == 0
	if len(args) == 1 {
		repo, fromflags = args[0], true
	}
	for _, name := range []string{"name", "platform", "arch", "output"} {
		fromflags = fromflags || cmd.Flags().Changed(name)
	}
	if repo == "" {
		return errors.New("no repository given, pass owner/repo or set repo in the config file")
	}

	plat, arch, err := target(dl)
	if err != nil {
		return err
	}

	provider, err := release.NewGitHub(repo, release.WithToken(conf.Token))
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if quiet {
		out = io.Discard
	}

	start := time.Now()
	logstep(out, fmt.Sprintf("grabbing %s", repo))

	tag := conf.Tag
	if tag == release.Latest {
		if tag, err = provider.LatestTag(ctx); err != nil {
			return fmt.Errorf("failed to fetch latest tag: %w", err)
		}
		logdetail(out, fmt.Sprintf("latest release is %s", tag))
	}

	var requests []release.AssetRequest
	if fromflags {
		req, resolved, err := pick(ctx, out, provider, tag, request(dl, plat, arch), plat, arch, dl.name == "")
		if err != nil {
			return err
		}
		req.Plugins = install(dl, repo, plat, resolved.FileName)
		requests = []release.AssetRequest{req}
	} else {
		if requests, err = conf.Requests(); err != nil {
			return err
		}
		if _, err := provider.ResolveAssets(ctx, tag, requests); err != nil {
			suggest(out, err, plat, arch)
			return err
		}
	}

	mode, err := transfer.ParseMode(conf.Mode)
	if err != nil {
		return err
	}

	rend := newRenderer(os.Stderr, !quiet && isatty.IsTerminal(os.Stderr.Fd()))
	if quiet {
		rend.out = io.Discard
	}

	opts := []grab.Option{
		grab.WithTag(tag),
		grab.WithConcurrency(conf.Concurrency),
		grab.WithSkipDownload(dl.skipDownload),
		grab.WithCacheDir(conf.CacheDir),
		grab.WithMode(mode),
		grab.WithProxy(conf.ProxyFormat()),
		grab.WithEmitter(rend.emit),
	}

	store, err := cachestore.OpenDir(ctx, conf.CacheDir)
	if err != nil {
		zap.L().Warn("etag cache unavailable, downloading without it", zap.Error(err))
	} else {
		defer store.Close()
		opts = append(opts, grab.WithHooks(store.Hooks()))
	}

	d, err := grab.New(provider, requests, opts...)
	if err != nil {
		return err
	}

	result, err := d.Run(ctx)
	rend.stop()
	if result == nil {
		return err
	}

	if len(result.VerificationFailed) > 0 {
		err = multierror.Append(err, settle(ctx, d, result, rend)).ErrorOrNil()
	}

	report(out, result)
	summarize(out, fmt.Sprintf("%d of %d assets ready", len(result.Succeeded)+len(result.Skipped), len(requests)), time.Since(start), err)
	if err != nil {
		return errors.New("download finished with errors")
	}
	return nil
}

// pick resolves a command line request. Keywords derived from the platform only
// name the canonical spelling; when nothing carries it, a file matching both
// platform and arch through their aliases is picked instead.
func pick(
	ctx context.Context,
	out io.Writer,
	provider release.Provider,
	tag string,
	req release.AssetRequest,
	plat, arch string,
	derived bool,
) (release.AssetRequest, release.ResolvedAsset, error) {
	resolved, err := provider.ResolveAssets(ctx, tag, []release.AssetRequest{req})
	if err == nil {
		return req, resolved[0], nil
	}

	var rerr *release.ResolutionError
	if !derived || !errors.As(err, &rerr) {
		suggest(out, err, plat, arch)
		return req, release.ResolvedAsset{}, err
	}

	suggestions := platform.Suggest(rerr.Available, plat, arch, 1)
	if len(suggestions) == 0 || !suggestions[0].Complete() {
		suggest(out, err, plat, arch)
		return req, release.ResolvedAsset{}, err
	}

	req.Match = release.Exact(suggestions[0].Name)
	logdetail(out, fmt.Sprintf("picked %s, it %s", suggestions[0].Name, suggestions[0].Reason))

	resolved, err = provider.ResolveAssets(ctx, tag, []release.AssetRequest{req})
	if err != nil {
		return req, release.ResolvedAsset{}, err
	}
	return req, resolved[0], nil
}

// suggest lists the files closest to what was asked for when resolution failed.
func suggest(out io.Writer, err error, plat, arch string) {
	var rerr *release.ResolutionError
	if !errors.As(err, &rerr) {
		return
	}

	logstep(out, fmt.Sprintf("nothing in %s matches %s, looking for %s", rerr.Tag, rerr.Match, platform.Describe(plat, arch)))

	suggestions := platform.Suggest(rerr.Available, plat, arch, 5)
	if len(suggestions) == 0 {
		logdetail(out, fmt.Sprintf("available: %s", strings.Join(rerr.Available, ", ")))
		return
	}
	for _, suggestion := range suggestions {
		logdetail(out, fmt.Sprintf("%s (%s)", suggestion.Name, suggestion.Reason))
	}
	logdetail(out, "pick one with --name")
}

// settle deals with the assets whose digest didn't match, asking the operator when
// there is one.
func settle(ctx context.Context, d *grab.Downloader, result *grab.Result, rend *renderer) error {
	parked := result.VerificationFailed
	if !interactive() {
		return unverified(parked, rend.failure)
	}

	decisions, err := ask(parked, rend.failure)
	if err != nil {
		return err
	}

	settled, err := d.Resolve(ctx, decisions)
	rend.stop()

	result.VerificationFailed = nil
	if settled != nil {
		result.Succeeded = append(result.Succeeded, settled.Succeeded...)
		result.Failed = append(result.Failed, settled.Failed...)
		result.Skipped = append(result.Skipped, settled.Skipped...)
		result.VerificationFailed = settled.VerificationFailed
	}

	if left := len(result.VerificationFailed); left > 0 {
		err = multierror.Append(err, fmt.Errorf("%d assets left unverified", left))
	}
	return err
}

// report lists where every downloaded asset ended up.
func report(out io.Writer, result *grab.Result) {
	for _, asset := range result.Succeeded {
		destination := asset.Path
		for _, step := range plugin.Steps(asset.Request.Plugins, asset.Request.TargetPath) {
			if step.Kind == plugin.KindCopy || step.Kind == plugin.KindRename {
				destination = step.Destination
			}
		}
		logdetail(out, fmt.Sprintf("%s → %s", asset.FileName, destination))
	}
	for _, asset := range result.Skipped {
		logdetail(out, fmt.Sprintf("%s skipped", asset.FileName))
	}
}
