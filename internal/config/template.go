package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/aexvir/grab"
	"github.com/aexvir/grab/internal/cachedir"
	"github.com/aexvir/grab/plugin"
	"github.com/aexvir/grab/release"
)

// Templates lists the starting points offered by grab init.
var Templates = []string{"simple", "multi", "advanced"}

const header = `# grab configuration
# names are either an exact file name or a list of keywords that must all be part of it
# plugins run in the order they are listed`

// Template renders one of the starter configurations as yaml.
func Template(kind, repo string) ([]byte, error) {
	if repo == "" {
		repo = "owner/repo"
	}

	cfg := Config{
		Repo:        repo,
		Tag:         release.Latest,
		Concurrency: grab.DefaultConcurrency,
		Mode:        "native",
		Proxy:       ProxyConfig{URL: grab.DefaultProxy},
		Log:         LogConfig{Level: "warn", Format: "console"},
	}

	switch kind {
	case "", "simple":
		cfg.Assets = []AssetConfig{
			{Platform: "linux", Arch: "x64", Target: "./bin/tool"},
		}

	case "multi":
		cfg.Concurrency = 4
		cfg.Assets = []AssetConfig{
			{
				Name:    []string{"linux", "x64"},
				Plugins: []plugin.Step{plugin.Extract(""), plugin.Copy("tool", "./bin/tool"), plugin.Clear()},
			},
			{
				Name:    []string{"darwin", "arm64"},
				Plugins: []plugin.Step{plugin.Extract(""), plugin.Copy("tool", "./bin/darwin/tool"), plugin.Clear()},
			},
		}

	case "advanced":
		cfg.Mode = "curl"
		cfg.Proxy = ProxyConfig{Enabled: true, URL: "https://ghfast.top/{{href}}"}
		cfg.CacheDir = cachedir.Default()
		cfg.Assets = []AssetConfig{
			{
				Name:    "tool-linux-x64.tar.gz",
				Plugins: []plugin.Step{plugin.Extract("unpacked"), plugin.Rename("tool", "./bin/tool"), plugin.Clear()},
			},
		}

	default:
		return nil, fmt.Errorf("unknown template %q, available: %v", kind, Templates)
	}

	var node yaml.Node
	if err := node.Encode(cfg); err != nil {
		return nil, eris.Wrap(err, "config: encode template")
	}
	node.HeadComment = header

	return yaml.Marshal(&node)
}

// WriteTemplate writes the template into dir, refusing to replace an existing file
// unless force is set. It returns the path written.
func WriteTemplate(dir, kind, repo string, force bool) (string, error) {
	path := filepath.Join(dir, FileName+".yaml")

	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists, use --force to overwrite it", path)
	}

	contents, err := Template(kind, repo)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, contents, 0o644); err != nil {
		return "", eris.Wrapf(err, "config: write %s", path)
	}

	return path, nil
}
