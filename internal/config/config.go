// Package config loads the grab configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aexvir/grab"
	"github.com/aexvir/grab/internal/cachedir"
	"github.com/aexvir/grab/internal/platform"
	"github.com/aexvir/grab/plugin"
	"github.com/aexvir/grab/release"
	"github.com/aexvir/grab/transfer"
)

// FileName is the base name of the config file looked up in the working directory.
const FileName = "grab"

// Config holds the full application configuration.
type Config struct {
	Repo        string        `yaml:"repo,omitempty" mapstructure:"repo"`
	Tag         string        `yaml:"tag" mapstructure:"tag"`
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
	Mode        string        `yaml:"mode" mapstructure:"mode"`
	CacheDir    string        `yaml:"cache_dir,omitempty" mapstructure:"cache_dir"`
	Token       string        `yaml:"token,omitempty" mapstructure:"token"`
	Proxy       ProxyConfig   `yaml:"proxy" mapstructure:"proxy"`
	Assets      []AssetConfig `yaml:"assets,omitempty" mapstructure:"assets"`
	Log         LogConfig     `yaml:"log" mapstructure:"log"`

	// Source is the config file that was read, empty when none was found.
	Source string `yaml:"-" mapstructure:"-"`
}

// ProxyConfig configures download url rewriting.
type ProxyConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// URL is a prefix or a template with {{href}} style placeholders.
	URL string `yaml:"url" mapstructure:"url"`
}

// AssetConfig describes one wanted release asset.
type AssetConfig struct {
	// Name is either an exact file name or a list of keywords.
	Name     any           `yaml:"name,omitempty" mapstructure:"name"`
	Platform string        `yaml:"platform,omitempty" mapstructure:"platform"`
	Arch     string        `yaml:"arch,omitempty" mapstructure:"arch"`
	Target   string        `yaml:"target,omitempty" mapstructure:"target"`
	Plugins  []plugin.Step `yaml:"plugins,omitempty" mapstructure:"plugins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. An empty path looks for
// grab.yaml (or .yml, .json) in the working directory and tolerates its absence;
// an explicit path has to exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("GRAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("token", "GRAB_TOKEN", "GITHUB_TOKEN")

	// Defaults
	v.SetDefault("tag", release.Latest)
	v.SetDefault("concurrency", grab.DefaultConcurrency)
	v.SetDefault("mode", "native")
	v.SetDefault("cache_dir", cachedir.Default())
	v.SetDefault("repo", "")
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.url", grab.DefaultProxy)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notfound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notfound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Source = v.ConfigFileUsed()

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.DisableStacktrace = true
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.Repo != "" {
		if err := release.ValidateRepo(c.Repo); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("repo: %w", err))
		}
	}
	if strings.TrimSpace(c.Tag) == "" {
		errs = multierror.Append(errs, errors.New("tag: cannot be empty"))
	}
	if c.Concurrency < 1 {
		errs = multierror.Append(errs, fmt.Errorf("concurrency: must be at least 1, got %d", c.Concurrency))
	}
	if _, err := transfer.ParseMode(c.Mode); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("mode: %w", err))
	}
	if c.Proxy.Enabled && strings.TrimSpace(c.Proxy.URL) == "" {
		errs = multierror.Append(errs, errors.New("proxy.url: required when the proxy is enabled"))
	}

	for i, asset := range c.Assets {
		if _, err := asset.Match(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("assets[%d]: %w", i, err))
		}
		for j, step := range asset.Plugins {
			if err := step.Validate(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("assets[%d].plugins[%d]: %w", i, j, err))
			}
		}
	}

	return errs.ErrorOrNil()
}

// Requests converts the configured assets into download requests.
func (c *Config) Requests() ([]release.AssetRequest, error) {
	if len(c.Assets) == 0 {
		return nil, errors.New("no assets configured")
	}

	requests := make([]release.AssetRequest, len(c.Assets))
	for i, asset := range c.Assets {
		match, err := asset.Match()
		if err != nil {
			return nil, fmt.Errorf("assets[%d]: %w", i, err)
		}
		requests[i] = release.AssetRequest{
			Match:      match,
			Plugins:    asset.Plugins,
			TargetPath: asset.Target,
		}
	}

	return requests, nil
}

// ProxyFormat returns the proxy format to use, empty when disabled.
func (c *Config) ProxyFormat() string {
	if !c.Proxy.Enabled {
		return ""
	}
	return c.Proxy.URL
}

// Match turns the asset name into a release match. A string is an exact name,
// a list holds keywords; without a name the platform and arch become keywords.
func (a AssetConfig) Match() (release.Match, error) {
	switch name := a.Name.(type) {
	case string:
		if strings.TrimSpace(name) == "" {
			return release.Match{}, errors.New("name: cannot be empty")
		}
		return release.Exact(name), nil

	case []string:
		return keywords(name)

	case []any:
		words := make([]string, len(name))
		for i, item := range name {
			word, ok := item.(string)
			if !ok {
				return release.Match{}, fmt.Errorf("name[%d]: must be a string, got %T", i, item)
			}
			words[i] = word
		}
		return keywords(words)

	case nil:
		return a.platformMatch()

	default:
		return release.Match{}, fmt.Errorf("name: must be a string or a list of strings, got %T", a.Name)
	}
}

func (a AssetConfig) platformMatch() (release.Match, error) {
	if a.Platform == "" && a.Arch == "" {
		return release.Match{}, errors.New("name: required when neither platform nor arch are set")
	}

	var words []string
	if a.Platform != "" {
		normalized, err := platform.NormalizePlatform(a.Platform)
		if err != nil {
			return release.Match{}, fmt.Errorf("platform: %w", err)
		}
		words = append(words, normalized)
	}
	if a.Arch != "" {
		normalized, err := platform.NormalizeArch(a.Arch)
		if err != nil {
			return release.Match{}, fmt.Errorf("arch: %w", err)
		}
		words = append(words, normalized)
	}

	return release.Keywords(words...), nil
}

func keywords(words []string) (release.Match, error) {
	if len(words) == 0 {
		return release.Match{}, errors.New("name: keyword list cannot be empty")
	}
	for i, word := range words {
		if strings.TrimSpace(word) == "" {
			return release.Match{}, fmt.Errorf("name[%d]: cannot be empty", i)
		}
	}
	return release.Keywords(words...), nil
}
