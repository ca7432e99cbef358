// Package platform maps the many names release authors use for operating systems
// and cpu architectures onto a small canonical set.
package platform

import (
	"fmt"
	"runtime"
	"slices"
	"sort"
	"strings"
)

// canonical platforms
const (
	Linux   = "linux"
	Darwin  = "darwin"
	Windows = "windows"
)

// canonical architectures
const (
	X64   = "x64"
	ARM64 = "arm64"
	X86   = "x86"
	ARM   = "arm"
)

type alias struct {
	name      string
	canonical string
}

// ordered so that alias listings are stable
var platforms = []alias{
	{"darwin", Darwin},
	{"macos", Darwin},
	{"osx", Darwin},
	{"mac", Darwin},
	{"linux", Linux},
	{"windows", Windows},
	{"win32", Windows},
	{"win", Windows},
}

var archs = []alias{
	{"x64", X64},
	{"x86_64", X64},
	{"amd64", X64},
	{"x86-64", X64},
	{"arm64", ARM64},
	{"aarch64", ARM64},
	{"x86", X86},
	{"i386", X86},
	{"i686", X86},
	{"386", X86},
	{"arm", ARM},
	{"armv7", ARM},
	{"armv7l", ARM},
	{"armhf", ARM},
}

var (
	goos = map[string]string{
		"linux":   Linux,
		"darwin":  Darwin,
		"windows": Windows,
	}
	goarch = map[string]string{
		"amd64": X64,
		"arm64": ARM64,
		"386":   X86,
		"arm":   ARM,
	}
)

// Detect returns the canonical platform and architecture of the running system.
func Detect() (string, string, error) {
	return detect(runtime.GOOS, runtime.GOARCH)
}

func detect(os, arch string) (string, string, error) {
	platform, ok := goos[os]
	if !ok {
		return "", "", fmt.Errorf("unsupported platform %s, supported platforms: linux, darwin, windows", os)
	}
	architecture, ok := goarch[arch]
	if !ok {
		return "", "", fmt.Errorf("unsupported architecture %s, supported architectures: x64, arm64, x86, arm", arch)
	}
	return platform, architecture, nil
}

// NormalizePlatform resolves a platform alias, e.g. "macos" becomes "darwin".
func NormalizePlatform(name string) (string, error) {
	return normalize(platforms, "platform", name)
}

// NormalizeArch resolves an architecture alias, e.g. "x86_64" becomes "x64".
func NormalizeArch(name string) (string, error) {
	return normalize(archs, "architecture", name)
}

func normalize(table []alias, what, name string) (string, error) {
	lowered := strings.ToLower(strings.TrimSpace(name))
	for _, entry := range table {
		if entry.name == lowered {
			return entry.canonical, nil
		}
	}

	known := make([]string, len(table))
	for i, entry := range table {
		known[i] = entry.name
	}
	return "", fmt.Errorf("unknown %s %q, supported: %s", what, name, strings.Join(known, ", "))
}

// PlatformAliases returns every name known for the canonical platform.
func PlatformAliases(platform string) []string {
	return aliases(platforms, platform)
}

// ArchAliases returns every name known for the canonical architecture.
func ArchAliases(arch string) []string {
	return aliases(archs, arch)
}

func aliases(table []alias, canonical string) []string {
	var names []string
	for _, entry := range table {
		if entry.canonical == canonical {
			names = append(names, entry.name)
		}
	}
	return names
}

func mentions(name string, aliases []string) bool {
	lowered := strings.ToLower(name)
	return slices.ContainsFunc(aliases, func(alias string) bool {
		return strings.Contains(lowered, alias)
	})
}

// Describe renders a platform pair along with the aliases it also matches,
// e.g. "linux-x64 (also matches arch: x86_64, amd64, x86-64)".
func Describe(platform, arch string) string {
	description := platform + "-" + arch

	var extra []string
	if others := without(PlatformAliases(platform), platform); len(others) > 0 {
		extra = append(extra, "platform: "+strings.Join(others, ", "))
	}
	if others := without(ArchAliases(arch), arch); len(others) > 0 {
		extra = append(extra, "arch: "+strings.Join(others, ", "))
	}

	if len(extra) > 0 {
		description += " (also matches " + strings.Join(extra, "; ") + ")"
	}
	return description
}

func without(values []string, drop string) []string {
	return slices.DeleteFunc(slices.Clone(values), func(value string) bool { return value == drop })
}

// Suggestion is a published file that partially fits the wanted platform.
type Suggestion struct {
	Name   string
	Score  int
	Reason string
}

// Suggest ranks file names by how well they fit platform and arch, considering
// every alias. Files fitting neither are left out.
func Suggest(names []string, platform, arch string, limit int) []Suggestion {
	var suggestions []Suggestion
	for _, name := range names {
		if suggestion := score(name, platform, arch); suggestion.Score > 0 {
			suggestions = append(suggestions, suggestion)
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Score > suggestions[j].Score
	})

	if limit > 0 && len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions
}

// Complete reports whether the suggestion fits both the platform and the architecture.
func (s Suggestion) Complete() bool {
	return s.Score >= 90
}

func score(name, platform, arch string) Suggestion {
	platformok := platform != "" && mentions(name, PlatformAliases(platform))
	archok := arch != "" && mentions(name, ArchAliases(arch))

	switch {
	case platformok && archok:
		return Suggestion{Name: name, Score: 90, Reason: fmt.Sprintf("matches %s-%s", platform, arch)}
	case platformok:
		return Suggestion{Name: name, Score: 50, Reason: "matches platform " + platform}
	case archok:
		return Suggestion{Name: name, Score: 40, Reason: "matches architecture " + arch}
	default:
		return Suggestion{Name: name}
	}
}

// GuessBinaryName returns the executable name a repository most likely ships,
// the repository name with the platform's executable suffix.
func GuessBinaryName(repo, platform string) string {
	name := repo
	if _, after, ok := strings.Cut(repo, "/"); ok {
		name = after
	}
	if platform == Windows && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		name += ".exe"
	}
	return name
}
