package transfer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	placeholderURL  = "DOWNLOAD_URL"
	placeholderFile = "DOWNLOAD_FILE"
)

var (
	wgetPreset = []string{"wget", "-c", "-S", "-O", "$DOWNLOAD_FILE", "$DOWNLOAD_URL"}
	curlPreset = []string{"curl", "-fL", "-C", "-", "-D", "-", "-o", "$DOWNLOAD_FILE", "$DOWNLOAD_URL"}

	etagpattern = regexp.MustCompile(`(?im)^\s*etag:\s*((?:W/)?"[^"]*")`)
)

// MissingDependencyError is returned when the configured download program can't be
// found on the system.
type MissingDependencyError struct {
	Command string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("download command %q not found in PATH", e.Command)
}

// CommandStrategy downloads by running an external program.
type CommandStrategy struct {
	executable string
	args       []string

	goos     string
	lookpath func(file string) (string, error)
}

// NewCommand parses a command template with shell word rules.
func NewCommand(template string) (*CommandStrategy, error) {
	words, err := shellwords.Parse(template)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid download command %q", template)
	}
	return NewCommandArgs(words...)
}

// NewCommandArgs builds the strategy from an argument list; the first element is the program.
func NewCommandArgs(args ...string) (*CommandStrategy, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return nil, eris.New("download command is empty")
	}

	return &CommandStrategy{
		executable: args[0],
		args:       args[1:],
		goos:       runtime.GOOS,
		lookpath:   exec.LookPath,
	}, nil
}

// Check reports whether the program can be invoked on this system.
func (c *CommandStrategy) Check() error {
	_, err := c.resolve()
	return err
}

// resolve applies platform specific substitutions and looks the program up in PATH.
func (c *CommandStrategy) resolve() (string, error) {
	name := c.executable

	// powershell aliases curl to Invoke-WebRequest, which doesn't understand curl flags
	if c.goos == "windows" && strings.EqualFold(name, "curl") {
		name = "curl.exe"
	}

	path, err := c.lookpath(name)
	if err != nil {
		return "", &MissingDependencyError{Command: name}
	}

	return path, nil
}

// arguments substitutes the url and file placeholders in every argument.
func (c *CommandStrategy) arguments(url, file string) []string {
	values := map[string]string{
		placeholderURL:  url,
		placeholderFile: file,
	}

	args := make([]string, len(c.args))
	for i, arg := range c.args {
		args[i] = os.Expand(arg, func(name string) string {
			if value, ok := values[name]; ok {
				return value
			}
			return "$" + name
		})
	}
	return args
}

func (c *CommandStrategy) Fetch(ctx context.Context, req Request) error {
	executable, err := c.resolve()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return eris.Wrapf(err, "failed to create directory for %s", req.Path)
	}

	var stdout, stderr bytes.Buffer
	run, err := newRunner(
		ctx,
		executable,
		withArgs(c.arguments(req.URL, req.Path)...),
		withEnv(placeholderURL+"="+req.URL, placeholderFile+"="+req.Path),
		withStdOut(&stdout),
		withStdErr(&stderr),
	)
	if err != nil {
		return err
	}

	if err := run.exec(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return eris.Wrapf(err, "download of %s failed: %s", req.Name, lastline(stderr.String()))
	}

	if etag := parseETag(stdout.String() + "\n" + stderr.String()); etag != "" {
		if err := req.saveetag(ctx, etag); err != nil {
			zap.L().Warn("failed to store etag", zap.String("asset", req.Name), zap.Error(err))
		}
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		return eris.Wrapf(err, "download command produced no file at %s", req.Path)
	}
	req.progress(info.Size(), info.Size())

	return nil
}

// parseETag returns the last entity tag found in the headers printed by a download tool;
// redirects make tools print several header blocks.
func parseETag(output string) string {
	matches := etagpattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}

func lastline(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
