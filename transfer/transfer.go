// Package transfer moves the bytes of a single release asset onto disk.
//
// Three strategies are available and are selected once through a [Mode]:
//
//   - [Native] uses net/http, resuming partial files with Range requests and
//     revalidating complete ones with If-None-Match.
//   - [Command] shells out to an external download tool (wget, curl, aria2c, ...)
//     described by a template containing $DOWNLOAD_URL and $DOWNLOAD_FILE.
//   - [Custom] hands the request to a caller supplied function.
package transfer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Request describes a single transfer.
type Request struct {
	// Name is the file name of the asset, as published in the release.
	Name string
	// URL is the effective download url, possibly rewritten by a proxy.
	URL string
	// Path is the destination file; partial content found there is resumed.
	Path string
	// Digest is the expected `algorithm:hex` digest, informational for custom handlers.
	Digest string
	// Size is the published size of the asset, zero when unknown.
	Size int64

	// ETag returns the entity tag stored by a previous transfer, if any.
	ETag func(ctx context.Context) (string, error)
	// SaveETag persists the entity tag returned by the server.
	SaveETag func(ctx context.Context, etag string) error
	// Progress is called as bytes arrive.
	Progress func(loaded, total int64)
}

func (r Request) etag(ctx context.Context) string {
	if r.ETag == nil {
		return ""
	}
	etag, err := r.ETag(ctx)
	if err != nil {
		return ""
	}
	return etag
}

func (r Request) saveetag(ctx context.Context, etag string) error {
	if r.SaveETag == nil || etag == "" {
		return nil
	}
	return r.SaveETag(ctx, etag)
}

func (r Request) resetetag(ctx context.Context) error {
	if r.SaveETag == nil {
		return nil
	}
	return r.SaveETag(ctx, "")
}

func (r Request) progress(loaded, total int64) {
	if r.Progress != nil {
		r.Progress(loaded, total)
	}
}

// Strategy performs the transfer described by a request.
type Strategy interface {
	Fetch(ctx context.Context, req Request) error
}

// Handler is a caller supplied transfer routine.
type Handler func(ctx context.Context, req Request) error

// Fetch makes Handler satisfy Strategy.
func (h Handler) Fetch(ctx context.Context, req Request) error {
	return h(ctx, req)
}

type kind int

const (
	kindNative kind = iota
	kindCommand
	kindCustom
)

// Mode selects the transfer strategy.
// The zero value is the native http strategy.
type Mode struct {
	kind    kind
	args    []string
	handler Handler
}

// Native returns the mode that downloads with the built in http client.
func Native() Mode {
	return Mode{kind: kindNative}
}

// Command returns a mode that runs an external program. The template is split with
// shell word rules, e.g. "aria2c -c -o $DOWNLOAD_FILE $DOWNLOAD_URL".
// The presets "wget" and "curl" expand to resumable invocations of those tools.
func Command(template string) Mode {
	switch strings.TrimSpace(template) {
	case "wget":
		return CommandArgs(wgetPreset...)
	case "curl":
		return CommandArgs(curlPreset...)
	}
	return Mode{kind: kindCommand, args: []string{template}}
}

// CommandArgs is like [Command] but takes an already split argument list.
func CommandArgs(args ...string) Mode {
	return Mode{kind: kindCommand, args: append([]string{}, args...)}
}

// Custom returns a mode that delegates the transfer to handler.
func Custom(handler Handler) Mode {
	return Mode{kind: kindCustom, handler: handler}
}

// ParseMode builds a mode from its textual form, as found in config files and flags.
// "native" or an empty string selects the http client, anything else is treated as a
// command template.
func ParseMode(value string) (Mode, error) {
	value = strings.TrimSpace(value)
	switch value {
	case "", "native", "fetch", "http":
		return Native(), nil
	}

	mode := Command(value)
	if _, err := mode.command(); err != nil {
		return Mode{}, err
	}
	return mode, nil
}

func (m Mode) String() string {
	switch m.kind {
	case kindCommand:
		return "command"
	case kindCustom:
		return "custom"
	default:
		return "native"
	}
}

// Strategy resolves the mode into a strategy. The client is only used by the native mode
// and defaults to [http.DefaultClient].
func (m Mode) Strategy(client *http.Client) (Strategy, error) {
	switch m.kind {
	case kindNative:
		return NewHTTP(client), nil
	case kindCommand:
		return m.command()
	case kindCustom:
		if m.handler == nil {
			return nil, fmt.Errorf("custom transfer mode requires a handler")
		}
		return m.handler, nil
	default:
		return nil, fmt.Errorf("unknown transfer mode %d", m.kind)
	}
}

func (m Mode) command() (*CommandStrategy, error) {
	if len(m.args) == 1 {
		return NewCommand(m.args[0])
	}
	return NewCommandArgs(m.args...)
}
