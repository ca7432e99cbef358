package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"go.uber.org/zap"

	"github.com/aexvir/grab"
)

const namewidth = 32

var bartemplate = pb.ProgressBarTemplate(
	faint.Sprint(`   └ {{string . "prefix"}} {{counters . }} {{bar . "[" "=" ">" " " "]" }} {{percent . }} {{speed . }} {{string . "suffix"}}`),
)

// renderer turns download states into terminal output: one progress bar per asset
// when writing to a terminal, a line per status change otherwise.
type renderer struct {
	out  io.Writer
	bars bool

	mu       sync.Mutex
	pool     *pb.Pool
	progress map[string]*pb.ProgressBar
	last     map[string]grab.Status
	errs     map[string]error
}

func newRenderer(out io.Writer, bars bool) *renderer {
	return &renderer{
		out:      out,
		bars:     bars,
		progress: make(map[string]*pb.ProgressBar),
		last:     make(map[string]grab.Status),
		errs:     make(map[string]error),
	}
}

func (r *renderer) emit(state grab.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state.Status == grab.StatusDone {
		r.stoplocked()
		return
	}

	if state.Err != nil {
		r.errs[state.Filename] = state.Err
	}

	if r.bars {
		r.bar(state)
		return
	}

	if r.last[state.Filename] == state.Status {
		return
	}
	r.last[state.Filename] = state.Status
	r.line(state)
}

// failure returns the last error reported for an asset.
func (r *renderer) failure(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[name]
}

// stop releases the terminal; emitting again starts a fresh set of bars.
func (r *renderer) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stoplocked()
}

func (r *renderer) stoplocked() {
	if r.pool != nil {
		if err := r.pool.Stop(); err != nil {
			zap.L().Debug("failed to restore terminal", zap.Error(err))
		}
		r.pool = nil
	}
	clear(r.progress)
	clear(r.last)
}

func (r *renderer) line(state grab.State) {
	text := fmt.Sprintf("%s %s", label(state), truncate(state.Filename, namewidth*2))
	if state.Err != nil {
		text = fmt.Sprintf("%s: %s", text, state.Err)
	}
	logdetail(r.out, text)
}

func (r *renderer) bar(state grab.State) {
	bar, ok := r.progress[state.Filename]
	if !ok {
		bar = pb.New64(max(state.Total, 0)).
			SetTemplate(bartemplate).
			SetMaxWidth(100).
			Set(pb.Bytes, true).
			Set("prefix", runewidth.FillRight(truncate(state.Filename, namewidth), namewidth))

		r.progress[state.Filename] = bar
		if err := r.add(bar); err != nil {
			zap.L().Debug("progress bars unavailable, falling back to plain output", zap.Error(err))
			r.bars = false
			r.line(state)
			return
		}
	}

	if state.Total > 0 {
		bar.SetTotal(state.Total)
	}
	bar.SetCurrent(state.Loaded)
	bar.Set("suffix", label(state))

	if state.Status.IsTerminal() || state.Status == grab.StatusVerificationFailed {
		bar.Finish()
	}
}

func (r *renderer) add(bar *pb.ProgressBar) error {
	if r.pool != nil {
		r.pool.Add(bar)
		return nil
	}

	pool := pb.NewPool(bar)
	pool.Output = r.out
	if err := pool.Start(); err != nil {
		return err
	}
	r.pool = pool
	return nil
}

func label(state grab.State) string {
	switch state.Status {
	case grab.StatusSucceeded:
		return color.GreenString("✔ done")
	case grab.StatusFailed, grab.StatusVerificationFailed:
		return color.RedString("✘ %s", state.Status)
	case grab.StatusRetrying:
		return color.YellowString("↻ retry %d", state.RetryCount)
	case grab.StatusSkipped:
		return color.YellowString("skipped")
	default:
		return string(state.Status)
	}
}

func truncate(text string, width int) string {
	return runewidth.Truncate(text, width, "…")
}
