package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
)

var (
	faint = color.New(color.FgHiBlack)
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed)
)

func logstep(out io.Writer, text string) {
	fmt.Fprintln(out, color.BlueString(" •"), faint.Sprint(text))
}

func logdetail(out io.Writer, text string) {
	fmt.Fprintln(out, faint.Sprint("   └"), faint.Sprint(text))
}

func failure(err error) string {
	return red.Sprintf(" ✘ %s", err)
}

// summarize prints the outcome of a command with its timing, listing every error
// joined in err.
func summarize(out io.Writer, what string, elapsed time.Duration, err error) {
	elapsed = elapsed.Round(time.Millisecond)
	faint.Fprintf(out, "------------------------\n\n")

	if err == nil {
		green.Fprintf(out, " ✔ %s after %s\n\n", what, elapsed)
		return
	}

	red.Fprintf(out, " ✘ finished with errors after %s\n", elapsed)
	errs := []error{err}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.Errors
	}
	for _, err := range errs {
		red.Fprintf(out, "   • %s\n", err)
	}
	fmt.Fprintln(out)
}
