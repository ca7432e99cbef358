package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/aexvir/grab"
	"github.com/aexvir/grab/verify"
)

type choice struct {
	text   string
	action grab.Action
}

var choices = []choice{
	{"retry, clearing the cached file", grab.ActionRetry},
	{"skip, keep going without it", grab.ActionSkip},
	{"reject, fail the download", grab.ActionReject},
	{"leave it pending", grab.ActionPending},
}

// interactive reports whether the operator can be asked about failed verifications.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && isatty.IsTerminal(os.Stdout.Fd())
}

// ask prompts the operator for what to do with every asset whose digest didn't match.
func ask(assets []grab.DownloadAsset, failure func(name string) error) ([]grab.Decision, error) {
	items := make([]string, len(choices))
	for i, c := range choices {
		items[i] = c.text
	}

	decisions := make([]grab.Decision, 0, len(assets))
	for _, asset := range assets {
		logstep(os.Stdout, fmt.Sprintf("%s failed verification", asset.FileName))
		for _, line := range mismatch(asset, failure(asset.FileName)) {
			logdetail(os.Stdout, line)
		}

		prompt := promptui.Select{
			Label: "What should happen to " + asset.FileName,
			Items: items,
			Templates: &promptui.SelectTemplates{
				Label:    "{{ . }}:",
				Active:   "▶ {{ . | cyan }}",
				Inactive: "  {{ . }}",
				Selected: "{{ . | faint }}",
			},
		}

		index, _, err := prompt.Run()
		if err != nil {
			if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
				return nil, errors.New("interrupted")
			}
			return nil, fmt.Errorf("prompt failed: %w", err)
		}

		decisions = append(decisions, grab.Decision{Asset: asset, Action: choices[index].action})
	}

	return decisions, nil
}

// mismatch describes why an asset failed verification.
func mismatch(asset grab.DownloadAsset, err error) []string {
	var merr *verify.MismatchError
	if !errors.As(err, &merr) {
		return []string{fmt.Sprintf("expected %s", asset.Digest)}
	}

	return []string{
		fmt.Sprintf("expected %s:%s", merr.Algorithm, merr.Expected),
		fmt.Sprintf("actual   %s:%s", merr.Algorithm, merr.Actual),
	}
}

// unverified is the error reported when nobody can be asked about the mismatches.
func unverified(assets []grab.DownloadAsset, failure func(name string) error) error {
	var errs *multierror.Error
	for _, asset := range assets {
		reason := failure(asset.FileName)
		if reason == nil {
			reason = fmt.Errorf("digest mismatch, expected %s", asset.Digest)
		}
		errs = multierror.Append(errs, fmt.Errorf("%s failed verification: %w", asset.FileName, reason))
	}
	return errs.ErrorOrNil()
}
