// Package plugin post processes verified downloads: extracting archives, picking
// files out of them and cleaning up after.
//
// A pipeline is a list of [Step] values applied in order inside a scratch directory
// created for the asset, which is removed once the pipeline finishes regardless of
// the outcome.
//
//	steps := []plugin.Step{
//		plugin.Extract(""),
//		plugin.Copy("tool", "./bin/tool"),
//		plugin.Clear(),
//	}
package plugin

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Context carries what steps can act upon.
type Context struct {
	// Tag of the release the asset belongs to.
	Tag string
	// Name is the file name of the asset.
	Name string
	// URL the asset was downloaded from.
	URL string
	// Digest the download was verified against.
	Digest string

	// Downloaded is the path of the verified file in the download cache.
	Downloaded string
	// DownloadDir is the cache directory holding Downloaded.
	DownloadDir string
	// WorkDir is the scratch directory of this pipeline run.
	WorkDir string
}

// Run applies the steps in order. The scratch directory is created under the system
// temp dir and removed when Run returns.
func Run(ctx context.Context, steps []Step, pc Context) error {
	if len(steps) == 0 {
		return nil
	}

	workdir, err := os.MkdirTemp("", "grab-plugin-*")
	if err != nil {
		return eris.Wrap(err, "failed to create plugin working directory")
	}
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			zap.L().Warn("failed to remove plugin working directory", zap.String("dir", workdir), zap.Error(err))
		}
	}()

	pc.WorkDir = workdir

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		zap.L().Debug("running plugin step", zap.String("asset", pc.Name), zap.Stringer("step", step))

		if err := dispatch(step, pc); err != nil {
			return fmt.Errorf("step %d (%s) failed for %s: %w", i+1, step.Kind, pc.Name, err)
		}
	}

	return nil
}

func dispatch(step Step, pc Context) error {
	if err := step.Validate(); err != nil {
		return err
	}

	switch step.Kind {
	case KindExtract:
		return extractstep(step, pc)
	case KindCopy:
		return copystep(step, pc)
	case KindRename:
		return renamestep(step, pc)
	case KindClear:
		clearstep(pc)
		return nil
	}

	return nil
}

// clearstep removes the downloaded file; the artifact has been materialized already,
// so failures are only logged.
func clearstep(pc Context) {
	if err := os.Remove(pc.Downloaded); err != nil && !os.IsNotExist(err) {
		zap.L().Warn("failed to clear downloaded file", zap.String("path", pc.Downloaded), zap.Error(err))
	}
}
