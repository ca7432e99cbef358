package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
)

// NotFoundError is returned when a step can't find its source file.
type NotFoundError struct {
	Name string
	Root string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("file %s not found in %s", e.Name, e.Root)
}

// find walks root depth first and returns the first regular file called name.
func find(root, name string) (string, error) {
	var found string

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() && entry.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to search %s: %w", root, err)
	}

	if found == "" {
		return "", &NotFoundError{Name: name, Root: root}
	}

	return found, nil
}

// source returns the path a copy or rename step reads from.
func source(step Step, pc Context) (string, error) {
	if step.Source == "" {
		return pc.Downloaded, nil
	}
	return find(pc.WorkDir, step.Source)
}

func copystep(step Step, pc Context) error {
	src, err := source(step, pc)
	if err != nil {
		return err
	}

	zap.L().Debug("copying file", zap.String("from", src), zap.String("to", step.Destination))
	return copyfile(src, step.Destination)
}

func renamestep(step Step, pc Context) error {
	src, err := source(step, pc)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(step.Destination), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(step.Destination), err)
	}

	err = os.Rename(src, step.Destination)
	if err == nil {
		return nil
	}

	// rename doesn't work across filesystems, the temp dir is often on one of its own
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("failed to move %s: %w", src, err)
	}

	if err := copyfile(src, step.Destination); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyfile copies src to dst keeping the permission bits, creating parent directories.
func copyfile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	return writefile(dst, in, info.Mode().Perm())
}
