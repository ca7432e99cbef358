package plugin

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"go.uber.org/zap"
)

type unpacker func(archive, destination string) error

var formats = []struct {
	suffix string
	unpack unpacker
}{
	{".tar.gz", untargz},
	{".tgz", untargz},
	{".tar", untar},
	{".zip", unzip},
}

// IsArchive reports whether name has an extension the extract step can unpack.
func IsArchive(name string) bool {
	name = strings.ToLower(name)
	for _, format := range formats {
		if strings.HasSuffix(name, format.suffix) {
			return true
		}
	}
	return false
}

func extractstep(step Step, pc Context) error {
	destination := pc.WorkDir
	if step.Directory != "" {
		joined, err := securejoin.SecureJoin(pc.WorkDir, step.Directory)
		if err != nil {
			return fmt.Errorf("invalid extract directory %s: %w", step.Directory, err)
		}
		destination = joined
	}

	name := strings.ToLower(filepath.Base(pc.Downloaded))
	for _, format := range formats {
		if strings.HasSuffix(name, format.suffix) {
			if err := os.MkdirAll(destination, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", destination, err)
			}
			return format.unpack(pc.Downloaded, destination)
		}
	}

	zap.L().Warn("unsupported archive format, skipping extraction", zap.String("file", pc.Downloaded))
	return nil
}

// handles .tar.gz and .tgz files
func untargz(archive, destination string) error {
	file, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	decompressor, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer decompressor.Close()

	return unpacktar(decompressor, destination)
}

// handles uncompressed .tar files
func untar(archive, destination string) error {
	file, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	return unpacktar(file, destination)
}

func unpacktar(stream io.Reader, destination string) error {
	reader := tar.NewReader(stream)

	for {
		header, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		target, err := securejoin.SecureJoin(destination, header.Name)
		if err != nil {
			return fmt.Errorf("invalid archive entry %s: %w", header.Name, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writefile(target, reader, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			zap.L().Debug("skipping archive entry", zap.String("entry", header.Name), zap.Uint8("type", header.Typeflag))
		}
	}
}

// handles .zip files
func unzip(archive, destination string) error {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to create zip reader: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		target, err := securejoin.SecureJoin(destination, file.Name)
		if err != nil {
			return fmt.Errorf("invalid archive entry %s: %w", file.Name, err)
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			continue
		}

		if !file.Mode().IsRegular() {
			zap.L().Debug("skipping archive entry", zap.String("entry", file.Name))
			continue
		}

		contents, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open archive entry %s: %w", file.Name, err)
		}

		err = writefile(target, contents, file.Mode().Perm())
		contents.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

// writefile creates target with the given permissions, making sure the owner can
// always read and write it.
func writefile(target string, contents io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(target), err)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}
	defer out.Close()

	_ = os.Chmod(target, perm|0o600)

	if _, err := io.Copy(out, contents); err != nil {
		return fmt.Errorf("failed to copy data to file %s: %w", target, err)
	}

	return nil
}
