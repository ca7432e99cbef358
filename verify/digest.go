// Package verify checks downloaded files against the digests published alongside release assets.
package verify

import (
	"crypto/md5"  //nolint:gosec // legacy release digests
	"crypto/sha1" //nolint:gosec // legacy release digests
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrInvalidDigest is returned when a digest string is not in the `algorithm:hex` form
// or names an algorithm that isn't supported.
var ErrInvalidDigest = errors.New("invalid digest")

var algorithms = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha512": sha512.New,
	"sha1":   sha1.New,
	"md5":    md5.New,
}

// Digest is a parsed `algorithm:hex` value.
type Digest struct {
	Algorithm string
	Hex       string
}

func (d Digest) String() string {
	return d.Algorithm + ":" + d.Hex
}

// Prefix returns the first n characters of the hex value.
func (d Digest) Prefix(n int) string {
	if len(d.Hex) < n {
		return d.Hex
	}
	return d.Hex[:n]
}

// Parse splits a digest string like "sha256:deadbeef" into its components.
// The algorithm name is lowercased; the hex value must decode and match the
// algorithm's output size.
func Parse(digest string) (Digest, error) {
	algo, value, ok := strings.Cut(strings.TrimSpace(digest), ":")
	if !ok || algo == "" || value == "" {
		return Digest{}, fmt.Errorf("%w: %q is not in algorithm:hex form", ErrInvalidDigest, digest)
	}

	algo = strings.ToLower(algo)
	constructor, ok := algorithms[algo]
	if !ok {
		return Digest{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidDigest, algo)
	}

	raw, err := hex.DecodeString(value)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %s", ErrInvalidDigest, err.Error())
	}
	if len(raw) != constructor().Size() {
		return Digest{}, fmt.Errorf("%w: %s digest must be %d bytes, got %d", ErrInvalidDigest, algo, constructor().Size(), len(raw))
	}

	return Digest{Algorithm: algo, Hex: strings.ToLower(value)}, nil
}

// MismatchError is returned when a file's content doesn't hash to the expected digest.
type MismatchError struct {
	Path      string
	Algorithm string
	Expected  string
	Actual    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf(
		"digest mismatch for %s: expected %s:%s, got %s:%s",
		e.Path, e.Algorithm, e.Expected, e.Algorithm, e.Actual,
	)
}

// File streams the file at path through the algorithm named in expected and compares
// the result. A *MismatchError is returned when the digests differ.
func File(path, expected string) error {
	digest, err := Parse(expected)
	if err != nil {
		return err
	}

	actual, err := Sum(path, digest.Algorithm)
	if err != nil {
		return err
	}

	if !strings.EqualFold(actual, digest.Hex) {
		return &MismatchError{
			Path:      path,
			Algorithm: digest.Algorithm,
			Expected:  digest.Hex,
			Actual:    actual,
		}
	}

	return nil
}

// Sum returns the lowercase hex digest of the file at path.
func Sum(path, algorithm string) (string, error) {
	constructor, ok := algorithms[strings.ToLower(algorithm)]
	if !ok {
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidDigest, algorithm)
	}

	file, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "failed to open %s", path)
	}
	defer file.Close()

	hasher := constructor()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", eris.Wrapf(err, "failed to read %s", path)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
