// Package imgr holds the small shared vocabulary of the image compiler:
// content checksums, the error class that separates "your layer description
// is broken" from "the machine failed", and the cleanup stack for build-time
// temporary resources.
package imgr

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"

	"golang.org/x/xerrors"
)

// Checksum identifies file content as "<algorithm>:<hexdigest>",
// e.g. "sha256:dd83…".
type Checksum struct {
	Algorithm string
	Hexdigest string
}

func ParseChecksum(s string) (Checksum, error) {
	idx := strings.IndexByte(s, ':')
	if idx == -1 {
		return Checksum{}, Invalidf("checksum %q: want <algorithm>:<hexdigest>", s)
	}
	return Checksum{Algorithm: s[:idx], Hexdigest: s[idx+1:]}, nil
}

func (c Checksum) String() string {
	return c.Algorithm + ":" + c.Hexdigest
}

// Hasher returns a fresh hash for the checksum's algorithm. Certain repos
// use "sha" to refer to SHA-1, so that alias is honored.
func (c Checksum) Hasher() (hash.Hash, error) {
	switch c.Algorithm {
	case "sha", "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "md5":
		return md5.New(), nil
	}
	return nil, Invalidf("checksum %q: unknown algorithm", c.String())
}

// InvalidLayerError marks failures caused by the layer description itself
// (bad paths, conflicting items, unsatisfiable requirements, …) as opposed
// to failures of the subvolume/package-manager machinery. The CLI exits 2
// for the former and 1 for the latter.
type InvalidLayerError struct {
	err error
}

func (e *InvalidLayerError) Error() string { return e.err.Error() }

func (e *InvalidLayerError) Unwrap() error { return e.err }

// Invalidf is xerrors.Errorf, with the result classified as an
// InvalidLayerError.
func Invalidf(format string, a ...interface{}) error {
	return &InvalidLayerError{err: xerrors.Errorf(format, a...)}
}
