package item

import (
	"archive/tar"
	"encoding/hex"
	"io"
	"os"
	"os/exec"
	gopath "path"
	"path/filepath"
	"strings"

	cpio "github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/compress/zstd"
	pgzip "github.com/klauspost/pgzip"

	"github.com/imgr1/imgr"
	"github.com/imgr1/imgr/internal/imagepath"
	"github.com/imgr1/imgr/internal/subvol"
	"golang.org/x/xerrors"
)

// TarballItem extracts an archive (tar or cpio, optionally gzip- or
// zstd-compressed) into a directory that another item provides. The archive
// content is pinned by checksum at construction time.
type TarballItem struct {
	base
	intoDir            string
	tarball            string
	hash               imgr.Checksum
	forceRootOwnership bool
}

func NewTarballItem(fromTarget, intoDir, tarball, hash string, forceRootOwnership bool) (*TarballItem, error) {
	sum, err := imgr.ParseChecksum(hash)
	if err != nil {
		return nil, err
	}
	actual, err := hashFile(tarball, sum)
	if err != nil {
		return nil, err
	}
	if actual != sum.Hexdigest {
		return nil, imgr.Invalidf("%s: got %s:%s: %w", tarball, sum.Algorithm, actual, ErrHashMismatch)
	}
	into, err := imagepath.Normalize(intoDir)
	if err != nil {
		return nil, err
	}
	return &TarballItem{
		base:               base{fromTarget},
		intoDir:            into,
		tarball:            tarball,
		hash:               sum,
		forceRootOwnership: forceRootOwnership,
	}, nil
}

// NewGeneratedTarballItem runs generator, which must write one archive into
// the temporary directory it receives as its last argument and print the
// archive's name. The temporary directory is deleted via the imgr cleanup
// stack, no matter how the build exits.
func NewGeneratedTarballItem(fromTarget, intoDir, generator string, generatorArgs []string, hash string, forceRootOwnership bool) (*TarballItem, error) {
	tmp, err := os.MkdirTemp("", "imgr-tarball-")
	if err != nil {
		return nil, err
	}
	imgr.RegisterCleanup(func() error { return os.RemoveAll(tmp) })
	out, err := exec.Command(generator, append(append([]string{}, generatorArgs...), tmp)...).Output()
	if err != nil {
		return nil, xerrors.Errorf("generator %s: %w", generator, err)
	}
	name := string(out)
	if !strings.HasSuffix(name, "\n") {
		return nil, imgr.Invalidf("generator %s printed %q, want a newline-terminated archive name", generator, name)
	}
	name = filepath.Clean(strings.TrimSuffix(name, "\n"))
	if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return nil, imgr.Invalidf("generator %s printed archive name %q outside its directory", generator, name)
	}
	return NewTarballItem(fromTarget, intoDir, filepath.Join(tmp, name), hash, forceRootOwnership)
}

func hashFile(path string, sum imgr.Checksum) (string, error) {
	h, err := sum.Hasher()
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (i *TarballItem) Provides() ([]Provide, error) {
	var provs []Provide
	err := forEachArchiveEntry(i.tarball, func(name string, isDir bool) error {
		rel, err := imagepath.Normalize(name)
		if err != nil {
			return err
		}
		if isDir {
			// We do NOT provide the extraction directory itself, and the
			// extractor takes pains not to touch it either.
			if rel == "" {
				return nil
			}
			provs = append(provs, ProvidesDirectory(gopath.Join(i.intoDir, rel)))
		} else {
			provs = append(provs, ProvidesFile(gopath.Join(i.intoDir, rel)))
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", i.tarball, err)
	}
	return provs, nil
}

func (i *TarballItem) Requires() []Require {
	return []Require{RequiresDirectory(i.intoDir)}
}

func (i *TarballItem) Build(sv *subvol.Subvol) error {
	dest, err := sv.Path(i.intoDir)
	if err != nil {
		return err
	}
	f, err := os.Open(i.tarball)
	if err != nil {
		return err
	}
	defer f.Close()
	r, name, closeDecompressor, err := maybeDecompress(f, i.tarball)
	if err != nil {
		return err
	}
	defer closeDecompressor()
	if strings.HasSuffix(name, ".cpio") {
		argv := []string{"cpio", "--extract", "--make-directories", "--quiet", "--directory", dest}
		if i.forceRootOwnership {
			argv = append(argv, "--no-preserve-owner")
		}
		return sv.RunAsRootInput(argv, r)
	}
	argv := []string{
		"tar", "-C", dest, "-x",
	}
	// The uid:gid doing the extraction is root:root, so by default tar
	// restores file ownership from the archive. In some cases we just want
	// all files root-owned.
	if i.forceRootOwnership {
		argv = append(argv, "--no-same-owner")
	}
	// --keep-old-files makes an existing file an error (an existing
	// directory is fine), and keeps tar from overwriting the permissions
	// of directories it descends into. Redundant with the compiler's
	// conflict detection, but cheap.
	argv = append(argv, "--keep-old-files", "-f", "-")
	return sv.RunAsRootInput(argv, r)
}

// maybeDecompress wraps f in a decompressor according to the archive file
// name, returning the reader, the file name with the compression suffix
// stripped, and a close func for the decompressor.
func maybeDecompress(f *os.File, name string) (io.Reader, string, func(), error) {
	switch {
	case strings.HasSuffix(name, ".zst"):
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, "", nil, err
		}
		return dec, strings.TrimSuffix(name, ".zst"), dec.Close, nil
	case strings.HasSuffix(name, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, "", nil, err
		}
		return gz, strings.TrimSuffix(name, ".tgz") + ".tar", func() { gz.Close() }, nil
	case strings.HasSuffix(name, ".gz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, "", nil, err
		}
		return gz, strings.TrimSuffix(name, ".gz"), func() { gz.Close() }, nil
	}
	return f, name, func() {}, nil
}

// forEachArchiveEntry enumerates the entries of a tar or cpio archive.
func forEachArchiveEntry(archivePath string, fn func(name string, isDir bool) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	r, name, closeDecompressor, err := maybeDecompress(f, archivePath)
	if err != nil {
		return err
	}
	defer closeDecompressor()
	if strings.HasSuffix(name, ".cpio") {
		cr := cpio.NewReader(r)
		for {
			hdr, err := cr.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if err := fn(hdr.Name, hdr.FileInfo().IsDir()); err != nil {
				return err
			}
		}
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(hdr.Name, hdr.Typeflag == tar.TypeDir); err != nil {
			return err
		}
	}
}
