// Package subvol is the privilege / abstraction boundary through which the
// compiler manipulates the btrfs subvolume under construction. The build
// code itself runs unprivileged; everything that needs root shells out via
// `sudo` through this one package.
package subvol

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// ErrPathEscape is reported when a path would resolve outside the
// subvolume, e.g. through `..` or a symlink pointing at the host.
var ErrPathEscape = xerrors.New("path is outside the subvolume")

const btrfsSubvolInode = 256

// Subvol is a ticket to operate on a btrfs subvolume that exists, or is
// about to be created, at a known path on disk. This convention lets us
// cleanly describe paths on a subvolume that does not yet physically exist.
type Subvol struct {
	root   string
	exists bool
}

// New returns a Subvol for a subvolume that does not exist yet; call
// Create or Snapshot to actually make it.
func New(path string) (*Subvol, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Subvol{root: abs}, nil
}

// FromExisting returns a Subvol for a subvolume that must already exist.
func FromExisting(path string) (*Subvol, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	ok, err := isBtrfsSubvol(abs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.Errorf("no btrfs subvol at %s", abs)
	}
	return &Subvol{root: abs, exists: true}, nil
}

// isBtrfsSubvol reports whether path is the root of a btrfs subvolume: it
// lives on btrfs and its inode number is 256.
func isBtrfsSubvol(path string) (bool, error) {
	var sfs unix.Statfs_t
	if err := unix.Statfs(path, &sfs); err != nil {
		return false, xerrors.Errorf("statfs %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, xerrors.Errorf("stat %s: %w", path, err)
	}
	return sfs.Type == unix.BTRFS_SUPER_MAGIC && st.Ino == btrfsSubvolInode, nil
}

// Path is the only safe way to access paths inside the subvolume. The
// returned path is guaranteed to resolve inside the subvolume root: `..`
// components cannot exit it, and symlinks along the way are interpreted as
// if the subvolume were the filesystem root.
func (s *Subvol) Path(pathInSubvol string) (string, error) {
	return s.path(pathInSubvol, false)
}

// PathNoDereferenceLeaf is Path, except that the last component is not
// resolved. Use it to manipulate a symlink itself (e.g. remove or rename).
func (s *Subvol) PathNoDereferenceLeaf(pathInSubvol string) (string, error) {
	return s.path(pathInSubvol, true)
}

func (s *Subvol) path(pathInSubvol string, noDereferenceLeaf bool) (string, error) {
	// Strip the leading / so absolute paths are subvolume-relative, and
	// refuse to even start resolving something that names the outside.
	rel := strings.TrimLeft(pathInSubvol, "/")
	if clean := filepath.Clean(rel); clean == ".." || strings.HasPrefix(clean, "../") {
		return "", xerrors.Errorf("%q: %w", pathInSubvol, ErrPathEscape)
	}
	if noDereferenceLeaf {
		dir, base := filepath.Split(rel)
		joined, err := securejoin.SecureJoin(s.root, dir)
		if err != nil {
			return "", xerrors.Errorf("%q: %w", pathInSubvol, ErrPathEscape)
		}
		return filepath.Join(joined, base), nil
	}
	joined, err := securejoin.SecureJoin(s.root, rel)
	if err != nil {
		return "", xerrors.Errorf("%q: %w", pathInSubvol, ErrPathEscape)
	}
	return joined, nil
}

// Root returns the filesystem path of the subvolume root. Do NOT join
// image-relative paths onto it yourself, use Path.
func (s *Subvol) Root() string { return s.root }

func (s *Subvol) Exists() bool { return s.exists }

type runOpts struct {
	stdin      io.Reader
	stdout     io.Writer
	wantExists bool
}

// RunAsRoot runs a command against the image. IMPORTANT: you MUST wrap all
// image paths with Path, see that function's doc comment. Stdout goes to
// stderr so that the caller's stdout stays usable in pipelines.
func (s *Subvol) RunAsRoot(argv []string) error {
	return s.runAsRoot(argv, runOpts{wantExists: true})
}

// RunAsRootInput is RunAsRoot with the command's stdin connected to r.
func (s *Subvol) RunAsRootInput(argv []string, r io.Reader) error {
	return s.runAsRoot(argv, runOpts{stdin: r, wantExists: true})
}

func (s *Subvol) runAsRoot(argv []string, o runOpts) error {
	if o.wantExists != s.exists {
		return xerrors.Errorf("%s: exists is %v, not %v", s.root, s.exists, o.wantExists)
	}
	// The '--' is to avoid argv from accidentally being parsed as
	// environment variables or sudo options.
	cmd := exec.Command("sudo", append([]string{"--"}, argv...)...)
	cmd.Stdin = o.stdin
	cmd.Stdout = os.Stderr
	if o.stdout != nil {
		cmd.Stdout = o.stdout
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("sudo %v: %w", argv, err)
	}
	return nil
}

// Create makes the subvolume.
func (s *Subvol) Create() error {
	if err := s.runAsRoot([]string{"btrfs", "subvolume", "create", s.root}, runOpts{}); err != nil {
		return err
	}
	s.exists = true
	return nil
}

// Snapshot makes the subvolume as a snapshot of source.
func (s *Subvol) Snapshot(source *Subvol) error {
	// `btrfs subvolume snapshot` has awkward semantics around an existing
	// dest, so ensure the path physically does not exist. This needs to run
	// as root since we may lack permission to stat it.
	if err := s.runAsRoot([]string{"test", "!", "-e", s.root}, runOpts{}); err != nil {
		return xerrors.Errorf("%s already exists: %w", s.root, err)
	}
	if err := s.runAsRoot([]string{"btrfs", "subvolume", "snapshot", source.root, s.root}, runOpts{}); err != nil {
		return err
	}
	s.exists = true
	return nil
}

func (s *Subvol) Delete() error {
	if err := s.RunAsRoot([]string{"btrfs", "subvolume", "delete", s.root}); err != nil {
		return err
	}
	s.exists = false
	return nil
}

func (s *Subvol) SetReadonly(readonly bool) error {
	ro := "false"
	if readonly {
		ro = "true"
	}
	return s.RunAsRoot([]string{"btrfs", "property", "set", "-ts", s.root, "ro", ro})
}

func (s *Subvol) Sync() error {
	return s.RunAsRoot([]string{"btrfs", "filesystem", "sync", s.root})
}

// MarkReadonlyAndWriteSendstream marks the subvolume read-only and writes
// its btrfs send-stream to w. A non-nil parent produces an incremental
// stream.
func (s *Subvol) MarkReadonlyAndWriteSendstream(w io.Writer, parent *Subvol) error {
	if err := s.SetReadonly(true); err != nil {
		return err
	}
	// A `send` without a sync can violate read-after-write consistency and
	// send a "past" view of the filesystem.
	if err := s.Sync(); err != nil {
		return err
	}
	argv := []string{"btrfs", "send"}
	if parent != nil {
		argv = append(argv, "-p", parent.root)
	}
	argv = append(argv, s.root)
	return s.runAsRoot(argv, runOpts{stdout: w, wantExists: true})
}
