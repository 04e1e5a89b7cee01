// Package gc garbage-collects subvolumes that no build output references
// anymore.
//
// Bookkeeping works via hardlink counts: a subvolume "name:version" lives
// in <subvolumes-dir>/name:version/, and its refcount file is
// <refcounts-dir>/name:version.json. Every live build output hardlinks the
// refcount file, so a link count below two means nothing but the refcounts
// directory itself holds a reference, and the subvolume is garbage.
package gc

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const refcountSuffix = ".json"

// Opts configures one collector run. The New* fields are set together when
// the caller is about to build a new subvolume: its refcount is created
// (and linked to NewSubvolumeJSON) under the same lock that the collection
// holds.
type Opts struct {
	RefcountsDir  string
	SubvolumesDir string

	NewSubvolumeName    string
	NewSubvolumeVersion string
	NewSubvolumeJSON    string

	// DeleteSubvol deletes one btrfs subvolume; tests stub it. Nil means
	// `sudo btrfs subvolume delete`.
	DeleteSubvol func(path string) error
}

// HasNewSubvolume reports whether the run should also register a new
// subvolume. The three New* fields must be set together or not at all.
func (o *Opts) HasNewSubvolume() (bool, error) {
	set := 0
	for _, v := range []string{o.NewSubvolumeName, o.NewSubvolumeVersion, o.NewSubvolumeJSON} {
		if v != "" {
			set++
		}
	}
	switch set {
	case 0:
		return false, nil
	case 3:
		return true, nil
	}
	return false, xerrors.New("pass all 3 new-subvolume options, or pass none")
}

// ListSubvolumes returns the "name:version" subvolume wrapper directories.
// Entries without a colon are skipped: they cannot have been made by the
// compiler, so it is not safe to delete them.
func ListSubvolumes(subvolumesDir string) ([]string, error) {
	entries, err := os.ReadDir(subvolumesDir)
	if err != nil {
		return nil, err
	}
	var subvols []string
	for _, e := range entries {
		if !e.IsDir() || !strings.Contains(e.Name(), ":") {
			continue
		}
		subvols = append(subvols, e.Name())
	}
	return subvols, nil
}

// ListRefcounts maps each "name:version" to the link count of its refcount
// file.
func ListRefcounts(refcountsDir string) (map[string]int, error) {
	entries, err := os.ReadDir(refcountsDir)
	if err != nil {
		return nil, err
	}
	refcounts := map[string]int{}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), refcountSuffix)
		if name == e.Name() || !strings.Contains(name, ":") {
			continue
		}
		var st unix.Stat_t
		if err := unix.Lstat(filepath.Join(refcountsDir, e.Name()), &st); err != nil {
			return nil, err
		}
		if st.Mode&unix.S_IFMT != unix.S_IFREG {
			return nil, xerrors.Errorf("refcount %s is not a regular file", e.Name())
		}
		refcounts[name] = int(st.Nlink)
	}
	return refcounts, nil
}

// GarbageCollectSubvolumes deletes every refcount file whose link count
// dropped below two, and every subvolume wrapper whose refcount file is
// gone.
func GarbageCollectSubvolumes(refcountsDir, subvolumesDir string, deleteSubvol func(string) error) error {
	refcounts, err := ListRefcounts(refcountsDir)
	if err != nil {
		return err
	}
	for name, count := range refcounts {
		if count >= 2 {
			continue
		}
		if err := os.Remove(filepath.Join(refcountsDir, name+refcountSuffix)); err != nil {
			return err
		}
		delete(refcounts, name)
	}
	subvols, err := ListSubvolumes(subvolumesDir)
	if err != nil {
		return err
	}
	// Subvolume deletion dominates the run time, and the wrappers are
	// independent, so delete them concurrently.
	var eg errgroup.Group
	for _, name := range subvols {
		if _, ok := refcounts[name]; ok {
			continue
		}
		wrapper := filepath.Join(subvolumesDir, name)
		eg.Go(func() error {
			log.Printf("deleting unreferenced subvolume %s", wrapper)
			return deleteWrapper(wrapper, deleteSubvol)
		})
	}
	return eg.Wait()
}

// deleteWrapper deletes the subvolumes inside a wrapper directory, then
// the wrapper itself.
func deleteWrapper(wrapper string, deleteSubvol func(string) error) error {
	entries, err := os.ReadDir(wrapper)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := deleteSubvol(filepath.Join(wrapper, e.Name())); err != nil {
			return err
		}
	}
	return os.RemoveAll(wrapper)
}

// Run garbage-collects, then (optionally) registers the refcount for a
// subvolume about to be built. If another process holds the subvolumes
// directory lock, collection is skipped; registration still happens, the
// garbage keeps until the next run.
func Run(o Opts) error {
	hasNew, err := o.HasNewSubvolume()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(o.RefcountsDir, 0755); err != nil {
		return err
	}
	deleteSubvol := o.DeleteSubvol
	if deleteSubvol == nil {
		deleteSubvol = btrfsDeleteSubvol
	}

	fd, err := unix.Open(o.SubvolumesDir, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return xerrors.Errorf("open %s: %w", o.SubvolumesDir, err)
	}
	defer unix.Close(fd)
	switch err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err {
	case nil:
		if err := GarbageCollectSubvolumes(o.RefcountsDir, o.SubvolumesDir, deleteSubvol); err != nil {
			return err
		}
		// Not unlocking explicitly: the lock dies with the fd.
	case unix.EWOULDBLOCK:
		// Rare enough that the pile-up of garbage does not matter.
		log.Printf("%s is locked, skipping garbage collection", o.SubvolumesDir)
	default:
		return xerrors.Errorf("flock %s: %w", o.SubvolumesDir, err)
	}

	if !hasNew {
		return nil
	}
	refcount := filepath.Join(o.RefcountsDir, o.NewSubvolumeName+":"+o.NewSubvolumeVersion+refcountSuffix)
	f, err := os.OpenFile(refcount, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return xerrors.Errorf("refcount already exists: %s", refcount)
		}
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Link(refcount, o.NewSubvolumeJSON)
}

func btrfsDeleteSubvol(path string) error {
	cmd := exec.Command("sudo", "--", "btrfs", "subvolume", "delete", path)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("btrfs subvolume delete %s: %w", path, err)
	}
	return nil
}
