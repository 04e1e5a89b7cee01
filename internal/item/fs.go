package item

import (
	gopath "path"

	"github.com/imgr1/imgr/internal/imagepath"
	"github.com/imgr1/imgr/internal/subvol"
)

// dirname is gopath.Dir over normalized image-relative paths, with the
// image root spelled "".
func dirname(rel string) string {
	d := gopath.Dir(rel)
	if d == "." || d == "/" {
		return ""
	}
	return d
}

// MakeDirsItem creates every directory of pathToMake under intoDir, which
// must already exist.
type MakeDirsItem struct {
	base
	intoDir    string
	pathToMake string
	stat       StatOpts
}

func NewMakeDirsItem(fromTarget, intoDir, pathToMake string, stat StatOpts) (*MakeDirsItem, error) {
	into, err := imagepath.Normalize(intoDir)
	if err != nil {
		return nil, err
	}
	toMake, err := imagepath.Normalize(pathToMake)
	if err != nil {
		return nil, err
	}
	return &MakeDirsItem{base: base{fromTarget}, intoDir: into, pathToMake: toMake, stat: stat}, nil
}

func (i *MakeDirsItem) Provides() ([]Provide, error) {
	var provs []Provide
	// Provide each intermediate directory, but NOT intoDir itself.
	for inner := gopath.Join(i.intoDir, i.pathToMake); inner != i.intoDir && inner != "."; inner = dirname(inner) {
		provs = append(provs, ProvidesDirectory(inner))
	}
	return provs, nil
}

func (i *MakeDirsItem) Requires() []Require {
	return []Require{RequiresDirectory(i.intoDir)}
}

func (i *MakeDirsItem) Build(sv *subvol.Subvol) error {
	inner, err := sv.Path(gopath.Join(i.intoDir, i.pathToMake))
	if err != nil {
		return err
	}
	if err := sv.RunAsRoot([]string{"mkdir", "-p", inner}); err != nil {
		return err
	}
	// Ownership and mode apply to the whole newly made subtree.
	outer, err := sv.Path(gopath.Join(i.intoDir, firstComponent(i.pathToMake)))
	if err != nil {
		return err
	}
	return i.stat.apply(sv, outer)
}

func firstComponent(rel string) string {
	for j := 0; j < len(rel); j++ {
		if rel[j] == '/' {
			return rel[:j]
		}
	}
	return rel
}

// CopyFileItem copies a file from the host into the image.
type CopyFileItem struct {
	base
	source string
	dest   string
	stat   StatOpts
}

func NewCopyFileItem(fromTarget, source, dest string, stat StatOpts) (*CopyFileItem, error) {
	d, err := imagepath.RsyncDest(dest, source)
	if err != nil {
		return nil, err
	}
	return &CopyFileItem{base: base{fromTarget}, source: source, dest: d, stat: stat}, nil
}

func (i *CopyFileItem) Provides() ([]Provide, error) {
	return []Provide{ProvidesFile(i.dest)}, nil
}

func (i *CopyFileItem) Requires() []Require {
	return []Require{RequiresDirectory(dirname(i.dest))}
}

func (i *CopyFileItem) Build(sv *subvol.Subvol) error {
	dest, err := sv.Path(i.dest)
	if err != nil {
		return err
	}
	if err := sv.RunAsRoot([]string{"cp", i.source, dest}); err != nil {
		return err
	}
	return i.stat.apply(sv, dest)
}

// symlinkItem is the shared half of the two symlink item types.
type symlinkItem struct {
	base
	source string
	dest   string
}

func newSymlinkItem(fromTarget, source, dest string) (symlinkItem, error) {
	src, err := imagepath.Normalize(source)
	if err != nil {
		return symlinkItem{}, err
	}
	d, err := imagepath.RsyncDest(dest, src)
	if err != nil {
		return symlinkItem{}, err
	}
	return symlinkItem{base: base{fromTarget}, source: src, dest: d}, nil
}

func (i *symlinkItem) Build(sv *subvol.Subvol) error {
	dest, err := sv.PathNoDereferenceLeaf(i.dest)
	if err != nil {
		return err
	}
	// The link target is always absolute inside the image.
	return sv.RunAsRoot([]string{"ln", "--symbolic", "--no-dereference", imagepath.Rooted(i.source), dest})
}

// SymlinkToDirItem symlinks dest to a directory that another item provides.
type SymlinkToDirItem struct{ symlinkItem }

func NewSymlinkToDirItem(fromTarget, source, dest string) (*SymlinkToDirItem, error) {
	s, err := newSymlinkItem(fromTarget, source, dest)
	if err != nil {
		return nil, err
	}
	return &SymlinkToDirItem{s}, nil
}

func (i *SymlinkToDirItem) Provides() ([]Provide, error) {
	return []Provide{ProvidesDirectory(i.dest)}, nil
}

func (i *SymlinkToDirItem) Requires() []Require {
	return []Require{
		RequiresDirectory(i.source),
		RequiresDirectory(dirname(i.dest)),
	}
}

// SymlinkToFileItem symlinks dest to a file that another item provides.
type SymlinkToFileItem struct{ symlinkItem }

func NewSymlinkToFileItem(fromTarget, source, dest string) (*SymlinkToFileItem, error) {
	s, err := newSymlinkItem(fromTarget, source, dest)
	if err != nil {
		return nil, err
	}
	return &SymlinkToFileItem{s}, nil
}

func (i *SymlinkToFileItem) Provides() ([]Provide, error) {
	return []Provide{ProvidesFile(i.dest)}, nil
}

func (i *SymlinkToFileItem) Requires() []Require {
	return []Require{
		RequiresFile(i.source),
		RequiresDirectory(dirname(i.dest)),
	}
}
