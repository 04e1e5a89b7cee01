// Package imagepath implements the path algebra of the image compiler.
//
// All paths that items provide, require or write to are image-relative:
// normalized, never absolute, never reaching above the image root. The
// reserved metadata directory is off-limits to regular items.
package imagepath

import (
	gopath "path"
	"strings"

	"github.com/imgr1/imgr"
	"golang.org/x/xerrors"
)

// MetaDir is off-limits to regular image operations, it exists only to
// record image metadata and configuration. This is at the root, instead of
// in `etc`, because that way a from-scratch layer does not have to provide
// `etc` and determine its permissions.
//
// NB: The trailing slash is significant, making this a protected directory,
// not a protected file.
const MetaDir = "meta/"

var (
	ErrIllegalPath      = xerrors.New("path escapes the image root")
	ErrReservedMetaPath = xerrors.New("path is inside the reserved metadata directory")
)

// Normalize canonicalizes p to image-relative form: `.` and `..` segments
// are collapsed, a leading / is stripped so absolute inputs are treated as
// image-relative, and the image root comes out as "". Paths that resolve
// above the root or into MetaDir are rejected.
func Normalize(p string) (string, error) {
	d := gopath.Clean(p)
	// An absolute path clamps at the root, a relative one may still climb
	// above it.
	if d == ".." || strings.HasPrefix(d, "../") {
		return "", imgr.Invalidf("path %q: %w", p, ErrIllegalPath)
	}
	d = strings.TrimLeft(d, "/")
	if d == "." {
		d = ""
	}
	if strings.HasPrefix(d+"/", MetaDir) {
		return "", imgr.Invalidf("path %q: %w", p, ErrReservedMetaPath)
	}
	return d, nil
}

// RsyncDest applies the rsync convention for a destination: "ends/in/slash/"
// means "copy into this directory", "does/not/end/with/slash" means "copy
// with the specified filename".
func RsyncDest(dest, source string) (string, error) {
	if strings.HasSuffix(dest, "/") {
		dest = gopath.Join(dest, gopath.Base(source))
	}
	return Normalize(dest)
}

// Rooted turns a normalized image-relative path into its "/"-anchored form,
// the canonical key of the requires/provides namespace. The image root maps
// to "/".
func Rooted(rel string) string {
	return gopath.Join("/", rel)
}

// DirnameRooted returns the rooted parent directory of a normalized
// image-relative path, e.g. "a/b" -> "/a", "x" -> "/".
func DirnameRooted(rel string) string {
	return gopath.Dir(Rooted(rel))
}

// IsProtected reports whether path (image-relative, no trailing slash
// semantics of its own) falls inside any entry of the protected set.
// Protected entries ending in "/" are protected directories, others are
// protected files; a protected file entry "x/y" still shadows "x/y/anything".
func IsProtected(path string, protected map[string]bool) bool {
	for prot := range protected {
		if !strings.HasSuffix(prot, "/") {
			prot += "/"
		}
		if strings.HasPrefix(path+"/", prot) {
			return true
		}
	}
	return false
}
