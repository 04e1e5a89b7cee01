package item

import (
	"fmt"

	"github.com/imgr1/imgr/internal/imagepath"
)

// PathKind classifies the claim a Provide or Require makes about a path.
type PathKind int

const (
	KindDirectory PathKind = iota
	KindFile
	// KindDoNotAccess reserves a path: no other item may provide or
	// require anything inside it. Only valid on provides.
	KindDoNotAccess
)

func (k PathKind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	case KindDoNotAccess:
		return "do-not-access"
	}
	return fmt.Sprintf("PathKind(%d)", int(k))
}

// Provide is a claim a built item makes about a resulting filesystem path.
// Path is in rooted form ("/", "/a/b"), the canonical key of the
// requires/provides namespace.
type Provide struct {
	Kind PathKind
	Path string
}

// Require is a claim a candidate item makes about the pre-existing
// filesystem it needs. Path is in rooted form.
type Require struct {
	Kind PathKind
	Path string
}

// The constructors take normalized image-relative paths (as produced by
// imagepath.Normalize); item constructors are responsible for having
// normalized their fields.

func ProvidesDirectory(rel string) Provide {
	return Provide{Kind: KindDirectory, Path: imagepath.Rooted(rel)}
}

func ProvidesFile(rel string) Provide {
	return Provide{Kind: KindFile, Path: imagepath.Rooted(rel)}
}

func ProvidesDoNotAccess(rel string) Provide {
	return Provide{Kind: KindDoNotAccess, Path: imagepath.Rooted(rel)}
}

func RequiresDirectory(rel string) Require {
	return Require{Kind: KindDirectory, Path: imagepath.Rooted(rel)}
}

func RequiresFile(rel string) Require {
	return Require{Kind: KindFile, Path: imagepath.Rooted(rel)}
}

// Matches reports whether the provide satisfies the requirement: same path
// and matching kind. KindDoNotAccess satisfies nothing.
func (p Provide) Matches(r Require) bool {
	return p.Path == r.Path && p.Kind == r.Kind
}

func (p Provide) String() string {
	return fmt.Sprintf("provides %s %s", p.Kind, p.Path)
}

func (r Require) String() string {
	return fmt.Sprintf("requires %s %s", r.Kind, r.Path)
}
