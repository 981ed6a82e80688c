// Package archive extracts tar archives into a working directory and
// rebuilds them from that directory, reusing the original per-member
// headers so untouched members round-trip unchanged.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"path"
	"strings"

	"fwrepack/pkg/fsmeta"
)

var (
	// ErrMalformed is returned when an original archive cannot be parsed
	// or names a path outside its root.
	ErrMalformed = errors.New("archive: malformed")
	// ErrContentDir is returned when the directory to rebuild from is missing.
	ErrContentDir = errors.New("archive: content directory unavailable")
)

// memberPath normalises a header name to a clean slash-separated path
// relative to the archive root. The root itself is ".".
func memberPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty member name", ErrMalformed)
	}
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: absolute member name %q", ErrMalformed, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: member %q escapes archive root", ErrMalformed, name)
	}
	return clean, nil
}

// memberKind maps a tar type flag to the kinds Rebuild reconciles with
// the filesystem. Anything else passes through untouched.
func memberKind(flag byte) fsmeta.Kind {
	switch flag {
	case tar.TypeReg, '\x00':
		return fsmeta.KindFile
	case tar.TypeDir:
		return fsmeta.KindDir
	case tar.TypeSymlink:
		return fsmeta.KindSymlink
	default:
		return fsmeta.KindOther
	}
}

// naming records how the original archive spelled member names so that
// synthesised members follow the same convention.
type naming struct {
	dotSlash bool
	dirSlash bool
}

func namingFrom(hdr *tar.Header) naming {
	n := naming{dotSlash: strings.HasPrefix(hdr.Name, "./")}
	if hdr.Typeflag == tar.TypeDir {
		n.dirSlash = strings.HasSuffix(hdr.Name, "/")
	} else {
		n.dirSlash = true
	}
	return n
}

func (n naming) name(rel string, dir bool) string {
	name := rel
	if n.dotSlash {
		name = "./" + name
	}
	if dir && n.dirSlash {
		name += "/"
	}
	return name
}
