package manifest

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Algorithm is the digest recorded in the manifest hash field.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
)

// ParseAlgorithm accepts "md5" or "sha256", case-insensitively. Empty means md5.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(s)) {
	case "", MD5:
		return MD5, nil
	case SHA256:
		return SHA256, nil
	default:
		return "", fmt.Errorf("unsupported manifest hash algorithm %q", s)
	}
}

func (a Algorithm) new() hash.Hash {
	if a == SHA256 {
		return sha256.New()
	}
	return md5.New()
}

// DigestFile returns the lower-case hex digest and size of the file at p.
func DigestFile(p string, alg Algorithm) (string, int64, error) {
	file, err := os.Open(p)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", p, err)
	}
	defer file.Close()

	h := alg.new()
	n, err := io.Copy(h, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Resolve maps an entry name to a path under root. Names are relative to
// the directory holding the manifest; a leading slash is tolerated.
func Resolve(root, name string) (string, error) {
	clean := path.Clean("/" + strings.TrimLeft(name, "/"))
	if clean == "/" {
		return "", fmt.Errorf("%w: empty entry name", ErrLayout)
	}
	return filepath.Join(root, filepath.FromSlash(clean[1:])), nil
}
