package manifest

import (
	"bytes"
	"fmt"
	"os"

	"fwrepack/pkg/fsmeta"
)

// UpdateFile applies updates to the manifest at path and rewrites it only
// when a value actually changed.
func UpdateFile(path string, updates map[string]Update, layout Layout) (bool, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read manifest: %w", err)
	}
	out, changed, err := Apply(doc, updates, layout)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := WriteFile(path, out); err != nil {
		return false, err
	}
	return true, nil
}

// WriteFile atomically replaces the manifest at path with data, keeping
// its permission bits and mtime along with the mtime of its directory.
func WriteFile(path string, data []byte) error {
	if err := fsmeta.Replace(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
