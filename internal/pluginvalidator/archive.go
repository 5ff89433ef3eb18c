package pluginvalidator

import (
	"archive/zip"
	"fmt"
	"io"
)

// manifestEntryName is the fixed path inside a plugin archive where its
// signed manifest lives.
const manifestEntryName = "manifest.jwt"

// readManifest extracts the raw manifest JWT string from a plugin archive
// at path, the same archive/zip approach the teacher's own
// scripts/download_deps.go uses to pull a single named file out of a zip.
func readManifest(path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("pluginvalidator: open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != manifestEntryName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("pluginvalidator: open manifest entry: %w", err)
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			return "", fmt.Errorf("pluginvalidator: read manifest entry: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("pluginvalidator: archive has no %s entry", manifestEntryName)
}
