package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ViewableFolder is one entry of the directory allow-list. The set of
// viewable folders is loaded once at startup and never mutated afterwards;
// it is the sole authorization mechanism for file access.
type ViewableFolder struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	URLPrefix   string `json:"url_path"`
	Description string `json:"description"`
}

type viewableFoldersDoc struct {
	Folders []ViewableFolder `json:"folders"`
}

// LoadViewableFolders reads the allow-list JSON document. A missing file
// yields the default allow-list derived from the configured output and
// dicom roots.
func LoadViewableFolders(path string, cfg *Config) ([]ViewableFolder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultViewableFolders(cfg), nil
		}
		return nil, fmt.Errorf("failed to read viewable folders file %s: %w", path, err)
	}

	var doc viewableFoldersDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse viewable folders file %s: %w", path, err)
	}

	if len(doc.Folders) == 0 {
		return DefaultViewableFolders(cfg), nil
	}

	folders := make([]ViewableFolder, 0, len(doc.Folders))
	seen := make(map[string]struct{}, len(doc.Folders))
	for i, f := range doc.Folders {
		f.URLPrefix = NormalizeURLPrefix(f.URLPrefix)
		if f.Name == "" {
			return nil, fmt.Errorf("viewable folder %d: name cannot be empty", i)
		}
		if f.Path == "" {
			return nil, fmt.Errorf("viewable folder %q: path cannot be empty", f.Name)
		}
		if !filepath.IsAbs(f.Path) {
			return nil, fmt.Errorf("viewable folder %q: path must be absolute, got %q", f.Name, f.Path)
		}
		f.Path = filepath.Clean(f.Path)
		if _, dup := seen[f.URLPrefix]; dup {
			return nil, fmt.Errorf("viewable folder %q: duplicate url_path %q", f.Name, f.URLPrefix)
		}
		seen[f.URLPrefix] = struct{}{}
		folders = append(folders, f)
	}

	return folders, nil
}

// DefaultViewableFolders builds the allow-list from the two folder roots
// every deployment has.
func DefaultViewableFolders(cfg *Config) []ViewableFolder {
	return []ViewableFolder{
		{
			Name:        "Output",
			Path:        filepath.Clean(cfg.Folders.Output),
			URLPrefix:   "output",
			Description: "Segmentation results and derived volumes",
		},
		{
			Name:        "DICOM",
			Path:        filepath.Clean(cfg.Folders.Dicom),
			URLPrefix:   "dicom",
			Description: "Incoming DICOM studies",
		},
	}
}

// NormalizeURLPrefix strips surrounding slashes so prefixes compare
// consistently against cleaned request paths.
func NormalizeURLPrefix(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}
