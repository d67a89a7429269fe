// Package fileserver maps request paths onto the viewable-folder
// allow-list, renders directory listings, and streams files with
// byte-range support.
package fileserver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scanserve/scanserve/internal/config"
	"github.com/scanserve/scanserve/internal/pathutil"
)

var (
	// ErrNotFound means the resolved path does not exist on disk.
	ErrNotFound = errors.New("file not found")
	// ErrAccessDenied means the path lands outside every allow-listed folder.
	ErrAccessDenied = errors.New("access denied")
)

// Resolved is a request path mapped onto the local filesystem.
type Resolved struct {
	Path string
	Info os.FileInfo
}

// Resolver maps URL paths onto allow-listed folders. Paths matching no
// folder prefix resolve against the default root.
type Resolver struct {
	folders     []config.ViewableFolder
	defaultRoot string
}

// NewResolver builds a resolver over the allow-list. Folders are matched
// longest prefix first.
func NewResolver(folders []config.ViewableFolder, defaultRoot string) *Resolver {
	sorted := make([]config.ViewableFolder, len(folders))
	copy(sorted, folders)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].URLPrefix) > len(sorted[j].URLPrefix)
	})

	return &Resolver{
		folders:     sorted,
		defaultRoot: filepath.Clean(defaultRoot),
	}
}

// Folders returns a copy of the allow-list sorted by folder name, a
// stable order for listings regardless of the match order inside the
// resolver.
func (r *Resolver) Folders() []config.ViewableFolder {
	out := make([]config.ViewableFolder, len(r.folders))
	copy(out, r.folders)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve maps a decoded URL path onto disk. Containment is checked
// lexically before any filesystem access, so traversal attempts on paths
// that do not even exist are denied, then re-checked on the
// symlink-resolved path.
func (r *Resolver) Resolve(urlPath string) (*Resolved, error) {
	trimmed := strings.TrimLeft(urlPath, "/")

	root := r.defaultRoot
	remainder := trimmed
	for _, folder := range r.folders {
		if trimmed == folder.URLPrefix {
			root, remainder = folder.Path, ""
			break
		}
		if folder.URLPrefix != "" && strings.HasPrefix(trimmed, folder.URLPrefix+"/") {
			root, remainder = folder.Path, trimmed[len(folder.URLPrefix)+1:]
			break
		}
	}

	candidate := filepath.Join(root, filepath.FromSlash(remainder))
	if !pathutil.IsContained(root, candidate) {
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, urlPath)
	}

	canonicalRoot, err := pathutil.Canonicalize(root)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize folder root %s: %w", root, err)
	}
	canonical, err := pathutil.Canonicalize(candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize %s: %w", candidate, err)
	}
	if !pathutil.IsContained(canonicalRoot, canonical) {
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, urlPath)
	}

	return classify(canonical, urlPath)
}

// ResolveUnder maps path segments onto a single root with the same
// containment discipline as Resolve, for routes that address one fixed
// folder directly.
func ResolveUnder(root string, segments ...string) (*Resolved, error) {
	root = filepath.Clean(root)
	requested := strings.Join(segments, "/")

	candidate := filepath.Join(append([]string{root}, segments...)...)
	if !pathutil.IsContained(root, candidate) {
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, requested)
	}

	canonicalRoot, err := pathutil.Canonicalize(root)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize folder root %s: %w", root, err)
	}
	canonical, err := pathutil.Canonicalize(candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize %s: %w", candidate, err)
	}
	if !pathutil.IsContained(canonicalRoot, canonical) {
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, requested)
	}

	return classify(canonical, requested)
}

func classify(canonical, requested string) (*Resolved, error) {
	info, err := os.Stat(canonical)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, requested)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", canonical, err)
	}

	return &Resolved{Path: canonical, Info: info}, nil
}
