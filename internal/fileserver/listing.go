package fileserver

import (
	"fmt"
	"html/template"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/scanserve/scanserve/internal/utils"
)

type listingEntry struct {
	Name  string
	URL   string
	IsDir bool
	Size  string
}

type listingData struct {
	Path    string
	Parent  string
	Entries []listingEntry
}

var listingTmpl = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Index of {{.Path}}</title>
<style>
body { font-family: sans-serif; margin: 2rem; }
table { border-collapse: collapse; }
td, th { padding: 0.25rem 1.5rem 0.25rem 0; text-align: left; }
th { border-bottom: 1px solid #ccc; }
</style>
</head>
<body>
<h1>Index of {{.Path}}</h1>
<table>
<tr><th>Name</th><th>Size</th></tr>
{{- if .Parent}}
<tr><td><a href="{{.Parent}}">../</a></td><td>-</td></tr>
{{- end}}
{{- range .Entries}}
<tr><td><a href="{{.URL}}">{{.Name}}</a></td><td>{{.Size}}</td></tr>
{{- end}}
</table>
</body>
</html>
`))

// Listing renders the HTML index of the directory at fsPath as reachable
// under urlPath. Subdirectories come first, then files, each group
// alphabetical.
func Listing(fsPath, urlPath string) (string, error) {
	dirents, err := os.ReadDir(fsPath)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", fsPath, err)
	}

	urlPath = path.Clean("/" + urlPath)

	entries := make([]listingEntry, 0, len(dirents))
	for _, de := range dirents {
		entry := listingEntry{
			Name:  de.Name(),
			URL:   path.Join(urlPath, de.Name()),
			IsDir: de.IsDir(),
			Size:  "-",
		}
		if de.IsDir() {
			entry.Name += "/"
		} else if info, err := de.Info(); err == nil {
			entry.Size = utils.FormatBytes(info.Size())
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	data := listingData{Path: urlPath, Entries: entries}
	if urlPath != "/" {
		data.Parent = path.Dir(urlPath)
	}

	var sb strings.Builder
	if err := listingTmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render directory listing: %w", err)
	}
	return sb.String(), nil
}
