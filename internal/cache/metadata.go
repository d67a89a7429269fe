package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const (
	metadataFileName = "cache_metadata.json"
	metadataVersion  = 1
)

// document is the on-disk shape of the cache state. Entries are stored
// as an ordered array so the insertion order — the eviction tie-break —
// survives a restart.
type document struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Counters  counters  `json:"stats"`
	Entries   []*Entry  `json:"entries"`
}

// MetadataStore persists the cache metadata document. Writes go through
// a temp file and rename so readers never observe a half-written
// document.
type MetadataStore struct {
	fs     afero.Fs
	dir    string
	path   string
	logger *slog.Logger
}

// NewMetadataStore creates a metadata store for the given cache directory.
func NewMetadataStore(fs afero.Fs, dir string, logger *slog.Logger) *MetadataStore {
	return &MetadataStore{
		fs:     fs,
		dir:    dir,
		path:   filepath.Join(dir, metadataFileName),
		logger: logger,
	}
}

// Path returns the metadata document location.
func (m *MetadataStore) Path() string {
	return m.path
}

// Load reads the metadata document. A missing document yields an empty
// one; a corrupt document is logged and discarded so the cache starts
// fresh rather than refusing to run.
func (m *MetadataStore) Load() *document {
	doc := &document{Version: metadataVersion}

	data, err := afero.ReadFile(m.fs, m.path)
	if err != nil {
		return doc
	}

	if err := json.Unmarshal(data, doc); err != nil {
		m.logger.Warn("cache metadata is corrupt, starting with an empty cache index",
			"path", m.path, "err", err)
		return &document{Version: metadataVersion}
	}

	return doc
}

// Save atomically rewrites the metadata document.
func (m *MetadataStore) Save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache metadata: %w", err)
	}

	tmp, err := afero.TempFile(m.fs, m.dir, ".metadata-*")
	if err != nil {
		return fmt.Errorf("failed to create metadata temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = m.fs.Remove(tmpName)
		return fmt.Errorf("failed to write metadata temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = m.fs.Remove(tmpName)
		return fmt.Errorf("failed to close metadata temp file: %w", err)
	}

	if err := m.fs.Rename(tmpName, m.path); err != nil {
		_ = m.fs.Remove(tmpName)
		return fmt.Errorf("failed to publish metadata document: %w", err)
	}

	return nil
}
