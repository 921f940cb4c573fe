// Package state provides content deduplication and snapshot persistence.
package state

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Collection names used by the engine.
const (
	CollectionEndpoints  = "endpoints"
	CollectionParameters = "parameters"
	CollectionCodeURLs   = "code_urls"
	CollectionIgnored    = "ignored_values"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// SnapshotStore persists encoded record collections by name.
type SnapshotStore interface {
	Save(name string, data []byte) error
	Load(name string) ([]byte, error)
	Names() ([]string, error)
	Close() error
}

// Open returns the snapshot store for backend rooted at dir.
func Open(backend, dir string, compressed bool) (SnapshotStore, error) {
	switch strings.ToLower(backend) {
	case "", BackendFile:
		return NewFileStore(dir, compressed), nil
	case BackendBolt:
		return NewBoltStore(filepath.Join(dir, "paramharvest.db"))
	case BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown state backend %q", backend)
}
