package state

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// BoltStore implements SnapshotStore using BoltDB, one key per collection.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore creates a new BoltDB-backed snapshot store.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// Save stores the encoded collection under name.
func (s *BoltStore) Save(name string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put([]byte(name), data)
	})
}

// Load returns the collection stored under name, or nil if absent.
func (s *BoltStore) Load(name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		if data := b.Get([]byte(name)); data != nil {
			// bolt memory is only valid inside the transaction
			out = append([]byte(nil), data...)
		}
		return nil
	})
	return out, err
}

// Names lists the stored collections.
func (s *BoltStore) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// FileStore implements SnapshotStore as one JSON file per collection in dir.
type FileStore struct {
	dir        string
	compressed bool
}

// NewFileStore creates a new file-based snapshot store.
func NewFileStore(dir string, compressed bool) *FileStore {
	return &FileStore{dir: dir, compressed: compressed}
}

// Path returns the file used for collection name.
func (s *FileStore) Path(name string) string {
	p := filepath.Join(s.dir, name+".json")
	if s.compressed {
		p += ".gz"
	}
	return p
}

// Save writes the collection through a temp file and rename.
func (s *FileStore) Save(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	target := s.Path(name)
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	var gw *gzip.Writer
	if s.compressed {
		gw = gzip.NewWriter(tmp)
		w = gw
	}
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// Load reads the collection, returning nil if the file does not exist.
func (s *FileStore) Load(name string) ([]byte, error) {
	data, err := ReadSnapshotFile(s.Path(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Names lists the collections present in dir.
func (s *FileStore) Names() ([]string, error) {
	suffix := ".json"
	if s.compressed {
		suffix += ".gz"
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+suffix))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		names = append(names, base[:len(base)-len(suffix)])
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op for FileStore.
func (s *FileStore) Close() error {
	return nil
}

// ReadSnapshotFile reads a snapshot file, transparently decompressing
// gzip content.
func ReadSnapshotFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var magic [2]byte
	n, _ := io.ReadFull(f, magic[:])
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if n == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)
	}
	return io.ReadAll(f)
}

// MemoryStore implements SnapshotStore in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates a new in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Save keeps a copy of data under name.
func (s *MemoryStore) Save(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = append([]byte(nil), data...)
	return nil
}

// Load returns the stored copy.
func (s *MemoryStore) Load(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[name], nil
}

// Names lists the stored collections.
func (s *MemoryStore) Names() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.data))
	for k := range s.data {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}
