package state

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/PentesterFlow/ParamHarvest/internal/logger"
)

// DedupCache admits each distinct JS body at most once. Bodies are keyed by
// their SHA-256 fingerprint, so identical content served from different
// origins is treated as one.
type DedupCache struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	seen   map[string]string // fingerprint -> first origin

	logMu   sync.Mutex
	logFile io.WriteCloser
	logPath string
	log     *logger.Logger
}

// NewDedupCache creates an in-memory cache with no durable log.
func NewDedupCache(estimatedItems int) *DedupCache {
	if estimatedItems < 1000 {
		estimatedItems = 1000
	}
	return &DedupCache{
		filter: bloom.NewWithEstimates(uint(estimatedItems), 0.001),
		seen:   make(map[string]string, estimatedItems),
		log:    logger.Nop(),
	}
}

// OpenDedupCache creates a cache backed by an append-only log at path. Lines
// already in the log are preloaded.
func OpenDedupCache(path string, estimatedItems int, log *logger.Logger) (*DedupCache, error) {
	d := NewDedupCache(estimatedItems)
	if log != nil {
		d.log = log
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if f, err := os.Open(path); err == nil {
		n, perr := d.Preload(f)
		f.Close()
		if perr != nil {
			d.log.PersistFailure(perr, path, "preload")
		}
		d.log.Debugf("preloaded %d fingerprints from %s", n, path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to open dedup log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup log: %w", err)
	}
	d.logFile = f
	d.logPath = path
	return d, nil
}

// ContentHash returns the hex SHA-256 fingerprint of body.
func ContentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Admit returns true only the first time a body with this content is seen.
// Empty bodies are never admitted. The first admission is appended to the
// log; a failed write is logged and does not change the result.
func (d *DedupCache) Admit(body, origin string) bool {
	if body == "" {
		return false
	}
	return d.AdmitHash(ContentHash(body), origin)
}

// AdmitHash is Admit for a precomputed fingerprint.
func (d *DedupCache) AdmitHash(fingerprint, origin string) bool {
	if fingerprint == "" {
		return false
	}

	d.mu.Lock()
	if d.filter.TestString(fingerprint) {
		if _, exists := d.seen[fingerprint]; exists {
			d.mu.Unlock()
			return false
		}
	}
	d.filter.AddString(fingerprint)
	d.seen[fingerprint] = origin
	d.mu.Unlock()

	d.appendLog(origin, fingerprint)
	return true
}

// Seen returns the origin that first presented body.
func (d *DedupCache) Seen(body string) (string, bool) {
	fp := ContentHash(body)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.filter.TestString(fp) {
		return "", false
	}
	origin, ok := d.seen[fp]
	return origin, ok
}

// Len returns the number of admitted fingerprints.
func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Preload replays log lines into the cache without writing them back.
// Lines are "origin<TAB>fingerprint"; the reversed column order is also
// accepted. Malformed lines are skipped.
func (d *DedupCache) Preload(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	loaded := 0
	d.mu.Lock()
	defer d.mu.Unlock()

	for scanner.Scan() {
		origin, fp, ok := parseLogLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := d.seen[fp]; exists {
			continue
		}
		d.filter.AddString(fp)
		d.seen[fp] = origin
		loaded++
	}
	return loaded, scanner.Err()
}

// Close closes the durable log.
func (d *DedupCache) Close() error {
	d.logMu.Lock()
	defer d.logMu.Unlock()

	if d.logFile == nil {
		return nil
	}
	err := d.logFile.Close()
	d.logFile = nil
	return err
}

func (d *DedupCache) appendLog(origin, fingerprint string) {
	d.logMu.Lock()
	defer d.logMu.Unlock()

	if d.logFile == nil {
		return
	}
	line := sanitizeField(origin) + "\t" + fingerprint + "\n"
	if _, err := io.WriteString(d.logFile, line); err != nil {
		d.log.PersistFailure(err, d.logPath, "append")
	}
}

func parseLogLine(line string) (origin, fingerprint string, ok bool) {
	line = strings.TrimRight(line, "\r")
	first, second, found := strings.Cut(line, "\t")
	if !found {
		return "", "", false
	}
	switch {
	case IsLikelyHash(second):
		return first, second, true
	case IsLikelyHash(first):
		return second, first, true
	}
	return "", "", false
}

// IsLikelyHash reports whether s is at least 32 hex characters.
func IsLikelyHash(s string) bool {
	if len(s) < 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func sanitizeField(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, s)
}
