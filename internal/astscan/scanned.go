package astscan

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PentesterFlow/ParamHarvest/internal/logger"
	"github.com/PentesterFlow/ParamHarvest/internal/state"
)

// ScannedEntry is one body the AST producer has accepted.
type ScannedEntry struct {
	Hash    string
	URL     string
	Referer string
}

// ScannedLog is the AST producer's content-hash gate. Each admitted hash is
// appended as "hash<TAB>url<TAB>referer". Older "url<TAB>hash" lines are
// accepted on load.
type ScannedLog struct {
	mu      sync.Mutex
	entries map[string]ScannedEntry

	logMu   sync.Mutex
	logFile io.WriteCloser
	logPath string
	log     *logger.Logger
}

// NewScannedLog creates an in-memory gate.
func NewScannedLog() *ScannedLog {
	return &ScannedLog{
		entries: make(map[string]ScannedEntry),
		log:     logger.Nop(),
	}
}

// OpenScannedLog creates a gate backed by the file at path, preloading the
// lines already there.
func OpenScannedLog(path string, log *logger.Logger) (*ScannedLog, error) {
	s := NewScannedLog()
	if log != nil {
		s.log = log
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if f, err := os.Open(path); err == nil {
		n, perr := s.Preload(f)
		f.Close()
		if perr != nil {
			s.log.PersistFailure(perr, path, "preload")
		}
		s.log.Debugf("preloaded %d scanned hashes from %s", n, path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to open scanned log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open scanned log: %w", err)
	}
	s.logFile = f
	s.logPath = path
	return s, nil
}

// Admit records hash and returns true the first time it is seen.
func (s *ScannedLog) Admit(hash, url, referer string) bool {
	if hash == "" {
		return false
	}

	s.mu.Lock()
	if _, ok := s.entries[hash]; ok {
		s.mu.Unlock()
		return false
	}
	s.entries[hash] = ScannedEntry{Hash: hash, URL: url, Referer: referer}
	s.mu.Unlock()

	s.append(hash, url, referer)
	return true
}

// Lookup returns the entry for hash.
func (s *ScannedLog) Lookup(hash string) (ScannedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	return e, ok
}

// Len returns the number of admitted hashes.
func (s *ScannedLog) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Preload replays log lines without writing them back. The first entry for
// a hash wins.
func (s *ScannedLog) Preload(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	loaded := 0
	s.mu.Lock()
	defer s.mu.Unlock()

	for scanner.Scan() {
		e, ok := parseScannedLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := s.entries[e.Hash]; exists {
			continue
		}
		s.entries[e.Hash] = e
		loaded++
	}
	return loaded, scanner.Err()
}

// Close closes the durable log.
func (s *ScannedLog) Close() error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

func (s *ScannedLog) append(hash, url, referer string) {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	if s.logFile == nil {
		return
	}
	line := hash + "\t" + clean(url) + "\t" + clean(referer) + "\n"
	if _, err := io.WriteString(s.logFile, line); err != nil {
		s.log.PersistFailure(err, s.logPath, "append")
	}
}

func parseScannedLine(line string) (ScannedEntry, bool) {
	parts := strings.Split(strings.TrimSpace(line), "\t")
	if len(parts) < 2 {
		return ScannedEntry{}, false
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	switch {
	case state.IsLikelyHash(parts[0]):
		e := ScannedEntry{Hash: parts[0], URL: parts[1]}
		if len(parts) >= 3 {
			e.Referer = parts[2]
		}
		return e, true
	case state.IsLikelyHash(parts[1]):
		return ScannedEntry{Hash: parts[1], URL: parts[0]}, true
	}
	return ScannedEntry{}, false
}

func clean(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, s)
}
