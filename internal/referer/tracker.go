// Package referer remembers which page loaded each JavaScript URL, so jobs
// submitted without a referer can inherit one.
package referer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/PentesterFlow/ParamHarvest/internal/logger"
	"github.com/PentesterFlow/ParamHarvest/internal/scope"
)

// DefaultSize is the tracker capacity used when none is given.
const DefaultSize = 10000

// Tracker is a bounded jsURL -> referer map with an optional append-only log.
type Tracker struct {
	cache *lru.Cache[string, string]

	logMu   sync.Mutex
	logFile io.WriteCloser
	logPath string
	log     *logger.Logger
}

// New creates an in-memory tracker holding at most size entries.
func New(size int) (*Tracker, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Tracker{cache: cache, log: logger.Nop()}, nil
}

// Open creates a tracker backed by the log at path, replaying existing lines
// first.
func Open(path string, size int, log *logger.Logger) (*Tracker, error) {
	t, err := New(size)
	if err != nil {
		return nil, err
	}
	if log != nil {
		t.log = log
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if f, err := os.Open(path); err == nil {
		n, perr := t.Preload(f)
		f.Close()
		if perr != nil {
			t.log.PersistFailure(perr, path, "preload")
		}
		t.log.Debugf("preloaded %d referers from %s", n, path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to open referer log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open referer log: %w", err)
	}
	t.logFile = f
	t.logPath = path
	return t, nil
}

// Record remembers that jsURL was loaded by referer. Blank arguments are
// ignored. Returns true when the stored referer changed.
func (t *Tracker) Record(jsURL, referer string) bool {
	key := normalizeKey(jsURL)
	ref := normalizeReferer(referer)
	if key == "" || ref == "" {
		return false
	}
	if prev, ok := t.cache.Peek(key); ok && prev == ref {
		return false
	}
	t.cache.Add(key, ref)
	t.appendLog(key, ref)
	return true
}

// Lookup returns the last referer recorded for jsURL.
func (t *Tracker) Lookup(jsURL string) (string, bool) {
	key := normalizeKey(jsURL)
	if key == "" {
		return "", false
	}
	return t.cache.Get(key)
}

// Resolve returns referer when non-blank, otherwise the recorded referer
// for jsURL, otherwise "".
func (t *Tracker) Resolve(jsURL, referer string) string {
	if strings.TrimSpace(referer) != "" {
		return referer
	}
	if t == nil {
		return ""
	}
	ref, _ := t.Lookup(jsURL)
	return ref
}

// Len returns the number of tracked URLs.
func (t *Tracker) Len() int {
	return t.cache.Len()
}

// Preload replays "jsURL<TAB>referer" lines. Later lines win. Malformed
// lines are skipped.
func (t *Tracker) Preload(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	loaded := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		jsURL, ref, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		key := normalizeKey(jsURL)
		ref = normalizeReferer(ref)
		if key == "" || ref == "" {
			continue
		}
		t.cache.Add(key, ref)
		loaded++
	}
	return loaded, scanner.Err()
}

// Close closes the durable log.
func (t *Tracker) Close() error {
	t.logMu.Lock()
	defer t.logMu.Unlock()

	if t.logFile == nil {
		return nil
	}
	err := t.logFile.Close()
	t.logFile = nil
	return err
}

func (t *Tracker) appendLog(key, ref string) {
	t.logMu.Lock()
	defer t.logMu.Unlock()

	if t.logFile == nil {
		return
	}
	if _, err := io.WriteString(t.logFile, key+"\t"+ref+"\n"); err != nil {
		t.log.PersistFailure(err, t.logPath, "append")
	}
}

func normalizeKey(jsURL string) string {
	jsURL = strings.TrimSpace(jsURL)
	if jsURL == "" || strings.ContainsAny(jsURL, "\t\n\r") {
		return ""
	}
	if n, err := scope.NormalizeURL(jsURL); err == nil {
		return n
	}
	return jsURL
}

func normalizeReferer(referer string) string {
	referer = strings.TrimSpace(referer)
	if referer == "" || strings.ContainsAny(referer, "\t\n\r") {
		return ""
	}
	if origin := scope.OriginOf(referer); origin != "" {
		return origin
	}
	return referer
}
