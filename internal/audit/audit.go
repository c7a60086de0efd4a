// Package audit keeps a tamper-evident JSONL record of release and update
// events. Each entry carries the SHA-256 of its predecessor.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dar-k-dev/p-progress/internal/logging"
)

var log = logging.L("audit")

// Event types.
const (
	EventReleasePublished = "release_published"
	EventAgentStart       = "agent_start"
	EventAgentStop        = "agent_stop"
	EventUpdateApplied    = "update_applied"
	EventUpdateFailed     = "update_failed"
)

const genesis = "genesis"

// ErrChainBroken is returned by Verify when an entry does not link to its
// predecessor or its hash does not match its contents.
var ErrChainBroken = errors.New("audit chain broken")

// Entry is one record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Version   string         `json:"version,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger appends entries to a single file. A nil *Logger discards
// everything, so callers need not check whether auditing is enabled.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	prevHash string
	dropped  atomic.Int64
	now      func() time.Time
}

// Open opens path for appending, continuing the chain from its last entry.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	prev, err := lastHash(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{file: f, path: path, prevHash: prev, now: time.Now}, nil
}

// Log appends an entry and fsyncs it. The chain only advances after a
// successful write.
func (l *Logger) Log(eventType, ver string, details map[string]any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Version:   ver,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	hash, err := computeHash(entry)
	if err != nil {
		l.drop(eventType, err)
		return
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		l.drop(eventType, err)
		return
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.drop(eventType, err)
		return
	}
	if err := l.file.Sync(); err != nil {
		log.Warn("audit fsync failed", "eventType", eventType, logging.KeyError, err)
	}
	l.prevHash = hash
}

func (l *Logger) drop(eventType string, err error) {
	l.dropped.Add(1)
	log.Error("audit entry dropped", "eventType", eventType, logging.KeyError, err)
}

// DroppedCount is the number of entries that could not be written, or -1
// for a nil Logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Verify walks the file at path and checks every link. It returns the
// number of valid entries.
func Verify(path string) (int, error) {
	n := 0
	prev := genesis
	err := scan(path, func(e Entry) error {
		if e.PrevHash != prev {
			return fmt.Errorf("%w at entry %d: prevHash %s, want %s", ErrChainBroken, n+1, e.PrevHash, prev)
		}
		want, err := computeHash(e)
		if err != nil {
			return err
		}
		if e.EntryHash != want {
			return fmt.Errorf("%w at entry %d: content does not match hash", ErrChainBroken, n+1)
		}
		prev = e.EntryHash
		n++
		return nil
	})
	return n, err
}

func lastHash(path string) (string, error) {
	last := genesis
	err := scan(path, func(e Entry) error {
		last = e.EntryHash
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return genesis, nil
	}
	return last, err
}

func scan(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrChainBroken, line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// computeHash length-prefixes each field so no two field combinations
// serialize alike.
func computeHash(e Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{e.Timestamp, e.EventType, e.Version, e.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if e.Details != nil {
		detail, err := json.Marshal(e.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detail))
		h.Write(detail)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
