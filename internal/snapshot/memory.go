package snapshot

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/tandemhq/tandem/internal/common/errors"
)

// MemoryBackend keeps full directory captures in memory. It exists for
// tests and ephemeral runs; no state survives the process.
type MemoryBackend struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
}

type memorySession struct {
	counter  int
	captures map[string]map[string]string // handle → path → content
	last     string                       // handle of the most recent capture
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string]*memorySession)}
}

// Init captures the directory as the initial snapshot. Idempotent.
func (m *MemoryBackend) Init(ctx context.Context, sessionID, dir string) (*Info, error) {
	stat, err := os.Stat(dir)
	if err != nil || !stat.IsDir() {
		return nil, errors.InvalidOperation(fmt.Sprintf("session directory does not exist: %s", dir))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ses, ok := m.sessions[sessionID]; ok && ses.counter > 0 {
		return &Info{ChangeID: "mem-1", CommitID: "mem-1", Description: "init", Timestamp: time.Now().UTC(), IsEmpty: true}, nil
	}
	return m.capture(sessionID, dir, "init")
}

// Commit captures the current directory contents.
func (m *MemoryBackend) Commit(ctx context.Context, sessionID, dir, description string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capture(sessionID, dir, description)
}

// capture reads the directory and stores it under the next handle.
// Caller holds the mutex.
func (m *MemoryBackend) capture(sessionID, dir, description string) (*Info, error) {
	contents, err := readDirectory(dir)
	if err != nil {
		return nil, err
	}

	ses, ok := m.sessions[sessionID]
	if !ok {
		ses = &memorySession{captures: make(map[string]map[string]string)}
		m.sessions[sessionID] = ses
	}

	isEmpty := ses.last != "" && equalCaptures(ses.captures[ses.last], contents)

	ses.counter++
	handle := fmt.Sprintf("mem-%d", ses.counter)
	ses.captures[handle] = contents
	ses.last = handle

	return &Info{
		ChangeID:    handle,
		CommitID:    handle,
		Description: description,
		Timestamp:   time.Now().UTC(),
		IsEmpty:     isEmpty,
	}, nil
}

// Diff compares two captures, a→b, with full contents and line counts.
func (m *MemoryBackend) Diff(ctx context.Context, sessionID, dir, a, b string) ([]FileDiff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before, err := m.lookup(sessionID, a)
	if err != nil {
		return nil, err
	}
	after, err := m.lookup(sessionID, b)
	if err != nil {
		return nil, err
	}

	paths := make(map[string]struct{})
	for p := range before {
		paths[p] = struct{}{}
	}
	for p := range after {
		paths[p] = struct{}{}
	}

	diffs := make([]FileDiff, 0)
	for path := range paths {
		beforeContent, inBefore := before[path]
		afterContent, inAfter := after[path]

		var change ChangeType
		switch {
		case !inBefore:
			change = ChangeAdded
		case !inAfter:
			change = ChangeDeleted
		case beforeContent == afterContent:
			continue
		default:
			change = ChangeModified
		}

		added, deleted := lineCounts(beforeContent, afterContent)
		diffs = append(diffs, FileDiff{
			Path:          path,
			ChangeType:    change,
			BeforeContent: beforeContent,
			AfterContent:  afterContent,
			AddedLines:    added,
			DeletedLines:  deleted,
		})
	}
	return diffs, nil
}

// Restore rewrites the directory to match the capture at handle.
func (m *MemoryBackend) Restore(ctx context.Context, sessionID, dir, handle string) error {
	m.mu.Lock()
	capture, err := m.lookup(sessionID, handle)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	current, err := readDirectory(dir)
	if err != nil {
		return err
	}
	for path := range current {
		if _, keep := capture[path]; !keep {
			if err := os.Remove(filepath.Join(dir, path)); err != nil {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}
		}
	}
	for path, content := range capture {
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}

// Cleanup discards all captures for the session.
func (m *MemoryBackend) Cleanup(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// lookup returns a capture. Caller holds the mutex.
func (m *MemoryBackend) lookup(sessionID, handle string) (map[string]string, error) {
	ses, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.NotFound("Snapshot", handle)
	}
	capture, ok := ses.captures[handle]
	if !ok {
		return nil, errors.NotFound("Snapshot", handle)
	}
	return capture, nil
}

// readDirectory walks dir and returns relative path → content for every
// regular file, skipping VCS metadata.
func readDirectory(dir string) (map[string]string, error) {
	contents := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		contents[rel] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	return contents, nil
}

func equalCaptures(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for path, content := range a {
		if other, ok := b[path]; !ok || other != content {
			return false
		}
	}
	return true
}

// lineCounts computes added/deleted line totals for one file change.
// SplitLines appends a sentinel newline element to both sides, so the
// sentinels match each other and never skew the counts.
func lineCounts(before, after string) (added, deleted int) {
	a := difflib.SplitLines(before)
	b := difflib.SplitLines(after)
	matcher := difflib.NewMatcher(a, b)
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'r':
			deleted += op.I2 - op.I1
			added += op.J2 - op.J1
		case 'd':
			deleted += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		}
	}
	return added, deleted
}
