package dedup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Tracker records message identifiers that have been marked seen. Used as the
// seen-flag store for transports without server-side flags (POP3).
// IDs are appended to a file so they survive restarts.
type Tracker struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	file string
}

// NewTracker loads (or creates) a tracker backed by filePath.
func NewTracker(filePath string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create seen-state dir: %w", err)
	}

	t := &Tracker{
		ids:  make(map[string]struct{}),
		file: filePath,
	}

	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("open seen-state file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			t.ids[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seen-state file: %w", err)
	}
	return t, nil
}

// Seen reports whether id has been marked.
func (t *Tracker) Seen(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ids[id]
	return ok
}

// Unseen returns the subset of ids not yet marked, preserving order.
func (t *Tracker) Unseen(ids []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, id := range ids {
		if _, ok := t.ids[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// MarkSeen adds ids and persists the new ones. Marking twice is a no-op.
func (t *Tracker) MarkSeen(ids ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fresh []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, exists := t.ids[id]; exists {
			continue
		}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return nil
	}

	f, err := os.OpenFile(t.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open seen-state file for append: %w", err)
	}
	defer f.Close()

	for _, id := range fresh {
		if _, err := fmt.Fprintln(f, id); err != nil {
			return fmt.Errorf("write seen id: %w", err)
		}
		t.ids[id] = struct{}{}
	}
	return nil
}

// Count returns the number of tracked IDs.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids)
}
