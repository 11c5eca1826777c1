// Package reconcile records workflows whose ledger outcome is unknown so an operator
// can check them before the caller retries.
package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Entry is one unresolved workflow.
type Entry struct {
	Timestamp      time.Time       `json:"timestamp"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Kind           string          `json:"kind"`
	Request        json.RawMessage `json:"request,omitempty"`
	State          json.RawMessage `json:"state"`
	Error          string          `json:"error"`
}

// Queue stores entries as individual JSON files in Dir. An empty Dir disables it.
type Queue struct {
	Dir string
	Log *zap.Logger
}

func (q *Queue) logger() *zap.Logger {
	if q.Log == nil {
		return zap.NewNop()
	}
	return q.Log
}

// Write persists e and returns the file name it was stored under.
func (q *Queue) Write(e Entry) (string, error) {
	if q.Dir == "" {
		return "", nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal reconcile entry: %w", err)
	}
	if err := os.MkdirAll(q.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create reconcile dir: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", e.Timestamp.UnixNano(), sanitize(e.IdempotencyKey, e.Kind))
	if err := os.WriteFile(filepath.Join(q.Dir, name), data, 0o600); err != nil {
		return "", fmt.Errorf("write reconcile entry: %w", err)
	}
	q.logger().Warn("workflow queued for reconciliation",
		zap.String("file", name),
		zap.String("kind", e.Kind),
		zap.String("error", e.Error),
	)
	return name, nil
}

// Depth counts queued entries. A missing directory is an empty queue.
func (q *Queue) Depth() (int, error) {
	names, err := q.names()
	return len(names), err
}

// List returns entries oldest first, keyed by file name.
func (q *Queue) List() (map[string]Entry, []string, error) {
	names, err := q.names()
	if err != nil {
		return nil, nil, err
	}
	out := make(map[string]Entry, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(q.Dir, name))
		if err != nil {
			return nil, nil, err
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			q.logger().Warn("skipping unreadable reconcile entry", zap.String("file", name), zap.Error(err))
			continue
		}
		out[name] = e
	}
	return out, names, nil
}

// Read returns a single entry by file name.
func (q *Queue) Read(name string) (Entry, error) {
	if err := checkName(name); err != nil {
		return Entry{}, err
	}
	raw, err := os.ReadFile(filepath.Join(q.Dir, name))
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode %s: %w", name, err)
	}
	return e, nil
}

// Resolve removes an entry once its outcome is known.
func (q *Queue) Resolve(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return os.Remove(filepath.Join(q.Dir, name))
}

func checkName(name string) error {
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".json") {
		return fmt.Errorf("invalid reconcile entry name %q", name)
	}
	return nil
}

func (q *Queue) names() ([]string, error) {
	if q.Dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(q.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reconcile dir: %w", err)
	}
	var names []string
	for _, de := range entries {
		if de.Type().IsRegular() && strings.HasSuffix(de.Name(), ".json") {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func sanitize(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('-')
		}
		for _, r := range p {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				b.WriteRune(r)
			default:
				b.WriteByte('_')
			}
		}
	}
	if b.Len() > 64 {
		return b.String()[:64]
	}
	return b.String()
}
