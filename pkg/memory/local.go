package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"conductor/pkg/logx"
)

// localBackend is the append-only JSON-lines fallback used when no
// embedding provider is configured. Similarity is naive shared-token
// counting between the query and the record text.
type localBackend struct {
	mu     sync.Mutex
	path   string
	logger *logx.Logger
}

func newLocalBackend(cfg Config, logger *logx.Logger) *localBackend {
	return &localBackend{
		path:   filepath.Join(cfg.Path, "memories.jsonl"),
		logger: logger,
	}
}

func (l *localBackend) write(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create memory directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open memory file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(&rec)
}

func (l *localBackend) search(_ context.Context, query string, since time.Time, _ int) ([]hit, error) {
	rows, err := l.load()
	if err != nil {
		return nil, err
	}

	queryTokens := tokenize(query)
	var hits []hit
	for _, rec := range rows {
		if rec.Timestamp.Before(since) {
			continue
		}
		hits = append(hits, hit{record: rec, similarity: overlap(queryTokens, tokenize(rec.Text))})
	}
	return hits, nil
}

// prune rewrites the line store, dropping task_state rows older than
// the cutoff. Other categories are kept regardless of age.
func (l *localBackend) prune(cutoff time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.loadLocked()
	if err != nil {
		return err
	}
	if rows == nil {
		return nil
	}

	kept := rows[:0]
	for _, rec := range rows {
		if rec.Category == "task_state" && rec.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, rec)
	}

	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create memory file: %w", err)
	}
	enc := json.NewEncoder(f)
	for i := range kept {
		if err := enc.Encode(&kept[i]); err != nil {
			f.Close()
			return fmt.Errorf("failed to rewrite memory file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func (l *localBackend) load() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

func (l *localBackend) loadLocked() ([]Record, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open memory file: %w", err)
	}
	defer f.Close()

	var rows []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			l.logger.Warn("skipping malformed memory row: %v", err)
			continue
		}
		rows = append(rows, rec)
	}
	return rows, scanner.Err()
}

func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

func overlap(a, b map[string]struct{}) float64 {
	count := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			count++
		}
	}
	return float64(count)
}
