// Package contextstore persists per-workstream working context between
// runs: pinned rules, a working summary with staleness tracking, open
// decisions, an evidence ledger, and tool session handles. Planning and
// implementation context live in separate files so a noisy execution run
// never clobbers planning state.
package contextstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

const SchemaVersion = 1

// Modes select which context file a store operation targets.
const (
	ModePlanning       = "planning"
	ModeImplementation = "implementation"
)

// ErrVersionConflict is returned by Save when the on-disk entry changed
// since it was loaded. Callers reload, merge, and retry.
var ErrVersionConflict = errors.New("context entry modified concurrently")

// DefaultPinnedRules seed every new entry. They survive summary resets.
var DefaultPinnedRules = []string{
	"Repo state is truth; never assume unstated facts.",
	"Evidence required for done/implemented/fixed claims.",
	"If unsure, request file pointers instead of guessing.",
}

// Key identifies one workstream's context. Branch defaults to "current"
// and workstream to "default" so single-branch repos get a stable key.
type Key struct {
	Repo       string `json:"repo"`
	Branch     string `json:"branch"`
	Workstream string `json:"workstream_id"`
}

// ResolveKey normalizes a key: the repo path is made absolute and the
// optional fields fall back to their defaults.
func ResolveKey(repoPath, branch, workstream string) Key {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		abs = repoPath
	}
	if branch == "" {
		branch = "current"
	}
	if workstream == "" {
		workstream = "default"
	}
	return Key{Repo: abs, Branch: branch, Workstream: workstream}
}

// WorkingSummary is the compressed narrative of a workstream. Stale is
// set when the repo moved under it; stale summaries render with a
// warning and are excluded from trust-sensitive sections.
type WorkingSummary struct {
	Text      string `json:"text"`
	UpdatedAt string `json:"updated_at"`
	Stale     bool   `json:"stale"`
}

// Decision is one unresolved question carried across runs.
type Decision struct {
	ID     string `json:"id,omitempty"`
	Text   string `json:"text"`
	Status string `json:"status,omitempty"`
}

// LastRun records the terminal status of the previous run for this key.
type LastRun struct {
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	NextAction string `json:"next_action,omitempty"`
}

// Entry is the full persisted context for one key. Version implements
// optimistic concurrency: Save rejects writes whose Version no longer
// matches the stored one.
type Entry struct {
	SchemaVersion  int                   `json:"schema_version"`
	Key            Key                   `json:"key"`
	Version        int                   `json:"version"`
	FeatureRequest string                `json:"feature_request"`
	Checkpoint     map[string]string     `json:"checkpoint"`
	PinnedRules    []string              `json:"pinned_rules"`
	WorkingSummary WorkingSummary        `json:"working_summary"`
	OpenDecisions  []Decision            `json:"open_decisions"`
	EvidenceLedger []proto.EvidenceEntry `json:"evidence_ledger"`
	CLISessions    map[string]string     `json:"cli_sessions"`
	LastRun        LastRun               `json:"last_run"`
	FilePointers   []string              `json:"file_pointers"`
}

func newEntry(key Key, featureRequest string) *Entry {
	return &Entry{
		SchemaVersion:  SchemaVersion,
		Key:            key,
		FeatureRequest: featureRequest,
		Checkpoint:     map[string]string{},
		PinnedRules:    append([]string(nil), DefaultPinnedRules...),
		OpenDecisions:  []Decision{},
		EvidenceLedger: []proto.EvidenceEntry{},
		CLISessions:    map[string]string{},
		FilePointers:   []string{},
	}
}

type fileStore struct {
	SchemaVersion int      `json:"schema_version"`
	Entries       []*Entry `json:"entries"`
}

// Store reads and writes mode-split context files under a base
// directory. All operations are safe for concurrent use within one
// process; cross-process writers are serialized by entry versioning.
type Store struct {
	mu      sync.Mutex
	baseDir string
	logger  *logx.Logger
}

// NewStore creates a store rooted at baseDir. Empty defaults to
// data/context.
func NewStore(baseDir string) *Store {
	if baseDir == "" {
		baseDir = filepath.Join("data", "context")
	}
	return &Store{baseDir: baseDir, logger: logx.NewLogger("contextstore")}
}

func (s *Store) path(mode string) string {
	name := "implementation_context.json"
	if mode == ModePlanning {
		name = "planning_context.json"
	}
	return filepath.Join(s.baseDir, name)
}

func (s *Store) sessionsPath(mode string) string {
	name := "implementation_sessions.local.json"
	if mode == ModePlanning {
		name = "planning_sessions.local.json"
	}
	return filepath.Join(s.baseDir, name)
}

// Load returns the entry for key, or nil if none exists. The returned
// entry is a copy; mutate it freely and Save when done.
func (s *Store) Load(mode string, key Key) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, err := s.read(s.path(mode))
	if err != nil {
		return nil, err
	}
	return cloneEntry(findEntry(store, key)), nil
}

// Ensure returns the entry for key, creating and persisting a default
// one when absent. The feature request is only recorded on creation.
func (s *Store) Ensure(mode string, key Key, featureRequest string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(mode)
	store, err := s.read(path)
	if err != nil {
		return nil, err
	}
	if entry := findEntry(store, key); entry != nil {
		return cloneEntry(entry), nil
	}
	entry := newEntry(key, featureRequest)
	store.Entries = append(store.Entries, entry)
	if err := s.write(path, store); err != nil {
		return nil, err
	}
	s.logger.Debug("created context entry repo=%s branch=%s workstream=%s", key.Repo, key.Branch, key.Workstream)
	return cloneEntry(entry), nil
}

// Save persists entry, enforcing optimistic concurrency: if the stored
// version differs from entry.Version the write fails with
// ErrVersionConflict. On success the stored and returned versions are
// bumped by one.
func (s *Store) Save(mode string, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(mode)
	store, err := s.read(path)
	if err != nil {
		return err
	}
	current := findEntry(store, entry.Key)
	if current != nil && current.Version != entry.Version {
		return fmt.Errorf("save %s/%s: have v%d, disk v%d: %w",
			entry.Key.Branch, entry.Key.Workstream, entry.Version, current.Version, ErrVersionConflict)
	}
	entry.Version++
	entry.SchemaVersion = SchemaVersion
	stored := cloneEntry(entry)
	if current != nil {
		for i, e := range store.Entries {
			if e.Key == entry.Key {
				store.Entries[i] = stored
				break
			}
		}
	} else {
		store.Entries = append(store.Entries, stored)
	}
	return s.write(path, store)
}

// Sessions returns the persisted tool session handles for key, keyed by
// tool name. Missing entries yield an empty map.
func (s *Store) Sessions(mode string, key Key) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, err := s.read(s.sessionsPath(mode))
	if err != nil {
		return nil, err
	}
	entry := findEntry(store, key)
	if entry == nil || entry.CLISessions == nil {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(entry.CLISessions))
	for k, v := range entry.CLISessions {
		out[k] = v
	}
	return out, nil
}

// SaveSessions upserts the session handles for key. Sessions bypass
// version checks: they are tool-local and last-writer-wins is fine.
func (s *Store) SaveSessions(mode string, key Key, sessions map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.sessionsPath(mode)
	store, err := s.read(path)
	if err != nil {
		return err
	}
	entry := findEntry(store, key)
	if entry == nil {
		entry = newEntry(key, "")
		store.Entries = append(store.Entries, entry)
	}
	if entry.CLISessions == nil {
		entry.CLISessions = map[string]string{}
	}
	for k, v := range sessions {
		entry.CLISessions[k] = v
	}
	return s.write(path, store)
}

func (s *Store) read(path string) (*fileStore, error) {
	empty := &fileStore{SchemaVersion: SchemaVersion}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read context store: %w", err)
	}
	var store fileStore
	if err := json.Unmarshal(data, &store); err != nil {
		s.logger.Warn("corrupt context store %s, starting fresh: %v", path, err)
		return empty, nil
	}
	if store.SchemaVersion == 0 {
		store.SchemaVersion = SchemaVersion
	}
	return &store, nil
}

func (s *Store) write(path string, store *fileStore) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write context store: %w", err)
	}
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("encode context store: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write context store: %w", err)
	}
	return os.Rename(tmp, path)
}

func findEntry(store *fileStore, key Key) *Entry {
	for _, entry := range store.Entries {
		if entry.Key == key {
			return entry
		}
	}
	return nil
}

func cloneEntry(entry *Entry) *Entry {
	if entry == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		clone := *entry
		return &clone
	}
	var clone Entry
	if err := json.Unmarshal(data, &clone); err != nil {
		clone = *entry
	}
	return &clone
}

// SummaryHash fingerprints a working summary for cheap change detection.
func SummaryHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NowISO is the timestamp format used in persisted entries.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
