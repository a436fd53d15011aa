// Package memory implements a time-aware durable knowledge store. Records
// decay by age: search ranks by similarity plus importance plus a recency
// bonus with a configurable half-life. Writes go through a single-worker
// background queue so they never block a run's critical path.
package memory

import (
	"context"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/logx"
)

// Config tunes the store. Zero values are filled by ApplyDefaults.
type Config struct {
	Path           string  `yaml:"path"`
	Collection     string  `yaml:"collection"`
	TopK           int     `yaml:"top_k"`
	TimeWindowDays int     `yaml:"time_window_days"`
	HalfLifeHours  float64 `yaml:"half_life_hours"`
	DecayAlpha     float64 `yaml:"decay_alpha"`
	TaskTTLDays    int     `yaml:"task_ttl_days"`
	QueueSize      int     `yaml:"queue_size"`
}

// ApplyDefaults fills unset fields, honoring MEMORY_* environment
// overrides for operational tuning.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = envOr("VECTOR_DB_PATH", "data/memory/vectorstore")
	}
	if c.Collection == "" {
		c.Collection = "conductor_memories"
	}
	if c.TopK == 0 {
		c.TopK = envInt("MEMORY_TOP_K", 8)
	}
	if c.TimeWindowDays == 0 {
		c.TimeWindowDays = envInt("MEMORY_TIME_WINDOW_DAYS", 30)
	}
	if c.HalfLifeHours == 0 {
		c.HalfLifeHours = envFloat("MEMORY_DECAY_HALF_LIFE_HOURS", 72)
	}
	if c.DecayAlpha == 0 {
		c.DecayAlpha = envFloat("MEMORY_DECAY_ALPHA", 0.5)
	}
	if c.TaskTTLDays == 0 {
		c.TaskTTLDays = envInt("MEMORY_TTL_TASK_DAYS", 7)
	}
	if c.QueueSize == 0 {
		c.QueueSize = 128
	}
}

// Record is one immutable memory item.
type Record struct {
	ID         string            `json:"id,omitempty"`
	Text       string            `json:"text"`
	Category   string            `json:"category"`
	Importance float64           `json:"importance"`
	Source     string            `json:"source"`
	Timestamp  time.Time         `json:"ts"`
	TSEpoch    float64           `json:"ts_epoch"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Result is a record with its final decay-adjusted score.
type Result struct {
	Record
	Score float64 `json:"score"`
}

// Embedder produces embedding vectors for documents and queries.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// hit is a backend search match before decay scoring.
type hit struct {
	record     Record
	similarity float64
}

// backend abstracts the persistence layer behind the store.
type backend interface {
	write(ctx context.Context, rec Record) error
	search(ctx context.Context, query string, since time.Time, limit int) ([]hit, error)
	prune(cutoff time.Time) error
}

// Store is the temporal memory facade. Safe for concurrent use.
type Store struct {
	cfg     Config
	backend backend
	logger  *logx.Logger

	queue chan Record
	wg    sync.WaitGroup
	once  sync.Once
}

// New creates a store. With a non-nil embedder the vector backend is
// used; a backend construction failure falls back to the local line
// store rather than failing the run.
func New(cfg Config, embedder Embedder) *Store {
	cfg.ApplyDefaults()
	logger := logx.NewLogger("memory")

	var b backend
	if embedder != nil {
		vb, err := newChromemBackend(cfg, embedder)
		if err != nil {
			logger.Warn("vector backend unavailable, using local store: %v", err)
		} else {
			b = vb
		}
	}
	if b == nil {
		b = newLocalBackend(cfg, logger)
	}

	s := &Store{
		cfg:     cfg,
		backend: b,
		logger:  logger,
		queue:   make(chan Record, cfg.QueueSize),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *Store) worker() {
	defer s.wg.Done()
	for rec := range s.queue {
		if err := s.backend.write(context.Background(), rec); err != nil {
			s.logger.Warn("memory write failed: %v", err)
		}
	}
}

// Write persists a record asynchronously. The call never blocks: if the
// queue is full the record is dropped with a warning. The assigned ID is
// returned immediately.
func (s *Store) Write(rec Record) string {
	rec = stamp(rec)
	select {
	case s.queue <- rec:
	default:
		s.logger.Warn("memory queue full, dropping record category=%s", rec.Category)
	}
	return rec.ID
}

// WriteSync persists a record on the calling goroutine. Used where
// durability matters more than latency, such as distilled golden rules.
func (s *Store) WriteSync(ctx context.Context, rec Record) (string, error) {
	rec = stamp(rec)
	return rec.ID, s.backend.write(ctx, rec)
}

func stamp(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.TSEpoch = float64(rec.Timestamp.UnixNano()) / float64(time.Second)
	if rec.Category == "" {
		rec.Category = "general"
	}
	if rec.Source == "" {
		rec.Source = "agent"
	}
	return rec
}

// Search returns the top-k records within the time window, ranked by
// similarity + importance + recency bonus, descending. Zero topK and
// windowDays fall back to the configured defaults.
func (s *Store) Search(ctx context.Context, query string, topK, windowDays int) ([]Result, error) {
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	if windowDays <= 0 {
		windowDays = s.cfg.TimeWindowDays
	}
	since := time.Now().UTC().Add(-time.Duration(windowDays) * 24 * time.Hour)

	hits, err := s.backend.search(ctx, query, since, topK)
	if err != nil {
		return nil, logx.Wrap(err, "memory search failed")
	}

	results := make([]Result, 0, len(hits))
	now := time.Now().UTC()
	for _, h := range hits {
		score := h.similarity + h.record.Importance + s.recencyBonus(now, h.record.Timestamp)
		results = append(results, Result{Record: h.record, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Prune removes task_state records older than the configured TTL.
func (s *Store) Prune() error {
	cutoff := time.Now().UTC().Add(-time.Duration(s.cfg.TaskTTLDays) * 24 * time.Hour)
	return s.backend.prune(cutoff)
}

// Close drains the write queue and stops the background worker.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.queue)
		s.wg.Wait()
	})
}

// recencyBonus decays exponentially with record age at the configured
// half-life. Strictly monotone decreasing in age.
func (s *Store) recencyBonus(now, ts time.Time) float64 {
	ageHours := now.Sub(ts).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	halfLife := s.cfg.HalfLifeHours
	if halfLife <= 0 {
		halfLife = 48
	}
	return s.cfg.DecayAlpha * math.Exp(-math.Ln2/halfLife*ageHours)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
