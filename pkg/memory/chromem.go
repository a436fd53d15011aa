package memory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// chromemBackend stores records in an embedded persistent vector DB with
// cosine similarity. Time filtering happens after the ANN query since the
// collection filter only supports exact metadata matches.
type chromemBackend struct {
	db         *chromem.DB
	collection string
	embedder   Embedder
}

func newChromemBackend(cfg Config, embedder Embedder) (*chromemBackend, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vector store directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(cfg.Path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	return &chromemBackend{db: db, collection: cfg.Collection, embedder: embedder}, nil
}

func (c *chromemBackend) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return c.embedder.EmbedQuery(ctx, text)
	}
}

func (c *chromemBackend) write(ctx context.Context, rec Record) error {
	coll, err := c.db.GetOrCreateCollection(c.collection, nil, c.embeddingFunc())
	if err != nil {
		return fmt.Errorf("failed to open collection %s: %w", c.collection, err)
	}

	vectors, err := c.embedder.EmbedDocuments(ctx, []string{rec.Text})
	if err != nil || len(vectors) != 1 {
		return fmt.Errorf("failed to embed memory record: %w", err)
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Embedding: vectors[0],
		Metadata:  recordMetadata(rec),
	}
	if err := coll.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("failed to upsert memory record: %w", err)
	}
	return nil
}

func (c *chromemBackend) search(ctx context.Context, query string, since time.Time, limit int) ([]hit, error) {
	coll := c.db.GetCollection(c.collection, c.embeddingFunc())
	if coll == nil {
		return nil, nil
	}
	count := coll.Count()
	if count == 0 {
		return nil, nil
	}

	// Over-fetch so the post-hoc window filter still leaves enough rows.
	k := limit * 4
	if k > count {
		k = count
	}
	results, err := coll.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", c.collection, err)
	}

	var hits []hit
	for _, r := range results {
		rec := recordFromMetadata(r.ID, r.Content, r.Metadata)
		if rec.Timestamp.Before(since) {
			continue
		}
		hits = append(hits, hit{record: rec, similarity: float64(r.Similarity)})
	}
	return hits, nil
}

// prune is a no-op on the vector backend; TTL cleanup applies to the
// local line store only.
func (c *chromemBackend) prune(time.Time) error {
	return nil
}

func recordMetadata(rec Record) map[string]string {
	md := map[string]string{
		"category":   rec.Category,
		"importance": strconv.FormatFloat(rec.Importance, 'f', -1, 64),
		"source":     rec.Source,
		"ts":         rec.Timestamp.Format(time.RFC3339Nano),
		"ts_epoch":   strconv.FormatFloat(rec.TSEpoch, 'f', -1, 64),
	}
	for k, v := range rec.Metadata {
		md["meta_"+k] = v
	}
	return md
}

func recordFromMetadata(id, content string, md map[string]string) Record {
	rec := Record{
		ID:       id,
		Text:     content,
		Category: md["category"],
		Source:   md["source"],
	}
	if f, err := strconv.ParseFloat(md["importance"], 64); err == nil {
		rec.Importance = f
	}
	if ts, err := time.Parse(time.RFC3339Nano, md["ts"]); err == nil {
		rec.Timestamp = ts
	}
	if f, err := strconv.ParseFloat(md["ts_epoch"], 64); err == nil {
		rec.TSEpoch = f
	}
	for k, v := range md {
		if len(k) > 5 && k[:5] == "meta_" {
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]string)
			}
			rec.Metadata[k[5:]] = v
		}
	}
	return rec
}
