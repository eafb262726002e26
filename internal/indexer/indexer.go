// Package indexer implements the Embedding Indexer (C7): per-entity content
// preparation, content-hash-gated single-entity embedding, and a batched
// bulk reindex across one or all entity kinds. Grounded on the Discussion
// Analyzer's (C5) orchestration shape — store + gateway wired into one
// struct — generalized to drive the persistence/databases.VectorStore
// rather than the Archive Store directly, since embeddings live alongside
// vectors, not as their own archive table.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"archivecore/internal/archive"
	"archivecore/internal/config"
	"archivecore/internal/modelgateway"
	"archivecore/internal/persistence/databases"
)

// maxContentChars bounds content length before embedding.
const maxContentChars = 8000

// reindexConcurrency bounds how many entities within one batch are embedded
// concurrently, so a bulk reindex doesn't open unbounded simultaneous gateway
// calls against the rate limiter.
const reindexConcurrency = 4

// minMessageChars is the minimum cleaned-content length a message needs to
// be worth embedding at all.
const minMessageChars = 5

// Kind names one of the four embeddable entity kinds.
type Kind string

const (
	KindMessage    Kind = "message"
	KindDiscussion Kind = "discussion"
	KindPerson     Kind = "person"
	KindTopic      Kind = "topic"
)

var allKinds = []Kind{KindMessage, KindDiscussion, KindPerson, KindTopic}

// Option configures an Indexer, following the Model Gateway's functional-
// options pattern so tests can swap out the inter-batch sleep.
type Option func(*Indexer)

// WithSleeper overrides the inter-batch delay function; tests use a no-op so
// a reindex with many batches doesn't pay the real ~100ms delay.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(ix *Indexer) { ix.sleep = sleep }
}

// Indexer wires the Archive Store, a vector backend, and the Model Gateway
// together for online and bulk embedding.
type Indexer struct {
	store   archive.Store
	vector  databases.VectorStore
	gateway *modelgateway.Gateway
	cfg     config.IndexTuning
	sleep   func(time.Duration)
}

// New builds an Indexer over store, vector, and gateway, tuned by cfg.
func New(store archive.Store, vector databases.VectorStore, gateway *modelgateway.Gateway, cfg config.IndexTuning, opts ...Option) *Indexer {
	ix := &Indexer{store: store, vector: vector, gateway: gateway, cfg: cfg, sleep: time.Sleep}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// vectorID is the composite key the vector backend and full-text backend
// both index entities under.
func vectorID(kind Kind, entityID string) string {
	return fmt.Sprintf("%s:%s", kind, entityID)
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) > maxContentChars {
		return string(r[:maxContentChars])
	}
	return s
}

// contentForMessage applies the message content rule: cleaned content,
// skipped if under minMessageChars.
func contentForMessage(m archive.Message) (string, bool) {
	c := strings.TrimSpace(m.Text)
	if len(c) < minMessageChars {
		return "", false
	}
	return truncate(c), true
}

func contentForDiscussion(d archive.Discussion) (string, bool) {
	c := strings.TrimSpace(strings.TrimSpace(d.Title) + " " + strings.TrimSpace(d.Summary))
	if c == "" {
		return "", false
	}
	return truncate(c), true
}

func contentForPerson(p archive.Person) (string, bool) {
	c := strings.TrimSpace(strings.TrimSpace(p.DisplayName) + " " + strings.TrimSpace(p.AISummary))
	if c == "" {
		return "", false
	}
	return truncate(c), true
}

func contentForTopic(t archive.Topic) (string, bool) {
	c := strings.TrimSpace(strings.TrimSpace(t.Name) + " " + strings.TrimSpace(t.Description))
	if c == "" {
		return "", false
	}
	return truncate(c), true
}

// EmbedEntity performs an online single-entity embed: compute
// content, hash it, skip if the vector store already holds that hash,
// otherwise call the gateway for one embedding and upsert.
func (ix *Indexer) EmbedEntity(ctx context.Context, kind Kind, entityID string) error {
	content, ok, err := ix.fetchContent(ctx, kind, entityID)
	if err != nil {
		return fmt.Errorf("fetch content for %s %s: %w", kind, entityID, err)
	}
	if !ok {
		return nil
	}
	return ix.embedOne(ctx, kind, entityID, content, "")
}

func (ix *Indexer) embedOne(ctx context.Context, kind Kind, entityID, content, runID string) error {
	id := vectorID(kind, entityID)
	hash := contentHash(content)
	if hl, ok := ix.vector.(databases.HashLookup); ok {
		existing, found, err := hl.ContentHash(ctx, id)
		if err != nil {
			return fmt.Errorf("content hash lookup: %w", err)
		}
		if found && existing == hash {
			return nil
		}
	}
	result, err := ix.gateway.Embed(ctx, []string{content}, runID)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(result.Vectors) != 1 {
		return fmt.Errorf("embed: expected 1 vector, got %d", len(result.Vectors))
	}
	metadata := map[string]string{
		"entity_type":  string(kind),
		"content_hash": hash,
	}
	if err := ix.vector.Upsert(ctx, id, result.Vectors[0], metadata); err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

// fetchContent resolves entityID under kind to its prepared content via the
// Archive Store, returning ok=false when the entity is missing or its
// content is empty/too short to embed.
func (ix *Indexer) fetchContent(ctx context.Context, kind Kind, entityID string) (string, bool, error) {
	switch kind {
	case KindMessage:
		m, ok, err := ix.store.Messages().GetByID(ctx, entityID)
		if err != nil || !ok {
			return "", false, err
		}
		content, ok := contentForMessage(m)
		return content, ok, nil
	case KindDiscussion:
		d, ok, err := ix.store.Discussions().Get(ctx, entityID)
		if err != nil || !ok {
			return "", false, err
		}
		content, ok := contentForDiscussion(d)
		return content, ok, nil
	case KindPerson:
		p, ok, err := ix.store.People().Get(ctx, entityID)
		if err != nil || !ok {
			return "", false, err
		}
		content, ok := contentForPerson(p)
		return content, ok, nil
	case KindTopic:
		t, ok, err := ix.store.Topics().Get(ctx, entityID)
		if err != nil || !ok {
			return "", false, err
		}
		content, ok := contentForTopic(t)
		return content, ok, nil
	default:
		return "", false, fmt.Errorf("unknown entity kind %q", kind)
	}
}

// KindProgress reports one kind's share of a Reindex run.
type KindProgress struct {
	Kind      Kind
	Total     int
	Completed int
}

// Report is the termination payload of one Reindex call.
type Report struct {
	Kinds []KindProgress
}

// Reindex performs a bulk reindex: for each requested kind (or
// all four if kinds is empty), scan roomID's entities, batch them by
// ReindexBatchSize, filter empty content, embed each batch, and upsert every
// row. Progress is heartbeated to the Run Controller via runID after every
// batch. A batch failure aborts the whole reindex without rolling back
// batches already committed (each row upsert is independently durable).
func (ix *Indexer) Reindex(ctx context.Context, roomID, runID string, kinds []Kind) (Report, error) {
	if len(kinds) == 0 {
		kinds = allKinds
	}
	batchSize := ix.cfg.ReindexBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	delay := time.Duration(ix.cfg.InterBatchDelayMS) * time.Millisecond

	var report Report
	completed := 0
	for _, kind := range kinds {
		items, err := ix.collect(ctx, roomID, kind)
		if err != nil {
			return Report{}, fmt.Errorf("collect %s entities: %w", kind, err)
		}
		progress := KindProgress{Kind: kind, Total: len(items)}

		for start := 0; start < len(items); start += batchSize {
			end := start + batchSize
			if end > len(items) {
				end = len(items)
			}
			batch := items[start:end]
			var mu sync.Mutex
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(reindexConcurrency)
			for _, it := range batch {
				if !it.ok {
					continue
				}
				it := it
				g.Go(func() error {
					if err := ix.embedOne(gctx, kind, it.id, it.content, runID); err != nil {
						return err
					}
					mu.Lock()
					progress.Completed++
					completed++
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return Report{}, fmt.Errorf("STORE_ERROR: embed batch [%d:%d) of %s failed: %w", start, end, kind, err)
			}
			if err := ix.store.Runs().Heartbeat(ctx, runID, completed); err != nil {
				log.Warn().Err(err).Str("run_id", runID).Msg("reindex: heartbeat failed, continuing")
			}
			if end < len(items) && delay > 0 {
				ix.sleep(delay)
			}
		}
		report.Kinds = append(report.Kinds, progress)
	}
	return report, nil
}

type collected struct {
	id      string
	content string
	ok      bool
}

func (ix *Indexer) collect(ctx context.Context, roomID string, kind Kind) ([]collected, error) {
	var out []collected
	switch kind {
	case KindMessage:
		msgs, err := ix.store.Messages().ListByRoomBetween(ctx, roomID, nil, nil, 0)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			content, ok := contentForMessage(m)
			out = append(out, collected{id: m.ID, content: content, ok: ok})
		}
	case KindDiscussion:
		discs, err := ix.store.Discussions().ListByRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		for _, d := range discs {
			content, ok := contentForDiscussion(d)
			out = append(out, collected{id: d.ID, content: content, ok: ok})
		}
	case KindPerson:
		people, err := ix.store.People().ListByRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		for _, p := range people {
			content, ok := contentForPerson(p)
			out = append(out, collected{id: p.ID, content: content, ok: ok})
		}
	case KindTopic:
		topics, err := ix.store.Topics().ListByRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		for _, t := range topics {
			content, ok := contentForTopic(t)
			out = append(out, collected{id: t.ID, content: content, ok: ok})
		}
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	return out, nil
}
