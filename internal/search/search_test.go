package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"archivecore/internal/archive"
	"archivecore/internal/config"
	"archivecore/internal/modelgateway"
	"archivecore/internal/persistence/databases"
)

// scriptedEmbedProvider returns a fixed vector per distinct query text,
// mirroring the scripted fakes already established in the analyzer,
// classifier, and indexer packages' tests.
type scriptedEmbedProvider struct {
	vectors map[string][]float32
	calls   int
}

func (p *scriptedEmbedProvider) Name() string { return "scripted" }

func (p *scriptedEmbedProvider) GenerateTurn(ctx context.Context, req modelgateway.GenerateRequest, priorTurns []modelgateway.Turn) (modelgateway.GenerateResult, error) {
	return modelgateway.GenerateResult{}, nil
}

func (p *scriptedEmbedProvider) Embed(ctx context.Context, texts []string) (modelgateway.EmbedResult, error) {
	p.calls++
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := p.vectors[t]
		if !ok {
			v = []float32{0, 0, 0}
		}
		vectors[i] = v
	}
	return modelgateway.EmbedResult{Vectors: vectors, ModelDim: 3}, nil
}

func testSearchTuning() config.SearchTuning {
	return config.SearchTuning{
		SimilarityThreshold: 0.3,
		HybridAlpha:         0.5,
		MaxCandidates:       500,
		PersonFallbackDecay: 0.85,
	}
}

func TestSearch_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	vec := databases.NewMemoryVector()
	fts := databases.NewMemorySearch()
	provider := &scriptedEmbedProvider{vectors: map[string][]float32{}}
	gw := modelgateway.New(provider, 1000000, 10)
	s := New(store, vec, fts, gw, testSearchTuning())

	_, err := s.Search(ctx, Query{Text: "", Scope: ScopeAll, Page: 1, PageSize: 10}, "run1")
	require.Error(t, err)

	_, err = s.Search(ctx, Query{Text: "roadmap", Scope: ScopeAll, Page: 0, PageSize: 10}, "run1")
	require.Error(t, err)

	_, err = s.Search(ctx, Query{Text: "roadmap", Scope: ScopeAll, Page: 1, PageSize: 0}, "run1")
	require.Error(t, err)

	_, err = s.Search(ctx, Query{Text: "roadmap", Scope: "bogus", Page: 1, PageSize: 10}, "run1")
	require.Error(t, err)
}

func TestSearch_MessagesFusesSemanticAndKeyword(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	store.SeedRoom(archive.Room{ID: "room1"})
	store.SeedPerson(archive.Person{ID: "A", DisplayName: "Alice"})
	store.SeedMessage(archive.Message{ID: "m1", RoomID: "room1", PersonID: "A", Text: "let's talk about the roadmap", SentAt: time.Now()})
	store.SeedMessage(archive.Message{ID: "m2", RoomID: "room1", PersonID: "A", Text: "completely unrelated weather chat", SentAt: time.Now()})

	vec := databases.NewMemoryVector()
	require.NoError(t, vec.Upsert(ctx, "message:m1", []float32{1, 1, 0}, map[string]string{"entity_type": "message"}))
	// m2's embedding is dissimilar to the query, so it should be dropped at
	// the vector-candidate stage regardless of any keyword overlap.
	require.NoError(t, vec.Upsert(ctx, "message:m2", []float32{-1, -1, 0}, map[string]string{"entity_type": "message"}))

	fts := databases.NewMemorySearch()
	require.NoError(t, fts.Index(ctx, "message:m1", "let's talk about the roadmap", map[string]string{"entity_type": "message"}))
	require.NoError(t, fts.Index(ctx, "message:m2", "completely unrelated weather chat", map[string]string{"entity_type": "message"}))

	provider := &scriptedEmbedProvider{vectors: map[string][]float32{"roadmap": {1, 1, 0}}}
	gw := modelgateway.New(provider, 1000000, 10)
	s := New(store, vec, fts, gw, testSearchTuning())

	results, err := s.Search(ctx, Query{Text: "roadmap", Scope: ScopeMessages, Page: 1, PageSize: 10}, "run1")
	require.NoError(t, err)
	require.Len(t, results.Messages, 1, "m2's dissimilar embedding should be dropped at the vector-candidate stage")
	require.Equal(t, "m1", results.Messages[0].Message.ID)
	require.Equal(t, MatchHybrid, results.Messages[0].MatchType)
	require.Equal(t, 1, results.MessagesPage.Total)
}

func TestSearch_DiscussionPersonFallbackInjectsMatch(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	store.SeedRoom(archive.Room{ID: "room1"})
	store.SeedPerson(archive.Person{ID: "A", DisplayName: "Alice"})
	store.SeedMessage(archive.Message{ID: "m1", RoomID: "room1", PersonID: "A", Text: "hey", SentAt: time.Now()})

	_, err := store.Discussions().Create(ctx, archive.Discussion{
		ID: "d1", RoomID: "room1", RunID: "run1", Title: "unrelated title", Summary: "unrelated summary",
		FirstMsgAt: time.Now(), LastMsgAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Discussions().AppendMessage(ctx, "d1", "m1", time.Now().Format(time.RFC3339), false))

	vec := databases.NewMemoryVector()
	// No direct discussion vector match, but a strong person match.
	require.NoError(t, vec.Upsert(ctx, "person:A", []float32{1, 1, 0}, map[string]string{"entity_type": "person"}))

	fts := databases.NewMemorySearch()
	provider := &scriptedEmbedProvider{vectors: map[string][]float32{"alice": {1, 1, 0}}}
	gw := modelgateway.New(provider, 1000000, 10)
	s := New(store, vec, fts, gw, testSearchTuning())

	results, err := s.Search(ctx, Query{Text: "alice", Scope: ScopeDiscussions, Page: 1, PageSize: 10}, "run1")
	require.NoError(t, err)
	require.Len(t, results.Discussions, 1)
	require.Equal(t, "d1", results.Discussions[0].Discussion.ID)
}

func TestSearch_TopicsKeywordMatchOnDescription(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	store.SeedRoom(archive.Room{ID: "room1"})
	topic, err := store.Topics().UpsertByName(ctx, "room1", "Infra", "deployment pipelines and on-call rotations", "")
	require.NoError(t, err)

	vec := databases.NewMemoryVector()
	require.NoError(t, vec.Upsert(ctx, "topic:"+topic.ID, []float32{1, 1, 0}, map[string]string{"entity_type": "topic"}))

	fts := databases.NewMemorySearch()
	provider := &scriptedEmbedProvider{vectors: map[string][]float32{"on-call": {1, 1, 0}}}
	gw := modelgateway.New(provider, 1000000, 10)
	s := New(store, vec, fts, gw, testSearchTuning())

	results, err := s.Search(ctx, Query{Text: "on-call", Scope: ScopeTopics, Page: 1, PageSize: 10}, "run1")
	require.NoError(t, err)
	require.Len(t, results.Topics, 1)
	require.Equal(t, MatchHybrid, results.Topics[0].MatchType)
}

func TestSearch_DropsBelowThresholdAndPaginates(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	store.SeedRoom(archive.Room{ID: "room1"})
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		store.SeedPerson(archive.Person{ID: id, DisplayName: "Person " + id})
	}

	vec := databases.NewMemoryVector()
	// Two people close to the query vector, one far below threshold.
	require.NoError(t, vec.Upsert(ctx, "person:a", []float32{1, 1, 0}, map[string]string{"entity_type": "person"}))
	require.NoError(t, vec.Upsert(ctx, "person:b", []float32{1, 0.9, 0}, map[string]string{"entity_type": "person"}))
	require.NoError(t, vec.Upsert(ctx, "person:c", []float32{-1, -1, 0}, map[string]string{"entity_type": "person"}))

	fts := databases.NewMemorySearch()
	provider := &scriptedEmbedProvider{vectors: map[string][]float32{"person": {1, 1, 0}}}
	gw := modelgateway.New(provider, 1000000, 10)
	s := New(store, vec, fts, gw, testSearchTuning())

	results, err := s.Search(ctx, Query{Text: "person", Scope: ScopePeople, Page: 1, PageSize: 1}, "run1")
	require.NoError(t, err)
	require.Equal(t, 2, results.PeoplePage.Total, "the far-away candidate should be dropped by the similarity threshold")
	require.Len(t, results.People, 1, "page size 1 should return exactly one hit")
	require.Equal(t, 1, results.PeoplePage.Page)
	require.Equal(t, 1, results.PeoplePage.PageSize)
}
