package indexer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"archivecore/internal/archive"
	"archivecore/internal/config"
	"archivecore/internal/modelgateway"
	"archivecore/internal/persistence/databases"
)

// scriptedEmbedProvider is a deterministic modelgateway.Provider fake that
// returns one fixed-dimension vector per input text, mirroring the scripted
// fakes already established in the analyzer and classifier packages' tests.
// calls is mutex-guarded since Reindex embeds within a batch concurrently.
type scriptedEmbedProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *scriptedEmbedProvider) Name() string { return "scripted" }

func (p *scriptedEmbedProvider) GenerateTurn(ctx context.Context, req modelgateway.GenerateRequest, priorTurns []modelgateway.Turn) (modelgateway.GenerateResult, error) {
	return modelgateway.GenerateResult{}, nil
}

func (p *scriptedEmbedProvider) Embed(ctx context.Context, texts []string) (modelgateway.EmbedResult, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = []float32{float32(len(t)), 1, 0}
	}
	return modelgateway.EmbedResult{Vectors: vectors, ModelDim: 3}, nil
}

func testIndexTuning() config.IndexTuning {
	return config.IndexTuning{ReindexBatchSize: 2, InterBatchDelayMS: 100}
}

func noSleep(time.Duration) {}

func TestEmbedEntity_SkipsShortMessage(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	store.SeedRoom(archive.Room{ID: "room1"})
	store.SeedMessage(archive.Message{ID: "m1", RoomID: "room1", PersonID: "A", Text: "hi", SentAt: time.Now()})

	provider := &scriptedEmbedProvider{}
	gw := modelgateway.New(provider, 1000000, 10)
	vec := databases.NewMemoryVector()
	ix := New(store, vec, gw, testIndexTuning(), WithSleeper(noSleep))

	require.NoError(t, ix.EmbedEntity(ctx, KindMessage, "m1"))
	require.Equal(t, 0, provider.calls, "a 2-char message is below the 5-char floor and should never reach the gateway")
}

func TestEmbedEntity_EmbedsAndSkipsOnUnchangedHash(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	store.SeedRoom(archive.Room{ID: "room1"})
	store.SeedMessage(archive.Message{ID: "m1", RoomID: "room1", PersonID: "A", Text: "let's talk about the roadmap", SentAt: time.Now()})

	provider := &scriptedEmbedProvider{}
	gw := modelgateway.New(provider, 1000000, 10)
	vec := databases.NewMemoryVector()
	ix := New(store, vec, gw, testIndexTuning(), WithSleeper(noSleep))

	require.NoError(t, ix.EmbedEntity(ctx, KindMessage, "m1"))
	require.Equal(t, 1, provider.calls)

	results, err := vec.SimilaritySearch(ctx, []float32{1, 1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "message:m1", results[0].ID)

	// Re-embedding unchanged content should skip the gateway entirely.
	require.NoError(t, ix.EmbedEntity(ctx, KindMessage, "m1"))
	require.Equal(t, 1, provider.calls, "unchanged content hash should short-circuit before calling the gateway")
}

func TestEmbedEntity_ReembedsOnChangedContent(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	store.SeedRoom(archive.Room{ID: "room1"})
	store.SeedMessage(archive.Message{ID: "m1", RoomID: "room1", PersonID: "A", Text: "first version of the text", SentAt: time.Now()})

	provider := &scriptedEmbedProvider{}
	gw := modelgateway.New(provider, 1000000, 10)
	vec := databases.NewMemoryVector()
	ix := New(store, vec, gw, testIndexTuning(), WithSleeper(noSleep))

	require.NoError(t, ix.EmbedEntity(ctx, KindMessage, "m1"))
	require.Equal(t, 1, provider.calls)

	store.SeedMessage(archive.Message{ID: "m1", RoomID: "room1", PersonID: "A", Text: "a very different second version", SentAt: time.Now()})
	require.NoError(t, ix.EmbedEntity(ctx, KindMessage, "m1"))
	require.Equal(t, 2, provider.calls, "changed content hash should trigger a re-embed")
}

func TestReindex_BatchesAcrossAllKindsAndReportsProgress(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	store.SeedRoom(archive.Room{ID: "room1"})
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		store.SeedMessage(archive.Message{
			ID: idOf(i), RoomID: "room1", PersonID: "A",
			Text: "message content long enough to embed " + idOf(i), SentAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	_, err := store.Discussions().Create(ctx, archive.Discussion{
		ID: "d1", RoomID: "room1", RunID: "run1", Title: "roadmap talk", Summary: "discussing the roadmap",
		FirstMsgAt: base, LastMsgAt: base,
	})
	require.NoError(t, err)
	_, err = store.Runs().Create(ctx, archive.AnalysisRun{ID: "reindex1", RoomID: "room1", Kind: archive.RunKindReindex, StartedAt: base})
	require.NoError(t, err)

	provider := &scriptedEmbedProvider{}
	gw := modelgateway.New(provider, 1000000, 10)
	vec := databases.NewMemoryVector()
	ix := New(store, vec, gw, testIndexTuning(), WithSleeper(noSleep))

	report, err := ix.Reindex(ctx, "room1", "reindex1", []Kind{KindMessage, KindDiscussion})
	require.NoError(t, err)
	require.Len(t, report.Kinds, 2)

	var msgProgress, discProgress KindProgress
	for _, kp := range report.Kinds {
		switch kp.Kind {
		case KindMessage:
			msgProgress = kp
		case KindDiscussion:
			discProgress = kp
		}
	}
	require.Equal(t, 5, msgProgress.Total)
	require.Equal(t, 5, msgProgress.Completed)
	require.Equal(t, 1, discProgress.Total)
	require.Equal(t, 1, discProgress.Completed)

	run, ok, err := store.Runs().Get(ctx, "reindex1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 6, run.WindowsDone, "heartbeat progress should reflect every entity embedded across both kinds")
}

func idOf(i int) string { return "m" + string(rune('1'+i)) }

func TestContentForDiscussion_CombinesTitleAndSummary(t *testing.T) {
	content, ok := contentForDiscussion(archive.Discussion{Title: "Roadmap", Summary: "Q3 planning"})
	require.True(t, ok)
	require.True(t, strings.Contains(content, "Roadmap"))
	require.True(t, strings.Contains(content, "Q3 planning"))
}

func TestContentForDiscussion_EmptyWhenNoTitleOrSummary(t *testing.T) {
	_, ok := contentForDiscussion(archive.Discussion{})
	require.False(t, ok)
}
