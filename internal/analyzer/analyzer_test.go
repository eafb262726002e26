package analyzer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"archivecore/internal/archive"
	"archivecore/internal/config"
	"archivecore/internal/modelgateway"
	"archivecore/internal/windowstream"
)

// scriptedProvider is a deterministic modelgateway.Provider fake returning
// canned structured-output turns keyed by call index, following the gateway
// package's own scriptedProvider test fake.
type scriptedProvider struct {
	turns     []json.RawMessage
	callCount int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) GenerateTurn(ctx context.Context, req modelgateway.GenerateRequest, priorTurns []modelgateway.Turn) (modelgateway.GenerateResult, error) {
	if p.callCount >= len(p.turns) {
		panic("scriptedProvider: ran out of scripted turns")
	}
	raw := p.turns[p.callCount]
	p.callCount++
	return modelgateway.GenerateResult{Kind: modelgateway.OutputStructured, Structured: raw}, nil
}

func (p *scriptedProvider) Embed(ctx context.Context, texts []string) (modelgateway.EmbedResult, error) {
	return modelgateway.EmbedResult{}, nil
}

func testConfig() config.AnalyzerConfig {
	return config.AnalyzerConfig{
		WindowSize:               10,
		WindowOverlap:            1,
		ContextWindows:           1,
		DormancyThreshold:        5,
		MaxMessagesPerDiscussion: 500,
		IncrementalGraceHours:    48,
		MaxKeywords:              7,
		SummaryMaxMessages:       100,
	}
}

func seedColdStartRoom(s *archive.MemoryStore) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s.SeedRoom(archive.Room{ID: "room1", Name: "room"})
	s.SeedMessage(archive.Message{ID: "m1", RoomID: "room1", PersonID: "A", Text: "let's discuss X", SentAt: base})
	s.SeedMessage(archive.Message{ID: "m2", RoomID: "room1", PersonID: "B", Text: "yes about X", SentAt: base.Add(time.Minute)})
	s.SeedMessage(archive.Message{ID: "m3", RoomID: "room1", PersonID: "A", Text: "hi", SentAt: base.Add(2 * time.Minute)})
}

func TestRun_ColdStartFullRun(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	seedColdStartRoom(store)

	classify := classifyResponse{
		Classifications: []messageClassification{
			{MessageID: "m1", Assignments: []assignment{{DiscussionID: json.RawMessage(`"NEW"`), Confidence: 0.9}}},
			{MessageID: "m2", Assignments: []assignment{{DiscussionID: json.RawMessage(`"NEW"`), Confidence: 0.9}}},
			{MessageID: "m3", Assignments: []assignment{}},
		},
		DiscussionsEnded: []json.RawMessage{},
		NewDiscussions:   []newDiscussion{{TempID: "NEW", Title: "X chat"}},
	}
	classifyRaw, err := json.Marshal(classify)
	require.NoError(t, err)

	summary := summaryResponse{Summary: "A and B discussed X."}
	summaryRaw, err := json.Marshal(summary)
	require.NoError(t, err)

	provider := &scriptedProvider{turns: []json.RawMessage{classifyRaw, summaryRaw}}
	gw := modelgateway.New(provider, 1000000, 10)
	a := New(store, gw, testConfig())

	report, err := a.Run(ctx, "room1", windowstream.ModeFull, "run1")
	require.NoError(t, err)
	require.Equal(t, 1, report.DiscussionsFound)
	require.Equal(t, windowstream.ModeFull, report.Mode)
	require.Equal(t, 1, report.WindowsProcessed)

	discussions, err := store.Discussions().ListByRun(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, discussions, 1)
	d := discussions[0]
	require.Equal(t, "X chat", d.Title)
	require.Equal(t, "A and B discussed X.", d.Summary)

	count, err := store.Discussions().MessageCount(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	got, _, err := store.Discussions().Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.ParticipantCount, "m1 from A and m2 from B are distinct participants")
}

func TestRun_IncrementalExtension(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	seedColdStartRoom(store)

	run1, err := store.Runs().Create(ctx, archive.AnalysisRun{
		ID: "run1", RoomID: "room1", Kind: archive.RunKindDiscussionAnalysis, Mode: "full", StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	disc, err := store.Discussions().Create(ctx, archive.Discussion{
		ID: "disc_run1_NEW", RoomID: "room1", RunID: run1.ID, Title: "X chat", State: "active",
		FirstMsgAt: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		LastMsgAt:  time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, store.Discussions().AppendMessage(ctx, disc.ID, "m1", "2026-01-01T10:00:00Z", false))
	require.NoError(t, store.Discussions().AppendMessage(ctx, disc.ID, "m2", "2026-01-01T10:01:00Z", false))
	require.NoError(t, store.Runs().SetMessageRange(ctx, run1.ID, "m1", "m3"))
	require.NoError(t, store.Runs().MarkCompleted(ctx, run1.ID))

	store.SeedMessage(archive.Message{ID: "m4", RoomID: "room1", PersonID: "B", Text: "more about X", SentAt: time.Date(2026, 1, 1, 10, 3, 0, 0, time.UTC)})

	classify := classifyResponse{
		Classifications: []messageClassification{
			{MessageID: "m4", Assignments: []assignment{{DiscussionID: json.RawMessage(`"existing_disc_run1_NEW"`), Confidence: 0.85}}},
		},
		DiscussionsEnded: []json.RawMessage{},
		NewDiscussions:   []newDiscussion{},
	}
	classifyRaw, err := json.Marshal(classify)
	require.NoError(t, err)
	summaryRaw, err := json.Marshal(summaryResponse{Summary: "Extended X chat."})
	require.NoError(t, err)

	provider := &scriptedProvider{turns: []json.RawMessage{classifyRaw, summaryRaw}}
	gw := modelgateway.New(provider, 1000000, 10)
	a := New(store, gw, testConfig())

	report, err := a.Run(ctx, "room1", windowstream.ModeIncremental, "run2")
	require.NoError(t, err)
	require.Equal(t, windowstream.ModeIncremental, report.Mode)
	require.Equal(t, 0, report.DiscussionsFound)
	require.Equal(t, 1, report.DiscussionsExtended)

	count, err := store.Discussions().MessageCount(ctx, disc.ID)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	got, _, err := store.Discussions().Get(ctx, disc.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.ParticipantCount, "m4 is from B, already counted via m2, so the count stays unchanged")
}

func TestPreviewIncremental_ReflectsLastCompletedRun(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	seedColdStartRoom(store)

	a := New(store, modelgateway.New(&scriptedProvider{}, 1000000, 10), testConfig())

	before, err := a.PreviewIncremental(ctx, "room1")
	require.NoError(t, err)
	require.False(t, before.IncrementalAvailable)

	run1, err := store.Runs().Create(ctx, archive.AnalysisRun{
		ID: "run1", RoomID: "room1", Kind: archive.RunKindDiscussionAnalysis, Mode: "full", StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Runs().SetMessageRange(ctx, run1.ID, "m1", "m3"))
	require.NoError(t, store.Runs().MarkCompleted(ctx, run1.ID))

	store.SeedMessage(archive.Message{ID: "m4", RoomID: "room1", PersonID: "B", Text: "more about X", SentAt: time.Date(2026, 1, 1, 10, 3, 0, 0, time.UTC)})

	after, err := a.PreviewIncremental(ctx, "room1")
	require.NoError(t, err)
	require.True(t, after.IncrementalAvailable)
	require.Equal(t, 1, after.NewMessageCount)
	require.Equal(t, "run1", after.LastAnalysisRun.ID)
}

func TestParseDiscussionRef_DistinguishesIntAndString(t *testing.T) {
	ref := parseDiscussionRef(json.RawMessage(`42`))
	require.False(t, ref.IsTemp)
	require.Equal(t, "42", ref.Value)

	ref = parseDiscussionRef(json.RawMessage(`"NEW_1"`))
	require.True(t, ref.IsTemp)
	require.Equal(t, "NEW_1", ref.Value)
}

func TestRun_MaxMessagesPerDiscussionCapsFurtherAssignments(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	seedColdStartRoom(store)

	classify := classifyResponse{
		Classifications: []messageClassification{
			{MessageID: "m1", Assignments: []assignment{{DiscussionID: json.RawMessage(`"NEW"`), Confidence: 0.9}}},
			{MessageID: "m2", Assignments: []assignment{{DiscussionID: json.RawMessage(`"NEW"`), Confidence: 0.9}}},
			{MessageID: "m3", Assignments: []assignment{{DiscussionID: json.RawMessage(`"NEW"`), Confidence: 0.9}}},
		},
		DiscussionsEnded: []json.RawMessage{},
		NewDiscussions:   []newDiscussion{{TempID: "NEW", Title: "X chat"}},
	}
	classifyRaw, err := json.Marshal(classify)
	require.NoError(t, err)
	summaryRaw, err := json.Marshal(summaryResponse{Summary: "capped"})
	require.NoError(t, err)

	provider := &scriptedProvider{turns: []json.RawMessage{classifyRaw, summaryRaw}}
	gw := modelgateway.New(provider, 1000000, 10)
	cfg := testConfig()
	cfg.MaxMessagesPerDiscussion = 2
	a := New(store, gw, cfg)

	_, err = a.Run(ctx, "room1", windowstream.ModeFull, "run1")
	require.NoError(t, err)

	discussions, err := store.Discussions().ListByRun(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, discussions, 1)
	count, err := store.Discussions().MessageCount(ctx, discussions[0].ID)
	require.NoError(t, err)
	require.Equal(t, 2, count, "third assignment should be dropped once the cap is reached")
}
