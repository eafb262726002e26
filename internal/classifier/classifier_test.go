package classifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"archivecore/internal/archive"
	"archivecore/internal/modelgateway"
)

// scriptedProvider is a deterministic modelgateway.Provider fake returning
// one canned structured-output turn, mirroring the one already established
// in the modelgateway and analyzer packages' own tests.
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

func seedTwoDiscussions(t *testing.T, s *archive.MemoryStore) (archive.Discussion, archive.Discussion) {
	t.Helper()
	ctx := context.Background()
	s.SeedRoom(archive.Room{ID: "room1", Name: "room"})
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	d1, err := s.Discussions().Create(ctx, archive.Discussion{
		ID: "disc1", RoomID: "room1", RunID: "run1", Title: "X chat", State: "active",
		FirstMsgAt: base, LastMsgAt: base,
	})
	require.NoError(t, err)
	d2, err := s.Discussions().Create(ctx, archive.Discussion{
		ID: "disc2", RoomID: "room1", RunID: "run1", Title: "Y chat", State: "active",
		FirstMsgAt: base, LastMsgAt: base,
	})
	require.NoError(t, err)
	return d1, d2
}

func TestRun_InducesNewTopicsAndAssignsDiscussions(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	d1, d2 := seedTwoDiscussions(t, store)

	resp := classifyResponse{
		Topics: []topicCandidate{
			{Name: "Project X", Description: "everything about X"},
			{Name: "Project Y", Description: "everything about Y"},
		},
		Assignments: []topicAssignment{
			{DiscussionID: d1.ID, TopicNames: []string{"Project X"}},
			{DiscussionID: d2.ID, TopicNames: []string{"Project Y", "Project X"}},
		},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	provider := &scriptedProvider{turns: []json.RawMessage{raw}}
	gw := modelgateway.New(provider, 1000000, 10)
	c := New(store, gw)

	report, err := c.Run(ctx, "room1", "crun1")
	require.NoError(t, err)
	require.Equal(t, 2, report.DiscussionsClassified)
	require.Equal(t, 2, report.TopicsCreated)
	require.Equal(t, 0, report.OrphansDeleted)
	require.Len(t, report.NewTopicIDs, 2)

	topics, err := store.Topics().ListByRoom(ctx, "room1")
	require.NoError(t, err)
	require.Len(t, topics, 2)
}

func TestRun_ReusesExistingTopicByCaseInsensitiveName(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	d1, _ := seedTwoDiscussions(t, store)

	existing, err := store.Topics().UpsertByName(ctx, "room1", "Project X", "", "")
	require.NoError(t, err)

	resp := classifyResponse{
		Topics: []topicCandidate{{Name: "project x"}},
		Assignments: []topicAssignment{
			{DiscussionID: d1.ID, TopicNames: []string{"project x"}},
		},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	provider := &scriptedProvider{turns: []json.RawMessage{raw}}
	gw := modelgateway.New(provider, 1000000, 10)
	c := New(store, gw)

	report, err := c.Run(ctx, "room1", "crun1")
	require.NoError(t, err)
	require.Equal(t, 0, report.TopicsCreated)
	require.Equal(t, 1, report.TopicsReused)

	topics, err := store.Topics().ListByRoom(ctx, "room1")
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, existing.ID, topics[0].ID)
}

func TestRun_DeletesOrphanedTopics(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	d1, d2 := seedTwoDiscussions(t, store)
	require.NoError(t, store.Discussions().SetState(ctx, d2.ID, "active"))

	stale, err := store.Topics().UpsertByName(ctx, "room1", "Stale Topic", "", "")
	require.NoError(t, err)
	require.NoError(t, store.Topics().SetDiscussionTopics(ctx, d1.ID, []string{stale.ID}))

	resp := classifyResponse{
		Topics: []topicCandidate{{Name: "Fresh Topic"}},
		Assignments: []topicAssignment{
			{DiscussionID: d1.ID, TopicNames: []string{"Fresh Topic"}},
			{DiscussionID: d2.ID, TopicNames: []string{"Fresh Topic"}},
		},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	provider := &scriptedProvider{turns: []json.RawMessage{raw}}
	gw := modelgateway.New(provider, 1000000, 10)
	c := New(store, gw)

	report, err := c.Run(ctx, "room1", "crun1")
	require.NoError(t, err)
	require.Equal(t, 1, report.OrphansDeleted)

	topics, err := store.Topics().ListByRoom(ctx, "room1")
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, "Fresh Topic", topics[0].Name)
}

func TestRun_ClearsStaleLinksForDiscussionsOmittedFromAssignments(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	d1, d2 := seedTwoDiscussions(t, store)

	shared, err := store.Topics().UpsertByName(ctx, "room1", "Shared Topic", "", "")
	require.NoError(t, err)
	require.NoError(t, store.Topics().SetDiscussionTopics(ctx, d1.ID, []string{shared.ID}))
	require.NoError(t, store.Topics().SetDiscussionTopics(ctx, d2.ID, []string{shared.ID}))

	// Only d1 is named in this run's assignments; d2 is omitted entirely,
	// as if the model considered it no longer about anything in particular.
	resp := classifyResponse{
		Topics: []topicCandidate{{Name: "Shared Topic"}},
		Assignments: []topicAssignment{
			{DiscussionID: d1.ID, TopicNames: []string{"Shared Topic"}},
		},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	provider := &scriptedProvider{turns: []json.RawMessage{raw}}
	gw := modelgateway.New(provider, 1000000, 10)
	c := New(store, gw)

	_, err = c.Run(ctx, "room1", "crun1")
	require.NoError(t, err)

	byTopic, err := store.Rooms().DiscussionsByTopic(ctx, "room1", shared.ID)
	require.NoError(t, err)
	require.Len(t, byTopic, 1, "d2's stale link to the shared topic should have been cleared, not just left unreapplied")
	require.Equal(t, d1.ID, byTopic[0].ID)
}

func TestRun_CapsTopicsPerDiscussionAtThree(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	d1, _ := seedTwoDiscussions(t, store)

	// d1 requests 4 names but only the first 3 get linked; since "D" is the
	// sole candidate with no other discussion to reference it, it ends up an
	// orphan and is deleted by Run's own cleanup pass — indirectly proving
	// it was never linked.
	resp := classifyResponse{
		Topics: []topicCandidate{{Name: "A"}, {Name: "B"}, {Name: "C"}, {Name: "D"}},
		Assignments: []topicAssignment{
			{DiscussionID: d1.ID, TopicNames: []string{"A", "B", "C", "D"}},
		},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	provider := &scriptedProvider{turns: []json.RawMessage{raw}}
	gw := modelgateway.New(provider, 1000000, 10)
	c := New(store, gw)

	report, err := c.Run(ctx, "room1", "crun1")
	require.NoError(t, err)
	require.Equal(t, 1, report.OrphansDeleted)

	topics, err := store.Topics().ListByRoom(ctx, "room1")
	require.NoError(t, err)
	require.Len(t, topics, 3)
	for _, top := range topics {
		require.NotEqual(t, "D", top.Name)
	}
}
