package analyzerstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackAndGet(t *testing.T) {
	s := New()
	s.Track("d1", "NEW", "Deploy pipeline flakiness", time.Now(), []string{"deploy", "pipeline"})
	d, ok := s.Get("d1")
	require.True(t, ok)
	require.Equal(t, "Deploy pipeline flakiness", d.Title)

	durable, ok := s.ResolveTempID("NEW")
	require.True(t, ok)
	require.Equal(t, "d1", durable)

	_, ok = s.ResolveTempID("NEW_99")
	require.False(t, ok)
}

func TestDormancyRuleMarksDormantAfterThreshold(t *testing.T) {
	s := New()
	s.Track("d1", "", "chat", time.Now(), nil)

	for i := 0; i < 4; i++ {
		s.AdvanceWindow(5)
	}
	d, _ := s.Get("d1")
	require.False(t, d.Dormant, "threshold not yet reached")

	s.AdvanceWindow(5)
	d, _ = s.Get("d1")
	require.True(t, d.Dormant, "5 windows untouched should mark dormant")
}

func TestRecordAssignmentRevivesDormantDiscussion(t *testing.T) {
	s := New()
	s.Track("d1", "", "chat", time.Now(), nil)
	for i := 0; i < 5; i++ {
		s.AdvanceWindow(5)
	}
	d, _ := s.Get("d1")
	require.True(t, d.Dormant)

	s.RecordAssignment("d1", "m1", time.Now(), "alice")
	d, _ = s.Get("d1")
	require.False(t, d.Dormant, "a later assignment revives a dormant discussion")
}

func TestActivePromptListExcludesDormantAndEnded(t *testing.T) {
	s := New()
	s.Track("active", "", "t1", time.Now(), nil)
	s.Track("dormant", "", "t2", time.Now(), nil)
	s.Track("ended", "", "t3", time.Now(), nil)

	for i := 0; i < 5; i++ {
		s.AdvanceWindow(5)
	}
	s.RecordAssignment("active", "m1", time.Now(), "bob")
	s.MarkEnded("ended")

	list := s.ActivePromptList()
	require.Len(t, list, 1)
	require.Equal(t, "active", list[0].ID)
}

func TestRecentParticipantsIsLRUCappedAtFive(t *testing.T) {
	s := New()
	s.Track("d1", "", "t", time.Now(), nil)
	for _, p := range []string{"a", "b", "c", "d", "e", "f"} {
		s.RecordAssignment("d1", "m", time.Now(), p)
	}
	d, _ := s.Get("d1")
	require.Len(t, d.RecentParticipants, 5)
	require.Equal(t, []string{"b", "c", "d", "e", "f"}, d.RecentParticipants)
}

func TestRecentParticipantsMovesRepeatToEnd(t *testing.T) {
	s := New()
	s.Track("d1", "", "t", time.Now(), nil)
	for _, p := range []string{"a", "b", "c"} {
		s.RecordAssignment("d1", "m", time.Now(), p)
	}
	s.RecordAssignment("d1", "m", time.Now(), "a")
	d, _ := s.Get("d1")
	require.Equal(t, []string{"b", "c", "a"}, d.RecentParticipants)
}

func TestExtractKeywords_FiltersStopWordsAndShortWords(t *testing.T) {
	keywords := ExtractKeywords("The deploy pipeline is flaky again", "we keep seeing timeouts in staging", 7)
	require.NotContains(t, keywords, "the")
	require.NotContains(t, keywords, "is")
	require.Contains(t, keywords, "deploy")
	require.Contains(t, keywords, "pipeline")
	require.Contains(t, keywords, "flaky")
}

func TestExtractKeywords_CapsAtMaxKeywords(t *testing.T) {
	keywords := ExtractKeywords("alpha beta gamma delta epsilon zeta eta theta iota", "", 3)
	require.Len(t, keywords, 3)
}

func TestAddTokensAccumulates(t *testing.T) {
	s := New()
	s.AddTokens(100)
	s.AddTokens(50)
	require.Equal(t, 150, s.TotalTokens())
}
