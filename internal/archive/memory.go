package archive

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"archivecore/internal/errs"
)

// MemoryStore is an in-memory Store implementation used by tests and by local
// development without Postgres, mirroring internal/persistence/databases's
// in-memory fakes (memory_search.go, memory_vector.go): map-backed state
// behind a single store-wide mutex (plus a small one for the topic id
// sequence).
type MemoryStore struct {
	mu sync.Mutex

	rooms   map[string]Room
	people  map[string]Person
	members []RoomMember
	msgs    map[string]Message

	runs        map[string]AnalysisRun
	discussions map[string]Discussion
	discMsgs    map[string][]DiscussionMessage // discussionID -> assignments

	topics      map[string]Topic
	discTopics  map[string][]string // discussionID -> topicIDs
	topicSeq    int
	topicSeqMu  sync.Mutex
}

// NewMemoryStore returns an empty in-memory archive Store. The concrete
// *MemoryStore type is returned (rather than the Store interface) so tests in
// this package can reach the Seed* fixture helpers below.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:       map[string]Room{},
		people:      map[string]Person{},
		msgs:        map[string]Message{},
		runs:        map[string]AnalysisRun{},
		discussions: map[string]Discussion{},
		discMsgs:    map[string][]DiscussionMessage{},
		topics:      map[string]Topic{},
		discTopics:  map[string][]string{},
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Messages() MessageRepo       { return memMessages{s} }
func (s *MemoryStore) Discussions() DiscussionRepo { return memDiscussions{s} }
func (s *MemoryStore) Topics() TopicRepo           { return memTopics{s} }
func (s *MemoryStore) Runs() RunRepo               { return memRuns{s} }
func (s *MemoryStore) People() PersonRepo          { return memPeople{s} }
func (s *MemoryStore) Rooms() RoomRepo             { return memRooms{s} }

// SeedRoom and SeedPerson and SeedMessage let tests populate fixtures
// directly without going through a repo interface meant for reads only.

func (s *MemoryStore) SeedRoom(r Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.ID] = r
}

func (s *MemoryStore) SeedPerson(p Person) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.people[p.ID] = p
}

func (s *MemoryStore) SeedMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ID] = m
}

// ---- messages ----

type memMessages struct{ s *MemoryStore }

func (r memMessages) GetByID(ctx context.Context, id string) (Message, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.msgs[id]
	return m, ok, nil
}

func (r memMessages) ListByRoomBetween(ctx context.Context, roomID string, from, to *string, limit int) ([]Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []Message
	for _, m := range r.s.msgs {
		if m.RoomID != roomID {
			continue
		}
		if from != nil {
			t, err := time.Parse(time.RFC3339, *from)
			if err == nil && m.SentAt.Before(t) {
				continue
			}
		}
		if to != nil {
			t, err := time.Parse(time.RFC3339, *to)
			if err == nil && m.SentAt.After(t) {
				continue
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memMessages) ListByRoomSince(ctx context.Context, roomID string, since string, limit int) ([]Message, error) {
	return r.ListByRoomBetween(ctx, roomID, &since, nil, limit)
}

func (r memMessages) CountByRoom(ctx context.Context, roomID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, m := range r.s.msgs {
		if m.RoomID == roomID {
			n++
		}
	}
	return n, nil
}

// ---- discussions ----

type memDiscussions struct{ s *MemoryStore }

func (r memDiscussions) Create(ctx context.Context, d Discussion) (Discussion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.discussions[d.ID]; ok {
		return existing, nil
	}
	if d.State == "" {
		d.State = "active"
	}
	now := d.CreatedAt
	if now.IsZero() {
		now = d.FirstMsgAt
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	r.s.discussions[d.ID] = d
	return d, nil
}

func (r memDiscussions) Get(ctx context.Context, id string) (Discussion, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.discussions[id]
	return d, ok, nil
}

func (r memDiscussions) ListActiveByRoom(ctx context.Context, roomID string) ([]Discussion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []Discussion
	for _, d := range r.s.discussions {
		if d.RoomID == roomID && d.State == "active" {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMsgAt.After(out[j].LastMsgAt) })
	return out, nil
}

func (r memDiscussions) ListByRun(ctx context.Context, runID string) ([]Discussion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []Discussion
	for _, d := range r.s.discussions {
		if d.RunID == runID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstMsgAt.Before(out[j].FirstMsgAt) })
	return out, nil
}

func (r memDiscussions) ListByRoomOnOrAfter(ctx context.Context, roomID string, since string) ([]Discussion, error) {
	t, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return nil, fmt.Errorf("parse since: %w", err)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []Discussion
	for _, d := range r.s.discussions {
		if d.RoomID == roomID && !d.LastMsgAt.Before(t) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMsgAt.After(out[j].LastMsgAt) })
	return out, nil
}

func (r memDiscussions) ListByRoom(ctx context.Context, roomID string) ([]Discussion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []Discussion
	for _, d := range r.s.discussions {
		if d.RoomID == roomID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMsgAt.After(out[j].LastMsgAt) })
	return out, nil
}

func (r memDiscussions) ListByParticipant(ctx context.Context, personID string) ([]Discussion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := map[string]bool{}
	var out []Discussion
	for discID, dms := range r.s.discMsgs {
		d, ok := r.s.discussions[discID]
		if !ok || seen[discID] {
			continue
		}
		for _, dm := range dms {
			m, ok := r.s.msgs[dm.MessageID]
			if ok && m.PersonID == personID {
				out = append(out, d)
				seen[discID] = true
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMsgAt.After(out[j].LastMsgAt) })
	return out, nil
}

func (r memDiscussions) AppendMessage(ctx context.Context, discussionID, messageID string, sentAt string, suspicious bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.discMsgs[discussionID] {
		if existing.MessageID == messageID {
			return nil
		}
	}
	r.s.discMsgs[discussionID] = append(r.s.discMsgs[discussionID], DiscussionMessage{
		DiscussionID: discussionID,
		MessageID:    messageID,
		Suspicious:   suspicious,
	})
	t, err := time.Parse(time.RFC3339, sentAt)
	if err != nil {
		return fmt.Errorf("parse sentAt: %w", err)
	}
	d, ok := r.s.discussions[discussionID]
	if !ok {
		return errs.NotFound("discussion not found", nil)
	}
	if t.After(d.LastMsgAt) {
		d.LastMsgAt = t
	}
	d.UpdatedAt = t
	r.s.discussions[discussionID] = d
	return nil
}

func (r memDiscussions) MessageCount(ctx context.Context, discussionID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.discMsgs[discussionID]), nil
}

func (r memDiscussions) RecountParticipants(ctx context.Context, discussionID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.discussions[discussionID]
	if !ok {
		return 0, errs.NotFound("discussion not found", nil)
	}
	seen := map[string]struct{}{}
	for _, dm := range r.s.discMsgs[discussionID] {
		if m, ok := r.s.msgs[dm.MessageID]; ok && m.PersonID != "" {
			seen[m.PersonID] = struct{}{}
		}
	}
	d.ParticipantCount = len(seen)
	r.s.discussions[discussionID] = d
	return d.ParticipantCount, nil
}

func (r memDiscussions) ListMessages(ctx context.Context, discussionID string) ([]Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []Message
	for _, dm := range r.s.discMsgs[discussionID] {
		if m, ok := r.s.msgs[dm.MessageID]; ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

func (r memDiscussions) BumpLastMessageAt(ctx context.Context, discussionID string, at string) error {
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return fmt.Errorf("parse at: %w", err)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.discussions[discussionID]
	if !ok {
		return errs.NotFound("discussion not found", nil)
	}
	if t.After(d.LastMsgAt) {
		d.LastMsgAt = t
	}
	r.s.discussions[discussionID] = d
	return nil
}

func (r memDiscussions) SetState(ctx context.Context, discussionID string, state string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.discussions[discussionID]
	if !ok {
		return errs.NotFound("discussion not found", nil)
	}
	d.State = state
	r.s.discussions[discussionID] = d
	return nil
}

func (r memDiscussions) SetSummary(ctx context.Context, discussionID string, summary string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.discussions[discussionID]
	if !ok {
		return errs.NotFound("discussion not found", nil)
	}
	d.Summary = summary
	r.s.discussions[discussionID] = d
	return nil
}

func (r memDiscussions) SetTitle(ctx context.Context, discussionID string, title string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.discussions[discussionID]
	if !ok {
		return errs.NotFound("discussion not found", nil)
	}
	d.Title = title
	r.s.discussions[discussionID] = d
	return nil
}

func (r memDiscussions) DeleteByRoomExcept(ctx context.Context, roomID, keepRunID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, d := range r.s.discussions {
		if d.RoomID == roomID && d.RunID != keepRunID {
			delete(r.s.discussions, id)
			delete(r.s.discMsgs, id)
			delete(r.s.discTopics, id)
		}
	}
	return nil
}

// ---- topics ----

type memTopics struct{ s *MemoryStore }

func (r memTopics) UpsertByName(ctx context.Context, roomID, name, description, colorIfNew string) (Topic, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, t := range r.s.topics {
		if t.RoomID == roomID && equalFold(t.Name, name) {
			if description != "" && description != t.Description {
				t.Description = description
				r.s.topics[id] = t
			}
			return t, nil
		}
	}
	if colorIfNew == "" {
		n := 0
		for _, t := range r.s.topics {
			if t.RoomID == roomID {
				n++
			}
		}
		colorIfNew = palette[n%len(palette)]
	}
	r.s.topicSeqMu.Lock()
	r.s.topicSeq++
	id := fmt.Sprintf("topic_mem_%d", r.s.topicSeq)
	r.s.topicSeqMu.Unlock()
	t := Topic{ID: id, RoomID: roomID, Name: name, Description: description, Color: colorIfNew}
	r.s.topics[id] = t
	return t, nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (r memTopics) Get(ctx context.Context, id string) (Topic, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.topics[id]
	return t, ok, nil
}

func (r memTopics) ListByRoom(ctx context.Context, roomID string) ([]Topic, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []Topic
	for _, t := range r.s.topics {
		if t.RoomID == roomID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memTopics) SetDiscussionTopics(ctx context.Context, discussionID string, topicIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.discTopics[discussionID] = append([]string{}, topicIDs...)
	return nil
}

func (r memTopics) DeleteOrphans(ctx context.Context, roomID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	used := map[string]bool{}
	for discID, topicIDs := range r.s.discTopics {
		d, ok := r.s.discussions[discID]
		if !ok || d.RoomID != roomID {
			continue
		}
		for _, tid := range topicIDs {
			used[tid] = true
		}
	}
	removed := 0
	for id, t := range r.s.topics {
		if t.RoomID == roomID && !used[id] {
			delete(r.s.topics, id)
			removed++
		}
	}
	return removed, nil
}

// ---- runs ----

type memRuns struct{ s *MemoryStore }

func (r memRuns) Create(ctx context.Context, run AnalysisRun) (AnalysisRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	r.s.runs[run.ID] = run
	return run, nil
}

func (r memRuns) Get(ctx context.Context, id string) (AnalysisRun, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	return run, ok, nil
}

func (r memRuns) Heartbeat(ctx context.Context, id string, progress int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return errs.NotFound("run not found", nil)
	}
	run.WindowsDone = progress
	r.s.runs[id] = run
	return nil
}

func (r memRuns) MarkCompleted(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return errs.NotFound("run not found", nil)
	}
	run.Status = RunStatusCompleted
	now := time.Now().UTC()
	run.FinishedAt = &now
	r.s.runs[id] = run
	return nil
}

func (r memRuns) MarkFailed(ctx context.Context, id string, errMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return errs.NotFound("run not found", nil)
	}
	run.Status = RunStatusFailed
	run.Error = errMsg
	now := time.Now().UTC()
	run.FinishedAt = &now
	r.s.runs[id] = run
	return nil
}

func (r memRuns) LatestRunning(ctx context.Context, roomID string, kind RunKind) (AnalysisRun, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best AnalysisRun
	found := false
	for _, run := range r.s.runs {
		if run.RoomID == roomID && run.Kind == kind && run.Status == RunStatusRunning {
			if !found || run.StartedAt.After(best.StartedAt) {
				best = run
				found = true
			}
		}
	}
	return best, found, nil
}

func (r memRuns) SetMessageRange(ctx context.Context, id string, startMessageID, endMessageID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return errs.NotFound("run not found", nil)
	}
	run.StartMessageID = &startMessageID
	run.EndMessageID = &endMessageID
	r.s.runs[id] = run
	return nil
}

func (r memRuns) LatestCompletedWithCut(ctx context.Context, roomID string, kind RunKind) (AnalysisRun, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best AnalysisRun
	found := false
	for _, run := range r.s.runs {
		if run.RoomID == roomID && run.Kind == kind && run.Status == RunStatusCompleted && run.EndMessageID != nil {
			if run.FinishedAt == nil {
				continue
			}
			if !found || run.FinishedAt.After(*best.FinishedAt) {
				best = run
				found = true
			}
		}
	}
	return best, found, nil
}

// ---- people ----

type memPeople struct{ s *MemoryStore }

func (r memPeople) Get(ctx context.Context, id string) (Person, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.people[id]
	return p, ok, nil
}

func (r memPeople) ListByRoom(ctx context.Context, roomID string) ([]Person, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	members := map[string]bool{}
	for _, m := range r.s.members {
		if m.RoomID == roomID {
			members[m.PersonID] = true
		}
	}
	var out []Person
	for id := range members {
		if p, ok := r.s.people[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memPeople) SetAISummary(ctx context.Context, personID, summary string, generatedAt string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.people[personID]
	if !ok {
		return errs.NotFound("person not found", nil)
	}
	p.AISummary = summary
	t, err := time.Parse(time.RFC3339, generatedAt)
	if err == nil {
		p.AISummaryGeneratedAt = &t
	}
	r.s.people[personID] = p
	return nil
}

// ---- rooms ----

type memRooms struct{ s *MemoryStore }

func (r memRooms) Get(ctx context.Context, id string) (Room, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	room, ok := r.s.rooms[id]
	return room, ok, nil
}

func (r memRooms) DiscussionsByDay(ctx context.Context, roomID string) (map[string][]Discussion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[string][]Discussion{}
	for _, d := range r.s.discussions {
		if d.RoomID != roomID {
			continue
		}
		day := d.FirstMsgAt.UTC().Format("2006-01-02")
		out[day] = append(out[day], d)
	}
	for day := range out {
		sort.Slice(out[day], func(i, j int) bool { return out[day][i].FirstMsgAt.Before(out[day][j].FirstMsgAt) })
	}
	return out, nil
}

func (r memRooms) DiscussionsByTopic(ctx context.Context, roomID, topicID string) ([]Discussion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []Discussion
	for discID, topicIDs := range r.s.discTopics {
		d, ok := r.s.discussions[discID]
		if !ok || d.RoomID != roomID {
			continue
		}
		for _, tid := range topicIDs {
			if tid == topicID {
				out = append(out, d)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMsgAt.After(out[j].LastMsgAt) })
	return out, nil
}
