package archive

import "context"

// MessageRepo reads archived messages. Ingestion of raw messages is out of
// scope — messages are assumed already present from
// an upstream import job; the archive store only ever reads them for
// windowing and writes the discussion/topic assignments derived from them.
type MessageRepo interface {
	GetByID(ctx context.Context, id string) (Message, bool, error)
	ListByRoomBetween(ctx context.Context, roomID string, from, to *string, limit int) ([]Message, error)
	ListByRoomSince(ctx context.Context, roomID string, since string, limit int) ([]Message, error)
	CountByRoom(ctx context.Context, roomID string) (int, error)
}

// DiscussionRepo implements the Discussion operations of C1: idempotent
// creation, append-message, timestamp bumping, dormancy/state transitions,
// and summary assignment (C5 Discussion Analyzer's storage surface).
type DiscussionRepo interface {
	Create(ctx context.Context, d Discussion) (Discussion, error)
	Get(ctx context.Context, id string) (Discussion, bool, error)
	ListActiveByRoom(ctx context.Context, roomID string) ([]Discussion, error)
	ListByRun(ctx context.Context, runID string) ([]Discussion, error)
	ListByRoomOnOrAfter(ctx context.Context, roomID string, since string) ([]Discussion, error)
	// ListByRoom returns every discussion in roomID regardless of state,
	// the Topic Classifier's (C6) full-room taxonomy-induction input.
	ListByRoom(ctx context.Context, roomID string) ([]Discussion, error)
	// ListByParticipant returns every discussion (across all rooms) that has
	// at least one message from personID, backing the Hybrid Searcher's (C8)
	// person-through-discussion fallback — search has no room scope, so this
	// method has none either.
	ListByParticipant(ctx context.Context, personID string) ([]Discussion, error)
	AppendMessage(ctx context.Context, discussionID, messageID string, sentAt string, suspicious bool) error
	MessageCount(ctx context.Context, discussionID string) (int, error)
	// RecountParticipants recomputes discussionID's distinct participant count
	// from its assigned messages' senders, persists it, and returns the new
	// count — the post-run update that keeps Discussion.ParticipantCount
	// current.
	RecountParticipants(ctx context.Context, discussionID string) (int, error)
	// ListMessages returns every Message assigned to discussionID in sent-at
	// order, backing the Discussion Analyzer's inspect_discussion tool.
	ListMessages(ctx context.Context, discussionID string) ([]Message, error)
	BumpLastMessageAt(ctx context.Context, discussionID string, at string) error
	SetState(ctx context.Context, discussionID string, state string) error
	SetSummary(ctx context.Context, discussionID string, summary string) error
	SetTitle(ctx context.Context, discussionID string, title string) error
	// DeleteByRoomExcept deletes every discussion in roomID other than keepRunID's,
	// implementing the room-scoped full-mode run-deletion behavior (SPEC_FULL §3).
	DeleteByRoomExcept(ctx context.Context, roomID, keepRunID string) error
}

// TopicRepo implements Topic upsert-by-name, color assignment, and orphan
// cleanup for the Topic Classifier (C6).
type TopicRepo interface {
	// UpsertByName looks up a topic by case-insensitive name within roomID; if
	// found it updates the description, otherwise it creates one with
	// colorIfNew (or, if empty, the next palette color in creation order).
	UpsertByName(ctx context.Context, roomID, name, description, colorIfNew string) (Topic, error)
	Get(ctx context.Context, id string) (Topic, bool, error)
	ListByRoom(ctx context.Context, roomID string) ([]Topic, error)
	SetDiscussionTopics(ctx context.Context, discussionID string, topicIDs []string) error
	DeleteOrphans(ctx context.Context, roomID string) (int, error)
}

// RunRepo implements Run Controller (C9) bookkeeping.
type RunRepo interface {
	Create(ctx context.Context, r AnalysisRun) (AnalysisRun, error)
	Get(ctx context.Context, id string) (AnalysisRun, bool, error)
	Heartbeat(ctx context.Context, id string, progress int) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	LatestRunning(ctx context.Context, roomID string, kind RunKind) (AnalysisRun, bool, error)
	// SetMessageRange records the [start,end] message id bounds a completed
	// run covered, so a later incremental run can find its "cut".
	SetMessageRange(ctx context.Context, id string, startMessageID, endMessageID string) error
	// LatestCompletedWithCut returns the most recent completed run for
	// roomID that has a non-null EndMessageID, the Window Stream's (C3)
	// incremental-mode anchor.
	LatestCompletedWithCut(ctx context.Context, roomID string, kind RunKind) (AnalysisRun, bool, error)
}

// PersonRepo implements Person lookup and the AI-derived summary field
// (SPEC_FULL §3 profile summary supplement).
type PersonRepo interface {
	Get(ctx context.Context, id string) (Person, bool, error)
	ListByRoom(ctx context.Context, roomID string) ([]Person, error)
	SetAISummary(ctx context.Context, personID, summary string, generatedAt string) error
}

// RoomRepo implements Room lookup and the timeline/listing helpers recovered
// from original_source/api/src/routers/discussions.py (SPEC_FULL §3).
type RoomRepo interface {
	Get(ctx context.Context, id string) (Room, bool, error)
	DiscussionsByDay(ctx context.Context, roomID string) (map[string][]Discussion, error)
	DiscussionsByTopic(ctx context.Context, roomID, topicID string) ([]Discussion, error)
}

// Store bundles every Archive Store repository behind one handle, mirroring
// databases.Manager's aggregate shape.
type Store interface {
	Messages() MessageRepo
	Discussions() DiscussionRepo
	Topics() TopicRepo
	Runs() RunRepo
	People() PersonRepo
	Rooms() RoomRepo
	Close()
}
