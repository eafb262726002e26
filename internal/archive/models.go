// Package archive implements the Archive Store (C1): the relational record
// of rooms, people, messages, discussions, topics, and the embedding/analysis
// run bookkeeping the rest of the pipeline reads and writes through it. It
// follows internal/persistence/databases's layering — a thin
// struct over *pgxpool.Pool issuing hand-written SQL, plus an in-memory
// fake with identical semantics for tests.
package archive

import "time"

// Room is a chat room/channel whose messages are archived and analyzed.
type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Person is a participant identified across rooms.
type Person struct {
	ID                   string
	DisplayName          string
	AISummary            string
	AISummaryGeneratedAt *time.Time
	CreatedAt            time.Time
}

// RoomMember links a Person to a Room they have posted in.
type RoomMember struct {
	RoomID   string
	PersonID string
	JoinedAt time.Time
}

// Message is one archived chat message.
type Message struct {
	ID        string
	RoomID    string
	PersonID  string
	Text      string
	SentAt    time.Time
	CreatedAt time.Time
}

// Discussion is a sliding-window-detected thread of related messages within
// a room, owned by one AnalysisRun.
type Discussion struct {
	ID         string
	RoomID     string
	RunID      string
	Title      string
	Summary    string
	State      string // active|dormant|closed
	FirstMsgAt time.Time
	LastMsgAt  time.Time
	// ParticipantCount is the distinct count of people with a message assigned
	// to this discussion, recomputed by RecountParticipants after each run
	// touches the discussion.
	ParticipantCount int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DiscussionMessage links a Message to the Discussion it was assigned to.
type DiscussionMessage struct {
	DiscussionID string
	MessageID    string
	AssignedAt   time.Time
	Suspicious   bool
}

// Topic is a named, colored taxonomy entry scoped to a room.
type Topic struct {
	ID          string
	RoomID      string
	Name        string
	Description string
	Color       string
	CreatedAt   time.Time
}

// DiscussionTopic links a Discussion to the Topics it was classified under.
type DiscussionTopic struct {
	DiscussionID string
	TopicID      string
}

// RunKind distinguishes the job kinds the Run Controller (C9) coordinates.
type RunKind string

const (
	RunKindDiscussionAnalysis RunKind = "discussion_analysis"
	RunKindTopicClassification RunKind = "topic_classification"
	RunKindReindex             RunKind = "reindex"
)

// RunStatus is the lifecycle state of an AnalysisRun.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// AnalysisRun tracks one execution of a Discussion Analyzer, Topic
// Classifier, or reindex job (C9 Run Controller bookkeeping).
type AnalysisRun struct {
	ID              string
	RoomID          string
	Kind            RunKind
	Status          RunStatus
	Mode            string // full|incremental
	WindowsDone     int
	WindowsTotal    int
	LastHeartbeatAt time.Time
	StartedAt       time.Time
	FinishedAt      *time.Time
	Error           string
	// StartMessageID/EndMessageID bound the message range this run covered,
	// set on completion; EndMessageID is the "cut" the Window Stream (C3)
	// reads to find where incremental mode should resume.
	StartMessageID *string
	EndMessageID   *string
}

// Embedding is the metadata row alongside a vector stored in the
// databases.VectorStore, keyed by (EntityType, EntityID).
type Embedding struct {
	EntityType  string // message|discussion|person|topic
	EntityID    string
	ContentHash string
	CreatedAt   time.Time
}
