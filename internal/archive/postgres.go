package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"archivecore/internal/errs"
)

// pgStore is the Postgres-backed archive Store, following
// internal/persistence/databases's bootstrap style: best-effort
// CREATE TABLE IF NOT EXISTS on construction, hand-written SQL per method,
// production migrations left to an external tool.
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens the archive schema against pool, creating tables if
// they don't already exist.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	s := &pgStore{pool: pool}
	if err := s.bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap archive schema: %w", err)
	}
	return s, nil
}

func (s *pgStore) bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS people (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			ai_summary TEXT NOT NULL DEFAULT '',
			ai_summary_generated_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL REFERENCES rooms(id),
			person_id TEXT NOT NULL REFERENCES people(id),
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (room_id, person_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL REFERENCES rooms(id),
			person_id TEXT NOT NULL REFERENCES people(id),
			text TEXT NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS messages_room_sent_idx ON messages (room_id, sent_at)`,
		`CREATE TABLE IF NOT EXISTS analysis_runs (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL REFERENCES rooms(id),
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			mode TEXT NOT NULL,
			windows_done INT NOT NULL DEFAULT 0,
			windows_total INT NOT NULL DEFAULT 0,
			last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			finished_at TIMESTAMPTZ,
			error TEXT NOT NULL DEFAULT '',
			start_message_id TEXT,
			end_message_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS analysis_runs_room_kind_status_idx ON analysis_runs (room_id, kind, status)`,
		`CREATE TABLE IF NOT EXISTS discussions (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL REFERENCES rooms(id),
			run_id TEXT NOT NULL REFERENCES analysis_runs(id),
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'active',
			first_msg_at TIMESTAMPTZ NOT NULL,
			last_msg_at TIMESTAMPTZ NOT NULL,
			participant_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS discussions_room_state_idx ON discussions (room_id, state)`,
		`CREATE TABLE IF NOT EXISTS discussion_messages (
			discussion_id TEXT NOT NULL REFERENCES discussions(id),
			message_id TEXT NOT NULL REFERENCES messages(id),
			assigned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			suspicious BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (discussion_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS topics (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL REFERENCES rooms(id),
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (room_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS discussion_topics (
			discussion_id TEXT NOT NULL REFERENCES discussions(id),
			topic_id TEXT NOT NULL REFERENCES topics(id),
			PRIMARY KEY (discussion_id, topic_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgStore) Close() { s.pool.Close() }

func (s *pgStore) Messages() MessageRepo       { return pgMessages{pool: s.pool} }
func (s *pgStore) Discussions() DiscussionRepo { return pgDiscussions{pool: s.pool} }
func (s *pgStore) Topics() TopicRepo           { return pgTopics{pool: s.pool} }
func (s *pgStore) Runs() RunRepo               { return pgRuns{pool: s.pool} }
func (s *pgStore) People() PersonRepo          { return pgPeople{pool: s.pool} }
func (s *pgStore) Rooms() RoomRepo             { return pgRooms{pool: s.pool} }

// ---- messages ----

type pgMessages struct{ pool *pgxpool.Pool }

func (r pgMessages) GetByID(ctx context.Context, id string) (Message, bool, error) {
	var m Message
	err := r.pool.QueryRow(ctx, `SELECT id, room_id, person_id, text, sent_at, created_at FROM messages WHERE id=$1`, id).
		Scan(&m.ID, &m.RoomID, &m.PersonID, &m.Text, &m.SentAt, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, errs.StoreError("get message", err)
	}
	return m, true, nil
}

func (r pgMessages) ListByRoomBetween(ctx context.Context, roomID string, from, to *string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT id, room_id, person_id, text, sent_at, created_at FROM messages WHERE room_id=$1`
	args := []any{roomID}
	if from != nil {
		args = append(args, *from)
		query += fmt.Sprintf(" AND sent_at >= $%d", len(args))
	}
	if to != nil {
		args = append(args, *to)
		query += fmt.Sprintf(" AND sent_at <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY sent_at ASC LIMIT $%d", len(args))
	return r.scanMessages(ctx, query, args...)
}

func (r pgMessages) ListByRoomSince(ctx context.Context, roomID string, since string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	return r.scanMessages(ctx, `
SELECT id, room_id, person_id, text, sent_at, created_at FROM messages
WHERE room_id=$1 AND sent_at >= $2 ORDER BY sent_at ASC LIMIT $3`, roomID, since, limit)
}

func (r pgMessages) CountByRoom(ctx context.Context, roomID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE room_id=$1`, roomID).Scan(&n)
	if err != nil {
		return 0, errs.StoreError("count messages", err)
	}
	return n, nil
}

func (r pgMessages) scanMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.StoreError("list messages", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.PersonID, &m.Text, &m.SentAt, &m.CreatedAt); err != nil {
			return nil, errs.StoreError("scan message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- discussions ----

type pgDiscussions struct{ pool *pgxpool.Pool }

func (r pgDiscussions) Create(ctx context.Context, d Discussion) (Discussion, error) {
	_, err := r.pool.Exec(ctx, `
INSERT INTO discussions (id, room_id, run_id, title, summary, state, first_msg_at, last_msg_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO NOTHING`,
		d.ID, d.RoomID, d.RunID, d.Title, d.Summary, d.State, d.FirstMsgAt, d.LastMsgAt)
	if err != nil {
		return Discussion{}, errs.StoreError("create discussion", err)
	}
	return d, nil
}

func (r pgDiscussions) Get(ctx context.Context, id string) (Discussion, bool, error) {
	var d Discussion
	err := r.pool.QueryRow(ctx, `
SELECT id, room_id, run_id, title, summary, state, first_msg_at, last_msg_at, participant_count, created_at, updated_at
FROM discussions WHERE id=$1`, id).Scan(
		&d.ID, &d.RoomID, &d.RunID, &d.Title, &d.Summary, &d.State, &d.FirstMsgAt, &d.LastMsgAt, &d.ParticipantCount, &d.CreatedAt, &d.UpdatedAt)
	if err == pgx.ErrNoRows {
		return Discussion{}, false, nil
	}
	if err != nil {
		return Discussion{}, false, errs.StoreError("get discussion", err)
	}
	return d, true, nil
}

func (r pgDiscussions) ListActiveByRoom(ctx context.Context, roomID string) ([]Discussion, error) {
	return r.list(ctx, `
SELECT id, room_id, run_id, title, summary, state, first_msg_at, last_msg_at, participant_count, created_at, updated_at
FROM discussions WHERE room_id=$1 AND state='active' ORDER BY last_msg_at DESC`, roomID)
}

func (r pgDiscussions) ListByRun(ctx context.Context, runID string) ([]Discussion, error) {
	return r.list(ctx, `
SELECT id, room_id, run_id, title, summary, state, first_msg_at, last_msg_at, participant_count, created_at, updated_at
FROM discussions WHERE run_id=$1 ORDER BY first_msg_at ASC`, runID)
}

func (r pgDiscussions) ListByRoomOnOrAfter(ctx context.Context, roomID string, since string) ([]Discussion, error) {
	return r.list(ctx, `
SELECT id, room_id, run_id, title, summary, state, first_msg_at, last_msg_at, participant_count, created_at, updated_at
FROM discussions WHERE room_id=$1 AND last_msg_at >= $2 ORDER BY last_msg_at DESC`, roomID, since)
}

func (r pgDiscussions) ListByRoom(ctx context.Context, roomID string) ([]Discussion, error) {
	return r.list(ctx, `
SELECT id, room_id, run_id, title, summary, state, first_msg_at, last_msg_at, participant_count, created_at, updated_at
FROM discussions WHERE room_id=$1 ORDER BY last_msg_at DESC`, roomID)
}

func (r pgDiscussions) list(ctx context.Context, query string, args ...any) ([]Discussion, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.StoreError("list discussions", err)
	}
	defer rows.Close()
	var out []Discussion
	for rows.Next() {
		var d Discussion
		if err := rows.Scan(&d.ID, &d.RoomID, &d.RunID, &d.Title, &d.Summary, &d.State, &d.FirstMsgAt, &d.LastMsgAt, &d.ParticipantCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, errs.StoreError("scan discussion", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r pgDiscussions) ListByParticipant(ctx context.Context, personID string) ([]Discussion, error) {
	return r.list(ctx, `
SELECT DISTINCT d.id, d.room_id, d.run_id, d.title, d.summary, d.state, d.first_msg_at, d.last_msg_at, d.participant_count, d.created_at, d.updated_at
FROM discussions d
JOIN discussion_messages dm ON dm.discussion_id = d.id
JOIN messages m ON m.id = dm.message_id
WHERE m.person_id=$1
ORDER BY d.last_msg_at DESC`, personID)
}

func (r pgDiscussions) RecountParticipants(ctx context.Context, discussionID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
UPDATE discussions SET participant_count = (
	SELECT count(DISTINCT m.person_id)
	FROM discussion_messages dm JOIN messages m ON m.id = dm.message_id
	WHERE dm.discussion_id = $1
), updated_at = now()
WHERE id=$1
RETURNING participant_count`, discussionID).Scan(&n)
	if err == pgx.ErrNoRows {
		return 0, errs.NotFound("discussion not found", nil)
	}
	if err != nil {
		return 0, errs.StoreError("recount discussion participants", err)
	}
	return n, nil
}

func (r pgDiscussions) AppendMessage(ctx context.Context, discussionID, messageID string, sentAt string, suspicious bool) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO discussion_messages (discussion_id, message_id, suspicious) VALUES ($1,$2,$3)
ON CONFLICT (discussion_id, message_id) DO NOTHING`, discussionID, messageID, suspicious)
	if err != nil {
		return errs.StoreError("append discussion message", err)
	}
	return r.BumpLastMessageAt(ctx, discussionID, sentAt)
}

func (r pgDiscussions) MessageCount(ctx context.Context, discussionID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM discussion_messages WHERE discussion_id=$1`, discussionID).Scan(&n)
	if err != nil {
		return 0, errs.StoreError("count discussion messages", err)
	}
	return n, nil
}

func (r pgDiscussions) ListMessages(ctx context.Context, discussionID string) ([]Message, error) {
	rows, err := r.pool.Query(ctx, `
SELECT m.id, m.room_id, m.person_id, m.text, m.sent_at, m.created_at
FROM messages m JOIN discussion_messages dm ON dm.message_id = m.id
WHERE dm.discussion_id=$1 ORDER BY m.sent_at ASC`, discussionID)
	if err != nil {
		return nil, errs.StoreError("list discussion messages", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.PersonID, &m.Text, &m.SentAt, &m.CreatedAt); err != nil {
			return nil, errs.StoreError("scan discussion message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r pgDiscussions) BumpLastMessageAt(ctx context.Context, discussionID string, at string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE discussions SET last_msg_at = GREATEST(last_msg_at, $2::timestamptz), updated_at = now() WHERE id=$1`, discussionID, at)
	if err != nil {
		return errs.StoreError("bump discussion timestamp", err)
	}
	return nil
}

func (r pgDiscussions) SetState(ctx context.Context, discussionID string, state string) error {
	_, err := r.pool.Exec(ctx, `UPDATE discussions SET state=$2, updated_at=now() WHERE id=$1`, discussionID, state)
	if err != nil {
		return errs.StoreError("set discussion state", err)
	}
	return nil
}

func (r pgDiscussions) SetSummary(ctx context.Context, discussionID string, summary string) error {
	_, err := r.pool.Exec(ctx, `UPDATE discussions SET summary=$2, updated_at=now() WHERE id=$1`, discussionID, summary)
	if err != nil {
		return errs.StoreError("set discussion summary", err)
	}
	return nil
}

func (r pgDiscussions) SetTitle(ctx context.Context, discussionID string, title string) error {
	_, err := r.pool.Exec(ctx, `UPDATE discussions SET title=$2, updated_at=now() WHERE id=$1`, discussionID, title)
	if err != nil {
		return errs.StoreError("set discussion title", err)
	}
	return nil
}

func (r pgDiscussions) DeleteByRoomExcept(ctx context.Context, roomID, keepRunID string) error {
	_, err := r.pool.Exec(ctx, `
DELETE FROM discussion_topics WHERE discussion_id IN (SELECT id FROM discussions WHERE room_id=$1 AND run_id<>$2)`, roomID, keepRunID)
	if err != nil {
		return errs.StoreError("delete orphan discussion topics", err)
	}
	_, err = r.pool.Exec(ctx, `
DELETE FROM discussion_messages WHERE discussion_id IN (SELECT id FROM discussions WHERE room_id=$1 AND run_id<>$2)`, roomID, keepRunID)
	if err != nil {
		return errs.StoreError("delete orphan discussion messages", err)
	}
	_, err = r.pool.Exec(ctx, `DELETE FROM discussions WHERE room_id=$1 AND run_id<>$2`, roomID, keepRunID)
	if err != nil {
		return errs.StoreError("delete orphan discussions", err)
	}
	return nil
}

// ---- topics ----

type pgTopics struct{ pool *pgxpool.Pool }

// palette is the fixed 10-color cycle new topics are assigned from, in
// creation order, matching the original's ten-swatch UI palette.
var palette = []string{
	"#EF4444", "#F97316", "#F59E0B", "#84CC16", "#10B981",
	"#06B6D4", "#3B82F6", "#8B5CF6", "#EC4899", "#6B7280",
}

func (r pgTopics) UpsertByName(ctx context.Context, roomID, name, description, colorIfNew string) (Topic, error) {
	var existing Topic
	err := r.pool.QueryRow(ctx, `
SELECT id, room_id, name, description, color, created_at FROM topics WHERE room_id=$1 AND lower(name)=lower($2)`, roomID, name).
		Scan(&existing.ID, &existing.RoomID, &existing.Name, &existing.Description, &existing.Color, &existing.CreatedAt)
	if err == nil {
		if description != "" && description != existing.Description {
			if _, err := r.pool.Exec(ctx, `UPDATE topics SET description=$1 WHERE id=$2`, description, existing.ID); err != nil {
				return Topic{}, errs.StoreError("update topic description", err)
			}
			existing.Description = description
		}
		return existing, nil
	}
	if err != pgx.ErrNoRows {
		return Topic{}, errs.StoreError("lookup topic", err)
	}
	if colorIfNew == "" {
		n, cerr := r.count(ctx, roomID)
		if cerr != nil {
			return Topic{}, cerr
		}
		colorIfNew = palette[n%len(palette)]
	}
	id := fmt.Sprintf("topic_%d", time.Now().UnixNano())
	_, err = r.pool.Exec(ctx, `
INSERT INTO topics (id, room_id, name, description, color) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (room_id, name) DO NOTHING`, id, roomID, name, description, colorIfNew)
	if err != nil {
		return Topic{}, errs.StoreError("create topic", err)
	}
	return r.UpsertByName(ctx, roomID, name, description, colorIfNew)
}

func (r pgTopics) Get(ctx context.Context, id string) (Topic, bool, error) {
	var t Topic
	err := r.pool.QueryRow(ctx, `
SELECT id, room_id, name, description, color, created_at FROM topics WHERE id=$1`, id).
		Scan(&t.ID, &t.RoomID, &t.Name, &t.Description, &t.Color, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return Topic{}, false, nil
	}
	if err != nil {
		return Topic{}, false, errs.StoreError("get topic", err)
	}
	return t, true, nil
}

func (r pgTopics) count(ctx context.Context, roomID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM topics WHERE room_id=$1`, roomID).Scan(&n); err != nil {
		return 0, errs.StoreError("count topics", err)
	}
	return n, nil
}

func (r pgTopics) ListByRoom(ctx context.Context, roomID string) ([]Topic, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, room_id, name, description, color, created_at FROM topics WHERE room_id=$1 ORDER BY created_at ASC`, roomID)
	if err != nil {
		return nil, errs.StoreError("list topics", err)
	}
	defer rows.Close()
	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.RoomID, &t.Name, &t.Description, &t.Color, &t.CreatedAt); err != nil {
			return nil, errs.StoreError("scan topic", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r pgTopics) SetDiscussionTopics(ctx context.Context, discussionID string, topicIDs []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errs.StoreError("begin set discussion topics", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM discussion_topics WHERE discussion_id=$1`, discussionID); err != nil {
		return errs.StoreError("clear discussion topics", err)
	}
	for _, tid := range topicIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO discussion_topics (discussion_id, topic_id) VALUES ($1,$2)`, discussionID, tid); err != nil {
			return errs.StoreError("insert discussion topic", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.StoreError("commit set discussion topics", err)
	}
	return nil
}

func (r pgTopics) DeleteOrphans(ctx context.Context, roomID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `
DELETE FROM topics WHERE room_id=$1 AND id NOT IN (
  SELECT DISTINCT topic_id FROM discussion_topics dt
  JOIN discussions d ON d.id = dt.discussion_id
  WHERE d.room_id=$1
)`, roomID)
	if err != nil {
		return 0, errs.StoreError("delete orphan topics", err)
	}
	return int(tag.RowsAffected()), nil
}

// ---- runs ----

type pgRuns struct{ pool *pgxpool.Pool }

func (r pgRuns) Create(ctx context.Context, run AnalysisRun) (AnalysisRun, error) {
	_, err := r.pool.Exec(ctx, `
INSERT INTO analysis_runs (id, room_id, kind, status, mode, windows_total)
VALUES ($1,$2,$3,$4,$5,$6)`, run.ID, run.RoomID, run.Kind, run.Status, run.Mode, run.WindowsTotal)
	if err != nil {
		return AnalysisRun{}, errs.StoreError("create run", err)
	}
	return run, nil
}

func (r pgRuns) Get(ctx context.Context, id string) (AnalysisRun, bool, error) {
	var run AnalysisRun
	err := r.pool.QueryRow(ctx, `
SELECT id, room_id, kind, status, mode, windows_done, windows_total, last_heartbeat_at, started_at, finished_at, error, start_message_id, end_message_id
FROM analysis_runs WHERE id=$1`, id).Scan(
		&run.ID, &run.RoomID, &run.Kind, &run.Status, &run.Mode, &run.WindowsDone, &run.WindowsTotal,
		&run.LastHeartbeatAt, &run.StartedAt, &run.FinishedAt, &run.Error, &run.StartMessageID, &run.EndMessageID)
	if err == pgx.ErrNoRows {
		return AnalysisRun{}, false, nil
	}
	if err != nil {
		return AnalysisRun{}, false, errs.StoreError("get run", err)
	}
	return run, true, nil
}

func (r pgRuns) SetMessageRange(ctx context.Context, id string, startMessageID, endMessageID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE analysis_runs SET start_message_id=$2, end_message_id=$3 WHERE id=$1`, id, startMessageID, endMessageID)
	if err != nil {
		return errs.StoreError("set run message range", err)
	}
	return nil
}

func (r pgRuns) LatestCompletedWithCut(ctx context.Context, roomID string, kind RunKind) (AnalysisRun, bool, error) {
	var run AnalysisRun
	err := r.pool.QueryRow(ctx, `
SELECT id, room_id, kind, status, mode, windows_done, windows_total, last_heartbeat_at, started_at, finished_at, error, start_message_id, end_message_id
FROM analysis_runs
WHERE room_id=$1 AND kind=$2 AND status='completed' AND end_message_id IS NOT NULL
ORDER BY finished_at DESC LIMIT 1`, roomID, kind).Scan(
		&run.ID, &run.RoomID, &run.Kind, &run.Status, &run.Mode, &run.WindowsDone, &run.WindowsTotal,
		&run.LastHeartbeatAt, &run.StartedAt, &run.FinishedAt, &run.Error, &run.StartMessageID, &run.EndMessageID)
	if err == pgx.ErrNoRows {
		return AnalysisRun{}, false, nil
	}
	if err != nil {
		return AnalysisRun{}, false, errs.StoreError("latest completed run with cut", err)
	}
	return run, true, nil
}

func (r pgRuns) Heartbeat(ctx context.Context, id string, progress int) error {
	_, err := r.pool.Exec(ctx, `UPDATE analysis_runs SET windows_done=$2, last_heartbeat_at=now() WHERE id=$1`, id, progress)
	if err != nil {
		return errs.StoreError("heartbeat run", err)
	}
	return nil
}

func (r pgRuns) MarkCompleted(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE analysis_runs SET status='completed', finished_at=now() WHERE id=$1`, id)
	if err != nil {
		return errs.StoreError("mark run completed", err)
	}
	return nil
}

func (r pgRuns) MarkFailed(ctx context.Context, id string, errMsg string) error {
	_, err := r.pool.Exec(ctx, `UPDATE analysis_runs SET status='failed', finished_at=now(), error=$2 WHERE id=$1`, id, errMsg)
	if err != nil {
		return errs.StoreError("mark run failed", err)
	}
	return nil
}

func (r pgRuns) LatestRunning(ctx context.Context, roomID string, kind RunKind) (AnalysisRun, bool, error) {
	var run AnalysisRun
	err := r.pool.QueryRow(ctx, `
SELECT id, room_id, kind, status, mode, windows_done, windows_total, last_heartbeat_at, started_at, finished_at, error
FROM analysis_runs WHERE room_id=$1 AND kind=$2 AND status='running' ORDER BY started_at DESC LIMIT 1`, roomID, kind).Scan(
		&run.ID, &run.RoomID, &run.Kind, &run.Status, &run.Mode, &run.WindowsDone, &run.WindowsTotal,
		&run.LastHeartbeatAt, &run.StartedAt, &run.FinishedAt, &run.Error)
	if err == pgx.ErrNoRows {
		return AnalysisRun{}, false, nil
	}
	if err != nil {
		return AnalysisRun{}, false, errs.StoreError("latest running run", err)
	}
	return run, true, nil
}

// ---- people ----

type pgPeople struct{ pool *pgxpool.Pool }

func (r pgPeople) Get(ctx context.Context, id string) (Person, bool, error) {
	var p Person
	err := r.pool.QueryRow(ctx, `
SELECT id, display_name, ai_summary, ai_summary_generated_at, created_at FROM people WHERE id=$1`, id).
		Scan(&p.ID, &p.DisplayName, &p.AISummary, &p.AISummaryGeneratedAt, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return Person{}, false, nil
	}
	if err != nil {
		return Person{}, false, errs.StoreError("get person", err)
	}
	return p, true, nil
}

func (r pgPeople) ListByRoom(ctx context.Context, roomID string) ([]Person, error) {
	rows, err := r.pool.Query(ctx, `
SELECT p.id, p.display_name, p.ai_summary, p.ai_summary_generated_at, p.created_at
FROM people p JOIN room_members rm ON rm.person_id = p.id WHERE rm.room_id=$1`, roomID)
	if err != nil {
		return nil, errs.StoreError("list people", err)
	}
	defer rows.Close()
	var out []Person
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AISummary, &p.AISummaryGeneratedAt, &p.CreatedAt); err != nil {
			return nil, errs.StoreError("scan person", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r pgPeople) SetAISummary(ctx context.Context, personID, summary string, generatedAt string) error {
	_, err := r.pool.Exec(ctx, `UPDATE people SET ai_summary=$2, ai_summary_generated_at=$3 WHERE id=$1`, personID, summary, generatedAt)
	if err != nil {
		return errs.StoreError("set person summary", err)
	}
	return nil
}

// ---- rooms ----

type pgRooms struct{ pool *pgxpool.Pool }

func (r pgRooms) Get(ctx context.Context, id string) (Room, bool, error) {
	var room Room
	err := r.pool.QueryRow(ctx, `SELECT id, name, created_at FROM rooms WHERE id=$1`, id).Scan(&room.ID, &room.Name, &room.CreatedAt)
	if err == pgx.ErrNoRows {
		return Room{}, false, nil
	}
	if err != nil {
		return Room{}, false, errs.StoreError("get room", err)
	}
	return room, true, nil
}

// DiscussionsByDay groups discussions by their first message's calendar day
// (UTC), recovering the original's /timeline grouping (SPEC_FULL §3).
func (r pgRooms) DiscussionsByDay(ctx context.Context, roomID string) (map[string][]Discussion, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, room_id, run_id, title, summary, state, first_msg_at, last_msg_at, participant_count, created_at, updated_at
FROM discussions WHERE room_id=$1 ORDER BY first_msg_at ASC`, roomID)
	if err != nil {
		return nil, errs.StoreError("list discussions for timeline", err)
	}
	defer rows.Close()
	out := make(map[string][]Discussion)
	for rows.Next() {
		var d Discussion
		if err := rows.Scan(&d.ID, &d.RoomID, &d.RunID, &d.Title, &d.Summary, &d.State, &d.FirstMsgAt, &d.LastMsgAt, &d.ParticipantCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, errs.StoreError("scan discussion for timeline", err)
		}
		day := d.FirstMsgAt.UTC().Format("2006-01-02")
		out[day] = append(out[day], d)
	}
	return out, rows.Err()
}

func (r pgRooms) DiscussionsByTopic(ctx context.Context, roomID, topicID string) ([]Discussion, error) {
	rows, err := r.pool.Query(ctx, `
SELECT d.id, d.room_id, d.run_id, d.title, d.summary, d.state, d.first_msg_at, d.last_msg_at, d.participant_count, d.created_at, d.updated_at
FROM discussions d
JOIN discussion_topics dt ON dt.discussion_id = d.id
WHERE d.room_id=$1 AND dt.topic_id=$2
ORDER BY d.last_msg_at DESC`, roomID, topicID)
	if err != nil {
		return nil, errs.StoreError("list discussions by topic", err)
	}
	defer rows.Close()
	var out []Discussion
	for rows.Next() {
		var d Discussion
		if err := rows.Scan(&d.ID, &d.RoomID, &d.RunID, &d.Title, &d.Summary, &d.State, &d.FirstMsgAt, &d.LastMsgAt, &d.ParticipantCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, errs.StoreError("scan discussion by topic", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
