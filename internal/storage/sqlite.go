package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	RecapPending   = "pending"
	RecapRunning   = "running"
	RecapCompleted = "completed"
	RecapFailed    = "failed"
	RecapSkipped   = "skipped"
)

const (
	StatusActive = "active"
	StatusEnded  = "ended"
	StatusError  = "error"
)

// Transcript event types, from the tutor's point of view.
const (
	EventStudentQuestion = "student_question"
	EventTutorResponse   = "tutor_response"
)

// Session is one tutoring session and the metrics captured when it ended.
type Session struct {
	ID        string     `json:"id"`
	Identity  string     `json:"identity"`
	Topic     string     `json:"topic,omitempty"`
	Grade     int        `json:"grade,omitempty"`
	Chapter   string     `json:"chapter,omitempty"`
	Degraded  bool       `json:"degraded"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  int64      `json:"duration_ms"`
	Status    string     `json:"status"`

	Messages   int     `json:"message_count"`
	Items      int     `json:"item_count"`
	Duplicates int     `json:"duplicate_count"`
	Dropped    int     `json:"dropped_count"`
	Errors     int     `json:"error_count"`
	Malformed  int     `json:"malformed_count"`
	Quality    float64 `json:"quality"`

	TimingWithin   int   `json:"timing_within"`
	TimingDrifted  int   `json:"timing_drifted"`
	TimingInverted int   `json:"timing_inverted"`
	MeanLeadMS     int64 `json:"mean_lead_ms"`

	Recap       string `json:"recap"`
	RecapStatus string `json:"recap_status"`
	AudioPath   string `json:"audio_path"`
}

// TranscriptItem is a persisted display item.
type TranscriptItem struct {
	ItemID       string    `json:"item_id"`
	Kind         string    `json:"kind"`
	Speaker      string    `json:"speaker"`
	EventType    string    `json:"event_type"`
	Content      string    `json:"content"`
	Confidence   float64   `json:"confidence"`
	ShowThenTell bool      `json:"show_then_tell"`
	ArrivedAt    time.Time `json:"arrived_at"`
}

// EventTypeFor maps a speaker to the stored event type.
func EventTypeFor(speaker string) string {
	if speaker == "teacher" {
		return EventTutorResponse
	}
	return EventStudentQuestion
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "voice-tutor.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	statements := []struct{ name, sql string }{
		{"sessions table", `
			CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				identity TEXT NOT NULL,
				topic TEXT NOT NULL DEFAULT '',
				grade INTEGER NOT NULL DEFAULT 0,
				chapter TEXT NOT NULL DEFAULT '',
				degraded INTEGER NOT NULL DEFAULT 0,
				started_at TEXT NOT NULL,
				ended_at TEXT,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				message_count INTEGER NOT NULL DEFAULT 0,
				item_count INTEGER NOT NULL DEFAULT 0,
				duplicate_count INTEGER NOT NULL DEFAULT 0,
				dropped_count INTEGER NOT NULL DEFAULT 0,
				error_count INTEGER NOT NULL DEFAULT 0,
				malformed_count INTEGER NOT NULL DEFAULT 0,
				quality REAL NOT NULL DEFAULT 0,
				timing_within INTEGER NOT NULL DEFAULT 0,
				timing_drifted INTEGER NOT NULL DEFAULT 0,
				timing_inverted INTEGER NOT NULL DEFAULT 0,
				mean_lead_ms INTEGER NOT NULL DEFAULT 0,
				recap TEXT NOT NULL DEFAULT '',
				recap_status TEXT NOT NULL DEFAULT 'pending',
				audio_path TEXT NOT NULL DEFAULT ''
			)`},
		{"transcript_items table", `
			CREATE TABLE IF NOT EXISTS transcript_items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				item_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				speaker TEXT NOT NULL,
				event_type TEXT NOT NULL,
				content TEXT NOT NULL,
				confidence REAL NOT NULL,
				show_then_tell INTEGER NOT NULL DEFAULT 0,
				arrived_at TEXT NOT NULL,
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`},
		{"recap_requests table", `
			CREATE TABLE IF NOT EXISTS recap_requests (
				session_id TEXT NOT NULL,
				prompt_hash TEXT NOT NULL,
				created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(session_id, prompt_hash)
			)`},
		{"sessions index", "CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)"},
		{"transcript index", "CREATE INDEX IF NOT EXISTS idx_transcript_items_session ON transcript_items(session_id, arrived_at)"},
	}
	for _, st := range statements {
		if _, err := s.db.Exec(st.sql); err != nil {
			return fmt.Errorf("create %s: %w", st.name, err)
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// CreateSession records a session as it starts.
func (s *SQLiteStore) CreateSession(sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("session id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions(id, identity, topic, grade, chapter, degraded, started_at, status, recap_status)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.Identity,
		sess.Topic,
		sess.Grade,
		sess.Chapter,
		sess.Degraded,
		formatTime(sess.StartedAt),
		StatusActive,
		RecapPending,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// SaveSummary writes the end-of-session record, inserting it when the
// session was never created. Recap fields are left untouched.
func (s *SQLiteStore) SaveSummary(sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("session id is required")
	}
	if sess.Status == "" {
		sess.Status = StatusEnded
	}

	var endedAt any
	if sess.EndedAt != nil {
		endedAt = formatTime(*sess.EndedAt)
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions(
			id, identity, topic, grade, chapter, degraded, started_at, ended_at, duration_ms, status,
			message_count, item_count, duplicate_count, dropped_count, error_count, malformed_count, quality,
			timing_within, timing_drifted, timing_inverted, mean_lead_ms, audio_path
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms,
			status = excluded.status,
			message_count = excluded.message_count,
			item_count = excluded.item_count,
			duplicate_count = excluded.duplicate_count,
			dropped_count = excluded.dropped_count,
			error_count = excluded.error_count,
			malformed_count = excluded.malformed_count,
			quality = excluded.quality,
			timing_within = excluded.timing_within,
			timing_drifted = excluded.timing_drifted,
			timing_inverted = excluded.timing_inverted,
			mean_lead_ms = excluded.mean_lead_ms,
			audio_path = excluded.audio_path`,
		sess.ID, sess.Identity, sess.Topic, sess.Grade, sess.Chapter, sess.Degraded,
		formatTime(sess.StartedAt), endedAt, sess.Duration, sess.Status,
		sess.Messages, sess.Items, sess.Duplicates, sess.Dropped, sess.Errors, sess.Malformed, sess.Quality,
		sess.TimingWithin, sess.TimingDrifted, sess.TimingInverted, sess.MeanLeadMS, sess.AudioPath,
	)
	if err != nil {
		return fmt.Errorf("save summary for session %s: %w", sess.ID, err)
	}
	return nil
}

// SaveTranscript replaces the stored transcript of a session.
func (s *SQLiteStore) SaveTranscript(sessionID string, items []TranscriptItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transcript tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM transcript_items WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear transcript for session %s: %w", sessionID, err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO transcript_items(session_id, item_id, kind, speaker, event_type, content, confidence, show_then_tell, arrived_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare transcript insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, item := range items {
		eventType := item.EventType
		if eventType == "" {
			eventType = EventTypeFor(item.Speaker)
		}
		if _, err := stmt.Exec(
			sessionID,
			item.ItemID,
			item.Kind,
			item.Speaker,
			eventType,
			strings.TrimSpace(item.Content),
			item.Confidence,
			item.ShowThenTell,
			formatTime(item.ArrivedAt),
		); err != nil {
			return fmt.Errorf("insert transcript item %s: %w", item.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transcript for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRecap(sessionID, recap, status string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET recap = ?, recap_status = ? WHERE id = ?`,
		recap,
		status,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("update recap for session %s: %w", sessionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update recap rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ClaimRecapRequest reports whether this is the first recap request for the
// session with this prompt.
func (s *SQLiteStore) ClaimRecapRequest(sessionID, promptHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO recap_requests(session_id, prompt_hash) VALUES(?, ?)`,
		sessionID,
		promptHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim recap request for session %s: %w", sessionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim recap rows affected: %w", err)
	}
	return rows > 0, nil
}

const sessionColumns = `id, identity, topic, grade, chapter, degraded, started_at, ended_at, duration_ms, status,
	message_count, item_count, duplicate_count, dropped_count, error_count, malformed_count, quality,
	timing_within, timing_drifted, timing_inverted, mean_lead_ms, recap, recap_status, audio_path`

func (s *SQLiteStore) GetSessionsByDate(date string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE substr(started_at, 1, 10) = ?
		 ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions rows: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM sessions ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}
	return dates, nil
}

func (s *SQLiteStore) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("query session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetTranscript(sessionID string) ([]TranscriptItem, error) {
	rows, err := s.db.Query(
		`SELECT item_id, kind, speaker, event_type, content, confidence, show_then_tell, arrived_at
		 FROM transcript_items
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]TranscriptItem, 0, 32)
	for rows.Next() {
		var item TranscriptItem
		var arrivedAt string
		if err := rows.Scan(&item.ItemID, &item.Kind, &item.Speaker, &item.EventType, &item.Content,
			&item.Confidence, &item.ShowThenTell, &arrivedAt); err != nil {
			return nil, fmt.Errorf("scan transcript item for session %s: %w", sessionID, err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, arrivedAt)
		if err != nil {
			return nil, fmt.Errorf("parse transcript timestamp for session %s: %w", sessionID, err)
		}
		item.ArrivedAt = parsed
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows for session %s: %w", sessionID, err)
	}
	return items, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(
		&sess.ID, &sess.Identity, &sess.Topic, &sess.Grade, &sess.Chapter, &sess.Degraded,
		&startedAt, &endedAt, &sess.Duration, &sess.Status,
		&sess.Messages, &sess.Items, &sess.Duplicates, &sess.Dropped, &sess.Errors, &sess.Malformed, &sess.Quality,
		&sess.TimingWithin, &sess.TimingDrifted, &sess.TimingInverted, &sess.MeanLeadMS,
		&sess.Recap, &sess.RecapStatus, &sess.AudioPath,
	); err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	sess.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse ended_at: %w", err)
		}
		sess.EndedAt = &parsedEnd
	}
	return sess, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
