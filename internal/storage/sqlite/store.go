// Package sqlite provides a SQLite-backed session history store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	sqlitemigrate "github.com/gmcompanion/livesession/internal/platform/storage/sqlitemigrate"
	"github.com/gmcompanion/livesession/internal/storage"
	"github.com/gmcompanion/livesession/internal/storage/sqlite/migrations"
)

// Store persists session history in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite session history store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// RecordSessionOpened inserts one session audit record.
func (s *Store) RecordSessionOpened(ctx context.Context, record storage.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	sessionID := strings.TrimSpace(record.ID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(record.CampaignID) == "" {
		return fmt.Errorf("campaign id is required")
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO sessions (id, campaign_id, gm_id, status, created_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, NULL)`,
		sessionID,
		record.CampaignID,
		record.GMID,
		record.Status,
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("record session opened: %w", err)
	}
	return nil
}

// RecordSessionClosed marks one session audit record closed.
func (s *Store) RecordSessionClosed(ctx context.Context, sessionID string, closedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE sessions SET status = 'closed', closed_at = ? WHERE id = ?`,
		toMillis(closedAt),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("record session closed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record session closed: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetSession returns one session audit record by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SessionRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SessionRecord{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storage.SessionRecord{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, campaign_id, gm_id, status, created_at, closed_at
		   FROM sessions WHERE id = ?`,
		sessionID,
	)

	var record storage.SessionRecord
	var createdAt int64
	var closedAt sql.NullInt64
	if err := row.Scan(&record.ID, &record.CampaignID, &record.GMID, &record.Status, &createdAt, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SessionRecord{}, storage.ErrNotFound
		}
		return storage.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	if closedAt.Valid {
		value := fromMillis(closedAt.Int64)
		record.ClosedAt = &value
	}
	return record, nil
}

// AppendDelta inserts one committed delta. Re-appending the same session
// version is idempotent so the retrying relay never duplicates history.
func (s *Store) AppendDelta(ctx context.Context, record storage.DeltaRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if record.ToVersion == 0 {
		return fmt.Errorf("delta version is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO deltas (session_id, from_version, to_version, kind, payload, scope, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID,
		int64(record.FromVersion),
		int64(record.ToVersion),
		record.Kind,
		record.Payload,
		record.Scope,
		toMillis(record.At),
	)
	if err != nil {
		return fmt.Errorf("append delta: %w", err)
	}
	return nil
}

// AppendSegment inserts one finalized transcript segment.
func (s *Store) AppendSegment(ctx context.Context, record storage.SegmentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("segment id is required")
	}
	if strings.TrimSpace(record.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO transcript_segments
		 (id, session_id, speaker_id, speaker_label, start_micros, end_micros, text, correction_of, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.SessionID,
		record.SpeakerID,
		record.SpeakerLabel,
		record.Start.Microseconds(),
		record.End.Microseconds(),
		record.Text,
		record.CorrectionOf,
		toMillis(record.At),
	)
	if err != nil {
		return fmt.Errorf("append segment: %w", err)
	}
	return nil
}

// ListSegments returns one page of a session's transcript segments ordered
// by start time. The page token is the id of the last segment of the prior
// page.
func (s *Store) ListSegments(ctx context.Context, sessionID string, pageSize int, pageToken string) (storage.SegmentPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.SegmentPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SegmentPage{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storage.SegmentPage{}, fmt.Errorf("session id is required")
	}
	if pageSize <= 0 {
		return storage.SegmentPage{}, fmt.Errorf("page size must be greater than zero")
	}
	pageToken = strings.TrimSpace(pageToken)

	page := storage.SegmentPage{
		Segments: make([]storage.SegmentRecord, 0, pageSize),
	}

	var (
		rows *sql.Rows
		err  error
	)
	if pageToken == "" {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT id, session_id, speaker_id, speaker_label, start_micros, end_micros, text, correction_of, at
			   FROM transcript_segments
			  WHERE session_id = ?
			  ORDER BY start_micros ASC, id ASC
			  LIMIT ?`,
			sessionID,
			pageSize+1,
		)
	} else {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT id, session_id, speaker_id, speaker_label, start_micros, end_micros, text, correction_of, at
			   FROM transcript_segments
			  WHERE session_id = ?
			    AND (start_micros, id) > (
			          SELECT start_micros, id FROM transcript_segments WHERE id = ?)
			  ORDER BY start_micros ASC, id ASC
			  LIMIT ?`,
			sessionID,
			pageToken,
			pageSize+1,
		)
	}
	if err != nil {
		return storage.SegmentPage{}, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record storage.SegmentRecord
		var startMicros, endMicros, at int64
		if err := rows.Scan(
			&record.ID,
			&record.SessionID,
			&record.SpeakerID,
			&record.SpeakerLabel,
			&startMicros,
			&endMicros,
			&record.Text,
			&record.CorrectionOf,
			&at,
		); err != nil {
			return storage.SegmentPage{}, fmt.Errorf("list segments: %w", err)
		}
		record.Start = time.Duration(startMicros) * time.Microsecond
		record.End = time.Duration(endMicros) * time.Microsecond
		record.At = fromMillis(at)
		page.Segments = append(page.Segments, record)
	}
	if err := rows.Err(); err != nil {
		return storage.SegmentPage{}, fmt.Errorf("list segments: %w", err)
	}
	if len(page.Segments) > pageSize {
		page.NextPageToken = page.Segments[pageSize-1].ID
		page.Segments = page.Segments[:pageSize]
	}

	return page, nil
}

// PutTrigger inserts or replaces one keyword trigger.
func (s *Store) PutTrigger(ctx context.Context, record storage.TriggerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("trigger id is required")
	}
	if strings.TrimSpace(record.CampaignID) == "" {
		return fmt.Errorf("campaign id is required")
	}
	if strings.TrimSpace(record.Term) == "" {
		return fmt.Errorf("trigger term is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO triggers (id, campaign_id, term, ref_id, audience)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   campaign_id = excluded.campaign_id,
		   term = excluded.term,
		   ref_id = excluded.ref_id,
		   audience = excluded.audience`,
		record.ID,
		record.CampaignID,
		record.Term,
		record.RefID,
		record.Audience,
	)
	if err != nil {
		return fmt.Errorf("put trigger: %w", err)
	}
	return nil
}

// ListTriggers returns every trigger configured for a campaign.
func (s *Store) ListTriggers(ctx context.Context, campaignID string) ([]storage.TriggerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return nil, fmt.Errorf("campaign id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, campaign_id, term, ref_id, audience
		   FROM triggers WHERE campaign_id = ? ORDER BY id ASC`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var records []storage.TriggerRecord
	for rows.Next() {
		var record storage.TriggerRecord
		if err := rows.Scan(&record.ID, &record.CampaignID, &record.Term, &record.RefID, &record.Audience); err != nil {
			return nil, fmt.Errorf("list triggers: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	return records, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.SessionStore = (*Store)(nil)
var _ storage.DeltaSink = (*Store)(nil)
var _ storage.TranscriptSink = (*Store)(nil)
var _ storage.TriggerStore = (*Store)(nil)
