package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/confab/internal/crypto"
	"github.com/eldtechnologies/confab/internal/metrics"
	"github.com/eldtechnologies/confab/internal/models"
)

// sqliteTimeLayout is fixed-width so that lexical order matches time order.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite database and applies migrations.
// If dbPath is empty, defaults to "./data/confab.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/confab.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrateSQLite(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func observeSQLite(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues("sqlite", op).Observe(time.Since(start).Seconds())
}

// CreateUser creates a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, publicKey, name, email string) (*models.User, error) {
	now := time.Now()
	id := crypto.NewUUIDv7()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, public_key, name, email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, publicKey, name, email, sqliteTime(now), sqliteTime(now))
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.getUser(ctx, `SELECT * FROM users WHERE id = ?`, id)
}

// GetUserByPublicKey retrieves a user by public key.
func (s *SQLiteStore) GetUserByPublicKey(ctx context.Context, publicKey string) (*models.User, error) {
	return s.getUser(ctx, `SELECT * FROM users WHERE public_key = ?`, publicKey)
}

func (s *SQLiteStore) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	var user models.User
	if err := s.db.GetContext(ctx, &user, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// CountUsers returns the number of registered users.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM users`)
	return count, err
}

// CreateSession creates a new session owned by createdBy.
func (s *SQLiteStore) CreateSession(ctx context.Context, createdBy uuid.UUID, title, inviteHash string) (*models.Session, error) {
	id := crypto.NewUUIDv7()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_by, title, invite_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, createdBy, title, inviteHash, sqliteTime(time.Now()))
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, id)
}

// GetSession retrieves a session by ID, including soft-deleted sessions.
func (s *SQLiteStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var session models.Session
	if err := s.db.GetContext(ctx, &session, `SELECT * FROM sessions WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// ListSessionsForUser lists live sessions the user created or joined, newest first.
func (s *SQLiteStore) ListSessionsForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Session, int, error) {
	const visible = `
		s.deleted_at IS NULL AND (
			s.created_by = ? OR EXISTS (
				SELECT 1 FROM session_participants p
				WHERE p.session_id = s.id AND p.user_id = ?
			)
		)`

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM sessions s WHERE`+visible, userID, userID); err != nil {
		return nil, 0, err
	}

	var sessions []models.Session
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT s.* FROM sessions s
		WHERE`+visible+`
		ORDER BY s.created_at DESC
		LIMIT ? OFFSET ?
	`, userID, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// SoftDeleteSession marks a session deleted. Only the creator may delete.
func (s *SQLiteStore) SoftDeleteSession(ctx context.Context, id, createdBy uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET deleted_at = ?
		WHERE id = ? AND created_by = ? AND deleted_at IS NULL
	`, sqliteTime(time.Now()), id, createdBy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetInviteHash replaces the session's invite token hash.
func (s *SQLiteStore) SetInviteHash(ctx context.Context, id uuid.UUID, inviteHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET invite_hash = ? WHERE id = ?`, inviteHash, id)
	return err
}

// CountSessions returns the number of live sessions.
func (s *SQLiteStore) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM sessions WHERE deleted_at IS NULL`)
	return count, err
}

// AddParticipant records a join. Joining twice is a no-op and reports false.
func (s *SQLiteStore) AddParticipant(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_participants (session_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id, user_id) DO NOTHING
	`, sessionID, userID, sqliteTime(time.Now()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListParticipants lists explicit participants in join order.
func (s *SQLiteStore) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	var participants []models.Participant
	err := s.db.SelectContext(ctx, &participants, `
		SELECT session_id, user_id, joined_at
		FROM session_participants
		WHERE session_id = ?
		ORDER BY joined_at ASC
	`, sessionID)
	return participants, err
}

// IsMember reports whether the user created or joined the session.
func (s *SQLiteStore) IsMember(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	var member bool
	err := s.db.GetContext(ctx, &member, `
		SELECT EXISTS (SELECT 1 FROM sessions WHERE id = ? AND created_by = ?)
		    OR EXISTS (SELECT 1 FROM session_participants WHERE session_id = ? AND user_id = ?)
	`, sessionID, userID, sessionID, userID)
	return member, err
}

// InsertMessage appends a message row. A duplicate sequence slot or message
// ID returns models.ErrConstraintViolation.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	defer observeSQLite("insert_message", time.Now())

	row := prepareMessage(msg)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sender_id, role, content, created_at, is_assistant_reply, sequence_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.SessionID, row.SenderID, string(row.Role), row.Content, sqliteTime(row.CreatedAt), row.IsAssistantReply, row.SequenceNumber)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return nil, fmt.Errorf("%w: session %s sequence %d", models.ErrConstraintViolation, row.SessionID, row.SequenceNumber)
		}
		transient := true
		if errors.As(err, &sqliteErr) {
			transient = sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked || sqliteErr.Code == sqlite3.ErrIoErr
		}
		return nil, &models.StorageError{Op: "insert message", Transient: transient, Err: err}
	}
	return &row, nil
}

// QueryMessages returns one page of a session's messages ordered by creation
// time, plus the session's total message count.
func (s *SQLiteStore) QueryMessages(ctx context.Context, sessionID uuid.UUID, offset, limit int) ([]models.Message, int, error) {
	defer observeSQLite("query_messages", time.Now())

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		return nil, total, nil
	}

	var messages []models.Message
	err := s.db.SelectContext(ctx, &messages, `
		SELECT id, session_id, sender_id, role, content, created_at, is_assistant_reply, sequence_number
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC, sequence_number ASC, is_assistant_reply ASC
		LIMIT ? OFFSET ?
	`, sessionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// GetMessage returns one row of a session by ID, or nil if there is none.
func (s *SQLiteStore) GetMessage(ctx context.Context, sessionID uuid.UUID, id string) (*models.Message, error) {
	defer observeSQLite("get_message", time.Now())

	var msg models.Message
	err := s.db.GetContext(ctx, &msg, `
		SELECT id, session_id, sender_id, role, content, created_at, is_assistant_reply, sequence_number
		FROM messages
		WHERE session_id = ? AND id = ?
	`, sessionID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// CountMessages returns the total number of stored messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages`)
	return count, err
}

// GetMostRecentMessageTime returns the newest message timestamp, or nil when empty.
func (s *SQLiteStore) GetMostRecentMessageTime(ctx context.Context) (*time.Time, error) {
	var latest sql.NullString
	if err := s.db.GetContext(ctx, &latest, `SELECT MAX(created_at) FROM messages`); err != nil {
		return nil, err
	}
	if !latest.Valid {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, latest.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
