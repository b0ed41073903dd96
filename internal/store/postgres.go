package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/confab/internal/crypto"
	"github.com/eldtechnologies/confab/internal/metrics"
	"github.com/eldtechnologies/confab/internal/models"
)

const pgUniqueViolation = "23505"

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func observePostgres(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues("postgres", op).Observe(time.Since(start).Seconds())
}

// CreateUser creates a new user record.
func (s *PostgresStore) CreateUser(ctx context.Context, publicKey, name, email string) (*models.User, error) {
	user := &models.User{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, public_key, name, email)
		VALUES ($1, $2, $3, $4)
		RETURNING id, public_key, name, email, created_at, updated_at
	`, crypto.NewUUIDv7(), publicKey, name, email).Scan(
		&user.ID,
		&user.PublicKey,
		&user.Name,
		&user.Email,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByID retrieves a user by ID.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.getUser(ctx, `
		SELECT id, public_key, name, email, created_at, updated_at
		FROM users WHERE id = $1
	`, id)
}

// GetUserByPublicKey retrieves a user by public key.
func (s *PostgresStore) GetUserByPublicKey(ctx context.Context, publicKey string) (*models.User, error) {
	return s.getUser(ctx, `
		SELECT id, public_key, name, email, created_at, updated_at
		FROM users WHERE public_key = $1
	`, publicKey)
}

func (s *PostgresStore) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	user := &models.User{}
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&user.ID,
		&user.PublicKey,
		&user.Name,
		&user.Email,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// CountUsers returns the number of registered users.
func (s *PostgresStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// CreateSession creates a new session owned by createdBy.
func (s *PostgresStore) CreateSession(ctx context.Context, createdBy uuid.UUID, title, inviteHash string) (*models.Session, error) {
	session := &models.Session{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, created_by, title, invite_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_by, title, invite_hash, created_at, deleted_at
	`, crypto.NewUUIDv7(), createdBy, title, inviteHash).Scan(
		&session.ID,
		&session.CreatedBy,
		&session.Title,
		&session.InviteHash,
		&session.CreatedAt,
		&session.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession retrieves a session by ID, including soft-deleted sessions.
func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	session := &models.Session{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, created_by, title, invite_hash, created_at, deleted_at
		FROM sessions WHERE id = $1
	`, id).Scan(
		&session.ID,
		&session.CreatedBy,
		&session.Title,
		&session.InviteHash,
		&session.CreatedAt,
		&session.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return session, nil
}

// ListSessionsForUser lists live sessions the user created or joined, newest first.
func (s *PostgresStore) ListSessionsForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Session, int, error) {
	const visible = `
		s.deleted_at IS NULL AND (
			s.created_by = $1 OR EXISTS (
				SELECT 1 FROM session_participants p
				WHERE p.session_id = s.id AND p.user_id = $1
			)
		)`

	var total int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions s WHERE`+visible, userID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.created_by, s.title, s.invite_hash, s.created_at, s.deleted_at
		FROM sessions s
		WHERE`+visible+`
		ORDER BY s.created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var session models.Session
		err := rows.Scan(
			&session.ID,
			&session.CreatedBy,
			&session.Title,
			&session.InviteHash,
			&session.CreatedAt,
			&session.DeletedAt,
		)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, session)
	}

	return sessions, total, rows.Err()
}

// SoftDeleteSession marks a session deleted. Only the creator may delete;
// the boolean is false when no live session matched.
func (s *PostgresStore) SoftDeleteSession(ctx context.Context, id, createdBy uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET deleted_at = NOW()
		WHERE id = $1 AND created_by = $2 AND deleted_at IS NULL
	`, id, createdBy)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetInviteHash replaces the session's invite token hash.
func (s *PostgresStore) SetInviteHash(ctx context.Context, id uuid.UUID, inviteHash string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET invite_hash = $2 WHERE id = $1`, id, inviteHash)
	return err
}

// CountSessions returns the number of live sessions.
func (s *PostgresStore) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE deleted_at IS NULL`).Scan(&count)
	return count, err
}

// AddParticipant records a join. Joining twice is a no-op and reports false.
func (s *PostgresStore) AddParticipant(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO session_participants (session_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (session_id, user_id) DO NOTHING
	`, sessionID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListParticipants lists explicit participants in join order.
func (s *PostgresStore) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, user_id, joined_at
		FROM session_participants
		WHERE session_id = $1
		ORDER BY joined_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.JoinedAt); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// IsMember reports whether the user created or joined the session.
func (s *PostgresStore) IsMember(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	var member bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND created_by = $2)
		    OR EXISTS (SELECT 1 FROM session_participants WHERE session_id = $1 AND user_id = $2)
	`, sessionID, userID).Scan(&member)
	return member, err
}

// InsertMessage appends a message row. A duplicate sequence slot or message
// ID returns models.ErrConstraintViolation.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	defer observePostgres("insert_message", time.Now())

	row := prepareMessage(msg)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, sender_id, role, content, created_at, is_assistant_reply, sequence_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, row.ID, row.SessionID, row.SenderID, string(row.Role), row.Content, row.CreatedAt, row.IsAssistantReply, row.SequenceNumber)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: session %s sequence %d", models.ErrConstraintViolation, row.SessionID, row.SequenceNumber)
		}
		return nil, &models.StorageError{Op: "insert message", Transient: pgTransient(err), Err: err}
	}
	return &row, nil
}

// pgTransient reports whether a failed statement may succeed if repeated.
// Server errors in the data (22) and integrity (23) classes never will.
func pgTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return !strings.HasPrefix(pgErr.Code, "22") && !strings.HasPrefix(pgErr.Code, "23")
	}
	return true
}

// QueryMessages returns one page of a session's messages ordered by creation
// time, plus the session's total message count. A non-positive limit returns
// only the count.
func (s *PostgresStore) QueryMessages(ctx context.Context, sessionID uuid.UUID, offset, limit int) ([]models.Message, int, error) {
	defer observePostgres("query_messages", time.Now())

	var total int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		return nil, total, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, sender_id, role, content, created_at, is_assistant_reply, sequence_number
		FROM messages
		WHERE session_id = $1
		ORDER BY created_at ASC, sequence_number ASC, is_assistant_reply ASC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.SenderID,
			&role,
			&msg.Content,
			&msg.CreatedAt,
			&msg.IsAssistantReply,
			&msg.SequenceNumber,
		)
		if err != nil {
			return nil, 0, err
		}
		msg.Role = models.Role(role)
		messages = append(messages, msg)
	}

	return messages, total, rows.Err()
}

// GetMessage returns one row of a session by ID, or nil if there is none.
func (s *PostgresStore) GetMessage(ctx context.Context, sessionID uuid.UUID, id string) (*models.Message, error) {
	defer observePostgres("get_message", time.Now())

	var msg models.Message
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, sender_id, role, content, created_at, is_assistant_reply, sequence_number
		FROM messages
		WHERE session_id = $1 AND id = $2
	`, sessionID, id).Scan(
		&msg.ID,
		&msg.SessionID,
		&msg.SenderID,
		&role,
		&msg.Content,
		&msg.CreatedAt,
		&msg.IsAssistantReply,
		&msg.SequenceNumber,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	return &msg, nil
}

// CountMessages returns the total number of stored messages.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// GetMostRecentMessageTime returns the newest message timestamp, or nil when empty.
func (s *PostgresStore) GetMostRecentMessageTime(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(created_at) FROM messages`).Scan(&t)
	if err != nil {
		return nil, err
	}
	return t, nil
}
