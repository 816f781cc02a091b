package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrAlreadyReplied is returned by RecordReply when the target email has
// already been marked processed, guaranteeing at most one reply per email.
var ErrAlreadyReplied = errors.New("email already has a reply")

// Store defines the persistence contract shared by the ingestion and
// processing loops. All state transitions are atomic with respect to
// concurrent access from both loops.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// InsertEmailIfAbsent inserts a new email unless one with the same
	// message_id already exists. It reports whether a row was inserted and
	// never fails on duplicates.
	InsertEmailIfAbsent(ctx context.Context, email *Email) (bool, error)

	// UnrepliedEmails returns up to limit emails that have no reply yet and
	// are not dead-lettered, oldest first.
	UnrepliedEmails(ctx context.Context, limit int) ([]*Email, error)

	// RecordReply inserts the reply row and marks the owning email as
	// processed in a single transaction. Returns ErrAlreadyReplied without
	// persisting anything if the email already has a reply.
	RecordReply(ctx context.Context, reply *Reply) error

	// UnsentReplies returns all replies not yet sent and not dead-lettered,
	// joined with their original email's addressing context, ordered by
	// generation time ascending.
	UnsentReplies(ctx context.Context) ([]*OutboundReply, error)

	// MarkReplySent marks a reply as sent at sentAt. Calling it again for an
	// already-sent reply is a harmless no-op.
	MarkReplySent(ctx context.Context, replyID int64, sentAt time.Time) error

	// RecordEmailFailure increments the email's attempt counter and
	// dead-letters it once maxAttempts consecutive failures are reached.
	// maxAttempts of 0 means retry forever.
	RecordEmailFailure(ctx context.Context, emailID int64, maxAttempts int) error

	// RecordReplyFailure does the same for a reply that could not be sent.
	RecordReplyFailure(ctx context.Context, replyID int64, maxAttempts int) error
}

// sqlxStore implements Store on top of a sqlx connection pool.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store backed by the given sqlx pool.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) InsertEmailIfAbsent(ctx context.Context, email *Email) (bool, error) {
	if email == nil {
		return false, fmt.Errorf("cannot insert nil email")
	}
	if email.MessageID == "" {
		return false, fmt.Errorf("email must have a message_id")
	}
	if email.Timestamp.IsZero() {
		return false, fmt.Errorf("email must have a non-zero timestamp")
	}

	query := s.db.Rebind(`
        INSERT INTO emails (message_id, sender, recipient, subject, body, timestamp, raw_email, processed)
        VALUES (?, ?, ?, ?, ?, ?, ?, FALSE)
        ON CONFLICT (message_id) DO NOTHING
        RETURNING id;
    `)

	err := s.db.GetContext(ctx, &email.ID, query,
		email.MessageID, email.Sender, email.Recipient, email.Subject,
		email.Body, email.Timestamp, email.RawEmail)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict on message_id: the email is already stored.
		s.logger.DebugContext(ctx, "Email already present, skipping insert", "message_id", email.MessageID)
		return false, nil
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting email", "message_id", email.MessageID, "error", err)
		return false, fmt.Errorf("failed to insert email %s: %w", email.MessageID, err)
	}

	s.logger.DebugContext(ctx, "Email inserted", "message_id", email.MessageID, "id", email.ID)
	return true, nil
}

func (s *sqlxStore) UnrepliedEmails(ctx context.Context, limit int) ([]*Email, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var emails []*Email
	query := s.db.Rebind(`
        SELECT id, message_id, sender, recipient, subject, body, timestamp, raw_email,
               processed, response_id, attempts, dead_lettered
        FROM emails
        WHERE processed = FALSE AND response_id IS NULL AND dead_lettered = FALSE
        ORDER BY timestamp ASC
        LIMIT ?;
    `)

	if err := s.db.SelectContext(ctx, &emails, query, limit); err != nil {
		s.logger.ErrorContext(ctx, "Error fetching unreplied emails", "limit", limit, "error", err)
		return nil, fmt.Errorf("failed to fetch unreplied emails: %w", err)
	}

	s.logger.DebugContext(ctx, "Fetched unreplied emails", "count", len(emails), "limit", limit)
	return emails, nil
}

func (s *sqlxStore) RecordReply(ctx context.Context, reply *Reply) error {
	if reply == nil {
		return fmt.Errorf("cannot record nil reply")
	}
	if reply.OriginalEmailID == 0 {
		return fmt.Errorf("reply must reference an original email")
	}
	if reply.GeneratedAt.IsZero() {
		reply.GeneratedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for reply", "email_id", reply.OriginalEmailID, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back reply transaction", "error", rollbackErr)
			}
		}
	}()

	insert := tx.Rebind(`
        INSERT INTO responses (original_email_id, response_subject, response_body, generated_at, model_used, sent)
        VALUES (?, ?, ?, ?, ?, FALSE)
        RETURNING id;
    `)
	if err := tx.GetContext(ctx, &reply.ID, insert,
		reply.OriginalEmailID, reply.Subject, reply.Body, reply.GeneratedAt, reply.ModelUsed); err != nil {
		s.logger.ErrorContext(ctx, "Error inserting reply", "email_id", reply.OriginalEmailID, "error", err)
		return fmt.Errorf("failed to insert reply for email %d: %w", reply.OriginalEmailID, err)
	}

	update := tx.Rebind(`
        UPDATE emails SET processed = TRUE, response_id = ?
        WHERE id = ? AND processed = FALSE;
    `)
	result, err := tx.ExecContext(ctx, update, reply.ID, reply.OriginalEmailID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking email processed", "email_id", reply.OriginalEmailID, "error", err)
		return fmt.Errorf("failed to mark email %d processed: %w", reply.OriginalEmailID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check processed update for email %d: %w", reply.OriginalEmailID, err)
	}
	if affected != 1 {
		// The email was already processed; the deferred rollback discards the
		// reply row so nothing is persisted.
		s.logger.WarnContext(ctx, "Refusing second reply for processed email", "email_id", reply.OriginalEmailID)
		return fmt.Errorf("email %d: %w", reply.OriginalEmailID, ErrAlreadyReplied)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit reply transaction", "email_id", reply.OriginalEmailID, "error", err)
		return fmt.Errorf("failed to commit reply transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Reply recorded", "email_id", reply.OriginalEmailID, "reply_id", reply.ID)
	return nil
}

func (s *sqlxStore) UnsentReplies(ctx context.Context) ([]*OutboundReply, error) {
	var replies []*OutboundReply
	query := `
        SELECT r.id, r.original_email_id, r.response_subject, r.response_body,
               r.generated_at, r.model_used, r.sent, r.sent_at, r.attempts, r.dead_lettered,
               e.sender, e.message_id
        FROM responses r
        JOIN emails e ON e.id = r.original_email_id
        WHERE r.sent = FALSE AND r.dead_lettered = FALSE
        ORDER BY r.generated_at ASC;
    `

	if err := s.db.SelectContext(ctx, &replies, query); err != nil {
		s.logger.ErrorContext(ctx, "Error fetching unsent replies", "error", err)
		return nil, fmt.Errorf("failed to fetch unsent replies: %w", err)
	}

	s.logger.DebugContext(ctx, "Fetched unsent replies", "count", len(replies))
	return replies, nil
}

func (s *sqlxStore) MarkReplySent(ctx context.Context, replyID int64, sentAt time.Time) error {
	query := s.db.Rebind(`
        UPDATE responses SET sent = TRUE, sent_at = ?
        WHERE id = ? AND sent = FALSE;
    `)

	result, err := s.db.ExecContext(ctx, query, sentAt, replyID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking reply sent", "reply_id", replyID, "error", err)
		return fmt.Errorf("failed to mark reply %d sent: %w", replyID, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		// Already sent: harmless no-op.
		s.logger.DebugContext(ctx, "Reply already marked sent", "reply_id", replyID)
	}
	return nil
}

func (s *sqlxStore) RecordEmailFailure(ctx context.Context, emailID int64, maxAttempts int) error {
	return s.recordFailure(ctx, "emails", emailID, maxAttempts)
}

func (s *sqlxStore) RecordReplyFailure(ctx context.Context, replyID int64, maxAttempts int) error {
	return s.recordFailure(ctx, "responses", replyID, maxAttempts)
}

func (s *sqlxStore) recordFailure(ctx context.Context, table string, id int64, maxAttempts int) error {
	query := s.db.Rebind(fmt.Sprintf(`
        UPDATE %s SET attempts = attempts + 1,
               dead_lettered = CASE WHEN ? > 0 AND attempts + 1 >= ? THEN TRUE ELSE dead_lettered END
        WHERE id = ?
        RETURNING attempts, dead_lettered;
    `, table))

	var outcome struct {
		Attempts     int  `db:"attempts"`
		DeadLettered bool `db:"dead_lettered"`
	}
	if err := s.db.GetContext(ctx, &outcome, query, maxAttempts, maxAttempts, id); err != nil {
		s.logger.ErrorContext(ctx, "Error recording failure", "table", table, "id", id, "error", err)
		return fmt.Errorf("failed to record failure for %s row %d: %w", table, id, err)
	}

	if outcome.DeadLettered {
		s.logger.WarnContext(ctx, "Item dead-lettered after repeated failures",
			"table", table, "id", id, "attempts", outcome.Attempts)
	} else {
		s.logger.DebugContext(ctx, "Recorded item failure",
			"table", table, "id", id, "attempts", outcome.Attempts)
	}
	return nil
}
