package database

import (
	"database/sql"
	"time"
)

// Email represents one inbound message as stored in the emails table.
// It is created by the ingestor on first sight, mutated exactly once by the
// processor when a reply is recorded, and never deleted.
type Email struct {
	ID        int64     `db:"id"`
	MessageID string    `db:"message_id"`
	Sender    string    `db:"sender"`
	Recipient string    `db:"recipient"`
	Subject   string    `db:"subject"`
	Body      string    `db:"body"`
	Timestamp time.Time `db:"timestamp"`
	RawEmail  string    `db:"raw_email"`

	Processed  bool          `db:"processed"`
	ResponseID sql.NullInt64 `db:"response_id"`

	Attempts     int  `db:"attempts"`
	DeadLettered bool `db:"dead_lettered"`
}

// Reply represents one generated response to exactly one Email, stored in
// the responses table. Created unsent by the processor, marked sent exactly
// once by the dispatcher.
type Reply struct {
	ID              int64     `db:"id"`
	OriginalEmailID int64     `db:"original_email_id"`
	Subject         string    `db:"response_subject"`
	Body            string    `db:"response_body"`
	GeneratedAt     time.Time `db:"generated_at"`
	ModelUsed       string    `db:"model_used"`

	Sent   bool         `db:"sent"`
	SentAt sql.NullTime `db:"sent_at"`

	Attempts     int  `db:"attempts"`
	DeadLettered bool `db:"dead_lettered"`
}

// OutboundReply is a Reply joined with the addressing context of its
// original email, as needed by the dispatcher to render a threaded reply.
type OutboundReply struct {
	Reply
	Sender            string `db:"sender"`
	OriginalMessageID string `db:"message_id"`
}
