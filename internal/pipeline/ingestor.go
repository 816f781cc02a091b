// Package pipeline contains the three pipeline stages (ingest, process,
// dispatch) and the orchestrator that runs them as two independently
// scheduled polling loops over one shared store.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mailpilot/mailpilot/internal/database"
)

// Mailbox is the capability the ingestor polls for unseen messages.
type Mailbox interface {
	FetchUnseen(ctx context.Context) ([]*database.Email, error)
}

// Ingestor pulls unseen messages from the mailbox and inserts them into the
// store idempotently. Re-seeing a message is a no-op, so correctness does
// not depend on mailbox flags.
type Ingestor struct {
	mailbox Mailbox
	store   database.Store
	logger  *slog.Logger
}

// NewIngestor creates an ingestor over the given mailbox and store.
func NewIngestor(mailbox Mailbox, store database.Store, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		mailbox: mailbox,
		store:   store,
		logger:  logger.With("component", "ingestor"),
	}
}

// Cycle runs one ingestion pass. A mailbox failure aborts the cycle (the
// client reconnects on the next one); a store failure for one message does
// not stop the rest.
func (i *Ingestor) Cycle(ctx context.Context) error {
	emails, err := i.mailbox.FetchUnseen(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch unseen messages: %w", err)
	}
	if len(emails) == 0 {
		return nil
	}

	var inserted, duplicates int
	for _, email := range emails {
		ok, err := i.store.InsertEmailIfAbsent(ctx, email)
		if err != nil {
			i.logger.ErrorContext(ctx, "Failed to store email",
				"message_id", email.MessageID, "error", err)
			continue
		}
		if ok {
			inserted++
		} else {
			duplicates++
		}
	}

	i.logger.InfoContext(ctx, "Ingestion cycle complete",
		"fetched", len(emails), "inserted", inserted, "duplicates", duplicates)
	return nil
}
