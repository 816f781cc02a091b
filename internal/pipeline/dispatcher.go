package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/internal/database"
	"github.com/mailpilot/mailpilot/internal/smtp"
)

// Sender is the mail-send capability the dispatcher delivers replies with.
type Sender interface {
	Send(ctx context.Context, msg *smtp.Message) error
}

// Dispatcher sends all unsent replies each cycle, oldest generated first.
// A reply is marked sent only after the transport confirms acceptance;
// anything less leaves it unsent for the next cycle, so delivery is
// at-least-once.
type Dispatcher struct {
	store  database.Store
	sender Sender
	from   string
	cfg    config.PipelineConfig
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. from is the operator address used on
// every outbound reply.
func NewDispatcher(store database.Store, sender Sender, from string, cfg config.PipelineConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		sender: sender,
		from:   from,
		cfg:    cfg,
		logger: logger.With("component", "dispatcher"),
	}
}

// Cycle sends every unsent reply in generation order. A failure for one
// reply is recorded and the cycle continues with the next.
func (d *Dispatcher) Cycle(ctx context.Context) error {
	replies, err := d.store.UnsentReplies(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch unsent replies: %w", err)
	}
	if len(replies) == 0 {
		return nil
	}

	var sent, failed int
	for _, reply := range replies {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := d.sendOne(ctx, reply); err != nil {
			failed++
			d.logger.ErrorContext(ctx, "Failed to send reply",
				"reply_id", reply.ID, "to", reply.Sender, "error", err)
			if ferr := d.store.RecordReplyFailure(ctx, reply.ID, d.cfg.MaxAttempts); ferr != nil {
				d.logger.ErrorContext(ctx, "Failed to record send failure",
					"reply_id", reply.ID, "error", ferr)
			}
			continue
		}
		sent++
	}

	d.logger.InfoContext(ctx, "Dispatch cycle complete",
		"pending", len(replies), "sent", sent, "failed", failed)
	return nil
}

// sendOne renders and sends a single threaded reply, then marks it sent.
func (d *Dispatcher) sendOne(ctx context.Context, reply *database.OutboundReply) error {
	msg := &smtp.Message{
		From:       d.from,
		To:         reply.Sender,
		Subject:    reply.Subject,
		InReplyTo:  reply.OriginalMessageID,
		References: reply.OriginalMessageID,
		Body:       reply.Body,
	}

	if err := d.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("transport rejected reply: %w", err)
	}

	if err := d.store.MarkReplySent(ctx, reply.ID, time.Now().UTC()); err != nil {
		// The message is out but the flag is not; the next cycle may resend.
		return fmt.Errorf("sent but failed to mark sent: %w", err)
	}

	d.logger.InfoContext(ctx, "Reply sent",
		"reply_id", reply.ID, "to", reply.Sender, "subject", reply.Subject)
	return nil
}
