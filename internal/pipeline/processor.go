package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/internal/database"
)

// Completer is the text-completion capability used to generate reply bodies.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const replyPrefix = "Re:"

// promptTemplate is fixed; the prompt for a given email is fully determined
// by its sender, subject, timestamp, and body.
const promptTemplate = `Email:
From: %s
Subject: %s
Timestamp: %s

Message Body:
%s

Please write a thorough and articulate response to the email above.`

// Processor turns unreplied emails into stored replies. Each email in a
// batch is handled in its own transaction, so one failure never aborts the
// remaining items.
type Processor struct {
	store     database.Store
	completer Completer
	cfg       config.PipelineConfig
	model     string
	logger    *slog.Logger
}

// NewProcessor creates a processor. model is recorded on every generated
// reply as model_used.
func NewProcessor(store database.Store, completer Completer, cfg config.PipelineConfig, model string, logger *slog.Logger) *Processor {
	return &Processor{
		store:     store,
		completer: completer,
		cfg:       cfg,
		model:     model,
		logger:    logger.With("component", "processor"),
	}
}

// Cycle processes one bounded batch of unreplied emails. The pacing delay
// between items is a rate-limit control on the completion API, not an
// error-handling mechanism.
func (p *Processor) Cycle(ctx context.Context) error {
	emails, err := p.store.UnrepliedEmails(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch unreplied emails: %w", err)
	}
	if len(emails) == 0 {
		return nil
	}

	var processed, failed int
	for idx, email := range emails {
		if idx > 0 && p.cfg.PacingDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PacingDelay):
			}
		}

		if err := p.processOne(ctx, email); err != nil {
			failed++
			p.logger.ErrorContext(ctx, "Failed to process email",
				"email_id", email.ID, "message_id", email.MessageID, "error", err)
			if ferr := p.store.RecordEmailFailure(ctx, email.ID, p.cfg.MaxAttempts); ferr != nil {
				p.logger.ErrorContext(ctx, "Failed to record processing failure",
					"email_id", email.ID, "error", ferr)
			}
			continue
		}
		processed++
	}

	p.logger.InfoContext(ctx, "Processing cycle complete",
		"batch", len(emails), "processed", processed, "failed", failed)
	return nil
}

// processOne generates and records the reply for a single email.
func (p *Processor) processOne(ctx context.Context, email *database.Email) error {
	prompt := BuildPrompt(email)

	content, err := p.completer.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("completion failed: %w", err)
	}

	reply := &database.Reply{
		OriginalEmailID: email.ID,
		Subject:         ReplySubject(email.Subject),
		Body:            content,
		GeneratedAt:     time.Now().UTC(),
		ModelUsed:       p.model,
	}

	if err := p.store.RecordReply(ctx, reply); err != nil {
		if errors.Is(err, database.ErrAlreadyReplied) {
			// Lost a race against an earlier cycle; the reply exists, nothing to do.
			p.logger.WarnContext(ctx, "Email replied concurrently, discarding generation",
				"email_id", email.ID)
			return nil
		}
		return fmt.Errorf("failed to record reply: %w", err)
	}

	p.logger.InfoContext(ctx, "Reply generated",
		"email_id", email.ID, "reply_id", reply.ID, "subject", reply.Subject)
	return nil
}

// BuildPrompt expands an email into the fixed completion prompt.
func BuildPrompt(email *database.Email) string {
	return fmt.Sprintf(promptTemplate,
		email.Sender, email.Subject, email.Timestamp.Format(time.RFC1123Z), email.Body)
}

// ReplySubject derives the reply subject by prefixing "Re: " unless the
// original already carries the literal prefix (case-sensitive).
func ReplySubject(subject string) string {
	if strings.HasPrefix(subject, replyPrefix) {
		return subject
	}
	return replyPrefix + " " + subject
}
