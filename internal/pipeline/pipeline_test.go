package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/internal/database"
	"github.com/mailpilot/mailpilot/internal/logger"
	"github.com/mailpilot/mailpilot/internal/pipeline"
	"github.com/mailpilot/mailpilot/internal/smtp"
)

func newTestStore(t *testing.T) database.Store {
	t.Helper()

	db, err := database.NewDB(config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	return database.NewStore(db, nil)
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		IngestInterval:  time.Second,
		ProcessInterval: time.Second,
		BatchSize:       4,
		PacingDelay:     0,
		MaxAttempts:     0,
	}
}

func testEmail(messageID, subject string, ts time.Time) *database.Email {
	return &database.Email{
		MessageID: messageID,
		Sender:    "alice@example.com",
		Recipient: "autoresponder@example.com",
		Subject:   subject,
		Body:      "What are your office hours?",
		Timestamp: ts,
	}
}

// fakeMailbox serves a fixed set of messages on every fetch, like a mailbox
// whose flags were lost.
type fakeMailbox struct {
	emails []*database.Email
	err    error
}

func (m *fakeMailbox) FetchUnseen(_ context.Context) ([]*database.Email, error) {
	if m.err != nil {
		return nil, m.err
	}
	// Fresh copies each fetch: the store mutates inserted records.
	out := make([]*database.Email, len(m.emails))
	for i, e := range m.emails {
		clone := *e
		out[i] = &clone
	}
	return out, nil
}

// fakeCompleter echoes a canned reply, failing for subjects listed in
// failFor.
type fakeCompleter struct {
	calls   int
	failFor map[string]bool
}

func (c *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	c.calls++
	for subject := range c.failFor {
		if strings.Contains(prompt, "Subject: "+subject) {
			return "", errors.New("completion unavailable")
		}
	}
	return "Our office hours are 9 to 5.", nil
}

// fakeSender records accepted messages, failing for recipients listed in
// failFor.
type fakeSender struct {
	sent    []*smtp.Message
	failFor map[string]bool
}

func (s *fakeSender) Send(_ context.Context, msg *smtp.Message) error {
	if s.failFor[msg.To] {
		return errors.New("relay refused")
	}
	clone := *msg
	s.sent = append(s.sent, &clone)
	return nil
}

func TestIngestorCycle_IdempotentAcrossCycles(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	log := logger.New("error", false)
	base := time.Now().UTC().Truncate(time.Second)

	mbox := &fakeMailbox{emails: []*database.Email{
		testEmail("<msg-1@example.com>", "Question", base),
		testEmail("<msg-2@example.com>", "Another", base.Add(time.Minute)),
	}}
	ingestor := pipeline.NewIngestor(mbox, store, log)

	for cycle := 0; cycle < 3; cycle++ {
		if err := ingestor.Cycle(context.Background()); err != nil {
			t.Fatalf("Cycle(#%d) error = %v", cycle+1, err)
		}
	}

	emails, err := store.UnrepliedEmails(context.Background(), 10)
	if err != nil {
		t.Fatalf("UnrepliedEmails() error = %v", err)
	}
	if len(emails) != 2 {
		t.Errorf("got %d stored emails after 3 cycles over the same mailbox, want 2", len(emails))
	}
}

func TestIngestorCycle_FetchFailure(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mbox := &fakeMailbox{err: errors.New("connection reset")}
	ingestor := pipeline.NewIngestor(mbox, store, logger.New("error", false))

	if err := ingestor.Cycle(context.Background()); err == nil {
		t.Error("Cycle() error = nil, want error when the mailbox is unreachable")
	}
}

func TestProcessorCycle_FailureIsolation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	log := logger.New("error", false)
	base := time.Now().UTC().Truncate(time.Second)

	for i := 1; i <= 4; i++ {
		email := testEmail(fmt.Sprintf("<msg-%d@example.com>", i), fmt.Sprintf("Question %d", i), base.Add(time.Duration(i)*time.Minute))
		if _, err := store.InsertEmailIfAbsent(ctx, email); err != nil {
			t.Fatalf("seed email %d: %v", i, err)
		}
	}

	completer := &fakeCompleter{failFor: map[string]bool{"Question 2": true}}
	processor := pipeline.NewProcessor(store, completer, testPipelineConfig(), "test-model", log)

	if err := processor.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() error = %v, want nil (item failures stay inside the cycle)", err)
	}

	replies, err := store.UnsentReplies(ctx)
	if err != nil {
		t.Fatalf("UnsentReplies() error = %v", err)
	}
	if len(replies) != 3 {
		t.Errorf("got %d replies, want 3 (one item failed, the rest persisted)", len(replies))
	}

	remaining, err := store.UnrepliedEmails(ctx, 10)
	if err != nil {
		t.Fatalf("UnrepliedEmails() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("got %d unreplied emails, want only the failed one", len(remaining))
	}
	if remaining[0].Subject != "Question 2" {
		t.Errorf("unreplied email subject = %q, want %q", remaining[0].Subject, "Question 2")
	}
	if remaining[0].Attempts != 1 {
		t.Errorf("failed email attempts = %d, want 1", remaining[0].Attempts)
	}
}

func TestProcessorCycle_RespectsBatchSize(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 1; i <= 6; i++ {
		email := testEmail(fmt.Sprintf("<msg-%d@example.com>", i), "Question", base.Add(time.Duration(i)*time.Minute))
		if _, err := store.InsertEmailIfAbsent(ctx, email); err != nil {
			t.Fatalf("seed email %d: %v", i, err)
		}
	}

	completer := &fakeCompleter{}
	processor := pipeline.NewProcessor(store, completer, testPipelineConfig(), "test-model", logger.New("error", false))

	if err := processor.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	if completer.calls != 4 {
		t.Errorf("completion calls = %d, want batch size 4", completer.calls)
	}
}

func TestReplySubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"plain subject", "Question", "Re: Question"},
		{"already a reply", "Re: Question", "Re: Question"},
		{"prefix without space", "Re:Question", "Re:Question"},
		{"lowercase prefix gets another", "re: Question", "Re: re: Question"},
		{"empty subject", "", "Re: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := pipeline.ReplySubject(tt.subject); got != tt.want {
				t.Errorf("ReplySubject(%q) = %q, want %q", tt.subject, got, tt.want)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	ts := time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)
	email := testEmail("<msg-1@example.com>", "Question", ts)
	prompt := pipeline.BuildPrompt(email)

	for _, want := range []string{
		"From: alice@example.com",
		"Subject: Question",
		"Timestamp: " + ts.Format(time.RFC1123Z),
		"What are your office hours?",
		"Please write a thorough and articulate response to the email above.",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestDispatcherCycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	log := logger.New("error", false)
	base := time.Now().UTC().Truncate(time.Second)

	// Three emails from distinct senders, replies generated out of order.
	senders := []string{"carol@example.com", "alice@example.com", "bob@example.com"}
	generated := []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute}
	for i, sender := range senders {
		email := testEmail(fmt.Sprintf("<msg-%d@example.com>", i+1), "Question", base.Add(time.Duration(i)*time.Second))
		email.Sender = sender
		if _, err := store.InsertEmailIfAbsent(ctx, email); err != nil {
			t.Fatalf("seed email: %v", err)
		}
		reply := &database.Reply{
			OriginalEmailID: email.ID,
			Subject:         "Re: Question",
			Body:            "answer",
			GeneratedAt:     base.Add(generated[i]),
			ModelUsed:       "test-model",
		}
		if err := store.RecordReply(ctx, reply); err != nil {
			t.Fatalf("seed reply: %v", err)
		}
	}

	sender := &fakeSender{}
	dispatcher := pipeline.NewDispatcher(store, sender, "autoresponder@example.com", testPipelineConfig(), log)

	if err := dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	if len(sender.sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sender.sent))
	}
	wantOrder := []string{"alice@example.com", "bob@example.com", "carol@example.com"}
	for i, want := range wantOrder {
		if sender.sent[i].To != want {
			t.Errorf("send %d went to %q, want %q (oldest generated first)", i, sender.sent[i].To, want)
		}
	}

	unsent, err := store.UnsentReplies(ctx)
	if err != nil {
		t.Fatalf("UnsentReplies() error = %v", err)
	}
	if len(unsent) != 0 {
		t.Errorf("%d replies still unsent after successful cycle, want 0", len(unsent))
	}
}

func TestDispatcherCycle_FailedSendStaysUnsent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	emailA := testEmail("<msg-1@example.com>", "Question", base)
	emailA.Sender = "alice@example.com"
	emailB := testEmail("<msg-2@example.com>", "Question", base.Add(time.Second))
	emailB.Sender = "bob@example.com"
	for _, email := range []*database.Email{emailA, emailB} {
		if _, err := store.InsertEmailIfAbsent(ctx, email); err != nil {
			t.Fatalf("seed email: %v", err)
		}
		reply := &database.Reply{
			OriginalEmailID: email.ID,
			Subject:         "Re: Question",
			Body:            "answer",
			GeneratedAt:     base,
			ModelUsed:       "test-model",
		}
		if err := store.RecordReply(ctx, reply); err != nil {
			t.Fatalf("seed reply: %v", err)
		}
	}

	sender := &fakeSender{failFor: map[string]bool{"alice@example.com": true}}
	dispatcher := pipeline.NewDispatcher(store, sender, "autoresponder@example.com", testPipelineConfig(), logger.New("error", false))

	if err := dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() error = %v, want nil (item failures stay inside the cycle)", err)
	}

	if len(sender.sent) != 1 || sender.sent[0].To != "bob@example.com" {
		t.Fatalf("sent = %v, want only bob's reply delivered", sender.sent)
	}

	unsent, err := store.UnsentReplies(ctx)
	if err != nil {
		t.Fatalf("UnsentReplies() error = %v", err)
	}
	if len(unsent) != 1 || unsent[0].Sender != "alice@example.com" {
		t.Fatalf("unsent = %d replies, want exactly alice's pending retry", len(unsent))
	}
	if unsent[0].Attempts != 1 {
		t.Errorf("failed reply attempts = %d, want 1", unsent[0].Attempts)
	}
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	log := logger.New("error", false)
	base := time.Now().UTC().Truncate(time.Second)

	mbox := &fakeMailbox{emails: []*database.Email{
		testEmail("<msg-1@example.com>", "Question", base),
	}}
	completer := &fakeCompleter{}
	sender := &fakeSender{}

	cfg := testPipelineConfig()
	ingestor := pipeline.NewIngestor(mbox, store, log)
	processor := pipeline.NewProcessor(store, completer, cfg, "test-model", log)
	dispatcher := pipeline.NewDispatcher(store, sender, "autoresponder@example.com", cfg, log)

	runAll := func() {
		t.Helper()
		if err := ingestor.Cycle(ctx); err != nil {
			t.Fatalf("ingest cycle: %v", err)
		}
		if err := processor.Cycle(ctx); err != nil {
			t.Fatalf("process cycle: %v", err)
		}
		if err := dispatcher.Cycle(ctx); err != nil {
			t.Fatalf("dispatch cycle: %v", err)
		}
	}

	runAll()

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.To != "alice@example.com" {
		t.Errorf("To = %q, want original sender", msg.To)
	}
	if msg.From != "autoresponder@example.com" {
		t.Errorf("From = %q, want operator address", msg.From)
	}
	if msg.Subject != "Re: Question" {
		t.Errorf("Subject = %q, want %q", msg.Subject, "Re: Question")
	}
	if msg.InReplyTo != "<msg-1@example.com>" {
		t.Errorf("In-Reply-To = %q, want original message id", msg.InReplyTo)
	}
	if msg.References != "<msg-1@example.com>" {
		t.Errorf("References = %q, want original message id", msg.References)
	}
	if msg.Body != "Our office hours are 9 to 5." {
		t.Errorf("Body = %q, want generated completion", msg.Body)
	}

	// Re-running every stage over the same mailbox must not duplicate
	// anything: no new row, no new completion, no second send.
	completionsAfterFirstRun := completer.calls
	runAll()

	if len(sender.sent) != 1 {
		t.Errorf("sent %d messages after re-run, want still 1", len(sender.sent))
	}
	if completer.calls != completionsAfterFirstRun {
		t.Errorf("completion calls grew from %d to %d on re-run, want no new calls", completionsAfterFirstRun, completer.calls)
	}
}
