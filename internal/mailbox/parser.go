package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/mailpilot/mailpilot/internal/database"
)

// ParseMessage reads one raw RFC 822 message and normalizes it into an
// Email record. The body is a best-effort plain-text extract: the text part
// of a multipart message, or a down-converted rendering when only HTML is
// present. An empty body is acceptable.
//
// A message without a Message-Id or From header is malformed and rejected;
// a missing or unparseable Date falls back to the current time.
func ParseMessage(r io.Reader) (*database.Email, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	messageID := strings.Trim(env.GetHeader("Message-Id"), "<> ")
	if messageID == "" {
		return nil, errors.New("message has no Message-Id header")
	}

	sender := env.GetHeader("From")
	if sender == "" {
		return nil, errors.New("message has no From header")
	}

	timestamp := time.Now().UTC()
	if date := env.GetHeader("Date"); date != "" {
		if parsed, err := mail.ParseDate(date); err == nil {
			timestamp = parsed.UTC()
		}
	}

	return &database.Email{
		MessageID: messageID,
		Sender:    sender,
		Recipient: env.GetHeader("To"),
		Subject:   env.GetHeader("Subject"),
		Body:      env.Text,
		Timestamp: timestamp,
		RawEmail:  string(raw),
	}, nil
}
