// Package mailbox implements the IMAP side of the pipeline: it maintains a
// session to the mail server, searches for unseen messages, and fetches and
// parses them into store records.
package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/internal/database"
)

// Client owns one IMAP session. It is used by a single polling loop and is
// not safe for concurrent use. A failed cycle drops the session so the next
// cycle re-establishes it from scratch.
type Client struct {
	cfg    config.IMAPConfig
	logger *slog.Logger
	conn   *client.Client
}

// NewClient creates a disconnected IMAP client. The session is established
// lazily on the first FetchUnseen call.
func NewClient(cfg config.IMAPConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "mailbox"),
	}
}

// FetchUnseen searches the selected folder for unseen messages, fetches
// each one in full, and parses it into an Email. Messages that cannot be
// parsed are skipped with a warning; because they are never inserted, the
// server keeps reporting them and ingestion stays idempotent.
//
// Fetching the full body lets the server flag the message as seen; the
// client never acknowledges messages separately.
func (c *Client) FetchUnseen(ctx context.Context) ([]*database.Email, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.ensureSession(); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	ids, err := c.conn.Search(criteria)
	if err != nil {
		c.drop()
		return nil, fmt.Errorf("failed to search unseen messages: %w", err)
	}
	if len(ids) == 0 {
		c.logger.Debug("No unseen messages")
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(ids...)

	// BODY[] (not BODY.PEEK[]) so the server sets \Seen on fetch.
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() {
		done <- c.conn.Fetch(seqSet, items, messages)
	}()

	var emails []*database.Email
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			c.logger.Warn("Fetched message has no body section", "seq", msg.SeqNum)
			continue
		}

		email, err := ParseMessage(body)
		if err != nil {
			c.logger.Warn("Skipping unparseable message", "seq", msg.SeqNum, "error", err)
			continue
		}
		emails = append(emails, email)
	}

	if err := <-done; err != nil {
		c.drop()
		return nil, fmt.Errorf("failed to fetch unseen messages: %w", err)
	}

	c.logger.Debug("Fetched unseen messages", "found", len(ids), "parsed", len(emails))
	return emails, nil
}

// Close logs out and releases the session, if any.
func (c *Client) Close() {
	c.drop()
}

// ensureSession dials, authenticates, and selects the configured folder if
// there is no live session yet.
func (c *Client) ensureSession() error {
	if c.conn != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := &net.Dialer{
		Timeout:   c.cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}

	var conn *client.Client
	var err error
	if c.cfg.TLS {
		tlsConfig := &tls.Config{ServerName: c.cfg.Host}
		conn, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	} else {
		conn, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	conn.Timeout = c.cfg.Timeout

	if err := conn.Login(c.cfg.Username, c.cfg.Password); err != nil {
		if logoutErr := conn.Logout(); logoutErr != nil {
			c.logger.Debug("Logout after failed login", "error", logoutErr)
		}
		return fmt.Errorf("failed to login as %s: %w", c.cfg.Username, err)
	}

	if _, err := conn.Select(c.cfg.Folder, false); err != nil {
		if logoutErr := conn.Logout(); logoutErr != nil {
			c.logger.Debug("Logout after failed select", "error", logoutErr)
		}
		return fmt.Errorf("failed to select folder %s: %w", c.cfg.Folder, err)
	}

	c.conn = conn
	c.logger.Info("IMAP session established", "server", addr, "folder", c.cfg.Folder)
	return nil
}

// drop discards the current session so the next cycle reconnects.
func (c *Client) drop() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Logout(); err != nil {
		c.logger.Debug("IMAP logout failed", "error", err)
	}
	c.conn = nil
}
