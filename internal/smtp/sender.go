// Package smtp implements the outbound mail transport used by the
// dispatcher to send generated replies.
package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailpilot/mailpilot/internal/config"
)

// Message is one outbound plain-text reply. InReplyTo and References carry
// the original message id so mail clients thread the reply with the
// original conversation.
type Message struct {
	From       string
	To         string
	Subject    string
	InReplyTo  string
	References string
	Body       string
}

// Client sends messages through an authenticated SMTP transport with
// STARTTLS. A fresh connection is used per message; replies are few and a
// held-open transport would be the only session shared across cycles.
type Client struct {
	cfg    config.SMTPConfig
	logger *slog.Logger
}

// NewClient creates an SMTP client from config.
func NewClient(cfg config.SMTPConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "smtp"),
	}
}

// Send delivers msg and returns nil only once the server has accepted the
// message data. Any earlier failure leaves the message unsent.
func (c *Client) Send(ctx context.Context, msg *Message) error {
	toAddr, err := mail.ParseAddress(msg.To)
	if err != nil {
		return fmt.Errorf("invalid recipient address %q: %w", msg.To, err)
	}
	fromAddr, err := mail.ParseAddress(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender address %q: %w", msg.From, err)
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if err := conn.SetDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set transport deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	domain := domainOf(fromAddr.Address)
	if err := client.Hello(domain); err != nil {
		return fmt.Errorf("hello failed: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: c.cfg.Host}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls failed: %w", err)
		}
	}

	if ok, _ := client.Extension("AUTH"); ok {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth failed: %w", err)
		}
	}

	if err := client.Mail(fromAddr.Address); err != nil {
		return fmt.Errorf("mail from failed: %w", err)
	}
	if err := client.Rcpt(toAddr.Address); err != nil {
		return fmt.Errorf("rcpt to failed: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("data failed: %w", err)
	}
	if _, err := writer.Write(buildMessage(msg, domain)); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("message not accepted: %w", err)
	}

	// The message is accepted at this point; a failed QUIT does not unsend it.
	if err := client.Quit(); err != nil {
		c.logger.Debug("SMTP quit failed after accepted message", "error", err)
	}

	c.logger.Debug("Message sent", "to", toAddr.Address, "subject", msg.Subject)
	return nil
}

// buildMessage renders the full wire representation: headers, blank line,
// body, with CRLF line endings.
func buildMessage(msg *Message, domain string) []byte {
	var b strings.Builder

	writeHeader := func(name, value string) {
		if value != "" {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\r\n")
		}
	}

	writeHeader("Date", time.Now().Format(time.RFC1123Z))
	writeHeader("From", msg.From)
	writeHeader("To", msg.To)
	writeHeader("Subject", msg.Subject)
	writeHeader("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain))
	writeHeader("In-Reply-To", angleBracket(msg.InReplyTo))
	writeHeader("References", angleBracket(msg.References))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/plain; charset="utf-8"`)
	b.WriteString("\r\n")

	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")

	return []byte(b.String())
}

// angleBracket wraps a message id in <> unless it already is.
func angleBracket(id string) string {
	if id == "" {
		return ""
	}
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

func domainOf(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 {
		return address[at+1:]
	}
	return "localhost"
}
