package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
)

const DefaultSMTPPort = 465

var _ core.Notifier = (*SMTPNotifier)(nil)

// SMTPNotifier mails notifications over implicit TLS with PLAIN auth.
type SMTPNotifier struct {
	Server    string
	Port      int
	Sender    string
	Password  string
	Recipient string
	Timeout   time.Duration
	// TLSConfig overrides the client TLS settings.
	TLSConfig *tls.Config
}

func NewSMTPNotifier(server string, port int, sender, password, recipient string) *SMTPNotifier {
	if port == 0 {
		port = DefaultSMTPPort
	}
	return &SMTPNotifier{
		Server:    server,
		Port:      port,
		Sender:    sender,
		Password:  password,
		Recipient: recipient,
		Timeout:   30 * time.Second,
	}
}

func (n *SMTPNotifier) Notify(ctx context.Context, subject, body string) error {
	addr := net.JoinHostPort(n.Server, strconv.Itoa(n.Port))
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: n.Timeout},
		Config:    n.tlsConfig(),
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if n.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(n.Timeout))
	}

	c, err := smtp.NewClient(conn, n.Server)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start smtp session: %w", err)
	}
	defer c.Close()

	if n.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", n.Sender, n.Password, n.Server)); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}
	if err := c.Mail(n.Sender); err != nil {
		return fmt.Errorf("smtp MAIL FROM failed: %w", err)
	}
	if err := c.Rcpt(n.Recipient); err != nil {
		return fmt.Errorf("smtp RCPT TO failed: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(BuildMessage(n.Sender, n.Recipient, subject, body, time.Now())); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return c.Quit()
}

func (n *SMTPNotifier) tlsConfig() *tls.Config {
	if n.TLSConfig != nil {
		return n.TLSConfig
	}
	return &tls.Config{ServerName: n.Server, MinVersion: tls.VersionTLS12}
}

// BuildMessage renders a plain text mail with CRLF line endings.
func BuildMessage(from, to, subject, body string, date time.Time) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeHeader(subject)))
	fmt.Fprintf(&buf, "Date: %s\r\n", date.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	body = strings.ReplaceAll(body, "\r\n", "\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
