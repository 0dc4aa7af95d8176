package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jstelzer/nevermail/internal/config"
)

// Outgoing is a message to be submitted over SMTP.
type Outgoing struct {
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	Body      string
	ReplyTo   string
	InReplyTo string
}

// SMTPSender submits messages for one account. Port 465 uses implicit TLS,
// anything else STARTTLS.
type SMTPSender struct {
	cfg      *config.AccountConfig
	password string
	logger   *logrus.Logger
}

// NewSMTPSender creates a sender; connections are made per Send call.
func NewSMTPSender(cfg *config.AccountConfig, password string, logger *logrus.Logger) *SMTPSender {
	return &SMTPSender{cfg: cfg, password: password, logger: logger}
}

// Send submits one message.
func (s *SMTPSender) Send(ctx context.Context, msg *Outgoing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("no recipients")
	}

	raw := s.buildMessage(msg)
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	tlsCfg := &tls.Config{ServerName: s.cfg.SMTPHost, MinVersion: tls.VersionTLS12}

	var cl *smtp.Client
	if s.cfg.SMTPPort == 465 {
		conn, err := tls.Dial("tcp", addr, tlsCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		cl, err = smtp.NewClient(conn, s.cfg.SMTPHost)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to create SMTP client: %w", err)
		}
	} else {
		var err error
		cl, err = smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		if err := cl.StartTLS(tlsCfg); err != nil {
			cl.Close()
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	defer cl.Close()

	if err := s.submit(cl, msg, raw); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"account":    s.cfg.Name,
		"recipients": len(msg.To) + len(msg.Cc) + len(msg.Bcc),
	}).Info("Message sent")
	return cl.Quit()
}

func (s *SMTPSender) submit(cl *smtp.Client, msg *Outgoing, raw []byte) error {
	if s.password != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.password, s.cfg.SMTPHost)
		if err := cl.Auth(auth); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := cl.Mail(s.cfg.Username); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}

	recipients := append(append(append([]string(nil), msg.To...), msg.Cc...), msg.Bcc...)
	for _, to := range recipients {
		if err := cl.Rcpt(to); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := cl.Data()
	if err != nil {
		return fmt.Errorf("failed to send data command: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return nil
}

func (s *SMTPSender) buildMessage(msg *Outgoing) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", s.cfg.Username)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	if msg.ReplyTo != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	if msg.InReplyTo != "" {
		fmt.Fprintf(&buf, "In-Reply-To: %s\r\n", msg.InReplyTo)
	}
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(msg.Body)

	return buf.Bytes()
}
