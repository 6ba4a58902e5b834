package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"telemetry-relay/internal/telemetry"
)

type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender mails alarms through an SMTP relay.
type EmailSender struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
}

func NewEmailSender(cfg SMTPConfig) *EmailSender {
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail}
}

func (s *EmailSender) Send(ctx context.Context, recipient string, alarm telemetry.AlarmEvent) error {
	const fn = "EmailSender:Send"
	if s.cfg.Addr == "" || s.cfg.From == "" {
		return fmt.Errorf("%s:%w", fn, ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrDelivery, err)
	}

	var a smtp.Auth
	if s.cfg.Username != "" {
		host, _, _ := strings.Cut(s.cfg.Addr, ":")
		a = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}
	if err := s.sendMail(s.cfg.Addr, a, s.cfg.From, []string{recipient}, s.message(recipient, alarm)); err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrDelivery, err)
	}
	return nil
}

func (s *EmailSender) message(recipient string, alarm telemetry.AlarmEvent) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", title(alarm))
	fmt.Fprintf(&b, "Date: %s\r\n", alarm.Timestamp.Format(time.RFC1123Z))
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(alarm.Message)
	b.WriteString("\r\n\r\n")
	for _, item := range alarm.Items {
		fmt.Fprintf(&b, "%s: %s %s\r\n", item.Name, item.RawValue, item.Unit)
	}
	return []byte(b.String())
}
