// Package notify delivers alarm notifications over one channel each: an IM
// push webhook, an SMS gateway webhook and SMTP email.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"telemetry-relay/internal/telemetry"
)

const (
	ChannelIM    = "im"
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

var (
	ErrNotConfigured = errors.New("channel not configured")
	ErrDelivery      = errors.New("delivery failed")
)

const defaultTimeout = 10 * time.Second

// Sender delivers one alarm to one recipient address on its channel.
type Sender interface {
	Send(ctx context.Context, recipient string, alarm telemetry.AlarmEvent) error
}

// Senders maps a channel name to its sender.
type Senders map[string]Sender

func (s Senders) Send(ctx context.Context, channel, recipient string, alarm telemetry.AlarmEvent) error {
	const fn = "Senders:Send"
	sender, ok := s[channel]
	if !ok || sender == nil {
		return fmt.Errorf("%s:%w: %s", fn, ErrNotConfigured, channel)
	}
	return sender.Send(ctx, recipient, alarm)
}

func title(alarm telemetry.AlarmEvent) string {
	return fmt.Sprintf("[%s] device %d/%d", alarm.Severity, alarm.DeviceID, alarm.SubDeviceID)
}

type webhook struct {
	url    string
	client *http.Client
}

func newWebhook(url string, client *http.Client) webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return webhook{url: url, client: client}
}

func (w webhook) post(ctx context.Context, fn string, body any) error {
	if w.url == "" {
		return fmt.Errorf("%s:%w", fn, ErrNotConfigured)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrDelivery, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrDelivery, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s:%w: status %d: %s", fn, ErrDelivery, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

type IMMessage struct {
	To       string           `json:"to"`
	Title    string           `json:"title"`
	Body     string           `json:"body"`
	Severity string           `json:"severity"`
	Items    []telemetry.Item `json:"items"`
}

// IMSender posts a push message to an IM webhook.
type IMSender struct {
	hook webhook
}

func NewIMSender(url string, client *http.Client) *IMSender {
	return &IMSender{hook: newWebhook(url, client)}
}

func (s *IMSender) Send(ctx context.Context, recipient string, alarm telemetry.AlarmEvent) error {
	return s.hook.post(ctx, "IMSender:Send", IMMessage{
		To:       recipient,
		Title:    title(alarm),
		Body:     alarm.Message,
		Severity: alarm.Severity,
		Items:    alarm.Items,
	})
}

type SMSMessage struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

// SMSSender posts a short text to an SMS gateway webhook.
type SMSSender struct {
	hook webhook
}

func NewSMSSender(url string, client *http.Client) *SMSSender {
	return &SMSSender{hook: newWebhook(url, client)}
}

func (s *SMSSender) Send(ctx context.Context, recipient string, alarm telemetry.AlarmEvent) error {
	return s.hook.post(ctx, "SMSSender:Send", SMSMessage{
		Phone: recipient,
		Text:  title(alarm) + " " + alarm.Message,
	})
}
