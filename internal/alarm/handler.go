package alarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"telemetry-relay/internal/db"
	"telemetry-relay/internal/telemetry"
)

var (
	ErrPayload = errors.New("invalid notification payload")
	ErrSend    = errors.New("notification send failed")
)

type channelSender interface {
	Send(ctx context.Context, channel, recipient string, alarm telemetry.AlarmEvent) error
}

type notificationLog interface {
	recentLookup
	InsertNotificationLog(ctx context.Context, entry db.NotificationLog) error
}

type reservationReleaser interface {
	Release(key db.DedupKey)
}

type HandlerConfig struct {
	Senders channelSender
	Log     notificationLog
	// Reservations is the scheduling pipeline. Optional.
	Reservations reservationReleaser
	DedupWindow time.Duration
	Now         func() time.Time
}

// Handler executes notification jobs. Each attempt writes one notification
// log row, sent or failed.
type Handler struct {
	senders      channelSender
	log          notificationLog
	reservations reservationReleaser
	dedupWindow  time.Duration
	now          func() time.Time
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		senders:      cfg.Senders,
		log:          cfg.Log,
		reservations: cfg.Reservations,
		dedupWindow:  cfg.DedupWindow,
		now:          cfg.Now,
	}
	if h.dedupWindow <= 0 {
		h.dedupWindow = DefaultDedupWindow
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Handle matches jobqueue.Handler. A failed send is returned so the queue
// retries it.
func (h *Handler) Handle(ctx context.Context, job db.Job) error {
	const fn = "Handler:Handle"
	var payload NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrPayload, err)
	}
	if payload.Channel == "" || payload.Recipient == "" {
		return fmt.Errorf("%s:%w: channel and recipient are required", fn, ErrPayload)
	}

	// A retry after a send that succeeded but whose completion was lost
	// must not deliver twice.
	sent, err := h.log.HasRecentNotification(ctx, payload.dedupKey(), h.now().Add(-h.dedupWindow))
	if err != nil {
		slog.ErrorContext(ctx, "Error checking notification log", "job_id", job.ID, "error", err)
	} else if sent {
		slog.InfoContext(ctx, "Notification already sent, skipping", "job_id", job.ID, "channel", payload.Channel)
		return nil
	}

	sendErr := h.senders.Send(ctx, payload.Channel, payload.Recipient, payload.Alarm)

	jobID := job.ID
	entry := db.NotificationLog{
		JobID:       &jobID,
		DeviceID:    payload.Alarm.DeviceID,
		SubDeviceID: payload.Alarm.SubDeviceID,
		Channel:     payload.Channel,
		Recipient:   payload.Recipient,
		Severity:    payload.Alarm.Severity,
		Message:     payload.Alarm.Message,
		Status:      db.NotificationSent,
		CreatedAt:   h.now(),
	}
	if sendErr != nil {
		entry.Status = db.NotificationFailed
		entry.Error = sendErr.Error()
	}
	if err := h.log.InsertNotificationLog(ctx, entry); err != nil {
		slog.ErrorContext(ctx, "Error writing notification log", "job_id", job.ID, "error", err)
	}

	if sendErr != nil {
		if lastAttempt(job) && h.reservations != nil {
			h.reservations.Release(payload.dedupKey())
		}
		return fmt.Errorf("%s:%w:%w", fn, ErrSend, sendErr)
	}
	slog.InfoContext(ctx, "Notification sent", "job_id", job.ID, "channel", payload.Channel, "attempt", job.Attempts+1)
	return nil
}

// lastAttempt reports whether a failure of this run fails the job for good.
func lastAttempt(job db.Job) bool {
	return job.MaxAttempts <= 0 || job.Attempts+1 >= job.MaxAttempts
}
