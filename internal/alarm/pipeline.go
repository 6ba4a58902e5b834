// Package alarm turns parsed telemetry into live room pushes and durable,
// deduplicated notification jobs.
//
// Every result is pushed to its room as a data event. Results with alarming
// items also push an alarm event, without any deduplication. Notification
// scheduling runs detached from the caller: recipients bound to the device
// are looked up and one job is enqueued per enabled channel, unless the same
// (device, sub-device, channel, recipient) was notified within the dedup
// window.
package alarm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"telemetry-relay/internal/db"
	"telemetry-relay/internal/jobqueue"
	"telemetry-relay/internal/notify"
	"telemetry-relay/internal/telemetry"
	"telemetry-relay/internal/wire"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultDedupWindow = 5 * time.Minute
	DefaultQueue       = "notifications"
	JobName            = "send_notification"
)

type pusher interface {
	Push(ctx context.Context, key telemetry.RoomKey, typ string, data any) int
}

type enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, payload any, opts jobqueue.EnqueueOptions) (db.Job, error)
}

type recipientLookup interface {
	RecipientsForDevice(ctx context.Context, deviceID int64) ([]db.Recipient, error)
}

type recentLookup interface {
	HasRecentNotification(ctx context.Context, key db.DedupKey, since time.Time) (bool, error)
}

// NotificationPayload is the body of one notification job.
type NotificationPayload struct {
	Alarm     telemetry.AlarmEvent `json:"alarm"`
	Channel   string               `json:"channel"`
	Recipient string               `json:"recipient"`
	UserID    int64                `json:"userId"`
}

func (p NotificationPayload) dedupKey() db.DedupKey {
	return db.DedupKey{
		DeviceID:    p.Alarm.DeviceID,
		SubDeviceID: p.Alarm.SubDeviceID,
		Channel:     p.Channel,
		Recipient:   p.Recipient,
	}
}

type Config struct {
	Router      pusher
	Queue       enqueuer
	Recipients  recipientLookup
	Log         recentLookup
	QueueName   string
	DedupWindow time.Duration
	// MaxAttempts per notification job. Zero uses the queue default.
	MaxAttempts int
	Now         func() time.Time
	Registry    prometheus.Registerer
}

type Pipeline struct {
	router      pusher
	queue       enqueuer
	recipients  recipientLookup
	log         recentLookup
	queueName   string
	dedupWindow time.Duration
	maxAttempts int
	now         func() time.Time
	metrics     *metrics
	dedup       *reservations
	pending     sync.WaitGroup
}

func New(cfg Config) *Pipeline {
	p := &Pipeline{
		router:      cfg.Router,
		queue:       cfg.Queue,
		recipients:  cfg.Recipients,
		log:         cfg.Log,
		queueName:   cfg.QueueName,
		dedupWindow: cfg.DedupWindow,
		maxAttempts: cfg.MaxAttempts,
		now:         cfg.Now,
		metrics:     newMetrics(cfg.Registry),
	}
	if p.queueName == "" {
		p.queueName = DefaultQueue
	}
	if p.dedupWindow <= 0 {
		p.dedupWindow = DefaultDedupWindow
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.dedup = newReservations(p.dedupWindow)
	return p
}

// OnTelemetryResult pushes the result to its room and, when items are
// alarming, pushes the alarm and schedules notifications in the background.
func (p *Pipeline) OnTelemetryResult(ctx context.Context, result telemetry.Result) {
	key := telemetry.KeyOf(result)
	p.router.Push(ctx, key, wire.TypeData, result)
	p.metrics.result()

	alarming := result.AlarmingItems()
	if len(alarming) == 0 {
		return
	}
	event := telemetry.NewDataAlarm(result, alarming)
	p.router.Push(ctx, key, wire.TypeAlarm, event)
	p.metrics.alarm()

	detached := context.WithoutCancel(ctx)
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		p.Schedule(detached, event)
	}()
}

// Release drops the in-process reservation for key so the next matching
// alarm is scheduled again. The handler calls it once a job has failed for
// good.
func (p *Pipeline) Release(key db.DedupKey) {
	p.dedup.release(key)
}

// Wait blocks until every scheduled notification pass has finished.
func (p *Pipeline) Wait() {
	p.pending.Wait()
}

// Schedule enqueues one notification job per enabled channel of every
// recipient bound to the alarm's device and returns how many it enqueued.
// Failures are logged, never returned.
func (p *Pipeline) Schedule(ctx context.Context, event telemetry.AlarmEvent) int {
	recipients, err := p.recipients.RecipientsForDevice(ctx, event.DeviceID)
	if err != nil {
		slog.ErrorContext(ctx, "Error looking up recipients", "device_id", event.DeviceID, "error", err)
		return 0
	}

	now := p.now()
	enqueued := 0
	for _, r := range recipients {
		for _, payload := range payloadsFor(r, event) {
			if p.enqueue(ctx, payload, now) {
				enqueued++
			}
		}
	}
	return enqueued
}

func (p *Pipeline) enqueue(ctx context.Context, payload NotificationPayload, now time.Time) bool {
	key := payload.dedupKey()
	if !p.dedup.reserve(key, now) {
		p.metrics.suppressed(payload.Channel)
		return false
	}

	recent, err := p.log.HasRecentNotification(ctx, key, now.Add(-p.dedupWindow))
	if err != nil {
		p.dedup.release(key)
		slog.ErrorContext(ctx, "Error checking notification log", "channel", payload.Channel, "error", err)
		return false
	}
	if recent {
		p.metrics.suppressed(payload.Channel)
		return false
	}

	job, err := p.queue.Enqueue(ctx, p.queueName, JobName, payload, jobqueue.EnqueueOptions{MaxAttempts: p.maxAttempts})
	if err != nil {
		p.dedup.release(key)
		slog.ErrorContext(ctx, "Error enqueueing notification", "channel", payload.Channel, "error", err)
		return false
	}
	p.metrics.enqueued(payload.Channel)
	slog.InfoContext(ctx, "Notification enqueued",
		"job_id", job.ID,
		"channel", payload.Channel,
		"device_id", payload.Alarm.DeviceID,
		"sub_device_id", payload.Alarm.SubDeviceID,
	)
	return true
}

// payloadsFor lists the notifications a recipient wants, one per enabled
// channel that has an address.
func payloadsFor(r db.Recipient, event telemetry.AlarmEvent) []NotificationPayload {
	channels := []struct {
		enabled bool
		name    string
		address string
	}{
		{r.IMEnabled, notify.ChannelIM, r.IMID},
		{r.SMSEnabled, notify.ChannelSMS, r.Phone},
		{r.EmailEnabled, notify.ChannelEmail, r.Email},
	}
	var out []NotificationPayload
	for _, c := range channels {
		if !c.enabled || c.address == "" {
			continue
		}
		out = append(out, NotificationPayload{Alarm: event, Channel: c.name, Recipient: c.address, UserID: r.UserID})
	}
	return out
}
