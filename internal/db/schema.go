package db

import (
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type Job struct {
	ID          int64      `db:"id" json:"id"`
	Queue       string     `db:"queue" json:"queue"`
	Name        string     `db:"name" json:"name"`
	Payload     []byte     `db:"payload" json:"payload"`
	Status      JobStatus  `db:"status" json:"status"`
	Attempts    int        `db:"attempts" json:"attempts"`
	MaxAttempts int        `db:"max_attempts" json:"max_attempts"`
	Priority    int        `db:"priority" json:"priority"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Error       string     `db:"error" json:"error,omitempty"`
}

type NotificationStatus string

const (
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

type NotificationLog struct {
	ID          int64              `db:"id" json:"id"`
	JobID       *int64             `db:"job_id" json:"job_id,omitempty"`
	DeviceID    int64              `db:"device_id" json:"device_id"`
	SubDeviceID int64              `db:"sub_device_id" json:"sub_device_id"`
	Channel     string             `db:"channel" json:"channel"`
	Recipient   string             `db:"recipient" json:"recipient"`
	Severity    string             `db:"severity" json:"severity"`
	Message     string             `db:"message" json:"message"`
	Status      NotificationStatus `db:"status" json:"status"`
	Error       string             `db:"error" json:"error,omitempty"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
}

// DedupKey identifies one notification stream for burst suppression.
type DedupKey struct {
	DeviceID    int64
	SubDeviceID int64
	Channel     string
	Recipient   string
}

type Recipient struct {
	UserID       int64  `db:"user_id" json:"user_id"`
	IMID         string `db:"im_id" json:"im_id"`
	Phone        string `db:"phone" json:"phone"`
	Email        string `db:"email" json:"email"`
	IMEnabled    bool   `db:"im_enabled" json:"im_enabled"`
	SMSEnabled   bool   `db:"sms_enabled" json:"sms_enabled"`
	EmailEnabled bool   `db:"email_enabled" json:"email_enabled"`
}
