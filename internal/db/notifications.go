package db

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/pgxscan"
)

func (db *DB) InsertNotificationLog(ctx context.Context, entry NotificationLog) error {
	const fn = "DB:InsertNotificationLog"
	_, err := db.pool.Exec(ctx, `
		INSERT INTO notification_logs (
			job_id,
			device_id,
			sub_device_id,
			channel,
			recipient,
			severity,
			message,
			status,
			error,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.JobID, entry.DeviceID, entry.SubDeviceID, entry.Channel, entry.Recipient,
		entry.Severity, entry.Message, string(entry.Status), entry.Error, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrInsertFailed, err)
	}
	return nil
}

// HasRecentNotification reports whether a successful delivery for key was
// logged at or after since.
func (db *DB) HasRecentNotification(ctx context.Context, key DedupKey, since time.Time) (bool, error) {
	const fn = "DB:HasRecentNotification"
	var exists bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM notification_logs
			WHERE device_id = $1
			AND sub_device_id = $2
			AND channel = $3
			AND recipient = $4
			AND status = 'sent'
			AND created_at >= $5
		)
	`, key.DeviceID, key.SubDeviceID, key.Channel, key.Recipient, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return exists, nil
}

func (db *DB) ListNotificationLogs(ctx context.Context, deviceID, subDeviceID int64) ([]NotificationLog, error) {
	const fn = "DB:ListNotificationLogs"
	var logs []NotificationLog
	err := pgxscan.Select(ctx, db.pool, &logs, `
		SELECT
			id,
			job_id,
			device_id,
			sub_device_id,
			channel,
			recipient,
			severity,
			message,
			status,
			error,
			created_at
		FROM notification_logs
		WHERE device_id = $1
		AND sub_device_id = $2
		ORDER BY created_at ASC, id ASC
	`, deviceID, subDeviceID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return logs, nil
}
