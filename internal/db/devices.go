package db

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/pgxscan"
)

// IsUserBoundToDevice backs room-join authorization.
func (db *DB) IsUserBoundToDevice(ctx context.Context, userID, deviceID int64) (bool, error) {
	const fn = "DB:IsUserBoundToDevice"
	var bound bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_devices WHERE user_id = $1 AND device_id = $2
		)
	`, userID, deviceID).Scan(&bound)
	if err != nil {
		return false, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return bound, nil
}

// RecipientsForDevice returns the notification settings of every user
// bound to the device. Users without a recipients row are skipped.
func (db *DB) RecipientsForDevice(ctx context.Context, deviceID int64) ([]Recipient, error) {
	const fn = "DB:RecipientsForDevice"
	var recipients []Recipient
	err := pgxscan.Select(ctx, db.pool, &recipients, `
		SELECT
			r.user_id,
			r.im_id,
			r.phone,
			r.email,
			r.im_enabled,
			r.sms_enabled,
			r.email_enabled
		FROM user_devices ud
		JOIN recipients r ON r.user_id = ud.user_id
		WHERE ud.device_id = $1
		ORDER BY r.user_id ASC
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return recipients, nil
}

func (db *DB) MarkDevicesOnline(ctx context.Context, agentName string, deviceIDs []int64, seenAt time.Time) error {
	const fn = "DB:MarkDevicesOnline"
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrTransactionStartFailed, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		} else {
			tx.Commit(ctx)
		}
	}()

	for _, id := range deviceIDs {
		_, err = tx.Exec(ctx, `
			INSERT INTO devices (id, agent_name, online, last_seen)
			VALUES ($1, $2, TRUE, $3)
			ON CONFLICT (id) DO UPDATE
			SET agent_name = EXCLUDED.agent_name, online = TRUE, last_seen = EXCLUDED.last_seen
		`, id, agentName, seenAt)
		if err != nil {
			return fmt.Errorf("%s:%w:%w", fn, ErrUpdateFailed, err)
		}
	}
	return nil
}

// MarkDevicesOffline only flips devices still attributed to agentName, so a
// late disconnect from an evicted agent cannot mark its successor offline.
func (db *DB) MarkDevicesOffline(ctx context.Context, agentName string, deviceIDs []int64, seenAt time.Time) error {
	const fn = "DB:MarkDevicesOffline"
	_, err := db.pool.Exec(ctx, `
		UPDATE devices
		SET online = FALSE, last_seen = $3
		WHERE id = ANY($1)
		AND agent_name = $2
	`, deviceIDs, agentName, seenAt)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrUpdateFailed, err)
	}
	return nil
}

type DeviceState struct {
	ID        int64      `db:"id" json:"id"`
	AgentName *string    `db:"agent_name" json:"agent_name,omitempty"`
	Online    bool       `db:"online" json:"online"`
	LastSeen  *time.Time `db:"last_seen" json:"last_seen,omitempty"`
}

func (db *DB) GetDeviceState(ctx context.Context, deviceID int64) (DeviceState, error) {
	const fn = "DB:GetDeviceState"
	var state DeviceState
	err := pgxscan.Get(ctx, db.pool, &state, `
		SELECT id, agent_name, online, last_seen FROM devices WHERE id = $1
	`, deviceID)
	if err != nil {
		return DeviceState{}, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return state, nil
}
