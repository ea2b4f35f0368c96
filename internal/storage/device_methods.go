package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

const deviceColumns = `
    dev_eui, created_at, updated_at, tenant_id, join_eui, dev_addr,
    secondary_dev_addr, name, description, application_id, device_profile_id,
    is_disabled, skip_fcnt_check, enabled_class, last_seen_at,
    scheduler_run_after, battery_level, battery_level_updated_at, margin,
    session, variables, tags`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	device := &models.Device{}
	var joinEUI, devAddr, secondaryDevAddr, session []byte

	err := row.Scan(
		&device.DevEUI, &device.CreatedAt, &device.UpdatedAt, &device.TenantID,
		&joinEUI, &devAddr, &secondaryDevAddr, &device.Name,
		&device.Description, &device.ApplicationID, &device.DeviceProfileID,
		&device.IsDisabled, &device.SkipFCntCheck, &device.EnabledClass,
		&device.LastSeenAt, &device.SchedulerRunAfter, &device.BatteryLevel,
		&device.BatteryLevelUpdatedAt, &device.Margin,
		&session, &device.Variables, &device.Tags,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if joinEUI != nil {
		device.JoinEUI = &lorawan.EUI64{}
		copy((*device.JoinEUI)[:], joinEUI)
	}
	if devAddr != nil {
		device.DevAddr = &lorawan.DevAddr{}
		copy((*device.DevAddr)[:], devAddr)
	}
	if secondaryDevAddr != nil {
		device.SecondaryDevAddr = &lorawan.DevAddr{}
		copy((*device.SecondaryDevAddr)[:], secondaryDevAddr)
	}
	if session != nil {
		device.Session = &models.DeviceSession{}
		if err := json.Unmarshal(session, device.Session); err != nil {
			return nil, err
		}
	}

	return device, nil
}

func marshalSession(session *models.DeviceSession) ([]byte, error) {
	if session == nil {
		return nil, nil
	}
	return json.Marshal(session)
}

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	var joinEUI, devAddr, secondaryDevAddr []byte
	if device.JoinEUI != nil {
		joinEUI = (*device.JoinEUI)[:]
	}
	if device.DevAddr != nil {
		devAddr = (*device.DevAddr)[:]
	}
	if device.SecondaryDevAddr != nil {
		secondaryDevAddr = (*device.SecondaryDevAddr)[:]
	}
	session, err := marshalSession(device.Session)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO devices (
            dev_eui, created_at, updated_at, tenant_id, join_eui, dev_addr,
            secondary_dev_addr, name, description, application_id,
            device_profile_id, is_disabled, skip_fcnt_check, enabled_class,
            session, variables, tags
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
        )`

	_, err = s.getDB().ExecContext(ctx, query,
		device.DevEUI[:], device.CreatedAt, device.UpdatedAt, device.TenantID,
		joinEUI, devAddr, secondaryDevAddr, device.Name, device.Description,
		device.ApplicationID, device.DeviceProfileID, device.IsDisabled,
		device.SkipFCntCheck, device.EnabledClass, session,
		device.Variables, device.Tags,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDevice gets a device by DevEUI
func (s *PostgresStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error) {
	query := `SELECT` + deviceColumns + ` FROM devices WHERE dev_eui = $1`
	return scanDevice(s.getDB().QueryRowContext(ctx, query, devEUI[:]))
}

// GetDevicesForDevAddr gets the devices whose current or pending-rejoin
// session uses the given DevAddr.
func (s *PostgresStore) GetDevicesForDevAddr(ctx context.Context, devAddr lorawan.DevAddr) ([]*models.Device, error) {
	query := `SELECT` + deviceColumns + `
        FROM devices
        WHERE dev_addr = $1 OR secondary_dev_addr = $1`

	rows, err := s.getDB().QueryContext(ctx, query, devAddr[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// UpdateDevice updates a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()

	var joinEUI, devAddr, secondaryDevAddr []byte
	if device.JoinEUI != nil {
		joinEUI = (*device.JoinEUI)[:]
	}
	if device.DevAddr != nil {
		devAddr = (*device.DevAddr)[:]
	}
	if device.SecondaryDevAddr != nil {
		secondaryDevAddr = (*device.SecondaryDevAddr)[:]
	}
	session, err := marshalSession(device.Session)
	if err != nil {
		return err
	}

	query := `
        UPDATE devices SET
            updated_at = $2, join_eui = $3, dev_addr = $4,
            secondary_dev_addr = $5, name = $6, description = $7,
            device_profile_id = $8, is_disabled = $9, skip_fcnt_check = $10,
            enabled_class = $11, last_seen_at = $12, scheduler_run_after = $13,
            session = $14, variables = $15, tags = $16
        WHERE dev_eui = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		device.DevEUI[:], device.UpdatedAt, joinEUI, devAddr,
		secondaryDevAddr, device.Name, device.Description,
		device.DeviceProfileID, device.IsDisabled, device.SkipFCntCheck,
		device.EnabledClass, device.LastSeenAt, device.SchedulerRunAfter,
		session, device.Variables, device.Tags,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateDeviceSession writes only the session blob of a device.
func (s *PostgresStore) UpdateDeviceSession(ctx context.Context, devEUI lorawan.EUI64, session *models.DeviceSession) error {
	blob, err := marshalSession(session)
	if err != nil {
		return err
	}

	var devAddr []byte
	if session != nil {
		devAddr = session.DevAddr[:]
	}

	result, err := s.getDB().ExecContext(ctx, `
        UPDATE devices SET updated_at = $2, session = $3, dev_addr = $4
        WHERE dev_eui = $1`,
		devEUI[:], time.Now(), blob, devAddr,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateDeviceSeen updates the last-seen timestamp of a device.
func (s *PostgresStore) UpdateDeviceSeen(ctx context.Context, devEUI lorawan.EUI64, seenAt time.Time) error {
	_, err := s.getDB().ExecContext(ctx,
		`UPDATE devices SET last_seen_at = $2 WHERE dev_eui = $1`,
		devEUI[:], seenAt,
	)
	return err
}

// UpdateDeviceStatus stores the margin and battery level reported by a
// DevStatusAns.
func (s *PostgresStore) UpdateDeviceStatus(ctx context.Context, devEUI lorawan.EUI64, margin int, batteryLevel *float64) error {
	_, err := s.getDB().ExecContext(ctx, `
        UPDATE devices SET
            margin = $2, battery_level = $3, battery_level_updated_at = $4
        WHERE dev_eui = $1`,
		devEUI[:], margin, batteryLevel, time.Now(),
	)
	return err
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM devices WHERE dev_eui = $1", devEUI[:])
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDevices lists devices
func (s *PostgresStore) ListDevices(ctx context.Context, applicationID uuid.UUID, limit, offset int) ([]*models.Device, int64, error) {
	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices WHERE application_id = $1", applicationID,
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT` + deviceColumns + `
        FROM devices
        WHERE application_id = $1
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3`

	rows, err := s.getDB().QueryContext(ctx, query, applicationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, device)
	}

	return devices, count, rows.Err()
}

// GetDeviceForPHYPayload resolves the device and session an uplink data
// frame belongs to. It locks the candidate device rows, validates the
// frame MIC against each candidate session and, when the frame advances
// the counter, persists the incremented counter together with the
// scheduler lease in the same transaction. Losing a concurrent race for
// the same frame surfaces as ErrInvalidMIC.
func (s *PostgresStore) GetDeviceForPHYPayload(ctx context.Context, regionConfigID string, phy *lorawan.PHYPayload, txDR, txCh int, classALock time.Duration) (*ValidationStatus, error) {
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return nil, ErrInvalidData
	}

	store := s
	ownTx := s.tx == nil
	if ownTx {
		txStore, err := s.BeginTx(ctx)
		if err != nil {
			return nil, err
		}
		store = txStore.(*PostgresStore)
		defer store.Rollback()
	}

	query := `SELECT` + deviceColumns + `
        FROM devices
        WHERE dev_addr = $1 OR secondary_dev_addr = $1
        ORDER BY dev_eui
        FOR UPDATE`

	rows, err := store.getDB().QueryContext(ctx, query, macPL.FHDR.DevAddr[:])
	if err != nil {
		return nil, err
	}

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	status, err := ResolveDeviceSession(devices, regionConfigID, phy, txDR, txCh)
	if err != nil {
		return nil, err
	}

	if status.Kind == ValidationOK {
		status.Session.FCntUp = status.FullFCntUp + 1

		blob, err := marshalSession(status.Device.Session)
		if err != nil {
			return nil, err
		}

		// The lease only moves forward so an earlier Class-B/C claim is
		// not shortened.
		_, err = store.getDB().ExecContext(ctx, `
            UPDATE devices SET
                session = $2,
                scheduler_run_after = GREATEST(COALESCE(scheduler_run_after, to_timestamp(0)), $3)
            WHERE dev_eui = $1`,
			status.Device.DevEUI[:], blob, time.Now().Add(classALock),
		)
		if err != nil {
			return nil, err
		}
	}

	if ownTx {
		if err := store.Commit(); err != nil {
			return nil, err
		}
	}

	return status, nil
}

// Only devices with something to send are claimed; pending items wait
// for their confirmation or timeout and do not count.
const claimClassBCDevicesQuery = `
        UPDATE devices SET scheduler_run_after = $1
        FROM (
            SELECT dev_eui AS due_eui
            FROM devices
            WHERE is_disabled = false
              AND session IS NOT NULL
              AND enabled_class IN ('B', 'C')
              AND (scheduler_run_after IS NULL OR scheduler_run_after <= $2)
              AND EXISTS (
                  SELECT 1 FROM device_queue dq
                  WHERE dq.dev_eui = devices.dev_eui AND dq.is_pending = false
              )
            ORDER BY due_eui
            LIMIT $3
            FOR UPDATE SKIP LOCKED
        ) due
        WHERE devices.dev_eui = due.due_eui
        RETURNING` + deviceColumns

// ClaimClassBCDevices claims a batch of Class-B/C devices due for a
// scheduler pass. Rows locked by a concurrent scheduler instance are
// skipped; the claimed rows get their lease pushed two intervals out so
// a crashed instance releases them eventually.
func (s *PostgresStore) ClaimClassBCDevices(ctx context.Context, schedulerInterval time.Duration, limit int) ([]*models.Device, error) {
	now := time.Now()
	lease := now.Add(2 * schedulerInterval)

	rows, err := s.getDB().QueryContext(ctx, claimClassBCDevicesQuery, lease, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// ========== Device Keys Methods ==========

// SetDeviceKeys sets device keys
func (s *PostgresStore) SetDeviceKeys(ctx context.Context, keys *models.DeviceKeys) error {
	now := time.Now()
	if keys.CreatedAt.IsZero() {
		keys.CreatedAt = now
	}
	keys.UpdatedAt = now

	nonces := make(pq.Int32Array, len(keys.DevNonces))
	for i, n := range keys.DevNonces {
		nonces[i] = int32(n)
	}

	query := `
        INSERT INTO device_keys (
            dev_eui, nwk_key, app_key, gen_app_key, dev_nonces, join_nonce,
            created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (dev_eui) DO UPDATE SET
            nwk_key = EXCLUDED.nwk_key,
            app_key = EXCLUDED.app_key,
            gen_app_key = EXCLUDED.gen_app_key,
            dev_nonces = EXCLUDED.dev_nonces,
            join_nonce = EXCLUDED.join_nonce,
            updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		keys.DevEUI[:], keys.NwkKey, keys.AppKey, keys.GenAppKey,
		nonces, keys.JoinNonce, keys.CreatedAt, keys.UpdatedAt,
	)
	return err
}

// GetDeviceKeys gets device keys
func (s *PostgresStore) GetDeviceKeys(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceKeys, error) {
	query := `
        SELECT dev_eui, nwk_key, app_key, gen_app_key, dev_nonces,
               join_nonce, created_at, updated_at
        FROM device_keys
        WHERE dev_eui = $1`

	keys := &models.DeviceKeys{}
	var genAppKey []byte
	var nonces pq.Int32Array

	err := s.getDB().QueryRowContext(ctx, query, devEUI[:]).Scan(
		&keys.DevEUI, &keys.NwkKey, &keys.AppKey, &genAppKey,
		&nonces, &keys.JoinNonce, &keys.CreatedAt, &keys.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if genAppKey != nil {
		keys.GenAppKey = &lorawan.AES128Key{}
		copy((*keys.GenAppKey)[:], genAppKey)
	}
	keys.DevNonces = make([]lorawan.DevNonce, len(nonces))
	for i, n := range nonces {
		keys.DevNonces[i] = lorawan.DevNonce(n)
	}

	return keys, nil
}

// DeleteDeviceKeys deletes device keys
func (s *PostgresStore) DeleteDeviceKeys(ctx context.Context, devEUI lorawan.EUI64) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM device_keys WHERE dev_eui = $1", devEUI[:])
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ValidateAndStoreDevNonce appends a join DevNonce to the device's used
// set, atomically. A nonce already in the set is a replayed
// join-request and returns ErrDevNonceReused.
func (s *PostgresStore) ValidateAndStoreDevNonce(ctx context.Context, devEUI lorawan.EUI64, devNonce lorawan.DevNonce) error {
	result, err := s.getDB().ExecContext(ctx, `
        UPDATE device_keys SET
            dev_nonces = array_append(COALESCE(dev_nonces, '{}'), $2::int),
            updated_at = $3
        WHERE dev_eui = $1
          AND NOT ($2::int = ANY(COALESCE(dev_nonces, '{}')))`,
		devEUI[:], int32(devNonce), time.Now(),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		err := s.getDB().QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM device_keys WHERE dev_eui = $1)", devEUI[:],
		).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrDevNonceReused
	}

	return nil
}
