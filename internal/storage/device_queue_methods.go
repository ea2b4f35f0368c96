package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// ========== Device Queue Methods ==========

const deviceQueueColumns = `
    id, dev_eui, f_port, data, confirmed, is_encrypted, f_cnt_down,
    is_pending, timeout_after, created_at, updated_at`

func scanDeviceQueueItem(row rowScanner) (*models.DeviceQueueItem, error) {
	item := &models.DeviceQueueItem{}
	err := row.Scan(
		&item.ID, &item.DevEUI, &item.FPort, &item.Data, &item.Confirmed,
		&item.IsEncrypted, &item.FCntDown, &item.IsPending,
		&item.TimeoutAfter, &item.CreatedAt, &item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// CreateDeviceQueueItem enqueues a downlink payload.
func (s *PostgresStore) CreateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}

	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now

	query := `
        INSERT INTO device_queue (` + deviceQueueColumns + `
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.getDB().ExecContext(ctx, query,
		item.ID, item.DevEUI[:], item.FPort, item.Data, item.Confirmed,
		item.IsEncrypted, item.FCntDown, item.IsPending,
		item.TimeoutAfter, item.CreatedAt, item.UpdatedAt,
	)
	return err
}

// GetNextDeviceQueueItem returns the oldest queue item of a device.
func (s *PostgresStore) GetNextDeviceQueueItem(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceQueueItem, error) {
	query := `SELECT` + deviceQueueColumns + `
        FROM device_queue
        WHERE dev_eui = $1
        ORDER BY created_at
        LIMIT 1`
	return scanDeviceQueueItem(s.getDB().QueryRowContext(ctx, query, devEUI[:]))
}

// GetPendingDeviceQueueItem returns the queue item awaiting its ack, if
// any.
func (s *PostgresStore) GetPendingDeviceQueueItem(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceQueueItem, error) {
	query := `SELECT` + deviceQueueColumns + `
        FROM device_queue
        WHERE dev_eui = $1 AND is_pending = true
        LIMIT 1`
	return scanDeviceQueueItem(s.getDB().QueryRowContext(ctx, query, devEUI[:]))
}

// UpdateDeviceQueueItem updates a queue item.
func (s *PostgresStore) UpdateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error {
	item.UpdatedAt = time.Now()

	query := `
        UPDATE device_queue SET
            updated_at = $2, f_cnt_down = $3, is_pending = $4, timeout_after = $5
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		item.ID, item.UpdatedAt, item.FCntDown, item.IsPending, item.TimeoutAfter,
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

// DeleteDeviceQueueItem deletes a queue item.
func (s *PostgresStore) DeleteDeviceQueueItem(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM device_queue WHERE id = $1", id)
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

// FlushDeviceQueue removes all queue items of a device.
func (s *PostgresStore) FlushDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) error {
	_, err := s.getDB().ExecContext(ctx, "DELETE FROM device_queue WHERE dev_eui = $1", devEUI[:])
	return err
}

// ListDeviceQueue lists the queue items of a device, oldest first.
func (s *PostgresStore) ListDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) ([]*models.DeviceQueueItem, error) {
	query := `SELECT` + deviceQueueColumns + `
        FROM device_queue
        WHERE dev_eui = $1
        ORDER BY created_at`

	rows, err := s.getDB().QueryContext(ctx, query, devEUI[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.DeviceQueueItem
	for rows.Next() {
		item, err := scanDeviceQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// ========== Pending MAC-Command Methods ==========

// SetPendingMACCommand stores the pending block for its CID, replacing
// any previous one.
func (s *PostgresStore) SetPendingMACCommand(ctx context.Context, block *models.MACCommandBlock) error {
	if block.CreatedAt.IsZero() {
		block.CreatedAt = time.Now()
	}

	commands, err := json.Marshal(block.Commands)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO device_pending_mac_commands (dev_eui, cid, commands, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (dev_eui, cid) DO UPDATE SET
            commands = EXCLUDED.commands,
            created_at = EXCLUDED.created_at`

	_, err = s.getDB().ExecContext(ctx, query,
		block.DevEUI[:], int(block.CID), commands, block.CreatedAt,
	)
	return err
}

// GetPendingMACCommand returns the pending block for a CID.
func (s *PostgresStore) GetPendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) (*models.MACCommandBlock, error) {
	query := `
        SELECT dev_eui, cid, commands, created_at
        FROM device_pending_mac_commands
        WHERE dev_eui = $1 AND cid = $2`

	block := &models.MACCommandBlock{}
	var cidInt int
	var commands []byte

	err := s.getDB().QueryRowContext(ctx, query, devEUI[:], int(cid)).Scan(
		&block.DevEUI, &cidInt, &commands, &block.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	block.CID = lorawan.CID(cidInt)
	if err := json.Unmarshal(commands, &block.Commands); err != nil {
		return nil, err
	}

	return block, nil
}

// DeletePendingMACCommand deletes the pending block for a CID.
func (s *PostgresStore) DeletePendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) error {
	result, err := s.getDB().ExecContext(ctx,
		"DELETE FROM device_pending_mac_commands WHERE dev_eui = $1 AND cid = $2",
		devEUI[:], int(cid),
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

// ========== Multicast Group Methods ==========

// CreateMulticastGroup creates a multicast group.
func (s *PostgresStore) CreateMulticastGroup(ctx context.Context, group *models.MulticastGroup) error {
	if group.ID == uuid.Nil {
		group.ID = uuid.New()
	}

	now := time.Now()
	group.CreatedAt = now
	group.UpdatedAt = now

	query := `
        INSERT INTO multicast_groups (
            id, created_at, updated_at, application_id, name, region,
            group_type, mc_addr, mc_nwk_s_key, mc_app_s_key, f_cnt, dr,
            frequency, class_b_ping_slot_nb, class_c_scheduling_type
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		group.ID, group.CreatedAt, group.UpdatedAt, group.ApplicationID,
		group.Name, group.Region, group.GroupType, group.MCAddr[:],
		group.MCNwkSKey, group.MCAppSKey, group.FCnt, group.DR,
		group.Frequency, group.ClassBPingSlotNb, group.ClassCSchedulingType,
	)
	return err
}

// GetMulticastGroup gets a multicast group by ID.
func (s *PostgresStore) GetMulticastGroup(ctx context.Context, id uuid.UUID) (*models.MulticastGroup, error) {
	query := `
        SELECT id, created_at, updated_at, application_id, name, region,
               group_type, mc_addr, mc_nwk_s_key, mc_app_s_key, f_cnt, dr,
               frequency, class_b_ping_slot_nb, class_c_scheduling_type
        FROM multicast_groups
        WHERE id = $1`

	group := &models.MulticastGroup{}
	var mcAddr []byte

	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&group.ID, &group.CreatedAt, &group.UpdatedAt, &group.ApplicationID,
		&group.Name, &group.Region, &group.GroupType, &mcAddr,
		&group.MCNwkSKey, &group.MCAppSKey, &group.FCnt, &group.DR,
		&group.Frequency, &group.ClassBPingSlotNb, &group.ClassCSchedulingType,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(group.MCAddr[:], mcAddr)

	return group, nil
}

// UpdateMulticastGroup updates a multicast group.
func (s *PostgresStore) UpdateMulticastGroup(ctx context.Context, group *models.MulticastGroup) error {
	group.UpdatedAt = time.Now()

	query := `
        UPDATE multicast_groups SET
            updated_at = $2, name = $3, region = $4, group_type = $5,
            mc_addr = $6, mc_nwk_s_key = $7, mc_app_s_key = $8, f_cnt = $9,
            dr = $10, frequency = $11, class_b_ping_slot_nb = $12,
            class_c_scheduling_type = $13
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		group.ID, group.UpdatedAt, group.Name, group.Region, group.GroupType,
		group.MCAddr[:], group.MCNwkSKey, group.MCAppSKey, group.FCnt,
		group.DR, group.Frequency, group.ClassBPingSlotNb,
		group.ClassCSchedulingType,
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

// DeleteMulticastGroup deletes a multicast group.
func (s *PostgresStore) DeleteMulticastGroup(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM multicast_groups WHERE id = $1", id)
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
