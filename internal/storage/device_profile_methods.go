package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/internal/models"
)

const deviceProfileColumns = `
    id, created_at, updated_at, tenant_id, name, description, region,
    mac_version, reg_params_revision, supports_otaa, supports_32_bit_f_cnt,
    adr_algorithm_id, supports_class_b, class_b_timeout, class_b_ping_slot_nb,
    class_b_ping_slot_dr, class_b_ping_slot_freq, supports_class_c,
    class_c_timeout, uplink_interval, device_status_req_interval,
    flush_queue_on_activate, payload_codec, payload_decoder_script,
    payload_encoder_script, measurements, auto_detect_measurements`

func scanDeviceProfile(row rowScanner) (*models.DeviceProfile, error) {
	profile := &models.DeviceProfile{}
	err := row.Scan(
		&profile.ID, &profile.CreatedAt, &profile.UpdatedAt, &profile.TenantID,
		&profile.Name, &profile.Description, &profile.Region,
		&profile.MACVersion, &profile.RegParamsRevision, &profile.SupportsOTAA,
		&profile.Supports32BitFCnt, &profile.ADRAlgorithmID,
		&profile.SupportsClassB, &profile.ClassBTimeout,
		&profile.ClassBPingSlotNb, &profile.ClassBPingSlotDR,
		&profile.ClassBPingSlotFreq, &profile.SupportsClassC,
		&profile.ClassCTimeout, &profile.UplinkInterval,
		&profile.DeviceStatusReqInterval, &profile.FlushQueueOnActivate,
		&profile.PayloadCodec, &profile.PayloadDecoderScript,
		&profile.PayloadEncoderScript, &profile.Measurements,
		&profile.AutoDetectMeasurements,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// CreateDeviceProfile creates a device profile.
func (s *PostgresStore) CreateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error {
	if profile.ID == uuid.Nil {
		profile.ID = uuid.New()
	}

	now := time.Now()
	profile.CreatedAt = now
	profile.UpdatedAt = now

	query := `
        INSERT INTO device_profiles (` + deviceProfileColumns + `
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
            $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		profile.ID, profile.CreatedAt, profile.UpdatedAt, profile.TenantID,
		profile.Name, profile.Description, profile.Region,
		profile.MACVersion, profile.RegParamsRevision, profile.SupportsOTAA,
		profile.Supports32BitFCnt, profile.ADRAlgorithmID,
		profile.SupportsClassB, profile.ClassBTimeout,
		profile.ClassBPingSlotNb, profile.ClassBPingSlotDR,
		profile.ClassBPingSlotFreq, profile.SupportsClassC,
		profile.ClassCTimeout, profile.UplinkInterval,
		profile.DeviceStatusReqInterval, profile.FlushQueueOnActivate,
		profile.PayloadCodec, profile.PayloadDecoderScript,
		profile.PayloadEncoderScript, profile.Measurements,
		profile.AutoDetectMeasurements,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDeviceProfile gets a device profile by ID.
func (s *PostgresStore) GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error) {
	query := `SELECT` + deviceProfileColumns + ` FROM device_profiles WHERE id = $1`
	return scanDeviceProfile(s.getDB().QueryRowContext(ctx, query, id))
}

// UpdateDeviceProfile updates a device profile.
func (s *PostgresStore) UpdateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error {
	profile.UpdatedAt = time.Now()

	query := `
        UPDATE device_profiles SET
            updated_at = $2, name = $3, description = $4, region = $5,
            mac_version = $6, reg_params_revision = $7, supports_otaa = $8,
            supports_32_bit_f_cnt = $9, adr_algorithm_id = $10,
            supports_class_b = $11, class_b_timeout = $12,
            class_b_ping_slot_nb = $13, class_b_ping_slot_dr = $14,
            class_b_ping_slot_freq = $15, supports_class_c = $16,
            class_c_timeout = $17, uplink_interval = $18,
            device_status_req_interval = $19, flush_queue_on_activate = $20,
            payload_codec = $21, payload_decoder_script = $22,
            payload_encoder_script = $23, measurements = $24,
            auto_detect_measurements = $25
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		profile.ID, profile.UpdatedAt, profile.Name, profile.Description,
		profile.Region, profile.MACVersion, profile.RegParamsRevision,
		profile.SupportsOTAA, profile.Supports32BitFCnt,
		profile.ADRAlgorithmID, profile.SupportsClassB, profile.ClassBTimeout,
		profile.ClassBPingSlotNb, profile.ClassBPingSlotDR,
		profile.ClassBPingSlotFreq, profile.SupportsClassC,
		profile.ClassCTimeout, profile.UplinkInterval,
		profile.DeviceStatusReqInterval, profile.FlushQueueOnActivate,
		profile.PayloadCodec, profile.PayloadDecoderScript,
		profile.PayloadEncoderScript, profile.Measurements,
		profile.AutoDetectMeasurements,
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

// DeleteDeviceProfile deletes a device profile.
func (s *PostgresStore) DeleteDeviceProfile(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM device_profiles WHERE id = $1", id)
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

// ListDeviceProfiles lists device profiles.
func (s *PostgresStore) ListDeviceProfiles(ctx context.Context, tenantID *uuid.UUID, limit, offset int) ([]*models.DeviceProfile, int64, error) {
	var args []interface{}
	query := `SELECT` + deviceProfileColumns + ` FROM device_profiles`
	countQuery := `SELECT COUNT(*) FROM device_profiles`

	if tenantID != nil {
		query += ` WHERE tenant_id = $1`
		countQuery += ` WHERE tenant_id = $1`
		args = append(args, *tenantID)
	}

	var count int64
	err := s.getDB().QueryRowContext(ctx, countQuery, args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var profiles []*models.DeviceProfile
	for rows.Next() {
		profile, err := scanDeviceProfile(rows)
		if err != nil {
			return nil, 0, err
		}
		profiles = append(profiles, profile)
	}

	return profiles, count, rows.Err()
}
