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

// ========== Gateway Methods ==========

const gatewayColumns = `
    gateway_id, created_at, updated_at, tenant_id, name, description,
    region_config_id, location, model, min_frequency, max_frequency,
    last_seen_at, first_seen_at, tags, metadata`

func scanGateway(row rowScanner) (*models.Gateway, error) {
	gateway := &models.Gateway{}
	var location []byte

	err := row.Scan(
		&gateway.GatewayID, &gateway.CreatedAt, &gateway.UpdatedAt,
		&gateway.TenantID, &gateway.Name, &gateway.Description,
		&gateway.RegionConfigID, &location, &gateway.Model,
		&gateway.MinFrequency, &gateway.MaxFrequency,
		&gateway.LastSeenAt, &gateway.FirstSeenAt,
		&gateway.Tags, &gateway.Metadata,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if location != nil {
		gateway.Location = &models.Location{}
		if err := json.Unmarshal(location, gateway.Location); err != nil {
			return nil, err
		}
	}

	return gateway, nil
}

// CreateGateway creates a new gateway
func (s *PostgresStore) CreateGateway(ctx context.Context, gateway *models.Gateway) error {
	now := time.Now()
	gateway.CreatedAt = now
	gateway.UpdatedAt = now

	query := `
        INSERT INTO gateways (
            gateway_id, created_at, updated_at, tenant_id, name, description,
            region_config_id, location, model, min_frequency, max_frequency,
            tags, metadata
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		gateway.GatewayID[:], gateway.CreatedAt, gateway.UpdatedAt,
		gateway.TenantID, gateway.Name, gateway.Description,
		gateway.RegionConfigID, gateway.Location, gateway.Model,
		gateway.MinFrequency, gateway.MaxFrequency,
		gateway.Tags, gateway.Metadata,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetGateway gets a gateway by ID
func (s *PostgresStore) GetGateway(ctx context.Context, gatewayID lorawan.EUI64) (*models.Gateway, error) {
	query := `SELECT` + gatewayColumns + ` FROM gateways WHERE gateway_id = $1`
	return scanGateway(s.getDB().QueryRowContext(ctx, query, gatewayID[:]))
}

// GetGatewaysForIDs returns the gateways for a set of IDs, keyed by ID.
// Unknown IDs are simply absent from the map.
func (s *PostgresStore) GetGatewaysForIDs(ctx context.Context, ids []lorawan.EUI64) (map[lorawan.EUI64]*models.Gateway, error) {
	out := make(map[lorawan.EUI64]*models.Gateway, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	idArgs := make(pq.ByteaArray, len(ids))
	for i, id := range ids {
		b := make([]byte, 8)
		copy(b, id[:])
		idArgs[i] = b
	}

	query := `SELECT` + gatewayColumns + ` FROM gateways WHERE gateway_id = ANY($1)`

	rows, err := s.getDB().QueryContext(ctx, query, idArgs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		gateway, err := scanGateway(rows)
		if err != nil {
			return nil, err
		}
		out[gateway.GatewayID] = gateway
	}

	return out, rows.Err()
}

// UpdateGateway updates a gateway
func (s *PostgresStore) UpdateGateway(ctx context.Context, gateway *models.Gateway) error {
	gateway.UpdatedAt = time.Now()

	query := `
        UPDATE gateways SET
            updated_at = $2, name = $3, description = $4,
            region_config_id = $5, location = $6, model = $7,
            min_frequency = $8, max_frequency = $9, last_seen_at = $10,
            first_seen_at = $11, tags = $12, metadata = $13
        WHERE gateway_id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		gateway.GatewayID[:], gateway.UpdatedAt, gateway.Name,
		gateway.Description, gateway.RegionConfigID, gateway.Location,
		gateway.Model, gateway.MinFrequency, gateway.MaxFrequency,
		gateway.LastSeenAt, gateway.FirstSeenAt, gateway.Tags, gateway.Metadata,
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

// UpdateGatewaySeen updates the seen timestamps, setting first_seen_at
// only once.
func (s *PostgresStore) UpdateGatewaySeen(ctx context.Context, gatewayID lorawan.EUI64, seenAt time.Time) error {
	_, err := s.getDB().ExecContext(ctx, `
        UPDATE gateways SET
            last_seen_at = $2,
            first_seen_at = COALESCE(first_seen_at, $2)
        WHERE gateway_id = $1`,
		gatewayID[:], seenAt,
	)
	return err
}

// DeleteGateway deletes a gateway
func (s *PostgresStore) DeleteGateway(ctx context.Context, gatewayID lorawan.EUI64) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM gateways WHERE gateway_id = $1", gatewayID[:])
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

// ListGateways lists gateways
func (s *PostgresStore) ListGateways(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.Gateway, int64, error) {
	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM gateways WHERE tenant_id = $1", tenantID,
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT` + gatewayColumns + `
        FROM gateways
        WHERE tenant_id = $1
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3`

	rows, err := s.getDB().QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var gateways []*models.Gateway
	for rows.Next() {
		gateway, err := scanGateway(rows)
		if err != nil {
			return nil, 0, err
		}
		gateways = append(gateways, gateway)
	}

	return gateways, count, rows.Err()
}

// CreateGatewayStats stores one stats report.
func (s *PostgresStore) CreateGatewayStats(ctx context.Context, stats *models.GatewayStats) error {
	query := `
        INSERT INTO gateway_stats (
            gateway_id, time, rx_packets_received, rx_packets_received_ok,
            tx_packets_received, tx_packets_emitted, metadata
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.getDB().ExecContext(ctx, query,
		stats.GatewayID[:], stats.Time,
		stats.RXPacketsReceived, stats.RXPacketsReceivedOK,
		stats.TXPacketsReceived, stats.TXPacketsEmitted,
		stats.Metadata,
	)
	return err
}
