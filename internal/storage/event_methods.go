package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// ========== Event Log Methods ==========

// CreateEventLog stores an event log entry.
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var devEUI, gatewayID []byte
	if event.DevEUI != nil {
		devEUI = (*event.DevEUI)[:]
	}
	if event.GatewayID != nil {
		gatewayID = (*event.GatewayID)[:]
	}

	query := `
        INSERT INTO event_logs (
            id, created_at, tenant_id, application_id, dev_eui, gateway_id,
            type, level, code, description, details
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.TenantID, event.ApplicationID,
		devEUI, gatewayID, event.Type, event.Level, event.Code,
		event.Description, event.Details,
	)
	return err
}

// ListEventLogs lists event logs, newest first.
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	where := ""
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(cond, len(args))
	}

	if filters.TenantID != nil {
		add("tenant_id = $%d", *filters.TenantID)
	}
	if filters.ApplicationID != nil {
		add("application_id = $%d", *filters.ApplicationID)
	}
	if filters.DevEUI != nil {
		add("dev_eui = $%d", (*filters.DevEUI)[:])
	}
	if filters.GatewayID != nil {
		add("gateway_id = $%d", (*filters.GatewayID)[:])
	}
	if filters.Type != nil {
		add("type = $%d", *filters.Type)
	}
	if filters.Level != nil {
		add("level = $%d", *filters.Level)
	}
	if filters.StartTime != nil {
		add("created_at >= $%d", *filters.StartTime)
	}
	if filters.EndTime != nil {
		add("created_at <= $%d", *filters.EndTime)
	}

	var count int64
	err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM event_logs"+where, args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `
        SELECT id, created_at, tenant_id, application_id, dev_eui, gateway_id,
               type, level, code, description, details
        FROM event_logs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}
		var devEUI, gatewayID []byte

		err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.TenantID, &event.ApplicationID,
			&devEUI, &gatewayID, &event.Type, &event.Level, &event.Code,
			&event.Description, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}

		if devEUI != nil {
			event.DevEUI = &lorawan.EUI64{}
			copy((*event.DevEUI)[:], devEUI)
		}
		if gatewayID != nil {
			event.GatewayID = &lorawan.EUI64{}
			copy((*event.GatewayID)[:], gatewayID)
		}

		events = append(events, event)
	}

	return events, count, rows.Err()
}

// DeleteEventLogsBefore purges events older than the cutoff and returns
// how many rows were removed.
func (s *PostgresStore) DeleteEventLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.getDB().ExecContext(ctx,
		`DELETE FROM event_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
