package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")

	// ErrInvalidMIC is returned when no stored session validates a
	// frame's MIC, including the case where a concurrent transaction
	// already consumed the frame counter.
	ErrInvalidMIC = errors.New("invalid MIC")

	// ErrDevNonceReused signals a replayed join-request.
	ErrDevNonceReused = errors.New("DevNonce has already been used")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// User methods
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id uuid.UUID) error
	ListUsers(ctx context.Context, tenantID *uuid.UUID, limit, offset int) ([]*models.User, int64, error)

	// Tenant methods
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	UpdateTenant(ctx context.Context, tenant *models.Tenant) error
	DeleteTenant(ctx context.Context, id uuid.UUID) error
	ListTenants(ctx context.Context, limit, offset int) ([]*models.Tenant, int64, error)

	// Application methods
	CreateApplication(ctx context.Context, app *models.Application) error
	GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error)
	UpdateApplication(ctx context.Context, app *models.Application) error
	DeleteApplication(ctx context.Context, id uuid.UUID) error
	ListApplications(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.Application, int64, error)

	// Integration methods
	CreateIntegration(ctx context.Context, integration *models.Integration) error
	GetIntegrationsForApplication(ctx context.Context, applicationID uuid.UUID) ([]*models.Integration, error)
	UpdateIntegration(ctx context.Context, integration *models.Integration) error
	DeleteIntegration(ctx context.Context, id uuid.UUID) error

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error)
	GetDevicesForDevAddr(ctx context.Context, devAddr lorawan.DevAddr) ([]*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	UpdateDeviceSession(ctx context.Context, devEUI lorawan.EUI64, session *models.DeviceSession) error
	UpdateDeviceSeen(ctx context.Context, devEUI lorawan.EUI64, seenAt time.Time) error
	UpdateDeviceStatus(ctx context.Context, devEUI lorawan.EUI64, margin int, batteryLevel *float64) error
	DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error
	ListDevices(ctx context.Context, applicationID uuid.UUID, limit, offset int) ([]*models.Device, int64, error)

	// GetDeviceForPHYPayload resolves the device and session for an
	// uplink data frame, validates its MIC and atomically advances the
	// session frame counter together with the scheduler lease.
	GetDeviceForPHYPayload(ctx context.Context, regionConfigID string, phy *lorawan.PHYPayload, txDR, txCh int, classALock time.Duration) (*ValidationStatus, error)

	// ClaimClassBCDevices atomically claims up to limit Class-B/C
	// devices due for a scheduler pass and bumps their lease.
	ClaimClassBCDevices(ctx context.Context, schedulerInterval time.Duration, limit int) ([]*models.Device, error)

	// Device keys methods
	SetDeviceKeys(ctx context.Context, keys *models.DeviceKeys) error
	GetDeviceKeys(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceKeys, error)
	DeleteDeviceKeys(ctx context.Context, devEUI lorawan.EUI64) error

	// ValidateAndStoreDevNonce records a join DevNonce, returning
	// ErrDevNonceReused when it was seen before.
	ValidateAndStoreDevNonce(ctx context.Context, devEUI lorawan.EUI64, devNonce lorawan.DevNonce) error

	// Device profile methods
	CreateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error
	GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error)
	UpdateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error
	DeleteDeviceProfile(ctx context.Context, id uuid.UUID) error
	ListDeviceProfiles(ctx context.Context, tenantID *uuid.UUID, limit, offset int) ([]*models.DeviceProfile, int64, error)

	// Gateway methods
	CreateGateway(ctx context.Context, gateway *models.Gateway) error
	GetGateway(ctx context.Context, gatewayID lorawan.EUI64) (*models.Gateway, error)
	GetGatewaysForIDs(ctx context.Context, ids []lorawan.EUI64) (map[lorawan.EUI64]*models.Gateway, error)
	UpdateGateway(ctx context.Context, gateway *models.Gateway) error
	UpdateGatewaySeen(ctx context.Context, gatewayID lorawan.EUI64, seenAt time.Time) error
	DeleteGateway(ctx context.Context, gatewayID lorawan.EUI64) error
	ListGateways(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.Gateway, int64, error)
	CreateGatewayStats(ctx context.Context, stats *models.GatewayStats) error

	// Device queue methods
	CreateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error
	GetNextDeviceQueueItem(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceQueueItem, error)
	GetPendingDeviceQueueItem(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceQueueItem, error)
	UpdateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error
	DeleteDeviceQueueItem(ctx context.Context, id uuid.UUID) error
	FlushDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) error
	ListDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) ([]*models.DeviceQueueItem, error)

	// Pending mac-command methods
	SetPendingMACCommand(ctx context.Context, block *models.MACCommandBlock) error
	GetPendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) (*models.MACCommandBlock, error)
	DeletePendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) error

	// Multicast methods
	CreateMulticastGroup(ctx context.Context, group *models.MulticastGroup) error
	GetMulticastGroup(ctx context.Context, id uuid.UUID) (*models.MulticastGroup, error)
	UpdateMulticastGroup(ctx context.Context, group *models.MulticastGroup) error
	DeleteMulticastGroup(ctx context.Context, id uuid.UUID) error

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)
	DeleteEventLogsBefore(ctx context.Context, before time.Time) (int64, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	TenantID      *uuid.UUID
	ApplicationID *uuid.UUID
	DevEUI        *lorawan.EUI64
	GatewayID     *lorawan.EUI64
	Type          *models.EventType
	Level         *models.EventLevel
	StartTime     *time.Time
	EndTime       *time.Time
}
