package integration

import (
	"time"

	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// DeviceInfo is the common event header identifying the device and its
// ownership chain.
type DeviceInfo struct {
	TenantID        uuid.UUID     `json:"tenantId"`
	TenantName      string        `json:"tenantName"`
	ApplicationID   uuid.UUID     `json:"applicationId"`
	ApplicationName string        `json:"applicationName"`
	DeviceName      string        `json:"deviceName"`
	DevEUI          lorawan.EUI64 `json:"devEUI"`

	Tags map[string]string `json:"tags,omitempty"`
}

// UplinkEvent is emitted for every accepted data uplink.
type UplinkEvent struct {
	DeduplicationID uuid.UUID  `json:"deduplicationId"`
	Time            time.Time  `json:"time"`
	DeviceInfo      DeviceInfo `json:"deviceInfo"`

	DevAddr   lorawan.DevAddr `json:"devAddr"`
	ADR       bool            `json:"adr"`
	DR        int             `json:"dr"`
	FCnt      uint32          `json:"fCnt"`
	FPort     uint8           `json:"fPort"`
	Confirmed bool            `json:"confirmed"`

	Data []byte `json:"data"`

	// Object is the codec-decoded payload, absent on codec failure or
	// end-to-end encrypted sessions.
	Object map[string]interface{} `json:"object,omitempty"`

	// JoinServerContext is present on end-to-end encrypted sessions so
	// the application can resolve the AppSKey itself.
	JoinServerContext *JoinServerContext `json:"joinServerContext,omitempty"`

	RXInfo []models.UplinkRXInfo `json:"rxInfo"`
	TXInfo models.UplinkTXInfo   `json:"txInfo"`
}

// JoinServerContext carries the key reference of an end-to-end
// encrypted session: the join-server's session-key id, the wrapped
// AppSKey, or both.
type JoinServerContext struct {
	SessionKeyID string              `json:"sessionKeyId,omitempty"`
	AppSKey      *models.KeyEnvelope `json:"appSKey,omitempty"`
}

// JoinEvent is emitted after a successful OTAA activation.
type JoinEvent struct {
	DeduplicationID uuid.UUID  `json:"deduplicationId"`
	Time            time.Time  `json:"time"`
	DeviceInfo      DeviceInfo `json:"deviceInfo"`

	DevAddr lorawan.DevAddr `json:"devAddr"`

	RXInfo []models.UplinkRXInfo `json:"rxInfo"`
}

// AckEvent is emitted when a device acknowledges a confirmed downlink.
type AckEvent struct {
	Time       time.Time  `json:"time"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`

	QueueItemID  uuid.UUID `json:"queueItemId"`
	Acknowledged bool      `json:"acknowledged"`
	FCntDown     uint32    `json:"fCntDown"`
}

// TxAckEvent is emitted when a gateway confirms it transmitted a
// downlink for the device.
type TxAckEvent struct {
	Time       time.Time  `json:"time"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`

	DownlinkID uint32        `json:"downlinkId"`
	FCntDown   uint32        `json:"fCntDown"`
	GatewayID  lorawan.EUI64 `json:"gatewayId"`
}

// LogEvent carries warnings and errors that concern the application
// owner, such as frame-counter resets or codec failures.
type LogEvent struct {
	Time       time.Time  `json:"time"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`

	Level       string            `json:"level"`
	Code        string            `json:"code"`
	Description string            `json:"description"`
	Context     map[string]string `json:"context,omitempty"`
}

// StatusEvent carries the margin and battery data from a DevStatusAns.
type StatusEvent struct {
	Time       time.Time  `json:"time"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`

	Margin                  int     `json:"margin"`
	ExternalPowerSource     bool    `json:"externalPowerSource"`
	BatteryLevel            float64 `json:"batteryLevel"`
	BatteryLevelUnavailable bool    `json:"batteryLevelUnavailable"`
}

// LocationEvent is emitted when a device location is resolved.
type LocationEvent struct {
	Time       time.Time  `json:"time"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`

	Location models.Location `json:"location"`
}
