package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// DeviceClass is the currently enabled device class.
type DeviceClass string

// Possible device classes.
const (
	DeviceClassA DeviceClass = "A"
	DeviceClassB DeviceClass = "B"
	DeviceClassC DeviceClass = "C"
)

// Device represents a LoRaWAN device
type Device struct {
	TenantModel

	// Identifiers
	DevEUI  lorawan.EUI64  `json:"devEUI" db:"dev_eui"`
	JoinEUI *lorawan.EUI64 `json:"joinEUI,omitempty" db:"join_eui"`

	// DevAddr holds the address of the current session,
	// SecondaryDevAddr the address of a pending-rejoin session still
	// awaiting its first uplink.
	DevAddr          *lorawan.DevAddr `json:"devAddr,omitempty" db:"dev_addr"`
	SecondaryDevAddr *lorawan.DevAddr `json:"secondaryDevAddr,omitempty" db:"secondary_dev_addr"`

	// Metadata
	Name            string    `json:"name" db:"name"`
	Description     string    `json:"description" db:"description"`
	ApplicationID   uuid.UUID `json:"applicationId" db:"application_id"`
	DeviceProfileID uuid.UUID `json:"deviceProfileId" db:"device_profile_id"`

	// Status
	IsDisabled    bool        `json:"isDisabled" db:"is_disabled"`
	SkipFCntCheck bool        `json:"skipFCntCheck" db:"skip_fcnt_check"`
	EnabledClass  DeviceClass `json:"enabledClass" db:"enabled_class"`
	LastSeenAt    *time.Time  `json:"lastSeenAt,omitempty" db:"last_seen_at"`

	// ScheduledAt gate for the Class-B/C scheduler; a device is not
	// picked up again before this moment.
	SchedulerRunAfter *time.Time `json:"schedulerRunAfter,omitempty" db:"scheduler_run_after"`

	// Battery
	BatteryLevel          *float64   `json:"batteryLevel,omitempty" db:"battery_level"`
	BatteryLevelUpdatedAt *time.Time `json:"batteryLevelUpdatedAt,omitempty" db:"battery_level_updated_at"`
	Margin                *int       `json:"margin,omitempty" db:"margin"`

	// Session is the MAC-layer runtime state, persisted as a JSON blob.
	Session *DeviceSession `json:"-" db:"session"`

	// Metadata
	Variables Variables `json:"variables,omitempty" db:"variables"`
	Tags      Variables `json:"tags,omitempty" db:"tags"`

	// Relations
	Application *Application   `json:"application,omitempty"`
	Profile     *DeviceProfile `json:"profile,omitempty"`
}

// DeviceKeys represents the device root keys (for OTAA).
type DeviceKeys struct {
	DevEUI    lorawan.EUI64      `json:"devEUI" db:"dev_eui"`
	NwkKey    lorawan.AES128Key  `json:"nwkKey" db:"nwk_key"`
	AppKey    lorawan.AES128Key  `json:"appKey" db:"app_key"`
	GenAppKey *lorawan.AES128Key `json:"genAppKey,omitempty" db:"gen_app_key"`

	// DevNonces holds every join nonce the device has used; a repeat is
	// a replayed join-request.
	DevNonces []lorawan.DevNonce `json:"-" db:"dev_nonces"`

	JoinNonce uint32    `json:"-" db:"join_nonce"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// DeviceProfile represents a device profile
type DeviceProfile struct {
	BaseModel
	TenantID *uuid.UUID `json:"tenantId,omitempty" db:"tenant_id"`

	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`

	// LoRaWAN
	Region            string `json:"region" db:"region"`
	MACVersion        string `json:"macVersion" db:"mac_version"`
	RegParamsRevision string `json:"regParamsRevision" db:"reg_params_revision"`
	SupportsOTAA      bool   `json:"supportsOTAA" db:"supports_otaa"`
	Supports32BitFCnt bool   `json:"supports32BitFCnt" db:"supports_32_bit_f_cnt"`

	// ADR
	ADRAlgorithmID string `json:"adrAlgorithmId" db:"adr_algorithm_id"`

	// Class B
	SupportsClassB      bool   `json:"supportsClassB" db:"supports_class_b"`
	ClassBTimeout       int    `json:"classBTimeout" db:"class_b_timeout"`
	ClassBPingSlotNb    int    `json:"classBPingSlotNb" db:"class_b_ping_slot_nb"`
	ClassBPingSlotDR    int    `json:"classBPingSlotDR" db:"class_b_ping_slot_dr"`
	ClassBPingSlotFreq  uint32 `json:"classBPingSlotFreq" db:"class_b_ping_slot_freq"`

	// Class C
	SupportsClassC bool `json:"supportsClassC" db:"supports_class_c"`
	ClassCTimeout  int  `json:"classCTimeout" db:"class_c_timeout"`

	// UplinkInterval is the expected seconds between two uplinks; the
	// ADR engine treats a device as lost after several missed intervals.
	UplinkInterval int `json:"uplinkInterval" db:"uplink_interval"`

	// DeviceStatusReqInterval is the requested DevStatusReq frequency
	// per day (0 disables polling).
	DeviceStatusReqInterval int `json:"deviceStatusReqInterval" db:"device_status_req_interval"`

	// FlushQueueOnActivate empties the device queue on a new activation.
	FlushQueueOnActivate bool `json:"flushQueueOnActivate" db:"flush_queue_on_activate"`

	// Payload codec
	PayloadCodec         string `json:"payloadCodec" db:"payload_codec"`
	PayloadDecoderScript string `json:"payloadDecoderScript,omitempty" db:"payload_decoder_script"`
	PayloadEncoderScript string `json:"payloadEncoderScript,omitempty" db:"payload_encoder_script"`

	// Measurements declares the metric schema for device-metric rollups,
	// mapping a decoded-payload field to a measurement kind. With
	// AutoDetectMeasurements, fields not yet in the schema are added with
	// kind UNKNOWN as they appear.
	Measurements           Variables `json:"measurements,omitempty" db:"measurements"`
	AutoDetectMeasurements bool      `json:"autoDetectMeasurements" db:"auto_detect_measurements"`
}

// Measurement kinds accepted in a profile's measurement schema.
const (
	MeasurementKindUnknown  = "UNKNOWN"
	MeasurementKindCounter  = "COUNTER"
	MeasurementKindAbsolute = "ABSOLUTE"
	MeasurementKindGauge    = "GAUGE"
	MeasurementKindString   = "STRING"
)

// ActivationMode represents device activation mode
type ActivationMode string

const (
	ABP  ActivationMode = "ABP"
	OTAA ActivationMode = "OTAA"
)
