package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	TenantID      *uuid.UUID     `json:"tenantId,omitempty" db:"tenant_id"`
	ApplicationID *uuid.UUID     `json:"applicationId,omitempty" db:"application_id"`
	DevEUI        *lorawan.EUI64 `json:"devEUI,omitempty" db:"dev_eui"`
	GatewayID     *lorawan.EUI64 `json:"gatewayId,omitempty" db:"gateway_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

// Integration event types; one per fan-out event kind.
const (
	EventTypeUp          EventType = "up"
	EventTypeJoin        EventType = "join"
	EventTypeAck         EventType = "ack"
	EventTypeTXAck       EventType = "txack"
	EventTypeLog         EventType = "log"
	EventTypeStatus      EventType = "status"
	EventTypeLocation    EventType = "location"
	EventTypeIntegration EventType = "integration"
)

// Internal event types, logged but not fanned out.
const (
	EventTypeGatewayUp    EventType = "gateway_up"
	EventTypeGatewayDown  EventType = "gateway_down"
	EventTypeGatewayStats EventType = "gateway_stats"
	EventTypeAPICall      EventType = "api_call"
)

// Log event codes.
const (
	LogCodeUplinkFCntRetransmission = "UPLINK_F_CNT_RETRANSMISSION"
	LogCodeUplinkFCntReset          = "UPLINK_F_CNT_RESET"
	LogCodeUplinkMIC                = "UPLINK_MIC"
	LogCodeOTAA                     = "OTAA"
	LogCodeDownlinkPayloadSize      = "DOWNLINK_PAYLOAD_SIZE"
	LogCodeDownlinkGateway          = "DOWNLINK_GATEWAY"
	LogCodeUplinkCodec              = "UPLINK_CODEC"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
	EventLevelFatal   EventLevel = "FATAL"
)
