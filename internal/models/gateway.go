package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// Gateway represents a LoRaWAN gateway
type Gateway struct {
	TenantModel

	GatewayID   lorawan.EUI64 `json:"gatewayId" db:"gateway_id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description" db:"description"`

	// Region config the gateway serves.
	RegionConfigID string `json:"regionConfigId" db:"region_config_id"`

	// Location
	Location *Location `json:"location,omitempty" db:"location"`

	// Configuration
	Model        string `json:"model,omitempty" db:"model"`
	MinFrequency uint32 `json:"minFrequency,omitempty" db:"min_frequency"`
	MaxFrequency uint32 `json:"maxFrequency,omitempty" db:"max_frequency"`

	// Status
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`
	FirstSeenAt *time.Time `json:"firstSeenAt,omitempty" db:"first_seen_at"`

	// Metadata
	Tags     Variables `json:"tags,omitempty" db:"tags"`
	Metadata Variables `json:"metadata,omitempty" db:"metadata"`
}

// Location represents a geographic location
type Location struct {
	Latitude  float64 `json:"latitude" db:"latitude"`
	Longitude float64 `json:"longitude" db:"longitude"`
	Altitude  float64 `json:"altitude" db:"altitude"`
	Source    string  `json:"source,omitempty" db:"source"`
	Accuracy  int     `json:"accuracy,omitempty" db:"accuracy"`
}

// Value implements driver.Valuer
func (l *Location) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner
func (l *Location) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("models: Location scan source must be []byte")
	}
	return json.Unmarshal(b, l)
}

// GatewayStats is one stats report from a gateway.
type GatewayStats struct {
	GatewayID lorawan.EUI64 `json:"gatewayId" db:"gateway_id"`
	Time      time.Time     `json:"time" db:"time"`

	RXPacketsReceived   int `json:"rxPacketsReceived" db:"rx_packets_received"`
	RXPacketsReceivedOK int `json:"rxPacketsReceivedOK" db:"rx_packets_received_ok"`
	TXPacketsReceived   int `json:"txPacketsReceived" db:"tx_packets_received"`
	TXPacketsEmitted    int `json:"txPacketsEmitted" db:"tx_packets_emitted"`

	Metadata Variables `json:"metadata,omitempty" db:"metadata"`
}
