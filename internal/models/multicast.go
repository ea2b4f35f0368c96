package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// MulticastGroupType selects Class-B or Class-C distribution.
type MulticastGroupType string

// Possible multicast group types.
const (
	MulticastGroupB MulticastGroupType = "B"
	MulticastGroupC MulticastGroupType = "C"
)

// MulticastGroup is a shared downlink session addressed to many devices.
type MulticastGroup struct {
	BaseModel

	ApplicationID uuid.UUID `json:"applicationId" db:"application_id"`
	Name          string    `json:"name" db:"name"`

	Region    string             `json:"region" db:"region"`
	GroupType MulticastGroupType `json:"groupType" db:"group_type"`

	MCAddr      lorawan.DevAddr   `json:"mcAddr" db:"mc_addr"`
	MCNwkSKey   lorawan.AES128Key `json:"-" db:"mc_nwk_s_key"`
	MCAppSKey   lorawan.AES128Key `json:"-" db:"mc_app_s_key"`
	FCnt        uint32            `json:"fCnt" db:"f_cnt"`

	DR        int    `json:"dr" db:"dr"`
	Frequency uint32 `json:"frequency" db:"frequency"`

	// Class-B only
	ClassBPingSlotNb int `json:"classBPingSlotNb" db:"class_b_ping_slot_nb"`

	// ClassCSchedulingType is GPS-time-locked or delay-based.
	ClassCSchedulingType string `json:"classCSchedulingType" db:"class_c_scheduling_type"`
}

// MulticastGroupQueueItem is one payload scheduled to a multicast group,
// expanded to one gateway transmission per emission.
type MulticastGroupQueueItem struct {
	ID               uuid.UUID     `json:"id" db:"id"`
	MulticastGroupID uuid.UUID     `json:"multicastGroupId" db:"multicast_group_id"`
	GatewayID        lorawan.EUI64 `json:"gatewayId" db:"gateway_id"`

	FCnt  uint32 `json:"fCnt" db:"f_cnt"`
	FPort uint8  `json:"fPort" db:"f_port"`
	Data  []byte `json:"data" db:"data"`

	// EmitAt schedules the transmission; nil means as soon as possible.
	EmitAtTimeSinceGPSEpoch *time.Duration `json:"emitAtTimeSinceGPSEpoch,omitempty" db:"emit_at_time_since_gps_epoch"`
	ScheduleAt              time.Time      `json:"scheduleAt" db:"schedule_at"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
