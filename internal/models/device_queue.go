package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// DeviceQueueItem is one application downlink waiting for a transmit
// opportunity. At most one item per device has IsPending true.
type DeviceQueueItem struct {
	ID     uuid.UUID     `json:"id" db:"id"`
	DevEUI lorawan.EUI64 `json:"devEUI" db:"dev_eui"`

	FPort     uint8  `json:"fPort" db:"f_port"`
	Data      []byte `json:"data" db:"data"`
	Confirmed bool   `json:"confirmed" db:"confirmed"`

	// IsEncrypted marks payloads already encrypted end-to-end; the NS
	// then must not re-encrypt and uses FCntDown as the counter the
	// sender encrypted against.
	IsEncrypted bool   `json:"isEncrypted" db:"is_encrypted"`
	FCntDown    *int64 `json:"fCntDown,omitempty" db:"f_cnt_down"`

	// IsPending is set while a confirmed item awaits its ack;
	// TimeoutAfter bounds the wait.
	IsPending    bool       `json:"isPending" db:"is_pending"`
	TimeoutAfter *time.Time `json:"timeoutAfter,omitempty" db:"timeout_after"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// DownlinkFrameRecord is the last downlink attempted for a device, keyed by
// the random 32-bit downlink id so the tx-ack can be matched back.
type DownlinkFrameRecord struct {
	DownlinkID uint32        `json:"downlinkId" db:"downlink_id"`
	DevEUI     lorawan.EUI64 `json:"devEUI" db:"dev_eui"`

	QueueItemID *uuid.UUID `json:"queueItemId,omitempty" db:"queue_item_id"`

	// EncryptedFOpts and the key copy are needed when the tx-ack arrives:
	// the frame counters must be read back out of the stored frame.
	EncryptedFOpts bool              `json:"encryptedFOpts" db:"encrypted_fopts"`
	NwkSEncKey     lorawan.AES128Key `json:"-" db:"nwk_s_enc_key"`

	// Frame is the wire message that was dispatched.
	Frame DownlinkFrame `json:"frame" db:"frame"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// MACCommandBlock is a pending mac-command awaiting its device answer,
// keyed per device by CID.
type MACCommandBlock struct {
	DevEUI    lorawan.EUI64        `json:"devEUI" db:"dev_eui"`
	CID       lorawan.CID          `json:"cid" db:"cid"`
	Commands  []lorawan.MACCommand `json:"commands" db:"commands"`
	CreatedAt time.Time            `json:"createdAt" db:"created_at"`
}
