package lorawan

import (
	"database/sql/driver"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}

	if len(b) != 8 {
		return fmt.Errorf("invalid EUI64 length")
	}

	copy(e[:], b)
	return nil
}

// MarshalBinary returns the EUI64 in little-endian wire order.
func (e EUI64) MarshalBinary() ([]byte, error) {
	out := make([]byte, 8)
	for i, v := range e {
		out[7-i] = v
	}
	return out, nil
}

// UnmarshalBinary decodes the EUI64 from little-endian wire order.
func (e *EUI64) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return fmt.Errorf("lorawan: 8 bytes of data are expected")
	}
	for i, v := range data {
		e[7-i] = v
	}
	return nil
}

// Scan implements sql.Scanner
func (e *EUI64) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("lorawan: []byte expected for EUI64")
	}
	if len(b) != 8 {
		return fmt.Errorf("lorawan: []byte must have length 8")
	}
	copy(e[:], b)
	return nil
}

// Value implements driver.Valuer
func (e EUI64) Value() (driver.Value, error) {
	return e[:], nil
}

// DevAddr represents a 4-byte device address
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalJSON implements json.Marshaler
func (d DevAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DevAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}

	if len(b) != 4 {
		return fmt.Errorf("invalid DevAddr length")
	}

	copy(d[:], b)
	return nil
}

// MarshalBinary returns the DevAddr in little-endian wire order.
func (d DevAddr) MarshalBinary() ([]byte, error) {
	out := make([]byte, 4)
	for i, v := range d {
		out[3-i] = v
	}
	return out, nil
}

// UnmarshalBinary decodes the DevAddr from little-endian wire order.
func (d *DevAddr) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("lorawan: 4 bytes of data are expected")
	}
	for i, v := range data {
		d[3-i] = v
	}
	return nil
}

// Scan implements sql.Scanner
func (d *DevAddr) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("lorawan: []byte expected for DevAddr")
	}
	if len(b) != 4 {
		return fmt.Errorf("lorawan: []byte must have length 4")
	}
	copy(d[:], b)
	return nil
}

// Value implements driver.Valuer
func (d DevAddr) Value() (driver.Value, error) {
	return d[:], nil
}

// devAddrPrefix returns the type prefix value, the prefix length in bits
// and the NwkID length in bits for the given NetID type.
func devAddrPrefix(netIDType int) (uint32, int, int) {
	switch netIDType {
	case 0:
		return 0x00, 1, 6
	case 1:
		return 0x02, 2, 6
	case 2:
		return 0x06, 3, 9
	case 3:
		return 0x0e, 4, 11
	case 4:
		return 0x1e, 5, 12
	case 5:
		return 0x3e, 6, 13
	case 6:
		return 0x7e, 7, 15
	default:
		return 0xfe, 8, 17
	}
}

// SetAddrPrefix replaces the type-prefix and NwkID bits of the DevAddr with
// the values derived from the given NetID, preserving the remaining
// (randomly assigned) host bits.
func (d *DevAddr) SetAddrPrefix(netID NetID) {
	prefix, prefixLen, nwkIDBits := devAddrPrefix(netID.Type())
	hostBits := 32 - prefixLen - nwkIDBits

	addr := binary.BigEndian.Uint32(d[:])
	addr &= (1 << hostBits) - 1
	addr |= prefix << (32 - prefixLen)
	addr |= (netID.ID() & ((1 << nwkIDBits) - 1)) << hostBits
	binary.BigEndian.PutUint32(d[:], addr)
}

// NetIDType returns the NetID type encoded in the DevAddr prefix (0-7).
func (d DevAddr) NetIDType() int {
	addr := binary.BigEndian.Uint32(d[:])
	for i := 0; i < 8; i++ {
		if addr&(1<<(31-i)) == 0 {
			return i
		}
	}
	return 7
}

// NwkID returns the NwkID bits of the DevAddr.
func (d DevAddr) NwkID() uint32 {
	_, prefixLen, nwkIDBits := devAddrPrefix(d.NetIDType())
	hostBits := 32 - prefixLen - nwkIDBits
	addr := binary.BigEndian.Uint32(d[:])
	return (addr >> hostBits) & ((1 << nwkIDBits) - 1)
}

// IsNetID returns true when the DevAddr prefix matches the given NetID.
func (d DevAddr) IsNetID(netID NetID) bool {
	return d.NetIDType() == netID.Type() && d.NwkID() == netID.ID()
}

// NetID represents a 3-byte network identifier
type NetID [3]byte

// String returns hex string representation
func (n NetID) String() string {
	return hex.EncodeToString(n[:])
}

// MarshalJSON implements json.Marshaler
func (n NetID) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (n *NetID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}

	if len(b) != 3 {
		return fmt.Errorf("invalid NetID length")
	}

	copy(n[:], b)
	return nil
}

// MarshalBinary returns the NetID in little-endian wire order.
func (n NetID) MarshalBinary() ([]byte, error) {
	return []byte{n[2], n[1], n[0]}, nil
}

// UnmarshalBinary decodes the NetID from little-endian wire order.
func (n *NetID) UnmarshalBinary(data []byte) error {
	if len(data) != 3 {
		return fmt.Errorf("lorawan: 3 bytes of data are expected")
	}
	n[0], n[1], n[2] = data[2], data[1], data[0]
	return nil
}

// Type returns the NetID type (0-7).
func (n NetID) Type() int {
	return int(n[0] >> 5)
}

// ID returns the NwkID bits of the NetID. The width depends on the type.
func (n NetID) ID() uint32 {
	id := uint32(n[0])<<16 | uint32(n[1])<<8 | uint32(n[2])
	switch n.Type() {
	case 0, 1:
		return id & 0x3f
	case 2:
		return id & 0x1ff
	case 3:
		return id & 0x7ff
	case 4:
		return id & 0xfff
	case 5:
		return id & 0x1fff
	case 6:
		return id & 0x7fff
	default:
		return id & 0x1ffff
	}
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalJSON implements json.Marshaler
func (k AES128Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (k *AES128Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}

	if len(b) != 16 {
		return fmt.Errorf("invalid AES128Key length")
	}

	copy(k[:], b)
	return nil
}

// Scan implements sql.Scanner
func (k *AES128Key) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("lorawan: []byte expected for AES128Key")
	}
	if len(b) != 16 {
		return fmt.Errorf("lorawan: []byte must have length 16")
	}
	copy(k[:], b)
	return nil
}

// Value implements driver.Valuer
func (k AES128Key) Value() (driver.Value, error) {
	return k[:], nil
}

// MIC represents the 4-byte message integrity code
type MIC [4]byte

// String returns hex string representation
func (m MIC) String() string {
	return hex.EncodeToString(m[:])
}

// DevNonce represents the 2-byte device nonce
type DevNonce uint16

// JoinNonce represents the 3-byte join (or app) nonce
type JoinNonce uint32

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RejoinRequest
	Proprietary
)

// String implements fmt.Stringer
func (m MType) String() string {
	switch m {
	case JoinRequest:
		return "JoinRequest"
	case JoinAccept:
		return "JoinAccept"
	case UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case ConfirmedDataUp:
		return "ConfirmedDataUp"
	case ConfirmedDataDown:
		return "ConfirmedDataDown"
	case RejoinRequest:
		return "RejoinRequest"
	default:
		return "Proprietary"
	}
}

// Major represents the LoRaWAN major version
type Major byte

// LoRaWANR1 is the only major version in use.
const LoRaWANR1 Major = 0

// MACVersion represents the LoRaWAN MAC version
type MACVersion byte

const (
	LoRaWAN1_0 MACVersion = iota
	LoRaWAN1_1
)

// JoinType represents the join-request type
type JoinType byte

const (
	RejoinRequestType0 JoinType = 0
	RejoinRequestType1 JoinType = 1
	RejoinRequestType2 JoinType = 2
	JoinRequestType    JoinType = 0xff
)

// DwellTime defines the dwell-time limitation type
type DwellTime int

const (
	DwellTimeNoLimit DwellTime = iota
	DwellTime400ms
)
