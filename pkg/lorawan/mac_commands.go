package lorawan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// CID identifies a MAC command. The same identifier is shared by the
// request / answer (or indication / confirmation) pair; the direction of
// the carrying frame disambiguates.
type CID byte

// Supported MAC commands
const (
	ResetInd            CID = 0x01
	ResetConf           CID = 0x01
	LinkCheckReq        CID = 0x02
	LinkCheckAns        CID = 0x02
	LinkADRReq          CID = 0x03
	LinkADRAns          CID = 0x03
	DutyCycleReq        CID = 0x04
	DutyCycleAns        CID = 0x04
	RXParamSetupReq     CID = 0x05
	RXParamSetupAns     CID = 0x05
	DevStatusReq        CID = 0x06
	DevStatusAns        CID = 0x06
	NewChannelReq       CID = 0x07
	NewChannelAns       CID = 0x07
	RXTimingSetupReq    CID = 0x08
	RXTimingSetupAns    CID = 0x08
	TXParamSetupReq     CID = 0x09
	TXParamSetupAns     CID = 0x09
	DLChannelReq        CID = 0x0a
	DLChannelAns        CID = 0x0a
	RekeyInd            CID = 0x0b
	RekeyConf           CID = 0x0b
	ADRParamSetupReq    CID = 0x0c
	ADRParamSetupAns    CID = 0x0c
	DeviceTimeReq       CID = 0x0d
	DeviceTimeAns       CID = 0x0d
	ForceRejoinReq      CID = 0x0e
	RejoinParamSetupReq CID = 0x0f
	RejoinParamSetupAns CID = 0x0f
	PingSlotInfoReq     CID = 0x10
	PingSlotInfoAns     CID = 0x10
	PingSlotChannelReq  CID = 0x11
	PingSlotChannelAns  CID = 0x11
	BeaconFreqReq       CID = 0x13
	BeaconFreqAns       CID = 0x13
	DeviceModeInd       CID = 0x20
	DeviceModeConf      CID = 0x20
)

// String implements fmt.Stringer.
func (c CID) String() string {
	switch c {
	case ResetInd:
		return "Reset"
	case LinkCheckReq:
		return "LinkCheck"
	case LinkADRReq:
		return "LinkADR"
	case DutyCycleReq:
		return "DutyCycle"
	case RXParamSetupReq:
		return "RXParamSetup"
	case DevStatusReq:
		return "DevStatus"
	case NewChannelReq:
		return "NewChannel"
	case RXTimingSetupReq:
		return "RXTimingSetup"
	case TXParamSetupReq:
		return "TXParamSetup"
	case DLChannelReq:
		return "DLChannel"
	case RekeyInd:
		return "Rekey"
	case ADRParamSetupReq:
		return "ADRParamSetup"
	case DeviceTimeReq:
		return "DeviceTime"
	case ForceRejoinReq:
		return "ForceRejoin"
	case RejoinParamSetupReq:
		return "RejoinParamSetup"
	case PingSlotInfoReq:
		return "PingSlotInfo"
	case PingSlotChannelReq:
		return "PingSlotChannel"
	case BeaconFreqReq:
		return "BeaconFreq"
	case DeviceModeInd:
		return "DeviceMode"
	default:
		return fmt.Sprintf("CID(0x%02x)", byte(c))
	}
}

// MACCommandPayload is the interface implemented by every MAC command
// payload.
type MACCommandPayload interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// MACCommand represents a single MAC command with an optional payload.
// MACCommand implements the Payload interface so that FOpts and a port-0
// FRMPayload can hold decoded commands.
type MACCommand struct {
	CID     CID
	Payload MACCommandPayload
}

// MarshalBinary encodes the MAC command.
func (m MACCommand) MarshalBinary() ([]byte, error) {
	out := []byte{byte(m.CID)}
	if m.Payload != nil {
		b, err := m.Payload.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// UnmarshalBinary decodes exactly one MAC command.
func (m *MACCommand) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) == 0 {
		return errors.New("lorawan: at least 1 byte of data is expected")
	}
	m.CID = CID(data[0])

	info, ok := macPayloadRegistry[uplink][m.CID]
	if !ok {
		return fmt.Errorf("lorawan: unknown MAC command CID 0x%02x (uplink: %t)", byte(m.CID), uplink)
	}
	if len(data)-1 != info.size {
		return fmt.Errorf("lorawan: expected %d bytes of payload for CID 0x%02x, got %d", info.size, byte(m.CID), len(data)-1)
	}
	if info.size == 0 {
		return nil
	}

	m.Payload = info.newPayload()
	return m.Payload.UnmarshalBinary(data[1:])
}

type macPayloadInfo struct {
	size       int
	newPayload func() MACCommandPayload
}

// macPayloadRegistry maps direction + CID to the payload size and
// constructor. A nil newPayload means the command has no payload.
var macPayloadRegistry = map[bool]map[CID]macPayloadInfo{
	// uplink (device to network)
	true: {
		ResetInd:            {1, func() MACCommandPayload { return &ResetIndPayload{} }},
		LinkCheckReq:        {0, nil},
		LinkADRAns:          {1, func() MACCommandPayload { return &LinkADRAnsPayload{} }},
		DutyCycleAns:        {0, nil},
		RXParamSetupAns:     {1, func() MACCommandPayload { return &RXParamSetupAnsPayload{} }},
		DevStatusAns:        {2, func() MACCommandPayload { return &DevStatusAnsPayload{} }},
		NewChannelAns:       {1, func() MACCommandPayload { return &NewChannelAnsPayload{} }},
		RXTimingSetupAns:    {0, nil},
		TXParamSetupAns:     {0, nil},
		DLChannelAns:        {1, func() MACCommandPayload { return &DLChannelAnsPayload{} }},
		RekeyInd:            {1, func() MACCommandPayload { return &RekeyIndPayload{} }},
		ADRParamSetupAns:    {0, nil},
		DeviceTimeReq:       {0, nil},
		RejoinParamSetupAns: {1, func() MACCommandPayload { return &RejoinParamSetupAnsPayload{} }},
		PingSlotInfoReq:     {1, func() MACCommandPayload { return &PingSlotInfoReqPayload{} }},
		PingSlotChannelAns:  {1, func() MACCommandPayload { return &PingSlotChannelAnsPayload{} }},
		BeaconFreqAns:       {1, func() MACCommandPayload { return &BeaconFreqAnsPayload{} }},
		DeviceModeInd:       {1, func() MACCommandPayload { return &DeviceModeIndPayload{} }},
	},
	// downlink (network to device)
	false: {
		ResetConf:           {1, func() MACCommandPayload { return &ResetConfPayload{} }},
		LinkCheckAns:        {2, func() MACCommandPayload { return &LinkCheckAnsPayload{} }},
		LinkADRReq:          {4, func() MACCommandPayload { return &LinkADRReqPayload{} }},
		DutyCycleReq:        {1, func() MACCommandPayload { return &DutyCycleReqPayload{} }},
		RXParamSetupReq:     {4, func() MACCommandPayload { return &RXParamSetupReqPayload{} }},
		DevStatusReq:        {0, nil},
		NewChannelReq:       {5, func() MACCommandPayload { return &NewChannelReqPayload{} }},
		RXTimingSetupReq:    {1, func() MACCommandPayload { return &RXTimingSetupReqPayload{} }},
		TXParamSetupReq:     {1, func() MACCommandPayload { return &TXParamSetupReqPayload{} }},
		DLChannelReq:        {4, func() MACCommandPayload { return &DLChannelReqPayload{} }},
		RekeyConf:           {1, func() MACCommandPayload { return &RekeyConfPayload{} }},
		ADRParamSetupReq:    {1, func() MACCommandPayload { return &ADRParamSetupReqPayload{} }},
		DeviceTimeAns:       {5, func() MACCommandPayload { return &DeviceTimeAnsPayload{} }},
		ForceRejoinReq:      {2, func() MACCommandPayload { return &ForceRejoinReqPayload{} }},
		RejoinParamSetupReq: {1, func() MACCommandPayload { return &RejoinParamSetupReqPayload{} }},
		PingSlotChannelReq:  {4, func() MACCommandPayload { return &PingSlotChannelReqPayload{} }},
		BeaconFreqReq:       {3, func() MACCommandPayload { return &BeaconFreqReqPayload{} }},
		DeviceModeConf:      {1, func() MACCommandPayload { return &DeviceModeConfPayload{} }},
	},
}

// decodeDataPayloadToMACCommands decodes a raw byte block into MAC
// commands, using the registry to know how many payload bytes each CID
// consumes.
func decodeDataPayloadToMACCommands(uplink bool, data []byte) ([]Payload, error) {
	var out []Payload
	i := 0
	for i < len(data) {
		cid := CID(data[i])
		info, ok := macPayloadRegistry[uplink][cid]
		if !ok {
			return nil, fmt.Errorf("lorawan: unknown MAC command CID 0x%02x (uplink: %t)", byte(cid), uplink)
		}
		if len(data[i:]) < info.size+1 {
			return nil, fmt.Errorf("lorawan: not enough bytes for CID 0x%02x payload", byte(cid))
		}
		mc := &MACCommand{}
		if err := mc.UnmarshalBinary(uplink, data[i:i+1+info.size]); err != nil {
			return nil, err
		}
		out = append(out, mc)
		i += 1 + info.size
	}
	return out, nil
}

// encodeFrequency encodes a frequency (Hz) as 3 bytes little-endian. Bands
// below 2.4 GHz encode in steps of 100 Hz, above in steps of 200 Hz.
func encodeFrequency(freq uint32) ([]byte, error) {
	mult := uint32(100)
	if freq >= 2400000000 {
		mult = 200
	}
	if freq%mult != 0 {
		return nil, fmt.Errorf("lorawan: frequency must be a multiple of %d", mult)
	}
	f := freq / mult
	if f >= (1 << 24) {
		return nil, errors.New("lorawan: max frequency value is 2^24 - 1")
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, f)
	return b[0:3], nil
}

// decodeFrequency decodes a 3-byte little-endian frequency to Hz. Encoded
// values of 12000000 and up can only belong to the 2.4 GHz band.
func decodeFrequency(data []byte) (uint32, error) {
	if len(data) != 3 {
		return 0, errors.New("lorawan: 3 bytes of data are expected")
	}
	var b [4]byte
	copy(b[:], data)
	f := binary.LittleEndian.Uint32(b[:])
	if f >= 12000000 {
		return f * 200, nil
	}
	return f * 100, nil
}

// Version represents a LoRaWAN minor version as carried by the Reset and
// Rekey commands.
type Version struct {
	Minor uint8
}

// MarshalBinary implements MACCommandPayload
func (v Version) MarshalBinary() ([]byte, error) {
	if v.Minor > 15 {
		return nil, errors.New("lorawan: max value of Minor is 15")
	}
	return []byte{v.Minor}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (v *Version) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	v.Minor = data[0] & 0x0f
	return nil
}

// ResetIndPayload payload of the ResetInd command
type ResetIndPayload struct {
	DevLoRaWANVersion Version
}

// MarshalBinary implements MACCommandPayload
func (p ResetIndPayload) MarshalBinary() ([]byte, error) {
	return p.DevLoRaWANVersion.MarshalBinary()
}

// UnmarshalBinary implements MACCommandPayload
func (p *ResetIndPayload) UnmarshalBinary(data []byte) error {
	return p.DevLoRaWANVersion.UnmarshalBinary(data)
}

// ResetConfPayload payload of the ResetConf command
type ResetConfPayload struct {
	ServLoRaWANVersion Version
}

// MarshalBinary implements MACCommandPayload
func (p ResetConfPayload) MarshalBinary() ([]byte, error) {
	return p.ServLoRaWANVersion.MarshalBinary()
}

// UnmarshalBinary implements MACCommandPayload
func (p *ResetConfPayload) UnmarshalBinary(data []byte) error {
	return p.ServLoRaWANVersion.UnmarshalBinary(data)
}

// LinkCheckAnsPayload payload of the LinkCheckAns command
type LinkCheckAnsPayload struct {
	Margin uint8
	GwCnt  uint8
}

// MarshalBinary implements MACCommandPayload
func (p LinkCheckAnsPayload) MarshalBinary() ([]byte, error) {
	return []byte{p.Margin, p.GwCnt}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *LinkCheckAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return errors.New("lorawan: 2 bytes of data are expected")
	}
	p.Margin = data[0]
	p.GwCnt = data[1]
	return nil
}

// ChMask encodes the channels usable for uplink access, 16 channels per
// mask.
type ChMask [16]bool

// MarshalBinary implements MACCommandPayload
func (m ChMask) MarshalBinary() ([]byte, error) {
	b := make([]byte, 2)
	for i := uint8(0); i < 16; i++ {
		if m[i] {
			b[i/8] |= 1 << (i % 8)
		}
	}
	return b, nil
}

// UnmarshalBinary implements MACCommandPayload
func (m *ChMask) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return errors.New("lorawan: 2 bytes of data are expected")
	}
	for i := uint8(0); i < 16; i++ {
		m[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return nil
}

// Redundancy contains the ChMaskCntl and NbRep fields of a LinkADRReq.
type Redundancy struct {
	ChMaskCntl uint8
	NbRep      uint8
}

// MarshalBinary implements MACCommandPayload
func (r Redundancy) MarshalBinary() ([]byte, error) {
	if r.NbRep > 15 {
		return nil, errors.New("lorawan: max value of NbRep is 15")
	}
	if r.ChMaskCntl > 7 {
		return nil, errors.New("lorawan: max value of ChMaskCntl is 7")
	}
	return []byte{r.NbRep | (r.ChMaskCntl << 4)}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (r *Redundancy) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	r.NbRep = data[0] & 0x0f
	r.ChMaskCntl = (data[0] & 0x70) >> 4
	return nil
}

// LinkADRReqPayload payload of the LinkADRReq command
type LinkADRReqPayload struct {
	DataRate   uint8
	TXPower    uint8
	ChMask     ChMask
	Redundancy Redundancy
}

// MarshalBinary implements MACCommandPayload
func (p LinkADRReqPayload) MarshalBinary() ([]byte, error) {
	if p.DataRate > 15 {
		return nil, errors.New("lorawan: max value of DataRate is 15")
	}
	if p.TXPower > 15 {
		return nil, errors.New("lorawan: max value of TXPower is 15")
	}

	out := make([]byte, 0, 4)
	out = append(out, p.TXPower|(p.DataRate<<4))

	b, err := p.ChMask.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)

	b, err = p.Redundancy.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(out, b...), nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *LinkADRReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return errors.New("lorawan: 4 bytes of data are expected")
	}
	p.TXPower = data[0] & 0x0f
	p.DataRate = (data[0] & 0xf0) >> 4
	if err := p.ChMask.UnmarshalBinary(data[1:3]); err != nil {
		return err
	}
	return p.Redundancy.UnmarshalBinary(data[3:4])
}

// LinkADRAnsPayload payload of the LinkADRAns command
type LinkADRAnsPayload struct {
	ChannelMaskACK bool
	DataRateACK    bool
	PowerACK       bool
}

// MarshalBinary implements MACCommandPayload
func (p LinkADRAnsPayload) MarshalBinary() ([]byte, error) {
	var b byte
	if p.ChannelMaskACK {
		b |= 0x01
	}
	if p.DataRateACK {
		b |= 0x02
	}
	if p.PowerACK {
		b |= 0x04
	}
	return []byte{b}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *LinkADRAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.ChannelMaskACK = data[0]&0x01 != 0
	p.DataRateACK = data[0]&0x02 != 0
	p.PowerACK = data[0]&0x04 != 0
	return nil
}

// DutyCycleReqPayload payload of the DutyCycleReq command
type DutyCycleReqPayload struct {
	MaxDCycle uint8
}

// MarshalBinary implements MACCommandPayload
func (p DutyCycleReqPayload) MarshalBinary() ([]byte, error) {
	if p.MaxDCycle > 15 && p.MaxDCycle < 255 {
		return nil, errors.New("lorawan: MaxDCycle must be between 0 and 15 or 255")
	}
	return []byte{p.MaxDCycle}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *DutyCycleReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.MaxDCycle = data[0]
	return nil
}

// RXParamSetupReqPayload payload of the RXParamSetupReq command
type RXParamSetupReqPayload struct {
	DLSettings DLSettings
	Frequency  uint32
}

// MarshalBinary implements MACCommandPayload
func (p RXParamSetupReqPayload) MarshalBinary() ([]byte, error) {
	b, err := p.DLSettings.MarshalBinary()
	if err != nil {
		return nil, err
	}
	freq, err := encodeFrequency(p.Frequency)
	if err != nil {
		return nil, err
	}
	return append(b, freq...), nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *RXParamSetupReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return errors.New("lorawan: 4 bytes of data are expected")
	}
	if err := p.DLSettings.UnmarshalBinary(data[0:1]); err != nil {
		return err
	}
	freq, err := decodeFrequency(data[1:4])
	if err != nil {
		return err
	}
	p.Frequency = freq
	return nil
}

// RXParamSetupAnsPayload payload of the RXParamSetupAns command
type RXParamSetupAnsPayload struct {
	ChannelACK     bool
	RX2DataRateACK bool
	RX1DROffsetACK bool
}

// MarshalBinary implements MACCommandPayload
func (p RXParamSetupAnsPayload) MarshalBinary() ([]byte, error) {
	var b byte
	if p.ChannelACK {
		b |= 0x01
	}
	if p.RX2DataRateACK {
		b |= 0x02
	}
	if p.RX1DROffsetACK {
		b |= 0x04
	}
	return []byte{b}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *RXParamSetupAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.ChannelACK = data[0]&0x01 != 0
	p.RX2DataRateACK = data[0]&0x02 != 0
	p.RX1DROffsetACK = data[0]&0x04 != 0
	return nil
}

// DevStatusAnsPayload payload of the DevStatusAns command
type DevStatusAnsPayload struct {
	Battery uint8
	Margin  int8
}

// MarshalBinary implements MACCommandPayload
func (p DevStatusAnsPayload) MarshalBinary() ([]byte, error) {
	if p.Margin < -32 {
		return nil, errors.New("lorawan: min value of Margin is -32")
	}
	if p.Margin > 31 {
		return nil, errors.New("lorawan: max value of Margin is 31")
	}

	b := []byte{p.Battery}
	if p.Margin < 0 {
		b = append(b, uint8(64+p.Margin))
	} else {
		b = append(b, uint8(p.Margin))
	}
	return b, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *DevStatusAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return errors.New("lorawan: 2 bytes of data are expected")
	}
	p.Battery = data[0]
	if data[1] > 31 {
		p.Margin = int8(data[1]) - 64
	} else {
		p.Margin = int8(data[1])
	}
	return nil
}

// NewChannelReqPayload payload of the NewChannelReq command
type NewChannelReqPayload struct {
	ChIndex uint8
	Freq    uint32
	MaxDR   uint8
	MinDR   uint8
}

// MarshalBinary implements MACCommandPayload
func (p NewChannelReqPayload) MarshalBinary() ([]byte, error) {
	if p.MaxDR > 15 {
		return nil, errors.New("lorawan: max value of MaxDR is 15")
	}
	if p.MinDR > 15 {
		return nil, errors.New("lorawan: max value of MinDR is 15")
	}

	out := []byte{p.ChIndex}
	// a frequency of 0 disables the channel
	freq, err := encodeFrequency(p.Freq)
	if err != nil {
		return nil, err
	}
	out = append(out, freq...)
	return append(out, p.MinDR|(p.MaxDR<<4)), nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *NewChannelReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 5 {
		return errors.New("lorawan: 5 bytes of data are expected")
	}
	p.ChIndex = data[0]
	freq, err := decodeFrequency(data[1:4])
	if err != nil {
		return err
	}
	p.Freq = freq
	p.MinDR = data[4] & 0x0f
	p.MaxDR = (data[4] & 0xf0) >> 4
	return nil
}

// NewChannelAnsPayload payload of the NewChannelAns command
type NewChannelAnsPayload struct {
	ChannelFrequencyOK bool
	DataRateRangeOK    bool
}

// MarshalBinary implements MACCommandPayload
func (p NewChannelAnsPayload) MarshalBinary() ([]byte, error) {
	var b byte
	if p.ChannelFrequencyOK {
		b |= 0x01
	}
	if p.DataRateRangeOK {
		b |= 0x02
	}
	return []byte{b}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *NewChannelAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.ChannelFrequencyOK = data[0]&0x01 != 0
	p.DataRateRangeOK = data[0]&0x02 != 0
	return nil
}

// RXTimingSetupReqPayload payload of the RXTimingSetupReq command
type RXTimingSetupReqPayload struct {
	Delay uint8
}

// MarshalBinary implements MACCommandPayload
func (p RXTimingSetupReqPayload) MarshalBinary() ([]byte, error) {
	if p.Delay > 15 {
		return nil, errors.New("lorawan: max value of Delay is 15")
	}
	return []byte{p.Delay}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *RXTimingSetupReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.Delay = data[0] & 0x0f
	return nil
}

// TXParamSetupReqPayload payload of the TXParamSetupReq command
type TXParamSetupReqPayload struct {
	DownlinkDwellTime DwellTime
	UplinkDwellTime   DwellTime
	MaxEIRP           uint8
}

// MarshalBinary implements MACCommandPayload
func (p TXParamSetupReqPayload) MarshalBinary() ([]byte, error) {
	if p.MaxEIRP > 15 {
		return nil, errors.New("lorawan: max value of MaxEIRP is 15")
	}
	b := p.MaxEIRP
	if p.DownlinkDwellTime == DwellTime400ms {
		b |= 1 << 4
	}
	if p.UplinkDwellTime == DwellTime400ms {
		b |= 1 << 5
	}
	return []byte{b}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *TXParamSetupReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.MaxEIRP = data[0] & 0x0f
	p.DownlinkDwellTime = DwellTimeNoLimit
	p.UplinkDwellTime = DwellTimeNoLimit
	if data[0]&(1<<4) != 0 {
		p.DownlinkDwellTime = DwellTime400ms
	}
	if data[0]&(1<<5) != 0 {
		p.UplinkDwellTime = DwellTime400ms
	}
	return nil
}

// DLChannelReqPayload payload of the DLChannelReq command
type DLChannelReqPayload struct {
	ChIndex uint8
	Freq    uint32
}

// MarshalBinary implements MACCommandPayload
func (p DLChannelReqPayload) MarshalBinary() ([]byte, error) {
	out := []byte{p.ChIndex}
	freq, err := encodeFrequency(p.Freq)
	if err != nil {
		return nil, err
	}
	return append(out, freq...), nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *DLChannelReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return errors.New("lorawan: 4 bytes of data are expected")
	}
	p.ChIndex = data[0]
	freq, err := decodeFrequency(data[1:4])
	if err != nil {
		return err
	}
	p.Freq = freq
	return nil
}

// DLChannelAnsPayload payload of the DLChannelAns command
type DLChannelAnsPayload struct {
	UplinkFrequencyExists bool
	ChannelFrequencyOK    bool
}

// MarshalBinary implements MACCommandPayload
func (p DLChannelAnsPayload) MarshalBinary() ([]byte, error) {
	var b byte
	if p.ChannelFrequencyOK {
		b |= 0x01
	}
	if p.UplinkFrequencyExists {
		b |= 0x02
	}
	return []byte{b}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *DLChannelAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.ChannelFrequencyOK = data[0]&0x01 != 0
	p.UplinkFrequencyExists = data[0]&0x02 != 0
	return nil
}

// RekeyIndPayload payload of the RekeyInd command
type RekeyIndPayload struct {
	DevLoRaWANVersion Version
}

// MarshalBinary implements MACCommandPayload
func (p RekeyIndPayload) MarshalBinary() ([]byte, error) {
	return p.DevLoRaWANVersion.MarshalBinary()
}

// UnmarshalBinary implements MACCommandPayload
func (p *RekeyIndPayload) UnmarshalBinary(data []byte) error {
	return p.DevLoRaWANVersion.UnmarshalBinary(data)
}

// RekeyConfPayload payload of the RekeyConf command
type RekeyConfPayload struct {
	ServLoRaWANVersion Version
}

// MarshalBinary implements MACCommandPayload
func (p RekeyConfPayload) MarshalBinary() ([]byte, error) {
	return p.ServLoRaWANVersion.MarshalBinary()
}

// UnmarshalBinary implements MACCommandPayload
func (p *RekeyConfPayload) UnmarshalBinary(data []byte) error {
	return p.ServLoRaWANVersion.UnmarshalBinary(data)
}

// ADRParam contains the ack-limit and ack-delay exponents.
type ADRParam struct {
	LimitExp uint8
	DelayExp uint8
}

// MarshalBinary implements MACCommandPayload
func (p ADRParam) MarshalBinary() ([]byte, error) {
	if p.LimitExp > 15 {
		return nil, errors.New("lorawan: max value of LimitExp is 15")
	}
	if p.DelayExp > 15 {
		return nil, errors.New("lorawan: max value of DelayExp is 15")
	}
	return []byte{p.DelayExp | (p.LimitExp << 4)}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *ADRParam) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.DelayExp = data[0] & 0x0f
	p.LimitExp = (data[0] & 0xf0) >> 4
	return nil
}

// ADRParamSetupReqPayload payload of the ADRParamSetupReq command
type ADRParamSetupReqPayload struct {
	ADRParam ADRParam
}

// MarshalBinary implements MACCommandPayload
func (p ADRParamSetupReqPayload) MarshalBinary() ([]byte, error) {
	return p.ADRParam.MarshalBinary()
}

// UnmarshalBinary implements MACCommandPayload
func (p *ADRParamSetupReqPayload) UnmarshalBinary(data []byte) error {
	return p.ADRParam.UnmarshalBinary(data)
}

// DeviceTimeAnsPayload payload of the DeviceTimeAns command
type DeviceTimeAnsPayload struct {
	TimeSinceGPSEpoch time.Duration
}

// MarshalBinary implements MACCommandPayload
func (p DeviceTimeAnsPayload) MarshalBinary() ([]byte, error) {
	secs := uint32(p.TimeSinceGPSEpoch / time.Second)
	frac := uint8((p.TimeSinceGPSEpoch % time.Second) / (time.Second / 256))

	out := make([]byte, 5)
	binary.LittleEndian.PutUint32(out[0:4], secs)
	out[4] = frac
	return out, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *DeviceTimeAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 5 {
		return errors.New("lorawan: 5 bytes of data are expected")
	}
	secs := binary.LittleEndian.Uint32(data[0:4])
	p.TimeSinceGPSEpoch = time.Duration(secs)*time.Second + time.Duration(data[4])*(time.Second/256)
	return nil
}

// ForceRejoinReqPayload payload of the ForceRejoinReq command
type ForceRejoinReqPayload struct {
	Period     uint8
	MaxRetries uint8
	RejoinType uint8
	DR         uint8
}

// MarshalBinary implements MACCommandPayload
func (p ForceRejoinReqPayload) MarshalBinary() ([]byte, error) {
	if p.Period > 7 {
		return nil, errors.New("lorawan: max value of Period is 7")
	}
	if p.MaxRetries > 7 {
		return nil, errors.New("lorawan: max value of MaxRetries is 7")
	}
	if p.RejoinType != 0 && p.RejoinType != 2 {
		return nil, errors.New("lorawan: RejoinType must be 0 or 2")
	}
	if p.DR > 15 {
		return nil, errors.New("lorawan: max value of DR is 15")
	}

	return []byte{
		p.DR | (p.RejoinType << 4),
		p.MaxRetries | (p.Period << 3),
	}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *ForceRejoinReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return errors.New("lorawan: 2 bytes of data are expected")
	}
	p.DR = data[0] & 0x0f
	p.RejoinType = (data[0] & 0x70) >> 4
	p.MaxRetries = data[1] & 0x07
	p.Period = (data[1] & 0x38) >> 3
	return nil
}

// RejoinParamSetupReqPayload payload of the RejoinParamSetupReq command
type RejoinParamSetupReqPayload struct {
	MaxTimeN  uint8
	MaxCountN uint8
}

// MarshalBinary implements MACCommandPayload
func (p RejoinParamSetupReqPayload) MarshalBinary() ([]byte, error) {
	if p.MaxTimeN > 15 {
		return nil, errors.New("lorawan: max value of MaxTimeN is 15")
	}
	if p.MaxCountN > 15 {
		return nil, errors.New("lorawan: max value of MaxCountN is 15")
	}
	return []byte{p.MaxCountN | (p.MaxTimeN << 4)}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *RejoinParamSetupReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.MaxCountN = data[0] & 0x0f
	p.MaxTimeN = (data[0] & 0xf0) >> 4
	return nil
}

// RejoinParamSetupAnsPayload payload of the RejoinParamSetupAns command
type RejoinParamSetupAnsPayload struct {
	TimeOK bool
}

// MarshalBinary implements MACCommandPayload
func (p RejoinParamSetupAnsPayload) MarshalBinary() ([]byte, error) {
	var b byte
	if p.TimeOK {
		b |= 0x01
	}
	return []byte{b}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *RejoinParamSetupAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.TimeOK = data[0]&0x01 != 0
	return nil
}

// PingSlotInfoReqPayload payload of the PingSlotInfoReq command
type PingSlotInfoReqPayload struct {
	Periodicity uint8
}

// MarshalBinary implements MACCommandPayload
func (p PingSlotInfoReqPayload) MarshalBinary() ([]byte, error) {
	if p.Periodicity > 7 {
		return nil, errors.New("lorawan: max value of Periodicity is 7")
	}
	return []byte{p.Periodicity}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *PingSlotInfoReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.Periodicity = data[0] & 0x07
	return nil
}

// PingSlotChannelReqPayload payload of the PingSlotChannelReq command
type PingSlotChannelReqPayload struct {
	Frequency uint32
	DR        uint8
}

// MarshalBinary implements MACCommandPayload
func (p PingSlotChannelReqPayload) MarshalBinary() ([]byte, error) {
	if p.DR > 15 {
		return nil, errors.New("lorawan: max value of DR is 15")
	}
	freq, err := encodeFrequency(p.Frequency)
	if err != nil {
		return nil, err
	}
	return append(freq, p.DR), nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *PingSlotChannelReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return errors.New("lorawan: 4 bytes of data are expected")
	}
	freq, err := decodeFrequency(data[0:3])
	if err != nil {
		return err
	}
	p.Frequency = freq
	p.DR = data[3] & 0x0f
	return nil
}

// PingSlotChannelAnsPayload payload of the PingSlotChannelAns command
type PingSlotChannelAnsPayload struct {
	DataRateOK         bool
	ChannelFrequencyOK bool
}

// MarshalBinary implements MACCommandPayload
func (p PingSlotChannelAnsPayload) MarshalBinary() ([]byte, error) {
	var b byte
	if p.ChannelFrequencyOK {
		b |= 0x01
	}
	if p.DataRateOK {
		b |= 0x02
	}
	return []byte{b}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *PingSlotChannelAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.ChannelFrequencyOK = data[0]&0x01 != 0
	p.DataRateOK = data[0]&0x02 != 0
	return nil
}

// BeaconFreqReqPayload payload of the BeaconFreqReq command
type BeaconFreqReqPayload struct {
	Frequency uint32
}

// MarshalBinary implements MACCommandPayload
func (p BeaconFreqReqPayload) MarshalBinary() ([]byte, error) {
	return encodeFrequency(p.Frequency)
}

// UnmarshalBinary implements MACCommandPayload
func (p *BeaconFreqReqPayload) UnmarshalBinary(data []byte) error {
	freq, err := decodeFrequency(data)
	if err != nil {
		return err
	}
	p.Frequency = freq
	return nil
}

// BeaconFreqAnsPayload payload of the BeaconFreqAns command
type BeaconFreqAnsPayload struct {
	BeaconFrequencyOK bool
}

// MarshalBinary implements MACCommandPayload
func (p BeaconFreqAnsPayload) MarshalBinary() ([]byte, error) {
	var b byte
	if p.BeaconFrequencyOK {
		b |= 0x01
	}
	return []byte{b}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *BeaconFreqAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.BeaconFrequencyOK = data[0]&0x01 != 0
	return nil
}

// DeviceModeClass is the device class carried by the DeviceMode commands.
type DeviceModeClass byte

// Device classes
const (
	DeviceModeClassA DeviceModeClass = 0x00
	DeviceModeClassC DeviceModeClass = 0x02
)

// DeviceModeIndPayload payload of the DeviceModeInd command
type DeviceModeIndPayload struct {
	Class DeviceModeClass
}

// MarshalBinary implements MACCommandPayload
func (p DeviceModeIndPayload) MarshalBinary() ([]byte, error) {
	return []byte{byte(p.Class)}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *DeviceModeIndPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.Class = DeviceModeClass(data[0])
	return nil
}

// DeviceModeConfPayload payload of the DeviceModeConf command
type DeviceModeConfPayload struct {
	Class DeviceModeClass
}

// MarshalBinary implements MACCommandPayload
func (p DeviceModeConfPayload) MarshalBinary() ([]byte, error) {
	return []byte{byte(p.Class)}, nil
}

// UnmarshalBinary implements MACCommandPayload
func (p *DeviceModeConfPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	p.Class = DeviceModeClass(data[0])
	return nil
}
