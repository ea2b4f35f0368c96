package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jacobsa/crypto/cmac"
)

// Payload is the interface implemented by every MACPayload variant.
type Payload interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(uplink bool, data []byte) error
}

// DataPayload carries a slice of raw bytes.
type DataPayload struct {
	Bytes []byte
}

// MarshalBinary implements Payload
func (p DataPayload) MarshalBinary() ([]byte, error) {
	return p.Bytes, nil
}

// UnmarshalBinary implements Payload
func (p *DataPayload) UnmarshalBinary(uplink bool, data []byte) error {
	p.Bytes = make([]byte, len(data))
	copy(p.Bytes, data)
	return nil
}

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

// MarshalBinary encodes the MHDR byte.
func (h MHDR) MarshalBinary() ([]byte, error) {
	return []byte{(byte(h.MType) << 5) | (byte(h.Major) & 0x03)}, nil
}

// UnmarshalBinary decodes the MHDR byte.
func (h *MHDR) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	h.MType = MType(data[0] >> 5)
	h.Major = Major(data[0] & 0x03)
	return nil
}

// FCtrl represents the frame control byte. FPending is downlink only and
// ClassB uplink only; they share the same bit on the wire.
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	FPending  bool
	ClassB    bool

	fOptsLen uint8
}

// MarshalBinary encodes the FCtrl byte.
func (c FCtrl) MarshalBinary() ([]byte, error) {
	if c.fOptsLen > 15 {
		return nil, errors.New("lorawan: max number of FOpts bytes is 15")
	}

	var b byte
	if c.ADR {
		b |= 0x80
	}
	if c.ADRACKReq {
		b |= 0x40
	}
	if c.ACK {
		b |= 0x20
	}
	if c.FPending || c.ClassB {
		b |= 0x10
	}
	b |= c.fOptsLen & 0x0f

	return []byte{b}, nil
}

// UnmarshalBinary decodes the FCtrl byte.
func (c *FCtrl) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	c.ADR = data[0]&0x80 != 0
	c.ADRACKReq = data[0]&0x40 != 0
	c.ACK = data[0]&0x20 != 0
	if uplink {
		c.ClassB = data[0]&0x10 != 0
	} else {
		c.FPending = data[0]&0x10 != 0
	}
	c.fOptsLen = data[0] & 0x0f
	return nil
}

// FHDR represents the frame header. FCnt holds the full 32-bit counter of
// which only the 16 LSB go on the wire. FOpts contains a single DataPayload
// directly after unmarshalling; DecodeFOptsToMACCommands converts it to
// typed MACCommand entries.
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint32
	FOpts   []Payload
}

// MarshalBinary encodes the frame header.
func (h FHDR) MarshalBinary() ([]byte, error) {
	var fOpts []byte
	for _, p := range h.FOpts {
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, err
		}
		fOpts = append(fOpts, b...)
	}
	if len(fOpts) > 15 {
		return nil, errors.New("lorawan: max number of FOpts bytes is 15")
	}

	h.FCtrl.fOptsLen = uint8(len(fOpts))

	out := make([]byte, 0, 7+len(fOpts))
	b, err := h.DevAddr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)

	b, err = h.FCtrl.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)

	fCnt := make([]byte, 2)
	binary.LittleEndian.PutUint16(fCnt, uint16(h.FCnt))
	out = append(out, fCnt...)
	out = append(out, fOpts...)

	return out, nil
}

// UnmarshalBinary decodes the frame header.
func (h *FHDR) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) < 7 {
		return errors.New("lorawan: at least 7 bytes of data are expected")
	}
	if err := h.DevAddr.UnmarshalBinary(data[0:4]); err != nil {
		return err
	}
	if err := h.FCtrl.UnmarshalBinary(uplink, data[4:5]); err != nil {
		return err
	}
	h.FCnt = uint32(binary.LittleEndian.Uint16(data[5:7]))

	if len(data) != 7+int(h.FCtrl.fOptsLen) {
		return errors.New("lorawan: data is too short for the given FOptsLen")
	}
	if h.FCtrl.fOptsLen > 0 {
		h.FOpts = []Payload{&DataPayload{Bytes: data[7 : 7+h.FCtrl.fOptsLen]}}
	}
	return nil
}

// MACPayload represents the MAC payload of a data frame
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []Payload
}

func (p MACPayload) marshalFRMPayload() ([]byte, error) {
	var out []byte
	for _, fp := range p.FRMPayload {
		b, err := fp.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// MarshalBinary encodes the MAC payload.
func (p MACPayload) MarshalBinary() ([]byte, error) {
	if p.FPort != nil && *p.FPort == 0 && len(p.FHDR.FOpts) > 0 {
		return nil, errors.New("lorawan: FPort must not be 0 when FOpts are set")
	}

	out, err := p.FHDR.MarshalBinary()
	if err != nil {
		return nil, err
	}

	if p.FPort == nil {
		if len(p.FRMPayload) != 0 {
			return nil, errors.New("lorawan: FPort must be set when FRMPayload is not empty")
		}
		return out, nil
	}
	out = append(out, *p.FPort)

	frm, err := p.marshalFRMPayload()
	if err != nil {
		return nil, err
	}
	return append(out, frm...), nil
}

// UnmarshalBinary decodes the MAC payload. The FRMPayload is kept as a raw
// DataPayload; interpretation depends on the FPort and session keys.
func (p *MACPayload) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) < 7 {
		return errors.New("lorawan: at least 7 bytes of data are expected")
	}
	fOptsLen := int(data[4] & 0x0f)
	if len(data) < 7+fOptsLen {
		return errors.New("lorawan: data is too short for the given FOptsLen")
	}
	if err := p.FHDR.UnmarshalBinary(uplink, data[0:7+fOptsLen]); err != nil {
		return err
	}

	if len(data) > 7+fOptsLen {
		fPort := data[7+fOptsLen]
		p.FPort = &fPort
		if len(data) > 7+fOptsLen+1 {
			frm := &DataPayload{}
			if err := frm.UnmarshalBinary(uplink, data[7+fOptsLen+1:]); err != nil {
				return err
			}
			p.FRMPayload = []Payload{frm}
		}
	}
	return nil
}

// JoinRequestPayload represents the join-request payload
type JoinRequestPayload struct {
	JoinEUI  EUI64
	DevEUI   EUI64
	DevNonce DevNonce
}

// MarshalBinary encodes the join-request payload.
func (p JoinRequestPayload) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 18)
	b, err := p.JoinEUI.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	b, err = p.DevEUI.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)

	dn := make([]byte, 2)
	binary.LittleEndian.PutUint16(dn, uint16(p.DevNonce))
	return append(out, dn...), nil
}

// UnmarshalBinary decodes the join-request payload.
func (p *JoinRequestPayload) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) != 18 {
		return errors.New("lorawan: 18 bytes of data are expected")
	}
	if err := p.JoinEUI.UnmarshalBinary(data[0:8]); err != nil {
		return err
	}
	if err := p.DevEUI.UnmarshalBinary(data[8:16]); err != nil {
		return err
	}
	p.DevNonce = DevNonce(binary.LittleEndian.Uint16(data[16:18]))
	return nil
}

// DLSettings represents the join-accept downlink settings
type DLSettings struct {
	OptNeg      bool
	RX1DROffset uint8
	RX2DataRate uint8
}

// MarshalBinary encodes the DLSettings byte.
func (s DLSettings) MarshalBinary() ([]byte, error) {
	if s.RX1DROffset > 7 {
		return nil, errors.New("lorawan: max value of RX1DROffset is 7")
	}
	if s.RX2DataRate > 15 {
		return nil, errors.New("lorawan: max value of RX2DataRate is 15")
	}
	b := s.RX2DataRate | (s.RX1DROffset << 4)
	if s.OptNeg {
		b |= 0x80
	}
	return []byte{b}, nil
}

// UnmarshalBinary decodes the DLSettings byte.
func (s *DLSettings) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return errors.New("lorawan: 1 byte of data is expected")
	}
	s.OptNeg = data[0]&0x80 != 0
	s.RX1DROffset = (data[0] & 0x70) >> 4
	s.RX2DataRate = data[0] & 0x0f
	return nil
}

// JoinAcceptPayload represents the join-accept payload
type JoinAcceptPayload struct {
	JoinNonce  JoinNonce
	HomeNetID  NetID
	DevAddr    DevAddr
	DLSettings DLSettings
	RXDelay    uint8
	CFList     *CFList
}

// MarshalBinary encodes the join-accept payload.
func (p JoinAcceptPayload) MarshalBinary() ([]byte, error) {
	if p.RXDelay > 15 {
		return nil, errors.New("lorawan: max value of RXDelay is 15")
	}

	out := make([]byte, 0, 12)
	jn := make([]byte, 4)
	binary.LittleEndian.PutUint32(jn, uint32(p.JoinNonce))
	out = append(out, jn[0:3]...)

	b, err := p.HomeNetID.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)

	b, err = p.DevAddr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)

	b, err = p.DLSettings.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	out = append(out, p.RXDelay)

	if p.CFList != nil {
		b, err = p.CFList.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// UnmarshalBinary decodes the (decrypted) join-accept payload.
func (p *JoinAcceptPayload) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) != 12 && len(data) != 28 {
		return errors.New("lorawan: 12 or 28 bytes of data are expected (excluding MIC)")
	}

	var jn [4]byte
	copy(jn[0:3], data[0:3])
	p.JoinNonce = JoinNonce(binary.LittleEndian.Uint32(jn[:]))

	if err := p.HomeNetID.UnmarshalBinary(data[3:6]); err != nil {
		return err
	}
	if err := p.DevAddr.UnmarshalBinary(data[6:10]); err != nil {
		return err
	}
	if err := p.DLSettings.UnmarshalBinary(data[10:11]); err != nil {
		return err
	}
	p.RXDelay = data[11]

	if len(data) == 28 {
		p.CFList = &CFList{}
		if err := p.CFList.UnmarshalBinary(data[12:28]); err != nil {
			return err
		}
	}
	return nil
}

// RejoinRequestType02Payload represents a rejoin-request of type 0 or 2
type RejoinRequestType02Payload struct {
	RejoinType JoinType
	NetID      NetID
	DevEUI     EUI64
	RJCount0   uint16
}

// MarshalBinary encodes the rejoin-request payload.
func (p RejoinRequestType02Payload) MarshalBinary() ([]byte, error) {
	if p.RejoinType != RejoinRequestType0 && p.RejoinType != RejoinRequestType2 {
		return nil, errors.New("lorawan: RejoinType must be 0 or 2")
	}
	out := []byte{byte(p.RejoinType)}
	b, err := p.NetID.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	b, err = p.DevEUI.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)

	rj := make([]byte, 2)
	binary.LittleEndian.PutUint16(rj, p.RJCount0)
	return append(out, rj...), nil
}

// UnmarshalBinary decodes the rejoin-request payload.
func (p *RejoinRequestType02Payload) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) != 14 {
		return errors.New("lorawan: 14 bytes of data are expected")
	}
	p.RejoinType = JoinType(data[0])
	if err := p.NetID.UnmarshalBinary(data[1:4]); err != nil {
		return err
	}
	if err := p.DevEUI.UnmarshalBinary(data[4:12]); err != nil {
		return err
	}
	p.RJCount0 = binary.LittleEndian.Uint16(data[12:14])
	return nil
}

// RejoinRequestType1Payload represents a rejoin-request of type 1
type RejoinRequestType1Payload struct {
	RejoinType JoinType
	JoinEUI    EUI64
	DevEUI     EUI64
	RJCount1   uint16
}

// MarshalBinary encodes the rejoin-request payload.
func (p RejoinRequestType1Payload) MarshalBinary() ([]byte, error) {
	if p.RejoinType != RejoinRequestType1 {
		return nil, errors.New("lorawan: RejoinType must be 1")
	}
	out := []byte{byte(p.RejoinType)}
	b, err := p.JoinEUI.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	b, err = p.DevEUI.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)

	rj := make([]byte, 2)
	binary.LittleEndian.PutUint16(rj, p.RJCount1)
	return append(out, rj...), nil
}

// UnmarshalBinary decodes the rejoin-request payload.
func (p *RejoinRequestType1Payload) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) != 19 {
		return errors.New("lorawan: 19 bytes of data are expected")
	}
	p.RejoinType = JoinType(data[0])
	if err := p.JoinEUI.UnmarshalBinary(data[1:9]); err != nil {
		return err
	}
	if err := p.DevEUI.UnmarshalBinary(data[9:17]); err != nil {
		return err
	}
	p.RJCount1 = binary.LittleEndian.Uint16(data[17:19])
	return nil
}

// PHYPayload represents the physical payload
type PHYPayload struct {
	MHDR       MHDR
	MACPayload Payload
	MIC        MIC
}

// isUplink returns true when the MType is an uplink message type.
func (p PHYPayload) isUplink() bool {
	switch p.MHDR.MType {
	case JoinRequest, RejoinRequest, UnconfirmedDataUp, ConfirmedDataUp:
		return true
	default:
		return false
	}
}

// MarshalBinary encodes the PHYPayload.
func (p PHYPayload) MarshalBinary() ([]byte, error) {
	if p.MACPayload == nil {
		return nil, errors.New("lorawan: MACPayload should not be nil")
	}

	out, err := p.MHDR.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b, err := p.MACPayload.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	return append(out, p.MIC[:]...), nil
}

// UnmarshalBinary decodes the PHYPayload.
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return errors.New("lorawan: at least 5 bytes are expected")
	}
	if err := p.MHDR.UnmarshalBinary(data[0:1]); err != nil {
		return err
	}

	switch p.MHDR.MType {
	case JoinRequest:
		p.MACPayload = &JoinRequestPayload{}
	case JoinAccept:
		// stays encrypted until DecryptJoinAcceptPayload
		p.MACPayload = &DataPayload{}
	case RejoinRequest:
		switch data[1] {
		case 0, 2:
			p.MACPayload = &RejoinRequestType02Payload{}
		case 1:
			p.MACPayload = &RejoinRequestType1Payload{}
		default:
			return fmt.Errorf("lorawan: invalid RejoinType %d", data[1])
		}
	case UnconfirmedDataUp, UnconfirmedDataDown, ConfirmedDataUp, ConfirmedDataDown:
		p.MACPayload = &MACPayload{}
	case Proprietary:
		p.MACPayload = &DataPayload{}
	default:
		return fmt.Errorf("lorawan: unknown MType %d", p.MHDR.MType)
	}

	if err := p.MACPayload.UnmarshalBinary(p.isUplink(), data[1:len(data)-4]); err != nil {
		return err
	}
	copy(p.MIC[:], data[len(data)-4:])
	return nil
}

func computeCMAC(key AES128Key, blocks ...[]byte) ([]byte, error) {
	hash, err := cmac.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("new cmac: %w", err)
	}
	for _, b := range blocks {
		if _, err := hash.Write(b); err != nil {
			return nil, fmt.Errorf("cmac write: %w", err)
		}
	}
	return hash.Sum([]byte{}), nil
}

// micBytes returns MHDR | MACPayload as covered by every data / join MIC.
func (p PHYPayload) micBytes() ([]byte, error) {
	out, err := p.MHDR.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b, err := p.MACPayload.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(out, b...), nil
}

// calculateUplinkDataMIC computes the uplink data MIC. For LoRaWAN 1.0 the
// MIC is the first 4 bytes of CMAC(FNwkSIntKey, B0 | msg). For 1.1 it is
// cmacS[0:2] | cmacF[0:2] where cmacS additionally covers the confirmed
// frame-counter, TX data-rate and TX channel in the B1 block.
func (p PHYPayload) calculateUplinkDataMIC(macVersion MACVersion, confFCnt uint32, txDR, txCh uint8, fNwkSIntKey, sNwkSIntKey AES128Key) (MIC, error) {
	var mic MIC

	macPL, ok := p.MACPayload.(*MACPayload)
	if !ok {
		return mic, errors.New("lorawan: MACPayload must be of type *MACPayload")
	}

	// confFCnt is only used when the frame acknowledges a confirmed downlink
	if !macPL.FHDR.FCtrl.ACK {
		confFCnt = 0
	}
	confFCnt = confFCnt % (1 << 16)

	msg, err := p.micBytes()
	if err != nil {
		return mic, err
	}
	if len(msg) > 255 {
		return mic, errors.New("lorawan: maximum message length is 255 bytes")
	}

	devAddr, err := macPL.FHDR.DevAddr.MarshalBinary()
	if err != nil {
		return mic, err
	}

	b0 := make([]byte, 16)
	b1 := make([]byte, 16)
	b0[0] = 0x49
	b1[0] = 0x49
	binary.LittleEndian.PutUint16(b1[1:3], uint16(confFCnt))
	b1[3] = txDR
	b1[4] = txCh
	copy(b0[6:10], devAddr)
	copy(b1[6:10], devAddr)
	binary.LittleEndian.PutUint32(b0[10:14], macPL.FHDR.FCnt)
	binary.LittleEndian.PutUint32(b1[10:14], macPL.FHDR.FCnt)
	b0[15] = byte(len(msg))
	b1[15] = byte(len(msg))

	cmacF, err := computeCMAC(fNwkSIntKey, b0, msg)
	if err != nil {
		return mic, err
	}
	if len(cmacF) < 4 {
		return mic, errors.New("lorawan: cmacF is less than 4 bytes")
	}

	if macVersion == LoRaWAN1_0 {
		copy(mic[:], cmacF[0:4])
		return mic, nil
	}

	cmacS, err := computeCMAC(sNwkSIntKey, b1, msg)
	if err != nil {
		return mic, err
	}
	if len(cmacS) < 2 {
		return mic, errors.New("lorawan: cmacS is less than 2 bytes")
	}

	copy(mic[0:2], cmacS[0:2])
	copy(mic[2:4], cmacF[0:2])
	return mic, nil
}

// SetUplinkDataMIC computes and sets the uplink data MIC.
func (p *PHYPayload) SetUplinkDataMIC(macVersion MACVersion, confFCnt uint32, txDR, txCh uint8, fNwkSIntKey, sNwkSIntKey AES128Key) error {
	mic, err := p.calculateUplinkDataMIC(macVersion, confFCnt, txDR, txCh, fNwkSIntKey, sNwkSIntKey)
	if err != nil {
		return err
	}
	p.MIC = mic
	return nil
}

// ValidateUplinkDataMIC validates the uplink data MIC.
func (p PHYPayload) ValidateUplinkDataMIC(macVersion MACVersion, confFCnt uint32, txDR, txCh uint8, fNwkSIntKey, sNwkSIntKey AES128Key) (bool, error) {
	mic, err := p.calculateUplinkDataMIC(macVersion, confFCnt, txDR, txCh, fNwkSIntKey, sNwkSIntKey)
	if err != nil {
		return false, err
	}
	return p.MIC == mic, nil
}

// calculateDownlinkDataMIC computes the downlink data MIC. For 1.1 the B0
// block carries the frame-counter of the confirmed uplink being
// acknowledged.
func (p PHYPayload) calculateDownlinkDataMIC(macVersion MACVersion, confFCnt uint32, sNwkSIntKey AES128Key) (MIC, error) {
	var mic MIC

	macPL, ok := p.MACPayload.(*MACPayload)
	if !ok {
		return mic, errors.New("lorawan: MACPayload must be of type *MACPayload")
	}

	if macVersion == LoRaWAN1_0 || !macPL.FHDR.FCtrl.ACK {
		confFCnt = 0
	}
	confFCnt = confFCnt % (1 << 16)

	msg, err := p.micBytes()
	if err != nil {
		return mic, err
	}
	if len(msg) > 255 {
		return mic, errors.New("lorawan: maximum message length is 255 bytes")
	}

	devAddr, err := macPL.FHDR.DevAddr.MarshalBinary()
	if err != nil {
		return mic, err
	}

	b0 := make([]byte, 16)
	b0[0] = 0x49
	binary.LittleEndian.PutUint16(b0[1:3], uint16(confFCnt))
	b0[5] = 0x01
	copy(b0[6:10], devAddr)
	binary.LittleEndian.PutUint32(b0[10:14], macPL.FHDR.FCnt)
	b0[15] = byte(len(msg))

	hash, err := computeCMAC(sNwkSIntKey, b0, msg)
	if err != nil {
		return mic, err
	}
	if len(hash) < 4 {
		return mic, errors.New("lorawan: cmac is less than 4 bytes")
	}
	copy(mic[:], hash[0:4])
	return mic, nil
}

// SetDownlinkDataMIC computes and sets the downlink data MIC.
func (p *PHYPayload) SetDownlinkDataMIC(macVersion MACVersion, confFCnt uint32, sNwkSIntKey AES128Key) error {
	mic, err := p.calculateDownlinkDataMIC(macVersion, confFCnt, sNwkSIntKey)
	if err != nil {
		return err
	}
	p.MIC = mic
	return nil
}

// ValidateDownlinkDataMIC validates the downlink data MIC.
func (p PHYPayload) ValidateDownlinkDataMIC(macVersion MACVersion, confFCnt uint32, sNwkSIntKey AES128Key) (bool, error) {
	mic, err := p.calculateDownlinkDataMIC(macVersion, confFCnt, sNwkSIntKey)
	if err != nil {
		return false, err
	}
	return p.MIC == mic, nil
}

// calculateUplinkJoinMIC computes the join-request / rejoin-request MIC.
func (p PHYPayload) calculateUplinkJoinMIC(key AES128Key) (MIC, error) {
	var mic MIC
	msg, err := p.micBytes()
	if err != nil {
		return mic, err
	}
	hash, err := computeCMAC(key, msg)
	if err != nil {
		return mic, err
	}
	if len(hash) < 4 {
		return mic, errors.New("lorawan: cmac is less than 4 bytes")
	}
	copy(mic[:], hash[0:4])
	return mic, nil
}

// SetUplinkJoinMIC computes and sets the join-request MIC. The key is the
// NwkKey for a join-request, the SNwkSIntKey for a rejoin-request type 0 / 2
// and the JSIntKey for type 1.
func (p *PHYPayload) SetUplinkJoinMIC(key AES128Key) error {
	mic, err := p.calculateUplinkJoinMIC(key)
	if err != nil {
		return err
	}
	p.MIC = mic
	return nil
}

// ValidateUplinkJoinMIC validates the join-request MIC.
func (p PHYPayload) ValidateUplinkJoinMIC(key AES128Key) (bool, error) {
	mic, err := p.calculateUplinkJoinMIC(key)
	if err != nil {
		return false, err
	}
	return p.MIC == mic, nil
}

// calculateDownlinkJoinMIC computes the join-accept MIC. With OptNeg set
// (LoRaWAN 1.1) the MIC additionally covers the join-request type, JoinEUI
// and DevNonce and is keyed with the JSIntKey; without OptNeg the NwkKey
// applies.
func (p PHYPayload) calculateDownlinkJoinMIC(joinReqType JoinType, joinEUI EUI64, devNonce DevNonce, key AES128Key) (MIC, error) {
	var mic MIC

	jaPL, ok := p.MACPayload.(*JoinAcceptPayload)
	if !ok {
		return mic, errors.New("lorawan: MACPayload must be of type *JoinAcceptPayload")
	}

	var msg []byte
	if jaPL.DLSettings.OptNeg {
		msg = append(msg, byte(joinReqType))
		b, err := joinEUI.MarshalBinary()
		if err != nil {
			return mic, err
		}
		msg = append(msg, b...)
		dn := make([]byte, 2)
		binary.LittleEndian.PutUint16(dn, uint16(devNonce))
		msg = append(msg, dn...)
	}

	b, err := p.micBytes()
	if err != nil {
		return mic, err
	}
	msg = append(msg, b...)

	hash, err := computeCMAC(key, msg)
	if err != nil {
		return mic, err
	}
	if len(hash) < 4 {
		return mic, errors.New("lorawan: cmac is less than 4 bytes")
	}
	copy(mic[:], hash[0:4])
	return mic, nil
}

// SetDownlinkJoinMIC computes and sets the join-accept MIC.
func (p *PHYPayload) SetDownlinkJoinMIC(joinReqType JoinType, joinEUI EUI64, devNonce DevNonce, key AES128Key) error {
	mic, err := p.calculateDownlinkJoinMIC(joinReqType, joinEUI, devNonce, key)
	if err != nil {
		return err
	}
	p.MIC = mic
	return nil
}

// ValidateDownlinkJoinMIC validates the join-accept MIC.
func (p PHYPayload) ValidateDownlinkJoinMIC(joinReqType JoinType, joinEUI EUI64, devNonce DevNonce, key AES128Key) (bool, error) {
	mic, err := p.calculateDownlinkJoinMIC(joinReqType, joinEUI, devNonce, key)
	if err != nil {
		return false, err
	}
	return p.MIC == mic, nil
}

// EncryptJoinAcceptPayload encrypts the join-accept payload together with
// the MIC. The device decrypts with an AES encrypt operation, so the server
// side encrypts with AES decrypt.
func (p *PHYPayload) EncryptJoinAcceptPayload(key AES128Key) error {
	if _, ok := p.MACPayload.(*JoinAcceptPayload); !ok {
		return errors.New("lorawan: MACPayload must be of type *JoinAcceptPayload")
	}

	pt, err := p.MACPayload.MarshalBinary()
	if err != nil {
		return err
	}
	pt = append(pt, p.MIC[:]...)
	if len(pt)%16 != 0 {
		return errors.New("lorawan: plaintext must be a multiple of 16 bytes")
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}

	ct := make([]byte, len(pt))
	for i := 0; i < len(ct)/16; i++ {
		offset := i * 16
		block.Decrypt(ct[offset:offset+16], pt[offset:offset+16])
	}
	p.MACPayload = &DataPayload{Bytes: ct[0 : len(ct)-4]}
	copy(p.MIC[:], ct[len(ct)-4:])
	return nil
}

// DecryptJoinAcceptPayload decrypts the join-accept payload and restores
// the typed JoinAcceptPayload and the real MIC.
func (p *PHYPayload) DecryptJoinAcceptPayload(key AES128Key) error {
	dp, ok := p.MACPayload.(*DataPayload)
	if !ok {
		return errors.New("lorawan: MACPayload must be of type *DataPayload")
	}

	// the MIC is encrypted together with the payload
	ct := append(dp.Bytes, p.MIC[:]...)
	if len(ct)%16 != 0 {
		return errors.New("lorawan: ciphertext must be a multiple of 16 bytes")
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}

	pt := make([]byte, len(ct))
	for i := 0; i < len(pt)/16; i++ {
		offset := i * 16
		block.Encrypt(pt[offset:offset+16], ct[offset:offset+16])
	}

	p.MACPayload = &JoinAcceptPayload{}
	copy(p.MIC[:], pt[len(pt)-4:])
	return p.MACPayload.UnmarshalBinary(p.isUplink(), pt[0:len(pt)-4])
}

// EncryptFRMPayload encrypts the FRMPayload with the given key.
func (p *PHYPayload) EncryptFRMPayload(key AES128Key) error {
	macPL, ok := p.MACPayload.(*MACPayload)
	if !ok {
		return errors.New("lorawan: MACPayload must be of type *MACPayload")
	}
	if len(macPL.FRMPayload) == 0 {
		return nil
	}

	data, err := macPL.marshalFRMPayload()
	if err != nil {
		return err
	}
	data, err = EncryptFRMPayload(key, p.isUplink(), macPL.FHDR.DevAddr, macPL.FHDR.FCnt, data)
	if err != nil {
		return err
	}
	macPL.FRMPayload = []Payload{&DataPayload{Bytes: data}}
	return nil
}

// DecryptFRMPayload decrypts the FRMPayload with the given key. When the
// FPort is 0 the decrypted bytes are decoded into MAC commands.
func (p *PHYPayload) DecryptFRMPayload(key AES128Key) error {
	if err := p.EncryptFRMPayload(key); err != nil {
		return err
	}

	macPL, ok := p.MACPayload.(*MACPayload)
	if !ok {
		return errors.New("lorawan: MACPayload must be of type *MACPayload")
	}

	if macPL.FPort != nil && *macPL.FPort == 0 {
		return p.DecodeFRMPayloadToMACCommands()
	}
	return nil
}

// EncryptFOpts encrypts the FOpts with the NwkSEncKey (LoRaWAN 1.1).
func (p *PHYPayload) EncryptFOpts(nwkSEncKey AES128Key) error {
	macPL, ok := p.MACPayload.(*MACPayload)
	if !ok {
		return errors.New("lorawan: MACPayload must be of type *MACPayload")
	}
	if len(macPL.FHDR.FOpts) == 0 {
		return nil
	}

	var data []byte
	for _, fp := range macPL.FHDR.FOpts {
		b, err := fp.MarshalBinary()
		if err != nil {
			return err
		}
		data = append(data, b...)
	}

	// aFCntDown is used when a downlink carries an application payload
	var aFCntDown bool
	if !p.isUplink() && macPL.FPort != nil && *macPL.FPort > 0 {
		aFCntDown = true
	}

	data, err := EncryptFOpts(nwkSEncKey, aFCntDown, p.isUplink(), macPL.FHDR.DevAddr, macPL.FHDR.FCnt, data)
	if err != nil {
		return err
	}
	macPL.FHDR.FOpts = []Payload{&DataPayload{Bytes: data}}
	return nil
}

// DecryptFOpts decrypts the FOpts with the NwkSEncKey and decodes them into
// MAC commands (LoRaWAN 1.1).
func (p *PHYPayload) DecryptFOpts(nwkSEncKey AES128Key) error {
	if err := p.EncryptFOpts(nwkSEncKey); err != nil {
		return err
	}
	return p.DecodeFOptsToMACCommands()
}

// DecodeFOptsToMACCommands decodes the raw FOpts bytes into typed MAC
// commands. Errors on single commands are returned so the caller can decide
// to continue.
func (p *PHYPayload) DecodeFOptsToMACCommands() error {
	macPL, ok := p.MACPayload.(*MACPayload)
	if !ok {
		return errors.New("lorawan: MACPayload must be of type *MACPayload")
	}
	if len(macPL.FHDR.FOpts) == 0 {
		return nil
	}

	dp, ok := macPL.FHDR.FOpts[0].(*DataPayload)
	if !ok {
		// already decoded
		return nil
	}

	cmds, err := decodeDataPayloadToMACCommands(p.isUplink(), dp.Bytes)
	if err != nil {
		return err
	}
	macPL.FHDR.FOpts = cmds
	return nil
}

// DecodeFRMPayloadToMACCommands decodes the (decrypted) FRMPayload into
// typed MAC commands. Used when FPort is 0.
func (p *PHYPayload) DecodeFRMPayloadToMACCommands() error {
	macPL, ok := p.MACPayload.(*MACPayload)
	if !ok {
		return errors.New("lorawan: MACPayload must be of type *MACPayload")
	}
	if len(macPL.FRMPayload) == 0 {
		return nil
	}

	dp, ok := macPL.FRMPayload[0].(*DataPayload)
	if !ok {
		return nil
	}

	cmds, err := decodeDataPayloadToMACCommands(p.isUplink(), dp.Bytes)
	if err != nil {
		return err
	}
	macPL.FRMPayload = cmds
	return nil
}

// EncryptFRMPayload encrypts (and decrypts, the operation is symmetric) the
// given payload bytes.
func EncryptFRMPayload(key AES128Key, uplink bool, devAddr DevAddr, fCnt uint32, data []byte) ([]byte, error) {
	pLen := len(data)
	if pLen%16 != 0 {
		data = append(data, make([]byte, 16-(pLen%16))...)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	s := make([]byte, 16)
	a := make([]byte, 16)
	a[0] = 0x01
	if !uplink {
		a[5] = 0x01
	}

	b, err := devAddr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	copy(a[6:10], b)
	binary.LittleEndian.PutUint32(a[10:14], fCnt)

	for i := 0; i < len(data)/16; i++ {
		a[15] = byte(i + 1)
		block.Encrypt(s, a)
		for j := 0; j < len(s); j++ {
			data[i*16+j] ^= s[j]
		}
	}

	return data[0:pLen], nil
}

// EncryptFOpts encrypts (and decrypts) the given FOpts bytes with the
// NwkSEncKey. aFCntDown must be true when the downlink frame-counter in use
// is the AFCntDown.
func EncryptFOpts(nwkSEncKey AES128Key, aFCntDown, uplink bool, devAddr DevAddr, fCnt uint32, data []byte) ([]byte, error) {
	if len(data) > 15 {
		return nil, errors.New("lorawan: max size of FOpts is 15 bytes")
	}

	block, err := aes.NewCipher(nwkSEncKey[:])
	if err != nil {
		return nil, err
	}

	a := make([]byte, 16)
	a[0] = 0x01
	if aFCntDown {
		a[4] = 0x02
	} else {
		a[4] = 0x01
	}
	if !uplink {
		a[5] = 0x01
	}

	b, err := devAddr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	copy(a[6:10], b)
	binary.LittleEndian.PutUint32(a[10:14], fCnt)
	a[15] = 0x01

	s := make([]byte, 16)
	block.Encrypt(s, a)

	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ s[i]
	}
	return out, nil
}
