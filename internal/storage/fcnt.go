package storage

import (
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// ValidationKind classifies the outcome of frame-counter validation.
type ValidationKind int

// Possible validation outcomes.
const (
	// ValidationOK means the frame advanced the counter.
	ValidationOK ValidationKind = iota
	// ValidationRetransmission means the frame repeats the previous
	// counter value. The session counter is not incremented.
	ValidationRetransmission
	// ValidationReset means the counter went backwards by more than
	// one, typically after a device reset without a re-join (ABP).
	ValidationReset
)

// ValidationStatus is the result of resolving an uplink data frame to a
// device and session.
type ValidationStatus struct {
	Kind       ValidationKind
	FullFCntUp uint32

	Device  *models.Device
	Session *models.DeviceSession

	// PendingRejoin is set when the matching session was the nested
	// pending-rejoin session rather than the primary one.
	PendingRejoin bool

	// PreIncrementSession is a deep copy of the session as it was
	// before the frame counter was advanced, so a pipeline abort can
	// restore it.
	PreIncrementSession *models.DeviceSession
}

// GetFullFCntUp reconstructs the full 32-bit uplink frame counter from
// the truncated 16 bits on the wire and the next expected full value.
// A truncated value of exactly next-expected minus one is treated as a
// retransmission of the previous frame.
func GetFullFCntUp(nextExpectedFull uint32, truncated uint16) uint32 {
	if truncated == uint16(nextExpectedFull)-1 {
		return nextExpectedFull - 1
	}
	return nextExpectedFull + uint32(truncated-uint16(nextExpectedFull))
}

// ResolveDeviceSession walks the candidate devices (all sharing the
// frame's DevAddr) and their primary and pending-rejoin sessions,
// looking for a session whose keys validate the frame MIC at a
// reconstructed full frame counter. The frame's FCnt field is left set
// to the resolved full value on success.
func ResolveDeviceSession(devices []*models.Device, regionConfigID string, phy *lorawan.PHYPayload, txDR, txCh int) (*ValidationStatus, error) {
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return nil, ErrInvalidData
	}
	truncated := uint16(macPL.FHDR.FCnt)

	for _, d := range devices {
		if d.Session == nil {
			continue
		}

		sessions := []*models.DeviceSession{d.Session}
		if d.Session.PendingRejoinDeviceSession != nil {
			sessions = append(sessions, d.Session.PendingRejoinDeviceSession)
		}

		for i, sess := range sessions {
			if sess.DevAddr != macPL.FHDR.DevAddr {
				continue
			}
			if sess.RegionConfigID != "" && regionConfigID != "" && sess.RegionConfigID != regionConfigID {
				continue
			}

			skipFCnt := sess.SkipFCntCheck || d.SkipFCntCheck

			candidates := []uint32{GetFullFCntUp(sess.FCntUp, truncated)}
			if skipFCnt {
				candidates = append(candidates, uint32(truncated))
			}

			for _, full := range candidates {
				var confFCnt uint32
				if macPL.FHDR.FCtrl.ACK {
					confFCnt = sess.ConfFCnt
				}

				macPL.FHDR.FCnt = full
				ok, err := phy.ValidateUplinkDataMIC(
					sess.GetMACVersion(), confFCnt,
					uint8(txDR), uint8(txCh),
					sess.FNwkSIntKey, sess.SNwkSIntKey,
				)
				if err != nil {
					macPL.FHDR.FCnt = uint32(truncated)
					return nil, err
				}
				if !ok {
					continue
				}

				status := &ValidationStatus{
					FullFCntUp:          full,
					Device:              d,
					Session:             sess,
					PendingRejoin:       i > 0,
					PreIncrementSession: sess.DeepCopy(),
				}

				switch {
				case skipFCnt && full < sess.FCntUp:
					status.Kind = ValidationReset
				case full >= sess.FCntUp:
					status.Kind = ValidationOK
				case full == sess.FCntUp-1:
					status.Kind = ValidationRetransmission
				default:
					status.Kind = ValidationReset
				}

				return status, nil
			}

			macPL.FHDR.FCnt = uint32(truncated)
		}
	}

	return nil, ErrInvalidMIC
}
