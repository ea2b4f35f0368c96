package network

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/metrics"
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/band"
)

// uplinkFingerprint identifies one transmitted frame independent of the
// receiving gateway: the PHY bytes plus the frequency and modulation.
// Two gateways reporting the same transmission collapse onto one key.
func uplinkFingerprint(frame *models.UplinkFrame) string {
	h := sha256.New()
	h.Write(frame.PHYPayload)

	var freq [4]byte
	binary.BigEndian.PutUint32(freq[:], frame.TXInfo.Frequency)
	h.Write(freq[:])

	if b, err := json.Marshal(frame.TXInfo.Modulation); err == nil {
		h.Write(b)
	}

	return hex.EncodeToString(h.Sum(nil)[:16])
}

// collectUplinkFrame adds one gateway's copy of an uplink to the shared
// deduplication set. The instance that creates the set owns the collect
// window: it sleeps the window, merges all copies and fires the pipeline
// exactly once.
func (s *Server) collectUplinkFrame(ctx context.Context, frame models.UplinkFrame) error {
	if len(frame.PHYPayload) == 0 {
		return nil
	}

	fingerprint := uplinkFingerprint(&frame)

	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal uplink frame: %w", err)
	}

	// The set must outlive the window so late copies still land before
	// the merge reads it.
	first, err := s.rs.AddUplinkToDedupSet(ctx, fingerprint, b, 2*s.cfg.DeduplicationWindow)
	if err != nil {
		return fmt.Errorf("dedup set: %w", err)
	}
	if !first {
		return nil
	}

	select {
	case <-time.After(s.cfg.DeduplicationWindow):
	case <-ctx.Done():
		return ctx.Err()
	}

	members, err := s.rs.GetDedupSet(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("read dedup set: %w", err)
	}

	frameSet, err := s.mergeUplinkFrames(members)
	if err != nil {
		return err
	}

	metrics.DedupGatewayCount.Observe(float64(len(frameSet.RXInfoSet)))

	if err := s.handleUplinkFrameSet(ctx, frameSet); err != nil {
		if err == ErrAbort {
			return nil
		}
		return err
	}
	return nil
}

// mergeUplinkFrames folds the collected gateway copies into one
// UplinkFrameSet with the union of all RX metadata.
func (s *Server) mergeUplinkFrames(members [][]byte) (*models.UplinkFrameSet, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("empty dedup set")
	}

	var set *models.UplinkFrameSet
	for _, m := range members {
		var frame models.UplinkFrame
		if err := json.Unmarshal(m, &frame); err != nil {
			log.Warn().Err(err).Msg("network: discarding malformed dedup entry")
			continue
		}

		if set == nil {
			set = &models.UplinkFrameSet{
				PHYPayload:     frame.PHYPayload,
				TXInfo:         frame.TXInfo,
				RegionConfigID: frame.RegionConfigID,
				ReceivedAt:     time.Now(),
			}
		}
		set.RXInfoSet = append(set.RXInfoSet, frame.RXInfo)
	}
	if set == nil {
		return nil, fmt.Errorf("no valid frames in dedup set")
	}

	region, err := s.region(set.RegionConfigID)
	if err != nil {
		return nil, err
	}

	dr, err := region.Band.GetDataRateIndex(true, bandDataRate(set.TXInfo.Modulation))
	if err != nil {
		return nil, fmt.Errorf("resolve uplink data rate: %w", err)
	}
	set.DR = dr

	return set, nil
}

// bandDataRate maps the wire modulation onto the regional data-rate
// table entry used for index lookups.
func bandDataRate(m models.Modulation) band.DataRate {
	switch {
	case m.LoRa != nil:
		return band.DataRate{
			Modulation:   band.LoRaModulation,
			SpreadFactor: m.LoRa.SpreadingFactor,
			Bandwidth:    m.LoRa.Bandwidth / 1000,
		}
	case m.FSK != nil:
		return band.DataRate{
			Modulation: band.FSKModulation,
			BitRate:    m.FSK.Datarate,
		}
	default:
		return band.DataRate{Modulation: band.LRFHSSModulation}
	}
}
