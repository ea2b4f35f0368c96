package adr

import (
	"context"
)

// DefaultAlgorithm is the SNR-margin based algorithm: the headroom
// between the best SNR observed over the history and the SNR the
// current spreading factor requires (minus the installation margin) is
// spent first on raising the data rate, then on lowering TX power.
type DefaultAlgorithm struct{}

// ID returns the algorithm id.
func (a *DefaultAlgorithm) ID() string { return "default" }

// Name returns the human-readable name.
func (a *DefaultAlgorithm) Name() string { return "Default ADR algorithm (LoRa only)" }

// Handle computes the new (dr, tx_power_index, nb_trans).
func (a *DefaultAlgorithm) Handle(ctx context.Context, req *Request) (*Response, error) {
	resp := &Response{
		DR:           req.DR,
		TXPowerIndex: req.TXPowerIndex,
		NbTrans:      req.NbTrans,
	}

	if !req.ADR {
		return resp, nil
	}

	resp.NbTrans = a.idealNbTrans(req)

	if len(req.UplinkHistory) == 0 {
		return resp, nil
	}

	snrMargin := a.maxSNR(req) - req.RequiredSNRForDR - req.InstallationMargin
	nStep := int(snrMargin / 3)

	resp.DR, resp.TXPowerIndex = a.idealTxParams(req, nStep)

	return resp, nil
}

func (a *DefaultAlgorithm) maxSNR(req *Request) float64 {
	max := req.UplinkHistory[0].MaxSNR
	for _, h := range req.UplinkHistory[1:] {
		if h.MaxSNR > max {
			max = h.MaxSNR
		}
	}
	return max
}

// idealTxParams spends positive steps on DR first, then on TX power;
// negative steps claw back TX power only. DR decreases are left to the
// device's own ADRACKReq fallback.
func (a *DefaultAlgorithm) idealTxParams(req *Request, nStep int) (int, int) {
	dr := req.DR
	txPower := req.TXPowerIndex

	for ; nStep > 0; nStep-- {
		switch {
		case dr < req.MaxDR:
			dr++
		case txPower < req.MaxTXPowerIndex:
			txPower++
		default:
			return dr, txPower
		}
	}

	for ; nStep < 0; nStep++ {
		if txPower == 0 {
			return dr, txPower
		}
		txPower--
	}

	return dr, txPower
}

// idealNbTrans maps the observed packet-loss rate and the current
// nb_trans to a new nb_trans. Requires a reasonably full history
// window; otherwise the current value is kept.
func (a *DefaultAlgorithm) idealNbTrans(req *Request) int {
	nbTrans := req.NbTrans
	if nbTrans < 1 {
		nbTrans = 1
	}
	if nbTrans > 3 {
		nbTrans = 3
	}

	if len(req.UplinkHistory) < 20 {
		return nbTrans
	}

	table := [3][4]int{
		{1, 1, 2, 3},
		{1, 2, 3, 3},
		{2, 3, 3, 3},
	}

	loss := a.packetLossRate(req)
	var col int
	switch {
	case loss < 5:
		col = 0
	case loss < 10:
		col = 1
	case loss < 30:
		col = 2
	default:
		col = 3
	}

	return table[nbTrans-1][col]
}

// packetLossRate derives the loss percentage from gaps in the history's
// frame counters.
func (a *DefaultAlgorithm) packetLossRate(req *Request) float64 {
	if len(req.UplinkHistory) < 2 {
		return 0
	}

	var lost, total uint32
	prev := req.UplinkHistory[0].FCnt
	for _, h := range req.UplinkHistory[1:] {
		if h.FCnt > prev {
			total += h.FCnt - prev
			lost += h.FCnt - prev - 1
		}
		prev = h.FCnt
	}
	if total == 0 {
		return 0
	}

	return float64(lost) / float64(total) * 100
}

// DisabledAlgorithm keeps the session parameters untouched; useful for
// devices whose tx parameters are managed externally.
type DisabledAlgorithm struct{}

// ID returns the algorithm id.
func (a *DisabledAlgorithm) ID() string { return "disabled" }

// Name returns the human-readable name.
func (a *DisabledAlgorithm) Name() string { return "Disabled ADR algorithm" }

// Handle returns the request parameters unchanged.
func (a *DisabledAlgorithm) Handle(ctx context.Context, req *Request) (*Response, error) {
	return &Response{
		DR:           req.DR,
		TXPowerIndex: req.TXPowerIndex,
		NbTrans:      req.NbTrans,
	}, nil
}
