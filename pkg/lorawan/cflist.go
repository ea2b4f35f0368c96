package lorawan

import (
	"errors"
)

// CFListType defines the CFList payload type.
type CFListType uint8

// Possible CFList types
const (
	CFListChannel     CFListType = 0
	CFListChannelMask CFListType = 1
)

// CFList represents the optional channel frequency list appended to a
// join-accept. Dynamic-channel bands use the channel variant, fixed-channel
// bands the channel-mask variant.
type CFList struct {
	Payload    Payload
	CFListType CFListType
}

// MarshalBinary encodes the 16-byte CFList.
func (l CFList) MarshalBinary() ([]byte, error) {
	if l.Payload == nil {
		return nil, errors.New("lorawan: Payload must not be nil")
	}

	b, err := l.Payload.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if len(b) > 15 {
		return nil, errors.New("lorawan: max size of CFList payload is 15 bytes")
	}

	out := make([]byte, 15, 16)
	copy(out, b)
	return append(out, byte(l.CFListType)), nil
}

// UnmarshalBinary decodes the 16-byte CFList.
func (l *CFList) UnmarshalBinary(data []byte) error {
	if len(data) != 16 {
		return errors.New("lorawan: 16 bytes of data are expected")
	}

	l.CFListType = CFListType(data[15])
	switch l.CFListType {
	case CFListChannelMask:
		l.Payload = &CFListChannelMaskPayload{}
	default:
		l.Payload = &CFListChannelPayload{}
	}
	return l.Payload.UnmarshalBinary(false, data[0:15])
}

// CFListChannelPayload holds up to five extra channel frequencies. A zero
// frequency means the slot is unused.
type CFListChannelPayload struct {
	Channels [5]uint32
}

// MarshalBinary implements Payload
func (p CFListChannelPayload) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 15)
	for _, freq := range p.Channels {
		b, err := encodeFrequency(freq)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// UnmarshalBinary implements Payload
func (p *CFListChannelPayload) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) != 15 {
		return errors.New("lorawan: 15 bytes of data are expected")
	}
	for i := 0; i < 5; i++ {
		freq, err := decodeFrequency(data[i*3 : (i*3)+3])
		if err != nil {
			return err
		}
		p.Channels[i] = freq
	}
	return nil
}

// CFListChannelMaskPayload holds the channel-masks for fixed-channel bands.
type CFListChannelMaskPayload struct {
	ChannelMasks []ChMask
}

// MarshalBinary implements Payload
func (p CFListChannelMaskPayload) MarshalBinary() ([]byte, error) {
	if len(p.ChannelMasks) > 7 {
		return nil, errors.New("lorawan: max number of channel-masks is 7")
	}
	var out []byte
	for _, m := range p.ChannelMasks {
		b, err := m.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// UnmarshalBinary implements Payload
func (p *CFListChannelMaskPayload) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) != 15 {
		return errors.New("lorawan: 15 bytes of data are expected")
	}
	p.ChannelMasks = make([]ChMask, 7)
	for i := 0; i < 7; i++ {
		if err := p.ChannelMasks[i].UnmarshalBinary(data[i*2 : (i*2)+2]); err != nil {
			return err
		}
	}
	return nil
}
