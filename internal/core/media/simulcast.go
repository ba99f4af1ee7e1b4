package media

import (
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// SimulcastContext tracks, for one relay direction, which simulcast
// substream and temporal layer are currently let through versus
// targeted. The context lives on the receiving session: it decides
// what reaches that session. The changed/need-keyframe flags are
// edge-triggered and must be consumed (ConsumeChanged, ConsumeKeyframe)
// by the relay caller that reads them.
type SimulcastContext struct {
	Substream       int // -1 until a layer has been selected
	SubstreamTarget int
	Temporal        int
	TemporalTarget  int

	changedSubstream bool
	changedTemporal  bool
	needKeyframe     bool
}

// Reset restores the context to its pre-negotiation state.
func (c *SimulcastContext) Reset() {
	c.Substream = -1
	c.SubstreamTarget = 2
	c.Temporal = 2
	c.TemporalTarget = 2
	c.changedSubstream = false
	c.changedTemporal = false
	c.needKeyframe = false
}

// SetSubstreamTarget requests a substream switch. Returns true if the
// target already matches the current selection (no-op).
func (c *SimulcastContext) SetSubstreamTarget(target int) bool {
	c.SubstreamTarget = target
	return c.Substream == target
}

// SetTemporalTarget requests a temporal-layer switch. Returns true if
// the target already matches the current selection (no-op).
func (c *SimulcastContext) SetTemporalTarget(target int) bool {
	c.TemporalTarget = target
	return c.Temporal == target
}

// ConsumeChanged returns and clears the edge-triggered change flags.
func (c *SimulcastContext) ConsumeChanged() (substream, temporal bool) {
	substream, temporal = c.changedSubstream, c.changedTemporal
	c.changedSubstream, c.changedTemporal = false, false
	return
}

// ConsumeKeyframe returns and clears the keyframe-needed flag.
func (c *SimulcastContext) ConsumeKeyframe() bool {
	need := c.needKeyframe
	c.needKeyframe = false
	return need
}

// ProcessRTP decides whether a packet from the sender's simulcast set
// should be relayed to the session owning this context. ssrcs are the
// sender's encoding-layer SSRCs; videoCodec names the negotiated
// codec. Packets not belonging to the selected layer are dropped.
func (c *SimulcastContext) ProcessRTP(hdr *rtp.Header, payload []byte, ssrcs [3]uint32, videoCodec string) bool {
	index := -1
	for i, ssrc := range ssrcs {
		if ssrc != 0 && ssrc == hdr.SSRC {
			index = i
			break
		}
	}
	if index < 0 {
		// Unknown SSRC: not part of the simulcast set.
		return false
	}

	vp8 := videoCodec == CodecVP8
	var desc codecs.VP8Packet
	haveDesc := false
	if vp8 {
		if _, err := desc.Unmarshal(payload); err == nil {
			haveDesc = true
		}
	}
	keyframe := haveDesc && len(desc.Payload) > 0 && desc.Payload[0]&0x01 == 0 && desc.S == 1

	if c.Substream != c.SubstreamTarget {
		switch {
		case index == c.SubstreamTarget && (keyframe || !vp8 || c.Substream == -1):
			// Switch cleanly on a keyframe; before anything has been
			// selected take the target as soon as it shows up.
			changed := c.Substream != -1
			c.Substream = index
			c.changedSubstream = changed
			c.needKeyframe = false
		case index == c.SubstreamTarget:
			// Target layer seen but no clean entry point yet.
			c.needKeyframe = true
		case c.Substream == -1 && index < c.SubstreamTarget:
			// Nothing selected yet: let the lower layer through while
			// waiting for the target, and ask for a keyframe on it.
			c.Substream = index
			c.needKeyframe = true
		}
	}
	if index != c.Substream {
		return false
	}

	if haveDesc {
		tid := int(desc.TID)
		if c.Temporal != c.TemporalTarget {
			if c.TemporalTarget < c.Temporal {
				// Dropping layers can happen immediately.
				c.Temporal = c.TemporalTarget
				c.changedTemporal = true
			} else if tid == c.TemporalTarget && (desc.Y == 1 || tid == 0) {
				// Going up requires a layer-sync point.
				c.Temporal = c.TemporalTarget
				c.changedTemporal = true
			}
		}
		if tid > c.Temporal {
			return false
		}
	}

	return true
}
