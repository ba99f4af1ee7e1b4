package media

import "github.com/pion/rtp"

// Codec names carried in session announcements and SDP.
const (
	CodecVP8   = "vp8"
	CodecVP9   = "vp9"
	CodecH264  = "h264"
	CodecOpus  = "opus"
	CodecPCMU  = "pcmu"
	CodecPCMA  = "pcma"
	CodecG722  = "g722"
	CodecISAC  = "isac"
	CodecAV1   = "av1"
	CodecMulaw = CodecPCMU
)

// SwitchContext rewrites RTP headers so that a stream assembled from
// several simulcast substreams still looks like one continuous stream
// to the receiver: one SSRC, monotonic sequence numbers, coherent
// timestamps across substream switches.
type SwitchContext struct {
	started bool

	baseSeq     uint16
	baseTS      uint32
	lastSeq     uint16
	lastTS      uint32
	seqOffset   uint16
	tsOffset    uint32
	currentSSRC uint32
}

// Reset forgets all continuity state; the next packet starts a fresh
// sequence/timestamp base.
func (c *SwitchContext) Reset() {
	*c = SwitchContext{}
}

// Update rewrites hdr in place for relaying. outSSRC is the SSRC the
// receiver expects. The caller must restore the original header bytes
// afterwards if the underlying buffer is shared.
func (c *SwitchContext) Update(hdr *rtp.Header, outSSRC uint32) {
	if !c.started {
		c.started = true
		c.baseSeq = hdr.SequenceNumber
		c.baseTS = hdr.Timestamp
		c.currentSSRC = hdr.SSRC
	} else if hdr.SSRC != c.currentSSRC {
		// Substream switch: keep the output contiguous with where the
		// previous substream left off.
		c.currentSSRC = hdr.SSRC
		c.seqOffset = hdr.SequenceNumber - c.lastSeq - 1
		if hdr.Timestamp != c.lastTS {
			c.tsOffset = hdr.Timestamp - c.lastTS - 1
		}
	}

	c.lastSeq = hdr.SequenceNumber
	c.lastTS = hdr.Timestamp

	hdr.SSRC = outSSRC
	hdr.SequenceNumber = hdr.SequenceNumber - c.seqOffset - c.baseSeq + 1
	hdr.Timestamp = hdr.Timestamp - c.tsOffset - c.baseTS
}
