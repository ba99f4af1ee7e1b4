package services

import (
	"strconv"
	"strings"

	"pairline/internal/core/domain"
	"pairline/internal/core/media"
)

// parsedSDP is the handful of facts pulled out of an offer or answer.
// The core never generates or rewrites SDP; it only inspects m-lines,
// rtpmap codec names and the simulcast grouping.
type parsedSDP struct {
	flags      domain.MediaFlags
	audioCodec string
	videoCodec string
	simulcast  domain.SimulcastOffer
}

var audioCodecs = []string{media.CodecOpus, media.CodecG722, media.CodecPCMU, media.CodecPCMA, media.CodecISAC}
var videoCodecs = []string{media.CodecVP8, media.CodecVP9, media.CodecH264, media.CodecAV1}

func parseSDP(sdp string) parsedSDP {
	var out parsedSDP
	section := ""
	simSSRCs := []uint32{}
	rids := []string{}

	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "m=audio"):
			section = "audio"
			out.flags.HasAudio = true
		case strings.HasPrefix(line, "m=video"):
			section = "video"
			out.flags.HasVideo = true
		case strings.HasPrefix(line, "m=application"):
			section = "application"
			out.flags.HasData = true
		case strings.HasPrefix(line, "a=rtpmap:"):
			name := rtpmapCodec(line)
			if section == "audio" && out.audioCodec == "" && contains(audioCodecs, name) {
				out.audioCodec = name
			}
			if section == "video" && out.videoCodec == "" && contains(videoCodecs, name) {
				out.videoCodec = name
			}
		case section == "video" && strings.HasPrefix(line, "a=ssrc-group:SIM"):
			for _, f := range strings.Fields(strings.TrimPrefix(line, "a=ssrc-group:SIM")) {
				if v, err := strconv.ParseUint(f, 10, 32); err == nil {
					simSSRCs = append(simSSRCs, uint32(v))
				}
			}
		case section == "video" && strings.HasPrefix(line, "a=rid:"):
			// a=rid:<id> send [...]
			rest := strings.TrimPrefix(line, "a=rid:")
			fields := strings.Fields(rest)
			if len(fields) >= 2 && fields[1] == "send" {
				rids = append(rids, fields[0])
			}
		}
	}

	for i := 0; i < len(simSSRCs) && i < 3; i++ {
		out.simulcast.SSRC[i] = simSSRCs[i]
	}
	for i := 0; i < len(rids) && i < 3; i++ {
		out.simulcast.RID[i] = rids[i]
	}
	return out
}

// rtpmapCodec extracts the lowercase codec name out of
// "a=rtpmap:<pt> <name>/<clock>[/<channels>]".
func rtpmapCodec(line string) string {
	rest := line[strings.Index(line, ":")+1:]
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return ""
	}
	name := fields[1]
	if i := strings.Index(name, "/"); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
