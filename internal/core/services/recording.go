package services

import (
	"pairline/internal/core/domain"
	errs "pairline/pkg/errors"
	"pairline/pkg/validation"
)

// startCallRecording opens sinks for both legs of a started call.
// Recorder failures are logged and the call proceeds unrecorded.
func (s *CallService) startCallRecording(call *domain.Call, a, b *domain.UserSession) {
	if s.rec == nil {
		return
	}
	startUnix := call.StartTime().Unix()
	for _, sess := range []*domain.UserSession{a, b} {
		sess.Lock()
		filename := sess.RecordFilename
		hasAudio := sess.Media.HasAudio
		hasVideo := sess.Media.HasVideo
		sess.Unlock()

		var audio, video domain.RecordingSink
		var err error
		if hasAudio {
			audio, err = s.rec.Open(sess.Username, domain.RecordingAudio, startUnix, filename)
			if err != nil {
				s.log.Warnw("audio recorder failed", "username", sess.Username, "err", err)
			}
		}
		if call.IsVideo() && hasVideo {
			video, err = s.rec.Open(sess.Username, domain.RecordingVideo, startUnix, filename)
			if err != nil {
				s.log.Warnw("video recorder failed", "username", sess.Username, "err", err)
			}
		}
		if audio == nil && video == nil {
			continue
		}

		path := ""
		if audio != nil {
			path = audio.Path()
		} else if video != nil {
			path = video.Path()
		}
		oldAudio, oldVideo := sess.SwapSinks(audio, video, path)
		closeSink(oldAudio)
		closeSink(oldVideo)
		s.log.Infow("recording started", "username", sess.Username, "path", path)
	}
	// A new recording starts with a keyframe for a decodable file.
	if call.IsVideo() {
		s.requestKeyframe(a)
		s.requestKeyframe(b)
	}
}

// stopCallRecording closes both legs' sinks without ending the call.
func (s *CallService) stopCallRecording(a, b *domain.UserSession) {
	for _, sess := range []*domain.UserSession{a, b} {
		if sess == nil {
			continue
		}
		audio, video := sess.SwapSinks(nil, nil, "")
		if audio != nil || video != nil {
			s.log.Infow("recording stopped", "username", sess.Username)
		}
		closeSink(audio)
		closeSink(video)
	}
}

// applyRecordToggle services the record knob of a set request.
func (s *CallService) applyRecordToggle(sess *domain.UserSession, call *domain.Call, on bool, filename string) error {
	if filename != "" {
		if err := validation.ValidateFilename(filename); err != nil {
			return errs.NewInvalidElement(err.Error())
		}
		sess.Lock()
		sess.RecordFilename = filename
		sess.Unlock()
	}
	if call == nil {
		return errs.NewNoCall("no call to record")
	}

	peer, _ := s.reg.Lookup(sess.Peer())
	if on {
		if call.State() == domain.CallStarted {
			if peer != nil {
				s.startCallRecording(call, sess, peer)
			}
		} else {
			call.SetRecordRequested(true)
		}
	} else {
		call.SetRecordRequested(false)
		s.stopCallRecording(sess, peer)
	}
	return nil
}

func closeSink(sink domain.RecordingSink) {
	if sink != nil {
		_ = sink.Close()
	}
}
