package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pairline/internal/core/services"
	"pairline/internal/infrastructure/monitoring"
)

// SessionHandler exposes read-only introspection over the live call
// state, plus health endpoints. It never mutates sessions; all writes
// go through the signaling channel.
type SessionHandler struct {
	svc    *services.CallService
	health *monitoring.HealthChecker
}

func NewSessionHandler(svc *services.CallService, health *monitoring.HealthChecker) *SessionHandler {
	return &SessionHandler{svc: svc, health: health}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Healthz)
	router.GET("/readyz", h.Readyz)

	api := router.Group("/api/v1")
	{
		api.GET("/peers", h.ListPeers)
		api.GET("/sessions/:username", h.QuerySession)
	}
}

func (h *SessionHandler) Healthz(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *SessionHandler) Readyz(c *gin.Context) {
	if !h.health.IsReady(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (h *SessionHandler) ListPeers(c *gin.Context) {
	reg := h.svc.Registry()
	c.JSON(http.StatusOK, gin.H{
		"peers": reg.Peers(),
		"count": reg.Count(),
	})
}

func (h *SessionHandler) QuerySession(c *gin.Context) {
	username := c.Param("username")
	sess, ok := h.svc.Registry().Lookup(username)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such username"})
		return
	}

	info := gin.H{
		"username":     sess.Username,
		"devices":      len(sess.Handles()),
		"in_call":      sess.InCall(),
		"media_ready":  sess.MediaReady(),
		"bitrate_cap":  sess.Bitrate(),
		"peer_bitrate": sess.PeerBitrate(),
		"slow_links":   sess.SlowLinks(),
	}
	if path := sess.RecordingPath(); path != "" {
		info["record_path"] = path
	}

	sess.Lock()
	info["audio_codec"] = sess.AudioCodec
	info["video_codec"] = sess.VideoCodec
	info["audio_active"] = sess.Media.AudioActive
	info["video_active"] = sess.Media.VideoActive
	simulcast := sess.SSRC[0] != 0 || sess.RID[0] != ""
	sess.Unlock()
	info["simulcast"] = simulcast

	if peer := sess.Peer(); peer != "" {
		info["peer"] = peer
	}
	if call := sess.Call(); call != nil {
		info["call"] = gin.H{
			"caller": call.Caller,
			"callee": call.Callee,
			"state":  call.State().String(),
			"video":  call.IsVideo(),
		}
	}
	c.JSON(http.StatusOK, info)
}
