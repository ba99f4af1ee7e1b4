package ports

import "pairline/internal/core/domain"

// Gateway is the transport-facing side of the core: how events and
// media leave the process toward a connected client. The signaling
// transport (WebSocket today) implements it; services never see the
// connection itself, only handle IDs.
type Gateway interface {
	// PushEvent delivers a signaling event to one handle. Delivery is
	// best-effort; a dead handle is reported through OnHandleClosed,
	// not through this error.
	PushEvent(handleID string, event *domain.Event) error

	// RelayRTP forwards an RTP packet (video or audio) to a handle.
	// buf is only valid for the duration of the call.
	RelayRTP(handleID string, video bool, buf []byte) error

	// RelayRTCP forwards an RTCP packet to a handle.
	RelayRTCP(handleID string, video bool, buf []byte) error

	// RelayData forwards a data-channel message to a handle.
	RelayData(handleID string, binary bool, buf []byte) error

	// CloseConnection tears down the transport for a handle. Safe to
	// call from signaling callbacks; the close happens asynchronously.
	CloseConnection(handleID string)
}
