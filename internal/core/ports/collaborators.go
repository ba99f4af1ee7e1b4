package ports

import (
	"context"

	"pairline/internal/core/domain"
)

// Authorizer decides whether a username may register. Implementations
// back this with a static list, JWT claims or a Redis set.
type Authorizer interface {
	Authorize(ctx context.Context, username, token string) error
}

// Recorder opens recording sinks for a call leg.
type Recorder interface {
	// Open creates a sink for one media kind of username's leg.
	// startUnix and filename feed the on-disk naming scheme; filename
	// may be empty.
	Open(username string, kind domain.RecordingKind, startUnix int64, filename string) (domain.RecordingSink, error)
}

// PostProcessor muxes the recorded legs of a finished call into a
// single artifact, asynchronously.
type PostProcessor interface {
	Enqueue(job domain.PostProcessJob)
	Close()
}

// EventSink receives call lifecycle telemetry for external consumers.
// Emit must never block the caller; delivery is best-effort.
type EventSink interface {
	Emit(event string, fields map[string]interface{})
	Close() error
}
