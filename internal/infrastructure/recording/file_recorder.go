package recording

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"pairline/internal/core/domain"
)

// FileRecorder writes one file per recorded media leg under a fixed
// directory. Frames are stored length-prefixed (2-byte big endian)
// so the post-processing script can walk them back out.
type FileRecorder struct {
	dir    string
	logger *zap.SugaredLogger
}

func NewFileRecorder(dir string, logger *zap.SugaredLogger) (*FileRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recording dir: %w", err)
	}
	return &FileRecorder{dir: dir, logger: logger}, nil
}

// Open implements ports.Recorder. Default naming is
// <dir>/<username>-<start>_<kind>; filename overrides the base part.
func (r *FileRecorder) Open(username string, kind domain.RecordingKind, startUnix int64, filename string) (domain.RecordingSink, error) {
	base := filename
	if base == "" {
		base = fmt.Sprintf("%s-%d", username, startUnix)
	}
	path := filepath.Join(r.dir, fmt.Sprintf("%s_%s", base, kind))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening recording file: %w", err)
	}
	r.logger.Infow("recording file opened", "path", path, "kind", kind.String())
	return &fileSink{f: f, path: path}, nil
}

type fileSink struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	closed bool
}

func (s *fileSink) WriteRTP(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(buf)))
	if _, err := s.f.Write(hdr[:]); err != nil {
		return err
	}
	_, err := s.f.Write(buf)
	return err
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

func (s *fileSink) Path() string { return s.path }
