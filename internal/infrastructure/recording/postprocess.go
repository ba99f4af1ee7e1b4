package recording

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"pairline/internal/core/domain"
	"pairline/pkg/retry"
)

// ScriptPostProcessor hands finished-call recordings to an external
// muxing script on its own worker. Its failures never reach call
// teardown, which has already completed by the time a job runs.
type ScriptPostProcessor struct {
	script string
	dir    string
	logger *zap.SugaredLogger

	mu     sync.Mutex
	jobs   chan domain.PostProcessJob
	closed bool
	done   chan struct{}
}

func NewScriptPostProcessor(script, dir string, logger *zap.SugaredLogger) *ScriptPostProcessor {
	p := &ScriptPostProcessor{
		script: script,
		dir:    dir,
		logger: logger,
		jobs:   make(chan domain.PostProcessJob, 128),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue implements ports.PostProcessor. Never blocks; when the queue
// is full the job is dropped with a log line, the recordings stay on
// disk for manual muxing.
func (p *ScriptPostProcessor) Enqueue(job domain.PostProcessJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.jobs <- job:
	default:
		p.logger.Warnw("postprocess queue full, dropping job",
			"caller", job.Caller, "callee", job.Callee)
	}
}

// Close stops the worker after draining queued jobs.
func (p *ScriptPostProcessor) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *ScriptPostProcessor) run() {
	defer close(p.done)
	for job := range p.jobs {
		p.process(job)
	}
}

func (p *ScriptPostProcessor) process(job domain.PostProcessJob) {
	kind := "audiocall"
	if job.Video {
		kind = "videocall"
	}
	output := fmt.Sprintf("%s_%s-%s-%d", kind, job.Caller, job.Callee, job.StartUnix)

	args := []string{p.dir, output}
	args = append(args, job.Paths...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// The other leg's files may still be flushing when the first
	// teardown enqueues the job; backoff covers that window.
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = 30 * time.Second

	err := retry.Retry(ctx, cfg, func() error {
		cmd := exec.CommandContext(ctx, p.script, args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("%s: %w (%s)", p.script, err, out)
		}
		return nil
	})
	if err != nil {
		p.logger.Errorw("postprocessing failed", "output", output, "err", err)
		return
	}
	p.logger.Infow("postprocessing done", "output", output, "files", len(job.Paths))
}
