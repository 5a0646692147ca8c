package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linkflow-ai/contentindex/internal/indexing/reindex"
)

// ErrReindexRunning is returned when a rebuild is requested while one runs
var ErrReindexRunning = errors.New("a reindex is already running")

// RebuildStatus describes the current or last background rebuild
type RebuildStatus struct {
	Running    bool            `json:"running"`
	Options    reindex.Options `json:"options"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Stats      reindex.Stats   `json:"stats"`
	Error      string          `json:"error,omitempty"`
}

// rebuilds runs at most one reindex at a time inside the service process,
// where it shares the writer locks with the worker pool
type rebuilds struct {
	mu     sync.Mutex
	status RebuildStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// StartReindex rebuilds an index in the background. The rebuild stops when
// the service closes.
func (s *IndexService) StartReindex(opts reindex.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if _, err := s.stores.Index(opts.Index); err != nil {
		return err
	}

	r := &s.rebuilds
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Running {
		return ErrReindexRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.status = RebuildStatus{Running: true, Options: opts, StartedAt: time.Now().UTC()}

	go func(done chan struct{}) {
		defer close(done)
		defer cancel()

		s.logger.Info("Background reindex started", "index", opts.Index, "clear", opts.Clear, "progressive", opts.Progressive)
		stats, err := s.Reindex(ctx, opts, reindex.NewLogProgress(s.logger, 0))

		r.mu.Lock()
		defer r.mu.Unlock()
		r.status.Running = false
		r.status.FinishedAt = time.Now().UTC()
		r.status.Stats = stats
		if err != nil {
			r.status.Error = err.Error()
		}
	}(r.done)
	return nil
}

// ReindexStatus returns the state of the current or last background rebuild
func (s *IndexService) ReindexStatus() RebuildStatus {
	s.rebuilds.mu.Lock()
	defer s.rebuilds.mu.Unlock()
	return s.rebuilds.status
}

// stop cancels a running rebuild and waits for it
func (r *rebuilds) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
