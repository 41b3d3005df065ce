package compaction

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freshet-io/freshet/pkg/log"
)

// ErrNoTask is returned by a TaskSource when the queue is empty
var ErrNoTask = errors.New("no compaction task available")

// TaskSource is where a compactor worker pulls tasks from and reports
// results to; backed by the meta RPC surface on a real cluster.
type TaskSource interface {
	PollTask(ctx context.Context) (*Task, error)
	ReportTask(ctx context.Context, result *Result) error
}

// Worker polls meta for compaction tasks and runs them on a bounded
// number of slots.
type Worker struct {
	compactor *Compactor
	source    TaskSource
	slots     int
	interval  time.Duration
	logger    zerolog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWorker creates a compactor worker
func NewWorker(compactor *Compactor, source TaskSource, slots int, interval time.Duration) *Worker {
	if slots <= 0 {
		slots = 2
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{
		compactor: compactor,
		source:    source,
		slots:     slots,
		interval:  interval,
		logger:    log.WithComponent("compactor"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the polling loop
func (w *Worker) Start() {
	go w.run()
}

// Stop stops the worker and waits for in-flight tasks
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopCh
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.slots)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			g.Wait()
			return
		case <-ticker.C:
			task, err := w.source.PollTask(gctx)
			if errors.Is(err, ErrNoTask) {
				continue
			}
			if err != nil {
				w.logger.Error().Err(err).Msg("Failed to poll compaction task")
				continue
			}
			g.Go(func() error {
				w.execute(gctx, task)
				return nil
			})
		}
	}
}

func (w *Worker) execute(ctx context.Context, task *Task) {
	logger := w.logger.With().Str("task_id", task.ID).Logger()
	logger.Info().
		Int("inputs", len(task.InputSSTs)).
		Uint32("target_level", task.TargetLevel).
		Msg("Starting compaction task")

	result, err := w.compactor.Run(ctx, task)
	if err != nil {
		logger.Error().Err(err).Msg("Compaction task failed")
		return
	}
	if err := w.source.ReportTask(ctx, result); err != nil {
		logger.Error().Err(err).Msg("Failed to report compaction result")
		return
	}
	logger.Info().Int("outputs", len(result.OutputSSTs)).Msg("Compaction task finished")
}
