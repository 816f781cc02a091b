package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mailpilot/mailpilot/internal/config"
)

// Pipeline runs the ingestion loop and the processing+dispatch loop as two
// independently scheduled jobs sharing one store. An error in a cycle is
// reported and the loop runs again after its interval; nothing short of
// context cancellation stops a loop.
type Pipeline struct {
	logger     *slog.Logger
	cfg        config.PipelineConfig
	ingestor   *Ingestor
	processor  *Processor
	dispatcher *Dispatcher
}

// New assembles the pipeline from its three stages.
func New(logger *slog.Logger, cfg config.PipelineConfig, ingestor *Ingestor, processor *Processor, dispatcher *Dispatcher) *Pipeline {
	return &Pipeline{
		logger:     logger.With("component", "pipeline"),
		cfg:        cfg,
		ingestor:   ingestor,
		processor:  processor,
		dispatcher: dispatcher,
	}
}

// Run schedules both loops and blocks until ctx is cancelled, then shuts
// the scheduler down, letting in-flight cycles finish before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	jobs := []struct {
		name     string
		interval time.Duration
		cycle    func(context.Context) error
	}{
		{"ingest", p.cfg.IngestInterval, p.ingestor.Cycle},
		{"process", p.cfg.ProcessInterval, p.processDispatchCycle},
	}

	for _, job := range jobs {
		_, err := scheduler.NewJob(
			gocron.DurationJob(job.interval),
			// Cycles take the run context: shutdown stops a batch at the next
			// item boundary rather than draining it. Items commit one at a
			// time, so whatever is left is picked up after a restart.
			gocron.NewTask(p.runCycle, ctx, job.name, job.cycle),
			gocron.WithName(job.name),
			// A slow cycle must delay its own loop, never overlap it.
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s loop: %w", job.name, err)
		}
		p.logger.Info("Scheduled polling loop", "loop", job.name, "interval", job.interval)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start()
		p.logger.Info("Pipeline running")

		<-gCtx.Done()
		p.logger.Info("Shutdown signal received, waiting for in-flight cycles...")

		if err := scheduler.Shutdown(); err != nil {
			p.logger.Error("Error during scheduler shutdown", "error", err)
			return fmt.Errorf("scheduler shutdown failed: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	p.logger.Info("Pipeline stopped gracefully")
	return nil
}

// processDispatchCycle runs the processor and then the dispatcher, matching
// the generate-then-send order within one loop cycle.
func (p *Pipeline) processDispatchCycle(ctx context.Context) error {
	if err := p.processor.Cycle(ctx); err != nil {
		// Dispatch still runs: replies from earlier cycles should not wait
		// behind a processing failure.
		p.logger.ErrorContext(ctx, "Processing cycle failed", "error", err)
	}
	return p.dispatcher.Cycle(ctx)
}

// runCycle wraps a loop cycle with logging. Errors are reported, never
// propagated: the loop always lives to its next interval.
func (p *Pipeline) runCycle(ctx context.Context, name string, cycle func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}

	p.logger.DebugContext(ctx, "Running cycle", "loop", name)
	startTime := time.Now()

	if err := cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.ErrorContext(ctx, "Cycle failed", "loop", name, "error", err)
	}

	p.logger.DebugContext(ctx, "Cycle finished", "loop", name, "duration", time.Since(startTime))
}
