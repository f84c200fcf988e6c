// Package runner executes the stages of one CLI invocation in order, with
// signal cancellation and duration logging.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
)

type StageFunc func(ctx context.Context, logger *slog.Logger) error

type stage struct {
	name string
	fn   StageFunc
}

type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stages []stage
	since  time.Time
}

// New returns a Runner whose context ends on SIGINT, SIGTERM or when
// parent is done.
func New(parent context.Context, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	return &Runner{
		logger: logger.With("invocation", uuid.NewString()),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// AddStage appends a stage. Stages run sequentially in insertion order.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// Start runs every stage and stops at the first failure. An interruption is
// logged and skips the remaining stages without being reported as failure.
func (r *Runner) Start() error {
	defer r.cancel()
	r.since = time.Now()

	for _, s := range r.stages {
		if r.ctx.Err() != nil {
			break
		}
		logger := r.logger.With("stage", s.name)
		started := time.Now()
		err := s.fn(r.ctx, logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s stage: %w", s.name, err)
			r.logger.Error("pipeline failed", "duration", time.Since(r.since), "err", err)
			return err
		}
		logger.Debug("stage finished", "duration", time.Since(started))
	}

	duration := time.Since(r.since)
	if r.ctx.Err() != nil {
		r.logger.Warn("pipeline interrupted", "duration", duration)
		return nil
	}
	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}
