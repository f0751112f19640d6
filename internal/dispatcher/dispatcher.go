// Package dispatcher runs several long-lived components in one process and
// stops them together.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is a component that runs until its context ends. Stages and the
// HTTP server implement it.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Dispatcher fans out runners onto goroutines.
type Dispatcher struct {
	runners []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(logger *zap.Logger, runners ...Runner) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runners: runners, logger: logger}
}

// Run starts every runner and blocks until all have returned. The first
// runner to fail cancels the rest; its error is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.runners) == 0 {
		return errors.New("dispatcher has no runners")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range d.runners {
		g.Go(func() error {
			d.logger.Info("Runner starting", zap.String("runner", r.Name()))
			if err := r.Run(gctx); err != nil {
				d.logger.Error("Runner failed", zap.String("runner", r.Name()), zap.Error(err))
				return fmt.Errorf("%s: %w", r.Name(), err)
			}
			d.logger.Info("Runner stopped", zap.String("runner", r.Name()))
			return nil
		})
	}
	return g.Wait()
}
