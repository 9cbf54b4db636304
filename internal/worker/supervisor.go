package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pinger checks the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Registrar creates a knowledge inbox for a worker.
type Registrar interface {
	Register(worker, kind string) error
}

// Supervisor owns the lifecycle of a fixed set of loops.
type Supervisor struct {
	store           Pinger
	exchange        Registrar
	loops           []*Loop
	shutdownTimeout time.Duration
	logger          *zap.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      map[string]chan struct{}
	abandoned map[string]bool
	started   bool
}

// NewSupervisor validates that loop names are unique.
func NewSupervisor(store Pinger, exchange Registrar, loops []*Loop, shutdownTimeout time.Duration, logger *zap.Logger) (*Supervisor, error) {
	if store == nil || exchange == nil {
		return nil, fmt.Errorf("store and exchange are required")
	}
	if len(loops) == 0 {
		return nil, fmt.Errorf("no workers to supervise")
	}
	if shutdownTimeout <= 0 {
		return nil, fmt.Errorf("shutdown timeout must be positive")
	}

	seen := make(map[string]bool, len(loops))
	for _, loop := range loops {
		if seen[loop.Name()] {
			return nil, fmt.Errorf("duplicate worker name '%s'", loop.Name())
		}
		seen[loop.Name()] = true
	}

	return &Supervisor{
		store:           store,
		exchange:        exchange,
		loops:           loops,
		shutdownTimeout: shutdownTimeout,
		logger:          logger.Named("supervisor"),
		abandoned:       make(map[string]bool),
	}, nil
}

// Start verifies the store, registers every worker with the exchange and
// launches one goroutine per loop. An unreachable store aborts startup.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor already started")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := s.store.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("store not accessible: %w", err)
	}

	for _, loop := range s.loops {
		if err := s.exchange.Register(loop.Name(), loop.Kind()); err != nil {
			return fmt.Errorf("failed to register worker '%s': %w", loop.Name(), err)
		}
	}

	runCtx, runCancel := context.WithCancel(ctx)
	s.cancel = runCancel
	s.done = make(map[string]chan struct{}, len(s.loops))

	for _, loop := range s.loops {
		done := make(chan struct{})
		s.done[loop.Name()] = done

		go func(l *Loop) {
			defer close(done)
			if err := l.Run(runCtx); err != nil {
				s.logger.Error("Worker loop exited with error", zap.String("worker", l.Name()), zap.Error(err))
			}
		}(loop)
	}

	s.started = true
	s.logger.Info("Supervisor started", zap.Int("workers", len(s.loops)))
	return nil
}

// Stop cancels every loop and waits up to the shutdown timeout for each, in
// parallel. Loops still running after the timeout are abandoned and reported.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.mu.Unlock()

	var g errgroup.Group
	var abandonedMu sync.Mutex
	var stragglers []string

	for _, loop := range s.loops {
		name := loop.Name()
		ch := done[name]

		g.Go(func() error {
			timer := time.NewTimer(s.shutdownTimeout)
			defer timer.Stop()

			select {
			case <-ch:
				return nil
			case <-timer.C:
				abandonedMu.Lock()
				stragglers = append(stragglers, name)
				abandonedMu.Unlock()
				return nil
			}
		})
	}
	_ = g.Wait()

	if len(stragglers) == 0 {
		s.logger.Info("All workers stopped")
		return nil
	}

	sort.Strings(stragglers)
	s.mu.Lock()
	for _, name := range stragglers {
		s.abandoned[name] = true
	}
	s.mu.Unlock()

	s.logger.Error("Workers did not stop within shutdown timeout, abandoning",
		zap.Strings("workers", stragglers),
		zap.Duration("timeout", s.shutdownTimeout))
	return fmt.Errorf("abandoned %d worker(s) after %s: %v", len(stragglers), s.shutdownTimeout, stragglers)
}

// Status returns one health snapshot per worker, ordered by name.
func (s *Supervisor) Status() []WorkerHealth {
	s.mu.Lock()
	abandoned := make(map[string]bool, len(s.abandoned))
	for k, v := range s.abandoned {
		abandoned[k] = v
	}
	s.mu.Unlock()

	out := make([]WorkerHealth, 0, len(s.loops))
	for _, loop := range s.loops {
		h := loop.Health()
		h.Abandoned = abandoned[h.Name]
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
