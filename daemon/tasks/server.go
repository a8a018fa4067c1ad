package tasks

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/imgd/imgd/errdefs"
)

// ServerConfig tunes the worker pool.
type ServerConfig struct {
	// Listen is the mutex address: binding it asserts this host runs
	// exactly one task server.
	Listen string
	// Workers is the pool size.
	Workers int
	// PollInterval is how often the queue is polled for work.
	PollInterval time.Duration
	// SweepInterval is how often expired completed tasks are removed.
	SweepInterval time.Duration
	// Housekeeping, when set, periodically submits the named function
	// (low priority, no params); deduplication makes this idempotent
	// across restarts and web workers.
	HousekeepingInterval time.Duration
	HousekeepingFunction string
}

func (c *ServerConfig) withDefaults() ServerConfig {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = time.Minute
	}
	return out
}

// Server drains the task store with a fixed worker pool.
type Server struct {
	store *Store
	reg   *Registry
	cfg   ServerConfig

	instance string
	ln       net.Listener
	active   atomic.Int32
	wg       sync.WaitGroup
}

// NewServer builds a task server; Run starts it.
func NewServer(store *Store, reg *Registry, cfg ServerConfig) *Server {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "taskserver"
	}
	return &Server{store: store, reg: reg, cfg: cfg.withDefaults(), instance: hostname}
}

// Run recovers orphaned tasks, then dispatches until ctx is cancelled.
// In-flight tasks are joined, never interrupted. A second server on
// the same host fails fast with a Conflict.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errdefs.Conflict(errors.Wrapf(err, "task server mutex port %s is taken, another instance is running", s.cfg.Listen))
	}
	s.ln = ln
	defer ln.Close()
	go drainListener(ln)

	// a crashed predecessor on this host left tasks locked under our
	// hostname; requeue them
	if _, err := s.store.ResetInstance(ctx, s.instance+"_"); err != nil {
		return errors.Wrap(err, "recovering orphaned tasks")
	}

	log.G(ctx).WithFields(log.Fields{
		"instance": s.instance,
		"workers":  s.cfg.Workers,
		"listen":   s.cfg.Listen,
	}).Info("task server started")

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	var housekeep <-chan time.Time
	if s.cfg.HousekeepingInterval > 0 && s.cfg.HousekeepingFunction != "" {
		t := time.NewTicker(s.cfg.HousekeepingInterval)
		defer t.Stop()
		housekeep = t.C
		s.submitHousekeeping(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			log.G(ctx).Info("task server draining")
			s.wg.Wait()
			log.G(ctx).Info("task server stopped")
			return nil
		case <-poll.C:
			s.dispatch(ctx)
		case <-sweep.C:
			if n, err := s.store.Sweep(ctx, time.Now()); err != nil {
				log.G(ctx).WithError(err).Warn("task sweep failed")
			} else if n > 0 {
				log.G(ctx).WithField("count", n).Debug("swept expired tasks")
			}
		case <-housekeep:
			s.submitHousekeeping(ctx)
		}
	}
}

func (s *Server) dispatch(ctx context.Context) {
	free := s.cfg.Workers - int(s.active.Load())
	if free <= 0 {
		return
	}
	claimed, err := s.store.Claim(ctx, free, s.instance+"_"+fmt.Sprint(os.Getpid()))
	if err != nil {
		log.G(ctx).WithError(err).Warn("task claim failed")
		return
	}
	for _, t := range claimed {
		s.active.Add(1)
		s.wg.Add(1)
		go func(t *Task) {
			defer s.wg.Done()
			defer s.active.Add(-1)
			s.execute(ctx, t)
		}(t)
	}
}

func (s *Server) execute(ctx context.Context, t *Task) {
	logger := log.G(ctx).WithFields(log.Fields{
		"task":     t.ID,
		"function": t.Function,
		"priority": t.Priority.String(),
	})
	logger.Info("task started")
	start := time.Now()

	result, err := s.run(ctx, t)
	if err != nil {
		logger.WithError(err).WithField("took", time.Since(start)).Warn("task failed")
	} else {
		logger.WithField("took", time.Since(start)).Info("task complete")
	}
	if cerr := s.store.Complete(ctx, t.ID, result, err); cerr != nil {
		logger.WithError(cerr).Error("cannot store task result")
	}
}

// run executes the handler, converting panics into stored errors so a
// bad task cannot take a worker down.
func (s *Server) run(ctx context.Context, t *Task) (result any, err error) {
	fn, ok := s.reg.Lookup(t.Function)
	if !ok {
		return nil, errdefs.InvalidParameter(errors.Errorf("no handler registered for task function %q", t.Function))
	}
	defer func() {
		if r := recover(); r != nil {
			err = errdefs.System(errors.Errorf("task panicked: %v", r))
		}
	}()
	return fn.Handler(ctx, t.Params)
}

func (s *Server) submitHousekeeping(ctx context.Context) {
	_, err := s.store.Submit(ctx, "housekeeping", s.cfg.HousekeepingFunction, nil, PriorityLow, time.Hour)
	if err != nil && !errdefs.IsConflict(err) {
		log.G(ctx).WithError(err).Warn("cannot submit housekeeping task")
	}
}

// drainListener accepts and drops connections so the mutex port never
// accumulates a backlog.
func drainListener(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}
