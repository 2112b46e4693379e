package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/entities"
	"github.com/MarcoPoloResearchLab/pawsync/internal/queue"
	"go.uber.org/zap"
)

// DefaultSyncInterval spaces periodic cycles when no interval is configured.
const DefaultSyncInterval = 5 * time.Minute

var errMissingOrchestratorDependency = errors.New("engine: orchestrator dependencies are incomplete")

// Status is the user-facing summary of sync state.
type Status struct {
	Syncing      bool
	Pending      int
	Failed       int
	LastStarted  time.Time
	LastFinished time.Time
	LastError    string
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Pusher   *Pusher
	Puller   *Puller
	Queue    *queue.Queue
	Registry *entities.Registry
	Settings Settings
	Observer Observer
	Logger   *zap.Logger
	Clock    func() time.Time
	Interval time.Duration
}

// Orchestrator runs sync cycles one at a time: push, then pull with repair.
type Orchestrator struct {
	pusher   *Pusher
	puller   *Puller
	queue    *queue.Queue
	registry *entities.Registry
	settings Settings
	observer Observer
	logger   *zap.Logger
	clock    func() time.Time
	interval time.Duration

	running  atomic.Bool
	triggers chan struct{}

	mu   sync.RWMutex
	last CycleReport
}

// NewOrchestrator validates the wiring and builds an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Pusher == nil || cfg.Puller == nil || cfg.Queue == nil || cfg.Registry == nil || cfg.Settings == nil {
		return nil, errMissingOrchestratorDependency
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Orchestrator{
		pusher:   cfg.Pusher,
		puller:   cfg.Puller,
		queue:    cfg.Queue,
		registry: cfg.Registry,
		settings: cfg.Settings,
		observer: observer,
		logger:   logger,
		clock:    clock,
		interval: interval,
		triggers: make(chan struct{}, 1),
	}, nil
}

// RunCycle runs one full cycle now. It returns ErrSyncInProgress without doing
// anything when a cycle is already running.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrSyncInProgress
	}
	defer o.running.Store(false)
	// A trigger queued just before this cycle started is served by it.
	select {
	case <-o.triggers:
	default:
	}

	sc := NewSyncContext(o.clock(), o.registry.Order(), o.settings)
	report := CycleReport{StartedAt: sc.StartedAt}
	o.logger.Info("sync cycle started", zap.Time("started_at", sc.StartedAt))

	push, err := o.pusher.PushPending(ctx, sc)
	report.Push = push
	if err == nil {
		report.Pull, err = o.puller.PullRemoteUpdates(ctx, sc)
	}
	report.Err = err
	report.FinishedAt = o.clock().UTC()

	o.mu.Lock()
	o.last = report
	o.mu.Unlock()

	if err != nil {
		o.observer.OnError(err)
		o.logger.Error("sync cycle aborted",
			zap.String("operation", "engine.cycle"),
			zap.String("kind", ClassifyError(err).String()),
			zap.Error(err))
	} else {
		o.logger.Info("sync cycle finished",
			zap.Int("pushed", push.Succeeded),
			zap.Int("push_failed", push.Failed),
			zap.Int("waiting", push.Waiting),
			zap.Int("fetched", report.Pull.Fetched),
			zap.Int("repaired", report.Pull.Repaired),
			zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	}
	o.observer.OnCycleFinished(report)
	return report, err
}

// Trigger asks the run loop for a cycle. A trigger arriving while a cycle runs is
// dropped and Trigger reports false. At most one accepted trigger waits, and a
// cycle that starts for any reason consumes it.
func (o *Orchestrator) Trigger() bool {
	if o.running.Load() {
		return false
	}
	select {
	case o.triggers <- struct{}{}:
	default:
	}
	return true
}

// Run executes cycles on every tick and trigger until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.runQuietly(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.runQuietly(ctx)
		case <-o.triggers:
			o.runQuietly(ctx)
		}
	}
}

func (o *Orchestrator) runQuietly(ctx context.Context) {
	if _, err := o.RunCycle(ctx); errors.Is(err, ErrSyncInProgress) {
		o.logger.Debug("sync already in progress, trigger dropped")
	}
}

// Syncing reports whether a cycle is running.
func (o *Orchestrator) Syncing() bool {
	return o.running.Load()
}

// Status reports queue counts and the outcome of the last cycle.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	stats, err := o.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	o.mu.RLock()
	last := o.last
	o.mu.RUnlock()

	status := Status{
		Syncing:      o.running.Load(),
		Pending:      stats.Pending,
		Failed:       stats.Failed,
		LastStarted:  last.StartedAt,
		LastFinished: last.FinishedAt,
	}
	if last.Err != nil {
		status.LastError = last.Err.Error()
	}
	return status, nil
}
