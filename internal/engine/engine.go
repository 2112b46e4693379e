package engine

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/entities"
	"github.com/MarcoPoloResearchLab/pawsync/internal/queue"
	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"go.uber.org/zap"
)

var errMissingEngineDependency = errors.New("engine: store, queue, registry, api and id provider are required")

// LocalStore is everything the engine needs from local persistence.
type LocalStore interface {
	records.Store
	records.CursorStore
	records.DeferredRelationStore
}

// Config assembles a complete engine around one local store and one remote API.
type Config struct {
	Store         LocalStore
	Queue         *queue.Queue
	Registry      *entities.Registry
	API           RemoteAPI
	IDProvider    records.IDProvider
	Containers    map[records.EntityType]string
	Observer      Observer
	Logger        *zap.Logger
	Clock         func() time.Time
	MinInterval   time.Duration
	OverlapWindow time.Duration
	PageSize      int
	SyncInterval  time.Duration
	// Limiter overrides the limiter built from MinInterval.
	Limiter *Limiter
}

// New wires limiter, pusher, reconciler, repairer, puller and orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Registry == nil || cfg.API == nil || cfg.IDProvider == nil {
		return nil, errMissingEngineDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		minInterval := cfg.MinInterval
		if minInterval == 0 {
			minInterval = DefaultMinInterval
		}
		limiter = NewLimiter(LimiterConfig{MinInterval: minInterval, Clock: cfg.Clock})
	}

	pusher, err := NewPusher(PusherConfig{
		Queue:    cfg.Queue,
		Store:    cfg.Store,
		Deferred: cfg.Store,
		Registry: cfg.Registry,
		API:      cfg.API,
		Limiter:  limiter,
		Observer: cfg.Observer,
		Logger:   logger.Named("push"),
	})
	if err != nil {
		return nil, err
	}
	reconciler := NewReconciler(cfg.Store, cfg.Store, cfg.Queue, cfg.Registry, cfg.IDProvider, logger.Named("reconcile"))
	repairer := NewRepairer(cfg.Store, cfg.Queue, cfg.Registry, cfg.API, limiter, reconciler, logger.Named("repair"))
	puller, err := NewPuller(PullerConfig{
		API:           cfg.API,
		Limiter:       limiter,
		Reconciler:    reconciler,
		Repairer:      repairer,
		Observer:      cfg.Observer,
		Logger:        logger.Named("pull"),
		OverlapWindow: cfg.OverlapWindow,
		PageSize:      cfg.PageSize,
	})
	if err != nil {
		return nil, err
	}
	return NewOrchestrator(OrchestratorConfig{
		Pusher:   pusher,
		Puller:   puller,
		Queue:    cfg.Queue,
		Registry: cfg.Registry,
		Settings: StoreSettings{Containers: cfg.Containers, Cursors: cfg.Store},
		Observer: cfg.Observer,
		Logger:   logger,
		Clock:    cfg.Clock,
		Interval: cfg.SyncInterval,
	})
}
