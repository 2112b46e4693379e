package engine

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"github.com/MarcoPoloResearchLab/pawsync/internal/remote"
	"go.uber.org/zap"
)

const (
	// DefaultOverlapWindow re-fetches edits just before the cursor to absorb clock skew.
	DefaultOverlapWindow = 5 * time.Minute
	// DefaultPageSize is requested per query page.
	DefaultPageSize = 100

	maxRateLimitedPageAttempts = 3
)

var errMissingPullerDependency = errors.New("engine: puller dependencies are incomplete")

// PullReport counts what one pull did.
type PullReport struct {
	Fetched   int
	Created   int
	Updated   int
	Linked    int
	Deleted   int
	Unchanged int
	Errors    int
	Repaired  int
	// Skipped lists entity types whose query failed; their cursors did not move.
	Skipped []records.EntityType
}

// PullerConfig wires a Puller.
type PullerConfig struct {
	API           RemoteAPI
	Limiter       *Limiter
	Reconciler    *Reconciler
	Repairer      *Repairer
	Observer      Observer
	Logger        *zap.Logger
	OverlapWindow time.Duration
	PageSize      int
}

// Puller fetches remote edits per entity type in dependency order.
type Puller struct {
	api           RemoteAPI
	limiter       *Limiter
	reconciler    *Reconciler
	repairer      *Repairer
	observer      Observer
	logger        *zap.Logger
	overlapWindow time.Duration
	pageSize      int
}

// NewPuller validates the wiring and builds a Puller.
func NewPuller(cfg PullerConfig) (*Puller, error) {
	if cfg.API == nil || cfg.Limiter == nil || cfg.Reconciler == nil || cfg.Repairer == nil {
		return nil, errMissingPullerDependency
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	overlap := cfg.OverlapWindow
	if overlap <= 0 {
		overlap = DefaultOverlapWindow
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Puller{
		api:           cfg.API,
		limiter:       cfg.Limiter,
		reconciler:    cfg.Reconciler,
		repairer:      cfg.Repairer,
		observer:      observer,
		logger:        logger,
		overlapWindow: overlap,
		pageSize:      pageSize,
	}, nil
}

// PullRemoteUpdates pulls every entity type in order and then repairs relations
// that could not be resolved while pulling.
func (p *Puller) PullRemoteUpdates(ctx context.Context, sc *SyncContext) (PullReport, error) {
	var report PullReport
	for _, entityType := range sc.Order {
		if err := p.pullEntityType(ctx, sc, entityType, &report); err != nil {
			kind := ClassifyError(err)
			if kind == KindUnreachable || kind == KindAuth {
				return report, &SyncError{Kind: kind, Operation: "engine.pull", Err: err}
			}
			report.Skipped = append(report.Skipped, entityType)
			p.observer.OnError(err)
			p.logger.Error("sync pull error",
				zap.String("operation", "engine.pull.entity_type"),
				zap.String("entity_type", entityType.String()),
				zap.Error(err))
		}
	}

	repaired, err := p.repairer.RepairBrokenRelations(ctx, sc)
	report.Repaired = repaired
	if err != nil {
		return report, err
	}
	return report, nil
}

func (p *Puller) pullEntityType(ctx context.Context, sc *SyncContext, entityType records.EntityType, report *PullReport) error {
	containerID, err := sc.Settings.ContainerID(entityType)
	if err != nil {
		return err
	}
	previous, hasCursor, err := sc.Settings.Cursor(ctx, entityType)
	if err != nil {
		return err
	}

	request := remote.QueryRequest{NewestFirst: true, PageSize: p.pageSize}
	if hasCursor {
		request.EditedOnOrAfter = previous.Add(-p.overlapWindow)
	}

	var newest time.Time
	for {
		page, err := p.queryPage(ctx, containerID, request)
		if err != nil {
			return err
		}
		for _, remotePage := range page.Results {
			report.Fetched++
			if remotePage.LastEditedTime.After(newest) {
				newest = remotePage.LastEditedTime
			}
			result, err := p.reconciler.Reconcile(ctx, entityType, remotePage)
			if err != nil {
				report.Errors++
				p.observer.OnError(err)
				p.logger.Warn("reconcile failed",
					zap.String("entity_type", entityType.String()),
					zap.String("remote_id", remotePage.ID),
					zap.Error(err))
				continue
			}
			report.count(result)
		}
		if !page.HasMore || page.NextCursor == "" {
			break
		}
		request.StartCursor = page.NextCursor
	}

	next := sc.StartedAt
	if newest.After(next) {
		next = newest
	}
	if hasCursor && previous.After(next) {
		next = previous
	}
	return sc.Settings.SetCursor(ctx, entityType, next)
}

// queryPage requests one page, waiting out rate limits a bounded number of times.
func (p *Puller) queryPage(ctx context.Context, containerID string, request remote.QueryRequest) (remote.QueryResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxRateLimitedPageAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return remote.QueryResult{}, err
		}
		result, err := p.api.QueryRecords(ctx, containerID, request)
		if err == nil {
			return result, nil
		}
		if ClassifyError(err) != KindRateLimited {
			return remote.QueryResult{}, err
		}
		lastErr = err
		p.limiter.Backoff(retryAfter(err))
	}
	return remote.QueryResult{}, lastErr
}

func (r *PullReport) count(result ReconcileResult) {
	switch result {
	case ReconcileCreated:
		r.Created++
	case ReconcileUpdated:
		r.Updated++
	case ReconcileLinked:
		r.Linked++
	case ReconcileDeleted:
		r.Deleted++
	default:
		r.Unchanged++
	}
}
