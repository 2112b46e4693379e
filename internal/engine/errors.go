package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/remote"
)

// Kind classifies sync failures by how the engine reacts to them.
type Kind int

const (
	// KindTransient failures retry up to the queue's bounded budget.
	KindTransient Kind = iota
	// KindDependencyNotReady waits for a relation target's create; retries are unbounded.
	KindDependencyNotReady
	// KindRateLimited backs the limiter off and retries without consuming budget.
	KindRateLimited
	// KindAuth is a credential or permission failure; the operation fails immediately.
	KindAuth
	// KindPermanent is a request the remote will never accept as sent.
	KindPermanent
	// KindUnreachable aborts the whole cycle and leaves queue and cursors untouched.
	KindUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDependencyNotReady:
		return "dependency_not_ready"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindPermanent:
		return "permanent"
	case KindUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrSyncInProgress is returned when a cycle is requested while another one runs.
	ErrSyncInProgress = errors.New("engine: sync already in progress")
	// ErrMissingContainer indicates that no remote container is configured for an entity type.
	ErrMissingContainer = errors.New("engine: remote container not configured")
)

// SyncError carries a classified failure.
type SyncError struct {
	Kind       Kind
	Operation  string
	RetryAfter time.Duration
	Err        error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Operation, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Operation, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func dependencyNotReady(operation string, format string, args ...any) *SyncError {
	return &SyncError{Kind: KindDependencyNotReady, Operation: operation, Err: fmt.Errorf(format, args...)}
}

func permanent(operation string, err error) *SyncError {
	return &SyncError{Kind: KindPermanent, Operation: operation, Err: err}
}

// ClassifyError maps an error from the remote client or local store to a Kind.
func ClassifyError(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	if errors.Is(err, remote.ErrUnreachable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindUnreachable
	}
	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) {
		switch {
		case remoteErr.RateLimited():
			return KindRateLimited
		case remoteErr.Unauthorized():
			return KindAuth
		case remoteErr.Temporary():
			return KindTransient
		case remoteErr.Status >= http.StatusBadRequest:
			return KindPermanent
		}
	}
	return KindTransient
}

// retryAfter extracts the server-requested delay, if any.
func retryAfter(err error) time.Duration {
	var syncErr *SyncError
	if errors.As(err, &syncErr) && syncErr.RetryAfter > 0 {
		return syncErr.RetryAfter
	}
	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) {
		return remoteErr.RetryAfter
	}
	return 0
}

func isRemoteNotFound(err error) bool {
	var remoteErr *remote.Error
	return errors.As(err, &remoteErr) && remoteErr.NotFound()
}
