package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
)

// Settings is the configuration store read and written by one sync run.
type Settings interface {
	ContainerID(entityType records.EntityType) (string, error)
	Cursor(ctx context.Context, entityType records.EntityType) (time.Time, bool, error)
	SetCursor(ctx context.Context, entityType records.EntityType, cursor time.Time) error
}

// StoreSettings serves container ids from configuration and cursors from the local store.
type StoreSettings struct {
	Containers map[records.EntityType]string
	Cursors    records.CursorStore
}

// ContainerID returns the remote container configured for the entity type.
func (s StoreSettings) ContainerID(entityType records.EntityType) (string, error) {
	containerID := strings.TrimSpace(s.Containers[entityType])
	if containerID == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingContainer, entityType)
	}
	return containerID, nil
}

// Cursor loads the stored watermark.
func (s StoreSettings) Cursor(ctx context.Context, entityType records.EntityType) (time.Time, bool, error) {
	return s.Cursors.Cursor(ctx, entityType)
}

// SetCursor stores the watermark.
func (s StoreSettings) SetCursor(ctx context.Context, entityType records.EntityType, cursor time.Time) error {
	return s.Cursors.SetCursor(ctx, entityType, cursor)
}

// SyncContext is built once per cycle and handed to every component of that cycle.
type SyncContext struct {
	StartedAt time.Time
	Order     []records.EntityType
	Settings  Settings
}

// NewSyncContext snapshots the order so a cycle is unaffected by later changes.
func NewSyncContext(startedAt time.Time, order []records.EntityType, settings Settings) *SyncContext {
	return &SyncContext{
		StartedAt: startedAt.UTC(),
		Order:     append([]records.EntityType(nil), order...),
		Settings:  settings,
	}
}
