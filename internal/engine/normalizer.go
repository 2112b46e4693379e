// Package engine implements bidirectional synchronization between the local store
// and the remote page database: dependency-ordered push of queued operations,
// cursored incremental pull with last-write-wins reconciliation, and a relation
// repair pass.
package engine

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"github.com/MarcoPoloResearchLab/pawsync/internal/remote"
)

// RemoteAPI is the remote page database as seen by the engine.
type RemoteAPI interface {
	CreateRecord(ctx context.Context, containerID string, properties map[string]any) (string, error)
	UpdateRecord(ctx context.Context, remoteID string, properties map[string]any) error
	ArchiveRecord(ctx context.Context, remoteID string) error
	QueryRecords(ctx context.Context, containerID string, request remote.QueryRequest) (remote.QueryResult, error)
	GetRecord(ctx context.Context, remoteID string) (remote.Page, error)
}

// Normalizer translates relation ids between local and remote form. It reads the
// local store and never writes it.
type Normalizer struct {
	store records.Store
}

// NewNormalizer builds a Normalizer over the store.
func NewNormalizer(store records.Store) *Normalizer {
	return &Normalizer{store: store}
}

// ToLocalIDs resolves remote ids of target records to local ids. An input that is
// already a local id passes through. Ids that resolve to nothing are dropped and
// counted in dropped.
func (n *Normalizer) ToLocalIDs(ctx context.Context, target records.EntityType, remoteIDs []string) ([]string, int, error) {
	if len(remoteIDs) == 0 {
		return []string{}, 0, nil
	}
	all, err := n.store.GetAll(ctx, target)
	if err != nil {
		return nil, 0, err
	}
	byRemote := make(map[string]string, len(all))
	local := make(map[string]struct{}, len(all))
	for _, record := range all {
		local[record.ID] = struct{}{}
		if record.HasRemoteID() {
			byRemote[record.RemoteID] = record.ID
		}
	}

	resolved := make([]string, 0, len(remoteIDs))
	dropped := 0
	for _, id := range remoteIDs {
		if localID, ok := byRemote[id]; ok {
			resolved = append(resolved, localID)
			continue
		}
		if _, ok := local[id]; ok {
			resolved = append(resolved, id)
			continue
		}
		dropped++
	}
	return resolved, dropped, nil
}

// ToRemoteIDs resolves local ids of target records to remote ids. Records that
// exist but have no remote id yet are returned in missing; ids of records that no
// longer exist locally are skipped.
func (n *Normalizer) ToRemoteIDs(ctx context.Context, target records.EntityType, localIDs []string) ([]string, []string, error) {
	remoteIDs := make([]string, 0, len(localIDs))
	var missing []string
	for _, id := range localIDs {
		record, err := n.store.Get(ctx, target, id)
		if errors.Is(err, records.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if !record.HasRemoteID() {
			missing = append(missing, id)
			continue
		}
		remoteIDs = append(remoteIDs, record.RemoteID)
	}
	return remoteIDs, missing, nil
}
