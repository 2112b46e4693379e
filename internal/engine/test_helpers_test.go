package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/entities"
	"github.com/MarcoPoloResearchLab/pawsync/internal/queue"
	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"github.com/MarcoPoloResearchLab/pawsync/internal/remote"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testContainers = map[records.EntityType]string{
	records.EntityContacts: "db-contacts",
	records.EntityPets:     "db-pets",
	records.EntityEvents:   "db-events",
}

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Millisecond)
	return c.current
}

type fakePage struct {
	container string
	page      remote.Page
}

type remoteCall struct {
	method     string
	target     string
	properties map[string]any
	request    remote.QueryRequest
}

// fakeRemote is an in-memory page database that records every call.
type fakeRemote struct {
	mu     sync.Mutex
	clock  func() time.Time
	nextID int
	pages  map[string]*fakePage
	calls  []remoteCall

	createErrors  []error
	updateErrors  []error
	archiveErrors []error
	queryErrors   []error

	queryEntered chan struct{}
	queryGate    chan struct{}
}

func newFakeRemote(clock func() time.Time) *fakeRemote {
	return &fakeRemote{clock: clock, pages: make(map[string]*fakePage)}
}

func popError(pending *[]error) error {
	if len(*pending) == 0 {
		return nil
	}
	err := (*pending)[0]
	*pending = (*pending)[1:]
	return err
}

func (f *fakeRemote) CreateRecord(_ context.Context, containerID string, properties map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remoteCall{method: "create", target: containerID, properties: properties})
	if err := popError(&f.createErrors); err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("r%d", f.nextID)
	f.pages[id] = &fakePage{container: containerID, page: remote.Page{ID: id, LastEditedTime: f.clock(), Properties: copyProperties(properties)}}
	return id, nil
}

func (f *fakeRemote) UpdateRecord(_ context.Context, remoteID string, properties map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remoteCall{method: "update", target: remoteID, properties: properties})
	if err := popError(&f.updateErrors); err != nil {
		return err
	}
	stored, ok := f.pages[remoteID]
	if !ok {
		return &remote.Error{Status: 404, Code: remote.CodeObjectNotFound}
	}
	for key, value := range properties {
		stored.page.Properties[key] = value
	}
	stored.page.LastEditedTime = f.clock()
	return nil
}

func (f *fakeRemote) ArchiveRecord(_ context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remoteCall{method: "archive", target: remoteID})
	if err := popError(&f.archiveErrors); err != nil {
		return err
	}
	stored, ok := f.pages[remoteID]
	if !ok {
		return &remote.Error{Status: 404, Code: remote.CodeObjectNotFound}
	}
	stored.page.Archived = true
	stored.page.LastEditedTime = f.clock()
	return nil
}

func (f *fakeRemote) QueryRecords(ctx context.Context, containerID string, request remote.QueryRequest) (remote.QueryResult, error) {
	if f.queryEntered != nil {
		f.queryEntered <- struct{}{}
		select {
		case <-f.queryGate:
		case <-ctx.Done():
			return remote.QueryResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remoteCall{method: "query", target: containerID, request: request})
	if err := popError(&f.queryErrors); err != nil {
		return remote.QueryResult{}, err
	}

	var matches []remote.Page
	for _, stored := range f.pages {
		if stored.container != containerID {
			continue
		}
		if !request.EditedOnOrAfter.IsZero() && stored.page.LastEditedTime.Before(request.EditedOnOrAfter) {
			continue
		}
		matches = append(matches, clonePage(stored.page))
	}
	sort.Slice(matches, func(left, right int) bool {
		if !matches[left].LastEditedTime.Equal(matches[right].LastEditedTime) {
			return matches[left].LastEditedTime.After(matches[right].LastEditedTime)
		}
		return matches[left].ID < matches[right].ID
	})

	offset := 0
	if request.StartCursor != "" {
		offset, _ = strconv.Atoi(request.StartCursor)
	}
	pageSize := request.PageSize
	if pageSize <= 0 {
		pageSize = len(matches)
	}
	end := offset + pageSize
	if end > len(matches) {
		end = len(matches)
	}
	result := remote.QueryResult{Results: matches[offset:end]}
	if end < len(matches) {
		result.HasMore = true
		result.NextCursor = strconv.Itoa(end)
	}
	return result, nil
}

func (f *fakeRemote) GetRecord(_ context.Context, remoteID string) (remote.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remoteCall{method: "get", target: remoteID})
	stored, ok := f.pages[remoteID]
	if !ok {
		return remote.Page{}, &remote.Error{Status: 404, Code: remote.CodeObjectNotFound}
	}
	return clonePage(stored.page), nil
}

// seed stores a page as if another device had written it.
func (f *fakeRemote) seed(containerID string, id string, edited time.Time, properties map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[id] = &fakePage{container: containerID, page: remote.Page{ID: id, LastEditedTime: edited, Properties: copyProperties(properties)}}
}

// propertiesOf returns a copy of the stored page properties.
func (f *fakeRemote) propertiesOf(id string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.pages[id]
	if !ok {
		return nil, false
	}
	return copyProperties(stored.page.Properties), true
}

func (h *harness) mustCycle(testContext *testing.T) CycleReport {
	testContext.Helper()
	report, err := h.orchestrator.RunCycle(context.Background())
	if err != nil {
		testContext.Fatalf("cycle failed: %v", err)
	}
	return report
}

func (f *fakeRemote) callsOf(method string) []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matching []remoteCall
	for _, call := range f.calls {
		if call.method == method {
			matching = append(matching, call)
		}
	}
	return matching
}

func (f *fakeRemote) mutatingCalls() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matching []remoteCall
	for _, call := range f.calls {
		if call.method == "create" || call.method == "update" || call.method == "archive" {
			matching = append(matching, call)
		}
	}
	return matching
}

func copyProperties(properties map[string]any) map[string]any {
	clone := make(map[string]any, len(properties))
	for key, value := range properties {
		clone[key] = value
	}
	return clone
}

func clonePage(page remote.Page) remote.Page {
	page.Properties = copyProperties(page.Properties)
	return page
}

type harness struct {
	store        *records.GormStore
	queue        *queue.Queue
	registry     *entities.Registry
	remote       *fakeRemote
	clock        *testClock
	orchestrator *Orchestrator
	pusher       *Pusher
	puller       *Puller
	reconciler   *Reconciler
	repairer     *Repairer
	limiter      *Limiter
	settings     StoreSettings
}

func newHarness(testContext *testing.T) *harness {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "engine.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(records.Models(), queue.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store, err := records.NewGormStore(db, nil)
	if err != nil {
		testContext.Fatalf("failed to build record store: %v", err)
	}
	operationStore, err := queue.NewGormStore(db)
	if err != nil {
		testContext.Fatalf("failed to build queue store: %v", err)
	}
	enqueueClock := &steppingClock{current: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	operations, err := queue.NewQueue(queue.Config{Store: operationStore, IDProvider: records.NewUUIDProvider(), Clock: enqueueClock.Now})
	if err != nil {
		testContext.Fatalf("failed to build queue: %v", err)
	}
	registry, err := entities.NewDefaultRegistry(entities.DefaultEventMatchTolerance)
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}

	clock := newTestClock()
	fake := newFakeRemote(clock.Now)
	// Sleeping advances the fake clock so backoffs resolve without real waits.
	limiter := NewLimiter(LimiterConfig{MinInterval: 0, Clock: clock.Now, Sleep: func(_ context.Context, d time.Duration) error {
		clock.Advance(d)
		return nil
	}})
	orchestrator, err := New(Config{
		Store:      store,
		Queue:      operations,
		Registry:   registry,
		API:        fake,
		IDProvider: records.NewUUIDProvider(),
		Containers: testContainers,
		Clock:      clock.Now,
		Limiter:    limiter,
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	return &harness{
		store:        store,
		queue:        operations,
		registry:     registry,
		remote:       fake,
		clock:        clock,
		orchestrator: orchestrator,
		pusher:       orchestrator.pusher,
		puller:       orchestrator.puller,
		reconciler:   orchestrator.puller.reconciler,
		repairer:     orchestrator.puller.repairer,
		limiter:      limiter,
		settings:     StoreSettings{Containers: testContainers, Cursors: store},
	}
}

func (h *harness) syncContext() *SyncContext {
	return NewSyncContext(h.clock.Now(), h.registry.Order(), h.settings)
}

// createLocal stores a new unsynced record and queues its create, like a local user edit.
func (h *harness) createLocal(testContext *testing.T, entityType records.EntityType, id string, fields records.Fields) {
	testContext.Helper()
	ctx := context.Background()
	record := records.Record{ID: id, UpdatedAt: h.clock.Now(), Fields: fields.Clone()}
	if err := h.store.Put(ctx, entityType, record); err != nil {
		testContext.Fatalf("put %s/%s failed: %v", entityType, id, err)
	}
	if _, err := h.queue.Enqueue(ctx, queue.Operation{Type: queue.OperationTypeCreate, EntityType: entityType, RecordID: id, Data: fields.Clone()}); err != nil {
		testContext.Fatalf("enqueue create %s/%s failed: %v", entityType, id, err)
	}
}

func (h *harness) mustRecord(testContext *testing.T, entityType records.EntityType, id string) records.Record {
	testContext.Helper()
	record, err := h.store.Get(context.Background(), entityType, id)
	if err != nil {
		testContext.Fatalf("get %s/%s failed: %v", entityType, id, err)
	}
	return record
}

func (h *harness) mustPush(testContext *testing.T) PushReport {
	testContext.Helper()
	report, err := h.pusher.PushPending(context.Background(), h.syncContext())
	if err != nil {
		testContext.Fatalf("push failed: %v", err)
	}
	return report
}

func (h *harness) mustPull(testContext *testing.T) PullReport {
	testContext.Helper()
	report, err := h.puller.PullRemoteUpdates(context.Background(), h.syncContext())
	if err != nil {
		testContext.Fatalf("pull failed: %v", err)
	}
	return report
}

func (h *harness) mustAll(testContext *testing.T, entityType records.EntityType) []records.Record {
	testContext.Helper()
	all, err := h.store.GetAll(context.Background(), entityType)
	if err != nil {
		testContext.Fatalf("get all %s failed: %v", entityType, err)
	}
	return all
}

func (h *harness) mustQueue(testContext *testing.T) []queue.Operation {
	testContext.Helper()
	ctx := context.Background()
	pending, err := h.queue.Pending(ctx)
	if err != nil {
		testContext.Fatalf("pending failed: %v", err)
	}
	failed, err := h.queue.Failed(ctx)
	if err != nil {
		testContext.Fatalf("failed list failed: %v", err)
	}
	return append(pending, failed...)
}
