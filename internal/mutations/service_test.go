package mutations

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/entities"
	"github.com/MarcoPoloResearchLab/pawsync/internal/queue"
	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fixture struct {
	service *Service
	store   *records.GormStore
	queue   *queue.Queue
	changes int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "mutations.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(append(records.Models(), queue.Models()...)...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := records.NewGormStore(db, nil)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	operationStore, err := queue.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build queue store: %v", err)
	}
	operations, err := queue.NewQueue(queue.Config{Store: operationStore, IDProvider: records.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	registry, err := entities.NewDefaultRegistry(entities.DefaultEventMatchTolerance)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	f := &fixture{store: store, queue: operations}
	f.service, err = NewService(ServiceConfig{
		Store:      store,
		Queue:      operations,
		Registry:   registry,
		IDProvider: records.NewUUIDProvider(),
		Clock:      func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) },
		OnChange:   func() { f.changes++ },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return f
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error %s, got %v", code, err)
	}
	if serviceErr.Code() != code {
		t.Fatalf("expected code %s, got %s", code, serviceErr.Code())
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	expectCode(t, err, "mutations.service.new.missing_store")
}

func TestCreateStoresRecordAndQueuesCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, records.EntityPets, records.Fields{"name": "Luna", "species": "cat"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID == "" || created.Synced || created.HasRemoteID() {
		t.Fatalf("unexpected created record %#v", created)
	}

	stored, err := f.store.Get(ctx, records.EntityPets, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Fields.String("name") != "Luna" {
		t.Fatalf("unexpected stored fields %#v", stored.Fields)
	}

	pending, err := f.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != queue.OperationTypeCreate || pending[0].RecordID != created.ID {
		t.Fatalf("expected a queued create, got %#v", pending)
	}
	if f.changes != 1 {
		t.Fatalf("expected change hook to run once, got %d", f.changes)
	}
}

func TestCreateValidatesFieldsAndRelations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pet, err := f.service.Create(ctx, records.EntityPets, records.Fields{"name": "Max"})
	if err != nil {
		t.Fatalf("create pet failed: %v", err)
	}

	tests := []struct {
		name   string
		fields records.Fields
		want   error
	}{
		{name: "unknown field", fields: records.Fields{"title": "Walk", "pets": []string{pet.ID}, "colour": "red"}, want: ErrUnknownField},
		{name: "missing required relation", fields: records.Fields{"title": "Walk"}, want: ErrRequiredRelation},
		{name: "empty required relation", fields: records.Fields{"title": "Walk", "pets": []string{}}, want: ErrRequiredRelation},
		{name: "dangling relation", fields: records.Fields{"title": "Walk", "pets": []string{"ghost"}}, want: ErrDanglingRelation},
		{name: "several ids for single relation", fields: records.Fields{"title": "Walk", "pets": []string{pet.ID}, "contact": []string{"a", "b"}}, want: ErrTooManyRelations},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Create(ctx, records.EntityEvents, tt.fields)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			expectCode(t, err, "mutations.create.invalid_fields")
		})
	}

	if _, err := f.service.Create(ctx, records.EntityType("plants"), records.Fields{}); err == nil {
		t.Fatalf("expected unknown entity type to fail")
	}
}

func TestCreateNormalizesRelationValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pet, err := f.service.Create(ctx, records.EntityPets, records.Fields{"name": "Max"})
	if err != nil {
		t.Fatalf("create pet failed: %v", err)
	}

	event, err := f.service.Create(ctx, records.EntityEvents, records.Fields{"title": "Walk", "pets": pet.ID})
	if err != nil {
		t.Fatalf("create event failed: %v", err)
	}
	ids, ok := event.Fields["pets"].([]string)
	if !ok || len(ids) != 1 || ids[0] != pet.ID {
		t.Fatalf("expected pets to be stored as a list, got %#v", event.Fields["pets"])
	}
}

func TestUpdateMergesFieldsAndFoldsIntoPendingCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.service.Create(ctx, records.EntityContacts, records.Fields{"name": "Dr. Vet", "role": "vet"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updated, err := f.service.Update(ctx, records.EntityContacts, created.ID, records.Fields{"phone": "555"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Fields.String("name") != "Dr. Vet" || updated.Fields.String("phone") != "555" {
		t.Fatalf("expected merged fields, got %#v", updated.Fields)
	}

	pending, err := f.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != queue.OperationTypeCreate || pending[0].Data.String("phone") != "555" {
		t.Fatalf("expected the update to fold into the create, got %#v", pending)
	}

	_, err = f.service.Update(ctx, records.EntityContacts, "missing", records.Fields{"phone": "1"})
	expectCode(t, err, "mutations.update.record_not_found")

	_, err = f.service.Update(ctx, records.EntityContacts, created.ID, records.Fields{})
	if !errors.Is(err, ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges, got %v", err)
	}
}

func TestUpdateOfSyncedRecordQueuesUpdateWithRemoteID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.Put(ctx, records.EntityPets, records.Record{ID: "pet-1", RemoteID: "r-1", Synced: true, UpdatedAt: time.Unix(0, 0).UTC(), Fields: records.Fields{"name": "Luna"}}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	updated, err := f.service.Update(ctx, records.EntityPets, "pet-1", records.Fields{"breed": "tabby"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Synced || !updated.UpdatedAt.Equal(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected unsynced record with a fresh timestamp, got %#v", updated)
	}
	pending, err := f.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != queue.OperationTypeUpdate || pending[0].RemoteID != "r-1" {
		t.Fatalf("expected an update carrying the remote id, got %#v", pending)
	}
	if _, present := pending[0].Data["name"]; present {
		t.Fatalf("update must carry only the changed fields, got %#v", pending[0].Data)
	}
}

func TestDeleteQueuesDeleteOnlyForSyncedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.service.Create(ctx, records.EntityContacts, records.Fields{"name": "Draft"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := f.service.Delete(ctx, records.EntityContacts, draft.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	pending, _ := f.queue.Pending(ctx)
	if len(pending) != 0 {
		t.Fatalf("deleting a never-synced record must leave nothing queued, got %#v", pending)
	}

	if err := f.store.Put(ctx, records.EntityContacts, records.Record{ID: "contact-1", RemoteID: "r-1", Synced: true, UpdatedAt: time.Unix(0, 0).UTC(), Fields: records.Fields{"name": "Synced"}}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := f.service.Delete(ctx, records.EntityContacts, "contact-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	pending, _ = f.queue.Pending(ctx)
	if len(pending) != 1 || pending[0].Type != queue.OperationTypeDelete || pending[0].RemoteID != "r-1" {
		t.Fatalf("expected a delete carrying the remote id, got %#v", pending)
	}
	if _, err := f.service.Get(ctx, records.EntityContacts, "contact-1"); err == nil {
		t.Fatalf("expected the record to be gone locally")
	}

	err = f.service.Delete(ctx, records.EntityContacts, "contact-1")
	expectCode(t, err, "mutations.delete.record_not_found")
}

func TestListReturnsRecordsOfType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"A", "B"} {
		if _, err := f.service.Create(ctx, records.EntityContacts, records.Fields{"name": name}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	all, err := f.service.List(ctx, records.EntityContacts)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected two contacts, got %#v", all)
	}
}
