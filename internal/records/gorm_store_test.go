package records

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func mustStore(testContext *testing.T) *GormStore {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "records.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewGormStore(db, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	return store
}

func TestGormStorePutAndGetRoundTrip(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()
	updatedAt := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

	record := Record{
		ID:        "event-1",
		UpdatedAt: updatedAt,
		Fields: Fields{
			"title": "Vaccination",
			"pets":  []string{"pet-1", "pet-2"},
		},
		UnresolvedRelations: []string{"pets"},
	}
	if err := store.Put(ctx, EntityEvents, record); err != nil {
		testContext.Fatalf("put failed: %v", err)
	}

	loaded, err := store.Get(ctx, EntityEvents, "event-1")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if !loaded.UpdatedAt.Equal(updatedAt) {
		testContext.Fatalf("unexpected updated at %s", loaded.UpdatedAt)
	}
	if loaded.Fields.String("title") != "Vaccination" {
		testContext.Fatalf("unexpected title %#v", loaded.Fields["title"])
	}
	pets := RelationIDs(loaded.Fields["pets"])
	if len(pets) != 2 || pets[0] != "pet-1" || pets[1] != "pet-2" {
		testContext.Fatalf("unexpected pets relation %#v", loaded.Fields["pets"])
	}
	if len(loaded.UnresolvedRelations) != 1 || loaded.UnresolvedRelations[0] != "pets" {
		testContext.Fatalf("unexpected unresolved relations %#v", loaded.UnresolvedRelations)
	}
	if loaded.HasRemoteID() {
		testContext.Fatalf("expected no remote id")
	}

	if _, err := store.Get(ctx, EntityPets, "event-1"); !errors.Is(err, ErrRecordNotFound) {
		testContext.Fatalf("expected not found across entity types, got %v", err)
	}
}

func TestGormStoreRemoteIDIsImmutable(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()

	record := Record{ID: "pet-1", RemoteID: "r1", Synced: true, UpdatedAt: time.Now(), Fields: Fields{"name": "Luna"}}
	if err := store.Put(ctx, EntityPets, record); err != nil {
		testContext.Fatalf("put failed: %v", err)
	}

	cleared := record
	cleared.RemoteID = ""
	if err := store.Put(ctx, EntityPets, cleared); !errors.Is(err, ErrRemoteIDImmutable) {
		testContext.Fatalf("expected immutable error when clearing, got %v", err)
	}

	changed := record
	changed.RemoteID = "r2"
	if err := store.Put(ctx, EntityPets, changed); !errors.Is(err, ErrRemoteIDImmutable) {
		testContext.Fatalf("expected immutable error when changing, got %v", err)
	}

	loaded, err := store.GetByRemoteID(ctx, EntityPets, "r1")
	if err != nil {
		testContext.Fatalf("lookup by remote id failed: %v", err)
	}
	if loaded.ID != "pet-1" {
		testContext.Fatalf("unexpected record %s", loaded.ID)
	}
}

func TestGormStoreRejectsDuplicateRemoteID(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()

	if err := store.Put(ctx, EntityPets, Record{ID: "pet-1", RemoteID: "r1", UpdatedAt: time.Now(), Fields: Fields{}}); err != nil {
		testContext.Fatalf("put failed: %v", err)
	}
	err := store.Put(ctx, EntityPets, Record{ID: "pet-2", RemoteID: "r1", UpdatedAt: time.Now(), Fields: Fields{}})
	if !errors.Is(err, ErrDuplicateRemoteID) {
		testContext.Fatalf("expected duplicate remote id error, got %v", err)
	}

	// the same remote id may exist under another entity type
	if err := store.Put(ctx, EntityContacts, Record{ID: "contact-1", RemoteID: "r1", UpdatedAt: time.Now(), Fields: Fields{}}); err != nil {
		testContext.Fatalf("expected cross-type remote id to be allowed: %v", err)
	}
}

func TestGormStoreQueryAndDelete(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()

	for _, record := range []Record{
		{ID: "c-1", RemoteID: "r1", UpdatedAt: time.Now(), Fields: Fields{"name": "Dr. Vet"}},
		{ID: "c-2", UpdatedAt: time.Now(), Fields: Fields{"name": "Groomer"}},
	} {
		if err := store.Put(ctx, EntityContacts, record); err != nil {
			testContext.Fatalf("put failed: %v", err)
		}
	}

	unsynced, err := store.Query(ctx, EntityContacts, func(record Record) bool { return !record.HasRemoteID() })
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(unsynced) != 1 || unsynced[0].ID != "c-2" {
		testContext.Fatalf("unexpected query result %#v", unsynced)
	}

	if err := store.Delete(ctx, EntityContacts, "c-2"); err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, EntityContacts, "missing"); err != nil {
		testContext.Fatalf("deleting a missing record should succeed: %v", err)
	}
	all, err := store.GetAll(ctx, EntityContacts)
	if err != nil {
		testContext.Fatalf("get all failed: %v", err)
	}
	if len(all) != 1 {
		testContext.Fatalf("expected one remaining record, got %d", len(all))
	}
}

func TestGormStoreCursorRoundTrip(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()

	if _, ok, err := store.Cursor(ctx, EntityPets); err != nil || ok {
		testContext.Fatalf("expected no cursor, got ok=%v err=%v", ok, err)
	}
	cursor := time.Date(2024, 6, 2, 8, 0, 0, 123000000, time.UTC)
	if err := store.SetCursor(ctx, EntityPets, cursor); err != nil {
		testContext.Fatalf("set cursor failed: %v", err)
	}
	loaded, ok, err := store.Cursor(ctx, EntityPets)
	if err != nil || !ok {
		testContext.Fatalf("expected cursor, got ok=%v err=%v", ok, err)
	}
	if !loaded.Equal(cursor) {
		testContext.Fatalf("unexpected cursor %s", loaded)
	}
}

func TestGormStoreTakeDeferredRelations(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()

	relation := DeferredRelation{
		EntityType: EntityPets,
		RecordID:   "pet-1",
		Field:      "vet",
		TargetType: EntityContacts,
		TargetID:   "contact-1",
	}
	if err := store.DeferRelation(ctx, relation); err != nil {
		testContext.Fatalf("defer failed: %v", err)
	}
	if err := store.DeferRelation(ctx, relation); err != nil {
		testContext.Fatalf("deferring twice should be idempotent: %v", err)
	}

	taken, err := store.TakeDeferredRelations(ctx, EntityContacts, "contact-1")
	if err != nil {
		testContext.Fatalf("take failed: %v", err)
	}
	if len(taken) != 1 || taken[0] != relation {
		testContext.Fatalf("unexpected deferred relations %#v", taken)
	}

	again, err := store.TakeDeferredRelations(ctx, EntityContacts, "contact-1")
	if err != nil {
		testContext.Fatalf("second take failed: %v", err)
	}
	if len(again) != 0 {
		testContext.Fatalf("expected relations to be consumed, got %#v", again)
	}
}

func TestGormStoreListsDeferredRelationsOfOwner(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()

	waiting := DeferredRelation{EntityType: EntityPets, RecordID: "pet-1", Field: "vet", TargetType: EntityContacts, TargetID: "contact-1"}
	other := DeferredRelation{EntityType: EntityPets, RecordID: "pet-2", Field: "vet", TargetType: EntityContacts, TargetID: "contact-1"}
	for _, relation := range []DeferredRelation{waiting, other} {
		if err := store.DeferRelation(ctx, relation); err != nil {
			testContext.Fatalf("defer failed: %v", err)
		}
	}

	listed, err := store.DeferredRelationsOf(ctx, EntityPets, "pet-1")
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || listed[0] != waiting {
		testContext.Fatalf("unexpected deferred relations %#v", listed)
	}

	// Listing does not consume.
	taken, err := store.TakeDeferredRelations(ctx, EntityContacts, "contact-1")
	if err != nil {
		testContext.Fatalf("take failed: %v", err)
	}
	if len(taken) != 2 {
		testContext.Fatalf("expected both relations to remain, got %#v", taken)
	}
}

func TestRelationIDsAcceptsDecodedShapes(testContext *testing.T) {
	cases := []struct {
		name  string
		value any
		want  int
	}{
		{name: "nil", value: nil, want: 0},
		{name: "single", value: "pet-1", want: 1},
		{name: "blank", value: "  ", want: 0},
		{name: "strings", value: []string{"a", "", "b"}, want: 2},
		{name: "decoded-json", value: []any{"a", 3.0, "b"}, want: 2},
	}
	for _, tc := range cases {
		testContext.Run(tc.name, func(t *testing.T) {
			if got := RelationIDs(tc.value); len(got) != tc.want {
				t.Fatalf("expected %d ids, got %#v", tc.want, got)
			}
		})
	}
}

func TestGormStoreMutateSavesOnlyOnChange(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()

	original := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.Put(ctx, EntityPets, Record{ID: "pet-1", UpdatedAt: original, Fields: Fields{"name": "Luna"}}); err != nil {
		testContext.Fatalf("put failed: %v", err)
	}

	unchanged, err := store.Mutate(ctx, EntityPets, "pet-1", func(record *Record) (bool, error) {
		record.Fields["name"] = "ignored"
		return false, nil
	})
	if err != nil {
		testContext.Fatalf("mutate failed: %v", err)
	}
	if unchanged.Fields.String("name") != "ignored" {
		testContext.Fatalf("mutate should return the edited copy")
	}
	loaded, _ := store.Get(ctx, EntityPets, "pet-1")
	if loaded.Fields.String("name") != "Luna" {
		testContext.Fatalf("unchanged mutation must not be saved, got %#v", loaded.Fields)
	}

	if _, err := store.Mutate(ctx, EntityPets, "pet-1", func(record *Record) (bool, error) {
		record.RemoteID = "r1"
		record.Synced = true
		return true, nil
	}); err != nil {
		testContext.Fatalf("mutate failed: %v", err)
	}
	loaded, _ = store.Get(ctx, EntityPets, "pet-1")
	if loaded.RemoteID != "r1" || !loaded.Synced {
		testContext.Fatalf("expected remote id attached, got %#v", loaded)
	}

	_, err = store.Mutate(ctx, EntityPets, "pet-1", func(record *Record) (bool, error) {
		record.RemoteID = "r2"
		return true, nil
	})
	if !errors.Is(err, ErrRemoteIDImmutable) {
		testContext.Fatalf("expected immutable error, got %v", err)
	}

	if _, err := store.Mutate(ctx, EntityPets, "missing", func(*Record) (bool, error) { return true, nil }); !errors.Is(err, ErrRecordNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}
