package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"studioops/api/internal/docstore"
)

var testPolicy = AccessPolicy{
	MasterOperatorEmail: "master@agency.example",
	RootAdminRoleID:     "root-admin",
	RestrictedEmails:    []string{"blocked@agency.example", "anonymous@root.invalid"},
}

func matchingRecords(t *testing.T, store docstore.Store, email string) []PersonnelRecord {
	t.Helper()
	docs, err := store.QueryCollection(context.Background(), PersonnelCollection,
		[]docstore.Filter{{Field: "email", Value: NormalizeEmail(email)}}, "")
	if err != nil {
		t.Fatalf("query personnel: %v", err)
	}
	records := make([]PersonnelRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, RecordFromDocument(doc))
	}
	return records
}

func seedRecord(t *testing.T, store docstore.Store, record PersonnelRecord) {
	t.Helper()
	if err := store.SetDocument(context.Background(), PersonnelCollection, record.RecordID, record.Data(), false); err != nil {
		t.Fatalf("seed record %s: %v", record.RecordID, err)
	}
}

func TestFirstSignInCreatesPendingRecordAndWithholdsAccess(t *testing.T) {
	store := docstore.NewMemory()
	engine := NewEngine(store, testPolicy, nil)
	ctx := context.Background()
	principal := &Principal{ID: "u1", Email: "new@x.com"}

	outcome, err := engine.Resolve(ctx, principal, nil, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !outcome.Created {
		t.Fatalf("expected creation outcome, got %+v", outcome)
	}
	if outcome.Granted {
		t.Fatalf("expected access withheld for new record")
	}
	if outcome.Status != StatusPending {
		t.Fatalf("expected Pending status, got %s", outcome.Status)
	}

	records := matchingRecords(t, store, "new@x.com")
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
	record := records[0]
	if record.RecordID != "u1" || record.Status != StatusPending || record.RoleID != "" {
		t.Fatalf("unexpected created record %+v", record)
	}

	// Second authentication with the now-existing record must again withhold
	// access and report the status.
	outcome, err = engine.Resolve(ctx, principal, records, true)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if outcome.Granted || outcome.Created || outcome.Migrated {
		t.Fatalf("expected plain withheld outcome, got %+v", outcome)
	}
	if outcome.Status != StatusPending {
		t.Fatalf("expected Pending status reported, got %s", outcome.Status)
	}
	if outcome.State != StatePending {
		t.Fatalf("expected pending state, got %s", outcome.State)
	}
}

func TestMasterOperatorIsCreatedActiveAndGranted(t *testing.T) {
	store := docstore.NewMemory()
	engine := NewEngine(store, testPolicy, nil)
	principal := &Principal{ID: "u2", Email: "master@agency.example"}

	outcome, err := engine.Resolve(context.Background(), principal, nil, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !outcome.Created || !outcome.Granted {
		t.Fatalf("expected created+granted outcome, got %+v", outcome)
	}
	if outcome.Record.Status != StatusActive || outcome.Record.RoleID != "root-admin" {
		t.Fatalf("expected active root-admin record, got %+v", outcome.Record)
	}
	if outcome.State != StateGranted {
		t.Fatalf("expected granted state, got %s", outcome.State)
	}
}

func TestNoActionWhileRecordLookupStillLoading(t *testing.T) {
	store := docstore.NewMemory()
	engine := NewEngine(store, testPolicy, nil)

	outcome, err := engine.Resolve(context.Background(), &Principal{ID: "u1", Email: "new@x.com"}, nil, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if outcome.Created || outcome.Granted || outcome.SignOut {
		t.Fatalf("expected no action on partial data, got %+v", outcome)
	}
	if len(matchingRecords(t, store, "new@x.com")) != 0 {
		t.Fatalf("expected no record created while loading")
	}
}

func TestMigrationPreservesFieldsExceptKeyAndUpdatedAt(t *testing.T) {
	store := docstore.NewMemory()
	engine := NewEngine(store, testPolicy, nil)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	provisional := PersonnelRecord{
		RecordID:  "invite_abc",
		Email:     "dana@x.com",
		Status:    StatusActive,
		RoleID:    "role_producer",
		FirstName: "Dana",
		LastName:  "Reyes",
		Thumbnail: "https://cdn.example/dana.jpg",
		Type:      TypeFreelancer,
		CreatedAt: created,
		UpdatedAt: created,
	}
	seedRecord(t, store, provisional)

	principal := &Principal{ID: "u9", Email: "dana@x.com"}
	outcome, err := engine.Resolve(ctx, principal, matchingRecords(t, store, "dana@x.com"), true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !outcome.Migrated {
		t.Fatalf("expected migration outcome, got %+v", outcome)
	}

	records := matchingRecords(t, store, "dana@x.com")
	if len(records) != 1 {
		t.Fatalf("expected exactly one record after migration, got %d", len(records))
	}
	migrated := records[0]
	if migrated.RecordID != "u9" {
		t.Fatalf("expected record key u9, got %s", migrated.RecordID)
	}
	if migrated.Status != StatusActive || migrated.RoleID != "role_producer" {
		t.Fatalf("administrator-assigned fields lost in migration: %+v", migrated)
	}
	if migrated.FirstName != "Dana" || migrated.LastName != "Reyes" ||
		migrated.Thumbnail != provisional.Thumbnail || migrated.Type != TypeFreelancer {
		t.Fatalf("descriptive fields lost in migration: %+v", migrated)
	}
	if !migrated.CreatedAt.Equal(created) {
		t.Fatalf("createdAt changed in migration: %v", migrated.CreatedAt)
	}
	if migrated.UpdatedAt.Equal(created) {
		t.Fatalf("updatedAt should be rewritten by migration")
	}
}

func TestMigrationIsIdempotentOnDuplicateTrigger(t *testing.T) {
	store := docstore.NewMemory()
	engine := NewEngine(store, testPolicy, nil)
	ctx := context.Background()

	seedRecord(t, store, PersonnelRecord{
		RecordID:  "invite_abc",
		Email:     "dana@x.com",
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	})
	principal := &Principal{ID: "u9", Email: "dana@x.com"}

	// Stale snapshot of the records, as a duplicate trigger would carry.
	stale := matchingRecords(t, store, "dana@x.com")

	if _, err := engine.Resolve(ctx, principal, stale, true); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := engine.Resolve(ctx, principal, stale, true); err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	records := matchingRecords(t, store, "dana@x.com")
	if len(records) != 1 {
		t.Fatalf("expected exactly one record after duplicate migration, got %d", len(records))
	}
	if records[0].RecordID != "u9" {
		t.Fatalf("expected record at principal key, got %s", records[0].RecordID)
	}
	if _, err := store.GetDocument(ctx, PersonnelCollection, "invite_abc"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("provisional record resurrected: %v", err)
	}
}

func TestRestrictionWinsOverActiveRecord(t *testing.T) {
	store := docstore.NewMemory()
	purger := &recordingPurger{store: store}
	engine := NewEngine(store, testPolicy, purger)
	ctx := context.Background()

	seedRecord(t, store, PersonnelRecord{
		RecordID: "u5",
		Email:    "blocked@agency.example",
		Status:   StatusActive,
	})
	principal := &Principal{ID: "u5", Email: "Blocked@Agency.Example"}

	outcome, err := engine.Resolve(ctx, principal, matchingRecords(t, store, "blocked@agency.example"), true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !outcome.SignOut {
		t.Fatalf("expected forced sign-out, got %+v", outcome)
	}
	if outcome.Granted {
		t.Fatalf("restriction must win over an active record")
	}
	if outcome.State != StateRestricted {
		t.Fatalf("expected restricted state, got %s", outcome.State)
	}
	if purger.calls != 1 {
		t.Fatalf("expected one purge call, got %d", purger.calls)
	}
	if len(matchingRecords(t, store, "blocked@agency.example")) != 0 {
		t.Fatalf("expected restricted record purged")
	}
}

func TestAnonymousPrincipalIsRestricted(t *testing.T) {
	engine := NewEngine(docstore.NewMemory(), testPolicy, nil)

	outcome, err := engine.Resolve(context.Background(), &Principal{ID: "anon", Email: "ghost@x.com", Anonymous: true}, nil, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !outcome.SignOut || outcome.Granted {
		t.Fatalf("expected sign-out for anonymous principal, got %+v", outcome)
	}
}

func TestActiveRecordAtMatchingKeyIsGranted(t *testing.T) {
	store := docstore.NewMemory()
	engine := NewEngine(store, testPolicy, nil)

	seedRecord(t, store, PersonnelRecord{RecordID: "u7", Email: "lee@x.com", Status: StatusActive, RoleID: "role_editor"})

	outcome, err := engine.Resolve(context.Background(), &Principal{ID: "u7", Email: "lee@x.com"},
		matchingRecords(t, store, "lee@x.com"), true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !outcome.Granted {
		t.Fatalf("expected access granted, got %+v", outcome)
	}
	if outcome.State != StateGranted {
		t.Fatalf("expected granted state, got %s", outcome.State)
	}
}

func TestSuspendedRecordWithholdsAccessWithStatus(t *testing.T) {
	store := docstore.NewMemory()
	engine := NewEngine(store, testPolicy, nil)

	seedRecord(t, store, PersonnelRecord{RecordID: "u8", Email: "sam@x.com", Status: StatusSuspended})

	outcome, err := engine.Resolve(context.Background(), &Principal{ID: "u8", Email: "sam@x.com"},
		matchingRecords(t, store, "sam@x.com"), true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if outcome.Granted {
		t.Fatalf("expected access withheld for suspended record")
	}
	if outcome.Status != StatusSuspended {
		t.Fatalf("expected Suspended status surfaced, got %s", outcome.Status)
	}
}

func TestSingleRecordInvariantAfterCreateThenMigrate(t *testing.T) {
	store := docstore.NewMemory()
	engine := NewEngine(store, testPolicy, nil)
	ctx := context.Background()

	// Administrator pre-provisions, then the person authenticates; drive the
	// engine to quiescence: migration pass, then status pass.
	seedRecord(t, store, PersonnelRecord{RecordID: "invite_1", Email: "kim@x.com", Status: StatusActive})
	principal := &Principal{ID: "u10", Email: "kim@x.com"}

	for i := 0; i < 3; i++ {
		if _, err := engine.Resolve(ctx, principal, matchingRecords(t, store, "kim@x.com"), true); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}

	records := matchingRecords(t, store, "kim@x.com")
	if len(records) != 1 {
		t.Fatalf("expected exactly one record at quiescence, got %d", len(records))
	}
	if records[0].RecordID != "u10" || records[0].Status != StatusActive {
		t.Fatalf("unexpected record at quiescence: %+v", records[0])
	}
}

func TestMigrationFailureLeavesPriorStateIntact(t *testing.T) {
	store := docstore.NewMemory()
	engine := NewEngine(&failingBatchStore{Store: store}, testPolicy, nil)
	ctx := context.Background()

	seedRecord(t, store, PersonnelRecord{RecordID: "invite_1", Email: "kim@x.com", Status: StatusActive})

	_, err := engine.Resolve(ctx, &Principal{ID: "u10", Email: "kim@x.com"},
		matchingRecords(t, store, "kim@x.com"), true)
	if err == nil {
		t.Fatalf("expected migration failure")
	}

	records := matchingRecords(t, store, "kim@x.com")
	if len(records) != 1 || records[0].RecordID != "invite_1" {
		t.Fatalf("expected provisional record untouched after failed batch, got %+v", records)
	}
}

func TestOverlappingResolveIsSuppressed(t *testing.T) {
	store := docstore.NewMemory()
	engine := NewEngine(store, testPolicy, nil)

	var wg sync.WaitGroup
	suppressed := make(chan Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := engine.Resolve(context.Background(), &Principal{ID: "u1", Email: "new@x.com"}, nil, true)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			if outcome.Suppressed {
				suppressed <- outcome
			}
		}()
	}
	wg.Wait()
	close(suppressed)

	// However the goroutines interleave, duplicate triggers never double-write.
	records := matchingRecords(t, store, "new@x.com")
	if len(records) != 1 {
		t.Fatalf("expected exactly one record despite concurrent triggers, got %d", len(records))
	}
}

type recordingPurger struct {
	store docstore.Store
	calls int
}

func (p *recordingPurger) PurgeRestricted(ctx context.Context, email string) error {
	p.calls++
	docs, err := p.store.QueryCollection(ctx, PersonnelCollection,
		[]docstore.Filter{{Field: "email", Value: NormalizeEmail(email)}}, "")
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := p.store.DeleteDocument(ctx, PersonnelCollection, doc.ID); err != nil {
			return err
		}
	}
	return nil
}

type failingBatchStore struct {
	docstore.Store
}

func (s *failingBatchStore) RunBatch(ctx context.Context, ops []docstore.Op) error {
	return errors.New("batch write refused")
}
