// Package identity reconciles authenticated principals with personnel
// records and decides whether the console becomes reachable at all.
package identity

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"studioops/api/internal/docstore"
)

// State is the engine's observable state after a resolution pass.
type State string

const (
	StateIdle       State = "idle"
	StateMigrating  State = "migrating"
	StateCreating   State = "creating"
	StateRestricted State = "restricted"
	StateGranted    State = "granted"
	StatePending    State = "pending"
)

// Purger removes all personnel and lead records for a restricted email.
type Purger interface {
	PurgeRestricted(ctx context.Context, email string) error
}

// Outcome is the terminal result of one resolution pass. Exactly one of the
// SignOut/Granted/Migrated/Created/Suppressed dispositions applies; Status
// carries the record status when access is withheld.
type Outcome struct {
	State      State
	Granted    bool
	SignOut    bool
	Migrated   bool
	Created    bool
	Suppressed bool
	Status     Status
	Record     *PersonnelRecord
}

// Engine evaluates the access branches in strict order: restriction gate,
// record-key migration, status check, first-sign-in creation. Each pass is
// terminal; a change it makes re-triggers resolution through the caller.
//
// The in-flight guard is per-engine and therefore per-session only. Two
// sessions authenticating the same email concurrently can still race the
// migration/creation branches; each individual migration batch stays atomic.
type Engine struct {
	store  docstore.Store
	policy AccessPolicy
	purger Purger

	mu       sync.Mutex
	inFlight bool
	state    State
	now      func() time.Time
}

func NewEngine(store docstore.Store, policy AccessPolicy, purger Purger) *Engine {
	return &Engine{
		store:  store,
		policy: policy,
		purger: purger,
		state:  StateIdle,
		now:    time.Now,
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Resolve runs one resolution pass. Callers invoke it whenever the principal
// or the set of personnel records matching the principal's email changes;
// recordsLoaded distinguishes "no records exist" from "lookup still loading".
// A pass that arrives while another is in flight is suppressed.
func (e *Engine) Resolve(ctx context.Context, principal *Principal, records []PersonnelRecord, recordsLoaded bool) (Outcome, error) {
	e.mu.Lock()
	if e.inFlight {
		state := e.state
		e.mu.Unlock()
		return Outcome{State: state, Suppressed: true}, nil
	}
	e.inFlight = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	if principal == nil {
		return e.finish(StateIdle, Outcome{}), nil
	}

	// The restriction gate runs first on every pass, including after a
	// migration, so a denylisted identity can never reach the record branches.
	if principal.Anonymous || e.policy.Restricted(principal.Email) {
		if e.purger != nil {
			if err := e.purger.PurgeRestricted(ctx, principal.Email); err != nil {
				log.Printf("identity: restricted purge for %s failed: %v", NormalizeEmail(principal.Email), err)
			}
		}
		return e.finish(StateRestricted, Outcome{SignOut: true}), nil
	}

	if matched, ok := recordByID(records, principal.ID); ok {
		if matched.Status == StatusActive {
			return e.finish(StateGranted, Outcome{Granted: true, Status: matched.Status, Record: &matched}), nil
		}
		return e.finish(StatePending, Outcome{Status: matched.Status, Record: &matched}), nil
	}

	if len(records) > 0 {
		e.setState(StateMigrating)
		migrated, err := e.migrate(ctx, principal, oldestRecord(records))
		if err != nil {
			return Outcome{State: StateMigrating}, err
		}
		return e.finish(StateMigrating, Outcome{Migrated: true, Status: migrated.Status, Record: &migrated}), nil
	}

	if !recordsLoaded {
		return Outcome{State: e.State()}, nil
	}

	e.setState(StateCreating)
	created, granted, err := e.create(ctx, principal)
	if err != nil {
		return Outcome{State: StateCreating}, err
	}
	state := StatePending
	if granted {
		state = StateGranted
	}
	return e.finish(state, Outcome{Created: true, Granted: granted, Status: created.Status, Record: &created}), nil
}

// migrate converges the record's key to the principal's id: a merge-write of
// an exact field copy at the new key plus a delete of the provisional key,
// committed as one batch. Administrator-assigned status and role survive.
func (e *Engine) migrate(ctx context.Context, principal *Principal, record PersonnelRecord) (PersonnelRecord, error) {
	migrated := record
	migrated.RecordID = principal.ID
	migrated.UpdatedAt = e.now()

	err := e.store.RunBatch(ctx, []docstore.Op{
		{
			Kind:       docstore.OpSet,
			Collection: PersonnelCollection,
			ID:         principal.ID,
			Data:       migrated.Data(),
			Merge:      true,
		},
		{
			Kind:       docstore.OpDelete,
			Collection: PersonnelCollection,
			ID:         record.RecordID,
		},
	})
	if err != nil {
		return PersonnelRecord{}, fmt.Errorf("migrate record %s -> %s: %w", record.RecordID, principal.ID, err)
	}
	log.Printf("identity: migrated record %s -> %s", record.RecordID, principal.ID)
	return migrated, nil
}

func (e *Engine) create(ctx context.Context, principal *Principal) (PersonnelRecord, bool, error) {
	now := e.now()
	record := PersonnelRecord{
		RecordID:  principal.ID,
		Email:     NormalizeEmail(principal.Email),
		Status:    StatusPending,
		FirstName: principal.DisplayName,
		CreatedAt: now,
		UpdatedAt: now,
	}

	granted := false
	if e.policy.MasterOperator(principal.Email) {
		record.Status = StatusActive
		record.RoleID = e.policy.RootAdminRoleID
		granted = true
	}

	if err := e.store.SetDocument(ctx, PersonnelCollection, record.RecordID, record.Data(), false); err != nil {
		return PersonnelRecord{}, false, fmt.Errorf("create record %s: %w", record.RecordID, err)
	}
	log.Printf("identity: created record %s status=%s", record.RecordID, record.Status)
	return record, granted, nil
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

func (e *Engine) finish(state State, outcome Outcome) Outcome {
	e.setState(state)
	outcome.State = state
	return outcome
}

func recordByID(records []PersonnelRecord, id string) (PersonnelRecord, bool) {
	for _, record := range records {
		if record.RecordID == id {
			return record, true
		}
	}
	return PersonnelRecord{}, false
}

// oldestRecord picks a stable migration source when more than one
// provisional record exists; later passes converge the remainder.
func oldestRecord(records []PersonnelRecord) PersonnelRecord {
	sorted := make([]PersonnelRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted[0]
}
