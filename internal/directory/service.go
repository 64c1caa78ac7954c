// Package directory is the administrator surface over personnel and lead
// records: status/role changes, purges, and the lead pipeline collection.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"studioops/api/internal/docstore"
	"studioops/api/internal/identity"
	"studioops/api/internal/util"
)

var (
	ErrNotFound      = errors.New("personnel record not found")
	ErrInvalidStatus = errors.New("invalid personnel status")
)

// Indexer receives directory changes for search. Implementations are
// fire-and-forget; indexing failures never fail the originating write.
type Indexer interface {
	IndexPersonnel(record identity.PersonnelRecord)
	RemovePersonnel(id string)
	IndexLead(lead Lead)
	RemoveLead(id string)
}

type Lead struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Company   string    `json:"company"`
	Stage     string    `json:"stage"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	store   docstore.Store
	indexer Indexer
	now     func() time.Time
}

// New creates a directory service. indexer may be nil if search is not
// configured.
func New(store docstore.Store, indexer Indexer) *Service {
	return &Service{store: store, indexer: indexer, now: time.Now}
}

func (s *Service) List(ctx context.Context) ([]identity.PersonnelRecord, error) {
	docs, err := s.store.QueryCollection(ctx, identity.PersonnelCollection, nil, "createdAt")
	if err != nil {
		return nil, fmt.Errorf("list personnel: %w", err)
	}
	records := make([]identity.PersonnelRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, identity.RecordFromDocument(doc))
	}
	return records, nil
}

func (s *Service) Get(ctx context.Context, id string) (identity.PersonnelRecord, error) {
	doc, err := s.store.GetDocument(ctx, identity.PersonnelCollection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return identity.PersonnelRecord{}, ErrNotFound
	}
	if err != nil {
		return identity.PersonnelRecord{}, fmt.Errorf("get personnel %s: %w", id, err)
	}
	return identity.RecordFromDocument(doc), nil
}

// ByEmail returns every personnel record whose email matches, the lookup the
// identity engine resolves against.
func (s *Service) ByEmail(ctx context.Context, email string) ([]identity.PersonnelRecord, error) {
	docs, err := s.store.QueryCollection(ctx, identity.PersonnelCollection,
		[]docstore.Filter{{Field: "email", Value: identity.NormalizeEmail(email)}}, "createdAt")
	if err != nil {
		return nil, fmt.Errorf("query personnel by email: %w", err)
	}
	records := make([]identity.PersonnelRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, identity.RecordFromDocument(doc))
	}
	return records, nil
}

func (s *Service) SetStatus(ctx context.Context, id string, status identity.Status) (identity.PersonnelRecord, error) {
	switch status {
	case identity.StatusPending, identity.StatusActive, identity.StatusSuspended:
	default:
		return identity.PersonnelRecord{}, ErrInvalidStatus
	}
	return s.update(ctx, id, map[string]any{"status": string(status)})
}

func (s *Service) SetRole(ctx context.Context, id, roleID string) (identity.PersonnelRecord, error) {
	return s.update(ctx, id, map[string]any{"roleId": roleID})
}

func (s *Service) SetThumbnail(ctx context.Context, id, url string) (identity.PersonnelRecord, error) {
	return s.update(ctx, id, map[string]any{"thumbnail": url})
}

// Purge is the explicit administrative hard-delete of one record.
func (s *Service) Purge(ctx context.Context, id string) error {
	if err := s.store.DeleteDocument(ctx, identity.PersonnelCollection, id); err != nil {
		return fmt.Errorf("purge personnel %s: %w", id, err)
	}
	if s.indexer != nil {
		s.indexer.RemovePersonnel(id)
	}
	return nil
}

// PurgeRestricted deletes every personnel record and every lead record for a
// denylisted email in one batch. The identity engine calls this whenever its
// restriction gate fires.
func (s *Service) PurgeRestricted(ctx context.Context, email string) error {
	normalized := identity.NormalizeEmail(email)
	filters := []docstore.Filter{{Field: "email", Value: normalized}}

	personnel, err := s.store.QueryCollection(ctx, identity.PersonnelCollection, filters, "")
	if err != nil {
		return fmt.Errorf("query restricted personnel: %w", err)
	}
	leads, err := s.store.QueryCollection(ctx, identity.LeadsCollection, filters, "")
	if err != nil {
		return fmt.Errorf("query restricted leads: %w", err)
	}
	if len(personnel) == 0 && len(leads) == 0 {
		return nil
	}

	ops := make([]docstore.Op, 0, len(personnel)+len(leads))
	for _, doc := range personnel {
		ops = append(ops, docstore.Op{Kind: docstore.OpDelete, Collection: identity.PersonnelCollection, ID: doc.ID})
	}
	for _, doc := range leads {
		ops = append(ops, docstore.Op{Kind: docstore.OpDelete, Collection: identity.LeadsCollection, ID: doc.ID})
	}
	if err := s.store.RunBatch(ctx, ops); err != nil {
		return fmt.Errorf("purge restricted %s: %w", normalized, err)
	}

	if s.indexer != nil {
		for _, doc := range personnel {
			s.indexer.RemovePersonnel(doc.ID)
		}
		for _, doc := range leads {
			s.indexer.RemoveLead(doc.ID)
		}
	}
	return nil
}

func (s *Service) CreateLead(ctx context.Context, lead Lead) (Lead, error) {
	if lead.ID == "" {
		lead.ID = util.NewID("lead")
	}
	lead.Email = identity.NormalizeEmail(lead.Email)
	lead.CreatedAt = s.now()

	data := map[string]any{
		"name":      lead.Name,
		"email":     lead.Email,
		"company":   lead.Company,
		"stage":     lead.Stage,
		"createdAt": lead.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := s.store.SetDocument(ctx, identity.LeadsCollection, lead.ID, data, false); err != nil {
		return Lead{}, fmt.Errorf("create lead: %w", err)
	}
	if s.indexer != nil {
		s.indexer.IndexLead(lead)
	}
	return lead, nil
}

func (s *Service) ListLeads(ctx context.Context) ([]Lead, error) {
	docs, err := s.store.QueryCollection(ctx, identity.LeadsCollection, nil, "createdAt")
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	leads := make([]Lead, 0, len(docs))
	for _, doc := range docs {
		leads = append(leads, leadFromDocument(doc))
	}
	return leads, nil
}

func (s *Service) update(ctx context.Context, id string, fields map[string]any) (identity.PersonnelRecord, error) {
	fields["updatedAt"] = s.now().UTC().Format(time.RFC3339Nano)
	err := s.store.UpdateDocument(ctx, identity.PersonnelCollection, id, fields)
	if errors.Is(err, docstore.ErrNotFound) {
		return identity.PersonnelRecord{}, ErrNotFound
	}
	if err != nil {
		return identity.PersonnelRecord{}, fmt.Errorf("update personnel %s: %w", id, err)
	}

	record, err := s.Get(ctx, id)
	if err != nil {
		return identity.PersonnelRecord{}, err
	}
	if s.indexer != nil {
		s.indexer.IndexPersonnel(record)
	}
	return record, nil
}

func leadFromDocument(doc docstore.Document) Lead {
	lead := Lead{ID: doc.ID}
	if name, ok := doc.Data["name"].(string); ok {
		lead.Name = name
	}
	if email, ok := doc.Data["email"].(string); ok {
		lead.Email = email
	}
	if company, ok := doc.Data["company"].(string); ok {
		lead.Company = company
	}
	if stage, ok := doc.Data["stage"].(string); ok {
		lead.Stage = stage
	}
	if raw, ok := doc.Data["createdAt"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			lead.CreatedAt = parsed
		}
	}
	return lead
}
