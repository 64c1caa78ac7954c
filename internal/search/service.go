package search

import (
	"log"

	"studioops/api/internal/directory"
	"studioops/api/internal/identity"
)

// Service is the facade that tries Meilisearch first and falls back to a
// document store scan. It also implements directory.Indexer so directory
// writes keep the index current.
type Service struct {
	meili   *Meili
	docscan *DocScan
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, docscan *DocScan) *Service {
	return &Service{meili: meili, docscan: docscan}
}

// Search tries Meilisearch if healthy, otherwise falls back to scanning the
// document store.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to scan: %v", err)
	}

	results, total, err := s.docscan.Search(q)
	if err != nil {
		log.Printf("search: scan error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPersonnel pushes a personnel record into the search index
// (fire-and-forget to Meilisearch).
func (s *Service) IndexPersonnel(record identity.PersonnelRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	entry := personnelEntry(record)
	go func() {
		if err := s.meili.IndexPersonnel(entry); err != nil {
			log.Printf("search: index personnel %s: %v", entry.ID, err)
		}
	}()
}

// RemovePersonnel removes a personnel record from the search index
// (fire-and-forget).
func (s *Service) RemovePersonnel(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeletePersonnel(id); err != nil {
			log.Printf("search: delete personnel %s: %v", id, err)
		}
	}()
}

// IndexLead pushes a lead into the search index (fire-and-forget).
func (s *Service) IndexLead(lead directory.Lead) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	entry := leadEntry(lead)
	go func() {
		if err := s.meili.IndexLead(entry); err != nil {
			log.Printf("search: index lead %s: %v", entry.ID, err)
		}
	}()
}

// RemoveLead removes a lead from the search index (fire-and-forget).
func (s *Service) RemoveLead(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteLead(id); err != nil {
			log.Printf("search: delete lead %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes current directory contents to Meilisearch. Called at
// startup when Meilisearch is healthy.
func (s *Service) ReindexAll(personnel []identity.PersonnelRecord, leads []directory.Lead) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(personnel) > 0 {
		entries := make([]PersonnelRecord, 0, len(personnel))
		for _, record := range personnel {
			entries = append(entries, personnelEntry(record))
		}
		if err := s.meili.IndexAllPersonnel(entries); err != nil {
			log.Printf("search: reindex personnel: %v", err)
		}
	}
	if len(leads) > 0 {
		entries := make([]LeadRecord, 0, len(leads))
		for _, lead := range leads {
			entries = append(entries, leadEntry(lead))
		}
		if err := s.meili.IndexAllLeads(entries); err != nil {
			log.Printf("search: reindex leads: %v", err)
		}
	}
}

// Healthy reports whether the preferred backend is up.
func (s *Service) Healthy() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Close stops the Meilisearch health monitor, if any.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func personnelEntry(record identity.PersonnelRecord) PersonnelRecord {
	return PersonnelRecord{
		ID:        record.RecordID,
		FirstName: record.FirstName,
		LastName:  record.LastName,
		Email:     record.Email,
		Status:    string(record.Status),
		Type:      string(record.Type),
	}
}

func leadEntry(lead directory.Lead) LeadRecord {
	return LeadRecord{
		ID:      lead.ID,
		Name:    lead.Name,
		Email:   lead.Email,
		Company: lead.Company,
		Stage:   lead.Stage,
	}
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
