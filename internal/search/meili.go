package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxPersonnel = "studioops_personnel"
	idxLeads     = "studioops_leads"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The client is
// returned even when the initial connection fails; the health loop picks the
// instance up once it comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxPersonnel,
			primaryKey: "id",
			filterable: []string{"status", "type"},
			searchable: []string{"firstName", "lastName", "email"},
		},
		{
			uid:        idxLeads,
			primaryKey: "id",
			filterable: []string{"stage"},
			searchable: []string{"name", "company", "email"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxPersonnel, ResultPersonnel},
		{idxLeads, ResultLead},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			Query:                 q.Text,
		})
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxPersonnel:
		return ResultPersonnel
	case idxLeads:
		return ResultLead
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.Email = decodeString(hit, "email")

	switch rtyp {
	case ResultPersonnel:
		first := firstNonBlank(decodeFormattedString(hit, "firstName"), decodeString(hit, "firstName"))
		last := firstNonBlank(decodeFormattedString(hit, "lastName"), decodeString(hit, "lastName"))
		r.Name = strings.TrimSpace(first + " " + last)
		r.Detail = decodeString(hit, "status")
	case ResultLead:
		r.Name = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
		r.Detail = firstNonBlank(decodeString(hit, "company"), decodeString(hit, "stage"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexPersonnel adds or updates a personnel entry in the search index.
func (m *Meili) IndexPersonnel(record PersonnelRecord) error {
	_, err := m.client.Index(idxPersonnel).AddDocuments([]PersonnelRecord{record}, nil)
	return err
}

// IndexLead adds or updates a lead in the search index.
func (m *Meili) IndexLead(record LeadRecord) error {
	_, err := m.client.Index(idxLeads).AddDocuments([]LeadRecord{record}, nil)
	return err
}

// DeletePersonnel removes a personnel entry from the search index.
func (m *Meili) DeletePersonnel(id string) error {
	_, err := m.client.Index(idxPersonnel).DeleteDocument(id, nil)
	return err
}

// DeleteLead removes a lead from the search index.
func (m *Meili) DeleteLead(id string) error {
	_, err := m.client.Index(idxLeads).DeleteDocument(id, nil)
	return err
}

// IndexAllPersonnel bulk-indexes personnel entries.
func (m *Meili) IndexAllPersonnel(records []PersonnelRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxPersonnel).AddDocuments(records, nil)
	return err
}

// IndexAllLeads bulk-indexes leads.
func (m *Meili) IndexAllLeads(records []LeadRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxLeads).AddDocuments(records, nil)
	return err
}
