package search

import (
	"context"
	"fmt"
	"strings"

	"studioops/api/internal/docstore"
	"studioops/api/internal/identity"
)

// DocScan is the degraded-mode searcher used when Meilisearch is down or not
// configured. It walks the personnel and leads collections and does
// case-insensitive substring matching. Fine for an ops console, not for scale.
type DocScan struct {
	store docstore.Store
}

func NewDocScan(store docstore.Store) *DocScan {
	return &DocScan{store: store}
}

// Healthy always reports true; the scan only needs the document store.
func (d *DocScan) Healthy() bool { return true }

func (d *DocScan) Search(q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}

	var results []Result
	ctx := context.Background()

	if q.FilterType == "" || q.FilterType == ResultPersonnel {
		docs, err := d.store.QueryCollection(ctx, identity.PersonnelCollection, nil, "createdAt")
		if err != nil {
			return nil, 0, fmt.Errorf("scan personnel: %w", err)
		}
		for _, doc := range docs {
			record := identity.RecordFromDocument(doc)
			name := strings.TrimSpace(record.FirstName + " " + record.LastName)
			if needle != "" && !containsFold(needle, name, record.Email) {
				continue
			}
			results = append(results, Result{
				Type:   ResultPersonnel,
				ID:     record.RecordID,
				Name:   name,
				Email:  record.Email,
				Detail: string(record.Status),
			})
		}
	}

	if q.FilterType == "" || q.FilterType == ResultLead {
		docs, err := d.store.QueryCollection(ctx, identity.LeadsCollection, nil, "createdAt")
		if err != nil {
			return nil, 0, fmt.Errorf("scan leads: %w", err)
		}
		for _, doc := range docs {
			name, _ := doc.Data["name"].(string)
			email, _ := doc.Data["email"].(string)
			company, _ := doc.Data["company"].(string)
			stage, _ := doc.Data["stage"].(string)
			if needle != "" && !containsFold(needle, name, email, company) {
				continue
			}
			results = append(results, Result{
				Type:   ResultLead,
				ID:     doc.ID,
				Name:   name,
				Email:  email,
				Detail: firstNonBlank(company, stage),
			})
		}
	}

	total := len(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total, nil
}

func containsFold(needle string, haystacks ...string) bool {
	for _, haystack := range haystacks {
		if strings.Contains(strings.ToLower(haystack), needle) {
			return true
		}
	}
	return false
}
