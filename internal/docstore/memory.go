package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is a mutex-guarded in-process Store used by tests and as the dev
// fallback when no database is configured.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]map[string]any)}
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.collections[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{Collection: collection, ID: id, Data: copyData(data)}, nil
}

func (m *Memory) QueryCollection(ctx context.Context, collection string, filters []Filter, orderBy string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	documents := make([]Document, 0)
	for id, data := range m.collections[collection] {
		if !matches(data, filters) {
			continue
		}
		documents = append(documents, Document{Collection: collection, ID: id, Data: copyData(data)})
	}

	field, descending, ok := sortField(orderBy)
	sort.Slice(documents, func(i, j int) bool {
		if !ok {
			return documents[i].ID < documents[j].ID
		}
		left := fmt.Sprint(documents[i].Data[field])
		right := fmt.Sprint(documents[j].Data[field])
		if descending {
			return left > right
		}
		return left < right
	})
	return documents, nil
}

func (m *Memory) SetDocument(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(collection, id, data, merge)
	return nil
}

func (m *Memory) UpdateDocument(ctx context.Context, collection, id string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.collections[collection][id]; !ok {
		return ErrNotFound
	}
	m.set(collection, id, data, true)
	return nil
}

func (m *Memory) DeleteDocument(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

// RunBatch validates every op against current state before applying any, so a
// failing op leaves the store untouched.
func (m *Memory) RunBatch(ctx context.Context, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range ops {
		switch op.Kind {
		case OpSet, OpDelete:
		case OpUpdate:
			if _, ok := m.collections[op.Collection][op.ID]; !ok {
				return fmt.Errorf("batch op update %s/%s: %w", op.Collection, op.ID, ErrNotFound)
			}
		default:
			return fmt.Errorf("unknown batch op %q", op.Kind)
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			m.set(op.Collection, op.ID, op.Data, op.Merge)
		case OpUpdate:
			m.set(op.Collection, op.ID, op.Data, true)
		case OpDelete:
			delete(m.collections[op.Collection], op.ID)
		}
	}
	return nil
}

func (m *Memory) set(collection, id string, data map[string]any, merge bool) {
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]map[string]any)
	}
	if existing, ok := m.collections[collection][id]; ok && merge {
		m.collections[collection][id] = mergeData(existing, copyData(data))
		return
	}
	m.collections[collection][id] = copyData(data)
}

func copyData(data map[string]any) map[string]any {
	copied := make(map[string]any, len(data))
	for key, value := range data {
		copied[key] = value
	}
	return copied
}

func sortField(orderBy string) (field string, descending bool, ok bool) {
	field = strings.TrimSpace(orderBy)
	if field == "" {
		return "", false, false
	}
	if strings.HasPrefix(field, "-") {
		descending = true
		field = field[1:]
	}
	return field, descending, true
}
