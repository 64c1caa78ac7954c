// Package docstore is the document-store boundary: collections of JSON
// documents with single-document reads/writes and all-or-nothing batches.
package docstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("document not found")

// Document is one stored document. Data is the decoded JSON object.
type Document struct {
	Collection string
	ID         string
	Data       map[string]any
}

// Filter is an equality constraint on a top-level field.
type Filter struct {
	Field string
	Value any
}

type OpKind string

const (
	OpSet    OpKind = "set"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is a single operation inside a batch.
type Op struct {
	Kind       OpKind
	Collection string
	ID         string
	Data       map[string]any
	Merge      bool
}

// Store is the generic document-store client.
type Store interface {
	GetDocument(ctx context.Context, collection, id string) (Document, error)
	// QueryCollection returns documents matching every filter. orderBy is a
	// top-level field name, "-" prefix for descending, empty for unordered.
	QueryCollection(ctx context.Context, collection string, filters []Filter, orderBy string) ([]Document, error)
	// SetDocument writes a document. With merge, existing fields not present
	// in data are preserved; without, the document is replaced wholesale.
	SetDocument(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	// UpdateDocument merges data into an existing document and fails with
	// ErrNotFound if it does not exist.
	UpdateDocument(ctx context.Context, collection, id string, data map[string]any) error
	// DeleteDocument removes a document. Deleting an absent document is not
	// an error.
	DeleteDocument(ctx context.Context, collection, id string) error
	// RunBatch applies every operation or none of them.
	RunBatch(ctx context.Context, ops []Op) error
	Ping(ctx context.Context) error
}

func mergeData(existing, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(incoming))
	for key, value := range existing {
		merged[key] = value
	}
	for key, value := range incoming {
		merged[key] = value
	}
	return merged
}

func matches(data map[string]any, filters []Filter) bool {
	for _, filter := range filters {
		if data[filter.Field] != filter.Value {
			return false
		}
	}
	return true
}
