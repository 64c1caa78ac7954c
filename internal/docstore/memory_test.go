package docstore

import (
	"context"
	"errors"
	"testing"
)

func TestSetDocumentMergePreservesExistingFields(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	err := store.SetDocument(ctx, "personnel", "p1", map[string]any{
		"email":  "a@x.com",
		"status": "active",
		"roleId": "role_editor",
	}, false)
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := store.SetDocument(ctx, "personnel", "p1", map[string]any{"status": "suspended"}, true); err != nil {
		t.Fatalf("merge set: %v", err)
	}

	doc, err := store.GetDocument(ctx, "personnel", "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Data["status"] != "suspended" {
		t.Fatalf("expected merged status suspended, got %v", doc.Data["status"])
	}
	if doc.Data["roleId"] != "role_editor" {
		t.Fatalf("expected roleId preserved, got %v", doc.Data["roleId"])
	}
}

func TestSetDocumentWithoutMergeReplaces(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.SetDocument(ctx, "personnel", "p1", map[string]any{"email": "a@x.com", "roleId": "r1"}, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetDocument(ctx, "personnel", "p1", map[string]any{"email": "a@x.com"}, false); err != nil {
		t.Fatalf("replace: %v", err)
	}

	doc, err := store.GetDocument(ctx, "personnel", "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := doc.Data["roleId"]; ok {
		t.Fatalf("expected roleId dropped on replace, got %v", doc.Data["roleId"])
	}
}

func TestUpdateDocumentRequiresExistence(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	err := store.UpdateDocument(ctx, "personnel", "missing", map[string]any{"status": "active"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryCollectionFilters(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	seed := []struct {
		id    string
		email string
	}{
		{"p1", "a@x.com"},
		{"p2", "b@x.com"},
		{"p3", "a@x.com"},
	}
	for _, s := range seed {
		if err := store.SetDocument(ctx, "personnel", s.id, map[string]any{"email": s.email}, false); err != nil {
			t.Fatalf("seed %s: %v", s.id, err)
		}
	}

	docs, err := store.QueryCollection(ctx, "personnel", []Filter{{Field: "email", Value: "a@x.com"}}, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(docs))
	}
}

func TestRunBatchIsAllOrNothing(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.SetDocument(ctx, "personnel", "old", map[string]any{"email": "a@x.com"}, false); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Second op fails validation, so the first must not apply either.
	err := store.RunBatch(ctx, []Op{
		{Kind: OpSet, Collection: "personnel", ID: "new", Data: map[string]any{"email": "a@x.com"}, Merge: true},
		{Kind: OpUpdate, Collection: "personnel", ID: "missing", Data: map[string]any{"status": "active"}},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from batch, got %v", err)
	}
	if _, err := store.GetDocument(ctx, "personnel", "new"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected batch rollback to leave new absent, got %v", err)
	}

	err = store.RunBatch(ctx, []Op{
		{Kind: OpSet, Collection: "personnel", ID: "new", Data: map[string]any{"email": "a@x.com"}, Merge: true},
		{Kind: OpDelete, Collection: "personnel", ID: "old"},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if _, err := store.GetDocument(ctx, "personnel", "new"); err != nil {
		t.Fatalf("expected new document after batch: %v", err)
	}
	if _, err := store.GetDocument(ctx, "personnel", "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old document deleted, got %v", err)
	}
}

func TestDeleteDocumentIsIdempotent(t *testing.T) {
	store := NewMemory()
	if err := store.DeleteDocument(context.Background(), "personnel", "missing"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}
