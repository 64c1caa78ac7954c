// Package role reads the authored organizational roles used to populate
// access-control choices.
package role

import (
	"context"
	"errors"
	"fmt"

	"studioops/api/internal/docstore"
)

const Collection = "roles"

// SuperRole is the built-in role every new workflow node allows by default.
const SuperRole = "Super Admin"

type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

func List(ctx context.Context, store docstore.Store) ([]Role, error) {
	docs, err := store.QueryCollection(ctx, Collection, nil, "name")
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	roles := make([]Role, 0, len(docs))
	for _, doc := range docs {
		roles = append(roles, fromDocument(doc))
	}
	return roles, nil
}

func Get(ctx context.Context, store docstore.Store, id string) (Role, error) {
	doc, err := store.GetDocument(ctx, Collection, id)
	if err != nil {
		return Role{}, fmt.Errorf("get role %s: %w", id, err)
	}
	return fromDocument(doc), nil
}

// Ensure writes the reserved root-administrator role if it does not exist,
// so the master operator's role reference always resolves.
func Ensure(ctx context.Context, store docstore.Store, id, name string) error {
	if _, err := store.GetDocument(ctx, Collection, id); err == nil {
		return nil
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("check role %s: %w", id, err)
	}
	data := map[string]any{
		"name":        name,
		"permissions": []any{"*"},
	}
	if err := store.SetDocument(ctx, Collection, id, data, false); err != nil {
		return fmt.Errorf("ensure role %s: %w", id, err)
	}
	return nil
}

func fromDocument(doc docstore.Document) Role {
	r := Role{ID: doc.ID}
	if name, ok := doc.Data["name"].(string); ok {
		r.Name = name
	}
	if raw, ok := doc.Data["permissions"].([]any); ok {
		for _, item := range raw {
			if permission, ok := item.(string); ok {
				r.Permissions = append(r.Permissions, permission)
			}
		}
	}
	return r
}
