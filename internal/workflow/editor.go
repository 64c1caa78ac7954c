package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"studioops/api/internal/docstore"
	"studioops/api/internal/role"
	"studioops/api/internal/util"
)

const (
	GraphCollection = "workflow"
	GraphDocumentID = "pipeline"
)

var (
	ErrNodeNotFound = errors.New("workflow node not found")
	ErrSaveInFlight = errors.New("graph save already in flight")
)

// NodeChange is a shallow partial update; nil fields are left untouched.
// RequiredApprovalRoleID pointing at "" clears the approval gate.
type NodeChange struct {
	Label                  *string
	Phase                  *Phase
	Stage                  *string
	AllowedRoles           []string
	Permissions            *Permissions
	AutoTransition         *bool
	RequiredApprovalRoleID *string
	Position               *Position
}

// Editor is a session-local working copy of the permission graph. Edits stay
// in memory until Save; a concurrent editor saving later silently wins.
type Editor struct {
	store docstore.Store

	mu       sync.Mutex
	nodes    []Node
	edges    []Edge
	selected string
	seeded   bool
	saving   bool
	now      func() time.Time
}

func NewEditor(store docstore.Store) *Editor {
	return &Editor{store: store, now: time.Now}
}

// Load fetches the singleton graph document and seeds the working copy from
// it, once: a working copy that already holds edits (or was already seeded)
// is never overwritten until the author explicitly reloads via a new editor.
func (e *Editor) Load(ctx context.Context) (Graph, error) {
	doc, err := e.store.GetDocument(ctx, GraphCollection, GraphDocumentID)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return Graph{}, fmt.Errorf("load workflow graph: %w", err)
	}

	loaded := Graph{}
	if err == nil {
		loaded, err = GraphFromData(doc.Data)
		if err != nil {
			return Graph{}, fmt.Errorf("decode workflow graph: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seeded && len(e.nodes) == 0 {
		e.nodes = loaded.Nodes
		e.edges = loaded.Edges
	}
	e.seeded = true
	return e.snapshot(), nil
}

// AddNode appends a node with the authoring defaults and selects it.
func (e *Editor) AddNode(moduleType ModuleType) Node {
	node := Node{
		ID:           util.NewID("node"),
		ModuleType:   moduleType,
		Label:        string(moduleType),
		Phase:        PhaseSales,
		Stage:        "Initial",
		AllowedRoles: []string{role.SuperRole},
		Permissions:  Permissions{View: true, MoveStage: true},
		Position:     Position{X: 120 + rand.Float64()*480, Y: 80 + rand.Float64()*320},
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes = append(e.nodes, node)
	e.selected = node.ID
	return node
}

func (e *Editor) SelectNode(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.indexOf(id); !ok {
		return ErrNodeNotFound
	}
	e.selected = id
	return nil
}

func (e *Editor) ClearSelection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selected = ""
}

func (e *Editor) Selected() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected, e.selected != ""
}

// UpdateNode shallow-merges the change into the node's data; identity and
// unset fields are preserved.
func (e *Editor) UpdateNode(id string, change NodeChange) (Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	index, ok := e.indexOf(id)
	if !ok {
		return Node{}, ErrNodeNotFound
	}

	node := e.nodes[index]
	if change.Label != nil {
		node.Label = *change.Label
	}
	if change.Phase != nil {
		node.Phase = *change.Phase
	}
	if change.Stage != nil {
		node.Stage = *change.Stage
	}
	if change.AllowedRoles != nil {
		node.AllowedRoles = change.AllowedRoles
	}
	if change.Permissions != nil {
		node.Permissions = *change.Permissions
	}
	if change.AutoTransition != nil {
		node.AutoTransition = *change.AutoTransition
	}
	if change.RequiredApprovalRoleID != nil {
		node.RequiredApprovalRoleID = *change.RequiredApprovalRoleID
	}
	if change.Position != nil {
		node.Position = *change.Position
	}
	e.nodes[index] = node
	return node, nil
}

// Connect appends a directed edge. Duplicate edges between the same ordered
// pair are permitted; this is an authoring tool, not a validator.
func (e *Editor) Connect(sourceID, targetID string) (Edge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.indexOf(sourceID); !ok {
		return Edge{}, ErrNodeNotFound
	}
	if _, ok := e.indexOf(targetID); !ok {
		return Edge{}, ErrNodeNotFound
	}
	edge := Edge{Source: sourceID, Target: targetID}
	e.edges = append(e.edges, edge)
	return edge, nil
}

// DeleteNode removes the node and every edge referencing it, and clears the
// selection if the deleted node held it.
func (e *Editor) DeleteNode(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	index, ok := e.indexOf(id)
	if !ok {
		return ErrNodeNotFound
	}
	e.nodes = append(e.nodes[:index], e.nodes[index+1:]...)

	kept := e.edges[:0]
	for _, edge := range e.edges {
		if edge.Source == id || edge.Target == id {
			continue
		}
		kept = append(kept, edge)
	}
	e.edges = kept

	if e.selected == id {
		e.selected = ""
	}
	return nil
}

func (e *Editor) TogglePermission(id, key string) (Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	index, ok := e.indexOf(id)
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	node := e.nodes[index]
	switch key {
	case "view":
		node.Permissions.View = !node.Permissions.View
	case "edit":
		node.Permissions.Edit = !node.Permissions.Edit
	case "approve":
		node.Permissions.Approve = !node.Permissions.Approve
	case "delete":
		node.Permissions.Delete = !node.Permissions.Delete
	case "moveStage":
		node.Permissions.MoveStage = !node.Permissions.MoveStage
	default:
		return Node{}, fmt.Errorf("unknown permission %q", key)
	}
	e.nodes[index] = node
	return node, nil
}

func (e *Editor) ToggleRole(id, roleName string) (Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	index, ok := e.indexOf(id)
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	node := e.nodes[index]
	roles := make([]string, 0, len(node.AllowedRoles)+1)
	removed := false
	for _, existing := range node.AllowedRoles {
		if existing == roleName {
			removed = true
			continue
		}
		roles = append(roles, existing)
	}
	if !removed {
		roles = append(roles, roleName)
	}
	node.AllowedRoles = roles
	e.nodes[index] = node
	return node, nil
}

func (e *Editor) SetAutoTransition(id string, auto bool) (Node, error) {
	return e.UpdateNode(id, NodeChange{AutoTransition: &auto})
}

// SetApprovalRole gates the node's transition behind the given role; an
// empty role id clears the gate.
func (e *Editor) SetApprovalRole(id, roleID string) (Node, error) {
	return e.UpdateNode(id, NodeChange{RequiredApprovalRoleID: &roleID})
}

func (e *Editor) Graph() Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

// Save persists the working copy as one merge-write to the singleton
// document. This is the only operation that reaches durable storage; on
// failure the working copy is untouched and the author may retry.
func (e *Editor) Save(ctx context.Context) (Graph, error) {
	e.mu.Lock()
	if e.saving {
		e.mu.Unlock()
		return Graph{}, ErrSaveInFlight
	}
	e.saving = true
	graph := e.snapshot()
	updatedAt := e.now().UTC().Format(time.RFC3339Nano)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.saving = false
		e.mu.Unlock()
	}()

	if err := e.store.SetDocument(ctx, GraphCollection, GraphDocumentID, graph.Data(updatedAt), true); err != nil {
		return Graph{}, fmt.Errorf("save workflow graph: %w", err)
	}
	return graph, nil
}

func (e *Editor) indexOf(id string) (int, bool) {
	for index, node := range e.nodes {
		if node.ID == id {
			return index, true
		}
	}
	return 0, false
}

func (e *Editor) snapshot() Graph {
	nodes := make([]Node, len(e.nodes))
	copy(nodes, e.nodes)
	edges := make([]Edge, len(e.edges))
	copy(edges, e.edges)
	return Graph{Nodes: nodes, Edges: edges}
}
