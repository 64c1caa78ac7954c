// Package workflow holds the authorable permission graph: pipeline nodes
// tagged with phase/stage, their access-control lists and capability sets,
// and the directed transitions between them.
package workflow

import "encoding/json"

type ModuleType string

const (
	ModuleSalesPhase        ModuleType = "Sales Phase"
	ModuleProductionPhase   ModuleType = "Production Phase"
	ModuleReleasePhase      ModuleType = "Release Phase"
	ModuleSocialMedia       ModuleType = "Social Media"
	ModuleInfluencerLibrary ModuleType = "Influencer Library"
	ModuleProjectManagement ModuleType = "Project Management"
	ModuleFinance           ModuleType = "Finance"
	ModuleReports           ModuleType = "Reports"
	ModuleApprovals         ModuleType = "Approvals"
)

type Phase string

// Phases in lifecycle order; PhaseSales is the default for new nodes.
const (
	PhaseSales          Phase = "Sales"
	PhasePreProduction  Phase = "Pre-Production"
	PhaseProduction     Phase = "Production"
	PhasePostProduction Phase = "Post-Production"
	PhaseRelease        Phase = "Release"
	PhaseMarketing      Phase = "Marketing"
)

// Permissions is the capability set a node grants to its allowed roles.
type Permissions struct {
	View      bool `json:"view"`
	Edit      bool `json:"edit"`
	Approve   bool `json:"approve"`
	Delete    bool `json:"delete"`
	MoveStage bool `json:"moveStage"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID                     string      `json:"id"`
	ModuleType             ModuleType  `json:"moduleType"`
	Label                  string      `json:"label"`
	Phase                  Phase       `json:"phase"`
	Stage                  string      `json:"stage"`
	AllowedRoles           []string    `json:"allowedRoles"`
	Permissions            Permissions `json:"permissions"`
	AutoTransition         bool        `json:"autoTransition"`
	RequiredApprovalRoleID string      `json:"requiredApprovalRoleId,omitempty"`
	Position               Position    `json:"position"`
}

// Edge is a directed allowed transition between two nodes' stages.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is the persisted singleton document.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

func (g Graph) Data(updatedAt string) map[string]any {
	nodes := make([]any, 0, len(g.Nodes))
	for _, node := range g.Nodes {
		nodes = append(nodes, toAny(node))
	}
	edges := make([]any, 0, len(g.Edges))
	for _, edge := range g.Edges {
		edges = append(edges, toAny(edge))
	}
	return map[string]any{
		"nodes":     nodes,
		"edges":     edges,
		"updatedAt": updatedAt,
	}
}

func GraphFromData(data map[string]any) (Graph, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Graph{}, err
	}
	var doc struct {
		Nodes []Node `json:"nodes"`
		Edges []Edge `json:"edges"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Graph{}, err
	}
	return Graph{Nodes: doc.Nodes, Edges: doc.Edges}, nil
}

func toAny(value any) any {
	payload, err := json.Marshal(value)
	if err != nil {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return map[string]any{}
	}
	return decoded
}
