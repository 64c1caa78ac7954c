package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func jsonBody(body string) *bytes.Buffer {
	return bytes.NewBufferString(body)
}

func signUpOperator(t *testing.T, server *HTTPServer) string {
	t.Helper()
	rr := postJSON(t, server, "/api/auth/signup",
		`{"email":"ops@studio.example","password":"operator-pass","displayName":"Ops"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("operator signup: %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := parseBody(t, rr)["token"].(string)
	if token == "" {
		t.Fatal("expected operator token")
	}
	return token
}

func getJSON(t *testing.T, server *HTTPServer, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestWorkflowEditorRouteLifecycle(t *testing.T) {
	server := NewHTTPServer(newTestService(), "*")
	token := signUpOperator(t, server)

	rr := postJSON(t, server, "/api/workflow/editor", `{}`, token)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create editor: %d body=%s", rr.Code, rr.Body.String())
	}
	editorID, _ := parseBody(t, rr)["editorId"].(string)
	if editorID == "" {
		t.Fatal("expected editor id")
	}
	base := "/api/workflow/editor/" + editorID

	rr = postJSON(t, server, base+"/nodes", `{"moduleType":"Sales Phase"}`, token)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add node: %d body=%s", rr.Code, rr.Body.String())
	}
	nodeA := parseBody(t, rr)
	idA, _ := nodeA["id"].(string)
	if nodeA["phase"] != "Sales" || nodeA["stage"] != "Initial" {
		t.Fatalf("unexpected node defaults: %v", nodeA)
	}
	permissions, _ := nodeA["permissions"].(map[string]any)
	if permissions["view"] != true || permissions["moveStage"] != true || permissions["edit"] == true {
		t.Fatalf("unexpected default permissions: %v", permissions)
	}

	rr = postJSON(t, server, base+"/nodes", `{"moduleType":"Finance"}`, token)
	idB, _ := parseBody(t, rr)["id"].(string)

	rr = postJSON(t, server, base+"/edges", `{"source":"`+idA+`","target":"`+idB+`"}`, token)
	if rr.Code != http.StatusCreated {
		t.Fatalf("connect: %d body=%s", rr.Code, rr.Body.String())
	}

	// Deleting A cascades its edge away.
	req := httptest.NewRequest(http.MethodDelete, base+"/nodes/"+idA, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	del := httptest.NewRecorder()
	server.Handler().ServeHTTP(del, req)
	if del.Code != http.StatusOK {
		t.Fatalf("delete node: %d body=%s", del.Code, del.Body.String())
	}
	graph, _ := parseBody(t, del)["graph"].(map[string]any)
	edges, _ := graph["edges"].([]any)
	if len(edges) != 0 {
		t.Fatalf("expected edges removed with node, got %v", edges)
	}

	// Nothing persisted yet.
	rr = getJSON(t, server, "/api/workflow/graph", token)
	var persisted struct {
		Nodes []map[string]any `json:"nodes"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &persisted); err != nil {
		t.Fatalf("parse graph: %v", err)
	}
	if len(persisted.Nodes) != 0 {
		t.Fatalf("expected unsaved edits to stay session-local, got %v", persisted.Nodes)
	}

	rr = postJSON(t, server, base+"/save", `{}`, token)
	if rr.Code != http.StatusOK {
		t.Fatalf("save: %d body=%s", rr.Code, rr.Body.String())
	}

	rr = getJSON(t, server, "/api/workflow/graph", token)
	if err := json.Unmarshal(rr.Body.Bytes(), &persisted); err != nil {
		t.Fatalf("parse graph: %v", err)
	}
	if len(persisted.Nodes) != 1 {
		t.Fatalf("expected one persisted node after save, got %d", len(persisted.Nodes))
	}
}

func TestEditorNodeUpdateAndToggles(t *testing.T) {
	server := NewHTTPServer(newTestService(), "*")
	token := signUpOperator(t, server)

	rr := postJSON(t, server, "/api/workflow/editor", `{}`, token)
	editorID, _ := parseBody(t, rr)["editorId"].(string)
	base := "/api/workflow/editor/" + editorID

	rr = postJSON(t, server, base+"/nodes", `{"moduleType":"Approvals"}`, token)
	nodeID, _ := parseBody(t, rr)["id"].(string)

	req := httptest.NewRequest(http.MethodPut, base+"/nodes/"+nodeID,
		jsonBody(`{"label":"Final Approvals","phase":"Release"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	update := httptest.NewRecorder()
	server.Handler().ServeHTTP(update, req)
	if update.Code != http.StatusOK {
		t.Fatalf("update node: %d body=%s", update.Code, update.Body.String())
	}
	node := parseBody(t, update)
	if node["label"] != "Final Approvals" || node["phase"] != "Release" || node["stage"] != "Initial" {
		t.Fatalf("expected shallow merge, got %v", node)
	}

	rr = postJSON(t, server, base+"/nodes/"+nodeID+"/permissions", `{"key":"edit"}`, token)
	node = parseBody(t, rr)
	permissions, _ := node["permissions"].(map[string]any)
	if permissions["edit"] != true {
		t.Fatalf("expected edit toggled on, got %v", permissions)
	}

	rr = postJSON(t, server, base+"/nodes/"+nodeID+"/permissions", `{"key":"launch"}`, token)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown permission, got %d", rr.Code)
	}

	rr = postJSON(t, server, base+"/nodes/"+nodeID+"/roles", `{"role":"Producer"}`, token)
	node = parseBody(t, rr)
	roles, _ := node["allowedRoles"].([]any)
	if len(roles) != 2 {
		t.Fatalf("expected role added, got %v", roles)
	}

	rr = postJSON(t, server, base+"/nodes/missing/select", `{}`, token)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 selecting missing node, got %d", rr.Code)
	}
}

func TestEditorSessionUnknownID(t *testing.T) {
	server := NewHTTPServer(newTestService(), "*")
	token := signUpOperator(t, server)

	rr := getJSON(t, server, "/api/workflow/editor/wed_missing", token)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown editor session, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseBody(t, rr); payload["code"] != "EDITOR_SESSION_NOT_FOUND" {
		t.Fatalf("expected EDITOR_SESSION_NOT_FOUND, got %v", payload["code"])
	}
}
