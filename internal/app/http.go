package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"studioops/api/internal/auth"
	"studioops/api/internal/directory"
	"studioops/api/internal/docstore"
	"studioops/api/internal/identity"
	"studioops/api/internal/search"
	"studioops/api/internal/workflow"
)

const maxThumbnailBytes = 5 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"docstore": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["docstore"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/anonymous" {
		result, err := s.service.SignInAnonymously(r.Context())
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		s.writeAuthResult(w, result)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		s.writeAuthResult(w, result)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"principalId":   sess.PrincipalID,
			"email":         sess.Email,
			"displayName":   sess.DisplayName,
			"roleId":        sess.RoleID,
		})
		return
	}

	// Everything below requires an access token and an Active record.
	sess, err := s.authedSession(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if _, err := s.service.requireActive(r.Context(), sess); err != nil {
		s.writeMappedError(w, err)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" {
		switch parts[1] {
		case "personnel":
			s.handlePersonnel(w, r, parts[2:])
			return
		case "directory":
			if r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "search" {
				s.handleDirectorySearch(w, r)
				return
			}
		case "leads":
			if len(parts) == 2 {
				s.handleLeads(w, r)
				return
			}
		case "roles":
			if r.Method == http.MethodGet && len(parts) == 2 {
				roles, err := s.service.ListRoles(r.Context())
				if err != nil {
					s.writeMappedError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
				return
			}
		case "workflow":
			s.handleWorkflow(w, r, sess, parts[2:])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeAuthResult(w, result)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeAuthResult(w, result)
}

// writeAuthResult maps a resolution outcome onto the wire: restricted
// identities get a hard 403, withheld access a 200 with the record status,
// granted access the token pair.
func (s *HTTPServer) writeAuthResult(w http.ResponseWriter, result AuthResult) {
	if result.Restricted {
		writeError(w, http.StatusForbidden, "SECURITY_RESTRICTION", "Access denied", nil)
		return
	}

	payload := map[string]any{
		"access": result.Access,
		"state":  string(result.State),
	}
	if result.Status != "" {
		payload["status"] = string(result.Status)
	}
	if result.Record != nil {
		payload["record"] = result.Record.Data()
	}
	if result.Session != nil {
		payload["token"] = result.Session.Token
		payload["refreshToken"] = result.Session.RefreshToken
		payload["principalId"] = result.Session.PrincipalID
		payload["displayName"] = result.Session.DisplayName
		payload["roleId"] = result.Session.RoleID
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handlePersonnel(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		records, err := s.service.ListPersonnel(r.Context())
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(records))
		for _, record := range records {
			items = append(items, record.Data())
		}
		writeJSON(w, http.StatusOK, map[string]any{"personnel": items})

	case r.Method == http.MethodPut && len(rest) == 2 && rest[1] == "status":
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		record, err := s.service.SetPersonnelStatus(r.Context(), rest[0], identity.Status(body.Status))
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record.Data())

	case r.Method == http.MethodPut && len(rest) == 2 && rest[1] == "role":
		var body struct {
			RoleID string `json:"roleId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		record, err := s.service.SetPersonnelRole(r.Context(), rest[0], body.RoleID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record.Data())

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "thumbnail":
		s.handleThumbnailUpload(w, r, rest[0])

	case r.Method == http.MethodDelete && len(rest) == 1:
		if err := s.service.PurgePersonnel(r.Context(), rest[0]); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleThumbnailUpload(w http.ResponseWriter, r *http.Request, id string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxThumbnailBytes)
	if err := r.ParseMultipartForm(maxThumbnailBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart form required", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field required", nil)
		return
	}
	defer file.Close()

	record, err := s.service.UploadThumbnail(r.Context(), id, header.Filename, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record.Data())
}

func (s *HTTPServer) handleDirectorySearch(w http.ResponseWriter, r *http.Request) {
	query := search.Query{
		Text:       strings.TrimSpace(r.URL.Query().Get("q")),
		FilterType: search.ResultType(r.URL.Query().Get("type")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			query.Limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.service.SearchDirectory(query))
}

func (s *HTTPServer) handleLeads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		leads, err := s.service.ListLeads(r.Context())
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"leads": leads})
	case http.MethodPost:
		var body directory.Lead
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		lead, err := s.service.CreateLead(r.Context(), body)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, lead)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleWorkflow(w http.ResponseWriter, r *http.Request, sess Session, rest []string) {
	if r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "graph" {
		graph, err := s.service.PersistedGraph(r.Context())
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, graph)
		return
	}

	if r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "deployments" {
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		deployments, err := s.service.Deployments(limit)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
		return
	}

	if r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "editor" {
		id, graph, err := s.service.CreateEditorSession(r.Context(), sess.DisplayName)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"editorId": id, "graph": graph})
		return
	}

	if len(rest) >= 2 && rest[0] == "editor" {
		s.handleEditor(w, r, sess, rest[1], rest[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleEditor(w http.ResponseWriter, r *http.Request, sess Session, editorID string, rest []string) {
	editor, err := s.service.Editor(editorID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		selected, _ := editor.Selected()
		writeJSON(w, http.StatusOK, map[string]any{"graph": editor.Graph(), "selected": selected})

	case r.Method == http.MethodDelete && len(rest) == 0:
		s.service.CloseEditorSession(editorID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "nodes":
		var body struct {
			ModuleType string `json:"moduleType"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.ModuleType) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "moduleType is required", nil)
			return
		}
		node := editor.AddNode(workflow.ModuleType(body.ModuleType))
		writeJSON(w, http.StatusCreated, node)

	case r.Method == http.MethodPut && len(rest) == 2 && rest[0] == "nodes":
		s.handleNodeUpdate(w, r, editor, rest[1])

	case r.Method == http.MethodDelete && len(rest) == 2 && rest[0] == "nodes":
		if err := editor.DeleteNode(rest[1]); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"graph": editor.Graph()})

	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "nodes" && rest[2] == "select":
		if err := editor.SelectNode(rest[1]); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"selected": rest[1]})

	case r.Method == http.MethodDelete && len(rest) == 1 && rest[0] == "selection":
		editor.ClearSelection()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "nodes" && rest[2] == "permissions":
		var body struct {
			Key string `json:"key"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		node, err := editor.TogglePermission(rest[1], body.Key)
		if errors.Is(err, workflow.ErrNodeNotFound) {
			s.writeMappedError(w, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, node)

	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "nodes" && rest[2] == "roles":
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		node, err := editor.ToggleRole(rest[1], body.Role)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, node)

	case r.Method == http.MethodPut && len(rest) == 3 && rest[0] == "nodes" && rest[2] == "approval":
		var body struct {
			RoleID string `json:"roleId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		node, err := editor.SetApprovalRole(rest[1], body.RoleID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, node)

	case r.Method == http.MethodPut && len(rest) == 3 && rest[0] == "nodes" && rest[2] == "auto":
		var body struct {
			AutoTransition bool `json:"autoTransition"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		node, err := editor.SetAutoTransition(rest[1], body.AutoTransition)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, node)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "edges":
		var body struct {
			Source string `json:"source"`
			Target string `json:"target"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		edge, err := editor.Connect(body.Source, body.Target)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, edge)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "save":
		graph, err := editor.Save(r.Context())
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"graph": graph})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "deploy":
		graph, commit, err := s.service.Deploy(r.Context(), editorID, sess.DisplayName)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		payload := map[string]any{"graph": graph}
		if commit != nil {
			payload["deployment"] = commit
		}
		writeJSON(w, http.StatusOK, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleNodeUpdate(w http.ResponseWriter, r *http.Request, editor *workflow.Editor, nodeID string) {
	var body struct {
		Label                  *string               `json:"label"`
		Phase                  *string               `json:"phase"`
		Stage                  *string               `json:"stage"`
		AllowedRoles           []string              `json:"allowedRoles"`
		Permissions            *workflow.Permissions `json:"permissions"`
		AutoTransition         *bool                 `json:"autoTransition"`
		RequiredApprovalRoleID *string               `json:"requiredApprovalRoleId"`
		Position               *workflow.Position    `json:"position"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	change := workflow.NodeChange{
		Label:                  body.Label,
		Stage:                  body.Stage,
		AllowedRoles:           body.AllowedRoles,
		Permissions:            body.Permissions,
		AutoTransition:         body.AutoTransition,
		RequiredApprovalRoleID: body.RequiredApprovalRoleID,
		Position:               body.Position,
	}
	if body.Phase != nil {
		phase := workflow.Phase(*body.Phase)
		change.Phase = &phase
	}

	node, err := editor.UpdateNode(nodeID, change)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *HTTPServer) authedSession(r *http.Request) (Session, error) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("app: %v", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, directory.ErrNotFound) || errors.Is(err, workflow.ErrNodeNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, workflow.ErrSaveInFlight) {
		return http.StatusConflict, "SAVE_IN_FLIGHT", "A save is already in flight", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
