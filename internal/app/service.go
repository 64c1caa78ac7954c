package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"studioops/api/internal/auth"
	"studioops/api/internal/authpw"
	"studioops/api/internal/config"
	"studioops/api/internal/deploylog"
	"studioops/api/internal/directory"
	"studioops/api/internal/docstore"
	"studioops/api/internal/identity"
	"studioops/api/internal/media"
	"studioops/api/internal/role"
	"studioops/api/internal/search"
	"studioops/api/internal/session"
	"studioops/api/internal/util"
	"studioops/api/internal/workflow"
)

// Session is an issued access session.
type Session struct {
	Token        string
	RefreshToken string
	PrincipalID  string
	Email        string
	DisplayName  string
	RoleID       string
	JTI          string
	ExpiresAt    time.Time
}

// AuthResult is the outcome of one authentication attempt after identity
// resolution. Session is set only when access was granted.
type AuthResult struct {
	Access     bool
	Restricted bool
	State      identity.State
	Status     identity.Status
	Record     *identity.PersonnelRecord
	Session    *Session
	Principal  identity.Principal
}

type editorRecord struct {
	editor    *workflow.Editor
	owner     string
	expiresAt time.Time
}

type Service struct {
	cfg       config.Config
	store     docstore.Store
	authpw    *authpw.Service
	engine    *identity.Engine
	directory *directory.Service
	search    *search.Service
	media     *media.Service
	deploys   *deploylog.Service
	sessions  session.Store

	editorTTL time.Duration
	editorMu  sync.Mutex
	editors   map[string]editorRecord
}

// New wires the service. searchSvc must be non-nil (it degrades internally);
// mediaSvc and deploys may be nil when unconfigured.
func New(cfg config.Config, store docstore.Store, sessions session.Store, searchSvc *search.Service, mediaSvc *media.Service, deploys *deploylog.Service) *Service {
	var indexer directory.Indexer
	if searchSvc != nil {
		indexer = searchSvc
	}
	dir := directory.New(store, indexer)
	policy := identity.AccessPolicy{
		MasterOperatorEmail: cfg.MasterOperatorEmail,
		RootAdminRoleID:     cfg.RootAdminRoleID,
		RestrictedEmails:    cfg.RestrictedEmails,
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		authpw:    authpw.NewService(store),
		engine:    identity.NewEngine(store, policy, dir),
		directory: dir,
		search:    searchSvc,
		media:     mediaSvc,
		deploys:   deploys,
		sessions:  sessions,
		editorTTL: 30 * time.Minute,
		editors:   make(map[string]editorRecord),
	}
}

// Bootstrap ensures the reserved root-administrator role exists and rebuilds
// the search index from the directory.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := role.Ensure(ctx, s.store, s.cfg.RootAdminRoleID, role.SuperRole); err != nil {
		return err
	}

	if s.search != nil && s.search.Healthy() {
		personnel, err := s.directory.List(ctx)
		if err != nil {
			return err
		}
		leads, err := s.directory.ListLeads(ctx)
		if err != nil {
			return err
		}
		s.search.ReindexAll(personnel, leads)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SignUp registers a principal and runs identity resolution.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (AuthResult, error) {
	principal, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	})
	if errors.Is(err, authpw.ErrEmailTaken) {
		return AuthResult{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	}
	if err != nil {
		return AuthResult{}, domainError(http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
	}
	return s.completeAuth(ctx, principal)
}

// SignIn authenticates a principal and runs identity resolution.
func (s *Service) SignIn(ctx context.Context, email, password string) (AuthResult, error) {
	principal, err := s.authpw.SignIn(ctx, email, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return AuthResult{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err != nil {
		return AuthResult{}, err
	}
	return s.completeAuth(ctx, principal)
}

// SignInAnonymously mints an anonymous principal; the restriction gate
// refuses it during resolution.
func (s *Service) SignInAnonymously(ctx context.Context) (AuthResult, error) {
	principal, err := s.authpw.SignInAnonymously(ctx)
	if err != nil {
		return AuthResult{}, err
	}
	return s.completeAuth(ctx, principal)
}

// completeAuth runs resolution passes until the engine lands on a terminal
// branch. A pass that migrated or created a record changes the matching set,
// which re-triggers resolution.
func (s *Service) completeAuth(ctx context.Context, principal identity.Principal) (AuthResult, error) {
	var outcome identity.Outcome
	for attempt := 0; attempt < 3; attempt++ {
		records, err := s.directory.ByEmail(ctx, principal.Email)
		if err != nil {
			return AuthResult{}, err
		}
		outcome, err = s.engine.Resolve(ctx, &principal, records, true)
		if err != nil {
			return AuthResult{}, err
		}
		if outcome.Migrated || outcome.Created {
			continue
		}
		break
	}

	if outcome.SignOut {
		return AuthResult{Restricted: true, State: outcome.State, Principal: principal}, nil
	}

	result := AuthResult{
		Access:    outcome.Granted,
		State:     outcome.State,
		Status:    outcome.Status,
		Record:    outcome.Record,
		Principal: principal,
	}
	if outcome.Granted {
		roleID := ""
		if outcome.Record != nil {
			roleID = outcome.Record.RoleID
		}
		issued, err := s.issueSession(ctx, principal, roleID)
		if err != nil {
			return AuthResult{}, err
		}
		result.Session = &issued
	}
	return result, nil
}

func (s *Service) issueSession(ctx context.Context, principal identity.Principal, roleID string) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   principal.ID,
		Email: principal.Email,
		Name:  principal.DisplayName,
		Role:  roleID,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), principal, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		PrincipalID:  principal.ID,
		Email:        principal.Email,
		DisplayName:  principal.DisplayName,
		RoleID:       roleID,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token. Resolution runs again so a status change
// since the last session takes effect immediately.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResult, error) {
	tokenHash := auth.HashToken(refreshToken)
	principal, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return AuthResult{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return AuthResult{}, err
	}
	return s.completeAuth(ctx, principal)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// SessionFromToken validates an access token and rebuilds the session view.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:       token,
		PrincipalID: claims.Sub,
		Email:       claims.Email,
		DisplayName: claims.Name,
		RoleID:      claims.Role,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

// requireActive loads the caller's personnel record and refuses anything but
// Active status. Administrative routes sit behind this check.
func (s *Service) requireActive(ctx context.Context, sess Session) (identity.PersonnelRecord, error) {
	record, err := s.directory.Get(ctx, sess.PrincipalID)
	if errors.Is(err, directory.ErrNotFound) {
		return identity.PersonnelRecord{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err != nil {
		return identity.PersonnelRecord{}, err
	}
	if record.Status != identity.StatusActive {
		return identity.PersonnelRecord{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return record, nil
}

// Directory / admin operations

func (s *Service) ListPersonnel(ctx context.Context) ([]identity.PersonnelRecord, error) {
	return s.directory.List(ctx)
}

func (s *Service) SetPersonnelStatus(ctx context.Context, id string, status identity.Status) (identity.PersonnelRecord, error) {
	record, err := s.directory.SetStatus(ctx, id, status)
	if errors.Is(err, directory.ErrInvalidStatus) {
		return identity.PersonnelRecord{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid status", nil)
	}
	if errors.Is(err, directory.ErrNotFound) {
		return identity.PersonnelRecord{}, domainError(http.StatusNotFound, "NOT_FOUND", "Personnel record not found", nil)
	}
	return record, err
}

func (s *Service) SetPersonnelRole(ctx context.Context, id, roleID string) (identity.PersonnelRecord, error) {
	if roleID != "" {
		if _, err := role.Get(ctx, s.store, roleID); err != nil {
			return identity.PersonnelRecord{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown role", nil)
		}
	}
	record, err := s.directory.SetRole(ctx, id, roleID)
	if errors.Is(err, directory.ErrNotFound) {
		return identity.PersonnelRecord{}, domainError(http.StatusNotFound, "NOT_FOUND", "Personnel record not found", nil)
	}
	return record, err
}

func (s *Service) PurgePersonnel(ctx context.Context, id string) error {
	return s.directory.Purge(ctx, id)
}

func (s *Service) SearchDirectory(q search.Query) search.Response {
	return s.search.Search(q)
}

func (s *Service) CreateLead(ctx context.Context, lead directory.Lead) (directory.Lead, error) {
	if lead.Name == "" || lead.Email == "" {
		return directory.Lead{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name and email are required", nil)
	}
	return s.directory.CreateLead(ctx, lead)
}

func (s *Service) ListLeads(ctx context.Context) ([]directory.Lead, error) {
	return s.directory.ListLeads(ctx)
}

func (s *Service) ListRoles(ctx context.Context) ([]role.Role, error) {
	return role.List(ctx, s.store)
}

// UploadThumbnail stores the image and writes the object key onto the record.
func (s *Service) UploadThumbnail(ctx context.Context, id, filename, contentType string, body io.Reader, size int64) (identity.PersonnelRecord, error) {
	if s.media == nil {
		return identity.PersonnelRecord{}, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Object storage not configured", nil)
	}
	key, err := s.media.UploadThumbnail(ctx, id, filename, contentType, body, size)
	if err != nil {
		return identity.PersonnelRecord{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	record, err := s.directory.SetThumbnail(ctx, id, key)
	if errors.Is(err, directory.ErrNotFound) {
		return identity.PersonnelRecord{}, domainError(http.StatusNotFound, "NOT_FOUND", "Personnel record not found", nil)
	}
	return record, err
}

// Workflow editor sessions

// CreateEditorSession opens a fresh working copy seeded from the persisted
// graph and returns its handle.
func (s *Service) CreateEditorSession(ctx context.Context, owner string) (string, workflow.Graph, error) {
	editor := workflow.NewEditor(s.store)
	graph, err := editor.Load(ctx)
	if err != nil {
		return "", workflow.Graph{}, err
	}

	id := util.NewID("wed")
	s.editorMu.Lock()
	s.purgeExpiredEditorsLocked()
	s.editors[id] = editorRecord{
		editor:    editor,
		owner:     owner,
		expiresAt: time.Now().Add(s.editorTTL),
	}
	s.editorMu.Unlock()
	return id, graph, nil
}

// Editor returns the working copy for an editor session and slides its
// expiry.
func (s *Service) Editor(id string) (*workflow.Editor, error) {
	s.editorMu.Lock()
	defer s.editorMu.Unlock()
	s.purgeExpiredEditorsLocked()

	record, ok := s.editors[id]
	if !ok {
		return nil, domainError(http.StatusNotFound, "EDITOR_SESSION_NOT_FOUND", "Editor session expired or unknown", nil)
	}
	record.expiresAt = time.Now().Add(s.editorTTL)
	s.editors[id] = record
	return record.editor, nil
}

func (s *Service) CloseEditorSession(id string) {
	s.editorMu.Lock()
	delete(s.editors, id)
	s.editorMu.Unlock()
}

func (s *Service) purgeExpiredEditorsLocked() {
	now := time.Now()
	for key, record := range s.editors {
		if now.After(record.expiresAt) {
			delete(s.editors, key)
		}
	}
}

// Deploy persists the working copy and records the deployment. A failed log
// commit does not fail the save.
func (s *Service) Deploy(ctx context.Context, editorID, author string) (workflow.Graph, *deploylog.CommitInfo, error) {
	editor, err := s.Editor(editorID)
	if err != nil {
		return workflow.Graph{}, nil, err
	}

	graph, err := editor.Save(ctx)
	if errors.Is(err, workflow.ErrSaveInFlight) {
		return workflow.Graph{}, nil, domainError(http.StatusConflict, "SAVE_IN_FLIGHT", "A save is already in flight", nil)
	}
	if err != nil {
		return workflow.Graph{}, nil, fmt.Errorf("deploy graph: %w", err)
	}

	if s.deploys == nil {
		return graph, nil, nil
	}
	commit, err := s.deploys.Record(graph.Data(time.Now().UTC().Format(time.RFC3339Nano)), author, "Deploy workflow graph")
	if err != nil {
		log.Printf("app: deploy log commit failed: %v", err)
		return graph, nil, nil
	}
	return graph, &commit, nil
}

// PersistedGraph reads the durable singleton graph document.
func (s *Service) PersistedGraph(ctx context.Context) (workflow.Graph, error) {
	doc, err := s.store.GetDocument(ctx, workflow.GraphCollection, workflow.GraphDocumentID)
	if errors.Is(err, docstore.ErrNotFound) {
		return workflow.Graph{Nodes: []workflow.Node{}, Edges: []workflow.Edge{}}, nil
	}
	if err != nil {
		return workflow.Graph{}, err
	}
	return workflow.GraphFromData(doc.Data)
}

func (s *Service) Deployments(limit int) ([]deploylog.CommitInfo, error) {
	if s.deploys == nil {
		return []deploylog.CommitInfo{}, nil
	}
	return s.deploys.History(limit)
}
