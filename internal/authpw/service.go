// Package authpw is the authentication provider: email/password principals
// plus anonymous sign-in. It knows nothing about personnel records or access
// status; identity resolution happens downstream.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"studioops/api/internal/docstore"
	"studioops/api/internal/identity"
	"studioops/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

const Collection = "principals"

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

type Service struct {
	store docstore.Store
}

func NewService(store docstore.Store) *Service {
	return &Service{store: store}
}

type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// SignUp creates a new principal. It does not create a personnel record;
// the identity engine decides that on the resolution pass that follows.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (identity.Principal, error) {
	email := identity.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" || req.DisplayName == "" {
		return identity.Principal{}, errors.New("email, password, and display name are required")
	}
	if len(req.Password) < 8 {
		return identity.Principal{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.byEmail(ctx, email); err == nil {
		return identity.Principal{}, ErrEmailTaken
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return identity.Principal{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return identity.Principal{}, fmt.Errorf("hash password: %w", err)
	}

	principal := identity.Principal{
		ID:          util.NewID("prin"),
		Email:       email,
		DisplayName: req.DisplayName,
	}
	data := map[string]any{
		"email":        email,
		"displayName":  req.DisplayName,
		"passwordHash": string(hash),
		"anonymous":    false,
		"createdAt":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.store.SetDocument(ctx, Collection, principal.ID, data, false); err != nil {
		return identity.Principal{}, fmt.Errorf("create principal: %w", err)
	}
	return principal, nil
}

// SignIn authenticates an existing principal. Provider failures surface
// verbatim and mutate nothing.
func (s *Service) SignIn(ctx context.Context, email, password string) (identity.Principal, error) {
	email = identity.NormalizeEmail(email)
	if email == "" || password == "" {
		return identity.Principal{}, errors.New("email and password are required")
	}

	doc, err := s.byEmail(ctx, email)
	if errors.Is(err, docstore.ErrNotFound) {
		return identity.Principal{}, ErrInvalidCredentials
	}
	if err != nil {
		return identity.Principal{}, err
	}

	hash, _ := doc.Data["passwordHash"].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return identity.Principal{}, ErrInvalidCredentials
	}
	return principalFromDocument(doc), nil
}

// SignInAnonymously mints a transient anonymous principal. The identity
// engine's restriction gate refuses these before any record is touched.
func (s *Service) SignInAnonymously(ctx context.Context) (identity.Principal, error) {
	principal := identity.Principal{
		ID:          util.NewID("anon"),
		Email:       "anonymous@root.invalid",
		DisplayName: "Anonymous",
		Anonymous:   true,
	}
	data := map[string]any{
		"email":       principal.Email,
		"displayName": principal.DisplayName,
		"anonymous":   true,
		"createdAt":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.store.SetDocument(ctx, Collection, principal.ID, data, false); err != nil {
		return identity.Principal{}, fmt.Errorf("create anonymous principal: %w", err)
	}
	return principal, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (identity.Principal, error) {
	doc, err := s.store.GetDocument(ctx, Collection, id)
	if err != nil {
		return identity.Principal{}, fmt.Errorf("get principal %s: %w", id, err)
	}
	return principalFromDocument(doc), nil
}

func (s *Service) byEmail(ctx context.Context, email string) (docstore.Document, error) {
	docs, err := s.store.QueryCollection(ctx, Collection,
		[]docstore.Filter{{Field: "email", Value: email}}, "")
	if err != nil {
		return docstore.Document{}, fmt.Errorf("query principals: %w", err)
	}
	if len(docs) == 0 {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return docs[0], nil
}

func principalFromDocument(doc docstore.Document) identity.Principal {
	principal := identity.Principal{ID: doc.ID}
	if email, ok := doc.Data["email"].(string); ok {
		principal.Email = email
	}
	if name, ok := doc.Data["displayName"].(string); ok {
		principal.DisplayName = name
	}
	if anonymous, ok := doc.Data["anonymous"].(bool); ok {
		principal.Anonymous = anonymous
	}
	return principal
}
