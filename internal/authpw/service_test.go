package authpw

import (
	"context"
	"errors"
	"testing"

	"studioops/api/internal/docstore"
)

func TestSignUpThenSignIn(t *testing.T) {
	service := NewService(docstore.NewMemory())
	ctx := context.Background()

	created, err := service.SignUp(ctx, SignUpRequest{
		Email:       "Ava@Studio.Example",
		Password:    "correct-horse",
		DisplayName: "Ava",
	})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if created.Email != "ava@studio.example" {
		t.Fatalf("expected lower-cased email key, got %q", created.Email)
	}
	if created.Anonymous {
		t.Fatalf("expected non-anonymous principal")
	}

	principal, err := service.SignIn(ctx, "ava@studio.example", "correct-horse")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if principal.ID != created.ID {
		t.Fatalf("expected principal %s, got %s", created.ID, principal.ID)
	}
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	service := NewService(docstore.NewMemory())
	ctx := context.Background()

	if _, err := service.SignUp(ctx, SignUpRequest{Email: "ava@studio.example", Password: "correct-horse", DisplayName: "Ava"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	if _, err := service.SignIn(ctx, "ava@studio.example", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := service.SignIn(ctx, "nobody@studio.example", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	service := NewService(docstore.NewMemory())
	ctx := context.Background()

	req := SignUpRequest{Email: "ava@studio.example", Password: "correct-horse", DisplayName: "Ava"}
	if _, err := service.SignUp(ctx, req); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, err := service.SignUp(ctx, req); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestSignUpValidatesInput(t *testing.T) {
	service := NewService(docstore.NewMemory())
	ctx := context.Background()

	if _, err := service.SignUp(ctx, SignUpRequest{Email: "ava@studio.example", Password: "short", DisplayName: "Ava"}); err == nil {
		t.Fatalf("expected short password rejected")
	}
	if _, err := service.SignUp(ctx, SignUpRequest{Password: "correct-horse", DisplayName: "Ava"}); err == nil {
		t.Fatalf("expected missing email rejected")
	}
}

func TestAnonymousPrincipalIsFlagged(t *testing.T) {
	service := NewService(docstore.NewMemory())

	principal, err := service.SignInAnonymously(context.Background())
	if err != nil {
		t.Fatalf("anonymous sign in: %v", err)
	}
	if !principal.Anonymous {
		t.Fatalf("expected anonymous flag set")
	}

	loaded, err := service.GetByID(context.Background(), principal.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if !loaded.Anonymous {
		t.Fatalf("expected anonymous flag persisted")
	}
}
