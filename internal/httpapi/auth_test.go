package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dairyplant/backend/internal/domain"
	"dairyplant/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func adminOnlyStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := adminOnlyStore()

	manager := NewAuthManager("test-secret", time.Hour, "739154", users)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	stored, err := users.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 user, got %d", len(stored))
	}
	if !strings.HasPrefix(stored[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", stored[0].Password)
	}
	if users.updates == 0 {
		t.Fatalf("expected upgraded hash to be written back")
	}
}

func TestCreateClerkStoresPasswordHashAndCanLogin(t *testing.T) {
	users := adminOnlyStore()
	manager := NewAuthManager("test-secret", time.Hour, "739154", users)

	clerk, err := manager.CreateClerk(context.Background(), domain.ClerkCreateRequest{
		Username: "  Dock-Two ",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create clerk failed: %v", err)
	}
	if clerk.Username != "dock-two" || clerk.Role != "clerk" {
		t.Fatalf("unexpected clerk %+v", clerk)
	}

	saved := users.users["dock-two"]
	if saved.Password == "pass1234" || !strings.HasPrefix(saved.Password, "$2") {
		t.Fatalf("expected clerk password to be hashed, got %q", saved.Password)
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "dock-two", Password: "pass1234"})
	if err != nil {
		t.Fatalf("login with new clerk failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "dock-two" || actor.Role != "clerk" {
		t.Fatalf("unexpected actor %+v", actor)
	}

	clerks := manager.ListClerks(context.Background())
	if len(clerks) != 1 || clerks[0].Username != "dock-two" {
		t.Fatalf("expected only the new clerk to be listed, got %+v", clerks)
	}
}

func TestCreateClerkRejectsBadInput(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "739154", adminOnlyStore())

	_, err := manager.CreateClerk(context.Background(), domain.ClerkCreateRequest{Username: "ab", Password: "pass1234"})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for short username, got %v", err)
	}
	_, err = manager.CreateClerk(context.Background(), domain.ClerkCreateRequest{Username: "admin", Password: "pass1234"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for existing username, got %v", err)
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	issuer := NewAuthManager("secret-one", time.Hour, "739154", adminOnlyStore())
	verifier := NewAuthManager("secret-two", time.Hour, "739154", adminOnlyStore())

	resp, err := issuer.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", &userStoreStub{})

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}
	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}
	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}
