package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gateway-hub/internal/core"
	"gateway-hub/internal/store"
)

func signToken(t *testing.T, role, sub string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{Role: role, Sub: sub}).SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestGetClaims(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, RoleAdmin, "user-1"))

	claims := GetClaims(r)
	if claims == nil {
		t.Fatalf("claims = nil")
	}
	if claims.Role != RoleAdmin || claims.Sub != "user-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestGetClaimsMissingOrMalformed(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if GetClaims(r) != nil {
		t.Fatalf("no header should yield nil claims")
	}
	r.Header.Set("Authorization", "Basic abc")
	if GetClaims(r) != nil {
		t.Fatalf("non-bearer header should yield nil claims")
	}
	r.Header.Set("Authorization", "Bearer not.a.jwt")
	if GetClaims(r) != nil {
		t.Fatalf("garbage token should yield nil claims")
	}
}

func TestCanManageHome(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	home := &store.Home{Name: "Home", OwnerID: uuid.New()}
	if err := repo.CreateHome(context.Background(), home); err != nil {
		t.Fatalf("create home: %v", err)
	}
	a := NewAuthorizer(repo)
	ctx := context.Background()

	if err := a.CanManageHome(ctx, nil, home.ID); !errors.Is(err, core.ErrUnauthenticated) {
		t.Fatalf("nil claims: %v", err)
	}
	owner := &Claims{Role: RoleResident, Sub: home.OwnerID.String()}
	if err := a.CanManageHome(ctx, owner, home.ID); err != nil {
		t.Fatalf("owner: %v", err)
	}
	stranger := &Claims{Role: RoleResident, Sub: uuid.NewString()}
	if err := a.CanManageHome(ctx, stranger, home.ID); !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("stranger: %v", err)
	}
	admin := &Claims{Role: RoleAdmin, Sub: uuid.NewString()}
	if err := a.CanManageHome(ctx, admin, home.ID); err != nil {
		t.Fatalf("admin: %v", err)
	}
	if err := a.CanManageHome(ctx, owner, uuid.New()); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("unknown home: %v", err)
	}
}
