package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gateway-hub/internal/core"
	"gateway-hub/internal/store"
)

// Role constants, lowest to highest privilege.
const (
	RoleUser     = "user"
	RoleResident = "resident"
	RoleAdmin    = "admin"
)

var roleLevel = map[string]int{
	RoleUser:     1,
	RoleResident: 2,
	RoleAdmin:    3,
}

type Claims struct {
	Role string `json:"role"`
	Sub  string `json:"sub"`
	jwt.RegisteredClaims
}

// GetClaims extracts identity claims from the Authorization header. Signature
// verification happens at the api-gateway; this service only reads the
// already-validated token.
func GetClaims(r *http.Request) *Claims {
	auth := r.Header.Get("Authorization")
	if len(auth) < 8 || auth[:7] != "Bearer " {
		return nil
	}
	token, _, err := new(jwt.Parser).ParseUnverified(auth[7:], &Claims{})
	if err != nil {
		return nil
	}
	if claims, ok := token.Claims.(*Claims); ok {
		return claims
	}
	return nil
}

// HomeGetter is the slice of the record store the authorizer needs.
type HomeGetter interface {
	GetHome(ctx context.Context, id uuid.UUID) (*store.Home, error)
}

// Authorizer answers the single question the core asks of the RBAC layer:
// may this caller manage this home. Admins always may; otherwise the caller
// must be the home owner.
type Authorizer struct {
	homes HomeGetter
}

func NewAuthorizer(homes HomeGetter) *Authorizer {
	return &Authorizer{homes: homes}
}

func (a *Authorizer) CanManageHome(ctx context.Context, claims *Claims, homeID uuid.UUID) error {
	if claims == nil || claims.Sub == "" {
		return fmt.Errorf("%w: missing identity", core.ErrUnauthenticated)
	}
	if roleLevel[claims.Role] >= roleLevel[RoleAdmin] {
		return nil
	}
	home, err := a.homes.GetHome(ctx, homeID)
	if err != nil {
		return err
	}
	if home.OwnerID.String() != claims.Sub {
		return fmt.Errorf("%w: not the owner of home %s", core.ErrForbidden, homeID)
	}
	return nil
}
