package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the only supported JWT claims shape for this service.
// Subject names the caller (a telephony worker, a dashboard user); Role
// drives authorization in internal/rbac.
type Claims struct {
	jwt.RegisteredClaims

	Role string `json:"role"`
}
