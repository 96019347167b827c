package auth

import "context"

// Identity is the verified caller behind a request.
type Identity struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

type identityKey struct{}

// WithIdentity attaches id to ctx. Empty identities are not stored.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	if id.Subject == "" && id.Role == "" {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller stored by RequireToken, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.Role != ""
}
