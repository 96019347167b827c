package rbac

// Role names. Keep these stable; they are embedded in issued tokens.
const (
	RoleTelephony = "telephony" // the voice agent and provider webhooks
	RoleViewer    = "viewer"    // dashboards following live calls
	RoleAdmin     = "admin"
)

// Permission is one class of call-tracker operation.
type Permission string

const (
	// PermCallsRead covers listing sessions, reading one and streaming its transcript.
	PermCallsRead Permission = "calls:read"
	// PermCallsWrite covers open, update, close, turns and outcomes.
	PermCallsWrite Permission = "calls:write"
	// PermCallsFinalize covers manual finalize and post-call enrichment.
	PermCallsFinalize Permission = "calls:finalize"
)

var grants = map[string][]Permission{
	RoleTelephony: {PermCallsRead, PermCallsWrite, PermCallsFinalize},
	RoleViewer:    {PermCallsRead},
}

func IsAdmin(role string) bool { return role == RoleAdmin }

func Valid(role string) bool {
	_, ok := grants[role]
	return ok || IsAdmin(role)
}

// Can reports whether role holds p. Admin holds every permission.
func Can(role string, p Permission) bool {
	if IsAdmin(role) {
		return true
	}
	for _, g := range grants[role] {
		if g == p {
			return true
		}
	}
	return false
}
