package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"calltrack/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(role string, p Permission) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), auth.Identity{Subject: "s", Role: role})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, Require(p), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequire(t *testing.T) {
	cases := []struct {
		name string
		role string
		perm Permission
		want int
	}{
		{"admin bypasses", RoleAdmin, PermCallsFinalize, http.StatusOK},
		{"viewer reads", RoleViewer, PermCallsRead, http.StatusOK},
		{"viewer cannot write", RoleViewer, PermCallsWrite, http.StatusForbidden},
		{"viewer cannot finalize", RoleViewer, PermCallsFinalize, http.StatusForbidden},
		{"telephony writes", RoleTelephony, PermCallsWrite, http.StatusOK},
		{"unknown role", "owner", PermCallsRead, http.StatusForbidden},
		{"no identity", "", PermCallsRead, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := serve(tc.role, tc.perm); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestValid(t *testing.T) {
	for _, r := range []string{RoleTelephony, RoleViewer, RoleAdmin} {
		if !Valid(r) {
			t.Fatalf("expected %q to be valid", r)
		}
	}
	if Valid("owner") {
		t.Fatalf("expected unknown role to be invalid")
	}
}
