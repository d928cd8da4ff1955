package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erpsync_backend/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// withSession stands in for SessionMiddleware so tests need no Redis.
func withSession(tenantId string, admin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if tenantId != "" {
			ctx = utils.SetTenantIdInContext(ctx, tenantId)
		}
		if admin {
			ctx = utils.SetIsAdminInContext(ctx, true)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func serveTenant(session gin.HandlerFunc, trustHeader bool, header string) (int, string) {
	r := gin.New()
	r.Use(CorrelationId(), session, RequireTenant(trustHeader))
	r.GET("/who", func(c *gin.Context) {
		tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
		c.String(http.StatusOK, tenantId)
	})

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	if header != "" {
		req.Header.Set(TenantHeader, header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code, w.Body.String()
}

func TestRequireTenant(t *testing.T) {
	cases := []struct {
		name        string
		session     gin.HandlerFunc
		trustHeader bool
		header      string
		wantCode    int
		wantTenant  string
	}{
		{"session tenant", withSession("t-1", false), false, "", http.StatusOK, "t-1"},
		{"same header", withSession("t-1", false), false, "t-1", http.StatusOK, "t-1"},
		{"header mismatch", withSession("t-1", false), false, "t-2", http.StatusForbidden, ""},
		{"admin override", withSession("t-1", true), false, "t-2", http.StatusOK, "t-2"},
		{"admin without tenant", withSession("", true), false, "t-3", http.StatusOK, "t-3"},
		{"trusted header", withSession("", false), true, "t-4", http.StatusOK, "t-4"},
		{"untrusted header", withSession("", false), false, "t-4", http.StatusUnauthorized, ""},
		{"nothing", withSession("", false), true, "", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := serveTenant(tc.session, tc.trustHeader, tc.header)
			if code != tc.wantCode {
				t.Fatalf("code = %d, want %d (body %s)", code, tc.wantCode, body)
			}
			if tc.wantCode == http.StatusOK && body != tc.wantTenant {
				t.Fatalf("tenant = %q, want %q", body, tc.wantTenant)
			}
		})
	}
}

func TestCorrelationIdEchoesOrGenerates(t *testing.T) {
	r := gin.New()
	r.Use(CorrelationId())
	r.GET("/", func(c *gin.Context) {
		id, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.String(http.StatusOK, id)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationHeader, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(CorrelationHeader); got != "abc-123" || w.Body.String() != "abc-123" {
		t.Fatalf("correlation id = %q / %q, want abc-123", got, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get(CorrelationHeader) == "" || w.Body.String() != w.Header().Get(CorrelationHeader) {
		t.Fatalf("expected a generated correlation id, got %q", w.Header().Get(CorrelationHeader))
	}
}
