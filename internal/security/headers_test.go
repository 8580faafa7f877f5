package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(mw)
	r.Handle(method, "/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(method, "/ping", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(t, HeadersMiddleware(), http.MethodGet, "")
	require.Equal(t, http.StatusOK, w.Code)

	for _, h := range hardening {
		assert.Equal(t, h[1], w.Header().Get(h[0]), h[0])
	}
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestCORSMiddleware(t *testing.T) {
	cases := []struct {
		name    string
		origins []string
		origin  string
		allow   string
		creds   bool
	}{
		{"listed origin", []string{"https://indexer.example"}, "https://indexer.example", "https://indexer.example", true},
		{"wildcard echoes origin without credentials", []string{"*"}, "https://any.example", "https://any.example", false},
		{"unlisted origin", []string{"https://indexer.example"}, "https://evil.example", "", false},
		{"nothing configured", nil, "https://indexer.example", "", false},
		{"no origin header", []string{"https://indexer.example"}, "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(t, CORSMiddleware(tc.origins), http.MethodGet, tc.origin)

			assert.Equal(t, tc.allow, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tc.creds, w.Header().Get("Access-Control-Allow-Credentials") == "true")
			if tc.allow != "" {
				assert.Equal(t, "Origin", w.Header().Get("Vary"))
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(t, CORSMiddleware([]string{"*"}, "X-Caller-Address"), http.MethodOptions, "https://any.example")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Caller-Address")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}
