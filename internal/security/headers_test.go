package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(mw gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(mw)
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), httptest.NewRequest("GET", "/ping", nil))

	for header, want := range responseHeaders {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestCORSMiddlewareOrigins(t *testing.T) {
	tests := []struct {
		name      string
		allowed   []string
		origin    string
		wantAllow bool
	}{
		{"listed origin", []string{"https://app.duelpoint.gg"}, "https://app.duelpoint.gg", true},
		{"wildcard", []string{"*"}, "https://anything.example", true},
		{"unlisted origin", []string{"https://app.duelpoint.gg"}, "https://evil.example", false},
		{"empty list admits all", nil, "https://anything.example", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ping", nil)
			req.Header.Set("Origin", tc.origin)
			w := serve(CORSMiddleware(tc.allowed), req)

			gotAllow := w.Header().Get("Access-Control-Allow-Origin") != ""
			if gotAllow != tc.wantAllow {
				t.Errorf("allow header present = %v, want %v", gotAllow, tc.wantAllow)
			}
		})
	}
}

func TestCORSWildcardOmitsCredentials(t *testing.T) {
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://anything.example")
	w := serve(CORSMiddleware([]string{"*"}), req)

	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("credentials must not be allowed for wildcard origins")
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest("OPTIONS", "/ping", nil)
	req.Header.Set("Origin", "https://app.duelpoint.gg")
	w := serve(CORSMiddleware([]string{"https://app.duelpoint.gg"}), req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Access-Control-Allow-Methods not set")
	}
}
