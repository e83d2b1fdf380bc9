package shield

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestRateLimiter_Window(t *testing.T) {
	// WHAT: The third trigger inside the window is refused, and the window resets.
	// WHY: Manual crawl triggers must not be spammable.
	rl := NewRateLimiter(2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	h := rl.Middleware(okHandler())
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/crawl/moef", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes: got %v", codes)
	}

	now = now.Add(2 * time.Minute)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("window should have reset")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("other IPs are independent")
	}
}

func TestRequireToken(t *testing.T) {
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h := RequireToken(hash)(okHandler())

	cases := map[string]int{
		"":              http.StatusUnauthorized,
		"Bearer wrong":  http.StatusUnauthorized,
		"Bearer s3cret": http.StatusOK,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/schedules", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("%q: got %d, want %d", header, rec.Code, want)
		}
	}
}

func TestRequireToken_Disabled(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireToken("")(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code: got %d", rec.Code)
	}
}

func TestDefaultAPIStack_Headers(t *testing.T) {
	var h http.Handler = okHandler()
	stack := DefaultAPIStack()
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/health", nil))

	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing X-Frame-Options")
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Error("missing X-Trace-ID")
	}
}
