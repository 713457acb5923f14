package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
}

func TestRequestIDMiddleware_GeneratesUUID(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", http.NoBody))

	id := w.Header().Get("X-Request-ID")
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("X-Request-ID %q is not a UUID", id)
	}
	if seen != id {
		t.Errorf("context ID = %q, header = %q", seen, id)
	}
}

func TestRequestIDMiddleware_PropagatesExistingID(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := RequestID(r.Context()); id != "my-trace-id" {
			t.Errorf("context ID = %q, want %q", id, "my-trace-id")
		}
	}))

	req := httptest.NewRequest("GET", "/test", http.NoBody)
	req.Header.Set("X-Request-ID", "my-trace-id")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if id := w.Header().Get("X-Request-ID"); id != "my-trace-id" {
		t.Errorf("response X-Request-ID = %q, want %q", id, "my-trace-id")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	reg := prometheus.NewRegistry()
	metrics := NewHTTPMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/poe/ports/{set}/{port}", okHandler(http.StatusCreated))
	mux.Handle("GET /healthz", okHandler(http.StatusOK))
	handler := LoggingMiddleware(zap.New(core), metrics, []string{"/healthz"})(mux)

	for _, target := range []string{"/api/v1/poe/ports/onboard/1", "/api/v1/poe/ports/onboard/2", "/healthz"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", target, http.NoBody))
	}

	if got := logs.FilterMessage("http request").Len(); got != 2 {
		t.Errorf("logged %d requests, want 2 (healthz skipped)", got)
	}
	entry := logs.FilterMessage("http request").All()[0]
	if status := entry.ContextMap()["status"]; status != int64(http.StatusCreated) {
		t.Errorf("logged status = %v, want 201", status)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "poewatch_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "route" {
					counts[l.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	// Both port requests collapse into one route series.
	if counts["/api/v1/poe/ports/{set}/{port}"] != 2 || counts["/healthz"] != 1 {
		t.Errorf("route counts = %v", counts)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeadersMiddleware(okHandler(http.StatusOK)).ServeHTTP(w, httptest.NewRequest("GET", "/test", http.NoBody))

	tests := []struct {
		header string
		want   string
	}{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"Referrer-Policy", "no-referrer"},
	}
	for _, tt := range tests {
		if got := w.Header().Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestVersionHeaderMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	VersionHeaderMiddleware(okHandler(http.StatusOK)).ServeHTTP(w, httptest.NewRequest("GET", "/test", http.NoBody))

	if v := w.Header().Get("X-Poewatch-Version"); v == "" {
		t.Error("expected X-Poewatch-Version header to be set")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("test panic") })

	w := httptest.NewRecorder()
	RecoveryMiddleware(zap.NewNop())(panicking).ServeHTTP(w, httptest.NewRequest("GET", "/test", http.NoBody))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content-type = %q, want %q", ct, "application/problem+json")
	}

	w = httptest.NewRecorder()
	RecoveryMiddleware(zap.NewNop())(okHandler(http.StatusOK)).ServeHTTP(w, httptest.NewRequest("GET", "/test", http.NoBody))
	if w.Code != http.StatusOK {
		t.Errorf("status without panic = %d, want 200", w.Code)
	}
}

func TestReadOnlyMiddleware(t *testing.T) {
	handler := ReadOnlyMiddleware(okHandler(http.StatusAccepted))

	tests := []struct {
		method string
		want   int
	}{
		{http.MethodGet, http.StatusAccepted},
		{http.MethodHead, http.StatusAccepted},
		{http.MethodPost, http.StatusMethodNotAllowed},
		{http.MethodPut, http.StatusMethodNotAllowed},
		{http.MethodDelete, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(tt.method, "/api/v1/poe/ports/onboard/0/disable", http.NoBody))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Run("blocks excess traffic", func(t *testing.T) {
		handler := RateLimitMiddleware(1, 1, nil)(okHandler(http.StatusOK))
		req := httptest.NewRequest("GET", "/test", http.NoBody)
		req.RemoteAddr = "10.0.0.1:9999"

		w1 := httptest.NewRecorder()
		handler.ServeHTTP(w1, req)
		if w1.Code != http.StatusOK {
			t.Fatalf("first request: status = %d, want %d", w1.Code, http.StatusOK)
		}
		w2 := httptest.NewRecorder()
		handler.ServeHTTP(w2, req)
		if w2.Code != http.StatusTooManyRequests {
			t.Fatalf("second request: status = %d, want %d", w2.Code, http.StatusTooManyRequests)
		}
		if w2.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After")
		}

		// Another client has its own bucket.
		other := httptest.NewRequest("GET", "/test", http.NoBody)
		other.RemoteAddr = "10.0.0.2:9999"
		w3 := httptest.NewRecorder()
		handler.ServeHTTP(w3, other)
		if w3.Code != http.StatusOK {
			t.Errorf("other client: status = %d, want 200", w3.Code)
		}
	})

	t.Run("skips paths", func(t *testing.T) {
		handler := RateLimitMiddleware(0.001, 1, []string{"/healthz"})(okHandler(http.StatusOK))
		req := httptest.NewRequest("GET", "/healthz", http.NoBody)
		req.RemoteAddr = "10.0.0.3:9999"
		for i := 0; i < 10; i++ {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
			}
		}
	})
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+"-before")
				next.ServeHTTP(w, r)
				order = append(order, name+"-after")
			})
		}
	}
	inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	})

	Chain(inner, mw("mw1"), mw("mw2")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", http.NoBody))

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("execution order = %v, want %v", order, expected)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], expected[i])
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"remote addr", "192.168.1.100:12345", "", "192.168.1.100"},
		{"forwarded", "127.0.0.1:12345", "203.0.113.50, 70.41.3.18", "203.0.113.50"},
		{"no port", "192.168.1.7", "", "192.168.1.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", http.NoBody)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if ip := clientIP(req); ip != tt.want {
				t.Errorf("clientIP = %q, want %q", ip, tt.want)
			}
		})
	}
}

func TestStatusWriter_FirstWriteHeaderWins(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}

	sw.WriteHeader(http.StatusCreated)
	sw.WriteHeader(http.StatusNotFound)

	if sw.status != http.StatusCreated {
		t.Errorf("status = %d, want %d", sw.status, http.StatusCreated)
	}
}
