package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted := ParseTrustedCIDRs([]string{"10.0.0.0/8", "192.168.1.10"})

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "direct client", remoteAddr: "203.0.113.5:4321", want: "203.0.113.5"},
		{name: "untrusted peer headers ignored", remoteAddr: "203.0.113.5:4321",
			headers: map[string]string{"X-Real-IP": "1.2.3.4", "X-Forwarded-For": "5.6.7.8"}, want: "203.0.113.5"},
		{name: "trusted proxy X-Real-IP", remoteAddr: "10.1.2.3:80",
			headers: map[string]string{"X-Real-IP": "198.51.100.7"}, want: "198.51.100.7"},
		{name: "trusted proxy leftmost X-Forwarded-For", remoteAddr: "10.1.2.3:80",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.7, 10.1.2.3"}, want: "198.51.100.7"},
		{name: "single trusted host", remoteAddr: "192.168.1.10:80",
			headers: map[string]string{"X-Real-IP": "198.51.100.8"}, want: "198.51.100.8"},
		{name: "trusted proxy without headers", remoteAddr: "10.1.2.3:80", want: "10.1.2.3"},
		{name: "no port", remoteAddr: "203.0.113.9", want: "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req, trusted); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTrustedCIDRs_SkipsInvalid(t *testing.T) {
	got := ParseTrustedCIDRs([]string{"10.0.0.0/8", "not-a-cidr", "::1"})
	if len(got) != 2 {
		t.Fatalf("got %d ranges, want 2", len(got))
	}
}

func TestRateLimit_BlocksAfterBurst(t *testing.T) {
	handler := RateLimit(NewAuthLimiter(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 5; i++ {
		if code := send("203.0.113.1:1000"); code != http.StatusOK {
			t.Fatalf("request %d: status %d, want 200", i+1, code)
		}
	}
	if code := send("203.0.113.1:1000"); code != http.StatusTooManyRequests {
		t.Errorf("6th request: status %d, want 429", code)
	}
	if code := send("203.0.113.2:1000"); code != http.StatusOK {
		t.Errorf("other client: status %d, want 200", code)
	}
}
