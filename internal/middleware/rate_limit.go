package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/agjmills/hoard/internal/logger"
	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
)

// NewAuthLimiter allows 5 attempts per 15 minutes per client.
func NewAuthLimiter() *limiter.Limiter {
	lmt := tollbooth.NewLimiter(5.0/(15*60), &limiter.ExpirableOptions{
		DefaultExpirationTTL: 15 * time.Minute,
	})
	lmt.SetBurst(5)
	return lmt
}

// RateLimit rejects clients that exceed lmt, keyed by client IP and path.
func RateLimit(lmt *limiter.Limiter, trusted []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trusted)
			if httpErr := tollbooth.LimitByKeys(lmt, []string{ip, r.URL.Path}); httpErr != nil {
				logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
				WriteJSON(w, http.StatusTooManyRequests, ErrorBody{
					Error: "Too many requests. Please try again later.",
					Code:  "rate_limited",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseTrustedCIDRs parses CIDR strings, accepting bare IPs as single-host
// ranges. Invalid entries are logged and skipped.
func ParseTrustedCIDRs(cidrs []string) []*net.IPNet {
	var result []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			if ip := net.ParseIP(cidr); ip != nil {
				bits := 128
				if ip.To4() != nil {
					bits = 32
				}
				result = append(result, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
				continue
			}
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		result = append(result, ipNet)
	}
	return result
}

func isIPInCIDRs(addr string, cidrs []*net.IPNet) bool {
	ip := net.ParseIP(stripPort(addr))
	if ip == nil {
		return false
	}
	for _, cidr := range cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ClientIP returns the caller's address. X-Real-IP and the leftmost
// X-Forwarded-For entry are honoured only when the direct peer is a trusted
// proxy.
func ClientIP(r *http.Request, trusted []*net.IPNet) string {
	if len(trusted) > 0 && isIPInCIDRs(r.RemoteAddr, trusted) {
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if client := strings.TrimSpace(strings.Split(xff, ",")[0]); client != "" {
				return client
			}
		}
	}
	return stripPort(r.RemoteAddr)
}
