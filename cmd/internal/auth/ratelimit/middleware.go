package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"classworks/cmd/internal/httpx"
)

// Keyer derives the counter key for a request.
type Keyer func(r *http.Request) string

// ByIP keys requests by client address.
func ByIP(trustProxy bool) Keyer {
	return func(r *http.Request) string { return "ip:" + httpx.ClientIPString(r, trustProxy) }
}

// ByTokenOrIP keys requests by app token when one is present (X-App-Token
// header, apptoken query, apptoken body field, or fromCtx), else by IP.
func ByTokenOrIP(trustProxy bool, fromCtx func(context.Context) string) Keyer {
	return func(r *http.Request) string {
		if t := RequestToken(r); t != "" {
			return "token:" + t
		}
		if fromCtx != nil {
			if t := fromCtx(r.Context()); t != "" {
				return "token:" + t
			}
		}
		return "ip:" + httpx.ClientIPString(r, trustProxy)
	}
}

// RequestToken returns the app token a client sent for rate-limit keying.
func RequestToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get("X-App-Token")); t != "" {
		return t
	}
	if t := strings.TrimSpace(r.URL.Query().Get("apptoken")); t != "" {
		return t
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return strings.TrimSpace(httpx.BodyString(r, "apptoken"))
	}
	return ""
}

// Middleware enforces the limiter on every request. Rejections answer 429
// with Retry-After and RateLimit headers and do not reach next.
func (l *Limiter) Middleware(key Keyer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			d := l.Allow(k)
			l.writeHeaders(w, d)
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(ceilSeconds(d.RetryAfter), 10))
				httpx.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED",
					fmt.Sprintf("too many %s requests, retry in %ds", l.class, ceilSeconds(d.RetryAfter)))
				return
			}
			if !l.skipSuccessful {
				next.ServeHTTP(w, r)
				return
			}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.status < http.StatusBadRequest {
				l.Refund(k, d)
			}
		})
	}
}

func (l *Limiter) writeHeaders(w http.ResponseWriter, d Decision) {
	reset := ceilSeconds(d.Reset.Sub(l.now()))
	w.Header().Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d", l.policy.Limit, int64(l.policy.Window/time.Second)))
	w.Header().Set("RateLimit", fmt.Sprintf("limit=%d, remaining=%d, reset=%d", d.Limit, d.Remaining, reset))
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
