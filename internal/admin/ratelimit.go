package admin

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/custody-ledger/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// staleLimiterTTL is how long a per-client limiter can be idle before cleanup.
	staleLimiterTTL = 10 * time.Minute

	cleanupInterval = 1 * time.Minute
)

type endpointLimit struct {
	rps   rate.Limit
	burst int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// endpointRule matches on method and path. exact rules match the path only
// when equal; the rest match by prefix.
type endpointRule struct {
	name   string
	method string // "" matches any method
	path   string // "" matches any path
	exact  bool
	limit  endpointLimit
}

func (r endpointRule) matches(method, path string) bool {
	if r.method != "" && !strings.EqualFold(r.method, method) {
		return false
	}
	switch {
	case r.path == "":
		return true
	case r.exact:
		return path == r.path
	default:
		return strings.HasPrefix(path, r.path)
	}
}

var fallbackRule = endpointRule{name: "default", limit: endpointLimit{rps: 10, burst: 20}}

// defaultRules are checked in order; the first match wins. Reconciliation
// replays every asset, so it is throttled hardest. Stage decisions are kept
// apart from submissions so a burst of new requests cannot lock approvers out.
var defaultRules = []endpointRule{
	{name: "reconcile", method: http.MethodPost, path: "/v1/reconcile", exact: true, limit: endpointLimit{rps: rate.Limit(1.0 / 60), burst: 1}},
	{name: "submit", method: http.MethodPost, path: "/v1/requests", exact: true, limit: endpointLimit{rps: rate.Limit(30.0 / 60), burst: 10}},
	{name: "decide", method: http.MethodPost, path: "/v1/requests/", limit: endpointLimit{rps: 1, burst: 10}},
	{name: "feed", method: http.MethodGet, path: "/v1/history/feed", exact: true, limit: endpointLimit{rps: 2, burst: 5}},
	fallbackRule,
}

// RateLimitMiddleware limits each client per endpoint class. A client is
// the X-Custody-User actor when the header is present, otherwise the caller IP.
type RateLimitMiddleware struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry // key: "rule|client"
	rules    []endpointRule
	logger   *slog.Logger
	nowFunc  func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimitMiddleware creates the middleware with the default rules and
// starts a background sweep of idle limiters. Call Stop to end it.
func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		limiters: make(map[string]*limiterEntry),
		rules:    defaultRules,
		logger:   logger.With("component", "admin_ratelimit"),
		nowFunc:  time.Now,
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()
	return rl
}

// Stop shuts down the background cleanup goroutine. Safe to call multiple times.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleLimiterTTL {
			delete(rl.limiters, key)
		}
	}
}

// LimiterCount returns the number of active limiter entries.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Wrap rejects over-limit requests with 429 and a Retry-After derived from
// the limiter's next free token.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		rule := rl.resolveRule(r.Method, r.URL.Path)
		now := rl.nowFunc()

		res := rl.getOrCreateLimiter(rule.name+"|"+client, rule.limit, now).ReserveN(now, 1)
		if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
			res.CancelAt(now)
			metrics.AdminRateLimitedTotal.WithLabelValues(rule.name).Inc()
			w.Header().Set("Retry-After", retryAfterSeconds(delay))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			rl.logger.Warn("ledger API rate limit exceeded",
				"rule", rule.name,
				"method", r.Method,
				"path", r.URL.Path,
				"client", client,
			)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func clientKey(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get(userHeader)); user != "" {
		return "user:" + user
	}
	return "ip:" + extractClientIP(r)
}

// extractClientIP checks X-Forwarded-For (first hop), then X-Real-IP, then
// the connection's remote address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimitMiddleware) resolveRule(method, path string) endpointRule {
	for _, rule := range rl.rules {
		if rule.matches(method, path) {
			return rule
		}
	}
	return fallbackRule
}

func (rl *RateLimitMiddleware) getOrCreateLimiter(key string, el endpointLimit, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, ok := rl.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(el.rps, el.burst)
	rl.limiters[key] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}
