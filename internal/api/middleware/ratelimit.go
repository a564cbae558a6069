package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/metrics"
)

// KeyFunc picks the bucket a request is counted in.
type KeyFunc func(r *http.Request) string

// RateLimit caps requests whose method matches and whose path starts with
// Prefix. When several limits match, the longest prefix wins.
type RateLimit struct {
	Method   string
	Prefix   string
	Requests int
	Window   time.Duration
	Key      KeyFunc
}

// DefaultLimits is used when RateLimiterConfig.Limits is empty.
func DefaultLimits() []RateLimit {
	return []RateLimit{
		{"GET", "/ws", 30, time.Minute, IPKey},
		{"GET", "/api/rooms", 60, time.Minute, UserOrIPKey},
		{"POST", "/api/rooms", 20, time.Hour, UserOrIPKey},
		{"PUT", "/api/rooms/", 30, time.Minute, UserOrIPKey},
		{"DELETE", "/api/rooms/", 30, time.Minute, UserOrIPKey},
		{"GET", "/api/messages/", 120, time.Minute, UserOrIPKey},
		{"PUT", "/api/messages/", 60, time.Minute, UserOrIPKey},
		{"DELETE", "/api/messages/", 60, time.Minute, UserOrIPKey},
		{"POST", "/api/upload", 30, time.Minute, UserOrIPKey},
	}
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Block IPs after repeated violations
	BlockAfter       int      // violations per hour before a block, default 10
	BlockFor         time.Duration
	Limits           []RateLimit
}

// RateLimiter counts requests in fixed Redis windows. A limiter without a
// Redis client lets every request through.
type RateLimiter struct {
	client     *redis.Client
	logger     zerolog.Logger
	limits     []RateLimit
	blocker    *IPBlocker
	allowNets  []*net.IPNet
	allowIPs   map[string]bool
	autoBlock  bool
	blockAfter int64
	blockFor   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:     client,
		logger:     logger,
		limits:     cfg.Limits,
		blocker:    NewIPBlocker(client),
		allowIPs:   make(map[string]bool),
		autoBlock:  cfg.AutoBlockEnabled,
		blockAfter: int64(cfg.BlockAfter),
		blockFor:   cfg.BlockFor,
	}
	if len(rl.limits) == 0 {
		rl.limits = DefaultLimits()
	}
	if rl.blockAfter <= 0 {
		rl.blockAfter = 10
	}
	if rl.blockFor <= 0 {
		rl.blockFor = 24 * time.Hour
	}

	for _, entry := range cfg.Whitelist {
		entry = strings.TrimSpace(entry)
		if !strings.Contains(entry, "/") {
			rl.allowIPs[entry] = true
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
			continue
		}
		rl.allowNets = append(rl.allowNets, ipNet)
	}
	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.allowIPs)).
			Int("cidrs", len(rl.allowNets)).
			Msg("rate limit whitelist configured")
	}
	return rl
}

func (rl *RateLimiter) exempt(ipStr string) bool {
	if rl.allowIPs[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range rl.allowNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IPKey buckets requests by client IP.
func IPKey(r *http.Request) string {
	return "ratelimit:ip:" + RealIP(r)
}

// UserOrIPKey buckets authenticated requests by user and anonymous ones by
// IP. It only sees the user when RequireAuth runs first.
func UserOrIPKey(r *http.Request) string {
	if userID := GetUserFromContext(r.Context()); userID != "" {
		return "ratelimit:user:" + userID
	}
	return IPKey(r)
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// windowScript increments a window counter and starts its expiry on the first
// hit. It returns the count and the milliseconds left in the window.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// Allow counts one request against key. It returns whether the request fits
// the limit, how many remain and when the window resets.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time, error) {
	res, err := windowScript.Run(ctx, rl.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return true, limit, time.Now().Add(window), err
	}
	count, ttl := res[0], res[1]
	if ttl < 0 {
		ttl = window.Milliseconds()
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(limit), remaining, time.Now().Add(time.Duration(ttl) * time.Millisecond), nil
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl.client == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.exempt(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker.IsBlocked(r.Context(), ip) {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit := rl.match(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.Key(r)
		allowed, remaining, resetAt, err := rl.Allow(r.Context(), key, limit.Requests, limit.Window)
		if err != nil {
			rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retry := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			rl.recordViolation(r.Context(), ip)
			metrics.RateLimitHits.WithLabelValues(r.Method + " " + normalizePath(r.URL.Path)).Inc()

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("user_id", GetUserFromContext(r.Context())).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// match returns the limit with the longest matching prefix, or nil.
func (rl *RateLimiter) match(r *http.Request) *RateLimit {
	var best *RateLimit
	for i := range rl.limits {
		l := &rl.limits[i]
		if l.Method != r.Method || !strings.HasPrefix(r.URL.Path, l.Prefix) {
			continue
		}
		if best == nil || len(l.Prefix) > len(best.Prefix) {
			best = l
		}
	}
	return best
}

func (rl *RateLimiter) recordViolation(ctx context.Context, ip string) {
	if !rl.autoBlock {
		return
	}
	key := "violations:ip:" + ip
	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return
	}
	if count == 1 {
		rl.client.Expire(ctx, key, time.Hour)
	}
	if count >= rl.blockAfter {
		rl.blocker.Block(ctx, ip, rl.blockFor, "repeated rate limit violations")
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// IPBlocker manages temporary IP blocks.
type IPBlocker struct {
	client *redis.Client
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

func blockKey(ip string) string { return "blocked:ip:" + ip }

// IsBlocked reports whether ip is currently blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	n, _ := b.client.Exists(ctx, blockKey(ip)).Result()
	return n > 0
}

// Block blocks ip for d.
func (b *IPBlocker) Block(ctx context.Context, ip string, d time.Duration, reason string) {
	b.client.Set(ctx, blockKey(ip), reason, d)
}

// Unblock removes a block.
func (b *IPBlocker) Unblock(ctx context.Context, ip string) {
	b.client.Del(ctx, blockKey(ip))
}
