// Package ratelimit implements fixed-window request throttling keyed by
// client identity and endpoint class. It is advisory throttling, not a
// security boundary: sensitive flows must pair it with their own attempt
// limits (see the OTP verifier).
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"lessonworks/pkg/ctxkeys"
	"lessonworks/pkg/logging"
)

// Rule limits one endpoint class to MaxRequests per Window.
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// Result is the outcome of a single rate-limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Store counts requests per key within a window. Incr must be atomic: two
// near-simultaneous calls for the same key must observe distinct counts.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

type windowEntry struct {
	count   int64
	resetAt time.Time
}

// MemoryStore keeps windows in process memory. Windows expire naturally and
// are not persisted across restarts.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*windowEntry
}

// NewMemoryStore creates an in-memory window store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*windowEntry)}
}

// Incr increments the counter for key, starting a fresh window if none exists
// or the current one has elapsed.
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.windows[key]
	if !ok || !now.Before(entry.resetAt) {
		entry = &windowEntry{count: 1, resetAt: now.Add(window)}
		s.windows[key] = entry
		return 1, entry.resetAt, nil
	}

	entry.count++
	return entry.count, entry.resetAt, nil
}

// Sweep drops expired windows. Called periodically to bound memory; the
// limiter itself never reads expired entries.
func (s *MemoryStore) Sweep() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.windows {
		if !now.Before(entry.resetAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// RedisStore backs windows with a shared Redis so limits hold across
// instances. INCR is atomic on the server side.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed window store.
func NewRedisStore(client goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	redisKey := s.prefix + ":" + key

	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return 0, time.Time{}, err
		}
		return count, time.Now().Add(window), nil
	}

	ttl, err := s.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if ttl < 0 {
		// Key exists without expiry (lost between INCR and PEXPIRE); reset it.
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return 0, time.Time{}, err
		}
		ttl = window
	}
	return count, time.Now().Add(ttl), nil
}

// Config configures a Limiter instance.
type Config struct {
	// Enabled turns enforcement on. A disabled limiter allows everything,
	// for deployments that switch throttling off.
	Enabled bool
	// Rules maps endpoint class names to their limits.
	Rules map[string]Rule
	// DefaultRule applies to endpoint classes without an explicit rule.
	DefaultRule Rule
	Store       Store
	Logger      logging.Logger
}

// Limiter enforces per-(client, endpoint class) request limits. Construct one
// instance at process start and share it across request handlers.
type Limiter struct {
	enabled     bool
	rules       map[string]Rule
	defaultRule Rule
	store       Store
	logger      logging.Logger
}

// New creates a Limiter. A nil Store falls back to an in-memory store.
func New(cfg Config) *Limiter {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	defaultRule := cfg.DefaultRule
	if defaultRule.MaxRequests <= 0 {
		defaultRule = Rule{MaxRequests: 60, Window: time.Minute}
	}
	return &Limiter{
		enabled:     cfg.Enabled,
		rules:       cfg.Rules,
		defaultRule: defaultRule,
		store:       store,
		logger:      cfg.Logger,
	}
}

// RuleFor returns the rule for an endpoint class, falling back to the default.
func (l *Limiter) RuleFor(class string) Rule {
	if rule, ok := l.rules[class]; ok {
		return rule
	}
	return l.defaultRule
}

// Check counts one request from clientKey against the class's window and
// reports whether it is allowed. The count-and-compare is a single atomic
// step in the store.
func (l *Limiter) Check(ctx context.Context, clientKey, class string) (Result, error) {
	rule := l.RuleFor(class)

	if !l.enabled {
		return Result{Allowed: true, Limit: rule.MaxRequests, Remaining: rule.MaxRequests}, nil
	}

	count, resetAt, err := l.store.Incr(ctx, class+":"+clientKey, rule.Window)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Limit:   rule.MaxRequests,
		ResetAt: resetAt,
	}

	if count > int64(rule.MaxRequests) {
		result.Allowed = false
		result.Remaining = 0
		result.RetryAfter = time.Until(resetAt)
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
		return result, nil
	}

	result.Allowed = true
	result.Remaining = rule.MaxRequests - int(count)
	return result, nil
}

// Middleware returns gin middleware enforcing the limiter for one endpoint
// class. Requests are keyed by authenticated user ID when present, client IP
// otherwise. Store failures fail open: throttling is advisory and must not
// take the endpoint down with it.
func Middleware(limiter *Limiter, class string) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetString(string(ctxkeys.KeyUserID))
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		result, err := limiter.Check(c.Request.Context(), clientKey, class)
		if err != nil {
			if limiter.logger != nil {
				limiter.logger.WithError(err).WithField("class", class).Warn("Rate limit check failed, allowing request")
			}
			c.Next()
			return
		}

		if !result.Allowed {
			retryAfter := int(result.RetryAfter.Seconds() + 0.5)
			c.Header("Retry-After", time.Now().Add(result.RetryAfter).UTC().Format(http.TimeFormat))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": retryAfter,
				"limit":       result.Limit,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
