package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrKeyNotFound = errors.New("api key not found")

const cacheTTL = 5 * time.Minute

type APIKey struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	KeyHash   string    `json:"key_hash"`
	RateLimit int64     `json:"rate_limit"` // max tokens per minute, 0 uses the gateway default
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

// Cache is the subset of redis.Cmdable used for key lookups.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	orgIDKey     contextKey = "org_id"
	apiKeyIDKey  contextKey = "api_key_id"
	rateLimitKey contextKey = "rate_limit"
	requestIDKey contextKey = "request_id"
)

// HashKey is the stored form of an API key.
func HashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// RequestID tags every request with an id, reusing the caller's
// X-Request-ID when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

type Authenticator struct {
	store Store
	cache Cache
}

func NewAuthenticator(store Store, cache Cache) *Authenticator {
	return &Authenticator{store: store, cache: cache}
}

// Require rejects requests without a valid bearer key.
func (a *Authenticator) Require() Middleware {
	return a.middleware(false)
}

// Optional lets requests without an Authorization header through as
// guests. A header carrying an invalid key is still rejected.
func (a *Authenticator) Optional() Middleware {
	return a.middleware(true)
}

func (a *Authenticator) middleware(optional bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" && optional {
				next.ServeHTTP(w, r)
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				unauthorized(w, "missing or invalid Authorization header")
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")

			apiKey, err := a.lookup(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					unauthorized(w, "invalid API key")
					return
				}
				slog.ErrorContext(ctx, "api key lookup failed", "request_id", GetRequestID(ctx), "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
				return
			}

			ctx = context.WithValue(ctx, orgIDKey, apiKey.OrgID)
			ctx = context.WithValue(ctx, apiKeyIDKey, apiKey.ID)
			ctx = context.WithValue(ctx, rateLimitKey, apiKey.RateLimit)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) lookup(ctx context.Context, key string) (*APIKey, error) {
	redisKey := fmt.Sprintf("auth:%s", HashKey(key))

	if a.cache != nil {
		var apiKey APIKey
		err := a.cache.Get(ctx, redisKey).Scan(&apiKey)
		if err == nil {
			return &apiKey, nil
		}
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "auth cache read failed", "error", err)
		}
	}

	apiKey, err := a.store.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		_ = a.cache.Set(ctx, redisKey, apiKey, cacheTTL).Err()
	}
	return apiKey, nil
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized: " + msg})
}

// Helpers to extract from context
func GetOrgID(ctx context.Context) string {
	if id, ok := ctx.Value(orgIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRateLimit returns the key's tokens-per-minute override, or 0.
func GetRateLimit(ctx context.Context) int64 {
	if n, ok := ctx.Value(rateLimitKey).(int64); ok {
		return n
	}
	return 0
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgIDKey, orgID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithAPIKeyID(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}
