package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheTTL = 5 * time.Minute

// Cache is the subset of redis.Cmdable the resolver needs.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Resolver looks up the caller's organization, caching hits in redis.
// Lookup failures degrade to the guest profile instead of failing the request.
type Resolver struct {
	store     Store
	cache     Cache
	guestPlan Plan
}

func NewResolver(store Store, cache Cache, guestPlan Plan) *Resolver {
	return &Resolver{store: store, cache: cache, guestPlan: guestPlan}
}

func (r *Resolver) Guest() *Organization {
	return GuestOrganization(r.guestPlan)
}

func (r *Resolver) Resolve(ctx context.Context, userID string) *Organization {
	if userID == "" {
		return r.Guest()
	}

	key := fmt.Sprintf("org:%s", userID)
	if r.cache != nil {
		var org Organization
		err := r.cache.Get(ctx, key).Scan(&org)
		if err == nil {
			return &org
		}
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "organization cache read failed", "user_id", userID, "error", err)
		}
	}

	org, err := r.store.GetOrganization(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "organization lookup failed, using guest profile", "user_id", userID, "error", err)
		return r.Guest()
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, org, cacheTTL).Err(); err != nil {
			slog.WarnContext(ctx, "organization cache write failed", "user_id", userID, "error", err)
		}
	}
	return org
}
