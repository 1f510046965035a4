package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter that
// meters tokens per organization per minute. Organizations whose API key
// carries its own limit get a separate bucket sized to it.
type Limiter struct {
	defaultTPM int64
	newStore   func(tpm int64) extratelimit.Limiter

	mu     sync.Mutex
	stores map[int64]extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	return &Limiter{
		defaultTPM: defaultTPM,
		newStore: func(tpm int64) extratelimit.Limiter {
			return extratelimit.NewRedisStore(rdb,
				extratelimit.WithLimit(int(tpm)),
				extratelimit.WithWindow(time.Minute),
			)
		},
		stores: make(map[int64]extratelimit.Limiter),
	}
}

// NewTestLimiter serves every limit from store.
func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{
		newStore: func(int64) extratelimit.Limiter { return store },
		stores:   make(map[int64]extratelimit.Limiter),
	}
}

func (l *Limiter) store(tpm int64) extratelimit.Limiter {
	if tpm <= 0 {
		tpm = l.defaultTPM
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stores[tpm]
	if !ok {
		s = l.newStore(tpm)
		l.stores[tpm] = s
	}
	return s
}

func key(orgID string) string {
	return fmt.Sprintf("ratelimit:org:%s", orgID)
}

// Allow consumes tokens from the organization's bucket. tpm overrides the
// default limit when positive.
func (l *Limiter) Allow(ctx context.Context, orgID string, tokens int, tpm int64) (bool, error) {
	res, err := l.store(tpm).AllowN(ctx, key(orgID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, orgID string, tpm int64) (*extratelimit.Result, error) {
	return l.store(tpm).Status(ctx, key(orgID))
}
