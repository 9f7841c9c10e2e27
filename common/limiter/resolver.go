// Package limiter resolves the concurrent-IP limit for a user, either from a
// durable local store or from the panel behind a TTL cache.
package limiter

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/marshaler"
	"github.com/eko/gocache/lib/v4/store"
	goCacheStore "github.com/eko/gocache/store/go_cache/v4"
	redisStore "github.com/eko/gocache/store/redis/v4"
	goCache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/api"
	"github.com/Mtoly/XrayIPGuard/panel"
)

// Resolver returns the concurrent-IP limit for a user. A nil result means the
// resolver has no entry and the caller should apply its default.
type Resolver interface {
	Get(ctx context.Context, name string) (*api.UserLimit, error)
}

// RedisConfig enables a second cache tier behind the in-process one for the
// panel-mode resolver, so restarts and sibling processes share warm entries.
type RedisConfig struct {
	Enable   bool   `mapstructure:"Enable"`
	Network  string `mapstructure:"Network"`
	Addr     string `mapstructure:"Addr"`
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
	DB       int    `mapstructure:"DB"`
}

// ParseServices parses a "sid:limit,sid:limit,..." mapping. Malformed items
// are skipped with a log entry.
func ParseServices(servicesStr string) map[int]int {
	limits := make(map[int]int)
	if servicesStr == "" {
		return limits
	}
	for _, item := range strings.Split(servicesStr, ",") {
		sidStr, limitStr, found := strings.Cut(item, ":")
		if !found {
			continue
		}
		sid, err := strconv.Atoi(strings.TrimSpace(sidStr))
		if err != nil {
			log.Errorf("Failed to parse service id %q: %v", sidStr, err)
			continue
		}
		limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
		if err != nil {
			log.Errorf("Failed to parse service limit %q: %v", limitStr, err)
			continue
		}
		limits[sid] = limit
	}
	return limits
}

// userFetcher is the slice of the panel client the resolver needs.
type userFetcher interface {
	GetUser(ctx context.Context, username string) (*panel.User, error)
}

var _ userFetcher = (*panel.Client)(nil)

// PanelResolver resolves limits against the panel's user records: the limit
// is the value of the first service id that appears in the configured
// services mapping, or 0 when none match. Results sit in a TTL cache; a miss
// pre-inserts a {name, 0} sentinel so a re-entrant lookup reads limit 0 and
// skips enforcement instead of stacking panel fetches.
type PanelResolver struct {
	fetch    userFetcher
	services map[int]int
	cache    *marshaler.Marshaler
}

func NewPanelResolver(fetch userFetcher, services map[int]int, ttl time.Duration, redisCfg *RedisConfig) *PanelResolver {
	// Local go-cache store first; if redis is configured, chain it behind as
	// a shared second tier.
	gs := goCacheStore.NewGoCache(goCache.New(ttl, 1*time.Minute))

	var manager cache.CacheInterface[any] = cache.New[any](gs)
	if redisCfg != nil && redisCfg.Enable {
		rs := redisStore.NewRedis(redis.NewClient(
			&redis.Options{
				Network:  redisCfg.Network,
				Addr:     redisCfg.Addr,
				Username: redisCfg.Username,
				Password: redisCfg.Password,
				DB:       redisCfg.DB,
			}),
			store.WithExpiration(ttl))
		manager = cache.NewChain[any](cache.New[any](gs), cache.New[any](rs))
	}

	return &PanelResolver{
		fetch:    fetch,
		services: services,
		cache:    marshaler.New(manager),
	}
}

func (r *PanelResolver) Get(ctx context.Context, name string) (*api.UserLimit, error) {
	if v, err := r.cache.Get(ctx, name, new(api.UserLimit)); err == nil {
		if cached, ok := v.(*api.UserLimit); ok {
			cp := *cached
			return &cp, nil
		}
	} else if _, ok := err.(*store.NotFound); !ok {
		log.WithField("err", err).Debug("limit cache read failed")
	}

	// Sentinel pre-insert: best-effort single flight, fail-open for races.
	if err := r.cache.Set(ctx, name, &api.UserLimit{Name: name, Limit: 0}); err != nil {
		log.WithField("err", err).Debug("limit cache sentinel write failed")
	}

	user, err := r.fetch.GetUser(ctx, name)
	if err != nil {
		return nil, err
	}

	limit := 0
	matched := 0
	if user != nil {
		for _, sid := range user.ServiceIDs {
			if l, ok := r.services[sid]; ok {
				limit = l
				matched = sid
				break
			}
		}
	}

	resolved := &api.UserLimit{Name: name, Limit: limit}
	if err := r.cache.Set(ctx, name, resolved); err != nil {
		log.WithField("err", err).Debug("limit cache write failed")
	}

	if limit > 0 && user != nil {
		log.Infof("Synced user %s (services: %v) -> matched service %d -> limit %d",
			name, user.ServiceIDs, matched, limit)
	}

	cp := *resolved
	return &cp, nil
}
