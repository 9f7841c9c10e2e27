package limiter

import (
	"context"
	"encoding/gob"
	"sync"

	goCache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/api"
)

func init() {
	// go-cache persists via gob; the stored value type must be registered.
	gob.Register(api.UserLimit{})
}

// LocalResolver is the panel-independent mode: a durable (name -> limit)
// store kept in memory and snapshotted to disk on every mutation. A miss
// resolves to the configured default limit.
type LocalResolver struct {
	mu           sync.Mutex
	store        *goCache.Cache
	path         string
	defaultLimit int
}

func NewLocalResolver(path string, defaultLimit int) *LocalResolver {
	c := goCache.New(goCache.NoExpiration, 0)
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			log.WithFields(log.Fields{
				"path": path,
				"err":  err,
			}).Debug("no local limit store loaded")
		}
	}
	return &LocalResolver{
		store:        c,
		path:         path,
		defaultLimit: defaultLimit,
	}
}

func (r *LocalResolver) Get(_ context.Context, name string) (*api.UserLimit, error) {
	if v, ok := r.store.Get(name); ok {
		if cached, ok := v.(api.UserLimit); ok {
			cp := cached
			return &cp, nil
		}
	}
	return &api.UserLimit{Name: name, Limit: r.defaultLimit}, nil
}

// Set stores or replaces the limit for name and persists the store.
func (r *LocalResolver) Set(name string, limit int) {
	r.store.Set(name, api.UserLimit{Name: name, Limit: limit}, goCache.NoExpiration)
	r.persist()
}

// Delete removes the entry for name and persists the store.
func (r *LocalResolver) Delete(name string) {
	r.store.Delete(name)
	r.persist()
}

func (r *LocalResolver) persist() {
	if r.path == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.SaveFile(r.path); err != nil {
		log.WithFields(log.Fields{
			"path": r.path,
			"err":  err,
		}).Error("failed to persist local limit store")
	}
}
