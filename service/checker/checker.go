// Package checker is the violation detector: it drains the log queue on a
// single consumer, keeps the per-user active-IP view, and decides when a
// (user, ip) pair has shown enough repeated over-limit evidence to ban.
package checker

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/api"
	"github.com/Mtoly/XrayIPGuard/common/limiter"
	"github.com/Mtoly/XrayIPGuard/common/storage"
)

const resolveTimeout = 10 * time.Second

// debounceMax caps the repeated-out-of-limits list between purges; beyond it
// the oldest entries are dropped so extreme violation rates cannot grow the
// list without bound.
const debounceMax = 4096

// Config carries the enforcement knobs.
type Config struct {
	// DefaultLimit applies when the resolver has no entry for a user.
	DefaultLimit int
	// STL is the minimum count of repeated over-limit observations for both
	// the oldest and the newest (name, ip) before a ban is issued.
	STL int
	// IUL is the maximum tolerable asymmetry between the two repeat counts
	// before the oldest store entry is evicted as stale instead of banned.
	IUL int
	// BanLastUser bans the most recent observation instead of the oldest.
	BanLastUser bool
	// Accepted includes the accepted destination in ban notifications.
	Accepted bool
}

// Checker consumes observations from the queue. All mutable state (the
// store, the debounce list, the in-process set) is confined to the single
// consumer goroutine; no locking beyond the store's own.
type Checker struct {
	storage  *storage.ActiveUsers
	resolver limiter.Resolver
	excepted api.ExceptedIPs
	banner   api.Banner
	notify   api.Notifier
	cfg      Config

	inProcessIPs map[string]struct{}
	repeated     []*api.User
}

func New(store *storage.ActiveUsers, resolver limiter.Resolver, excepted api.ExceptedIPs,
	banner api.Banner, notifier api.Notifier, cfg Config) *Checker {
	return &Checker{
		storage:      store,
		resolver:     resolver,
		excepted:     excepted,
		banner:       banner,
		notify:       notifier,
		cfg:          cfg,
		inProcessIPs: make(map[string]struct{}),
	}
}

// Run drains the queue until the context is cancelled. A panicking check is
// logged and the consumer keeps draining.
func (c *Checker) Run(ctx context.Context, queue *Queue) {
	for {
		user, ok := queue.Take(ctx)
		if !ok {
			return
		}
		c.safeCheck(ctx, user)
	}
}

func (c *Checker) safeCheck(ctx context.Context, user *api.User) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Error in log processor: %v", r)
		}
	}()
	c.Check(ctx, user)
}

// Check runs the full decision for one observation.
func (c *Checker) Check(ctx context.Context, user *api.User) {
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	resolved, err := c.resolver.Get(rctx, user.Name)
	cancel()
	if err != nil {
		// Dropped for this event; the next observation for the same user
		// retries.
		log.WithFields(log.Fields{
			"user": user.Name,
			"err":  err,
		}).Error("limit resolution failed, dropping observation")
		return
	}

	userLimit := c.cfg.DefaultLimit
	if resolved != nil {
		userLimit = resolved.Limit
	}

	if userLimit == 0 || (c.excepted != nil && c.excepted.IsExcepted(user.IP)) {
		return
	}

	c.storage.AddUser(user)

	users := c.storage.GetUsers(user.Name)
	if len(users) <= userLimit {
		return
	}
	if _, inFlight := c.inProcessIPs[user.IP]; inFlight {
		return
	}

	oldest := c.storage.GetUser(user.Name)
	newest := c.storage.GetLastUser(user.Name)
	if oldest == nil {
		return
	}

	c.repeated = append(c.repeated, user)
	if len(c.repeated) > debounceMax {
		c.repeated = c.repeated[len(c.repeated)-debounceMax:]
	}

	rlLen := c.countRepeated(oldest)
	rlLastLen := c.countRepeated(newest)

	log.Debugf("rl length: %d", rlLen)
	log.Debugf("rl last length: %d", rlLastLen)

	if rlLen < c.cfg.STL || rlLastLen < c.cfg.STL {
		if abs(rlLen-rlLastLen) > c.cfg.IUL {
			// Lopsided evidence: the oldest store entry is stale. Recover
			// the store without banning anyone.
			c.purgeRepeated(oldest, user)
			c.storage.DeleteUser(oldest.Name, oldest.IP)
		}
		return
	}

	c.purgeRepeated(oldest, user)

	c.inProcessIPs[oldest.IP] = struct{}{}

	target := oldest
	if c.cfg.BanLastUser {
		target = newest
	}
	go c.banner.BanUser(context.WithoutCancel(ctx), target)

	delete(c.inProcessIPs, oldest.IP)

	c.storage.DeleteUser(oldest.Name, oldest.IP)

	message := fmt.Sprintf("banned user %s with ip %s\nnode: %s\ninbound: %s",
		oldest.Name, oldest.IP, oldest.Node, oldest.Inbound)
	if c.cfg.Accepted {
		message += "\naccepted: " + oldest.Accepted
	}
	log.Info(message)

	c.notify.NotifyWithAction(message, api.ReplyAction{
		Label:        "Unban IP",
		CallbackData: oldest.IP,
	})
}

func (c *Checker) countRepeated(target *api.User) int {
	n := 0
	for _, r := range c.repeated {
		if r.Name == target.Name && r.IP == target.IP {
			n++
		}
	}
	return n
}

// purgeRepeated drops every debounce entry matching either target pair.
func (c *Checker) purgeRepeated(a, b *api.User) {
	kept := c.repeated[:0]
	for _, r := range c.repeated {
		if (r.Name == a.Name && r.IP == a.IP) || (r.Name == b.Name && r.IP == b.IP) {
			continue
		}
		kept = append(kept, r)
	}
	c.repeated = kept
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
