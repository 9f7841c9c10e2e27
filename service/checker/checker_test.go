package checker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mtoly/XrayIPGuard/api"
	"github.com/Mtoly/XrayIPGuard/common/exception"
	"github.com/Mtoly/XrayIPGuard/common/storage"
)

type fixedResolver struct {
	limits map[string]int
	err    error
}

func (r fixedResolver) Get(_ context.Context, name string) (*api.UserLimit, error) {
	if r.err != nil {
		return nil, r.err
	}
	limit, ok := r.limits[name]
	if !ok {
		return nil, nil
	}
	return &api.UserLimit{Name: name, Limit: limit}, nil
}

type recordingBanner struct {
	mu   sync.Mutex
	bans []*api.User
	ch   chan *api.User
}

func newRecordingBanner() *recordingBanner {
	return &recordingBanner{ch: make(chan *api.User, 16)}
}

func (b *recordingBanner) BanUser(_ context.Context, user *api.User) {
	b.mu.Lock()
	b.bans = append(b.bans, user)
	b.mu.Unlock()
	b.ch <- user
}

func (b *recordingBanner) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bans)
}

func (b *recordingBanner) waitBan(t *testing.T) *api.User {
	t.Helper()
	select {
	case u := <-b.ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("expected a ban to be dispatched")
		return nil
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	actions []api.ReplyAction
}

func (n *recordingNotifier) Notify(string) {}

func (n *recordingNotifier) NotifyWithAction(_ string, action api.ReplyAction) {
	n.mu.Lock()
	n.actions = append(n.actions, action)
	n.mu.Unlock()
}

type harness struct {
	store   *storage.ActiveUsers
	banner  *recordingBanner
	notif   *recordingNotifier
	checker *Checker
}

func newHarness(limits map[string]int, excepted api.ExceptedIPs, cfg Config) *harness {
	h := &harness{
		store:  storage.NewActiveUsers(),
		banner: newRecordingBanner(),
		notif:  &recordingNotifier{},
	}
	h.checker = New(h.store, fixedResolver{limits: limits}, excepted, h.banner, h.notif, cfg)
	return h
}

func (h *harness) feed(name, ip string) *api.User {
	u := &api.User{Name: name, IP: ip, Node: "n1", Inbound: "in"}
	h.checker.Check(context.Background(), u)
	return u
}

func TestNoEnforcementWhenLimitZero(t *testing.T) {
	h := newHarness(map[string]int{"alice": 0}, nil, Config{DefaultLimit: 2, STL: 3, IUL: 5})

	for i := 0; i < 10; i++ {
		h.feed("alice", fmt.Sprintf("10.0.0.%d", i+1))
	}

	require.Zero(t, h.banner.count())
	// Limit 0 short-circuits before the store is touched.
	require.Empty(t, h.store.GetUsers("alice"))
}

func TestDefaultLimitAppliesWithoutEntry(t *testing.T) {
	h := newHarness(nil, nil, Config{DefaultLimit: 2, STL: 3, IUL: 5})

	h.feed("alice", "10.0.0.1")
	h.feed("alice", "10.0.0.2")

	require.Zero(t, h.banner.count())
	require.Len(t, h.store.GetUsers("alice"), 2)
}

func TestExemptIPNeverAdmitted(t *testing.T) {
	excepted := exception.NewMemoryStore("10.0.0.9")
	h := newHarness(map[string]int{"bob": 1}, excepted, Config{DefaultLimit: 2, STL: 3, IUL: 5})

	h.feed("bob", "10.0.0.1")
	h.feed("bob", "10.0.0.9")
	h.feed("bob", "10.0.0.9")

	require.Zero(t, h.banner.count())
	users := h.store.GetUsers("bob")
	require.Len(t, users, 1)
	require.Equal(t, "10.0.0.1", users[0].IP)
}

func TestUnderThresholdNoBan(t *testing.T) {
	h := newHarness(map[string]int{"carol": 1}, nil, Config{DefaultLimit: 2, STL: 3, IUL: 5})

	h.feed("carol", "10.0.0.1")
	h.feed("carol", "10.0.0.2")
	h.feed("carol", "10.0.0.2")

	require.Zero(t, h.banner.count())
	require.Len(t, h.store.GetUsers("carol"), 3)
}

func TestThresholdReachedBansOldest(t *testing.T) {
	h := newHarness(map[string]int{"carol": 1}, nil, Config{DefaultLimit: 2, STL: 3, IUL: 5})

	// Alternate the two IPs so repeat evidence accumulates for both the
	// oldest (A) and the most recent (B/A) observation.
	first := h.feed("carol", "10.0.0.1")
	for _, ip := range []string{
		"10.0.0.2",
		"10.0.0.1", "10.0.0.2",
		"10.0.0.1", "10.0.0.2",
		"10.0.0.1",
	} {
		h.feed("carol", ip)
	}

	banned := h.banner.waitBan(t)
	require.Same(t, first, banned)
	require.Equal(t, "carol", banned.Name)
	require.Equal(t, "10.0.0.1", banned.IP)
	require.Equal(t, 1, h.banner.count())

	// Every (carol, 10.0.0.1) observation is gone from the store.
	for _, u := range h.store.GetUsers("carol") {
		require.NotEqual(t, "10.0.0.1", u.IP)
	}

	// The notification carries the banned IP as unban callback data.
	h.notif.mu.Lock()
	defer h.notif.mu.Unlock()
	require.Len(t, h.notif.actions, 1)
	require.Equal(t, "Unban IP", h.notif.actions[0].Label)
	require.Equal(t, "10.0.0.1", h.notif.actions[0].CallbackData)
}

func TestThresholdReachedBansNewest(t *testing.T) {
	h := newHarness(map[string]int{"carol": 1}, nil,
		Config{DefaultLimit: 2, STL: 3, IUL: 5, BanLastUser: true})

	var last *api.User
	for _, ip := range []string{
		"10.0.0.1", "10.0.0.2",
		"10.0.0.1", "10.0.0.2",
		"10.0.0.1", "10.0.0.2",
		"10.0.0.1",
	} {
		last = h.feed("carol", ip)
	}

	// The decision fires on an arrival of the oldest IP, so the newest
	// observation shares that IP; the target is the newest object itself.
	banned := h.banner.waitBan(t)
	require.Same(t, last, banned)
	require.Equal(t, "10.0.0.1", banned.IP)
	require.Equal(t, 1, h.banner.count())
}

func TestImbalanceRecoveryEvictsStaleOldest(t *testing.T) {
	h := newHarness(map[string]int{"dan": 1}, nil, Config{DefaultLimit: 2, STL: 5, IUL: 2})

	h.feed("dan", "10.0.0.1")
	for i := 0; i < 4; i++ {
		h.feed("dan", "10.0.0.2")
	}

	require.Zero(t, h.banner.count())
	// The stuck oldest entry was evicted without a ban.
	for _, u := range h.store.GetUsers("dan") {
		require.NotEqual(t, "10.0.0.1", u.IP)
	}
	require.NotEmpty(t, h.store.GetUsers("dan"))
	// The debounce list was purged of both targets.
	require.LessOrEqual(t, len(h.checker.repeated), 1)
}

func TestDuplicateObservationNoBan(t *testing.T) {
	h := newHarness(map[string]int{"erin": 2}, nil, Config{DefaultLimit: 2, STL: 3, IUL: 5})

	h.feed("erin", "10.0.0.1")
	h.feed("erin", "10.0.0.1")

	require.Zero(t, h.banner.count())
	require.Len(t, h.store.GetUsers("erin"), 2)
}

func TestResolverErrorDropsObservation(t *testing.T) {
	h := newHarness(nil, nil, Config{DefaultLimit: 2, STL: 3, IUL: 5})
	h.checker.resolver = fixedResolver{err: errors.New("panel down")}

	h.feed("frank", "10.0.0.1")

	require.Zero(t, h.banner.count())
	require.Empty(t, h.store.GetUsers("frank"))
}

func TestRunDrainsQueue(t *testing.T) {
	h := newHarness(map[string]int{"gail": 1}, nil, Config{DefaultLimit: 2, STL: 1, IUL: 10})

	q := NewQueue(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.checker.Run(ctx, q)
		close(done)
	}()

	require.True(t, q.Offer(&api.User{Name: "gail", IP: "10.0.0.1"}))
	require.True(t, q.Offer(&api.User{Name: "gail", IP: "10.0.0.2"}))
	require.True(t, q.Offer(&api.User{Name: "gail", IP: "10.0.0.1"}))

	banned := h.banner.waitBan(t)
	require.Equal(t, "gail", banned.Name)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on cancel")
	}
}
