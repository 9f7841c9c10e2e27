// Package storage keeps the in-memory view of active user observations. Each
// arrival is an event, not a set insertion: duplicate (name, ip) pairs are
// kept and insertion order is preserved.
package storage

import (
	"sync"

	"github.com/Mtoly/XrayIPGuard/api"
)

type ActiveUsers struct {
	mu    sync.RWMutex
	users map[string][]*api.User
}

func NewActiveUsers() *ActiveUsers {
	return &ActiveUsers{
		users: make(map[string][]*api.User),
	}
}

// AddUser appends the observation to the list for its name.
func (s *ActiveUsers) AddUser(user *api.User) {
	s.mu.Lock()
	s.users[user.Name] = append(s.users[user.Name], user)
	s.mu.Unlock()
}

// GetUsers returns the observations for name in arrival order.
func (s *ActiveUsers) GetUsers(name string) []*api.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.users[name]
	out := make([]*api.User, len(list))
	copy(out, list)
	return out
}

// GetUser returns the earliest observation still present for name, or nil.
func (s *ActiveUsers) GetUser(name string) *api.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if list := s.users[name]; len(list) > 0 {
		return list[0]
	}
	return nil
}

// GetLastUser returns the most recently added observation for name, or nil.
func (s *ActiveUsers) GetLastUser(name string) *api.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if list := s.users[name]; len(list) > 0 {
		return list[len(list)-1]
	}
	return nil
}

// DeleteUser removes every observation matching both name and ip.
func (s *ActiveUsers) DeleteUser(name, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.users[name]
	kept := list[:0]
	for _, u := range list {
		if u.IP != ip {
			kept = append(kept, u)
		}
	}
	if len(kept) == 0 {
		delete(s.users, name)
		return
	}
	s.users[name] = kept
}
