// Package exception reads the operator-maintained excepted-IP list. Excepted
// IPs are invisible to the enforcement logic: they are never admitted to the
// active-users store and never banned.
package exception

import (
	"os"
	"sync"

	"github.com/bitly/go-simplejson"
	log "github.com/sirupsen/logrus"
)

// FileStore loads excepted IPs from a JSON file: either a bare array of
// strings or an array of {"ip": "..."} records.
type FileStore struct {
	path string

	mu  sync.RWMutex
	ips map[string]struct{}
}

func NewFileStore(path string) *FileStore {
	s := &FileStore{
		path: path,
		ips:  make(map[string]struct{}),
	}
	if path != "" {
		if err := s.Reload(); err != nil {
			log.WithFields(log.Fields{
				"path": path,
				"err":  err,
			}).Warn("excepted IP list not loaded")
		}
	}
	return s
}

// Reload re-reads the backing file, replacing the in-memory set.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	js, err := simplejson.NewJson(data)
	if err != nil {
		return err
	}

	arr, err := js.Array()
	if err != nil {
		return err
	}

	ips := make(map[string]struct{}, len(arr))
	for i := range arr {
		item := js.GetIndex(i)
		if ip, err := item.String(); err == nil {
			ips[ip] = struct{}{}
			continue
		}
		if ip := item.Get("ip").MustString(); ip != "" {
			ips[ip] = struct{}{}
		}
	}

	s.mu.Lock()
	s.ips = ips
	s.mu.Unlock()
	return nil
}

func (s *FileStore) IsExcepted(ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ips[ip]
	return ok
}

// MemoryStore is an in-memory excepted-IP set, used when no file is
// configured and by tests.
type MemoryStore struct {
	mu  sync.RWMutex
	ips map[string]struct{}
}

func NewMemoryStore(ips ...string) *MemoryStore {
	s := &MemoryStore{ips: make(map[string]struct{}, len(ips))}
	for _, ip := range ips {
		s.ips[ip] = struct{}{}
	}
	return s
}

func (s *MemoryStore) Add(ip string) {
	s.mu.Lock()
	s.ips[ip] = struct{}{}
	s.mu.Unlock()
}

func (s *MemoryStore) IsExcepted(ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ips[ip]
	return ok
}
