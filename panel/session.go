package panel

import "sync"

// Session holds the panel credentials and the bearer token. The token is
// populated on the first successful auth and cleared on any 401; the next
// authenticated operation re-authenticates lazily.
type Session struct {
	Username string
	Password string
	Domain   string

	mu    sync.Mutex
	token string
}

func NewSession(username, password, domain string) *Session {
	return &Session{
		Username: username,
		Password: password,
		Domain:   domain,
	}
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Session) ClearToken() {
	s.SetToken("")
}
