package scraper

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-catalog/config"
)

const sessionHostMemory = 64

// Session is the identity and cookie state one worker presents to the
// listing hosts. Sessions are never shared between partitions that run in
// parallel.
type Session struct {
	mu         sync.Mutex
	identities []config.Identity
	offset     int
	lastByHost *lru.Cache[string, int]
	jar        http.CookieJar
	rotations  int
}

// NewSession builds a session over the identity pool. offset staggers the
// starting identity so parallel sessions do not open with the same header
// set.
func NewSession(identities []config.Identity, offset int) (*Session, error) {
	if len(identities) == 0 {
		return nil, config.Fatal(fmt.Errorf("identity pool cannot be empty"))
	}
	cache, err := lru.New[string, int](sessionHostMemory)
	if err != nil {
		return nil, fmt.Errorf("host identity cache: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	pool := make([]config.Identity, len(identities))
	copy(pool, identities)
	if offset < 0 {
		offset = -offset
	}
	return &Session{
		identities: pool,
		offset:     offset % len(pool),
		lastByHost: cache,
		jar:        jar,
	}, nil
}

// Next returns the identity for the next attempt against host. With more
// than one identity in the pool it never repeats the identity used on the
// previous attempt to the same host.
func (s *Session) Next(host string) config.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.offset
	if last, ok := s.lastByHost.Get(host); ok {
		idx = (last + 1) % len(s.identities)
	}
	s.lastByHost.Add(host, idx)
	return s.identities[idx]
}

// Rotate discards cookies and shifts the identity cycle, so the session
// looks like a new visitor after a rate-limit signal.
func (s *Session) Rotate() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jar = jar
	s.rotations++
	for _, host := range s.lastByHost.Keys() {
		if last, ok := s.lastByHost.Peek(host); ok && len(s.identities) > 2 {
			s.lastByHost.Add(host, (last+1)%len(s.identities))
		}
	}
	return nil
}

// Jar returns the current cookie jar.
func (s *Session) Jar() http.CookieJar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jar
}

// Rotations reports how many times the session was rotated.
func (s *Session) Rotations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotations
}
