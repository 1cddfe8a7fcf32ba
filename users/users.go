// Package users keeps the account repository backend connections
// authenticate against. The repository is replaced wholesale on
// refresh; lookups go through a small TTL cache so a hot login path
// does not hit the map under churn.
package users

import (
	"crypto/sha1"
	"encoding/hex"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"gopkg.in/ini.v1"
)

// Account is one user entry. SHA1 is SHA1(password).
type Account struct {
	User        string
	SHA1        [20]byte
	HasPassword bool
}

// Service is the user list. Safe for concurrent use: the account map is
// swapped atomically on refresh (copy-on-refresh) and never mutated in
// place.
type Service struct {
	file     string
	ttl      time.Duration
	accounts atomic.Value // map[string]Account
	cache    otter.CacheWithVariableTTL[string, Account]
	mu       sync.Mutex // serializes Refresh
}

// New creates a service backed by an INI file of accounts and loads it.
func New(file string, cacheSize int, ttl time.Duration) (*Service, error) {
	s, err := newService(cacheSize, ttl)
	if err != nil {
		return nil, err
	}
	s.file = file
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStatic creates a service from a fixed account set, used by tests
// and embedded setups. Refresh is a no-op that reports success.
func NewStatic(accounts map[string]Account) *Service {
	s, err := newService(64, time.Minute)
	if err != nil {
		// cache construction only fails on invalid sizes
		panic(err)
	}
	s.accounts.Store(accounts)
	return s
}

func newService(cacheSize int, ttl time.Duration) (*Service, error) {
	cache, err := otter.MustBuilder[string, Account](cacheSize).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}
	s := &Service{ttl: ttl, cache: cache}
	s.accounts.Store(map[string]Account{})
	return s, nil
}

// Fetch looks up an account by user name.
func (s *Service) Fetch(user string) (Account, bool) {
	if a, ok := s.cache.Get(user); ok {
		return a, true
	}
	accounts := s.accounts.Load().(map[string]Account)
	a, ok := accounts[user]
	if ok {
		s.cache.Set(user, a, s.ttl)
	}
	return a, ok
}

// Refresh reloads the account file and swaps the repository. Stale
// cache entries are dropped so the next lookup sees the new data.
func (s *Service) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == "" {
		s.cache.Clear()
		return nil
	}
	cfg, err := ini.Load(s.file)
	if err != nil {
		return err
	}
	accounts := make(map[string]Account)
	for _, sec := range cfg.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection {
			continue
		}
		a := Account{User: name}
		if h := sec.Key("password_sha1").String(); h != "" {
			raw, err := hex.DecodeString(h)
			if err != nil || len(raw) != sha1.Size {
				log.Printf("[Users] Ignoring %s: bad password_sha1", name)
				continue
			}
			copy(a.SHA1[:], raw)
			a.HasPassword = true
		} else if pw := sec.Key("password").String(); pw != "" {
			a.SHA1 = sha1.Sum([]byte(pw))
			a.HasPassword = true
		}
		accounts[name] = a
	}
	s.accounts.Store(accounts)
	s.cache.Clear()
	log.Printf("[Users] Loaded %d accounts from %s", len(accounts), s.file)
	return nil
}

// Len returns the number of loaded accounts.
func (s *Service) Len() int {
	return len(s.accounts.Load().(map[string]Account))
}
