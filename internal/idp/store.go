// Package idp serves identity-provider management over XRPC: registering
// OpenID Connect providers, listing them, and streaming new registrations.
package idp

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrExists is returned when a provider id is already registered.
var ErrExists = errors.New("identity provider already exists")

// ErrSlowConsumer is returned from a watch whose subscriber fell behind.
var ErrSlowConsumer = errors.New("identity provider subscriber fell behind")

// Endpoints are the provider's OAuth endpoints.
type Endpoints struct {
	Authorization string `json:"authorization"`
	Token         string `json:"token"`
	UserInfo      string `json:"userInfo,omitempty"`
}

// Mappings name the claims that carry user attributes.
type Mappings struct {
	Sub     string `json:"sub"`
	Picture string `json:"picture,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Metadata is the static configuration of a provider that does not support
// discovery.
type Metadata struct {
	Endpoints            Endpoints `json:"endpoints"`
	Mappings             Mappings  `json:"mappings"`
	AuthMethods          []string  `json:"authMethods"`
	ScopesSupported      []string  `json:"scopesSupported"`
	CodeChallengeMethods []string  `json:"codeChallengeMethods,omitempty"`
}

// IdentityProvider is one registered provider.
type IdentityProvider struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Icon         string    `json:"icon,omitempty"`
	Issuer       string    `json:"issuer"`
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	Scopes       []string  `json:"scopes"`
	UsePKCE      bool      `json:"usePkce"`
	Discoverable bool      `json:"discoverable"`
	Metadata     *Metadata `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"-"`
}

// Summary is the public view of a provider.
type Summary struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Icon string `json:"icon,omitempty"`
}

// Summary returns the public view of p.
func (p IdentityProvider) Summary() Summary {
	return Summary{ID: p.ID, Name: p.Name, Icon: p.Icon}
}

// watchBuffer is how many unread registrations a watcher may lag behind.
const watchBuffer = 16

type watcher struct {
	ch     chan IdentityProvider
	failed bool
}

// Store keeps identity providers in memory and fans out registrations to
// watchers.
type Store struct {
	mu        sync.RWMutex
	providers map[string]IdentityProvider
	watchers  map[*watcher]struct{}
	now       func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		providers: make(map[string]IdentityProvider),
		watchers:  make(map[*watcher]struct{}),
		now:       time.Now,
	}
}

// Create registers p, assigning an id when p.ID is empty. It returns
// ErrExists when the id is taken.
func (s *Store) Create(p IdentityProvider) (IdentityProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := s.providers[p.ID]; ok {
		return IdentityProvider{}, ErrExists
	}
	p.CreatedAt = s.now()
	s.providers[p.ID] = p

	for w := range s.watchers {
		select {
		case w.ch <- p:
		default:
			// Watcher is too slow; end its stream.
			w.failed = true
			close(w.ch)
			delete(s.watchers, w)
		}
	}
	return p, nil
}

// Get returns the provider with the given id.
func (s *Store) Get(id string) (IdentityProvider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	return p, ok
}

// List returns up to limit providers ordered by id, starting after cursor.
// The returned cursor is empty on the last page.
func (s *Store) List(cursor string, limit int) ([]IdentityProvider, string) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.providers))
	for id := range s.providers {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	next := ""
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
		next = ids[limit-1]
	}
	out := make([]IdentityProvider, len(ids))
	for i, id := range ids {
		out[i] = s.providers[id]
	}
	s.mu.RUnlock()
	return out, next
}

// Watch returns the providers registered so far and a channel receiving
// later registrations. The channel is closed when cancel is called or when
// the watcher falls more than a small buffer behind; Err tells the two
// apart.
func (s *Store) Watch() (existing []IdentityProvider, w *Watch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing = make([]IdentityProvider, 0, len(s.providers))
	for _, p := range s.providers {
		existing = append(existing, p)
	}
	sort.Slice(existing, func(i, j int) bool {
		return existing[i].CreatedAt.Before(existing[j].CreatedAt) ||
			existing[i].CreatedAt.Equal(existing[j].CreatedAt) && existing[i].ID < existing[j].ID
	})

	inner := &watcher{ch: make(chan IdentityProvider, watchBuffer)}
	s.watchers[inner] = struct{}{}
	return existing, &Watch{store: s, w: inner}
}

// Watch is a live feed of registrations.
type Watch struct {
	store *Store
	w     *watcher
	once  sync.Once
}

// C delivers registrations in order.
func (w *Watch) C() <-chan IdentityProvider {
	return w.w.ch
}

// Err reports why C was closed: ErrSlowConsumer, or nil after Cancel.
func (w *Watch) Err() error {
	w.store.mu.RLock()
	defer w.store.mu.RUnlock()
	if w.w.failed {
		return ErrSlowConsumer
	}
	return nil
}

// Cancel stops the feed. It is safe to call more than once.
func (w *Watch) Cancel() {
	w.once.Do(func() {
		w.store.mu.Lock()
		defer w.store.mu.Unlock()
		if _, ok := w.store.watchers[w.w]; ok {
			delete(w.store.watchers, w.w)
			close(w.w.ch)
		}
	})
}

// Len returns the number of registered providers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.providers)
}

// Watchers returns the number of open watches.
func (s *Store) Watchers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers)
}
