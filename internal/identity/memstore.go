package identity

import (
	"context"
	"sort"
	"sync"
	"time"
)

type grantKey struct {
	principalID string
	application string
	role        string
}

// MemStore is an in-memory Store used by tests and single-process development
// runs. All operations are guarded by one mutex.
type MemStore struct {
	mu           sync.Mutex
	principals   map[string]Principal // by id
	applications map[string]Application
	roles        map[string]map[string]struct{} // application -> role names
	grants       map[grantKey]Grant
	now          func() time.Time
}

var _ Store = (*MemStore)(nil)

// MemStoreOption configures MemStore behavior.
type MemStoreOption func(*MemStore)

// WithMemClock overrides the time source (useful for tests).
func WithMemClock(fn func() time.Time) MemStoreOption {
	return func(s *MemStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewMemStore(opts ...MemStoreOption) *MemStore {
	s := &MemStore{
		principals:   map[string]Principal{},
		applications: map[string]Application{},
		roles:        map[string]map[string]struct{}{},
		grants:       map[grantKey]Grant{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SeedApplication registers an application and its roles, mirroring what
// seed SQL does for the PostgreSQL store.
func (s *MemStore) SeedApplication(app Application, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = s.now().UTC()
	}
	s.applications[app.Name] = app
	set := s.roles[app.Name]
	if set == nil {
		set = map[string]struct{}{}
		s.roles[app.Name] = set
	}
	for _, r := range roles {
		set[r] = struct{}{}
	}
}

func (s *MemStore) FindPrincipalByUsername(ctx context.Context, username string) (*Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.principals {
		if p.Username == username {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) FindPrincipalByID(ctx context.Context, id string) (*Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (s *MemStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.principals {
		if existing.Username == p.Username {
			return ErrDuplicateUsername
		}
		if p.Email != "" && existing.Email == p.Email {
			return ErrDuplicateEmail
		}
	}
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.principals[p.ID] = *p
	return nil
}

func (s *MemStore) UpdatePrincipal(ctx context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[p.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range s.principals {
		if id == p.ID {
			continue
		}
		if existing.Username == p.Username {
			return ErrDuplicateUsername
		}
		if p.Email != "" && existing.Email == p.Email {
			return ErrDuplicateEmail
		}
	}
	p.UpdatedAt = s.now().UTC()
	s.principals[p.ID] = *p
	return nil
}

func (s *MemStore) DeletePrincipal(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[id]; !ok {
		return ErrNotFound
	}
	delete(s.principals, id)
	for key := range s.grants {
		if key.principalID == id {
			delete(s.grants, key)
		}
	}
	return nil
}

func (s *MemStore) FindApplication(ctx context.Context, name string) (*Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.applications[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := app
	return &cp, nil
}

func (s *MemStore) FindRole(ctx context.Context, application, name string) (*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.roles[application]; ok {
		if _, ok := set[name]; ok {
			return &Role{Application: application, Name: name}, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) CurrentRoles(ctx context.Context, principalID, application string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var roles []string
	for key, g := range s.grants {
		if key.principalID != principalID || key.application != application {
			continue
		}
		if g.Expired(now) {
			continue
		}
		roles = append(roles, key.role)
	}
	sort.Strings(roles)
	return roles, nil
}

func (s *MemStore) AllCurrentRoles(ctx context.Context, principalID string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	out := map[string][]string{}
	for key, g := range s.grants {
		if key.principalID != principalID || g.Expired(now) {
			continue
		}
		out[key.application] = append(out[key.application], key.role)
	}
	for app := range out {
		sort.Strings(out[app])
	}
	return out, nil
}

func (s *MemStore) UpsertGrant(ctx context.Context, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey{principalID: g.PrincipalID, application: g.Application, role: g.Role}
	s.grants[key] = g
	return nil
}

func (s *MemStore) DeleteGrant(ctx context.Context, principalID, application, role string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey{principalID: principalID, application: application, role: role}
	if _, ok := s.grants[key]; !ok {
		return 0, nil
	}
	delete(s.grants, key)
	return 1, nil
}

func (s *MemStore) DeleteGrantsByApplication(ctx context.Context, principalID, application string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	for key := range s.grants {
		if key.principalID == principalID && key.application == application {
			delete(s.grants, key)
			affected++
		}
	}
	return affected, nil
}

func (s *MemStore) DeleteAllGrants(ctx context.Context, principalID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	for key := range s.grants {
		if key.principalID == principalID {
			delete(s.grants, key)
			affected++
		}
	}
	return affected, nil
}

// GrantCount reports the number of stored grants (expired included).
func (s *MemStore) GrantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}
