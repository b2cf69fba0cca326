package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("tenant not found")
	ErrInactive = errors.New("tenant is inactive")
)

// Tenant is one configured project. Credentials never leave the process
// through logs or the status API.
type Tenant struct {
	ID            string `yaml:"id" json:"id"`
	Slug          string `yaml:"slug" json:"slug"`
	Repository    string `yaml:"repository" json:"repository"` // owner/name
	WebhookSecret string `yaml:"webhook_secret" json:"-"`
	GitHubToken   string `yaml:"github_token" json:"-"`
	Active        bool   `yaml:"active" json:"active"`
}

func (t Tenant) validate() error {
	if t.ID == "" || t.Slug == "" {
		return errors.New("tenant id and slug are required")
	}
	if t.Repository == "" {
		return fmt.Errorf("tenant %s: repository is required", t.ID)
	}
	if t.WebhookSecret == "" {
		return fmt.Errorf("tenant %s: webhook secret is required", t.ID)
	}
	return nil
}

// Store looks tenants up by id or by the slug used in webhook URLs
type Store interface {
	Get(ctx context.Context, id string) (Tenant, error)
	BySlug(ctx context.Context, slug string) (Tenant, error)
}

// Context is the per-task tenant view passed to executors. It is a value;
// nothing about the tenant is held process-wide.
type Context struct {
	Tenant
}

// Owner and Name split Repository
func (c Context) Owner() string {
	owner, _ := splitRepo(c.Repository)
	return owner
}

func (c Context) Name() string {
	_, name := splitRepo(c.Repository)
	return name
}

func splitRepo(repo string) (string, string) {
	owner, name, _ := strings.Cut(repo, "/")
	return owner, name
}

type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve loads the tenant and refuses inactive ones
func (r *Resolver) Resolve(ctx context.Context, id string) (Context, error) {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return Context{}, err
	}
	if !t.Active {
		return Context{}, fmt.Errorf("%w: %s", ErrInactive, id)
	}
	return Context{Tenant: t}, nil
}

// Memory is a Store for tests and single-process setups
type Memory struct {
	mu     sync.RWMutex
	byID   map[string]Tenant
	bySlug map[string]string
}

func NewMemory(tenants ...Tenant) *Memory {
	m := &Memory{byID: make(map[string]Tenant), bySlug: make(map[string]string)}
	for _, t := range tenants {
		m.Put(t)
	}
	return m
}

// Put adds or replaces a tenant
func (m *Memory) Put(t Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byID[t.ID]; ok {
		delete(m.bySlug, old.Slug)
	}
	m.byID[t.ID] = t
	m.bySlug[t.Slug] = t.ID
}

// replace swaps the whole set at once
func (m *Memory) replace(tenants []Tenant) {
	byID := make(map[string]Tenant, len(tenants))
	bySlug := make(map[string]string, len(tenants))
	for _, t := range tenants {
		byID[t.ID] = t
		bySlug[t.Slug] = t.ID
	}
	m.mu.Lock()
	m.byID, m.bySlug = byID, bySlug
	m.mu.Unlock()
}

func (m *Memory) Get(ctx context.Context, id string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return Tenant{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

func (m *Memory) BySlug(ctx context.Context, slug string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySlug[slug]
	if !ok {
		return Tenant{}, fmt.Errorf("%w: slug %s", ErrNotFound, slug)
	}
	return m.byID[id], nil
}

func (m *Memory) List() []Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tenant, 0, len(m.byID))
	for _, t := range m.byID {
		out = append(out, t)
	}
	return out
}
