package tenant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/austindbirch/hookloop/internal/logging"
)

const reloadDebounce = 200 * time.Millisecond

type fileTenant struct {
	ID            string `yaml:"id"`
	Slug          string `yaml:"slug"`
	Repository    string `yaml:"repository"`
	WebhookSecret string `yaml:"webhook_secret"`
	GitHubToken   string `yaml:"github_token"`
	Active        *bool  `yaml:"active"` // absent means active
}

type fileConfig struct {
	Tenants []fileTenant `yaml:"tenants"`
}

// ParseFile decodes a tenants file. Secrets may reference the environment
// as ${VAR}.
func ParseFile(data []byte) ([]Tenant, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode tenants file: %w", err)
	}

	seenID := make(map[string]bool)
	seenSlug := make(map[string]bool)
	out := make([]Tenant, 0, len(cfg.Tenants))
	for _, ft := range cfg.Tenants {
		t := Tenant{
			ID:            ft.ID,
			Slug:          ft.Slug,
			Repository:    ft.Repository,
			WebhookSecret: os.ExpandEnv(ft.WebhookSecret),
			GitHubToken:   os.ExpandEnv(ft.GitHubToken),
			Active:        ft.Active == nil || *ft.Active,
		}
		if t.Slug == "" {
			t.Slug = t.ID
		}
		if err := t.validate(); err != nil {
			return nil, err
		}
		if seenID[t.ID] || seenSlug[t.Slug] {
			return nil, fmt.Errorf("duplicate tenant %s (slug %s)", t.ID, t.Slug)
		}
		seenID[t.ID], seenSlug[t.Slug] = true, true
		out = append(out, t)
	}
	return out, nil
}

// ReloadFunc is called with the full tenant set after every successful load
type ReloadFunc func(ctx context.Context, tenants []Tenant) error

// FileStore serves tenants from a YAML file and reloads it on change.
// A file that fails to parse leaves the previous set in place.
type FileStore struct {
	path     string
	mem      *Memory
	log      *logging.Logger
	onReload ReloadFunc
}

func NewFileStore(ctx context.Context, path string, log *logging.Logger, onReload ReloadFunc) (*FileStore, error) {
	if log == nil {
		log = logging.Default()
	}
	f := &FileStore{path: path, mem: NewMemory(), log: log, onReload: onReload}
	if err := f.Reload(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileStore) Get(ctx context.Context, id string) (Tenant, error) {
	return f.mem.Get(ctx, id)
}

func (f *FileStore) BySlug(ctx context.Context, slug string) (Tenant, error) {
	return f.mem.BySlug(ctx, slug)
}

// Reload reads the file and swaps the tenant set
func (f *FileStore) Reload(ctx context.Context) error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read tenants file: %w", err)
	}
	tenants, err := ParseFile(data)
	if err != nil {
		return err
	}
	if f.onReload != nil {
		if err := f.onReload(ctx, tenants); err != nil {
			return fmt.Errorf("reload hook: %w", err)
		}
	}
	f.mem.replace(tenants)
	f.log.WithField("path", f.path).WithField("tenants", len(tenants)).Info("tenants loaded")
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file by rename are seen.
func (f *FileStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", f.path, err)
	}

	target := filepath.Clean(f.path)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Plain().WithError(err).Warn("tenants file watcher error")
		case <-debounce:
			debounce = nil
			if err := f.Reload(ctx); err != nil {
				f.log.WithField("path", f.path).WithError(err).Error("tenants reload failed, keeping previous set")
			}
		}
	}
}
