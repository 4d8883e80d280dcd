package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ocimirror/ocimirror/internal/metadata"
)

// upstreamsFile is the on-disk shape of the upstreams YAML file.
type upstreamsFile struct {
	Upstreams []upstreamYAML `yaml:"upstreams"`
}

type upstreamYAML struct {
	Name           string           `yaml:"name"`
	DisplayName    string           `yaml:"display_name,omitempty"`
	BaseURL        string           `yaml:"base_url"`
	RegistryPrefix string           `yaml:"registry_prefix,omitempty"`
	Username       string           `yaml:"username,omitempty"`
	Password       string           `yaml:"password,omitempty"`
	SkipTLSVerify  bool             `yaml:"skip_tls_verify,omitempty"`
	Priority       int              `yaml:"priority"`
	Enabled        bool             `yaml:"enabled"`
	CacheIsolation string           `yaml:"cache_isolation,omitempty"`
	Default        bool             `yaml:"default,omitempty"`
	Routes         []routeYAML      `yaml:"routes,omitempty"`
}

type routeYAML struct {
	Pattern  string `yaml:"pattern"`
	Priority int    `yaml:"priority"`
}

// FileProvider implements upstreammgr.Provider over the metadata store,
// persisting every change back to a YAML file on disk. The file is read into
// the store only by NewFileProvider, and only when the store has no
// upstreams; ListUpstreams and ListRoutes always read the store, so edits
// made to the file on disk later are not loaded by a reload.
type FileProvider struct {
	path  string
	store *metadata.Store
	log   *slog.Logger

	mu sync.Mutex
}

// NewFileProvider constructs a FileProvider, loading path into store if the
// store has no upstreams configured yet (first boot).
func NewFileProvider(path string, store *metadata.Store, log *slog.Logger) (*FileProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &FileProvider{path: path, store: store, log: log}

	existing, err := store.ListUpstreams(context.Background())
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		if err := p.loadFromDisk(context.Background()); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return p, nil
}

func (p *FileProvider) loadFromDisk(ctx context.Context) error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	var doc upstreamsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing upstreams file %s: %w", p.path, err)
	}
	for _, u := range doc.Upstreams {
		cfg := metadata.UpstreamConfig{
			Name:           u.Name,
			DisplayName:    u.DisplayName,
			BaseURL:        u.BaseURL,
			RegistryPrefix: u.RegistryPrefix,
			Username:       u.Username,
			Password:       u.Password,
			SkipTLSVerify:  u.SkipTLSVerify,
			Priority:       u.Priority,
			Enabled:        u.Enabled,
			CacheIsolation: metadata.IsolationMode(u.CacheIsolation),
			Default:        u.Default,
		}
		if cfg.CacheIsolation == "" {
			cfg.CacheIsolation = metadata.IsolationShared
		}
		if err := p.store.UpsertUpstream(ctx, cfg); err != nil {
			return err
		}
		routes := make([]metadata.Route, 0, len(u.Routes))
		for _, r := range u.Routes {
			routes = append(routes, metadata.Route{UpstreamName: u.Name, Pattern: r.Pattern, Priority: r.Priority})
		}
		if err := p.store.ReplaceRoutes(ctx, u.Name, routes); err != nil {
			return err
		}
	}
	return nil
}

// persist writes the metadata store's current upstream set back to path, so
// API-driven CRUD survives process restarts (spec §4.6 config write path).
func (p *FileProvider) persist(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	upstreams, err := p.store.ListUpstreams(ctx)
	if err != nil {
		return err
	}
	routes, err := p.store.ListRoutes(ctx)
	if err != nil {
		return err
	}
	routesByUpstream := make(map[string][]routeYAML)
	for _, r := range routes {
		routesByUpstream[r.UpstreamName] = append(routesByUpstream[r.UpstreamName], routeYAML{Pattern: r.Pattern, Priority: r.Priority})
	}

	doc := upstreamsFile{}
	for _, u := range upstreams {
		doc.Upstreams = append(doc.Upstreams, upstreamYAML{
			Name:           u.Name,
			DisplayName:    u.DisplayName,
			BaseURL:        u.BaseURL,
			RegistryPrefix: u.RegistryPrefix,
			Username:       u.Username,
			Password:       u.Password,
			SkipTLSVerify:  u.SkipTLSVerify,
			Priority:       u.Priority,
			Enabled:        u.Enabled,
			CacheIsolation: string(u.CacheIsolation),
			Default:        u.Default,
			Routes:         routesByUpstream[u.Name],
		})
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

func (p *FileProvider) ListUpstreams(ctx context.Context) ([]metadata.UpstreamConfig, error) {
	return p.store.ListUpstreams(ctx)
}

func (p *FileProvider) ListRoutes(ctx context.Context) ([]metadata.Route, error) {
	return p.store.ListRoutes(ctx)
}

func (p *FileProvider) UpsertUpstream(ctx context.Context, cfg metadata.UpstreamConfig) error {
	if err := p.store.UpsertUpstream(ctx, cfg); err != nil {
		return err
	}
	return p.persist(ctx)
}

func (p *FileProvider) DeleteUpstream(ctx context.Context, name string) error {
	if err := p.store.DeleteUpstream(ctx, name); err != nil {
		return err
	}
	return p.persist(ctx)
}

func (p *FileProvider) ReplaceRoutes(ctx context.Context, upstreamName string, routes []metadata.Route) error {
	if err := p.store.ReplaceRoutes(ctx, upstreamName, routes); err != nil {
		return err
	}
	return p.persist(ctx)
}

// Reloader is the subset of upstreammgr.Manager that WatchFile needs.
type Reloader interface {
	Reload(ctx context.Context) error
}

// WatchFile watches path for writes/renames (the pattern most editors and
// ConfigMap remounts use to update a file) and calls mgr.Reload on each
// change, until ctx is canceled. The reload reads upstreams and routes from
// the provider; with FileProvider that is the metadata store, not the file.
// Runs until the watcher or ctx fails.
func WatchFile(ctx context.Context, path string, mgr Reloader, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Info("upstreams config file changed, reloading", "path", path)
			if err := mgr.Reload(ctx); err != nil {
				log.Error("reload after file change failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("file watcher error", "error", err)
		}
	}
}
