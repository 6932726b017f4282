package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"

	"bay.dev/bay/bayerr"
)

// Registry holds the loaded profiles. It is read-mostly: Load and
// Reload swap the whole map, lookups take a read lock.
type Registry struct {
	Log *slog.Logger

	dir string

	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewRegistry(dir string, log *slog.Logger) *Registry {
	return &Registry{
		Log:      log.With("module", "profile"),
		dir:      dir,
		profiles: make(map[string]*Profile),
	}
}

// NewStatic builds a registry from in-memory profiles. Tests use it to
// skip the filesystem.
func NewStatic(log *slog.Logger, profiles ...*Profile) (*Registry, error) {
	r := &Registry{
		Log:      log.With("module", "profile"),
		profiles: make(map[string]*Profile, len(profiles)),
	}
	for _, p := range profiles {
		p.Normalize()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.ID, err)
		}
		if _, dup := r.profiles[p.ID]; dup {
			return nil, fmt.Errorf("profile %s declared twice", p.ID)
		}
		r.profiles[p.ID] = p
	}
	return r, nil
}

// Load reads every *.toml under the registry dir. Called once at boot;
// Reload swaps in a fresh read later.
func (r *Registry) Load() error {
	loaded, err := r.read()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.profiles = loaded
	r.mu.Unlock()

	r.Log.Info("profiles loaded", "count", len(loaded), "dir", r.dir)
	return nil
}

// Reload is Load with a name that reads right at call sites.
func (r *Registry) Reload() error {
	return r.Load()
}

func (r *Registry) read() (map[string]*Profile, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reading profile dir %s: %w", r.dir, err)
	}

	out := make(map[string]*Profile)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		var p Profile
		if err := toml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}

		p.Normalize()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid profile in %s: %w", path, err)
		}
		if _, dup := out[p.ID]; dup {
			return nil, fmt.Errorf("profile %s declared twice (second copy in %s)", p.ID, path)
		}
		out[p.ID] = &p
	}
	return out, nil
}

func (r *Registry) Get(id string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return nil, bayerr.NotFound("profile", id)
	}
	return p, nil
}

func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
