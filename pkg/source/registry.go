package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps source names to their collectors.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates a registry holding the given sources.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a source under its lowercased name.
func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[strings.ToLower(s.Name())] = s
}

// Get looks up a source by name.
func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the registered names among wanted, in request order, without
// duplicates, and the names that matched nothing.
func (r *Registry) Resolve(wanted []string) (active, unknown []string) {
	seen := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		name := strings.ToLower(strings.TrimSpace(w))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := r.Get(name); ok {
			active = append(active, name)
		} else {
			unknown = append(unknown, name)
		}
	}
	return active, unknown
}

// HealthCheck runs HealthCheck on every registered source concurrently.
func (r *Registry) HealthCheck(ctx context.Context) map[string]Health {
	names := r.Names()
	out := make(map[string]Health, len(names))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, n := range names {
		s, _ := r.Get(n)
		wg.Add(1)
		go func(name string, s Source) {
			defer wg.Done()
			h := s.HealthCheck(ctx)
			if h.Source == "" {
				h.Source = name
			}
			mu.Lock()
			out[name] = h
			mu.Unlock()
		}(n, s)
	}
	wg.Wait()
	return out
}

// Close closes every registered source.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for name, s := range r.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
