package tools

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

type Factory func() Tool

type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry maps tool names to factories. Selections accept plain names,
// "@bundle" references and "*" for every registered tool.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	descs     map[string]string
	bundles   map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		descs:     map[string]string{},
		bundles:   map[string][]string{},
	}
}

// Builtins returns a registry holding the tools that need no configuration.
// web_fetch reaches the network, so it is only in the "web" bundle.
func Builtins() *Registry {
	r := NewRegistry()
	_ = r.Register("calculator", "Evaluate arithmetic expressions.", NewCalculator)
	_ = r.Register("clock", "Report the current time.", NewClock)
	_ = r.Register("web_fetch", "Fetch a web page as text.", func() Tool { return NewWebFetch(nil) })
	_ = r.RegisterBundle("default", []string{"calculator", "clock"})
	_ = r.RegisterBundle("web", []string{"web_fetch"})
	return r
}

func (r *Registry) Register(name, description string, factory Factory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if factory == nil {
		return fmt.Errorf("tool factory is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.factories[name] = factory
	r.descs[name] = strings.TrimSpace(description)
	return nil
}

func (r *Registry) RegisterBundle(name string, toolNames []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("bundle name is required")
	}
	cleaned := make([]string, 0, len(toolNames))
	for _, t := range toolNames {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return fmt.Errorf("bundle %q has no tools", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bundles[name]; exists {
		return fmt.Errorf("bundle %q already registered", name)
	}
	r.bundles[name] = cleaned
	return nil
}

func (r *Registry) Catalog() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, Info{Name: name, Description: r.descs[name]})
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Build instantiates the selected tools in selection order without duplicates.
func (r *Registry) Build(selection []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{}
	names := make([]string, 0, len(selection))
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, raw := range selection {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
		case entry == "*":
			all := make([]string, 0, len(r.factories))
			for name := range r.factories {
				all = append(all, name)
			}
			slices.Sort(all)
			for _, name := range all {
				add(name)
			}
		case strings.HasPrefix(entry, "@"):
			bundle, ok := r.bundles[strings.TrimPrefix(entry, "@")]
			if !ok {
				return nil, fmt.Errorf("unknown tool bundle %q", strings.TrimPrefix(entry, "@"))
			}
			for _, name := range bundle {
				add(name)
			}
		default:
			add(entry)
		}
	}

	out := make([]Tool, 0, len(names))
	for _, name := range names {
		factory, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		tool := factory()
		if tool == nil {
			return nil, fmt.Errorf("tool %q factory returned nil", name)
		}
		out = append(out, tool)
	}
	return out, nil
}
