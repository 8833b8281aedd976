package conversation

import (
	"fmt"
	"sort"
)

// Registry maps service names to adapters. Populated once at startup and
// read-only afterwards, so lookups need no lock.
type Registry struct {
	services map[string]Service
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Add registers an adapter under name. Duplicate names are rejected.
func (r *Registry) Add(name string, svc Service) error {
	if name == "" {
		return fmt.Errorf("conversation: cannot register service with empty name")
	}
	if svc == nil {
		return fmt.Errorf("conversation: cannot register nil service %q", name)
	}
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("conversation: service %q already registered", name)
	}
	r.services[name] = svc
	return nil
}

// Service resolves an adapter by name.
func (r *Registry) Service(name string) (Service, error) {
	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("conversation: unregistered service %q", name)
	}
	return svc, nil
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
