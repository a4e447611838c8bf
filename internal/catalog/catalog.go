// Package catalog stores module types and rule templates registered by
// providers, and hands out read-only snapshots for expansion and validation.
package catalog

import (
	"sort"
	"sync"

	"github.com/roach88/rulegraph/internal/ir"
)

// TypeResolver looks up module types by UID.
type TypeResolver interface {
	ResolveType(uid string) (ir.ModuleType, bool)
}

// TemplateResolver looks up rule templates by UID.
type TemplateResolver interface {
	ResolveTemplate(uid string) (ir.Template, bool)
}

// Catalog is the mutable, concurrency-safe registry. Registering a UID that
// already exists replaces the prior definition.
type Catalog struct {
	mu        sync.RWMutex
	types     map[string]ir.ModuleType
	templates map[string]ir.Template
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		types:     make(map[string]ir.ModuleType),
		templates: make(map[string]ir.Template),
	}
}

// RegisterType adds or replaces a module type.
func (c *Catalog) RegisterType(t ir.ModuleType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[t.UID] = t
}

// RegisterTemplate adds or replaces a rule template.
func (c *Catalog) RegisterTemplate(t ir.Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.UID] = t
}

// RemoveType drops a module type. Installed graphs are unaffected.
func (c *Catalog) RemoveType(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.types, uid)
}

// ResolveType implements TypeResolver against the live registry.
func (c *Catalog) ResolveType(uid string) (ir.ModuleType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.types[uid]
	return t, ok
}

// ResolveTemplate implements TemplateResolver against the live registry.
func (c *Catalog) ResolveTemplate(uid string) (ir.Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[uid]
	return t, ok
}

// TypeUIDs lists registered type UIDs in sorted order.
func (c *Catalog) TypeUIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uids := make([]string, 0, len(c.types))
	for uid := range c.types {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// Snapshot copies the current registry into an immutable view. Building a
// rule against a snapshot makes the result a pure function of the rule and
// the snapshot, regardless of concurrent registrations.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := &Snapshot{
		types:     make(map[string]ir.ModuleType, len(c.types)),
		templates: make(map[string]ir.Template, len(c.templates)),
	}
	for k, v := range c.types {
		s.types[k] = v
	}
	for k, v := range c.templates {
		s.templates[k] = v
	}
	return s
}

// Snapshot is a frozen copy of a Catalog.
type Snapshot struct {
	types     map[string]ir.ModuleType
	templates map[string]ir.Template
}

// NewSnapshot builds a snapshot directly from type and template lists.
// Later entries with the same UID win, matching re-registration.
func NewSnapshot(types []ir.ModuleType, templates ...ir.Template) *Snapshot {
	s := &Snapshot{
		types:     make(map[string]ir.ModuleType, len(types)),
		templates: make(map[string]ir.Template, len(templates)),
	}
	for _, t := range types {
		s.types[t.UID] = t
	}
	for _, t := range templates {
		s.templates[t.UID] = t
	}
	return s
}

// ResolveType implements TypeResolver.
func (s *Snapshot) ResolveType(uid string) (ir.ModuleType, bool) {
	t, ok := s.types[uid]
	return t, ok
}

// ResolveTemplate implements TemplateResolver.
func (s *Snapshot) ResolveTemplate(uid string) (ir.Template, bool) {
	t, ok := s.templates[uid]
	return t, ok
}

// Types returns every type in the snapshot sorted by UID.
func (s *Snapshot) Types() []ir.ModuleType {
	out := make([]ir.ModuleType, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}
