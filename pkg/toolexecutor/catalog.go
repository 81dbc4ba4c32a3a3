package toolexecutor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/harun/agentrun/pkg/protocol"
)

// ToolSpec is what a model sees of a tool, plus how it is dispatched.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Type        protocol.ToolType      `json:"type"`
}

// Catalog resolves tool names to specs.
type Catalog interface {
	Lookup(name string) (ToolSpec, bool)
}

// StaticCatalog is an in-memory Catalog.
type StaticCatalog struct {
	specs map[string]ToolSpec
	mu    sync.RWMutex
}

// NewCatalog creates an empty catalog.
func NewCatalog() *StaticCatalog {
	return &StaticCatalog{specs: make(map[string]ToolSpec)}
}

// IsValidToolType reports whether t is a dispatchable tool type.
func IsValidToolType(t protocol.ToolType) bool {
	switch t {
	case protocol.ToolTypeFunction, protocol.ToolTypeAction, protocol.ToolTypeFrontend:
		return true
	}
	return false
}

// Register adds or replaces a spec. An empty type means function.
func (c *StaticCatalog) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if spec.Type == "" {
		spec.Type = protocol.ToolTypeFunction
	}
	if !IsValidToolType(spec.Type) {
		return fmt.Errorf("invalid tool type %q for %s", spec.Type, spec.Name)
	}
	if spec.Parameters == nil {
		spec.Parameters = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[spec.Name] = spec
	return nil
}

// AddExecutor registers every backend tool of te as a function tool.
func (c *StaticCatalog) AddExecutor(te *ToolExecutor) {
	for _, name := range te.ListTools() {
		def := te.GetTool(name)
		if def == nil {
			continue
		}
		schema, _ := te.Schema(name)
		_ = c.Register(ToolSpec{
			Name:        name,
			Description: def.Description,
			Parameters:  schema,
			Type:        protocol.ToolTypeFunction,
		})
	}
}

// Lookup returns the spec registered under name.
func (c *StaticCatalog) Lookup(name string) (ToolSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[name]
	return spec, ok
}

// Select returns the specs for names in order, skipping unknown names.
func (c *StaticCatalog) Select(names []string) []ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		if spec, ok := c.specs[name]; ok {
			specs = append(specs, spec)
		}
	}
	return specs
}

// List returns every spec sorted by name.
func (c *StaticCatalog) List() []ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(c.specs))
	for _, spec := range c.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// FilterByType returns the specs of one tool type, sorted by name.
func (c *StaticCatalog) FilterByType(t protocol.ToolType) []ToolSpec {
	var out []ToolSpec
	for _, spec := range c.List() {
		if spec.Type == t {
			out = append(out, spec)
		}
	}
	return out
}
