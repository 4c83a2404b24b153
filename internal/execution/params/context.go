package params

import (
	"sort"
	"sync"
)

// Context is a mutable parameter store keyed by name.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewContext(values map[string]any) *Context {
	c := &Context{values: make(map[string]any, len(values))}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

func (c *Context) Get(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

func (c *Context) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] = value
}

// Merge returns a new Context holding the receiver's values with override
// applied on top. The receiver is not modified.
func (c *Context) Merge(override map[string]any) *Context {
	merged := NewContext(c.Snapshot())
	for k, v := range override {
		merged.values[k] = v
	}
	return merged
}

// Snapshot returns a shallow copy of the stored values.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Keys returns the stored names in sorted order.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.values))
	for k := range c.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Effective merges a run override over a pipeline context.
func Effective(pipelineContext, override map[string]any) map[string]any {
	return NewContext(pipelineContext).Merge(override).Snapshot()
}
