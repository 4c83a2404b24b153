package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

// Catalog holds the pipelines an orchestrator can execute, keyed by name.
// Plans refer to pipelines by name; step code never crosses a process
// boundary.
type Catalog struct {
	mu        sync.RWMutex
	pipelines map[string]*domain.Pipeline
}

func NewCatalog(pipelines ...*domain.Pipeline) (*Catalog, error) {
	c := &Catalog{pipelines: make(map[string]*domain.Pipeline, len(pipelines))}
	for _, p := range pipelines {
		if err := c.Register(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) Register(p *domain.Pipeline) error {
	if p == nil {
		return errors.New("pipeline is required")
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return errors.New("pipeline name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pipelines[name]; exists {
		return fmt.Errorf("pipeline %q already registered", name)
	}
	c.pipelines[name] = p
	return nil
}

func (c *Catalog) Lookup(name string) (*domain.Pipeline, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pipelines[strings.TrimSpace(name)]
	return p, ok
}

// Names returns the registered pipeline names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.pipelines))
	for name := range c.pipelines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
