package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/leave-engine/generic"
)

// DefinitionSource loads workflow definitions (YAML files, database rows).
type DefinitionSource interface {
	LoadDefinitions(ctx context.Context) ([]Definition, error)
}

// StaticSource serves a fixed list of definitions.
type StaticSource []Definition

func (s StaticSource) LoadDefinitions(context.Context) ([]Definition, error) {
	out := make([]Definition, len(s))
	for i, d := range s {
		out[i] = d.Clone()
	}
	return out, nil
}

// Registry holds the active definitions. Reads are concurrent; Reload swaps
// the whole set atomically and keeps the old set if any definition is invalid.
type Registry struct {
	mu          sync.RWMutex
	source      DefinitionSource
	definitions []Definition // sorted by priority, highest first
	fallback    *Definition
}

func NewRegistry(source DefinitionSource) *Registry {
	return &Registry{source: source}
}

// Reload replaces the definition set from the source.
func (r *Registry) Reload(ctx context.Context) error {
	if r.source == nil {
		return nil
	}
	defs, err := r.source.LoadDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("workflow: load definitions: %w", err)
	}
	return r.Replace(defs)
}

// Replace validates and installs a definition set.
func (r *Registry) Replace(defs []Definition) error {
	normalized := make([]Definition, 0, len(defs))
	var fallback *Definition
	seen := map[string]struct{}{}
	for _, d := range defs {
		n, err := d.Normalized()
		if err != nil {
			return err
		}
		if _, dup := seen[n.WorkflowType]; dup {
			return fmt.Errorf("workflow: duplicate workflow type %s", n.WorkflowType)
		}
		seen[n.WorkflowType] = struct{}{}
		if n.Default {
			if fallback != nil {
				return fmt.Errorf("workflow: both %s and %s are marked default", fallback.WorkflowType, n.WorkflowType)
			}
			dc := n.Clone()
			fallback = &dc
		}
		normalized = append(normalized, n)
	}
	sort.SliceStable(normalized, func(i, j int) bool {
		return normalized[i].Priority > normalized[j].Priority
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions = normalized
	r.fallback = fallback
	return nil
}

// Select returns the highest-priority definition whose condition matches the
// facts. Definitions without a condition match only as the default.
func (r *Registry) Select(facts Facts) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.definitions {
		if d.Condition == nil {
			continue
		}
		if d.Condition.Matches(facts) {
			return d.Clone(), nil
		}
	}
	if r.fallback != nil {
		return r.fallback.Clone(), nil
	}
	return Definition{}, fmt.Errorf("workflow: no definition matches and no default: %w", generic.ErrNotFound)
}

// Definitions returns a copy of the active set, highest priority first.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, len(r.definitions))
	for i, d := range r.definitions {
		out[i] = d.Clone()
	}
	return out
}
