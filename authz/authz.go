// Package authz decides which originating groups may invoke write-capable
// tools. The allow-list is dynamic (redis) with a fixed fallback so an
// unavailable source degrades to a conservative default instead of failing
// open or crashing.
package authz

import (
	"context"
	"strings"
	"sync"
)

// Authorizer reports whether a group is allow-listed for management actions.
type Authorizer interface {
	IsManagement(ctx context.Context, group string) bool
}

// Static is a fixed allow-list. Matching is case-insensitive on trimmed names.
type Static struct {
	groups map[string]struct{}
}

func NewStatic(groups []string) *Static {
	set := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		g = normalize(g)
		if g == "" {
			continue
		}
		set[g] = struct{}{}
	}
	return &Static{groups: set}
}

func (s *Static) IsManagement(ctx context.Context, group string) bool {
	_ = ctx
	if s == nil {
		return false
	}
	_, ok := s.groups[normalize(group)]
	return ok
}

// Func adapts a plain function to the Authorizer interface.
type Func func(ctx context.Context, group string) bool

func (f Func) IsManagement(ctx context.Context, group string) bool {
	if f == nil {
		return false
	}
	return f(ctx, group)
}

// Fallback consults a primary source and, when the primary is unavailable,
// falls back to a fixed secondary. The last successful primary read is cached
// so a transient outage keeps the most recent dynamic list in effect.
type Fallback struct {
	primary   Source
	secondary Authorizer

	mu     sync.RWMutex
	cached *Static
}

// Source is a dynamic allow-list provider. Load returns the full list of
// management group names, or an error when the source is unavailable.
type Source interface {
	Load(ctx context.Context) ([]string, error)
}

func NewFallback(primary Source, secondary Authorizer) *Fallback {
	if secondary == nil {
		secondary = NewStatic(nil)
	}
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) IsManagement(ctx context.Context, group string) bool {
	if f == nil {
		return false
	}
	if f.primary != nil {
		groups, err := f.primary.Load(ctx)
		if err == nil {
			allow := NewStatic(groups)
			f.mu.Lock()
			f.cached = allow
			f.mu.Unlock()
			return allow.IsManagement(ctx, group)
		}
	}

	f.mu.RLock()
	cached := f.cached
	f.mu.RUnlock()
	if cached != nil {
		return cached.IsManagement(ctx, group)
	}
	return f.secondary.IsManagement(ctx, group)
}

func normalize(group string) string {
	return strings.ToLower(strings.TrimSpace(group))
}
