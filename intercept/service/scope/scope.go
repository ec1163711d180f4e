// Package scope holds regex pattern lists used to decide which targets are in
// scope and which are excluded from the proxy.
package scope

import (
	"regexp"
	"slices"
	"sync"

	"github.com/go-appsec/interceptor/intercept/service/apierr"
)

// Patterns is an ordered, concurrency-safe list of anchored regular expressions.
// Writers replace the whole slice so readers never observe a partial update.
type Patterns struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// NewPatterns compiles the given expressions.
func NewPatterns(exprs ...string) (*Patterns, error) {
	p := &Patterns{}
	for _, e := range exprs {
		if err := p.Add(e); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add compiles expr and appends it. An invalid expression is an illegal parameter.
func (p *Patterns) Add(expr string) error {
	re, err := compileAnchored(expr)
	if err != nil {
		return apierr.Illegalf("regex %q: %v", expr, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	updated := append(slices.Clone(p.patterns), re)
	p.patterns = updated
	return nil
}

// Clear removes every pattern.
func (p *Patterns) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patterns = nil
}

// List returns the original expressions in insertion order.
func (p *Patterns) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.patterns))
	for i, re := range p.patterns {
		out[i] = unanchor(re.String())
	}
	return out
}

// Match reports whether any pattern matches the whole of s.
func (p *Patterns) Match(s string) bool {
	p.mu.RLock()
	patterns := p.patterns
	p.mu.RUnlock()
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Len returns the number of patterns.
func (p *Patterns) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.patterns)
}

// compileAnchored wraps expr so it must match the full input.
func compileAnchored(expr string) (*regexp.Regexp, error) {
	if _, err := regexp.Compile(expr); err != nil {
		return nil, err
	}
	return regexp.Compile(`^(?:` + expr + `)$`)
}

func unanchor(s string) string {
	const prefix, suffix = `^(?:`, `)$`
	if len(s) >= len(prefix)+len(suffix) && s[:len(prefix)] == prefix && s[len(s)-len(suffix):] == suffix {
		return s[len(prefix) : len(s)-len(suffix)]
	}
	return s
}

// Scope is the user-defined set of in-bounds targets.
type Scope struct {
	Include *Patterns
	Exclude *Patterns
}

// New builds a scope from include and exclude expressions.
func New(include, exclude []string) (*Scope, error) {
	inc, err := NewPatterns(include...)
	if err != nil {
		return nil, err
	}
	exc, err := NewPatterns(exclude...)
	if err != nil {
		return nil, err
	}
	return &Scope{Include: inc, Exclude: exc}, nil
}

// InScope reports whether uri matches an include pattern and no exclude pattern.
func (s *Scope) InScope(uri string) bool {
	if s == nil || uri == "" {
		return false
	}
	return s.Include.Match(uri) && !s.Exclude.Match(uri)
}
