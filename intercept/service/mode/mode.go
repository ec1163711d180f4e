package mode

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-appsec/interceptor/intercept/cli"
	"github.com/go-appsec/interceptor/intercept/service/apierr"
)

// Mode is the process-wide safety policy gating outbound requests.
type Mode int32

const (
	Safe Mode = iota
	Protect
	Standard
	Attack
)

var names = []string{"safe", "protect", "standard", "attack"}

func (m Mode) String() string {
	if m < Safe || int(m) >= len(names) {
		return fmt.Sprintf("mode(%d)", int32(m))
	}
	return names[m]
}

// Names returns the accepted mode names in enum order.
func Names() []string {
	return append([]string(nil), names...)
}

// Parse resolves a mode name (case-insensitive).
// Unknown names return an illegal parameter error with a suggestion when one is close.
func Parse(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if n == s {
			return Mode(i), nil
		}
	}
	if best := cli.Closest(s, names); best != "" {
		return Safe, apierr.Illegalf("mode %q (did you mean %q?)", s, best)
	}
	return Safe, apierr.Illegal("mode")
}

// ScopeChecker reports whether a target is inside the user-defined scope.
type ScopeChecker interface {
	InScope(uri string) bool
}

// Gate decides whether an outbound request may execute under the current mode.
type Gate struct {
	mode  atomic.Int32
	scope ScopeChecker
}

// NewGate creates a gate starting in the given mode.
// A nil scope treats every target as out of scope.
func NewGate(initial Mode, scope ScopeChecker) *Gate {
	g := &Gate{scope: scope}
	g.mode.Store(int32(initial))
	return g
}

// Mode returns the current mode.
func (g *Gate) Mode() Mode {
	return Mode(g.mode.Load())
}

// SetMode replaces the current mode.
func (g *Gate) SetMode(m Mode) {
	g.mode.Store(int32(m))
}

// IsAllowed returns whether a request to uri may be sent.
// Safe always denies, Protect allows only in-scope targets, every other mode allows.
func (g *Gate) IsAllowed(uri string) bool {
	switch g.Mode() {
	case Safe:
		return false
	case Protect:
		return g.scope != nil && g.scope.InScope(uri)
	default:
		return true
	}
}

// Check wraps a denied IsAllowed result into a mode violation error.
func (g *Gate) Check(uri string) error {
	if !g.IsAllowed(uri) {
		return apierr.ModeViolation(uri)
	}
	return nil
}
