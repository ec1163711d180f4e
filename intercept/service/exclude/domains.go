// Package exclude manages the ordered list of domains the proxy passes through
// without interception.
package exclude

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/net/idna"

	"github.com/go-appsec/interceptor/intercept/service/apierr"
	"github.com/go-appsec/interceptor/intercept/service/store"
)

const storageKey = "exclude:domains"

// Rule is a single domain match rule. Literal values match a hostname exactly
// (case-insensitive, IDNA normalized); regex values must match the whole hostname.
type Rule struct {
	Value   string `msgpack:"value"`
	Regex   bool   `msgpack:"regex"`
	Enabled bool   `msgpack:"enabled"`

	compiled *regexp.Regexp `msgpack:"-"`
}

// View is a rule with its list position.
type View struct {
	Index   int    `json:"idx"`
	Value   string `json:"value"`
	Regex   bool   `json:"regex"`
	Enabled bool   `json:"enabled"`
}

// Change holds optional fields for Modify. Nil fields keep the current value,
// as does an empty Value.
type Change struct {
	Value   string
	Regex   *bool
	Enabled *bool
}

// List is the process-wide domain exclusion list.
type List struct {
	mu      sync.RWMutex
	rules   []Rule
	storage store.Storage
	log     zerolog.Logger
}

// NewList loads persisted rules from storage. A nil storage keeps rules in memory only.
func NewList(storage store.Storage, log zerolog.Logger) (*List, error) {
	l := &List{storage: storage, log: log.With().Str("component", "exclude").Logger()}
	if storage == nil {
		return l, nil
	}

	data, found, err := storage.Get(storageKey)
	if err != nil {
		return nil, fmt.Errorf("load domain rules: %w", err)
	} else if !found {
		return l, nil
	}
	var rules []Rule
	if err := store.Deserialize(data, &rules); err != nil {
		return nil, fmt.Errorf("deserialize domain rules: %w", err)
	}
	for i := range rules {
		if rules[i].Regex {
			if rules[i].compiled, err = compile(rules[i].Value); err != nil {
				return nil, fmt.Errorf("invalid stored regex in domain rule %d (value=%q): %w", i, rules[i].Value, err)
			}
		}
	}
	l.rules = rules
	return l, nil
}

// Add appends a rule. A value that does not compile in regex mode is rejected
// and the list is left unchanged.
func (l *List) Add(value string, regex, enabled bool) error {
	if value == "" {
		return apierr.Missing("value")
	}
	rule := Rule{Value: value, Regex: regex, Enabled: enabled}
	if regex {
		var err error
		if rule.compiled, err = compile(value); err != nil {
			return apierr.Illegalf("value: %v", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	updated := append(slices.Clone(l.rules), rule)
	return l.replace(updated)
}

// Modify updates the rule at idx. Out of range indexes and invalid patterns
// are illegal parameters and leave the list unchanged; a change that produces
// an identical rule is a no-op.
func (l *List) Modify(idx int, change Change) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx < 0 || idx >= len(l.rules) {
		return apierr.Illegal("idx " + strconv.Itoa(idx))
	}

	old := l.rules[idx]
	next := Rule{Value: old.Value, Regex: old.Regex, Enabled: old.Enabled, compiled: old.compiled}
	if change.Value != "" {
		next.Value = change.Value
	}
	if change.Regex != nil {
		next.Regex = *change.Regex
	}
	if change.Enabled != nil {
		next.Enabled = *change.Enabled
	}

	if next.Value == old.Value && next.Regex == old.Regex && next.Enabled == old.Enabled {
		return nil
	}

	if !next.Regex {
		next.compiled = nil
	} else if next.Value != old.Value || !old.Regex {
		var err error
		if next.compiled, err = compile(next.Value); err != nil {
			return apierr.Illegalf("value: %v", err)
		}
	}

	updated := slices.Clone(l.rules)
	updated[idx] = next
	return l.replace(updated)
}

// Remove deletes the rule at idx, shifting later rules down.
func (l *List) Remove(idx int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx < 0 || idx >= len(l.rules) {
		return apierr.Illegal("idx " + strconv.Itoa(idx))
	}
	updated := slices.Delete(slices.Clone(l.rules), idx, idx+1)
	return l.replace(updated)
}

// EnableAll enables every rule.
func (l *List) EnableAll() error {
	return l.setAll(true)
}

// DisableAll disables every rule.
func (l *List) DisableAll() error {
	return l.setAll(false)
}

func (l *List) setAll(enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	updated := slices.Clone(l.rules)
	for i := range updated {
		updated[i].Enabled = enabled
	}
	return l.replace(updated)
}

// replace persists then installs updated. Caller must hold mu.
func (l *List) replace(updated []Rule) error {
	if l.storage != nil {
		var err error
		if len(updated) == 0 {
			err = l.storage.Delete(storageKey)
		} else {
			var data []byte
			if data, err = store.Serialize(updated); err == nil {
				err = l.storage.Set(storageKey, data)
			}
		}
		if err != nil {
			l.log.Error().Err(err).Msg("failed to persist domain rules")
			return apierr.Internal(fmt.Errorf("persist domain rules: %w", err))
		}
	}
	l.rules = updated
	return nil
}

// Views returns the rules with their positions. When enabledOnly is set,
// disabled rules are skipped but the reported index stays the list position.
func (l *List) Views(enabledOnly bool) []View {
	l.mu.RLock()
	rules := l.rules
	l.mu.RUnlock()

	out := make([]View, 0, len(rules))
	for i, r := range rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, View{Index: i, Value: r.Value, Regex: r.Regex, Enabled: r.Enabled})
	}
	return out
}

// Len returns the number of rules.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rules)
}

// Matches reports whether host is matched by any enabled rule.
func (l *List) Matches(host string) bool {
	l.mu.RLock()
	rules := l.rules
	l.mu.RUnlock()

	normalized := normalizeHost(host)
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.Regex {
			if r.compiled != nil && r.compiled.MatchString(normalized) {
				return true
			}
		} else if normalizeHost(r.Value) == normalized {
			return true
		}
	}
	return false
}

func compile(value string) (*regexp.Regexp, error) {
	if _, err := regexp.Compile(value); err != nil {
		return nil, err
	}
	return regexp.Compile(`^(?i:` + value + `)$`)
}

// normalizeHost lower-cases and converts host to its ASCII (punycode) form.
func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}
