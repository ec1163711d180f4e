package exclude

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/interceptor/intercept/service/apierr"
	"github.com/go-appsec/interceptor/intercept/service/store"
)

func newTestList(t *testing.T) (*List, *store.MemStorage) {
	t.Helper()
	s := store.NewMemStorage()
	l, err := NewList(s, zerolog.Nop())
	require.NoError(t, err)
	return l, s
}

func ptr[T any](v T) *T { return &v }

func TestListAdd(t *testing.T) {
	t.Parallel()

	t.Run("round_trip", func(t *testing.T) {
		l, _ := newTestList(t)
		require.NoError(t, l.Add("example.com", false, true))
		require.NoError(t, l.Add(`.*\.example\.org`, true, false))

		assert.Equal(t, []View{
			{Index: 0, Value: "example.com", Regex: false, Enabled: true},
			{Index: 1, Value: `.*\.example\.org`, Regex: true, Enabled: false},
		}, l.Views(false))
	})

	t.Run("invalid_regex", func(t *testing.T) {
		l, _ := newTestList(t)
		require.NoError(t, l.Add("a.com", false, true))

		err := l.Add("(", true, true)
		require.ErrorIs(t, err, apierr.ErrIllegalParameter)
		assert.True(t, strings.HasPrefix(err.Error(), "illegal parameter: value: "))
		assert.Equal(t, 1, l.Len())
	})

	t.Run("literal_not_compiled", func(t *testing.T) {
		l, _ := newTestList(t)
		assert.NoError(t, l.Add("(", false, true))
	})

	t.Run("empty_value", func(t *testing.T) {
		l, _ := newTestList(t)
		assert.ErrorIs(t, l.Add("", false, true), apierr.ErrMissingParameter)
	})
}

func TestListModify(t *testing.T) {
	t.Parallel()

	t.Run("out_of_bounds", func(t *testing.T) {
		l, _ := newTestList(t)
		require.NoError(t, l.Add("a.com", false, true))
		before := l.Views(false)

		for _, idx := range []int{-1, 1, 99} {
			err := l.Modify(idx, Change{Value: "b.com"})
			require.ErrorIs(t, err, apierr.ErrIllegalParameter)
		}
		assert.Equal(t, before, l.Views(false))
	})

	t.Run("invalid_pattern_no_partial", func(t *testing.T) {
		l, _ := newTestList(t)
		require.NoError(t, l.Add("a.com", false, true))
		before := l.Views(false)

		err := l.Modify(0, Change{Value: "(", Regex: ptr(true), Enabled: ptr(false)})
		require.ErrorIs(t, err, apierr.ErrIllegalParameter)
		assert.Contains(t, err.Error(), "value: ")
		assert.Equal(t, before, l.Views(false))
	})

	t.Run("empty_value_keeps_old", func(t *testing.T) {
		l, _ := newTestList(t)
		require.NoError(t, l.Add("a.com", false, true))

		require.NoError(t, l.Modify(0, Change{Enabled: ptr(false)}))
		assert.Equal(t, []View{{Index: 0, Value: "a.com", Enabled: false}}, l.Views(false))
	})

	t.Run("switch_to_regex", func(t *testing.T) {
		l, _ := newTestList(t)
		require.NoError(t, l.Add(`.*\.a\.com`, false, true))
		assert.False(t, l.Matches("x.a.com"))

		require.NoError(t, l.Modify(0, Change{Regex: ptr(true)}))
		assert.True(t, l.Matches("x.a.com"))
	})

	t.Run("identical_is_noop", func(t *testing.T) {
		l, s := newTestList(t)
		require.NoError(t, l.Add("a.com", false, true))
		require.NoError(t, s.Delete(storageKey))

		require.NoError(t, l.Modify(0, Change{Value: "a.com", Regex: ptr(false), Enabled: ptr(true)}))
		_, found, err := s.Get(storageKey)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestListRemove(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t)
	require.NoError(t, l.Add("a.com", false, true))
	require.NoError(t, l.Add("b.com", false, true))
	require.NoError(t, l.Add("c.com", false, true))

	require.ErrorIs(t, l.Remove(3), apierr.ErrIllegalParameter)
	require.NoError(t, l.Remove(1))

	assert.Equal(t, []View{
		{Index: 0, Value: "a.com", Enabled: true},
		{Index: 1, Value: "c.com", Enabled: true},
	}, l.Views(false))
}

func TestListToggleAll(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t)
	require.NoError(t, l.Add("a.com", false, true))
	require.NoError(t, l.Add("b.com", false, false))

	require.NoError(t, l.DisableAll())
	assert.Empty(t, l.Views(true))

	require.NoError(t, l.EnableAll())
	assert.Len(t, l.Views(true), 2)
}

func TestListViewsEnabledOnly(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t)
	require.NoError(t, l.Add("a.com", false, false))
	require.NoError(t, l.Add("b.com", false, true))

	assert.Equal(t, []View{{Index: 1, Value: "b.com", Enabled: true}}, l.Views(true))
}

func TestListMatches(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t)
	require.NoError(t, l.Add("Example.COM", false, true))
	require.NoError(t, l.Add("bücher.example", false, true))
	require.NoError(t, l.Add(`.*\.cdn\.net`, true, true))
	require.NoError(t, l.Add("disabled.org", false, false))

	tests := []struct {
		name string
		host string
		want bool
	}{
		{"literal_case_insensitive", "example.com", true},
		{"trailing_dot", "example.com.", true},
		{"idna_punycode", "xn--bcher-kva.example", true},
		{"regex", "img.cdn.net", true},
		{"regex_full_match", "img.cdn.net.evil", false},
		{"disabled", "disabled.org", false},
		{"unrelated", "other.com", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, l.Matches(tc.host))
		})
	}
}

func TestListPersistence(t *testing.T) {
	t.Parallel()

	l, s := newTestList(t)
	require.NoError(t, l.Add("a.com", false, true))
	require.NoError(t, l.Add(`.*\.b\.com`, true, true))

	reloaded, err := NewList(s, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, l.Views(false), reloaded.Views(false))
	assert.True(t, reloaded.Matches("x.b.com"))
}
