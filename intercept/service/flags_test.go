package service

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/interceptor/intercept/service/apierr"
)

func TestParseServerFlags(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		flags, err := ParseServerFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, ServerFlags{}, flags)
	})

	t.Run("all_flags", func(t *testing.T) {
		flags, err := ParseServerFlags([]string{
			"--config", "/tmp/c.yaml", "--data-dir", "/tmp/d", "--port", "9200",
			"--mode", "protect", "--log-level", "debug", "--verbose-errors", "-q",
		})
		require.NoError(t, err)
		assert.Equal(t, ServerFlags{
			ConfigPath:    "/tmp/c.yaml",
			DataDir:       "/tmp/d",
			MCPPort:       9200,
			Mode:          "protect",
			LogLevel:      "debug",
			VerboseErrors: true,
			Quiet:         true,
		}, flags)
	})

	t.Run("bad_mode", func(t *testing.T) {
		_, err := ParseServerFlags([]string{"--mode", "standart"})
		require.ErrorIs(t, err, apierr.ErrIllegalParameter)
		assert.Contains(t, err.Error(), `"standard"`)
	})

	t.Run("help", func(t *testing.T) {
		_, err := ParseServerFlags([]string{"--help"})
		assert.ErrorIs(t, err, pflag.ErrHelp)
	})

	t.Run("unknown_flag", func(t *testing.T) {
		_, err := ParseServerFlags([]string{"--bogus"})
		assert.Error(t, err)
	})
}
