package service

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/go-appsec/interceptor/intercept/service/mode"
)

// ServerFlags holds flags for server mode (intercept serve).
type ServerFlags struct {
	ConfigPath    string
	DataDir       string
	MCPPort       int    // 0 = use config
	Mode          string // "" = use config
	LogLevel      string // "" = use config
	VerboseErrors bool
	Quiet         bool
}

// ParseServerFlags parses flags for server mode.
func ParseServerFlags(args []string) (ServerFlags, error) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var flags ServerFlags

	fs.StringVar(&flags.ConfigPath, "config", "", "config file path, .json or .yaml (default: <data-dir>/config.json)")
	fs.StringVar(&flags.DataDir, "data-dir", "", "directory for settings, CA and sessions (default: ~/.intercept)")
	fs.IntVar(&flags.MCPPort, "port", 0, "MCP server port (default: from config or 9119)")
	fs.StringVar(&flags.Mode, "mode", "", "initial mode: "+strings.Join(mode.Names(), ", "))
	fs.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&flags.VerboseErrors, "verbose-errors", false, "include internal error details in tool errors")
	fs.BoolVarP(&flags.Quiet, "quiet", "q", false, "do not print the endpoint banner")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}
	if flags.Mode != "" {
		if _, err := mode.Parse(flags.Mode); err != nil {
			return flags, err
		}
	}
	return flags, nil
}
