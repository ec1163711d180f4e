package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/go-appsec/interceptor/intercept/config"
	"github.com/go-appsec/interceptor/intercept/service/logging"
)

const (
	shutdownTimeout = 10 * time.Second
	configFile      = "config.json"
	logFile         = "intercept.log"
)

// Server runs the core behind the MCP endpoint.
type Server struct {
	flags      ServerFlags
	cfg        *config.Config
	configPath string

	// Runtime state
	logger    *logging.Logger
	core      *Core
	mcpServer *mcpServer
	started   chan struct{}

	// Shutdown coordination
	shutdownCh chan struct{}
	shutdownMu sync.Mutex
}

// NewServer creates a server; nothing is opened until Run.
func NewServer(flags ServerFlags) *Server {
	return &Server{
		flags:      flags,
		started:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// WaitTillStarted blocks until the server has started, or failed to.
func (s *Server) WaitTillStarted() {
	<-s.started
}

// Addr returns the MCP listen address once started.
func (s *Server) Addr() string {
	if s.mcpServer == nil {
		return ""
	}
	return s.mcpServer.Addr()
}

// Run opens the core, starts the MCP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	markStarted := sync.OnceFunc(func() { close(s.started) })
	defer markStarted()

	if err := s.loadOrCreateConfig(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(s.logOptions())
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	s.logger = logger
	log := logger.Logger
	log.Info().Str("version", config.Version).Str("config", s.configPath).Msg("intercept starting")

	if s.core, err = NewCore(s.cfg, log); err != nil {
		_ = logger.Close()
		return fmt.Errorf("failed to open core: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.mcpServer = newMCPServer(s.core, component(log, "mcp"))
	if err := s.mcpServer.Start(s.cfg.MCPPort); err != nil {
		_ = s.shutdown()
		return fmt.Errorf("failed to start MCP server: %w", err)
	}

	markStarted()
	log.Info().Str("mode", s.core.Mode()).Msgf("MCP server listening on http://%s/mcp", s.mcpServer.Addr())
	s.printMCPConfig()

	select {
	case <-ctx.Done():
		log.Info().Msg("context cancelled, initiating shutdown")
	case sig := <-sigCh:
		log.Info().Stringer("signal", sig).Msg("received signal, initiating shutdown")
	case <-s.shutdownCh:
		log.Info().Msg("shutdown requested")
	}

	return s.shutdown()
}

// shutdown stops the MCP server, then closes the core and the logger.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log := s.logger.Logger
	var errs []error
	if s.mcpServer != nil {
		if err := s.mcpServer.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("MCP server shutdown error")
		}
	}
	if s.core != nil {
		if err := s.core.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close core")
			errs = append(errs, err)
		}
	}

	log.Info().Msg("intercept stopped")
	errs = append(errs, s.logger.Close())
	return errors.Join(errs...)
}

// RequestShutdown initiates server shutdown.
func (s *Server) RequestShutdown() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	select {
	case <-s.shutdownCh:
		// Already shutting down
	default:
		close(s.shutdownCh)
	}
}

// loadOrCreateConfig loads config and applies CLI flag overrides.
// Precedence: CLI flags > config file > defaults
func (s *Server) loadOrCreateConfig() error {
	s.configPath = s.flags.ConfigPath
	if s.configPath == "" {
		dataDir := s.flags.DataDir
		if dataDir == "" {
			dataDir = config.DefaultDataDir()
		}
		s.configPath = filepath.Join(dataDir, configFile)
	}

	cfg, err := config.Load(s.configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.DefaultConfig(config.Version)
		if s.flags.DataDir != "" {
			cfg.DataDir = s.flags.DataDir
		}
		if err := cfg.Save(s.configPath); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	// non-zero flag values override config
	if s.flags.DataDir != "" {
		cfg.DataDir = s.flags.DataDir
	}
	if s.flags.MCPPort != 0 {
		cfg.MCPPort = s.flags.MCPPort
	}
	if s.flags.Mode != "" {
		cfg.Mode = s.flags.Mode
	}
	if s.flags.LogLevel != "" {
		cfg.Log.Level = s.flags.LogLevel
	}
	if s.flags.VerboseErrors {
		cfg.VerboseErrors = true
	}

	s.cfg = cfg
	return nil
}

func (s *Server) logOptions() logging.Options {
	opts := logging.Options{
		Level:      s.cfg.Log.Level,
		Writers:    s.cfg.Log.Writers,
		File:       s.cfg.Log.File,
		MaxSizeMB:  s.cfg.Log.MaxSizeMB,
		MaxBackups: s.cfg.Log.MaxBackups,
		MaxAgeDays: s.cfg.Log.MaxAgeDays,
	}
	if opts.File == "" && slices.Contains(opts.Writers, logging.WriterFile) {
		opts.File = filepath.Join(s.cfg.DataDir, logFile)
	}
	return opts
}

// printMCPConfig outputs MCP configuration instructions to stderr.
func (s *Server) printMCPConfig() {
	if s.flags.Quiet {
		return
	}
	addr := s.mcpServer.Addr()
	mcpURL := fmt.Sprintf("http://%s/mcp", addr)

	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "================================================================================")
	_, _ = fmt.Fprintf(os.Stderr, "MCP Endpoint: %s\n", mcpURL)
	_, _ = fmt.Fprintf(os.Stderr, "SSE Endpoint: http://%s/sse (legacy)\n", addr)
	_, _ = fmt.Fprintf(os.Stderr, "Mode: %s\n", s.core.Mode())
	_, _ = fmt.Fprintf(os.Stderr, "Session: %s\n", s.core.SessionInfo().ID)
	_, _ = fmt.Fprintln(os.Stderr, "================================================================================")
	_, _ = fmt.Fprintln(os.Stderr, "")
}
