package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/go-appsec/interceptor/intercept/config"
	"github.com/go-appsec/interceptor/intercept/service/apierr"
)

const serverInstructions = `Intercepting proxy core. Requests are gated by the current mode:
safe blocks everything, protect only allows in-scope targets, standard and attack allow all.
Sent requests and followed redirect hops are recorded and can be listed with message_list.
Listing tools accept baseurl (prefix filter), start (1-based) and count (page size).`

// mcpServer wraps the MCP server and its dependencies.
type mcpServer struct {
	server           *server.MCPServer
	sseServer        *server.SSEServer
	streamableServer *server.StreamableHTTPServer
	httpServer       *http.Server
	listener         net.Listener
	core             *Core
	log              zerolog.Logger
}

// newMCPServer creates a new MCP server exposing the core operations.
func newMCPServer(core *Core, log zerolog.Logger) *mcpServer {
	mcpSrv := server.NewMCPServer("intercept", config.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithInstructions(serverInstructions),
	)

	m := &mcpServer{
		server: mcpSrv,
		core:   core,
		log:    log,
	}

	m.registerTools()

	return m
}

func (m *mcpServer) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	m.listener = listener
	addr = listener.Addr().String()

	// SSE server for legacy clients
	m.sseServer = server.NewSSEServer(m.server,
		server.WithBaseURL("http://"+addr),
	)

	// Streamable HTTP server for modern clients
	m.streamableServer = server.NewStreamableHTTPServer(m.server,
		server.WithStateLess(true),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", m.streamableServer)
	mux.Handle("/sse", m.sseServer)
	mux.Handle("/sse/", m.sseServer)

	m.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := m.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error().Err(err).Msg("MCP server error")
		}
	}()

	return nil
}

func (m *mcpServer) Addr() string {
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return ""
}

// Close stops the MCP server.
func (m *mcpServer) Close(ctx context.Context) error {
	var errs []error

	// Streaming connections (SSE, MCP) never become idle, so Shutdown blocks.
	if m.httpServer != nil {
		shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		err := m.httpServer.Shutdown(shortCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			if closeErr := m.httpServer.Close(); closeErr != nil {
				errs = append(errs, closeErr)
			}
		} else if err != nil {
			errs = append(errs, err)
		}
	}

	if m.sseServer != nil {
		if err := m.sseServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.streamableServer != nil {
		if err := m.streamableServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *mcpServer) registerTools() {
	m.addModeTools()
	m.addRequestTools()
	m.addMessageTools()
	m.addAlertTools()
	m.addSiteTools()
	m.addExclusionTools()
	m.addSessionTools()
	m.addCATools()
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errorResult("failed to marshal response: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func errorResult(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// failure renders err through the core so internal details follow the verbose errors setting.
func (m *mcpServer) failure(err error) *mcp.CallToolResult {
	return errorResult(m.core.ErrorMessage(err))
}

// okResult is returned by tools without a payload.
func okResult() (*mcp.CallToolResult, error) {
	return jsonResult(map[string]string{"result": "OK"})
}

// argInt returns the integer argument key and whether it was supplied.
func argInt(req mcp.CallToolRequest, key string) (int, bool, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, true, apierr.Illegal(key)
		}
		return int(n), true, nil
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case string:
		var i int
		if _, err := fmt.Sscan(n, &i); err != nil {
			return 0, true, apierr.Illegal(key)
		}
		return i, true, nil
	default:
		return 0, true, apierr.Illegal(key)
	}
}

// requireInt returns the integer argument key, failing when it is absent or malformed.
func requireInt(req mcp.CallToolRequest, key string) (int, error) {
	v, ok, err := argInt(req, key)
	if err != nil {
		return 0, err
	} else if !ok {
		return 0, apierr.Missing(key)
	}
	return v, nil
}

// argBool returns the boolean argument key, or nil when it was not supplied.
func argBool(req mcp.CallToolRequest, key string) (*bool, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch b := v.(type) {
	case bool:
		return &b, nil
	case string:
		switch b {
		case "true":
			t := true
			return &t, nil
		case "false":
			f := false
			return &f, nil
		}
	}
	return nil, apierr.Illegal(key)
}

// flagArg returns the boolean argument key, or def when it was not supplied.
func flagArg(req mcp.CallToolRequest, key string, def bool) (bool, error) {
	b, err := argBool(req, key)
	if err != nil {
		return false, err
	} else if b == nil {
		return def, nil
	}
	return *b, nil
}

// window reads the start and count pagination arguments.
func window(req mcp.CallToolRequest) (start, count int, err error) {
	if start, _, err = argInt(req, "start"); err != nil {
		return 0, 0, err
	}
	count, _, err = argInt(req, "count")
	return start, count, err
}

func withWindow() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("baseurl", mcp.Description("Only include URLs starting with this prefix")),
		mcp.WithNumber("start", mcp.Description("1-based position of the first result; 0 starts at the beginning")),
		mcp.WithNumber("count", mcp.Description("Maximum results to return; 0 returns all")),
	}
}
