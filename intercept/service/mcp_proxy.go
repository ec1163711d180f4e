package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/interceptor/intercept/service/apierr"
	"github.com/go-appsec/interceptor/intercept/service/exclude"
	"github.com/go-appsec/interceptor/intercept/service/mode"
)

func (m *mcpServer) addModeTools() {
	m.server.AddTool(m.modeGetTool(), m.handleModeGet)
	m.server.AddTool(m.modeSetTool(), m.handleModeSet)
	m.server.AddTool(m.errorsVerboseTool(), m.handleErrorsVerbose)
}

func (m *mcpServer) addRequestTools() {
	m.server.AddTool(m.requestSendTool(), m.handleRequestSend)
	m.server.AddTool(m.urlAccessTool(), m.handleURLAccess)
	m.server.AddTool(m.harSendTool(), m.handleHARSend)
}

func (m *mcpServer) addExclusionTools() {
	m.server.AddTool(m.domainListTool(), m.handleDomainList)
	m.server.AddTool(m.domainAddTool(), m.handleDomainAdd)
	m.server.AddTool(m.domainModifyTool(), m.handleDomainModify)
	m.server.AddTool(m.domainRemoveTool(), m.handleDomainRemove)
	m.server.AddTool(m.domainToggleAllTool(), m.handleDomainToggleAll)
	m.server.AddTool(m.proxyExcludeTool(), m.handleProxyExclude)
}

func (m *mcpServer) addCATools() {
	m.server.AddTool(m.caGenerateTool(), m.handleCAGenerate)
	m.server.AddTool(m.caGetTool(), m.handleCAGet)
	m.server.AddTool(m.proxyPACTool(), m.handleProxyPAC)
}

func (m *mcpServer) modeGetTool() mcp.Tool {
	return mcp.NewTool("mode_get",
		mcp.WithDescription("Get the current mode (safe, protect, standard or attack)."),
	)
}

func (m *mcpServer) handleModeGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]string{"mode": m.core.Mode()})
}

func (m *mcpServer) modeSetTool() mcp.Tool {
	return mcp.NewTool("mode_set",
		mcp.WithDescription(`Set the mode gating every outbound request.

- safe: no request is sent
- protect: only in-scope targets, including redirect targets
- standard / attack: all targets`),
		mcp.WithString("mode", mcp.Required(), mcp.Description("Mode: "+strings.Join(mode.Names(), ", "))),
	)
}

func (m *mcpServer) handleModeSet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := m.core.SetMode(req.GetString("mode", "")); err != nil {
		return m.failure(err), nil
	}
	return jsonResult(map[string]string{"mode": m.core.Mode()})
}

func (m *mcpServer) errorsVerboseTool() mcp.Tool {
	return mcp.NewTool("errors_verbose",
		mcp.WithDescription("Enable or disable internal error details in tool errors."),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("Report internal error details")),
	)
}

func (m *mcpServer) handleErrorsVerbose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, err := argBool(req, "enabled")
	if err != nil {
		return m.failure(err), nil
	} else if enabled == nil {
		return m.failure(apierr.Missing("enabled")), nil
	}
	m.core.SetVerboseErrors(*enabled)
	return jsonResult(map[string]bool{"verbose_errors": m.core.VerboseErrors()})
}

func (m *mcpServer) requestSendTool() mcp.Tool {
	return mcp.NewTool("request_send",
		mcp.WithDescription(`Send a raw HTTP/1.x request and record the exchange.

The request line may use an absolute URL, or a path with a Host header.
With follow_redirects every hop is recorded; a redirect to a target blocked by the mode
ends the chain and the call fails with a mode violation, keeping the recorded hops.`),
		mcp.WithString("request", mcp.Required(), mcp.Description("Raw request text: request line, headers, blank line, body")),
		mcp.WithBoolean("follow_redirects", mcp.Description("Follow redirects (default false)")),
	)
}

func (m *mcpServer) handleRequestSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	follow, err := flagArg(req, "follow_redirects", false)
	if err != nil {
		return m.failure(err), nil
	}
	views, err := m.core.SendRequest(ctx, req.GetString("request", ""), follow)
	return m.hopsResult("request_send", views, err)
}

func (m *mcpServer) urlAccessTool() mcp.Tool {
	return mcp.NewTool("url_access",
		mcp.WithDescription("Send a GET request for a URL and record it as proxied traffic."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Absolute http or https URL")),
		mcp.WithBoolean("follow_redirects", mcp.Description("Follow redirects (default false)")),
	)
}

func (m *mcpServer) handleURLAccess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	follow, err := flagArg(req, "follow_redirects", false)
	if err != nil {
		return m.failure(err), nil
	}
	views, err := m.core.AccessURL(ctx, req.GetString("url", ""), follow)
	return m.hopsResult("url_access", views, err)
}

func (m *mcpServer) harSendTool() mcp.Tool {
	return mcp.NewTool("har_send",
		mcp.WithDescription("Send the request described by a HAR request object (or the first entry of a HAR log)."),
		mcp.WithString("request", mcp.Required(), mcp.Description("HAR request JSON")),
		mcp.WithBoolean("follow_redirects", mcp.Description("Follow redirects (default false)")),
	)
}

func (m *mcpServer) handleHARSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	follow, err := flagArg(req, "follow_redirects", false)
	if err != nil {
		return m.failure(err), nil
	}
	views, err := m.core.SendHARRequest(ctx, req.GetString("request", ""), follow)
	return m.hopsResult("har_send", views, err)
}

func (m *mcpServer) hopsResult(tool string, views []MessageView, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		m.log.Debug().Str("tool", tool).Int("recorded", len(views)).Err(err).Msg("send failed")
		if len(views) == 0 {
			return m.failure(err), nil
		}
		ids := make([]string, len(views))
		for i, v := range views {
			ids[i] = strconv.FormatInt(v.ID, 10)
		}
		return errorResult(m.core.ErrorMessage(err) + " (recorded message ids: " + strings.Join(ids, ",") + ")"), nil
	}
	m.log.Debug().Str("tool", tool).Int("recorded", len(views)).Msg("send completed")
	return jsonResult(map[string]any{"messages": views})
}

func (m *mcpServer) domainListTool() mcp.Tool {
	return mcp.NewTool("domain_list",
		mcp.WithDescription("List the domains the proxy passes through without interception, with their index."),
		mcp.WithBoolean("enabled_only", mcp.Description("Only list enabled rules (indexes keep their list position)")),
	)
}

func (m *mcpServer) handleDomainList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabledOnly, err := flagArg(req, "enabled_only", false)
	if err != nil {
		return m.failure(err), nil
	}
	return jsonResult(map[string]any{"domains": m.core.ExcludedDomains(enabledOnly)})
}

func (m *mcpServer) domainAddTool() mcp.Tool {
	return mcp.NewTool("domain_add",
		mcp.WithDescription("Append a domain exclusion rule. Literal values match the host exactly; regex values must match the whole host."),
		mcp.WithString("value", mcp.Required(), mcp.Description("Host name or regex (RE2)")),
		mcp.WithBoolean("is_regex", mcp.Description("Treat value as a regex (default false)")),
		mcp.WithBoolean("is_enabled", mcp.Description("Enable the rule (default true)")),
	)
}

func (m *mcpServer) handleDomainAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	regex, err := flagArg(req, "is_regex", false)
	if err != nil {
		return m.failure(err), nil
	}
	enabled, err := flagArg(req, "is_enabled", true)
	if err != nil {
		return m.failure(err), nil
	}
	if err := m.core.AddExcludedDomain(req.GetString("value", ""), regex, enabled); err != nil {
		return m.failure(err), nil
	}
	return okResult()
}

func (m *mcpServer) domainModifyTool() mcp.Tool {
	return mcp.NewTool("domain_modify",
		mcp.WithDescription("Change the domain exclusion rule at idx. Omitted fields (and an empty value) keep their current setting."),
		mcp.WithNumber("idx", mcp.Required(), mcp.Description("Rule index from domain_list")),
		mcp.WithString("value", mcp.Description("New host name or regex")),
		mcp.WithBoolean("is_regex", mcp.Description("Treat value as a regex")),
		mcp.WithBoolean("is_enabled", mcp.Description("Enable the rule")),
	)
}

func (m *mcpServer) handleDomainModify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	idx, err := requireInt(req, "idx")
	if err != nil {
		return m.failure(err), nil
	}
	change := exclude.Change{Value: req.GetString("value", "")}
	if change.Regex, err = argBool(req, "is_regex"); err != nil {
		return m.failure(err), nil
	} else if change.Enabled, err = argBool(req, "is_enabled"); err != nil {
		return m.failure(err), nil
	}
	if err := m.core.ModifyExcludedDomain(idx, change); err != nil {
		return m.failure(err), nil
	}
	return okResult()
}

func (m *mcpServer) domainRemoveTool() mcp.Tool {
	return mcp.NewTool("domain_remove",
		mcp.WithDescription("Remove the domain exclusion rule at idx; later rules shift down."),
		mcp.WithNumber("idx", mcp.Required(), mcp.Description("Rule index from domain_list")),
	)
}

func (m *mcpServer) handleDomainRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	idx, err := requireInt(req, "idx")
	if err != nil {
		return m.failure(err), nil
	} else if err := m.core.RemoveExcludedDomain(idx); err != nil {
		return m.failure(err), nil
	}
	return okResult()
}

func (m *mcpServer) domainToggleAllTool() mcp.Tool {
	return mcp.NewTool("domain_toggle_all",
		mcp.WithDescription("Enable or disable every domain exclusion rule."),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("true enables all rules, false disables all")),
	)
}

func (m *mcpServer) handleDomainToggleAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, err := argBool(req, "enabled")
	if err != nil {
		return m.failure(err), nil
	} else if enabled == nil {
		return m.failure(apierr.Missing("enabled")), nil
	}
	if *enabled {
		err = m.core.EnableAllExcludedDomains()
	} else {
		err = m.core.DisableAllExcludedDomains()
	}
	if err != nil {
		return m.failure(err), nil
	}
	return okResult()
}

func (m *mcpServer) proxyExcludeTool() mcp.Tool {
	return mcp.NewTool("proxy_exclude",
		mcp.WithDescription(`Manage URL regexes the proxy passes through without recording.

Adds regex when given, clears all regexes first when clear is set, and returns the current list.`),
		mcp.WithString("regex", mcp.Description("Regex (RE2) that must match the whole URL")),
		mcp.WithBoolean("clear", mcp.Description("Remove every regex before adding")),
	)
}

func (m *mcpServer) handleProxyExclude(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reset, err := flagArg(req, "clear", false)
	if err != nil {
		return m.failure(err), nil
	} else if reset {
		if err := m.core.ClearExcludedFromProxy(); err != nil {
			return m.failure(err), nil
		}
	}
	if regex := req.GetString("regex", ""); regex != "" {
		if err := m.core.ExcludeFromProxy(regex); err != nil {
			return m.failure(err), nil
		}
	}
	return jsonResult(map[string]any{"excluded": m.core.ExcludedFromProxy()})
}

func (m *mcpServer) caGenerateTool() mcp.Tool {
	return mcp.NewTool("ca_generate",
		mcp.WithDescription("Generate a new root CA certificate, replacing the current one."),
	)
}

func (m *mcpServer) handleCAGenerate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := m.core.GenerateRootCA(); err != nil {
		return m.failure(err), nil
	}
	return okResult()
}

func (m *mcpServer) caGetTool() mcp.Tool {
	return mcp.NewTool("ca_get",
		mcp.WithDescription("Get the root CA certificate in PEM form."),
	)
}

func (m *mcpServer) handleCAGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pem, err := m.core.RootCertPEM()
	if err != nil {
		return m.failure(err), nil
	}
	return mcp.NewToolResultText(string(pem)), nil
}

func (m *mcpServer) proxyPACTool() mcp.Tool {
	return mcp.NewTool("proxy_pac",
		mcp.WithDescription("Get a proxy auto-config script routing browsers through the proxy. Enabled literal domain exclusions go direct."),
		mcp.WithString("host", mcp.Description("Proxy host (default 127.0.0.1)")),
		mcp.WithNumber("port", mcp.Required(), mcp.Description("Proxy port")),
	)
}

func (m *mcpServer) handleProxyPAC(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port, err := requireInt(req, "port")
	if err != nil {
		return m.failure(err), nil
	}
	pac, err := m.core.ProxyPAC(req.GetString("host", "127.0.0.1"), port)
	if err != nil {
		return m.failure(err), nil
	}
	return mcp.NewToolResultText(pac), nil
}
