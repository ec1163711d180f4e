package service

import (
	"context"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/interceptor/intercept/service/alerts"
	"github.com/go-appsec/interceptor/intercept/service/apierr"
)

func (m *mcpServer) addMessageTools() {
	m.server.AddTool(m.messageGetTool(), m.handleMessageGet)
	m.server.AddTool(m.messageListTool(), m.handleMessageList)
	m.server.AddTool(m.messageCountTool(), m.handleMessageCount)
	m.server.AddTool(m.messageHARTool(), m.handleMessageHAR)
}

func (m *mcpServer) addAlertTools() {
	m.server.AddTool(m.alertGetTool(), m.handleAlertGet)
	m.server.AddTool(m.alertListTool(), m.handleAlertList)
	m.server.AddTool(m.alertSummaryTool(), m.handleAlertSummary)
	m.server.AddTool(m.alertCountTool(), m.handleAlertCount)
	m.server.AddTool(m.alertDeleteTool(), m.handleAlertDelete)
	m.server.AddTool(m.alertAddTool(), m.handleAlertAdd)
}

func (m *mcpServer) addSiteTools() {
	m.server.AddTool(m.siteNodeDeleteTool(), m.handleSiteNodeDelete)
	m.server.AddTool(m.siteHostsTool(), m.handleSiteHosts)
	m.server.AddTool(m.siteListTool(), m.handleSiteList)
	m.server.AddTool(m.siteURLsTool(), m.handleSiteURLs)
}

func (m *mcpServer) messageGetTool() mcp.Tool {
	return mcp.NewTool("message_get",
		mcp.WithDescription(`Get recorded exchanges by id.

Pass id for one message or ids (comma-separated) for several; any unknown id fails the whole call.
Response bodies are decoded per Content-Encoding. Binary bodies are returned as "<BINARY:N Bytes>".`),
		mcp.WithNumber("id", mcp.Description("Message id")),
		mcp.WithString("ids", mcp.Description("Comma-separated message ids")),
	)
}

func (m *mcpServer) handleMessageGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if ids := req.GetString("ids", ""); ids != "" {
		views, err := m.core.MessagesByID(ctx, ids)
		if err != nil {
			return m.failure(err), nil
		}
		return jsonResult(map[string]any{"messages": views})
	}
	id, err := requireInt(req, "id")
	if err != nil {
		return m.failure(err), nil
	}
	view, err := m.core.Message(ctx, int64(id))
	if err != nil {
		return m.failure(err), nil
	}
	return jsonResult(map[string]any{"message": view})
}

func (m *mcpServer) messageListTool() mcp.Tool {
	return mcp.NewTool("message_list",
		append([]mcp.ToolOption{
			mcp.WithDescription("List recorded exchanges in id order. Temporary messages and images are skipped."),
		}, withWindow()...)...,
	)
}

func (m *mcpServer) handleMessageList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start, count, err := window(req)
	if err != nil {
		return m.failure(err), nil
	}
	views, err := m.core.Messages(ctx, req.GetString("baseurl", ""), start, count)
	if err != nil {
		return m.failure(err), nil
	}
	return jsonResult(map[string]any{"messages": views})
}

func (m *mcpServer) messageCountTool() mcp.Tool {
	return mcp.NewTool("message_count",
		mcp.WithDescription("Count recorded exchanges, ignoring pagination."),
		mcp.WithString("baseurl", mcp.Description("Only count URLs starting with this prefix")),
	)
}

func (m *mcpServer) handleMessageCount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := m.core.NumberOfMessages(ctx, req.GetString("baseurl", ""))
	if err != nil {
		return m.failure(err), nil
	}
	return jsonResult(map[string]int{"count": n})
}

func (m *mcpServer) messageHARTool() mcp.Tool {
	return mcp.NewTool("message_har",
		append([]mcp.ToolOption{
			mcp.WithDescription("Export recorded exchanges as a HAR 1.2 document, by ids or by listing window."),
			mcp.WithString("ids", mcp.Description("Comma-separated message ids; overrides the listing filters")),
		}, withWindow()...)...,
	)
}

func (m *mcpServer) handleMessageHAR(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var doc []byte
	var err error
	if ids := req.GetString("ids", ""); ids != "" {
		doc, err = m.core.MessagesHARByID(ctx, ids)
	} else {
		var start, count int
		if start, count, err = window(req); err == nil {
			doc, err = m.core.MessagesHAR(ctx, req.GetString("baseurl", ""), start, count)
		}
	}
	if err != nil {
		return m.failure(err), nil
	}
	return mcp.NewToolResultText(string(doc)), nil
}

func (m *mcpServer) alertGetTool() mcp.Tool {
	return mcp.NewTool("alert_get",
		mcp.WithDescription("Get a finding by id."),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Alert id")),
	)
}

func (m *mcpServer) handleAlertGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireInt(req, "id")
	if err != nil {
		return m.failure(err), nil
	}
	view, err := m.core.Alert(ctx, int64(id))
	if err != nil {
		return m.failure(err), nil
	}
	return jsonResult(map[string]any{"alert": view})
}

func (m *mcpServer) alertListTool() mcp.Tool {
	return mcp.NewTool("alert_list",
		append([]mcp.ToolOption{
			mcp.WithDescription("List findings in id order. False positives and exact duplicates are skipped."),
			mcp.WithString("risk_id", mcp.Description("Only include one risk: 0 informational, 1 low, 2 medium, 3 high")),
		}, withWindow()...)...,
	)
}

func (m *mcpServer) handleAlertList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start, count, err := window(req)
	if err != nil {
		return m.failure(err), nil
	}
	risk, err := riskArg(req)
	if err != nil {
		return m.failure(err), nil
	}
	views, err := m.core.Alerts(ctx, req.GetString("baseurl", ""), start, count, risk)
	if err != nil {
		return m.failure(err), nil
	}
	return jsonResult(map[string]any{"alerts": views})
}

// riskArg reads the optional risk_id filter, given as a number or a numeric
// string, in the form the core validates.
func riskArg(req mcp.CallToolRequest) (string, error) {
	v, ok, err := argInt(req, "risk_id")
	if err != nil || !ok {
		return "", err
	}
	return strconv.Itoa(v), nil
}

func (m *mcpServer) alertSummaryTool() mcp.Tool {
	return mcp.NewTool("alert_summary",
		mcp.WithDescription("Count findings per risk level."),
		mcp.WithString("baseurl", mcp.Description("Only count URLs starting with this prefix")),
	)
}

func (m *mcpServer) handleAlertSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := m.core.AlertsSummary(ctx, req.GetString("baseurl", ""))
	if err != nil {
		return m.failure(err), nil
	}
	return jsonResult(map[string]any{"alertsSummary": summary})
}

func (m *mcpServer) alertCountTool() mcp.Tool {
	return mcp.NewTool("alert_count",
		mcp.WithDescription("Count findings, ignoring pagination."),
		mcp.WithString("baseurl", mcp.Description("Only count URLs starting with this prefix")),
		mcp.WithNumber("risk_id", mcp.Description("Only count one risk: 0 informational, 1 low, 2 medium, 3 high")),
	)
}

func (m *mcpServer) handleAlertCount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	risk, err := riskArg(req)
	if err != nil {
		return m.failure(err), nil
	}
	n, err := m.core.NumberOfAlerts(ctx, req.GetString("baseurl", ""), risk)
	if err != nil {
		return m.failure(err), nil
	}
	return jsonResult(map[string]int{"count": n})
}

func (m *mcpServer) alertDeleteTool() mcp.Tool {
	return mcp.NewTool("alert_delete",
		mcp.WithDescription("Delete a finding by id, or every finding with all=true."),
		mcp.WithNumber("id", mcp.Description("Alert id")),
		mcp.WithBoolean("all", mcp.Description("Delete every finding")),
	)
}

func (m *mcpServer) handleAlertDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	all, err := flagArg(req, "all", false)
	if err != nil {
		return m.failure(err), nil
	} else if all {
		if err := m.core.DeleteAllAlerts(ctx); err != nil {
			return m.failure(err), nil
		}
		return okResult()
	}
	id, err := requireInt(req, "id")
	if err != nil {
		return m.failure(err), nil
	} else if err := m.core.DeleteAlert(ctx, int64(id)); err != nil {
		return m.failure(err), nil
	}
	return okResult()
}

func (m *mcpServer) alertAddTool() mcp.Tool {
	return mcp.NewTool("alert_add",
		mcp.WithDescription("Record a finding, optionally linked to the message that triggered it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Finding name")),
		mcp.WithNumber("risk_id", mcp.Required(), mcp.Description("0 informational, 1 low, 2 medium, 3 high")),
		mcp.WithNumber("confidence_id", mcp.Description("0 false positive, 1 low, 2 medium (default), 3 high, 4 confirmed")),
		mcp.WithString("url", mcp.Required(), mcp.Description("Affected URL")),
		mcp.WithString("method", mcp.Description("HTTP method")),
		mcp.WithNumber("message_id", mcp.Description("Id of the message that triggered the finding")),
		mcp.WithNumber("plugin_id", mcp.Description("Rule identifier")),
		mcp.WithString("description", mcp.Description("Description")),
		mcp.WithString("param", mcp.Description("Affected parameter")),
		mcp.WithString("attack", mcp.Description("Attack string")),
		mcp.WithString("evidence", mcp.Description("Evidence")),
		mcp.WithString("other", mcp.Description("Other information")),
		mcp.WithString("reference", mcp.Description("References")),
		mcp.WithString("solution", mcp.Description("Solution")),
		mcp.WithNumber("cwe_id", mcp.Description("CWE id")),
		mcp.WithNumber("wasc_id", mcp.Description("WASC id")),
	)
}

func (m *mcpServer) handleAlertAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ints := map[string]int{"confidence_id": int(alerts.ConfidenceMedium)}
	for _, key := range []string{"risk_id", "confidence_id", "message_id", "plugin_id", "cwe_id", "wasc_id"} {
		v, ok, err := argInt(req, key)
		if err != nil {
			return m.failure(err), nil
		} else if ok {
			ints[key] = v
		} else if key == "risk_id" {
			return m.failure(apierr.Missing(key)), nil
		}
	}
	if req.GetString("name", "") == "" {
		return m.failure(apierr.Missing("name")), nil
	}

	a := &alerts.Alert{
		PluginID:    ints["plugin_id"],
		Name:        req.GetString("name", ""),
		Description: req.GetString("description", ""),
		Risk:        alerts.Risk(ints["risk_id"]),
		Confidence:  alerts.Confidence(ints["confidence_id"]),
		URI:         req.GetString("url", ""),
		Method:      req.GetString("method", ""),
		Param:       req.GetString("param", ""),
		Attack:      req.GetString("attack", ""),
		Evidence:    req.GetString("evidence", ""),
		Other:       req.GetString("other", ""),
		Reference:   req.GetString("reference", ""),
		Solution:    req.GetString("solution", ""),
		CWEID:       ints["cwe_id"],
		WASCID:      ints["wasc_id"],
		HistoryID:   int64(ints["message_id"]),
	}
	id, err := m.core.AddAlert(ctx, a)
	if err != nil {
		return m.failure(err), nil
	}
	return jsonResult(map[string]int64{"id": id})
}

func (m *mcpServer) siteNodeDeleteTool() mcp.Tool {
	return mcp.NewTool("site_node_delete",
		mcp.WithDescription("Delete the site tree node for a request and everything below it, including the recorded messages and their findings."),
		mcp.WithString("url", mcp.Required(), mcp.Description("URL of the node")),
		mcp.WithString("method", mcp.Description("HTTP method (default GET)")),
		mcp.WithString("post_data", mcp.Description("Form body, used to tell POST nodes apart by parameter names")),
	)
}

func (m *mcpServer) handleSiteNodeDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	err := m.core.DeleteSiteNode(ctx, req.GetString("url", ""), req.GetString("method", ""), req.GetString("post_data", ""))
	if err != nil {
		return m.failure(err), nil
	}
	return okResult()
}

func (m *mcpServer) siteHostsTool() mcp.Tool {
	return mcp.NewTool("site_hosts",
		mcp.WithDescription("List the host names seen in recorded traffic."),
	)
}

func (m *mcpServer) handleSiteHosts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"hosts": m.core.Hosts()})
}

func (m *mcpServer) siteListTool() mcp.Tool {
	return mcp.NewTool("site_list",
		mcp.WithDescription("List the sites (scheme://host[:port]) seen in recorded traffic."),
	)
}

func (m *mcpServer) handleSiteList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"sites": m.core.Sites()})
}

func (m *mcpServer) siteURLsTool() mcp.Tool {
	return mcp.NewTool("site_urls",
		mcp.WithDescription("List the distinct URLs in the site tree."),
		mcp.WithString("baseurl", mcp.Description("Only include URLs starting with this prefix")),
	)
}

func (m *mcpServer) handleSiteURLs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"urls": m.core.URLs(req.GetString("baseurl", ""))})
}
