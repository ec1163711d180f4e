package service

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// setupMCP creates an MCP server over a fresh core with an in-process client.
func setupMCP(t *testing.T) (*mcpServer, *client.Client) {
	t.Helper()

	core := newTestCore(t, nil)
	m := newMCPServer(core, zerolog.Nop())

	mcpClient, err := client.NewInProcessClient(m.server)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	_, err = mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ClientInfo: mcp.Implementation{
				Name:    "intercept-test",
				Version: "1.0.0",
			},
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mcpClient.Close() })

	return m, mcpClient
}

func callTool(t *testing.T, c *client.Client, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	result, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	require.NoError(t, err)
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "result should have content")
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content found in result")
	return ""
}

// callOK calls a tool that must succeed and returns its text.
func callOK(t *testing.T, c *client.Client, name string, args map[string]interface{}) string {
	t.Helper()

	result := callTool(t, c, name, args)
	text := resultText(t, result)
	require.False(t, result.IsError, "%s failed: %s", name, text)
	return text
}

func TestMCP_ListTools(t *testing.T) {
	t.Parallel()

	_, mcpClient := setupMCP(t)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)

	expectedTools := []string{
		"mode_get", "mode_set", "errors_verbose",
		"request_send", "url_access", "har_send",
		"message_get", "message_list", "message_count", "message_har",
		"alert_get", "alert_list", "alert_summary", "alert_count", "alert_delete", "alert_add",
		"site_node_delete", "site_hosts", "site_list", "site_urls",
		"domain_list", "domain_add", "domain_modify", "domain_remove", "domain_toggle_all", "proxy_exclude",
		"session_info", "session_new", "session_load", "session_save", "session_snapshot",
		"ca_generate", "ca_get", "proxy_pac",
	}

	toolNames := make([]string, len(result.Tools))
	for i, tool := range result.Tools {
		toolNames[i] = tool.Name
	}
	assert.ElementsMatch(t, expectedTools, toolNames)
}

func TestMCP_Mode(t *testing.T) {
	t.Parallel()

	_, mcpClient := setupMCP(t)

	text := callOK(t, mcpClient, "mode_get", nil)
	assert.Equal(t, "standard", gjson.Get(text, "mode").String())

	text = callOK(t, mcpClient, "mode_set", map[string]interface{}{"mode": "protect"})
	assert.Equal(t, "protect", gjson.Get(text, "mode").String())

	result := callTool(t, mcpClient, "mode_set", map[string]interface{}{"mode": "safee"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), `did you mean "safe"`)

	result = callTool(t, mcpClient, "mode_set", nil)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "mode")
}

func TestMCP_RequestFlow(t *testing.T) {
	t.Parallel()

	target := newTarget(t)
	_, mcpClient := setupMCP(t)

	text := callOK(t, mcpClient, "url_access", map[string]interface{}{
		"url":              target.URL + "/a",
		"follow_redirects": true,
	})
	msgs := gjson.Get(text, "messages").Array()
	require.Len(t, msgs, 3)
	firstID := msgs[0].Get("id").Int()
	assert.Equal(t, "done", msgs[2].Get("response_body").String())

	text = callOK(t, mcpClient, "message_count", map[string]interface{}{"baseurl": target.URL})
	assert.Equal(t, int64(3), gjson.Get(text, "count").Int())

	text = callOK(t, mcpClient, "message_list", map[string]interface{}{"start": 3, "count": 5})
	require.Len(t, gjson.Get(text, "messages").Array(), 1)

	text = callOK(t, mcpClient, "message_get", map[string]interface{}{"id": firstID})
	assert.Equal(t, target.URL+"/a", gjson.Get(text, "message.url").String())
	assert.Equal(t, int64(http.StatusFound), gjson.Get(text, "message.status").Int())

	text = callOK(t, mcpClient, "message_get", map[string]interface{}{
		"ids": strconv.FormatInt(firstID, 10) + "," + strconv.FormatInt(firstID+1, 10),
	})
	assert.Len(t, gjson.Get(text, "messages").Array(), 2)

	text = callOK(t, mcpClient, "message_har", map[string]interface{}{"ids": strconv.FormatInt(firstID, 10)})
	assert.Equal(t, "1.2", gjson.Get(text, "log.version").String())
	assert.Equal(t, "GET", gjson.Get(text, "log.entries.0.request.method").String())

	text = callOK(t, mcpClient, "site_hosts", nil)
	assert.Equal(t, "127.0.0.1", gjson.Get(text, "hosts.0").String())

	text = callOK(t, mcpClient, "site_urls", map[string]interface{}{"baseurl": target.URL})
	assert.Len(t, gjson.Get(text, "urls").Array(), 3)

	callOK(t, mcpClient, "site_node_delete", map[string]interface{}{"url": target.URL + "/c"})
	text = callOK(t, mcpClient, "message_count", nil)
	assert.Equal(t, int64(2), gjson.Get(text, "count").Int())

	result := callTool(t, mcpClient, "message_get", map[string]interface{}{"id": 9999})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "does not exist")
}

func TestMCP_RequestSend(t *testing.T) {
	t.Parallel()

	target := newTarget(t)
	_, mcpClient := setupMCP(t)

	text := callOK(t, mcpClient, "request_send", map[string]interface{}{
		"request": "GET " + target.URL + "/page HTTP/1.1\r\n\r\n",
	})
	assert.Equal(t, "hello", gjson.Get(text, "messages.0.response_body").String())
	assert.Equal(t, "user", gjson.Get(text, "messages.0.type_name").String())

	harReq := `{"method":"GET","url":"` + target.URL + `/page","httpVersion":"HTTP/1.1","headers":[]}`
	text = callOK(t, mcpClient, "har_send", map[string]interface{}{"request": harReq})
	assert.Equal(t, int64(http.StatusOK), gjson.Get(text, "messages.0.status").Int())

	text = callOK(t, mcpClient, "url_access", map[string]interface{}{"url": target.URL + "/a", "follow_redirects": "true"})
	assert.Len(t, gjson.Get(text, "messages").Array(), 3)

	result := callTool(t, mcpClient, "url_access", map[string]interface{}{"url": target.URL + "/a", "follow_redirects": "yes"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "follow_redirects")

	callOK(t, mcpClient, "mode_set", map[string]interface{}{"mode": "safe"})
	result = callTool(t, mcpClient, "url_access", map[string]interface{}{"url": target.URL + "/page"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), target.URL+"/page")
	assert.NotContains(t, resultText(t, result), "recorded message ids")
}

func TestMCP_RedirectBlockedKeepsHops(t *testing.T) {
	t.Parallel()

	target := newTarget(t)
	cfg := testConfig(t)
	cfg.Mode = "protect"
	cfg.Scope.Include = []string{regexp.QuoteMeta(target.URL) + "/(a|b)"}
	m := newMCPServer(newTestCore(t, cfg), zerolog.Nop())
	mcpClient, err := client.NewInProcessClient(m.server)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mcpClient.Close() })
	_, err = mcpClient.Initialize(t.Context(), mcp.InitializeRequest{
		Params: mcp.InitializeParams{ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION},
	})
	require.NoError(t, err)

	result := callTool(t, mcpClient, "url_access", map[string]interface{}{"url": target.URL + "/a", "follow_redirects": true})
	require.True(t, result.IsError)
	errText := resultText(t, result)
	assert.Contains(t, errText, "mode violation")

	text := callOK(t, mcpClient, "message_list", nil)
	msgs := gjson.Get(text, "messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, target.URL+"/b", msgs[1].Get("url").String())
	assert.Contains(t, errText, "recorded message ids: "+msgs[0].Get("id").String()+","+msgs[1].Get("id").String())
}

func TestMCP_Alerts(t *testing.T) {
	t.Parallel()

	target := newTarget(t)
	_, mcpClient := setupMCP(t)

	text := callOK(t, mcpClient, "url_access", map[string]interface{}{"url": target.URL + "/page"})
	msgID := gjson.Get(text, "messages.0.id").Int()

	text = callOK(t, mcpClient, "alert_add", map[string]interface{}{
		"name":       "Reflected XSS",
		"risk_id":    3,
		"url":        target.URL + "/page",
		"method":     "GET",
		"message_id": msgID,
		"cwe_id":     79,
	})
	alertID := gjson.Get(text, "id").Int()
	require.Positive(t, alertID)
	callOK(t, mcpClient, "alert_add", map[string]interface{}{
		"name": "Server banner", "risk_id": 0, "url": "http://other.example/",
	})

	text = callOK(t, mcpClient, "alert_get", map[string]interface{}{"id": alertID})
	assert.Equal(t, "High", gjson.Get(text, "alert.risk").String())
	assert.Equal(t, "Medium", gjson.Get(text, "alert.confidence").String())
	assert.Equal(t, strconv.FormatInt(msgID, 10), gjson.Get(text, "alert.messageId").String())

	text = callOK(t, mcpClient, "alert_list", map[string]interface{}{"risk_id": "3"})
	assert.Len(t, gjson.Get(text, "alerts").Array(), 1)
	text = callOK(t, mcpClient, "alert_list", map[string]interface{}{"risk_id": 3})
	alertList := gjson.Get(text, "alerts").Array()
	require.Len(t, alertList, 1)
	assert.Equal(t, alertID, alertList[0].Get("id").Int())
	text = callOK(t, mcpClient, "alert_count", map[string]interface{}{"risk_id": 0})
	assert.Equal(t, int64(1), gjson.Get(text, "count").Int())

	text = callOK(t, mcpClient, "alert_summary", nil)
	assert.Equal(t, int64(1), gjson.Get(text, "alertsSummary.High").Int())
	assert.Equal(t, int64(1), gjson.Get(text, "alertsSummary.Informational").Int())

	text = callOK(t, mcpClient, "alert_count", map[string]interface{}{"baseurl": target.URL})
	assert.Equal(t, int64(1), gjson.Get(text, "count").Int())

	callOK(t, mcpClient, "alert_delete", map[string]interface{}{"id": alertID})
	callOK(t, mcpClient, "alert_delete", map[string]interface{}{"all": true})
	text = callOK(t, mcpClient, "alert_count", nil)
	assert.Equal(t, int64(0), gjson.Get(text, "count").Int())

	t.Run("invalid", func(t *testing.T) {
		cases := []struct {
			name string
			tool string
			args map[string]interface{}
			want string
		}{
			{"add_missing_risk", "alert_add", map[string]interface{}{"name": "x", "url": "http://a.example/"}, "risk_id"},
			{"add_bad_risk", "alert_add", map[string]interface{}{"name": "x", "risk_id": 7, "url": "http://a.example/"}, "risk"},
			{"add_missing_name", "alert_add", map[string]interface{}{"risk_id": 1, "url": "http://a.example/"}, "name"},
			{"get_fractional_id", "alert_get", map[string]interface{}{"id": 1.5}, "id"},
			{"delete_without_id", "alert_delete", nil, "id"},
			{"list_bad_risk", "alert_list", map[string]interface{}{"risk_id": "high"}, "risk"},
			{"list_risk_out_of_range", "alert_list", map[string]interface{}{"risk_id": 9}, "illegal parameter"},
			{"count_risk_out_of_range", "alert_count", map[string]interface{}{"risk_id": 9}, "illegal parameter"},
			{"count_fractional_risk", "alert_count", map[string]interface{}{"risk_id": 2.5}, "risk_id"},
			{"delete_bad_all", "alert_delete", map[string]interface{}{"all": "yes"}, "all"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				result := callTool(t, mcpClient, tc.tool, tc.args)
				assert.True(t, result.IsError)
				assert.Contains(t, resultText(t, result), tc.want)
			})
		}
	})
}

func TestMCP_Exclusions(t *testing.T) {
	t.Parallel()

	_, mcpClient := setupMCP(t)

	callOK(t, mcpClient, "domain_add", map[string]interface{}{"value": "a.example"})
	callOK(t, mcpClient, "domain_add", map[string]interface{}{"value": `.*\.b\.example`, "is_regex": true, "is_enabled": false})

	text := callOK(t, mcpClient, "domain_list", nil)
	domains := gjson.Get(text, "domains").Array()
	require.Len(t, domains, 2)
	assert.True(t, domains[0].Get("enabled").Bool())
	assert.False(t, domains[1].Get("enabled").Bool())
	assert.True(t, domains[1].Get("regex").Bool())

	callOK(t, mcpClient, "domain_modify", map[string]interface{}{"idx": 1, "is_enabled": true})
	text = callOK(t, mcpClient, "domain_list", map[string]interface{}{"enabled_only": true})
	assert.Len(t, gjson.Get(text, "domains").Array(), 2)

	callOK(t, mcpClient, "domain_toggle_all", map[string]interface{}{"enabled": false})
	text = callOK(t, mcpClient, "domain_list", map[string]interface{}{"enabled_only": true})
	assert.Empty(t, gjson.Get(text, "domains").Array())

	callOK(t, mcpClient, "domain_remove", map[string]interface{}{"idx": 0})
	text = callOK(t, mcpClient, "domain_list", nil)
	assert.Equal(t, `.*\.b\.example`, gjson.Get(text, "domains.0.value").String())

	result := callTool(t, mcpClient, "domain_remove", map[string]interface{}{"idx": 5})
	assert.True(t, result.IsError)
	result = callTool(t, mcpClient, "domain_toggle_all", nil)
	assert.True(t, result.IsError)

	text = callOK(t, mcpClient, "proxy_exclude", map[string]interface{}{"regex": `.*\.png`})
	assert.Equal(t, []interface{}{`.*\.png`}, gjson.Get(text, "excluded").Value())
	text = callOK(t, mcpClient, "proxy_exclude", map[string]interface{}{"clear": true})
	assert.Empty(t, gjson.Get(text, "excluded").Array())
}

func TestMCP_Sessions(t *testing.T) {
	t.Parallel()

	_, mcpClient := setupMCP(t)

	text := callOK(t, mcpClient, "session_info", nil)
	assert.True(t, gjson.Get(text, "session.unnamed").Bool())

	result := callTool(t, mcpClient, "session_snapshot", nil)
	assert.True(t, result.IsError)

	text = callOK(t, mcpClient, "session_save", map[string]interface{}{"name": "engagement"})
	assert.Equal(t, "engagement", gjson.Get(text, "session.name").String())
	savedID := gjson.Get(text, "session.id").String()

	text = callOK(t, mcpClient, "session_snapshot", nil)
	assert.Contains(t, gjson.Get(text, "snapshot").String(), "engagement-")

	text = callOK(t, mcpClient, "session_new", nil)
	assert.NotEqual(t, savedID, gjson.Get(text, "session.id").String())

	text = callOK(t, mcpClient, "session_load", map[string]interface{}{"name": "engagement"})
	assert.Equal(t, savedID, gjson.Get(text, "session.id").String())

	result = callTool(t, mcpClient, "session_load", map[string]interface{}{"name": "nope"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "does not exist")
}

func TestMCP_CA(t *testing.T) {
	t.Parallel()

	_, mcpClient := setupMCP(t)

	result := callTool(t, mcpClient, "ca_get", nil)
	assert.True(t, result.IsError)

	callOK(t, mcpClient, "ca_generate", nil)
	assert.Contains(t, callOK(t, mcpClient, "ca_get", nil), "BEGIN CERTIFICATE")

	text := callOK(t, mcpClient, "proxy_pac", map[string]interface{}{"port": 8080})
	assert.Contains(t, text, `return "PROXY 127.0.0.1:8080";`)

	result = callTool(t, mcpClient, "proxy_pac", nil)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "port")
}

func TestMCP_VerboseErrors(t *testing.T) {
	t.Parallel()

	m, mcpClient := setupMCP(t)

	text := callOK(t, mcpClient, "errors_verbose", map[string]interface{}{"enabled": true})
	var got map[string]bool
	require.NoError(t, json.Unmarshal([]byte(text), &got))
	assert.True(t, got["verbose_errors"])
	assert.True(t, m.core.VerboseErrors())

	result := callTool(t, mcpClient, "errors_verbose", map[string]interface{}{"enabled": "maybe"})
	assert.True(t, result.IsError)
}

func TestMCP_StartClose(t *testing.T) {
	t.Parallel()

	core := newTestCore(t, nil)
	m := newMCPServer(core, zerolog.Nop())
	assert.Empty(t, m.Addr())

	require.NoError(t, m.Start(0))
	addr := m.Addr()
	require.NotEmpty(t, addr)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	_ = conn.Close()

	require.NoError(t, m.Close(t.Context()))
	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func TestServerRun(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	dataDir := t.TempDir()
	srv := NewServer(ServerFlags{DataDir: dataDir, MCPPort: port, Mode: "protect", Quiet: true})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run(t.Context())
	}()
	srv.WaitTillStarted()

	require.NotNil(t, srv.core, "core should be open")
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), srv.Addr())
	assert.Equal(t, "protect", srv.core.Mode())
	assert.FileExists(t, dataDir+"/"+configFile)

	srv.RequestShutdown()
	srv.RequestShutdown()
	select {
	case err := <-serverErr:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
}
