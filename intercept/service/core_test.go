package service

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/interceptor/intercept/config"
	"github.com/go-appsec/interceptor/intercept/service/alerts"
	"github.com/go-appsec/interceptor/intercept/service/apierr"
	"github.com/go-appsec/interceptor/intercept/service/exclude"
	"github.com/go-appsec/interceptor/intercept/service/history"
)

// newTarget serves /a -> /b -> /c redirects and a text /page.
func newTarget(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/c", http.StatusFound)
	})
	mux.HandleFunc("/c", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("done"))
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig(config.Version)
	cfg.DataDir = t.TempDir()
	return cfg
}

func newTestCore(t *testing.T, cfg *config.Config) *Core {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	c, err := NewCore(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCoreSendRequest(t *testing.T) {
	t.Parallel()

	target := newTarget(t)
	c := newTestCore(t, nil)
	host := strings.TrimPrefix(target.URL, "http://")

	views, err := c.SendRequest(t.Context(), "GET /page HTTP/1.1\r\nHost: "+host+"\r\n\r\n", false)
	require.NoError(t, err)
	require.Len(t, views, 1)
	v := views[0]
	assert.Equal(t, target.URL+"/page", v.URL)
	assert.Equal(t, "GET", v.Method)
	assert.Equal(t, http.StatusOK, v.Status)
	assert.Equal(t, "hello", v.ResponseBody)
	assert.Equal(t, history.TypeUser.String(), v.TypeName)
	assert.Contains(t, v.ResponseHeader, "Content-Type: text/plain")

	got, err := c.Message(t.Context(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.URL, got.URL)
	assert.Equal(t, v.RequestHeader, got.RequestHeader)
	assert.Equal(t, "hello", got.ResponseBody)

	n, err := c.NumberOfMessages(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"127.0.0.1"}, c.Hosts())
	assert.Equal(t, []string{target.URL}, c.Sites())
}

func TestCoreAccessURL(t *testing.T) {
	t.Parallel()

	t.Run("single_hop", func(t *testing.T) {
		target := newTarget(t)
		c := newTestCore(t, nil)

		views, err := c.AccessURL(t.Context(), target.URL+"/a", false)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, http.StatusFound, views[0].Status)
		assert.Equal(t, history.TypeProxied.String(), views[0].TypeName)
	})

	t.Run("follow_redirects", func(t *testing.T) {
		target := newTarget(t)
		c := newTestCore(t, nil)

		views, err := c.AccessURL(t.Context(), target.URL+"/a", true)
		require.NoError(t, err)
		require.Len(t, views, 3)
		assert.Equal(t, target.URL+"/c", views[2].URL)
		assert.Equal(t, "done", views[2].ResponseBody)

		list, err := c.Messages(t.Context(), target.URL, 2, 1)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, views[1].ID, list[0].ID)
	})

	t.Run("protect_redirect_out_of_scope", func(t *testing.T) {
		target := newTarget(t)
		cfg := testConfig(t)
		cfg.Mode = "protect"
		cfg.Scope.Include = []string{regexp.QuoteMeta(target.URL) + "/(a|b)"}
		c := newTestCore(t, cfg)

		views, err := c.AccessURL(t.Context(), target.URL+"/a", true)
		require.ErrorIs(t, err, apierr.ErrModeViolation)
		require.Len(t, views, 2)

		n, err := c.NumberOfMessages(t.Context(), "")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("safe_mode", func(t *testing.T) {
		target := newTarget(t)
		c := newTestCore(t, nil)
		require.NoError(t, c.SetMode("safe"))

		views, err := c.AccessURL(t.Context(), target.URL+"/page", false)
		require.ErrorIs(t, err, apierr.ErrModeViolation)
		assert.Empty(t, views)
		assert.Equal(t, "mode_violation", apierr.Code(err))
	})
}

func TestCoreValidation(t *testing.T) {
	t.Parallel()

	c := newTestCore(t, nil)
	ctx := t.Context()

	cases := []struct {
		name string
		fn   func() error
		want error
	}{
		{"send_empty", func() error { _, err := c.SendRequest(ctx, " ", false); return err }, apierr.ErrMissingParameter},
		{"send_malformed", func() error { _, err := c.SendRequest(ctx, "nonsense", false); return err }, apierr.ErrIllegalParameter},
		{"access_empty", func() error { _, err := c.AccessURL(ctx, "", false); return err }, apierr.ErrMissingParameter},
		{"access_relative", func() error { _, err := c.AccessURL(ctx, "/relative", false); return err }, apierr.ErrIllegalParameter},
		{"har_empty", func() error { _, err := c.SendHARRequest(ctx, "", false); return err }, apierr.ErrMissingParameter},
		{"har_invalid", func() error { _, err := c.SendHARRequest(ctx, "{", false); return err }, apierr.ErrIllegalParameter},
		{"message_unknown", func() error { _, err := c.Message(ctx, 999); return err }, apierr.ErrNotFound},
		{"messages_bad_ids", func() error { _, err := c.MessagesByID(ctx, "1,x"); return err }, apierr.ErrIllegalParameter},
		{"alert_unknown", func() error { _, err := c.Alert(ctx, 42); return err }, apierr.ErrNotFound},
		{"alerts_bad_risk", func() error { _, err := c.Alerts(ctx, "", 0, 0, "9"); return err }, apierr.ErrIllegalParameter},
		{"count_bad_risk", func() error { _, err := c.NumberOfAlerts(ctx, "", "x"); return err }, apierr.ErrIllegalParameter},
		{"delete_alert_unknown", func() error { return c.DeleteAlert(ctx, 42) }, apierr.ErrNotFound},
		{"site_node_missing_url", func() error { return c.DeleteSiteNode(ctx, "", "", "") }, apierr.ErrMissingParameter},
		{"site_node_no_host", func() error { return c.DeleteSiteNode(ctx, "not a url", "", "") }, apierr.ErrIllegalParameter},
		{"site_node_unknown", func() error { return c.DeleteSiteNode(ctx, "http://nowhere.example/", "", "") }, apierr.ErrNotFound},
		{"mode_empty", func() error { return c.SetMode("") }, apierr.ErrMissingParameter},
		{"mode_unknown", func() error { return c.SetMode("atack") }, apierr.ErrIllegalParameter},
		{"exclude_empty", func() error { return c.ExcludeFromProxy("") }, apierr.ErrMissingParameter},
		{"exclude_bad_regex", func() error { return c.ExcludeFromProxy("(") }, apierr.ErrIllegalParameter},
		{"domain_empty", func() error { return c.AddExcludedDomain(" ", false, true) }, apierr.ErrMissingParameter},
		{"domain_modify_range", func() error { return c.ModifyExcludedDomain(3, exclude.Change{}) }, apierr.ErrIllegalParameter},
		{"pac_no_host", func() error { _, err := c.ProxyPAC("", 8080); return err }, apierr.ErrMissingParameter},
		{"pac_bad_port", func() error { _, err := c.ProxyPAC("localhost", 70000); return err }, apierr.ErrIllegalParameter},
		{"load_unknown_session", func() error { _, err := c.LoadSession(ctx, "missing"); return err }, apierr.ErrNotFound},
		{"snapshot_unnamed", func() error { _, err := c.SnapshotSession(ctx); return err }, apierr.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.fn(), tc.want)
		})
	}
}

func TestCoreMode(t *testing.T) {
	t.Parallel()

	c := newTestCore(t, nil)
	assert.Equal(t, "standard", c.Mode())

	require.NoError(t, c.SetMode("ATTACK"))
	assert.Equal(t, "attack", c.Mode())
}

func TestCoreErrorMessage(t *testing.T) {
	t.Parallel()

	c := newTestCore(t, nil)
	internal := apierr.Internal(errors.New("disk on fire"))

	assert.NotContains(t, c.ErrorMessage(internal), "disk on fire")
	assert.Contains(t, c.ErrorMessage(apierr.Missing("url")), "url")

	c.SetVerboseErrors(true)
	assert.True(t, c.VerboseErrors())
	assert.Contains(t, c.ErrorMessage(internal), "disk on fire")
}

func TestCoreAlerts(t *testing.T) {
	t.Parallel()

	target := newTarget(t)
	c := newTestCore(t, nil)
	ctx := t.Context()

	views, err := c.AccessURL(ctx, target.URL+"/page", false)
	require.NoError(t, err)

	highID, err := c.AddAlert(ctx, &alerts.Alert{
		Name: "xss", Risk: alerts.RiskHigh, Confidence: alerts.ConfidenceMedium,
		URI: target.URL + "/page", Method: "GET", HistoryID: views[0].ID, CWEID: 79,
	})
	require.NoError(t, err)
	_, err = c.AddAlert(ctx, &alerts.Alert{
		Name: "banner", Risk: alerts.RiskInfo, Confidence: alerts.ConfidenceHigh, URI: "http://other.example/",
	})
	require.NoError(t, err)

	got, err := c.Alert(ctx, highID)
	require.NoError(t, err)
	assert.Equal(t, "High", got.Risk)
	assert.Equal(t, 3, got.RiskID)
	assert.Equal(t, "Medium", got.Confidence)
	assert.Equal(t, 79, got.CWEID)
	assert.Equal(t, strconv.FormatInt(views[0].ID, 10), got.MessageID)

	list, err := c.Alerts(ctx, "", 0, 0, "3")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, highID, list[0].ID)

	list, err = c.Alerts(ctx, target.URL, 0, 0, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	summary, err := c.AlertsSummary(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, alerts.Summary{High: 1, Informational: 1}, summary)

	n, err := c.NumberOfAlerts(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	nodeID, found := c.tree.FindNode(target.URL+"/page", "GET", nil)
	require.True(t, found)
	node, ok := c.tree.Node(nodeID)
	require.True(t, ok)
	assert.Contains(t, node.Alerts, highID)

	require.NoError(t, c.DeleteAlert(ctx, highID))
	node, ok = c.tree.Node(nodeID)
	require.True(t, ok)
	assert.NotContains(t, node.Alerts, highID)
	assert.ErrorIs(t, c.DeleteAlert(ctx, highID), apierr.ErrNotFound)
	_, err = c.Alert(ctx, highID)
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	require.NoError(t, c.DeleteAllAlerts(ctx))
	n, err = c.NumberOfAlerts(ctx, "", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCoreDeleteSiteNode(t *testing.T) {
	t.Parallel()

	target := newTarget(t)
	c := newTestCore(t, nil)
	ctx := t.Context()

	views, err := c.AccessURL(ctx, target.URL+"/a", true)
	require.NoError(t, err)
	require.Len(t, views, 3)
	_, err = c.AddAlert(ctx, &alerts.Alert{
		Name: "redirect", Risk: alerts.RiskLow, Confidence: alerts.ConfidenceMedium,
		URI: target.URL + "/b", HistoryID: views[1].ID,
	})
	require.NoError(t, err)
	keptID, err := c.AddAlert(ctx, &alerts.Alert{
		Name: "unrelated", Risk: alerts.RiskLow, Confidence: alerts.ConfidenceMedium, URI: "http://other.example/",
	})
	require.NoError(t, err)

	require.NoError(t, c.DeleteSiteNode(ctx, target.URL+"/b", "get", ""))

	_, err = c.Message(ctx, views[1].ID)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	_, err = c.Message(ctx, views[0].ID)
	assert.NoError(t, err)

	list, err := c.Alerts(ctx, "", 0, 0, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, keptID, list[0].ID)
	assert.NotContains(t, c.URLs(""), target.URL+"/b")

	err = c.DeleteSiteNode(ctx, target.URL+"/b", "", "")
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	n, err := c.NumberOfMessages(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCoreMessagesHAR(t *testing.T) {
	t.Parallel()

	target := newTarget(t)
	c := newTestCore(t, nil)
	ctx := t.Context()

	views, err := c.AccessURL(ctx, target.URL+"/page", false)
	require.NoError(t, err)

	doc, err := c.MessagesHARByID(ctx, strconv.FormatInt(views[0].ID, 10))
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"version":"1.2"`)
	assert.Contains(t, string(doc), target.URL+"/page")

	doc, err = c.MessagesHAR(ctx, "http://other.example", 0, 0)
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"entries":[]`)

	_, err = c.MessagesHARByID(ctx, "12345")
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestCoreSessions(t *testing.T) {
	t.Parallel()

	target := newTarget(t)
	cfg := testConfig(t)
	c := newTestCore(t, cfg)
	ctx := t.Context()

	info := c.SessionInfo()
	assert.True(t, info.Unnamed)
	assert.Empty(t, info.Path)

	views, err := c.AccessURL(ctx, target.URL+"/page", false)
	require.NoError(t, err)
	_, err = c.AddAlert(ctx, &alerts.Alert{
		Name: "xss", Risk: alerts.RiskHigh, Confidence: alerts.ConfidenceMedium,
		URI: target.URL + "/page", HistoryID: views[0].ID,
	})
	require.NoError(t, err)

	saved, err := c.SaveSession(ctx, "project", false)
	require.NoError(t, err)
	assert.False(t, saved.Unnamed)
	assert.Equal(t, "project", saved.Name)
	assert.Equal(t, filepath.Join(cfg.SessionsPath(), "project.session"), saved.Path)
	assert.FileExists(t, saved.Path)

	_, err = c.SaveSession(ctx, "project", true)
	assert.ErrorIs(t, err, apierr.ErrAlreadyExists)

	snapshot, err := c.SnapshotSession(ctx)
	require.NoError(t, err)
	assert.FileExists(t, snapshot)

	fresh, err := c.NewSession(ctx, "", false)
	require.NoError(t, err)
	assert.True(t, fresh.Unnamed)
	assert.NotEqual(t, saved.ID, fresh.ID)
	assert.Empty(t, c.Hosts())
	n, err := c.NumberOfMessages(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)

	loaded, err := c.LoadSession(ctx, "project")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, loaded.ID)
	n, err = c.NumberOfMessages(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"127.0.0.1"}, c.Hosts())

	// the rebuilt tree still links the finding to its message
	require.NoError(t, c.DeleteSiteNode(ctx, target.URL+"/page", "", ""))
	n, err = c.NumberOfAlerts(ctx, "", "")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = c.NewSession(ctx, "project", false)
	assert.ErrorIs(t, err, apierr.ErrAlreadyExists)
}

func TestCorePersistedSettings(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	c, err := NewCore(cfg, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, c.ExcludeFromProxy(`.*\.cdn\.example/.*`))
	require.NoError(t, c.AddExcludedDomain("telemetry.example", false, true))
	require.NoError(t, c.Close())

	c = newTestCore(t, cfg)
	assert.Equal(t, []string{`.*\.cdn\.example/.*`}, c.ExcludedFromProxy())
	domains := c.ExcludedDomains(false)
	require.Len(t, domains, 1)
	assert.Equal(t, "telemetry.example", domains[0].Value)

	require.NoError(t, c.ClearExcludedFromProxy())
	assert.Empty(t, c.ExcludedFromProxy())
}

func TestCoreExcludedDomains(t *testing.T) {
	t.Parallel()

	c := newTestCore(t, nil)

	require.NoError(t, c.AddExcludedDomain("a.example", false, true))
	require.NoError(t, c.AddExcludedDomain(`.*\.b\.example`, true, false))
	require.NoError(t, c.AddExcludedDomain("c.example", false, true))

	enabled := c.ExcludedDomains(true)
	require.Len(t, enabled, 2)
	assert.Equal(t, 2, enabled[1].Index)

	on := true
	require.NoError(t, c.ModifyExcludedDomain(1, exclude.Change{Enabled: &on}))
	assert.Len(t, c.ExcludedDomains(true), 3)

	require.NoError(t, c.DisableAllExcludedDomains())
	assert.Empty(t, c.ExcludedDomains(true))
	require.NoError(t, c.EnableAllExcludedDomains())
	assert.Len(t, c.ExcludedDomains(true), 3)

	require.NoError(t, c.RemoveExcludedDomain(0))
	all := c.ExcludedDomains(false)
	require.Len(t, all, 2)
	assert.Equal(t, "c.example", all[1].Value)
}

func TestCoreProxyPAC(t *testing.T) {
	t.Parallel()

	t.Run("no_exclusions", func(t *testing.T) {
		c := newTestCore(t, nil)

		pac, err := c.ProxyPAC("localhost", 8080)
		require.NoError(t, err)
		assert.Equal(t, "function FindProxyForURL(url, host) {\n  return \"PROXY localhost:8080\";\n} // End of function\n", pac)
	})

	t.Run("direct_domains", func(t *testing.T) {
		c := newTestCore(t, nil)
		require.NoError(t, c.AddExcludedDomain("Update.Example", false, true))
		require.NoError(t, c.AddExcludedDomain(`.*\.regex\.example`, true, true))
		require.NoError(t, c.AddExcludedDomain("off.example", false, false))

		pac, err := c.ProxyPAC("127.0.0.1", 9090)
		require.NoError(t, err)
		assert.Equal(t, "function FindProxyForURL(url, host) {\n"+
			"  if (host == \"update.example\") return \"DIRECT\";\n"+
			"  return \"PROXY 127.0.0.1:9090\";\n"+
			"} // End of function\n", pac)
	})
}

func TestCoreRootCA(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	c := newTestCore(t, cfg)

	_, err := c.RootCertPEM()
	require.ErrorIs(t, err, apierr.ErrNotFound)

	require.NoError(t, c.GenerateRootCA())
	pem, err := c.RootCertPEM()
	require.NoError(t, err)
	assert.Contains(t, string(pem), "BEGIN CERTIFICATE")

	entries, err := os.ReadDir(filepath.Join(cfg.DataDir, caDir))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestCoreUpstreamProxy(t *testing.T) {
	t.Parallel()

	t.Run("invalid_setting", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.UpstreamProxy = "socks5://127.0.0.1:1080"
		_, err := NewCore(cfg, zerolog.Nop())
		assert.ErrorContains(t, err, "upstream_proxy")
	})

	t.Run("excluded_domain_goes_direct", func(t *testing.T) {
		target := newTarget(t)
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("via upstream"))
		}))
		t.Cleanup(upstream.Close)

		cfg := testConfig(t)
		cfg.UpstreamProxy = upstream.URL
		c := newTestCore(t, cfg)

		views, err := c.AccessURL(t.Context(), target.URL+"/page", false)
		require.NoError(t, err)
		assert.Equal(t, "via upstream", views[0].ResponseBody)

		require.NoError(t, c.AddExcludedDomain("127.0.0.1", false, true))
		views, err = c.AccessURL(t.Context(), target.URL+"/page", false)
		require.NoError(t, err)
		assert.Equal(t, "hello", views[0].ResponseBody)
	})
}
