package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/go-appsec/interceptor/intercept/config"
	"github.com/go-appsec/interceptor/intercept/service/alerts"
	"github.com/go-appsec/interceptor/intercept/service/apierr"
	"github.com/go-appsec/interceptor/intercept/service/db"
	"github.com/go-appsec/interceptor/intercept/service/dispatch"
	"github.com/go-appsec/interceptor/intercept/service/exclude"
	"github.com/go-appsec/interceptor/intercept/service/har"
	"github.com/go-appsec/interceptor/intercept/service/history"
	"github.com/go-appsec/interceptor/intercept/service/mode"
	"github.com/go-appsec/interceptor/intercept/service/proxy"
	"github.com/go-appsec/interceptor/intercept/service/scope"
	"github.com/go-appsec/interceptor/intercept/service/session"
	"github.com/go-appsec/interceptor/intercept/service/sitetree"
	"github.com/go-appsec/interceptor/intercept/service/store"
)

const (
	settingsFile        = "settings.msgpack"
	caDir               = "ca"
	proxyExcludedKey    = "proxy:excluded"
	defaultDeleteMethod = "GET"
)

// Core is the operation surface over the proxy state. Parameters arrive as
// strings or plain values and are validated here; every failure is classified
// with the apierr taxonomy.
type Core struct {
	log     zerolog.Logger
	verbose atomic.Bool

	gate          *mode.Gate
	proxyExcluded *scope.Patterns
	excludedMu    sync.Mutex
	domains       *exclude.List
	settings      store.Storage

	db         *db.DB
	history    *history.Store
	alerts     *alerts.Store
	tree       *sitetree.Tree
	queue      *sitetree.Queue
	dispatcher *dispatch.Dispatcher
	sessions   *session.Coordinator
	actions    *session.Actions
	certs      *proxy.CertManager
}

// NewCore opens the process state described by cfg: persisted settings under
// the data directory and a fresh unnamed session.
func NewCore(cfg *config.Config, log zerolog.Logger) (*Core, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	} else if err := os.MkdirAll(cfg.SessionsPath(), 0700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	initial, err := mode.Parse(cfg.Mode)
	if err != nil {
		return nil, fmt.Errorf("config mode: %w", err)
	}
	sc, err := scope.New(cfg.Scope.Include, cfg.Scope.Exclude)
	if err != nil {
		return nil, fmt.Errorf("config scope: %w", err)
	}

	c := &Core{
		log:   log,
		gate:  mode.NewGate(initial, sc),
		tree:  sitetree.New(),
		queue: sitetree.NewQueue(),
	}
	c.verbose.Store(cfg.VerboseErrors)

	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	settings, err := store.OpenFileStorage(filepath.Join(cfg.DataDir, settingsFile))
	if err != nil {
		return nil, err
	}
	c.settings = settings
	if c.domains, err = exclude.NewList(c.settings, log); err != nil {
		return nil, err
	} else if c.proxyExcluded, err = c.loadProxyExcluded(); err != nil {
		return nil, err
	} else if c.certs, err = proxy.NewCertManager(filepath.Join(cfg.DataDir, caDir)); err != nil {
		return nil, err
	} else if c.db, err = db.Open(component(log, "db")); err != nil {
		return nil, err
	}

	var upstream *url.URL
	if cfg.UpstreamProxy != "" {
		if upstream, err = url.Parse(cfg.UpstreamProxy); err != nil || upstream.Scheme != "http" || upstream.Host == "" {
			return nil, fmt.Errorf("config upstream_proxy %q: expected http://host:port", cfg.UpstreamProxy)
		}
	}

	c.history = history.NewStore(c.db.History(), c.db.SessionID)
	c.alerts = alerts.NewStore(c.db.Alerts(), c.tree, component(log, "alerts"))
	c.dispatcher = dispatch.New(c.gate, c.history, c.tree, c.queue, dispatch.Config{
		Timeouts: proxy.TimeoutConfig{
			DialTimeout:  cfg.Timeouts.Dial(),
			ReadTimeout:  cfg.Timeouts.Read(),
			WriteTimeout: cfg.Timeouts.Write(),
		},
		MaxRedirects: cfg.MaxRedirects,
		Upstream:     upstream,
		Direct:       c.domains.Matches,
	}, component(log, "dispatch"))
	c.actions = session.NewActions()
	c.sessions = session.NewCoordinator(c.db, cfg.SessionsPath(), c.actions, component(log, "session"))
	c.sessions.OnSwitch = c.rebuildTree

	ok = true
	return c, nil
}

func component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// Close stops the tree queue and releases the session database and settings.
func (c *Core) Close() error {
	var errs []error
	if c.queue != nil {
		c.queue.Close()
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	if c.settings != nil {
		errs = append(errs, c.settings.Close())
	}
	return errors.Join(errs...)
}

// Actions returns the registry of long-running actions that block snapshots.
func (c *Core) Actions() *session.Actions {
	return c.actions
}

// ErrorMessage renders err for a caller. Internal failures are logged in full
// and collapsed to a generic message unless verbose errors are enabled.
func (c *Core) ErrorMessage(err error) string {
	if apierr.Code(err) == "internal_error" {
		c.log.Error().Err(err).Msg("internal error")
	}
	return apierr.Message(err, c.verbose.Load())
}

// SetVerboseErrors controls whether internal error details reach callers.
func (c *Core) SetVerboseErrors(v bool) {
	c.verbose.Store(v)
}

// VerboseErrors reports the verbose error setting.
func (c *Core) VerboseErrors() bool {
	return c.verbose.Load()
}

// SendRequest parses raw request text and sends it as a user request.
func (c *Core) SendRequest(ctx context.Context, raw string, follow bool) ([]MessageView, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, apierr.Missing("request")
	}
	req, err := proxy.ParseRequestText(raw)
	if err != nil {
		return nil, apierr.Illegalf("request: %v", err)
	}
	return c.dispatch(ctx, req, follow, history.TypeUser)
}

// AccessURL sends a GET for rawURL as proxied traffic.
func (c *Core) AccessURL(ctx context.Context, rawURL string, follow bool) ([]MessageView, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, apierr.Missing("url")
	}
	req, err := proxy.NewGetRequest(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, apierr.Illegal("url")
	}
	return c.dispatch(ctx, req, follow, history.TypeProxied)
}

// SendHARRequest sends the request described by a HAR request object.
func (c *Core) SendHARRequest(ctx context.Context, data string, follow bool) ([]MessageView, error) {
	if strings.TrimSpace(data) == "" {
		return nil, apierr.Missing("request")
	}
	req, err := har.ParseRequest([]byte(data))
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, req, follow, history.TypeUser)
}

// dispatch returns the views of every stored hop, also when the call fails
// after some hops were kept.
func (c *Core) dispatch(ctx context.Context, req *proxy.Request, follow bool, typ history.Type) ([]MessageView, error) {
	hops, err := c.dispatcher.Dispatch(ctx, req, follow, typ, nil)
	views := make([]MessageView, 0, len(hops))
	for _, h := range hops {
		views = append(views, newMessageView(&history.Record{ID: h.ID, Type: h.Type, Exchange: h.Exchange}))
	}
	return views, err
}

// Message returns the stored exchange id.
func (c *Core) Message(ctx context.Context, id int64) (MessageView, error) {
	rec, err := c.history.Get(ctx, id)
	if err != nil {
		return MessageView{}, err
	}
	return newMessageView(rec), nil
}

// Messages lists stored exchanges under baseURL within the pagination window.
func (c *Core) Messages(ctx context.Context, baseURL string, start, count int) ([]MessageView, error) {
	var views []MessageView
	for rec, err := range c.history.List(ctx, baseURL, start, count) {
		if err != nil {
			return nil, err
		}
		views = append(views, newMessageView(rec))
	}
	return views, nil
}

// MessagesByID returns the exchanges named by a comma separated id list,
// failing on the first unknown id.
func (c *Core) MessagesByID(ctx context.Context, ids string) ([]MessageView, error) {
	recs, err := c.recordsByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, len(recs))
	for i, rec := range recs {
		views[i] = newMessageView(rec)
	}
	return views, nil
}

func (c *Core) recordsByID(ctx context.Context, ids string) ([]*history.Record, error) {
	parsed, err := history.ParseIDs(ids)
	if err != nil {
		return nil, err
	}
	return c.history.GetBatch(ctx, parsed)
}

// NumberOfMessages counts stored exchanges under baseURL.
func (c *Core) NumberOfMessages(ctx context.Context, baseURL string) (int, error) {
	return c.history.Count(ctx, baseURL)
}

// MessagesHAR renders the listed exchanges as a HAR document.
func (c *Core) MessagesHAR(ctx context.Context, baseURL string, start, count int) ([]byte, error) {
	var recs []*history.Record
	for rec, err := range c.history.List(ctx, baseURL, start, count) {
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return c.exportHAR(recs)
}

// MessagesHARByID renders the exchanges named by a comma separated id list as a HAR document.
func (c *Core) MessagesHARByID(ctx context.Context, ids string) ([]byte, error) {
	recs, err := c.recordsByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	return c.exportHAR(recs)
}

func (c *Core) exportHAR(recs []*history.Record) ([]byte, error) {
	doc, err := har.Export(recs, config.Version)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("har export: %w", err))
	}
	return doc, nil
}

// Alert returns finding id.
func (c *Core) Alert(ctx context.Context, id int64) (AlertView, error) {
	a, err := c.alerts.Get(ctx, id)
	if err != nil {
		return AlertView{}, err
	}
	return newAlertView(a), nil
}

// Alerts lists findings under baseURL, optionally of one risk, within the pagination window.
func (c *Core) Alerts(ctx context.Context, baseURL string, start, count int, riskID string) ([]AlertView, error) {
	risk, err := alerts.ParseRiskID(riskID)
	if err != nil {
		return nil, err
	}
	var views []AlertView
	for a, err := range c.alerts.List(ctx, baseURL, start, count, risk) {
		if err != nil {
			return nil, err
		}
		views = append(views, newAlertView(a))
	}
	return views, nil
}

// AlertsSummary counts findings under baseURL per risk level.
func (c *Core) AlertsSummary(ctx context.Context, baseURL string) (alerts.Summary, error) {
	return c.alerts.Summarize(ctx, baseURL)
}

// NumberOfAlerts counts findings under baseURL, optionally of one risk.
func (c *Core) NumberOfAlerts(ctx context.Context, baseURL, riskID string) (int, error) {
	risk, err := alerts.ParseRiskID(riskID)
	if err != nil {
		return 0, err
	}
	return c.alerts.Count(ctx, baseURL, risk)
}

// AddAlert stores a finding raised by a scanning collaborator.
func (c *Core) AddAlert(ctx context.Context, a *alerts.Alert) (int64, error) {
	c.queue.Flush() // the message node must be in the tree before linking
	return c.alerts.Add(ctx, a)
}

// DeleteAlert removes finding id.
func (c *Core) DeleteAlert(ctx context.Context, id int64) error {
	return c.alerts.Delete(ctx, id)
}

// DeleteAllAlerts removes every finding.
func (c *Core) DeleteAllAlerts(ctx context.Context) error {
	return c.alerts.DeleteAll(ctx)
}

// DeleteSiteNode removes the site tree node for the request and its subtree,
// deleting the history records and findings they reference.
func (c *Core) DeleteSiteNode(ctx context.Context, rawURL, method, postData string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return apierr.Missing("url")
	} else if u, err := url.Parse(rawURL); err != nil || u.Host == "" {
		return apierr.Illegal("url")
	}
	if method = strings.ToUpper(strings.TrimSpace(method)); method == "" {
		method = defaultDeleteMethod
	}

	c.queue.Flush()
	id, found := c.tree.FindNode(rawURL, method, []byte(postData))
	if !found {
		return apierr.NotFound("url")
	}
	purged, found := c.tree.Purge(id)
	if !found {
		return apierr.NotFound("url")
	}

	for _, alertID := range purged.AlertIDs {
		if err := c.alerts.Delete(ctx, alertID); err != nil && !errors.Is(err, apierr.ErrNotFound) {
			return err
		}
	}
	if err := c.history.Delete(ctx, purged.HistoryIDs...); err != nil {
		return err
	}
	c.log.Info().Str("url", rawURL).Str("method", method).
		Int("history", len(purged.HistoryIDs)).Int("alerts", len(purged.AlertIDs)).
		Msg("site node purged")
	return nil
}

// Hosts returns the host names in the site tree.
func (c *Core) Hosts() []string {
	c.queue.Flush()
	return c.tree.Hosts()
}

// Sites returns the sites (scheme://host[:port]) in the site tree.
func (c *Core) Sites() []string {
	c.queue.Flush()
	return c.tree.Sites()
}

// URLs returns the distinct URLs in the site tree starting with baseURL.
func (c *Core) URLs(baseURL string) []string {
	c.queue.Flush()
	return c.tree.URLs(baseURL)
}

// Mode returns the current mode name.
func (c *Core) Mode() string {
	return c.gate.Mode().String()
}

// SetMode switches the process-wide mode.
func (c *Core) SetMode(name string) error {
	if strings.TrimSpace(name) == "" {
		return apierr.Missing("mode")
	}
	m, err := mode.Parse(name)
	if err != nil {
		return err
	}
	c.gate.SetMode(m)
	c.log.Info().Stringer("mode", m).Msg("mode changed")
	return nil
}

// ExcludeFromProxy adds a regex of URLs the proxy front-end passes through unrecorded.
func (c *Core) ExcludeFromProxy(regex string) error {
	if strings.TrimSpace(regex) == "" {
		return apierr.Missing("regex")
	}
	c.excludedMu.Lock()
	defer c.excludedMu.Unlock()
	if err := c.proxyExcluded.Add(regex); err != nil {
		return err
	}
	return c.saveProxyExcluded()
}

// ClearExcludedFromProxy removes every proxy exclusion regex.
func (c *Core) ClearExcludedFromProxy() error {
	c.excludedMu.Lock()
	defer c.excludedMu.Unlock()
	c.proxyExcluded.Clear()
	return c.saveProxyExcluded()
}

// ExcludedFromProxy returns the proxy exclusion regexes.
func (c *Core) ExcludedFromProxy() []string {
	return c.proxyExcluded.List()
}

func (c *Core) loadProxyExcluded() (*scope.Patterns, error) {
	data, found, err := c.settings.Get(proxyExcludedKey)
	if err != nil {
		return nil, fmt.Errorf("load proxy exclusions: %w", err)
	}
	var exprs []string
	if found {
		if err := store.Deserialize(data, &exprs); err != nil {
			return nil, fmt.Errorf("deserialize proxy exclusions: %w", err)
		}
	}
	return scope.NewPatterns(exprs...)
}

func (c *Core) saveProxyExcluded() error {
	data, err := store.Serialize(c.proxyExcluded.List())
	if err != nil {
		return apierr.Internal(err)
	} else if err := c.settings.Set(proxyExcludedKey, data); err != nil {
		return apierr.Internal(fmt.Errorf("persist proxy exclusions: %w", err))
	}
	return nil
}

// ExcludedDomains lists the domain exclusion rules.
func (c *Core) ExcludedDomains(enabledOnly bool) []exclude.View {
	return c.domains.Views(enabledOnly)
}

// AddExcludedDomain appends a domain exclusion rule.
func (c *Core) AddExcludedDomain(value string, regex, enabled bool) error {
	return c.domains.Add(strings.TrimSpace(value), regex, enabled)
}

// ModifyExcludedDomain changes the rule at idx.
func (c *Core) ModifyExcludedDomain(idx int, change exclude.Change) error {
	change.Value = strings.TrimSpace(change.Value)
	return c.domains.Modify(idx, change)
}

// RemoveExcludedDomain deletes the rule at idx.
func (c *Core) RemoveExcludedDomain(idx int) error {
	return c.domains.Remove(idx)
}

// EnableAllExcludedDomains enables every rule.
func (c *Core) EnableAllExcludedDomains() error {
	return c.domains.EnableAll()
}

// DisableAllExcludedDomains disables every rule.
func (c *Core) DisableAllExcludedDomains() error {
	return c.domains.DisableAll()
}

// SessionInfo describes the open session.
func (c *Core) SessionInfo() SessionView {
	return newSessionView(c.sessions.Info())
}

// NewSession starts a fresh session, unnamed when name is empty.
func (c *Core) NewSession(ctx context.Context, name string, overwrite bool) (SessionView, error) {
	if _, err := c.sessions.New(ctx, name, overwrite); err != nil {
		return SessionView{}, err
	}
	return c.SessionInfo(), nil
}

// LoadSession opens a saved session.
func (c *Core) LoadSession(ctx context.Context, name string) (SessionView, error) {
	if _, err := c.sessions.Load(ctx, name); err != nil {
		return SessionView{}, err
	}
	return c.SessionInfo(), nil
}

// SaveSession writes the open session to name and continues in the saved file.
func (c *Core) SaveSession(ctx context.Context, name string, overwrite bool) (SessionView, error) {
	if _, err := c.sessions.Save(ctx, name, overwrite); err != nil {
		return SessionView{}, err
	}
	return c.SessionInfo(), nil
}

// SnapshotSession writes a timestamped copy of the open session and returns its path.
func (c *Core) SnapshotSession(ctx context.Context) (string, error) {
	return c.sessions.Snapshot(ctx)
}

// rebuildTree replaces the site tree with the contents of the newly opened session.
func (c *Core) rebuildTree(ctx context.Context) error {
	c.queue.Flush()
	c.tree.Clear()

	recs, err := c.db.History().All(ctx, c.db.SessionID())
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		req := rec.Exchange.Request
		if _, err := c.tree.AddPath(rec.ID, req.Method, req.URI, req.Body); err != nil {
			c.log.Warn().Err(err).Int64("history", rec.ID).Msg("skipping unplaceable history record")
			continue
		}
		ids = append(ids, rec.ID)
	}

	byHistory, err := c.db.Alerts().ByHistory(ctx, ids)
	if err != nil {
		return err
	}
	for historyID, alertIDs := range byHistory {
		for _, alertID := range alertIDs {
			c.tree.AddAlert(historyID, alertID)
		}
	}
	c.log.Debug().Int("history", len(ids)).Msg("site tree rebuilt")
	return nil
}

// GenerateRootCA creates and stores a new root CA certificate.
func (c *Core) GenerateRootCA() error {
	if err := c.certs.GenerateRootCA(); err != nil {
		return apierr.Internal(fmt.Errorf("generate root CA: %w", err))
	}
	c.log.Info().Msg("root CA generated")
	return nil
}

// RootCertPEM returns the root CA certificate in PEM form.
func (c *Core) RootCertPEM() ([]byte, error) {
	pem, err := c.certs.RootCertPEM()
	if errors.Is(err, proxy.ErrNoRootCA) {
		return nil, apierr.NotFound("root CA certificate")
	} else if err != nil {
		return nil, apierr.Internal(err)
	}
	return pem, nil
}

// ProxyPAC returns a proxy auto-config script routing through host:port.
// Enabled literal domain exclusions are sent direct.
func (c *Core) ProxyPAC(host string, port int) (string, error) {
	if host = strings.TrimSpace(host); host == "" {
		return "", apierr.Missing("host")
	} else if port <= 0 || port > 65535 {
		return "", apierr.Illegal("port")
	}

	var sb strings.Builder
	sb.WriteString("function FindProxyForURL(url, host) {\n")
	for _, d := range c.domains.Views(true) {
		if !d.Regex {
			sb.WriteString("  if (host == " + strconv.Quote(strings.ToLower(d.Value)) + ") return \"DIRECT\";\n")
		}
	}
	sb.WriteString("  return \"PROXY " + host + ":" + strconv.Itoa(port) + "\";\n")
	sb.WriteString("} // End of function\n")
	return sb.String(), nil
}
