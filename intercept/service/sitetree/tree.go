// Package sitetree mirrors recorded exchanges as a hierarchy of sites and URL path segments.
package sitetree

import (
	"errors"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/go-analyze/bulk"
)

// NodeID addresses a node in the tree arena.
type NodeID int

// Root is the id of the tree root, which holds one child per site.
const Root NodeID = 0

var errNoHost = errors.New("uri has no host")

type node struct {
	parent    NodeID
	name      string
	children  []NodeID
	url       string
	historyID int64
	past      []int64
	alerts    map[int64]struct{}
}

// Info is a read-only copy of a node.
type Info struct {
	ID        NodeID
	Name      string
	URL       string
	HistoryID int64
	Past      []int64
	Alerts    []int64
	Children  int
}

// Purged lists the history and alert ids referenced by a removed subtree.
type Purged struct {
	HistoryIDs []int64
	AlertIDs   []int64
}

// Tree is safe for concurrent use.
type Tree struct {
	mu        sync.RWMutex
	nodes     []*node // purged slots are nil
	byHistory map[int64]NodeID
}

// New creates an empty tree.
func New() *Tree {
	t := &Tree{}
	t.reset()
	return t
}

func (t *Tree) reset() {
	t.nodes = []*node{{parent: -1}}
	t.byHistory = make(map[int64]NodeID)
}

// Clear removes every site, used when the open session changes.
func (t *Tree) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// AddPath inserts the exchange identified by historyID at the node implied by
// method, uri and body. An existing node keeps its earlier history as past references.
func (t *Tree) AddPath(historyID int64, method, uri string, body []byte) (NodeID, error) {
	site, segments, leaf, err := nodePath(method, uri, body)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.child(Root, site)
	for _, seg := range segments {
		id = t.child(id, seg)
	}
	id = t.child(id, leaf)

	n := t.nodes[id]
	if n.historyID != 0 && n.historyID != historyID {
		n.past = append(n.past, n.historyID)
	}
	n.historyID = historyID
	n.url = uri
	t.byHistory[historyID] = id
	return id, nil
}

func (t *Tree) child(parent NodeID, name string) NodeID {
	for _, c := range t.nodes[parent].children {
		if t.nodes[c].name == name {
			return c
		}
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, &node{parent: parent, name: name})
	t.nodes[parent].children = append(t.nodes[parent].children, id)
	return id
}

// FindNode returns the node an exchange with the given method, uri and body would occupy.
func (t *Tree) FindNode(uri, method string, body []byte) (NodeID, bool) {
	site, segments, leaf, err := nodePath(method, uri, body)
	if err != nil {
		return 0, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.lookup(Root, site)
	for _, seg := range append(segments, leaf) {
		if !ok {
			return 0, false
		}
		id, ok = t.lookup(id, seg)
	}
	return id, ok
}

func (t *Tree) lookup(parent NodeID, name string) (NodeID, bool) {
	for _, c := range t.nodes[parent].children {
		if t.nodes[c].name == name {
			return c, true
		}
	}
	return 0, false
}

// Node returns a copy of the node, or false if it does not exist.
func (t *Tree) Node(id NodeID) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.get(id)
	if n == nil {
		return Info{}, false
	}
	alerts := bulk.MapKeysSlice(n.alerts)
	slices.Sort(alerts)
	return Info{
		ID:        id,
		Name:      n.name,
		URL:       n.url,
		HistoryID: n.historyID,
		Past:      slices.Clone(n.past),
		Alerts:    alerts,
		Children:  len(n.children),
	}, true
}

func (t *Tree) get(id NodeID) *node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

// Purge removes the node and its subtree, returning every history and alert id
// they referenced. Ancestors left without children or history are removed as well.
func (t *Tree) Purge(id NodeID) (Purged, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.get(id)
	if id == Root || n == nil {
		return Purged{}, false
	}

	var p Purged
	t.collect(id, &p)
	slices.Sort(p.HistoryIDs)
	slices.Sort(p.AlertIDs)

	for parentID := n.parent; ; {
		parent := t.nodes[parentID]
		parent.children = bulk.SliceFilterInPlace(func(c NodeID) bool {
			return c != id
		}, parent.children)
		if parentID == Root || len(parent.children) > 0 || parent.historyID != 0 {
			break
		}
		id, parentID = parentID, parent.parent
		t.nodes[id] = nil
	}
	return p, true
}

func (t *Tree) collect(id NodeID, p *Purged) {
	n := t.nodes[id]
	for _, c := range n.children {
		t.collect(c, p)
	}
	if n.historyID != 0 {
		p.HistoryIDs = append(p.HistoryIDs, n.historyID)
		delete(t.byHistory, n.historyID)
	}
	for _, h := range n.past {
		p.HistoryIDs = append(p.HistoryIDs, h)
		delete(t.byHistory, h)
	}
	for a := range n.alerts {
		p.AlertIDs = append(p.AlertIDs, a)
	}
	t.nodes[id] = nil
}

// AddAlert references alertID from the node holding historyID.
// It returns false when no node holds that history record.
func (t *Tree) AddAlert(historyID, alertID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byHistory[historyID]
	if !ok {
		return false
	}
	n := t.nodes[id]
	if n.alerts == nil {
		n.alerts = make(map[int64]struct{})
	}
	n.alerts[alertID] = struct{}{}
	return true
}

// RemoveAlert drops alertID from every node.
func (t *Tree) RemoveAlert(alertID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, n := range t.nodes {
		if n != nil {
			delete(n.alerts, alertID)
		}
	}
}

// ClearAlerts drops every alert reference.
func (t *Tree) ClearAlerts() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, n := range t.nodes {
		if n != nil {
			n.alerts = nil
		}
	}
}

// Sites returns the site names (scheme://host[:port]) in insertion order.
func (t *Tree) Sites() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sites := make([]string, 0, len(t.nodes[Root].children))
	for _, c := range t.nodes[Root].children {
		sites = append(sites, t.nodes[c].name)
	}
	return sites
}

// Hosts returns the distinct host names across all sites.
func (t *Tree) Hosts() []string {
	var hosts []string
	seen := make(map[string]struct{})
	for _, site := range t.Sites() {
		u, err := url.Parse(site)
		if err != nil {
			continue
		}
		h := u.Hostname()
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	return hosts
}

// URLs returns the distinct URIs of the current exchanges in tree order,
// limited to those starting with baseURL when set.
func (t *Tree) URLs(baseURL string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var urls []string
	seen := make(map[string]struct{})
	var walk func(id NodeID)
	walk = func(id NodeID) {
		n := t.nodes[id]
		if n.url != "" && (baseURL == "" || strings.HasPrefix(n.url, baseURL)) {
			if _, ok := seen[n.url]; !ok {
				seen[n.url] = struct{}{}
				urls = append(urls, n.url)
			}
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(Root)
	return urls
}

// nodePath splits a request into its site name, intermediate path segments and leaf name.
// The leaf name carries the method and the sorted parameter names of the query
// and, for form posts, the body.
func nodePath(method, uri string, body []byte) (string, []string, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", nil, "", err
	} else if u.Host == "" {
		return "", nil, "", errNoHost
	}
	site := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
	if port := u.Port(); (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		site = strings.TrimSuffix(site, ":"+port)
	}

	var segments []string
	for _, seg := range strings.Split(u.EscapedPath(), "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	last := "/"
	if len(segments) > 0 {
		last = segments[len(segments)-1]
		segments = segments[:len(segments)-1]
	}

	if method == "" {
		method = "GET"
	}
	params := bulk.SliceToSet(bulk.MapKeysSlice(u.Query()))
	if strings.EqualFold(method, "POST") && len(body) > 0 {
		if form, err := url.ParseQuery(string(body)); err == nil {
			for k := range form {
				params[k] = struct{}{}
			}
		}
	}
	leaf := strings.ToUpper(method) + ":" + last
	if len(params) > 0 {
		names := bulk.MapKeysSlice(params)
		slices.Sort(names)
		leaf += "(" + strings.Join(names, ",") + ")"
	}
	return site, segments, leaf, nil
}
