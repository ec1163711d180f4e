// Package dispatch sends requests under the mode gate, optionally following
// redirects, and persists every received hop exactly once.
package dispatch

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/go-appsec/interceptor/intercept/service/apierr"
	"github.com/go-appsec/interceptor/intercept/service/history"
	"github.com/go-appsec/interceptor/intercept/service/proxy"
	"github.com/go-appsec/interceptor/intercept/service/sitetree"
)

// Hop is one persisted exchange of a dispatch.
type Hop struct {
	ID       int64
	Type     history.Type
	Exchange *proxy.Exchange
}

// Gate decides whether a target may be requested.
type Gate interface {
	IsAllowed(uri string) bool
}

// Persister stores exchanges.
type Persister interface {
	Persist(ctx context.Context, typ history.Type, ex *proxy.Exchange) (*history.Record, error)
}

// Config holds the transport settings applied to every per-call sender.
type Config struct {
	Timeouts     proxy.TimeoutConfig
	MaxRedirects int
	// Upstream is the optional proxy requests are chained through.
	Upstream *url.URL
	// Direct reports hosts that bypass Upstream, read on every connection.
	Direct func(host string) bool
}

// Dispatcher is safe for concurrent use; each call owns its own sender.
type Dispatcher struct {
	gate    Gate
	history Persister
	tree    *sitetree.Tree
	queue   *sitetree.Queue
	cfg     Config
	log     zerolog.Logger
}

// New creates a dispatcher. Site tree insertions run on queue.
func New(gate Gate, hist Persister, tree *sitetree.Tree, queue *sitetree.Queue, cfg Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		gate:    gate,
		history: hist,
		tree:    tree,
		queue:   queue,
		cfg:     cfg,
		log:     log,
	}
}

// Dispatch sends req and persists each received exchange with type typ,
// passing it to cb (when set) as soon as it is stored.
// When follow is set, redirects are followed and every target is checked
// against the gate; a rejected target ends the chain, and after the chain the
// call fails with a mode violation while the hops already stored are kept.
func (d *Dispatcher) Dispatch(ctx context.Context, req *proxy.Request, follow bool, typ history.Type, cb func(Hop)) ([]Hop, error) {
	if !d.gate.IsAllowed(req.URI) {
		return nil, apierr.ModeViolation(req.URI)
	}

	sender := proxy.NewSender(d.cfg.Timeouts, d.cfg.MaxRedirects)
	sender.Upstream, sender.Direct = d.cfg.Upstream, d.cfg.Direct
	defer sender.Shutdown()

	if !follow {
		ex, err := sender.Send(ctx, req)
		if err != nil {
			return nil, sendError(req, err)
		}
		hop, err := d.persist(ctx, typ, ex)
		if err != nil {
			return nil, err
		}
		if cb != nil {
			cb(hop)
		}
		return []Hop{hop}, nil
	}

	v := &validator{d: d, ctx: ctx, typ: typ, cb: cb}
	_, err := sender.SendWithRedirects(ctx, req, v)
	if v.err != nil {
		return v.hops, v.err
	} else if err != nil {
		return v.hops, sendError(req, err)
	} else if v.rejected != "" {
		return v.hops, apierr.ModeViolation(v.rejected)
	}
	return v.hops, nil
}

func sendError(req *proxy.Request, err error) error {
	return apierr.Internal(fmt.Errorf("send %s %s: %w", req.Method, req.URI, err))
}

func (d *Dispatcher) persist(ctx context.Context, typ history.Type, ex *proxy.Exchange) (Hop, error) {
	rec, err := d.history.Persist(ctx, typ, ex)
	if err != nil {
		return Hop{}, err
	}

	id, method, uri, body := rec.ID, ex.Request.Method, ex.Request.URI, ex.Request.Body
	if err := d.queue.Submit(func() {
		if _, err := d.tree.AddPath(id, method, uri, body); err != nil {
			d.log.Warn().Err(err).Int64("history", id).Msg("site tree insert failed")
		}
	}); err != nil {
		d.log.Warn().Err(err).Int64("history", id).Msg("site tree insert skipped")
	}
	return Hop{ID: rec.ID, Type: typ, Exchange: ex}, nil
}

// validator persists each hop and remembers whether any redirect target was refused.
type validator struct {
	d   *Dispatcher
	ctx context.Context
	typ history.Type
	cb  func(Hop)

	hops     []Hop
	rejected string
	err      error
}

func (v *validator) OnHop(ex *proxy.Exchange) {
	if v.err != nil {
		return
	}
	hop, err := v.d.persist(v.ctx, v.typ, ex)
	if err != nil {
		v.err = err
		return
	}
	v.hops = append(v.hops, hop)
	if v.cb != nil {
		v.cb(hop)
	}
}

func (v *validator) OnTarget(target *url.URL) bool {
	if v.err != nil {
		return false
	}
	uri := target.String()
	if !v.d.gate.IsAllowed(uri) {
		v.d.log.Debug().Str("target", uri).Msg("redirect refused by mode")
		if v.rejected == "" {
			v.rejected = uri
		}
		return false
	}
	return true
}
