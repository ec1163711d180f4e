package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultMaxRedirects bounds redirect chains when no limit is configured.
const DefaultMaxRedirects = 10

// ErrSenderShutdown is returned when a request is attempted after Shutdown.
var ErrSenderShutdown = errors.New("sender shut down")

// TimeoutConfig holds dial, read, and write timeouts. Zero values mean no timeout.
type TimeoutConfig struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedirectValidator observes every hop of a redirect chain and decides
// whether each redirect target may be followed.
type RedirectValidator interface {
	// OnHop is called for every received exchange, including the final one.
	OnHop(ex *Exchange)
	// OnTarget is called before following a redirect. Returning false ends the chain.
	OnTarget(target *url.URL) bool
}

type persistConn struct {
	conn net.Conn
	br   *bufio.Reader
	// absolute is set on plain HTTP connections to an upstream proxy,
	// which expect the absolute-form request target.
	absolute bool
}

// Sender sends HTTP/1.x requests. Connections are kept alive between hops to
// the same origin and released by Shutdown. A Sender is owned by a single caller.
type Sender struct {
	Timeouts     TimeoutConfig
	MaxRedirects int
	// Upstream, when set, is the HTTP proxy requests are chained through.
	// Hosts for which Direct returns true bypass it.
	Upstream *url.URL
	Direct   func(host string) bool

	mu     sync.Mutex
	idle   map[string]*persistConn
	closed bool
}

// NewSender creates a sender with the given timeouts and redirect limit.
func NewSender(timeouts TimeoutConfig, maxRedirects int) *Sender {
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	return &Sender{
		Timeouts:     timeouts,
		MaxRedirects: maxRedirects,
		idle:         make(map[string]*persistConn),
	}
}

// Send sends req once and returns the exchange.
func (s *Sender) Send(ctx context.Context, req *Request) (*Exchange, error) {
	u, err := req.URL()
	if err != nil {
		return nil, fmt.Errorf("request uri: %w", err)
	}

	ex := &Exchange{Request: req, Timestamp: time.Now().UTC()}
	resp, err := s.roundTrip(ctx, req, u)
	ex.Duration = time.Since(ex.Timestamp)
	if err != nil {
		return nil, err
	}
	ex.Response = resp
	return ex, nil
}

// SendWithRedirects sends req and follows redirects. Every received exchange is
// passed to v.OnHop; every redirect target is checked with v.OnTarget before it
// is requested. Returns the last exchange received.
func (s *Sender) SendWithRedirects(ctx context.Context, req *Request, v RedirectValidator) (*Exchange, error) {
	current := req
	for i := 0; i <= s.MaxRedirects; i++ {
		ex, err := s.Send(ctx, current)
		if err != nil {
			return nil, err
		}
		v.OnHop(ex)

		if !isRedirectStatus(ex.Response.StatusCode) {
			return ex, nil
		}
		location := ex.Response.Headers.Get("Location")
		if location == "" {
			return ex, nil
		}

		next, target, err := buildRedirectRequest(current, location, ex.Response.StatusCode)
		if err != nil {
			// unusable Location, the redirect response is the final answer
			return ex, nil
		}
		if !v.OnTarget(target) {
			return ex, nil
		}
		current = next
	}

	return nil, fmt.Errorf("too many redirects (max %d)", s.MaxRedirects)
}

// Shutdown closes any kept-alive connections. Further sends fail.
func (s *Sender) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for addr, pc := range s.idle {
		_ = pc.conn.Close()
		delete(s.idle, addr)
	}
}

func isRedirectStatus(code int) bool {
	switch code {
	case 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

// roundTrip writes req and reads the response, reusing an idle connection to
// the same origin when one is available.
func (s *Sender) roundTrip(ctx context.Context, req *Request, u *url.URL) (*Response, error) {
	key := u.Scheme + "://" + dialAddr(u)

	pc, reused, err := s.getConn(ctx, key, u)
	if err != nil {
		return nil, err
	}

	resp, keepAlive, err := s.exchange(ctx, pc, req, u)
	if err != nil && reused {
		// stale keep-alive connection, retry once on a fresh one
		_ = pc.conn.Close()
		if pc, err = s.dial(ctx, u); err != nil {
			return nil, err
		}
		resp, keepAlive, err = s.exchange(ctx, pc, req, u)
	}
	if err != nil {
		_ = pc.conn.Close()
		return nil, err
	}

	if keepAlive && !strings.EqualFold(req.Headers.Get("Connection"), "close") {
		s.putConn(key, pc)
	} else {
		_ = pc.conn.Close()
	}
	return resp, nil
}

func (s *Sender) exchange(ctx context.Context, pc *persistConn, req *Request, u *url.URL) (*Response, bool, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = pc.conn.SetDeadline(time.Now())
	})
	defer stop()

	if s.Timeouts.WriteTimeout > 0 {
		_ = pc.conn.SetWriteDeadline(time.Now().Add(s.Timeouts.WriteTimeout))
	}
	var buf bytes.Buffer
	if _, err := pc.conn.Write(req.serialize(&buf, u, pc.absolute)); err != nil {
		return nil, false, fmt.Errorf("send request: %w", err)
	}

	if s.Timeouts.ReadTimeout > 0 {
		_ = pc.conn.SetReadDeadline(time.Now().Add(s.Timeouts.ReadTimeout))
	}
	resp, keepAlive, err := readResponse(pc.br, req.Method)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		return nil, false, fmt.Errorf("read response: %w", err)
	}
	_ = pc.conn.SetDeadline(time.Time{})
	return resp, keepAlive, nil
}

func (s *Sender) getConn(ctx context.Context, key string, u *url.URL) (*persistConn, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrSenderShutdown
	}
	pc, ok := s.idle[key]
	if ok {
		delete(s.idle, key)
	}
	s.mu.Unlock()

	if ok {
		return pc, true, nil
	}
	pc, err := s.dial(ctx, u)
	return pc, false, err
}

func (s *Sender) putConn(key string, pc *persistConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = pc.conn.Close()
		return
	}
	if old, ok := s.idle[key]; ok {
		_ = old.conn.Close()
	}
	s.idle[key] = pc
}

func (s *Sender) dial(ctx context.Context, u *url.URL) (*persistConn, error) {
	if s.viaUpstream(u) {
		return s.dialUpstream(ctx, u)
	}
	addr := dialAddr(u)
	var conn net.Conn
	var err error
	if u.Scheme == schemeHTTPS {
		tlsDialer := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: s.Timeouts.DialTimeout},
			Config:    targetTLSConfig(u),
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		dialer := &net.Dialer{Timeout: s.Timeouts.DialTimeout}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &persistConn{conn: conn, br: bufio.NewReader(conn)}, nil
}

func (s *Sender) viaUpstream(u *url.URL) bool {
	return s.Upstream != nil && (s.Direct == nil || !s.Direct(u.Hostname()))
}

// dialUpstream connects to the upstream proxy. HTTPS targets are tunneled
// with CONNECT; plain HTTP requests are sent in absolute form.
func (s *Sender) dialUpstream(ctx context.Context, u *url.URL) (*persistConn, error) {
	proxyAddr := dialAddr(s.Upstream)
	dialer := &net.Dialer{Timeout: s.Timeouts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to upstream proxy %s: %w", proxyAddr, err)
	}
	br := bufio.NewReader(conn)
	if u.Scheme != schemeHTTPS {
		return &persistConn{conn: conn, br: br, absolute: true}, nil
	}

	if err := connectTunnel(ctx, conn, br, dialAddr(u)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	tlsConn := tls.Client(conn, targetTLSConfig(u))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", dialAddr(u), err)
	}
	return &persistConn{conn: tlsConn, br: bufio.NewReader(tlsConn)}, nil
}

func connectTunnel(ctx context.Context, conn net.Conn, br *bufio.Reader, addr string) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}
	line, err := readLine(br)
	if err != nil {
		return fmt.Errorf("read CONNECT response: %w", err)
	}
	_, code, text, err := parseStatusLine(line)
	if err != nil {
		return err
	} else if _, err := readHeaders(br); err != nil {
		return err
	} else if code/100 != 2 {
		return fmt.Errorf("upstream proxy refused tunnel to %s: %d %s", addr, code, text)
	}
	_ = conn.SetDeadline(time.Time{})
	return nil
}

func targetTLSConfig(u *url.URL) *tls.Config {
	return &tls.Config{
		ServerName:         u.Hostname(),
		InsecureSkipVerify: true, // targets under assessment routinely use untrusted certificates
		MinVersion:         tls.VersionTLS10,
		NextProtos:         []string{"http/1.1"},
	}
}

// buildRedirectRequest builds the request for following a redirect.
// 307 and 308 preserve method and body, every other status switches to a bodiless GET.
// Credentials are not forwarded to a different origin.
func buildRedirectRequest(original *Request, location string, status int) (*Request, *url.URL, error) {
	base, err := original.URL()
	if err != nil {
		return nil, nil, err
	}
	ref, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return nil, nil, err
	}
	target := base.ResolveReference(ref)
	target.Fragment = ""
	if target.Scheme != schemeHTTP && target.Scheme != schemeHTTPS {
		return nil, nil, errUnsupportedScheme
	} else if target.Host == "" {
		return nil, nil, errMissingHost
	}

	preserveBody := status == 307 || status == 308
	crossOrigin := target.Scheme != base.Scheme || dialAddr(target) != dialAddr(base)

	next := &Request{
		Method:  "GET",
		URI:     target.String(),
		Version: original.Version,
	}
	if preserveBody {
		next.Method = original.Method
		next.Body = original.Body
	}

	for _, h := range original.Headers {
		switch strings.ToLower(h.Name) {
		case "host":
			continue
		case "content-length", "content-type", "content-encoding", "transfer-encoding":
			if !preserveBody {
				continue
			}
		case "authorization", "cookie", "proxy-authorization":
			if crossOrigin {
				continue
			}
		}
		next.Headers = append(next.Headers, h)
	}
	next.Headers.Set("Host", hostHeader(target))
	if preserveBody && len(next.Body) > 0 {
		next.Headers.Set("Content-Length", strconv.Itoa(len(next.Body)))
	}

	return next, target, nil
}
