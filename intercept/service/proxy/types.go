package proxy

import (
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// Header represents a single HTTP header preserving original name casing.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is a slice of Header with helper methods for case-insensitive access.
type Headers []Header

// Get returns the first header value with the given name (case-insensitive).
// Returns empty string if not found.
func (h *Headers) Get(name string) string {
	for _, hdr := range *h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Set sets or replaces the first header with the given name (case-insensitive).
// If not found, appends a new header.
func (h *Headers) Set(name, value string) {
	for i, hdr := range *h {
		if strings.EqualFold(hdr.Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Remove removes all headers with the given name (case-insensitive).
func (h *Headers) Remove(name string) {
	*h = bulk.SliceFilterInPlace(func(hdr Header) bool {
		return !strings.EqualFold(hdr.Name, name)
	}, *h)
}

// Request is an HTTP/1.x request addressed by an absolute URI.
type Request struct {
	Method  string  `json:"method"`
	URI     string  `json:"uri"`
	Version string  `json:"version"`
	Headers Headers `json:"headers"`
	Body    []byte  `json:"body,omitempty"`
}

// Response is an HTTP/1.x response.
type Response struct {
	Version    string  `json:"version"`
	StatusCode int     `json:"status_code"`
	StatusText string  `json:"status_text,omitempty"`
	Headers    Headers `json:"headers"`
	Body       []byte  `json:"body,omitempty"`
}

// Exchange is one request/response pair with timing metadata.
// Response is nil when the request failed before a response was read.
type Exchange struct {
	Request   *Request      `json:"request"`
	Response  *Response     `json:"response,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// NewGetRequest builds a bodiless GET for uri.
func NewGetRequest(uri string) (*Request, error) {
	u, err := parseAbsoluteURL(uri)
	if err != nil {
		return nil, err
	}
	req := &Request{Method: "GET", URI: u.String(), Version: "HTTP/1.1"}
	req.Headers.Set("Host", hostHeader(u))
	return req, nil
}

// URL parses the request URI.
func (r *Request) URL() (*url.URL, error) {
	return parseAbsoluteURL(r.URI)
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	c.Headers = append(Headers(nil), r.Headers...)
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

var imageExtensions = map[string]bool{
	".avif": true, ".bmp": true, ".gif": true, ".ico": true, ".jpe": true, ".jpeg": true,
	".jpg": true, ".png": true, ".svg": true, ".tif": true, ".tiff": true, ".webp": true,
}

// IsImage reports whether the request path names an image resource.
func (r *Request) IsImage() bool {
	u, err := r.URL()
	if err != nil {
		return false
	}
	return imageExtensions[strings.ToLower(path.Ext(u.Path))]
}

// IsImage reports whether the response declares image content.
func (r *Response) IsImage() bool {
	if r == nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(r.Headers.Get("Content-Type"))), "image")
}

// IsImage reports whether either side of the exchange is classified as an image.
func (e *Exchange) IsImage() bool {
	return (e.Request != nil && e.Request.IsImage()) || e.Response.IsImage()
}

// DecodedBody returns the response body decoded per Content-Encoding.
// Bodies that cannot be decoded are returned as stored.
func (r *Response) DecodedBody() []byte {
	if r == nil {
		return nil
	}
	if decoded, ok := Decompress(r.Body, r.Headers.Get("Content-Encoding")); ok && decoded != nil {
		return decoded
	}
	return r.Body
}

func parseAbsoluteURL(uri string) (*url.URL, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	} else if u.Scheme != schemeHTTP && u.Scheme != schemeHTTPS {
		return nil, &url.Error{Op: "parse", URL: uri, Err: errUnsupportedScheme}
	} else if u.Host == "" {
		return nil, &url.Error{Op: "parse", URL: uri, Err: errMissingHost}
	}
	return u, nil
}

// hostHeader formats the Host header value, omitting default ports.
func hostHeader(u *url.URL) string {
	port := u.Port()
	if port == "" || (u.Scheme == schemeHTTPS && port == "443") || (u.Scheme == schemeHTTP && port == "80") {
		if h := u.Hostname(); strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return u.Hostname()
	}
	return u.Host
}

// dialAddr returns host:port for u, filling in the scheme default.
func dialAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == schemeHTTPS {
			port = "443"
		}
	}
	hostname := u.Hostname()
	if strings.Contains(hostname, ":") {
		return "[" + hostname + "]:" + port
	}
	return hostname + ":" + port
}
