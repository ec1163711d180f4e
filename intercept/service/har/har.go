// Package har converts recorded exchanges to HTTP Archive (HAR 1.2) documents
// and parses HAR request objects into sendable requests.
package har

import (
	"encoding/base64"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/go-appsec/interceptor/intercept/service/apierr"
	"github.com/go-appsec/interceptor/intercept/service/history"
	"github.com/go-appsec/interceptor/intercept/service/proxy"
)

const (
	harVersion  = "1.2"
	creatorName = "intercept"
)

// Export renders records as a HAR log document.
func Export(records []*history.Record, creatorVersion string) ([]byte, error) {
	doc := []byte(`{"log":{"entries":[]}}`)
	var err error
	if doc, err = sjson.SetBytes(doc, "log.version", harVersion); err != nil {
		return nil, err
	} else if doc, err = sjson.SetBytes(doc, "log.creator", map[string]string{"name": creatorName, "version": creatorVersion}); err != nil {
		return nil, err
	}
	for _, rec := range records {
		entry, err := Entry(rec)
		if err != nil {
			return nil, err
		}
		if doc, err = sjson.SetRawBytes(doc, "log.entries.-1", entry); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Entry renders one record as a HAR entry object.
func Entry(rec *history.Record) ([]byte, error) {
	ex := rec.Exchange
	entry := []byte(`{"cache":{}}`)
	set := func(path string, v any) (err error) {
		entry, err = sjson.SetBytes(entry, path, v)
		return err
	}
	setRaw := func(path, raw string) (err error) {
		entry, err = sjson.SetRawBytes(entry, path, []byte(raw))
		return err
	}

	ms := float64(ex.Duration) / float64(time.Millisecond)
	fields := []struct {
		path string
		v    any
	}{
		{"startedDateTime", ex.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")},
		{"time", ms},
		{"timings.send", 0},
		{"timings.wait", ms},
		{"timings.receive", 0},
		{"_messageId", rec.ID},
		{"_messageType", int(rec.Type)},
	}
	for _, f := range fields {
		if err := set(f.path, f.v); err != nil {
			return nil, err
		}
	}

	if err := requestFields(ex.Request, set, setRaw); err != nil {
		return nil, err
	}
	return entry, responseFields(ex.Response, set, setRaw)
}

type setter func(path string, v any) error
type rawSetter func(path, raw string) error

func requestFields(req *proxy.Request, set setter, setRaw rawSetter) error {
	if err := set("request.method", req.Method); err != nil {
		return err
	} else if err := set("request.url", req.URI); err != nil {
		return err
	} else if err := set("request.httpVersion", req.Version); err != nil {
		return err
	} else if err := setRaw("request.cookies", "[]"); err != nil {
		return err
	} else if err := headerFields("request.headers", req.Headers, set, setRaw); err != nil {
		return err
	} else if err := setRaw("request.queryString", "[]"); err != nil {
		return err
	}
	if u, err := url.Parse(req.URI); err == nil {
		for name, values := range u.Query() {
			for _, v := range values {
				if err := set("request.queryString.-1", map[string]string{"name": name, "value": v}); err != nil {
					return err
				}
			}
		}
	}
	if len(req.Body) > 0 {
		if err := set("request.postData.mimeType", req.Headers.Get("Content-Type")); err != nil {
			return err
		} else if err := set("request.postData.text", string(req.Body)); err != nil {
			return err
		}
	}
	if err := set("request.headersSize", -1); err != nil {
		return err
	}
	return set("request.bodySize", len(req.Body))
}

func responseFields(resp *proxy.Response, set setter, setRaw rawSetter) error {
	if resp == nil {
		resp = &proxy.Response{}
	}
	body := resp.DecodedBody()
	fields := []struct {
		path string
		v    any
	}{
		{"response.status", resp.StatusCode},
		{"response.statusText", resp.StatusText},
		{"response.httpVersion", resp.Version},
		{"response.redirectURL", resp.Headers.Get("Location")},
		{"response.headersSize", -1},
		{"response.bodySize", len(resp.Body)},
		{"response.content.size", len(body)},
		{"response.content.mimeType", resp.Headers.Get("Content-Type")},
	}
	for _, f := range fields {
		if err := set(f.path, f.v); err != nil {
			return err
		}
	}
	if err := setRaw("response.cookies", "[]"); err != nil {
		return err
	} else if err := headerFields("response.headers", resp.Headers, set, setRaw); err != nil {
		return err
	}

	if len(body) == 0 {
		return nil
	} else if utf8.Valid(body) {
		return set("response.content.text", string(body))
	} else if err := set("response.content.encoding", "base64"); err != nil {
		return err
	}
	return set("response.content.text", base64.StdEncoding.EncodeToString(body))
}

func headerFields(path string, headers proxy.Headers, set setter, setRaw rawSetter) error {
	if err := setRaw(path, "[]"); err != nil {
		return err
	}
	for _, h := range headers {
		if err := set(path+".-1", map[string]string{"name": h.Name, "value": h.Value}); err != nil {
			return err
		}
	}
	return nil
}

// ParseRequest builds a request from a HAR request object, or from a HAR
// entry or log whose first entry holds one.
func ParseRequest(data []byte) (*proxy.Request, error) {
	if !gjson.ValidBytes(data) {
		return nil, apierr.Illegal("request")
	}
	root := gjson.ParseBytes(data)
	obj := root
	for _, path := range []string{"log.entries.0.request", "request"} {
		if r := root.Get(path); r.IsObject() {
			obj = r
			break
		}
	}

	method := strings.ToUpper(strings.TrimSpace(obj.Get("method").String()))
	uri := strings.TrimSpace(obj.Get("url").String())
	if method == "" || uri == "" {
		return nil, apierr.Illegal("request")
	}
	version := obj.Get("httpVersion").String()
	if !strings.HasPrefix(strings.ToUpper(version), "HTTP/1.") {
		version = "HTTP/1.1"
	}

	var raw strings.Builder
	raw.WriteString(method + " " + uri + " " + version + "\r\n")
	obj.Get("headers").ForEach(func(_, h gjson.Result) bool {
		name := h.Get("name").String()
		if name == "" || strings.HasPrefix(name, ":") {
			return true // HTTP/2 pseudo headers
		}
		raw.WriteString(name + ": " + h.Get("value").String() + "\r\n")
		return true
	})
	raw.WriteString("\r\n")

	post := obj.Get("postData")
	if text := post.Get("text"); text.Exists() {
		raw.WriteString(text.String())
	} else if params := post.Get("params"); params.IsArray() {
		form := url.Values{}
		params.ForEach(func(_, p gjson.Result) bool {
			form.Add(p.Get("name").String(), p.Get("value").String())
			return true
		})
		raw.WriteString(form.Encode())
	}

	req, err := proxy.ParseRequestText(raw.String())
	if err != nil {
		return nil, apierr.Illegalf("request: %v", err)
	}
	return req, nil
}
