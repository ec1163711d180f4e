package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrEmptyRequest    = errors.New("empty request")
	ErrEmptyResponse   = errors.New("empty response")
	ErrInvalidRequest  = errors.New("invalid request line")
	ErrInvalidResponse = errors.New("invalid status line")

	errUnsupportedScheme = errors.New("unsupported scheme")
	errMissingHost       = errors.New("missing host")
)

// maxBodySize caps response bodies read from the network.
const maxBodySize = 64 << 20

// ParseRequestText parses request text as entered by a user. The head and body
// are split on the first blank line. The request target may be absolute-form or
// origin-form; origin-form requires a Host header and assumes http unless the
// Host port is 443.
func ParseRequestText(raw string) (*Request, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyRequest
	}

	head, body := raw, ""
	if idx := strings.Index(raw, "\r\n\r\n"); idx >= 0 {
		head, body = raw[:idx], raw[idx+4:]
	} else if idx := strings.Index(raw, "\n\n"); idx >= 0 {
		head, body = raw[:idx], raw[idx+2:]
	}

	lines := strings.Split(strings.ReplaceAll(head, "\r\n", "\n"), "\n")
	method, target, version, err := ParseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}

	req := &Request{Method: method, Version: version}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		req.Headers = append(req.Headers, Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	if body != "" {
		req.Body = []byte(body)
	}

	u, err := resolveTarget(target, req.Headers.Get("Host"))
	if err != nil {
		return nil, err
	}
	req.URI = u.String()
	if req.Headers.Get("Host") == "" {
		req.Headers.Set("Host", hostHeader(u))
	}
	if len(req.Body) > 0 && req.Headers.Get("Transfer-Encoding") == "" {
		req.Headers.Set("Content-Length", strconv.Itoa(len(req.Body)))
	}
	return req, nil
}

// ParseRequestLine extracts method, request target and version.
// A missing version defaults to HTTP/1.1.
func ParseRequestLine(line string) (method, target, version string, err error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 2:
		return fields[0], fields[1], "HTTP/1.1", nil
	case 3:
		if !strings.HasPrefix(strings.ToUpper(fields[2]), "HTTP/") {
			return "", "", "", fmt.Errorf("%w: %q", ErrInvalidRequest, line)
		}
		return fields[0], fields[1], strings.ToUpper(fields[2]), nil
	default:
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidRequest, line)
	}
}

func resolveTarget(target, host string) (*url.URL, error) {
	if strings.HasPrefix(target, "/") || target == "*" {
		if host == "" {
			return nil, fmt.Errorf("%w: origin-form target requires Host header", ErrInvalidRequest)
		}
		scheme := schemeHTTP
		if strings.HasSuffix(host, ":443") {
			scheme = schemeHTTPS
		}
		return parseAbsoluteURL(scheme + "://" + host + target)
	}
	return parseAbsoluteURL(target)
}

// HeaderText renders the request line (absolute-form) and headers.
func (r *Request) HeaderText() string {
	var sb strings.Builder
	sb.WriteString(r.Method + " " + r.URI + " " + r.Version + "\r\n")
	writeHeaders(&sb, r.Headers)
	return sb.String()
}

// HeaderText renders the status line and headers.
func (r *Response) HeaderText() string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(r.Version + " " + strconv.Itoa(r.StatusCode))
	if r.StatusText != "" {
		sb.WriteString(" " + r.StatusText)
	}
	sb.WriteString("\r\n")
	writeHeaders(&sb, r.Headers)
	return sb.String()
}

func writeHeaders(sb *strings.Builder, headers Headers) {
	for _, h := range headers {
		sb.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	sb.WriteString("\r\n")
}

// serialize writes the request in wire format, with an origin-form target
// unless absolute is set.
func (r *Request) serialize(buf *bytes.Buffer, u *url.URL, absolute bool) []byte {
	buf.Reset()
	target := u.RequestURI()
	if absolute {
		target = u.Scheme + "://" + hostHeader(u) + target
	}
	buf.WriteString(r.Method + " " + target + " " + r.Version + "\r\n")
	if r.Headers.Get("Host") == "" {
		buf.WriteString("Host: " + hostHeader(u) + "\r\n")
	}
	for _, h := range r.Headers {
		buf.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// readResponse parses a response from br. The request method is needed to
// determine body handling for HEAD. keepAlive reports whether the connection
// can carry another request.
func readResponse(br *bufio.Reader, requestMethod string) (resp *Response, keepAlive bool, err error) {
	line, err := readLine(br)
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return nil, false, ErrEmptyResponse
		}
		return nil, false, err
	}

	resp = &Response{}
	if resp.Version, resp.StatusCode, resp.StatusText, err = parseStatusLine(line); err != nil {
		return nil, false, err
	}
	if resp.Headers, err = readHeaders(br); err != nil {
		return nil, false, err
	}

	keepAlive = resp.Version == "HTTP/1.1" && !strings.EqualFold(resp.Headers.Get("Connection"), "close")

	if requestMethod == "HEAD" || resp.StatusCode < 200 || resp.StatusCode == 204 || resp.StatusCode == 304 {
		return resp, keepAlive, nil
	}

	switch {
	case strings.Contains(strings.ToLower(resp.Headers.Get("Transfer-Encoding")), "chunked"):
		resp.Body, err = readChunkedBody(br)
		resp.Headers.Remove("Transfer-Encoding")
		resp.Headers.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	case resp.Headers.Get("Content-Length") != "":
		var n int64
		n, err = strconv.ParseInt(strings.TrimSpace(resp.Headers.Get("Content-Length")), 10, 64)
		if err != nil || n < 0 || n > maxBodySize {
			return nil, false, fmt.Errorf("invalid content-length %q", resp.Headers.Get("Content-Length"))
		}
		resp.Body = make([]byte, n)
		_, err = io.ReadFull(br, resp.Body)
	default:
		resp.Body, err = io.ReadAll(io.LimitReader(br, maxBodySize))
		keepAlive = false
	}
	if err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}
	return resp, keepAlive, nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	return line, err
}

func parseStatusLine(line string) (version string, code int, text string, err error) {
	version, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(version, "HTTP/") {
		return "", 0, "", fmt.Errorf("%w: %q", ErrInvalidResponse, line)
	}
	codeStr, text, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	code, err = strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return "", 0, "", fmt.Errorf("%w: %q", ErrInvalidResponse, line)
	}
	return version, code, text, nil
}

func readHeaders(br *bufio.Reader) (Headers, error) {
	var headers Headers
	for {
		line, err := readLine(br)
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, fmt.Errorf("read headers: %w", err)
		}
		if line == "" {
			return headers, nil
		}
		if (line[0] == ' ' || line[0] == '\t') && len(headers) > 0 {
			// obs-fold continuation
			headers[len(headers)-1].Value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, _ := strings.Cut(line, ":")
		headers = append(headers, Header{Name: name, Value: strings.TrimSpace(value)})
		if errors.Is(err, io.EOF) {
			return headers, nil
		}
	}
}

// readChunkedBody decodes a chunked body, discarding any trailers.
func readChunkedBody(br *bufio.Reader) ([]byte, error) {
	var body bytes.Buffer
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		sizeStr, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("invalid chunk size %q", line)
		}
		if size == 0 {
			for {
				trailer, err := readLine(br)
				if err != nil || trailer == "" {
					return body.Bytes(), nil
				}
			}
		}
		if int64(body.Len())+size > maxBodySize {
			return nil, errors.New("chunked body exceeds size limit")
		}
		if _, err := io.CopyN(&body, br, size); err != nil {
			return nil, err
		}
		if _, err := readLine(br); err != nil {
			return nil, err
		}
	}
}
