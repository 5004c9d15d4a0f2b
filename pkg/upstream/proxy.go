package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sternrassler/weather-proxy/pkg/requestid"
)

// ProxyEndpoint is the metrics label for proxied calls.
const ProxyEndpoint = "/proxy"

// ErrMissingURL is returned when no target url was supplied.
var ErrMissingURL = errors.New("missing 'url' query parameter")

// hopHeaders are never forwarded to the target. Accept-Encoding is left to
// the transport so compressed bodies are decoded before relaying.
var hopHeaders = map[string]struct{}{
	"Host":                {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Connection":    {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
	"Accept-Encoding":     {},
}

// ProxyPayload is the payload produced by a proxied call.
type ProxyPayload struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Content    string            `json:"content"`
}

// ErrInvalidQuery is returned for a target whose query string does not parse.
var ErrInvalidQuery = errors.New("invalid target query")

// ProxyTarget builds the outbound URL: rawURL gains https:// when it has no
// scheme, path is appended to its path, and query is merged into its query.
// The "url" parameter itself is never forwarded.
func ProxyTarget(rawURL, path string, query url.Values) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", ErrMissingURL
	}

	lower := strings.ToLower(rawURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		if strings.Contains(rawURL, "://") {
			return "", fmt.Errorf("unsupported scheme in %q", rawURL)
		}
		rawURL = "https://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("target url %q has no host", rawURL)
	}

	if path = strings.TrimLeft(path, "/"); path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + path
		u.RawPath = ""
	}

	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	for k, vs := range query {
		if k == "url" {
			continue
		}
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ProxyOperation forwards one request to an arbitrary target.
type ProxyOperation struct {
	method string
	target string
	header http.Header
	body   []byte
}

// NewProxyOperation creates a forward of method to target. The body is only
// sent for POST, PUT and PATCH.
func NewProxyOperation(method, target string, header http.Header, body []byte) *ProxyOperation {
	method = strings.ToUpper(method)
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		body = nil
	}
	return &ProxyOperation{
		method: method,
		target: target,
		header: header.Clone(),
		body:   body,
	}
}

// Method returns the forwarded HTTP method.
func (o *ProxyOperation) Method() string { return o.method }

// Target returns the outbound URL.
func (o *ProxyOperation) Target() string { return o.target }

// Endpoint implements Operation.
func (o *ProxyOperation) Endpoint() string { return ProxyEndpoint }

// Idempotent implements Operation. POST and PATCH are never repeated.
func (o *ProxyOperation) Idempotent() bool {
	switch o.method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// Validate implements Operation.
func (o *ProxyOperation) Validate() error {
	switch o.method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return fmt.Errorf("method %s not supported", o.method)
	}
	if o.target == "" {
		return ErrMissingURL
	}
	u, err := url.Parse(o.target)
	if err != nil {
		return fmt.Errorf("parse target url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target url %q must be absolute http(s)", o.target)
	}
	return nil
}

// Attempt implements Operation. Responses below 500 are relayed as they are;
// 5xx responses and transport failures are attempt errors.
func (o *ProxyOperation) Attempt(ctx context.Context, client *http.Client) (*Response, *AttemptError) {
	var body io.Reader
	if o.body != nil {
		body = bytes.NewReader(o.body)
	}

	req, aerr := newRequest(ctx, o.method, o.target, body)
	if aerr != nil {
		return nil, aerr
	}
	for name, values := range o.header {
		name = http.CanonicalHeaderKey(name)
		if _, hop := hopHeaders[name]; hop || name == requestid.Header {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, NetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, StatusError(resp.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, NetworkError(fmt.Errorf("read body: %w", err))
	}

	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}

	payload, err := json.Marshal(ProxyPayload{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Content:    string(content),
	})
	if err != nil {
		return nil, MalformedError(resp.StatusCode, err)
	}

	return &Response{StatusCode: resp.StatusCode, Payload: payload}, nil
}
