package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Sternrassler/weather-proxy/pkg/requestid"
)

// maxBodyBytes bounds how much of an upstream body is read.
const maxBodyBytes = 10 << 20

// newRequest builds an outbound request carrying the caller's correlation id.
func newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, *AttemptError) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, MalformedError(0, fmt.Errorf("build request: %w", err))
	}
	if requestid.Bound(ctx) {
		req.Header.Set(requestid.Header, requestid.FromContext(ctx))
	}
	return req, nil
}

// getJSON issues a GET and decodes a JSON body into out.
func getJSON(ctx context.Context, client *http.Client, target string, out any) (int, *AttemptError) {
	req, aerr := newRequest(ctx, http.MethodGet, target, nil)
	if aerr != nil {
		return 0, aerr
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, NetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return resp.StatusCode, StatusError(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, NetworkError(fmt.Errorf("read body: %w", err))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, MalformedError(resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}
