package nodes

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/weavegraph/weavegraph/internal/store"
	"github.com/weavegraph/weavegraph/internal/template"
	weaveerrors "github.com/weavegraph/weavegraph/pkg/errors"
	"github.com/weavegraph/weavegraph/pkg/httpclient"
)

// retryPolicy names one of the three supported outbound-request retry
// schedules. Delays are measured from the end of the failing attempt.
type retryPolicy string

const (
	retryNone        retryPolicy = "none"
	retrySimple      retryPolicy = "simple"
	retryExponential retryPolicy = "exponential"
)

// delays returns the inter-attempt sleep schedule for a policy. The first
// attempt is always immediate; len(delays) is the number of retries.
func (p retryPolicy) delays() []time.Duration {
	switch p {
	case retrySimple:
		return []time.Duration{time.Second, time.Second, time.Second}
	case retryExponential:
		out := make([]time.Duration, 5)
		for n := 0; n < 5; n++ {
			out[n] = time.Duration(0.5 * float64(time.Second) * pow2(n))
		}
		return out
	default:
		return nil
	}
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// responseFormat selects how the response body is decoded into the node's
// output.
type responseFormat string

const (
	responseJSON   responseFormat = "json"
	responseText   responseFormat = "text"
	responseBinary responseFormat = "binary"
)

const binaryPreviewLimit = 256

// httpExecutor performs an outbound HTTP request on behalf of http_action
// and api_consumer nodes: method/URL/headers/query params, an optional
// templated body, one of four auth schemes, and a configurable retry policy.
type httpExecutor struct{}

func (e *httpExecutor) Execute(ectx ExecContext, node *store.Node, input any) (any, error) {
	method := strings.ToUpper(node.DataString("method"))
	if method == "" {
		method = http.MethodGet
	}
	rawURL := node.DataString("url")
	if rawURL == "" {
		return nil, &weaveerrors.ValidationError{Field: "url", Message: "http action node has no url"}
	}

	tmplCtx := template.Context{"current_input": input}
	for nodeID, out := range ectx.RunOutputs {
		tmplCtx[nodeID] = out
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for templating: %w", err)
	}
	tmplCtx["input_data"] = string(inputJSON)

	headers := resolveHeaders(node.Data["headers"])

	reqURL, err := buildURL(rawURL, node.Data["query_params"])
	if err != nil {
		return nil, &weaveerrors.ValidationError{Field: "url", Message: err.Error()}
	}

	bodyTemplate := node.DataString("body")

	if err := applyAuth(node, headers, reqURL); err != nil {
		return nil, err
	}

	policy := retryPolicy(node.DataString("retry_policy"))
	if policy == "" {
		policy = retryNone
	}

	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "weavegraphd-http-action/1.0"
	cfg.RetryAttempts = 0 // node-level retry loop below replaces the transport's own.
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("build http action client: %w", err)
	}

	var resp *http.Response
	var lastErr error
	delays := policy.delays()

	for attempt := 0; attempt <= len(delays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delays[attempt-1]):
			case <-ectx.Ctx.Done():
				return nil, ectx.Ctx.Err()
			}
		}

		var body io.Reader
		if bodyTemplate != "" {
			body = strings.NewReader(template.Render(bodyTemplate, tmplCtx))
		}

		httpReq, err := http.NewRequestWithContext(ectx.Ctx, method, reqURL.String(), body)
		if err != nil {
			return nil, &weaveerrors.TransportError{Target: reqURL.String(), Cause: err}
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, lastErr = client.Do(httpReq)
		if lastErr == nil && resp.StatusCode < 500 {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
	}

	if lastErr != nil {
		return nil, &weaveerrors.TransportError{Target: reqURL.String(), Cause: lastErr}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &weaveerrors.TransportError{Target: reqURL.String(), StatusCode: resp.StatusCode, Cause: err}
	}

	format := responseFormat(node.DataString("response_format"))
	if format == "" {
		format = responseJSON
	}

	fullResponse, summary := decodeResponse(format, resp.Header.Get("Content-Type"), respBody)

	return map[string]any{
		"status_code":      resp.StatusCode,
		"full_response":    fullResponse,
		"response_summary": summary,
		"details": map[string]any{
			"headers": resp.Header,
		},
	}, nil
}

func resolveHeaders(raw any) map[string]string {
	headers := map[string]string{}
	switch v := raw.(type) {
	case map[string]any:
		for k, val := range v {
			headers[k] = fmt.Sprint(val)
		}
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			for k, val := range parsed {
				headers[k] = fmt.Sprint(val)
			}
		}
	}
	return headers
}

func buildURL(rawURL string, queryParams any) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	switch v := queryParams.(type) {
	case map[string]any:
		for k, val := range v {
			q.Set(k, fmt.Sprint(val))
		}
	}
	u.RawQuery = q.Encode()
	return u, nil
}

// applyAuth mutates headers/reqURL in place according to the node's
// configured auth scheme. oauth2 client_credentials tokens are fetched
// fresh on every call: the contract explicitly specifies no caching.
func applyAuth(node *store.Node, headers map[string]string, reqURL *url.URL) error {
	authType := node.DataString("auth_type")
	switch authType {
	case "", "none":
		return nil
	case "api_key":
		key := node.DataString("api_key")
		name := node.DataString("api_key_name")
		if name == "" {
			name = "X-API-Key"
		}
		if node.DataString("api_key_location") == "query" {
			q := reqURL.Query()
			q.Set(name, key)
			reqURL.RawQuery = q.Encode()
		} else {
			headers[name] = key
		}
		return nil
	case "bearer":
		headers["Authorization"] = "Bearer " + node.DataString("token")
		return nil
	case "basic":
		creds := node.DataString("username") + ":" + node.DataString("password")
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
		return nil
	case "oauth2_client_credentials":
		token, err := fetchClientCredentialsToken(node)
		if err != nil {
			return err
		}
		headers["Authorization"] = "Bearer " + token
		return nil
	default:
		return &weaveerrors.ValidationError{Field: "auth_type", Message: "unsupported auth type: " + authType}
	}
}

// fetchClientCredentialsToken runs the client_credentials grant through
// golang.org/x/oauth2/clientcredentials rather than hand-rolling the form
// POST: it already knows how to parse both JSON and form-encoded token
// responses and surfaces a typed *oauth2.RetrieveError on failure. A fresh
// token is requested on every call — the contract specifies no caching, so
// no TokenSource is retained across node executions.
func fetchClientCredentialsToken(node *store.Node) (string, error) {
	tokenURL := node.DataString("token_url")
	if tokenURL == "" {
		return "", &weaveerrors.ValidationError{Field: "token_url", Message: "oauth2 client_credentials requires token_url"}
	}

	cfg := clientcredentials.Config{
		ClientID:     node.DataString("client_id"),
		ClientSecret: node.DataString("client_secret"),
		TokenURL:     tokenURL,
	}
	if scope := node.DataString("scope"); scope != "" {
		cfg.Scopes = strings.Fields(scope)
	}

	token, err := cfg.Token(context.Background())
	if err != nil {
		return "", &weaveerrors.AuthenticationError{Provider: "oauth2", Message: err.Error()}
	}
	return token.AccessToken, nil
}

// decodeResponse converts a raw response body into a full representation and
// a short human-readable summary, per the node's configured format.
func decodeResponse(format responseFormat, contentType string, body []byte) (any, string) {
	switch format {
	case responseText:
		s := string(body)
		return s, truncate(s, binaryPreviewLimit)
	case responseBinary:
		encoded := base64.StdEncoding.EncodeToString(body)
		preview := body
		if len(preview) > binaryPreviewLimit {
			preview = preview[:binaryPreviewLimit]
		}
		full := map[string]any{
			"content_type":   contentType,
			"content_length": len(body),
			"data_base64":    encoded,
			"preview":        string(preview),
		}
		return full, fmt.Sprintf("%d bytes (%s)", len(body), contentType)
	default: // responseJSON
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			return parsed, truncate(string(body), binaryPreviewLimit)
		}
		s := string(body)
		return s, truncate(s, binaryPreviewLimit)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
