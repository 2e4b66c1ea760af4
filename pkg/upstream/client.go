// Package upstream holds the single backend client. The backend speaks
// the OpenAI-compatible API rooted under /api (models, chat/completions,
// version); everything here is plain HTTP plumbing with the gateway's
// credential attached.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/modelfront/ollabridge/pkg/config"
	"github.com/modelfront/ollabridge/pkg/version"
)

const (
	ModelsPath          = "/api/models"
	ChatCompletionsPath = "/api/chat/completions"
	VersionPath         = "/api/version"

	maxErrorBody = 1024
)

// ErrUnreachable marks connect/DNS/timeout failures talking to the
// backend. Surfaced to callers as a 502-class response.
var ErrUnreachable = errors.New("upstream unreachable")

type HTTPError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream %s status %d: %s", e.Path, e.StatusCode, e.Body)
}

type Client struct {
	base   *url.URL
	apiKey string

	// Bounded client for one-shot calls; the stream client carries no
	// timeout because token streams legitimately outlive any fixed one.
	client *http.Client
	stream *http.Client
}

func New(cfg config.UpstreamConfig) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q must be absolute", cfg.BaseURL)
	}
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 120
	}
	return &Client{
		base:   u,
		apiKey: strings.TrimSpace(cfg.APIKey),
		client: &http.Client{Timeout: time.Duration(timeout) * time.Second},
		stream: &http.Client{},
	}, nil
}

func (c *Client) BaseURL() string { return c.base.String() }

// URL resolves a backend path plus raw query against the base address.
func (c *Client) URL(requestPath, rawQuery string) string {
	u := *c.base
	u.Path = JoinPath(c.base.Path, requestPath)
	u.RawQuery = rawQuery
	return u.String()
}

func (c *Client) NewRequest(ctx context.Context, method, requestPath, rawQuery string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(requestPath, rawQuery), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	c.Authorize(req)
	return req, nil
}

// Authorize attaches the configured bearer credential. Callers that
// rewrite the header set wholesale re-apply it through here.
func (c *Client) Authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return resp, nil
}

// DoStream issues the request on the unbounded client so long-lived
// streamed bodies are not cut off mid-read.
func (c *Client) DoStream(req *http.Request) (*http.Response, error) {
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return resp, nil
}

// ListModelsRaw fetches the backend model list body as-is; the catalog
// normalizer owns the parsing.
func (c *Client) ListModelsRaw(ctx context.Context) ([]byte, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, ModelsPath, "", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{
			Path:       ModelsPath,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// ChatCompletionsStream posts the rewritten chat body and hands back the
// raw response. Status is deliberately not checked here: the transcoder
// owns the non-success envelope.
func (c *Client) ChatCompletionsStream(ctx context.Context, body io.Reader, contentType string) (*http.Response, error) {
	req, err := c.NewRequest(ctx, http.MethodPost, ChatCompletionsPath, "", body)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/event-stream")
	return c.DoStream(req)
}

// JoinPath joins a request path onto the base path, keeping any prefix
// the base address carries.
func JoinPath(basePath, requestPath string) string {
	base := path.Clean("/" + strings.TrimSpace(basePath))
	req := path.Clean("/" + strings.TrimSpace(requestPath))
	if base == "/" {
		return req
	}
	return path.Join(base, req)
}
