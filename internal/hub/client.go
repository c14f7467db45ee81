// -----------------------------------------------------------------------
// Hub client - minimal read-only client for the upstream dataset hub
// -----------------------------------------------------------------------

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/ternarybob/hubcache/internal/common"
)

// ErrDatasetNotFound is returned when the hub does not know the dataset.
var ErrDatasetNotFound = errors.New("dataset not found on the hub")

const (
	maxAttempts = 3
	retryDelay  = 500 * time.Millisecond
	pageSize    = 500
)

// DatasetInfo is the subset of the hub dataset payload the cache needs.
type DatasetInfo struct {
	ID       string `json:"id"`
	SHA      string `json:"sha"`
	Private  bool   `json:"private"`
	Disabled bool   `json:"disabled"`
}

// Client reads dataset metadata from the hub API. Requests are rate limited
// and retried on server errors.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	logger   arbor.ILogger
}

// NewClient creates a hub client from configuration. A non-empty token is
// sent as a bearer token on every request.
func NewClient(cfg common.HubConfig, logger arbor.ILogger) *Client {
	httpClient := &http.Client{Timeout: cfg.RequestTimeoutDuration()}
	if cfg.Token != "" {
		source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = &http.Client{
			Timeout: cfg.RequestTimeoutDuration(),
			Transport: &oauth2.Transport{
				Source: source,
				Base:   http.DefaultTransport,
			},
		}
	}

	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps) + 1
	}

	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		http:     httpClient,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		logger:   logger,
	}
}

// GetDataset fetches the hub metadata of one dataset, including the current
// revision (SHA) of its default branch.
func (c *Client) GetDataset(ctx context.Context, dataset string) (*DatasetInfo, error) {
	var info DatasetInfo
	path := "/api/datasets/" + url.PathEscape(dataset)
	if err := c.getJSON(ctx, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetRevision returns the current revision of the dataset.
func (c *Client) GetRevision(ctx context.Context, dataset string) (string, error) {
	info, err := c.GetDataset(ctx, dataset)
	if err != nil {
		return "", err
	}
	if info.SHA == "" {
		return "", fmt.Errorf("dataset %s has no revision", dataset)
	}
	return info.SHA, nil
}

// ListDatasets walks every dataset on the hub, page by page, calling fn for
// each one. Iteration stops on the first error from fn.
func (c *Client) ListDatasets(ctx context.Context, fn func(info DatasetInfo) error) error {
	next := fmt.Sprintf("%s/api/datasets?limit=%d", c.endpoint, pageSize)
	for next != "" {
		var page []DatasetInfo
		nextURL, err := c.getJSONPage(ctx, next, &page)
		if err != nil {
			return err
		}
		for _, info := range page {
			if err := fn(info); err != nil {
				return err
			}
		}
		next = nextURL
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	_, err := c.getJSONPage(ctx, target, out)
	return err
}

// getJSONPage performs one GET with retries and returns the rel="next" link
// of the response, if any.
func (c *Client) getJSONPage(ctx context.Context, target string, out interface{}) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", fmt.Errorf("failed to build hub request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("hub request failed: %w", err)
		} else {
			next, done, err := c.handleResponse(resp, out)
			if done {
				return next, err
			}
			lastErr = err
		}

		c.logger.Warn().
			Err(lastErr).
			Str("url", target).
			Int("attempt", attempt).
			Msg("Hub request failed, retrying")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryDelay * time.Duration(attempt)):
		}
	}
	return "", lastErr
}

// handleResponse decodes the body. done is false only for server errors,
// which are worth retrying.
func (c *Client) handleResponse(resp *http.Response, out interface{}) (next string, done bool, err error) {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", true, ErrDatasetNotFound
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return "", false, fmt.Errorf("hub returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", true, fmt.Errorf("hub returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return "", true, fmt.Errorf("failed to decode hub response: %w", err)
	}
	return parseNextLink(resp.Header.Get("Link")), true, nil
}

// parseNextLink extracts the rel="next" URL from an RFC 5988 Link header.
func parseNextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		urlPart := strings.Trim(strings.TrimSpace(section[0]), "<>")
		for _, param := range section[1:] {
			if strings.TrimSpace(param) == `rel="next"` {
				return urlPart
			}
		}
	}
	return ""
}
