package aggregate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/haukened/livestats/internal/stats/domain"
	"github.com/haukened/livestats/internal/stats/services/fetcher"
)

// CountsPath is the route both Client and Handler use.
const CountsPath = "/api/counts"

const (
	errBaseURLRequired = "aggregate base URL is required"
	errBadBaseURL      = "parse aggregate base URL: %w"
	errEncodeFilters   = "encode filters: %w"
	errRequestFailed   = "aggregate request for %s: %w"
	errStatus          = "aggregate request for %s: unexpected status %d"
	errReadBody        = "read aggregate response for %s: %w"
	errBadTotal        = "%w: total is %s"

	maxBodyBytes = 1 << 16
)

// ErrMalformedResponse is returned when the endpoint answers 2xx with a body
// that carries no usable total.
var ErrMalformedResponse = errors.New("malformed aggregate response")

// Client asks the aggregation endpoint for counts. It is the fallback path
// used when direct queries are not possible.
type Client struct {
	base *url.URL
	http *http.Client
}

// Options configures a Client. HTTPClient, when set, is used as is and
// Timeout is ignored.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewClient validates BaseURL and builds a Client. A zero Timeout means five
// seconds unless HTTPClient is supplied.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New(errBaseURLRequired)
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf(errBadBaseURL, err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		if opts.Timeout <= 0 {
			opts.Timeout = 5 * time.Second
		}
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{base: base, http: hc}, nil
}

// Count performs GET {base}/api/counts?table=...&filters=... and returns
// the total it reports.
func (c *Client) Count(ctx context.Context, table string, filters []domain.FilterPredicate) (int64, error) {
	encoded, err := domain.EncodeFilters(filters)
	if err != nil {
		return 0, fmt.Errorf(errEncodeFilters, err)
	}
	u := *c.base
	u.Path += CountsPath
	q := url.Values{}
	q.Set("table", table)
	q.Set("filters", encoded)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf(errRequestFailed, table, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf(errRequestFailed, table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return 0, fmt.Errorf(errStatus, table, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, fmt.Errorf(errReadBody, table, err)
	}
	return parseTotal(body)
}

// parseTotal accepts only a non-negative integral JSON number.
func parseTotal(body []byte) (int64, error) {
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("%w: invalid JSON", ErrMalformedResponse)
	}
	total := gjson.GetBytes(body, "total")
	if total.Type != gjson.Number {
		return 0, fmt.Errorf(errBadTotal, ErrMalformedResponse, describe(total))
	}
	raw := total.Raw
	if strings.ContainsAny(raw, ".eE-") {
		return 0, fmt.Errorf(errBadTotal, ErrMalformedResponse, raw)
	}
	return total.Int(), nil
}

func describe(r gjson.Result) string {
	if !r.Exists() {
		return "missing"
	}
	return r.Type.String()
}

var _ fetcher.FallbackCounter = (*Client)(nil)
