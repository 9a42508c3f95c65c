package venues

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Options parameterise a REST venue client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// restClient carries what every REST venue shares.
type restClient struct {
	id      string
	baseURL string
	ua      string
	client  *http.Client
	logger  zerolog.Logger
}

func newRESTClient(id, defaultBase string, opts Options, logger zerolog.Logger) restClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBase
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "spreadwatch/1.0"
	}
	return restClient{
		id:      id,
		baseURL: baseURL,
		ua:      ua,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", id+"_client").Logger(),
	}
}

// get performs a GET and returns status and body; non-2xx is left to the caller
// because venues encode "unknown symbol" in error bodies.
func (c restClient) get(ctx context.Context, path string, query url.Values) (int, []byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func (c restClient) httpError(status int, payload []byte, detail string) error {
	if detail != "" {
		return fmt.Errorf("%s api error (%d): %s", c.id, status, detail)
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", c.id, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", c.id, status)
}

// optionalDecimal parses informational fields; empty or malformed values become zero.
func (c restClient) optionalDecimal(field, raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		c.logger.Debug().Str("field", field).Str("value", raw).Msg("unparsable ticker field")
		return decimal.Zero
	}
	return d
}

var hundred = decimal.NewFromInt(100)
