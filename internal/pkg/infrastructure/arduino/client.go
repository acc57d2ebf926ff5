package arduino

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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/metrics"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultAPIURL   string = "https://api2.arduino.cc/iot/v2"
	DefaultTokenURL string = "https://api2.arduino.cc/iot/v1/clients/token"
	DefaultAudience string = "https://api2.arduino.cc/iot"

	// tokens are renewed this long before the expiry declared by the server
	RefreshMargin  time.Duration = 5 * time.Minute
	RequestTimeout time.Duration = 10 * time.Second
	MaxAttempts    uint64        = 3
)

var (
	ErrMissingCredentials = fmt.Errorf("missing arduino cloud credentials")
	ErrAuthentication     = fmt.Errorf("arduino cloud authentication failed")
	ErrUpstream           = fmt.Errorf("arduino cloud request failed")

	errTokenRejected = fmt.Errorf("%w: token rejected", ErrAuthentication)
)

var tracer = otel.Tracer("iot-gas-monitor/arduino")

// Client talks to the Arduino IoT Cloud REST API. The bearer token is owned by the client
// and renewed on demand, so a single Client should be shared by everything that queries
// the same account.
type Client struct {
	clientID     string
	clientSecret string
	apiURL       string
	tokenURL     string
	audience     string

	httpClient *http.Client
	timeout    time.Duration
	newBackOff func() backoff.BackOff
	now        func() time.Time

	mu    sync.Mutex
	token *oauth2.Token
}

type Option func(*Client)

func WithAPIURL(u string) Option {
	return func(c *Client) {
		c.apiURL = strings.TrimSuffix(u, "/")
	}
}

func WithTokenURL(u string) Option {
	return func(c *Client) {
		c.tokenURL = u
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithBackOff replaces the exponential back off used between attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = fn
	}
}

func NewClient(clientID, clientSecret string, opts ...Option) (*Client, error) {
	if clientID == "" || clientSecret == "" {
		return nil, ErrMissingCredentials
	}

	c := &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		apiURL:       DefaultAPIURL,
		tokenURL:     DefaultTokenURL,
		audience:     DefaultAudience,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout:    RequestTimeout,
		newBackOff: defaultBackOff,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Authenticate exchanges the client credentials for a new bearer token.
func (c *Client) Authenticate(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.authenticate(ctx)
}

// Authenticated reports whether the client holds a token that is not about to expire.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tokenIsValid()
}

func (c *Client) ensureAuthenticated(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tokenIsValid() {
		return c.token.AccessToken, nil
	}

	token, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}

	return token.AccessToken, nil
}

func (c *Client) tokenIsValid() bool {
	if c.token == nil || c.token.AccessToken == "" {
		return false
	}
	if c.token.Expiry.IsZero() {
		return true
	}
	return c.now().Before(c.token.Expiry.Add(-RefreshMargin))
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = nil
}

func (c *Client) authenticate(ctx context.Context) (*oauth2.Token, error) {
	var err error
	ctx, span := tracer.Start(ctx, "authenticate")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	cfg := clientcredentials.Config{
		ClientID:       c.clientID,
		ClientSecret:   c.clientSecret,
		TokenURL:       c.tokenURL,
		EndpointParams: url.Values{"audience": {c.audience}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	var token *oauth2.Token

	err = c.retry(ctx, func() error {
		tctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		t, tokenErr := cfg.Token(tctx)
		if tokenErr != nil {
			var re *oauth2.RetrieveError
			if errors.As(tokenErr, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrAuthentication, tokenErr.Error()))
			}
			return fmt.Errorf("%w: %s", ErrAuthentication, tokenErr.Error())
		}

		token = t
		return nil
	})

	log := logging.GetFromContext(ctx)

	if err != nil {
		c.token = nil
		log.Error().Err(err).Msg("authentication failed")
		return nil, err
	}

	c.token = token
	log.Info().Msg("successfully authenticated with arduino cloud")

	return token, nil
}

func (c *Client) ListThings(ctx context.Context) ([]Thing, error) {
	things := []Thing{}

	err := c.get(ctx, "list-things", "/things", nil, &things)
	if err != nil {
		return nil, err
	}

	return things, nil
}

func (c *Client) ListProperties(ctx context.Context, thingID string) ([]Property, error) {
	properties := []Property{}

	err := c.get(ctx, "list-properties", "/things/"+url.PathEscape(thingID)+"/properties", nil, &properties)
	if err != nil {
		return nil, err
	}

	return properties, nil
}

func (c *Client) GetLastValue(ctx context.Context, thingID, propertyID string) (Value, error) {
	p := Property{}

	path := fmt.Sprintf("/things/%s/properties/%s", url.PathEscape(thingID), url.PathEscape(propertyID))

	err := c.get(ctx, "get-last-value", path, nil, &p)
	if err != nil {
		return Value{}, err
	}

	v := Value{Value: p.LastValue}
	if p.ValueUpdatedAt != nil {
		v.Time = p.ValueUpdatedAt.UTC()
	}

	return v, nil
}

// GetHistoricalValues returns the values recorded for a property within [from, to].
func (c *Client) GetHistoricalValues(ctx context.Context, thingID, propertyID string, from, to time.Time) ([]Value, error) {
	path := fmt.Sprintf("/things/%s/properties/%s/timeseries", url.PathEscape(thingID), url.PathEscape(propertyID))

	query := url.Values{}
	query.Set("from", from.UTC().Format(time.RFC3339))
	query.Set("to", to.UTC().Format(time.RFC3339))

	raw := json.RawMessage{}

	err := c.get(ctx, "get-historical-values", path, query, &raw)
	if err != nil {
		return nil, err
	}

	values, err := decodeTimeseries(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unexpected timeseries response: %s", ErrUpstream, err.Error())
	}

	bounded := make([]Value, 0, len(values))
	for _, v := range values {
		if v.Time.Before(from) || v.Time.After(to) {
			continue
		}
		v.Time = v.Time.UTC()
		bounded = append(bounded, v)
	}

	return bounded, nil
}

// the timeseries endpoint has been seen to return either a bare array or an object
// wrapping the array in a data field
func decodeTimeseries(raw []byte) ([]Value, error) {
	trimmed := bytes.TrimSpace(raw)

	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Value{}, nil
	}

	if trimmed[0] == '[' {
		values := []Value{}
		err := json.Unmarshal(trimmed, &values)
		return values, err
	}

	ts := timeseries{}
	err := json.Unmarshal(trimmed, &ts)
	return ts.Data, err
}

func (c *Client) get(ctx context.Context, operation, path string, query url.Values, result any) error {
	var err error
	ctx, span := tracer.Start(ctx, operation)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)

	u := c.apiURL + path
	if len(query) > 0 {
		u = u + "?" + query.Encode()
	}

	reauthenticated := false

	err = c.retry(ctx, func() error {
		token, authErr := c.ensureAuthenticated(ctx)
		if authErr != nil {
			return backoff.Permanent(authErr)
		}

		body, reqErr := c.do(ctx, u, token)
		if errors.Is(reqErr, errTokenRejected) && !reauthenticated {
			// the token was revoked or expired early, fetch a new one and try again once
			reauthenticated = true
			log.Info().Msg("token rejected, authenticating again")

			token, authErr = c.ensureAuthenticated(ctx)
			if authErr != nil {
				return backoff.Permanent(authErr)
			}

			body, reqErr = c.do(ctx, u, token)
		}
		if reqErr != nil {
			return reqErr
		}

		if decodeErr := json.Unmarshal(body, result); decodeErr != nil {
			return backoff.Permanent(fmt.Errorf("%w: failed to unmarshal response body: %s", ErrUpstream, decodeErr.Error()))
		}

		return nil
	})

	if err != nil {
		metrics.CloudRequests.WithLabelValues("failure").Inc()
		log.Error().Err(err).Msgf("request failed (GET %s)", u)
		return err
	}

	metrics.CloudRequests.WithLabelValues("success").Inc()

	return nil
}

func (c *Client) do(ctx context.Context, u, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create http request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.CloudRequests.WithLabelValues("retry").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUpstream, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %s", ErrUpstream, err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.invalidateToken()
		return nil, backoff.Permanent(fmt.Errorf("%w (%d)", errTokenRejected, resp.StatusCode))
	case resp.StatusCode >= http.StatusInternalServerError:
		metrics.CloudRequests.WithLabelValues("retry").Inc()
		return nil, fmt.Errorf("%w: request failed with status code %d", ErrUpstream, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, backoff.Permanent(fmt.Errorf("%w: request failed with status code %d", ErrUpstream, resp.StatusCode))
	}

	return body, nil
}

func (c *Client) retry(ctx context.Context, op backoff.Operation) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), MaxAttempts-1), ctx)
	return backoff.Retry(op, b)
}
