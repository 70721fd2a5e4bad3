// Package listing is a client for the SerpAPI google_local engine, the
// business listing service used by supplier search.
package listing

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

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL       = "https://serpapi.com"
	defaultTimeout       = 20 * time.Second
	maxResponseSizeBytes = 4 << 20
)

// ErrNoAPIKey is returned by New when the key is empty.
var ErrNoAPIKey = errors.New("serpapi api key is required")

// Listing is one local business result.
type Listing struct {
	PlaceID string `json:"place_id"`
	Title   string `json:"title"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
	Website string `json:"website"`
	Email   string `json:"email"`
}

// Config configures the client. It is decoded from SERPAPI_* variables.
type Config struct {
	APIKey  string        `envconfig:"API_KEY" split_words:"true"`
	BaseURL string        `envconfig:"BASE_URL" split_words:"true" default:"https://serpapi.com"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"20s"`
	RPS     float64       `envconfig:"RPS" default:"2"`
	Burst   int           `envconfig:"BURST" default:"4"`
}

// Client talks to SerpAPI. Search and Details share a client-side limiter;
// RawSearch is a separate degraded path with its own plain HTTP client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	raw     *http.Client
	limiter *rate.Limiter
}

// Option customizes Client.
type Option func(*Client)

// WithHTTPClient replaces the primary HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLimiter replaces the client-side rate limiter. nil disables limiting.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// New builds a Client from cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, ErrNoAPIKey
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid serpapi base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL: base,
		apiKey:  key,
		http:    &http.Client{Timeout: timeout},
		raw:     &http.Client{Timeout: timeout},
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type searchResponse struct {
	LocalResults []Listing `json:"local_results"`
	Error        string    `json:"error"`
}

func (c *Client) searchParams(query, location string) url.Values {
	v := url.Values{}
	v.Set("engine", "google_local")
	v.Set("q", query)
	if location != "" {
		v.Set("location", location)
	}
	v.Set("google_domain", "google.com")
	v.Set("hl", "ru")
	v.Set("gl", "ru")
	v.Set("num", "20")
	v.Set("api_key", c.apiKey)
	return v
}

// Search runs a google_local query. An empty location omits the parameter.
// A response without local_results yields an empty slice and no error.
func (c *Client) Search(ctx context.Context, query, location string) ([]Listing, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	raw, err := c.get(ctx, c.http, c.searchParams(query, location))
	if err != nil {
		return nil, err
	}
	return decodeListings(raw)
}

// RawSearch repeats a query over the plain transport, bypassing the limiter.
// It is the last resort of a search round.
func (c *Client) RawSearch(ctx context.Context, query, location string) ([]Listing, error) {
	raw, err := c.get(ctx, c.raw, c.searchParams(query, location))
	if err != nil {
		return nil, err
	}
	return decodeListings(raw)
}

// Details returns the raw details payload of a listing.
func (c *Client) Details(ctx context.Context, placeID string) ([]byte, error) {
	if strings.TrimSpace(placeID) == "" {
		return nil, errors.New("empty place id")
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	v := url.Values{}
	v.Set("engine", "google_local")
	v.Set("place_id", placeID)
	v.Set("hl", "ru")
	v.Set("gl", "ru")
	v.Set("api_key", c.apiKey)
	return c.get(ctx, c.http, v)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) get(ctx context.Context, hc *http.Client, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search.json?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build serpapi request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute serpapi request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read serpapi response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("serpapi http status=%d", resp.StatusCode)
	}
	return raw, nil
}

func decodeListings(raw []byte) ([]Listing, error) {
	var parsed searchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode serpapi response: %w", err)
	}
	if parsed.LocalResults == nil {
		return []Listing{}, nil
	}
	return parsed.LocalResults, nil
}

// ErrOffline is returned by Offline for every call.
var ErrOffline = errors.New("listing service disabled in offline mode")

// Offline stands in for Client when no API key is configured.
type Offline struct{}

// Search implements the listing lookup.
func (Offline) Search(context.Context, string, string) ([]Listing, error) { return nil, ErrOffline }

// RawSearch implements the degraded lookup.
func (Offline) RawSearch(context.Context, string, string) ([]Listing, error) { return nil, ErrOffline }

// Details implements the place lookup.
func (Offline) Details(context.Context, string) ([]byte, error) { return nil, ErrOffline }
