// Package crm mirrors applications into an amoCRM sales pipeline. Only
// applications are synced; suppliers stay local.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

const (
	defaultTimeout       = 15 * time.Second
	maxResponseSizeBytes = 1 << 20
	userAgent            = "go-procurement-bot/1.0"
)

var (
	// ErrNotConfigured is returned by New when the token or pipeline ids are missing.
	ErrNotConfigured = errors.New("amocrm token and pipeline ids are required")
	// ErrUnauthorized is returned on HTTP 401; the access token expired or is wrong.
	ErrUnauthorized = errors.New("amocrm unauthorized")
)

// Config is decoded from AMO_* variables.
type Config struct {
	BaseURL    string        `envconfig:"DOMAIN" default:"https://example.amocrm.ru"`
	Token      string        `envconfig:"ACCESS_TOKEN"`
	PipelineID int64         `envconfig:"PIPELINE_ID"`
	StatusNew  int64         `envconfig:"STATUS_NEW"`
	StatusWork int64         `envconfig:"STATUS_WORK"`
	StatusDone int64         `envconfig:"STATUS_DONE"`
	StatusLost int64         `envconfig:"STATUS_LOST"`
	FieldPhone int64         `envconfig:"CF_PHONE"`
	FieldEmail int64         `envconfig:"CF_EMAIL"`
	Timeout    time.Duration `default:"15s"`
}

// Client is a small amoCRM v4 REST client.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
}

// Option customizes Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New validates cfg and builds a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" || cfg.PipelineID == 0 || cfg.StatusNew == 0 {
		return nil, ErrNotConfigured
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid amocrm base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		cfg:     cfg,
		baseURL: base + "/api/v4",
		http:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// StatusFor maps a local status to a pipeline status id. Zero means the
// status has no pipeline counterpart and is not mirrored.
func (c *Client) StatusFor(s domain.Status) int64 {
	work := c.cfg.StatusWork
	if work == 0 {
		work = c.cfg.StatusNew
	}
	switch {
	case s == domain.StatusIntake:
		return c.cfg.StatusNew
	case s == domain.StatusClosed:
		return c.cfg.StatusDone
	case s == domain.StatusRejected:
		return c.cfg.StatusLost
	case s.Active():
		return work
	}
	return 0
}

type fieldValue struct {
	Value    string `json:"value"`
	EnumCode string `json:"enum_code,omitempty"`
}

type customField struct {
	FieldID   int64        `json:"field_id,omitempty"`
	FieldCode string       `json:"field_code,omitempty"`
	Values    []fieldValue `json:"values"`
}

type contact struct {
	FirstName    string        `json:"first_name"`
	CustomFields []customField `json:"custom_fields_values,omitempty"`
}

type lead struct {
	Name         string        `json:"name"`
	PipelineID   int64         `json:"pipeline_id"`
	CustomFields []customField `json:"custom_fields_values,omitempty"`
	RequestID    string        `json:"request_id"`
	Embedded     *struct {
		Contacts []contact `json:"contacts"`
	} `json:"_embedded,omitempty"`
}

type leadsResponse struct {
	Embedded struct {
		Leads []struct {
			ID int64 `json:"id"`
		} `json:"leads"`
	} `json:"_embedded"`
}

func (c *Client) leadPayload(app *domain.Application, buyer *domain.Buyer) lead {
	l := lead{
		Name:       fmt.Sprintf("Заявка #%s | %s", app.ID, app.SearchTerm),
		PipelineID: c.cfg.PipelineID,
		RequestID:  "app-" + app.ID,
	}
	if buyer == nil {
		return l
	}
	add := func(id int64, v *string) {
		if id != 0 && v != nil && *v != "" {
			l.CustomFields = append(l.CustomFields, customField{FieldID: id, Values: []fieldValue{{Value: *v}}})
		}
	}
	add(c.cfg.FieldPhone, buyer.Phone)
	add(c.cfg.FieldEmail, buyer.Email)

	if buyer.ContactPerson == nil && buyer.Phone == nil {
		return l
	}
	ct := contact{FirstName: buyer.Name}
	if buyer.ContactPerson != nil && *buyer.ContactPerson != "" {
		ct.FirstName = *buyer.ContactPerson
	}
	if ct.FirstName == "" {
		ct.FirstName = "Покупатель"
	}
	if buyer.Phone != nil && *buyer.Phone != "" {
		ct.CustomFields = append(ct.CustomFields, customField{FieldCode: "PHONE", Values: []fieldValue{{Value: *buyer.Phone, EnumCode: "WORK"}}})
	}
	if buyer.Email != nil && *buyer.Email != "" {
		ct.CustomFields = append(ct.CustomFields, customField{FieldCode: "EMAIL", Values: []fieldValue{{Value: *buyer.Email, EnumCode: "WORK"}}})
	}
	l.Embedded = &struct {
		Contacts []contact `json:"contacts"`
	}{Contacts: []contact{ct}}
	return l
}

// CreateLead creates a lead for app and returns its pipeline id. buyer may be nil.
func (c *Client) CreateLead(ctx context.Context, app *domain.Application, buyer *domain.Buyer) (int64, error) {
	if app == nil {
		return 0, errors.New("nil application")
	}
	raw, err := c.do(ctx, http.MethodPost, "/leads", []lead{c.leadPayload(app, buyer)})
	if err != nil {
		return 0, err
	}
	var parsed leadsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, fmt.Errorf("decode amocrm leads: %w", err)
	}
	if len(parsed.Embedded.Leads) == 0 || parsed.Embedded.Leads[0].ID == 0 {
		return 0, errors.New("amocrm returned no lead id")
	}
	return parsed.Embedded.Leads[0].ID, nil
}

// UpdateStatus moves a lead to statusID.
func (c *Client) UpdateStatus(ctx context.Context, leadID, statusID int64) error {
	_, err := c.do(ctx, http.MethodPatch, "/leads/"+strconv.FormatInt(leadID, 10), map[string]int64{"status_id": statusID})
	return err
}

// SyncStatus mirrors a local status onto a lead. Unmapped statuses are a no-op.
func (c *Client) SyncStatus(ctx context.Context, leadID int64, s domain.Status) error {
	id := c.StatusFor(s)
	if id == 0 || leadID == 0 {
		return nil
	}
	return c.UpdateStatus(ctx, leadID, id)
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode amocrm payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build amocrm request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute amocrm request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read amocrm response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("amocrm http status=%d", resp.StatusCode)
	}
	return raw, nil
}

// Noop is used when no CRM is configured. It creates no leads.
type Noop struct{}

// CreateLead returns 0, meaning no lead was created.
func (Noop) CreateLead(context.Context, *domain.Application, *domain.Buyer) (int64, error) {
	return 0, nil
}

// SyncStatus does nothing.
func (Noop) SyncStatus(context.Context, int64, domain.Status) error { return nil }
