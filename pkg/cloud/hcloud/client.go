// Package hcloud implements cloud.Provider against the Hetzner Cloud JSON
// API. Only the operations the orchestrator needs are covered.
package hcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/regenrek/moltlets/pkg/cloud"
)

const (
	// DefaultEndpoint is the public Hetzner Cloud API base URL.
	DefaultEndpoint = "https://api.hetzner.cloud/v1"

	// DefaultRequestTimeout bounds a single API round trip.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultPollInterval is the delay between WaitForStatus polls.
	DefaultPollInterval = 2 * time.Second
)

// Config configures a Client.
type Config struct {
	// Token is the API token. Required.
	Token string

	// Endpoint overrides the API base URL (used by tests and mocks).
	Endpoint string

	// RequestTimeout bounds each HTTP request. Zero uses the default.
	RequestTimeout time.Duration

	// RateLimit is the maximum requests per second to the provider.
	// Zero means unlimited.
	RateLimit float64

	// PollInterval is the delay between status polls. Zero uses the default.
	PollInterval time.Duration
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("cloud token is required")
	}
	return nil
}

// Client talks to the Hetzner Cloud API.
type Client struct {
	httpClient   *http.Client
	endpoint     string
	token        string
	limiter      *rate.Limiter
	pollInterval time.Duration
}

var _ cloud.Provider = (*Client)(nil)

// New creates a new Hetzner Cloud client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	c := &Client{
		httpClient:   &http.Client{Timeout: timeout},
		endpoint:     endpoint,
		token:        cfg.Token,
		pollInterval: pollInterval,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// wire types; only the fields the orchestrator reads.

type serverJSON struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name"`
	Status    string            `json:"status"`
	Created   time.Time         `json:"created"`
	Labels    map[string]string `json:"labels"`
	PublicNet struct {
		IPv4 struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
	} `json:"public_net"`
}

func (s serverJSON) toServer() cloud.Server {
	return cloud.Server{
		ID:      s.ID,
		Name:    s.Name,
		Status:  cloud.ServerStatus(s.Status),
		IPv4:    s.PublicNet.IPv4.IP,
		Created: s.Created,
		Labels:  s.Labels,
	}
}

type errorJSON struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateServer provisions a new instance.
func (c *Client) CreateServer(ctx context.Context, req cloud.CreateServerRequest) (*cloud.Server, error) {
	type firewallRef struct {
		Firewall int64 `json:"firewall"`
	}
	body := struct {
		Name       string            `json:"name"`
		ServerType string            `json:"server_type"`
		Image      string            `json:"image"`
		Location   string            `json:"location,omitempty"`
		UserData   string            `json:"user_data,omitempty"`
		SSHKeys    []string          `json:"ssh_keys,omitempty"`
		Labels     map[string]string `json:"labels,omitempty"`
		Firewalls  []firewallRef     `json:"firewalls,omitempty"`
	}{
		Name:       req.Name,
		ServerType: req.ServerType,
		Image:      req.Image,
		Location:   req.Location,
		UserData:   req.UserData,
		SSHKeys:    req.SSHKeys,
		Labels:     req.Labels,
	}
	for _, id := range req.FirewallIDs {
		body.Firewalls = append(body.Firewalls, firewallRef{Firewall: id})
	}

	var out struct {
		Server serverJSON `json:"server"`
	}
	if err := c.do(ctx, "CreateServer", http.MethodPost, "/servers", body, &out); err != nil {
		return nil, err
	}
	server := out.Server.toServer()
	return &server, nil
}

// DeleteServer destroys an instance by id.
func (c *Client) DeleteServer(ctx context.Context, id int64) error {
	return c.do(ctx, "DeleteServer", http.MethodDelete, "/servers/"+strconv.FormatInt(id, 10), nil, nil)
}

// GetServer fetches a single instance.
func (c *Client) GetServer(ctx context.Context, id int64) (*cloud.Server, error) {
	var out struct {
		Server serverJSON `json:"server"`
	}
	if err := c.do(ctx, "GetServer", http.MethodGet, "/servers/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return nil, err
	}
	server := out.Server.toServer()
	return &server, nil
}

// ListServers returns all instances matching the label selector, following
// pagination until exhausted.
func (c *Client) ListServers(ctx context.Context, selector string) ([]cloud.Server, error) {
	var servers []cloud.Server
	page := 1
	for {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("per_page", "50")
		if selector != "" {
			query.Set("label_selector", selector)
		}

		var out struct {
			Servers []serverJSON `json:"servers"`
			Meta    struct {
				Pagination struct {
					NextPage *int `json:"next_page"`
				} `json:"pagination"`
			} `json:"meta"`
		}
		if err := c.do(ctx, "ListServers", http.MethodGet, "/servers?"+query.Encode(), nil, &out); err != nil {
			return nil, err
		}
		for _, s := range out.Servers {
			servers = append(servers, s.toServer())
		}
		if out.Meta.Pagination.NextPage == nil {
			return servers, nil
		}
		page = *out.Meta.Pagination.NextPage
	}
}

// EnsureFirewall creates the named firewall if absent and returns its id.
func (c *Client) EnsureFirewall(ctx context.Context, name string, rules []cloud.FirewallRule) (int64, error) {
	query := url.Values{}
	query.Set("name", name)

	var list struct {
		Firewalls []struct {
			ID int64 `json:"id"`
		} `json:"firewalls"`
	}
	if err := c.do(ctx, "EnsureFirewall", http.MethodGet, "/firewalls?"+query.Encode(), nil, &list); err != nil {
		return 0, err
	}
	if len(list.Firewalls) > 0 {
		return list.Firewalls[0].ID, nil
	}

	type ruleJSON struct {
		Direction string   `json:"direction"`
		Protocol  string   `json:"protocol"`
		Port      string   `json:"port,omitempty"`
		SourceIPs []string `json:"source_ips"`
	}
	body := struct {
		Name  string     `json:"name"`
		Rules []ruleJSON `json:"rules"`
	}{Name: name}
	for _, r := range rules {
		body.Rules = append(body.Rules, ruleJSON{
			Direction: "in",
			Protocol:  r.Protocol,
			Port:      r.Port,
			SourceIPs: r.SourceIPs,
		})
	}

	var out struct {
		Firewall struct {
			ID int64 `json:"id"`
		} `json:"firewall"`
	}
	if err := c.do(ctx, "EnsureFirewall", http.MethodPost, "/firewalls", body, &out); err != nil {
		return 0, err
	}
	return out.Firewall.ID, nil
}

// WaitForStatus polls the instance until it reaches the wanted status or the
// context is done.
func (c *Client) WaitForStatus(ctx context.Context, id int64, status cloud.ServerStatus) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		server, err := c.GetServer(ctx, id)
		if err != nil {
			return err
		}
		if server.Status == status {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for server %d to reach %q: %w", id, status, ctx.Err())
		case <-ticker.C:
		}
	}
}

// do executes one API request, honoring the rate limiter and translating
// non-2xx responses into *cloud.APIError.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &cloud.APIError{Op: op, StatusCode: resp.StatusCode}
		var parsed errorJSON
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil {
			apiErr.Code = parsed.Error.Code
			apiErr.Message = parsed.Error.Message
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return nil
}
