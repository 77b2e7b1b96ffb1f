// Package homeassistant is the backend client for Home Assistant. It calls
// services and reads entity state over the REST API, streams state changes
// over the WebSocket API, and classifies every failure into a Kind so
// callers never branch on error strings.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	haclient "github.com/mkelcik/go-ha-client/v2"
)

// Search limits.
const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
)

// Pinger validates the connection and token. [haclient.Client] satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// State is a Home Assistant state object.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Attribute returns the attribute named key formatted as a string, and
// whether it was present.
func (s *State) Attribute(key string) (string, bool) {
	v, ok := s.Attributes[key]
	if !ok || v == nil {
		return "", false
	}
	if str, ok := v.(string); ok {
		return str, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v), true
	}
	return string(b), true
}

// Entity is the searchable view of a state object.
type Entity struct {
	EntityID          string    `json:"entityId"`
	FriendlyName      string    `json:"friendlyName"`
	State             string    `json:"state"`
	Domain            string    `json:"domain"`
	DeviceClass       *string   `json:"deviceClass,omitempty"`
	Icon              *string   `json:"icon,omitempty"`
	UnitOfMeasurement *string   `json:"unitOfMeasurement,omitempty"`
	LastChanged       time.Time `json:"lastChanged"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// EntityQuery filters SearchEntities. Empty fields match everything.
type EntityQuery struct {
	Query         string // substring of entity ID or friendly name, case-insensitive
	Domains       []string
	DeviceClasses []string
	States        []string
	Limit         int // clamped to [1,100]; 0 means 20
}

// ServiceResult is the backend's answer to a service call: the states it
// changed, when it reports them.
type ServiceResult struct {
	Changed []State `json:"changed"`
}

// Client talks to one Home Assistant instance. All methods are safe for
// concurrent use.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	pinger  Pinger
	ws      *haclient.WSClient
	logger  *slog.Logger
}

// New creates a client backed by go-ha-client for ping and WebSocket
// events, and plain HTTP for REST calls. timeout bounds each REST request.
func New(baseURL, token string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rest, err := haclient.NewClient(baseURL,
		haclient.WithToken(token),
		haclient.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create HA REST client: %w", err)
	}

	c := NewWithHTTPClient(baseURL, token, &http.Client{Timeout: timeout}, logger)
	c.pinger = rest
	c.ws = rest.WS(
		haclient.WithAutoReconnect(true),
		haclient.WithMaxRetries(0), // unlimited retries
		haclient.WithOnReconnect(func() {
			logger.Info("HA WebSocket reconnected")
		}),
		haclient.WithOnReconnectError(func(err error) {
			logger.Error("HA WebSocket reconnect failed", "error", err)
		}),
	)
	return c, nil
}

// NewWithHTTPClient creates a REST-only client. Ping uses GET /api/ and
// Subscribe is unavailable. Intended for tests and tooling.
func NewWithHTTPClient(baseURL, token string, hc *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      hc,
		logger:  logger,
	}
	c.pinger = restPinger{c}
	return c
}

// Ping validates the connection and token with retry.
func (c *Client) Ping(ctx context.Context) error {
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.pinger.Ping(ctx)
	})
	if err != nil {
		return fmt.Errorf("ping HA: %w", err)
	}
	return nil
}

// restPinger pings over the client's own HTTP path.
type restPinger struct{ c *Client }

func (p restPinger) Ping(ctx context.Context) error {
	resp, err := p.c.do(ctx, http.MethodGet, "/api/", nil)
	if err != nil {
		return err
	}
	return drain(resp)
}

// CallService POSTs data to /api/services/<domain>/<service>. It never
// retries; a timeout surfaces as KindTimeout.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) (*ServiceResult, error) {
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, &Error{Kind: KindBadRequest, Message: "service data is not serialisable"}
	}

	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	resp, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	result := &ServiceResult{Changed: []State{}}
	// Older backends answer with an empty body; treat it as no changes.
	if err := json.NewDecoder(resp.Body).Decode(&result.Changed); err != nil && !errors.Is(err, io.EOF) {
		c.logger.Debug("unparsable service response", "domain", domain, "service", service, "error", err)
		result.Changed = []State{}
	}
	return result, nil
}

// GetState reads one entity's current state.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var s State
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, &Error{Kind: KindUnknown, Status: resp.StatusCode, Message: "malformed state response"}
	}
	return &s, nil
}

// States reads every entity's state.
func (c *Client) States(ctx context.Context) ([]State, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/states", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var states []State
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		return nil, &Error{Kind: KindUnknown, Status: resp.StatusCode, Message: "malformed states response"}
	}
	return states, nil
}

// SearchEntities filters the backend's entities, ordered by entity ID.
func (c *Client) SearchEntities(ctx context.Context, q EntityQuery) ([]Entity, error) {
	states, err := c.States(ctx)
	if err != nil {
		return nil, err
	}
	return filterEntities(states, q), nil
}

func filterEntities(states []State, q EntityQuery) []Entity {
	limit := ClampLimit(q.Limit)
	needle := strings.ToLower(strings.TrimSpace(q.Query))
	domains := toSet(q.Domains)
	classes := toSet(q.DeviceClasses)
	wantStates := toSet(q.States)

	out := []Entity{}
	for i := range states {
		e := toEntity(&states[i])
		if needle != "" &&
			!strings.Contains(strings.ToLower(e.EntityID), needle) &&
			!strings.Contains(strings.ToLower(e.FriendlyName), needle) {
			continue
		}
		if len(domains) > 0 && !domains[e.Domain] {
			continue
		}
		if len(classes) > 0 && (e.DeviceClass == nil || !classes[*e.DeviceClass]) {
			continue
		}
		if len(wantStates) > 0 && !wantStates[e.State] {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ClampLimit applies the search limit rules: 0 means 20, then [1,100].
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultSearchLimit
	case limit < 1:
		return 1
	case limit > MaxSearchLimit:
		return MaxSearchLimit
	default:
		return limit
	}
}

func toEntity(s *State) Entity {
	e := Entity{
		EntityID:     s.EntityID,
		FriendlyName: s.EntityID,
		State:        s.State,
		Domain:       Domain(s.EntityID),
		LastChanged:  s.LastChanged,
		LastUpdated:  s.LastUpdated,
	}
	if name, ok := s.Attributes["friendly_name"].(string); ok && name != "" {
		e.FriendlyName = name
	}
	e.DeviceClass = stringAttr(s.Attributes, "device_class")
	e.Icon = stringAttr(s.Attributes, "icon")
	e.UnitOfMeasurement = stringAttr(s.Attributes, "unit_of_measurement")
	return e
}

// Domain returns the part of an entity ID before the first dot.
func Domain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}

func stringAttr(attrs map[string]any, key string) *string {
	if v, ok := attrs[key].(string); ok && v != "" {
		return &v
	}
	return nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = true
		}
	}
	return set
}

// do sends an authenticated request and returns the response only for
// 2xx statuses. Every failure is an *Error.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &Error{Kind: KindBadRequest, Message: "invalid request"}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError(resp)
	}
	return resp, nil
}

func drain(resp *http.Response) error {
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining for connection reuse
	return resp.Body.Close()
}
