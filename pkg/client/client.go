package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/drover-io/drover/pkg/master"
	"github.com/drover-io/drover/pkg/types"
)

// Client talks to the master's REST API for CLI usage
type Client struct {
	baseURL     string
	httpClient  *http.Client
	initiatedBy string
}

// Option adjusts a Client
type Option func(*Client)

// WithInitiatedBy sets the audit identity sent with every request
func WithInitiatedBy(user string) Option {
	return func(c *Client) { c.initiatedBy = user }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the master at baseURL, e.g. http://master:7070
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		initiatedBy: "cli",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is the {"error": "..."} body every non-2xx response carries
type apiError struct {
	Error string `json:"error"`
}

// do runs one request and decodes the response into out when non-nil
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Initiated-By", c.initiatedBy)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to master failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("master returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("master returned %d for %s %s", resp.StatusCode, method, path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// InitiateOperationRequest is the POST /operations body
type InitiateOperationRequest struct {
	OperationType string         `json:"operationType"`
	Name          string         `json:"name,omitempty"`
	Description   string         `json:"description,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
}

// InitiateOperation starts a master action and returns its operation id
func (c *Client) InitiateOperation(ctx context.Context, req InitiateOperationRequest) (string, error) {
	var resp struct {
		OperationID string `json:"operationId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/operations", req, &resp); err != nil {
		return "", err
	}
	return resp.OperationID, nil
}

// GetOperation fetches the live or archived status view of one operation
func (c *Client) GetOperation(ctx context.Context, id string) (*master.StatusView, error) {
	var view master.StatusView
	if err := c.do(ctx, http.MethodGet, "/api/v1/operations/"+url.PathEscape(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// CancelOperation requests cancellation of one operation
func (c *Client) CancelOperation(ctx context.Context, id string) (*master.CancelResponse, error) {
	var resp master.CancelResponse
	path := "/api/v1/operations/" + url.PathEscape(id) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OperationSummary is one row of the operations listing
type OperationSummary struct {
	OperationID   string                   `json:"operationId"`
	OperationType types.OperationType      `json:"operationType"`
	Name          string                   `json:"name,omitempty"`
	Status        types.MasterActionStatus `json:"status"`
	InitiatedBy   string                   `json:"initiatedBy"`
	StartTime     time.Time                `json:"startTime"`
	EndTime       *time.Time               `json:"endTime,omitempty"`
	Live          bool                     `json:"live"`
}

// ListOperations returns the live operation (if any) and the archive
func (c *Client) ListOperations(ctx context.Context, limit int) ([]OperationSummary, error) {
	var resp struct {
		Operations []OperationSummary `json:"operations"`
	}
	path := "/api/v1/operations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Operations, nil
}

// Node is one row of the nodes listing
type Node struct {
	NodeName        string                   `json:"nodeName"`
	Status          types.ConnectivityStatus `json:"status"`
	Expected        bool                     `json:"expected"`
	Labels          map[string]string        `json:"labels,omitempty"`
	LastHeartbeat   *time.Time               `json:"lastHeartbeat,omitempty"`
	AgentVersion    string                   `json:"agentVersion,omitempty"`
	CPUUsagePercent float64                  `json:"cpuUsagePercent"`
	RAMUsagePercent float64                  `json:"ramUsagePercent"`
	HealthSummary   string                   `json:"healthSummary,omitempty"`
}

// ListNodes returns the fleet as the master sees it
func (c *Client) ListNodes(ctx context.Context) ([]Node, error) {
	var resp struct {
		Nodes []Node `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// ExpectedNode is one entry of the expected-node manifest
type ExpectedNode struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

// ReplaceExpectedNodes replaces the whole expected-node manifest
func (c *Client) ReplaceExpectedNodes(ctx context.Context, nodes []ExpectedNode) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	body := map[string]any{"nodes": nodes}
	if err := c.do(ctx, http.MethodPut, "/api/v1/nodes/expected", body, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// JournalQuery filters the change journal listing
type JournalQuery struct {
	EventType string
	Outcome   string
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

// JournalPage is one page of change journal rows
type JournalPage struct {
	Changes    []types.SystemChangeRecord `json:"changes"`
	TotalCount int                        `json:"totalCount"`
}

// ListJournal returns one page of the change journal
func (c *Client) ListJournal(ctx context.Context, query JournalQuery) (*JournalPage, error) {
	params := url.Values{}
	if query.EventType != "" {
		params.Set("type", query.EventType)
	}
	if query.Outcome != "" {
		params.Set("outcome", query.Outcome)
	}
	if !query.From.IsZero() {
		params.Set("from", query.From.Format(time.RFC3339))
	}
	if !query.To.IsZero() {
		params.Set("to", query.To.Format(time.RFC3339))
	}
	if query.Page > 0 {
		params.Set("page", strconv.Itoa(query.Page))
	}
	if query.PageSize > 0 {
		params.Set("pageSize", strconv.Itoa(query.PageSize))
	}

	path := "/api/v1/journal"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var page JournalPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Healthz checks the master is up
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}
