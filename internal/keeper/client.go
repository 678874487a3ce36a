package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// ServiceName identifies this service to the keeper.
	ServiceName = "keyroute"

	// OperationTunnelHour is the metered operation; quantity is fractional hours.
	OperationTunnelHour = "tunnel_hour"

	verifyTimeout = 5 * time.Second
	usageTimeout  = 10 * time.Second

	verifyCacheTTL  = 60 * time.Second
	verifyCacheSize = 1024
)

// VerifyResponse is the keeper's answer to a token verification.
type VerifyResponse struct {
	Valid       bool    `json:"valid"`
	AgentID     string  `json:"agent_id,omitempty"`
	Email       string  `json:"email,omitempty"`
	Balance     float64 `json:"balance,omitempty"`
	CostPerUnit float64 `json:"cost_per_unit,omitempty"`
	CanAfford   bool    `json:"can_afford,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// UsageRecord is one metering event delivered to the keeper.
type UsageRecord struct {
	AgentID   string        `json:"agent_id"`
	Operation string        `json:"operation"`
	Quantity  float64       `json:"quantity"`
	Timestamp time.Time     `json:"timestamp"`
	Metadata  UsageMetadata `json:"metadata"`
}

// UsageMetadata carries the per-record context the keeper stores verbatim.
type UsageMetadata struct {
	Region          string  `json:"region"`
	TunnelID        string  `json:"tunnel_id"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// UsageResponse is the keeper's acknowledgment of a usage batch.
type UsageResponse struct {
	Processed            int     `json:"processed"`
	TotalCreditsDeducted float64 `json:"total_credits_deducted"`
}

// Keeper is the capability set the broker needs from the identity/credit
// service: verify a bearer token for an operation, and report accrued usage.
type Keeper interface {
	Verify(ctx context.Context, token, operation string, quantity float64) (*VerifyResponse, error)
	ReportUsage(ctx context.Context, records []UsageRecord) (*UsageResponse, error)
}

type verifyRequest struct {
	Token     string  `json:"token"`
	Service   string  `json:"service"`
	Operation string  `json:"operation"`
	Quantity  float64 `json:"quantity"`
}

type usageRequest struct {
	Service string        `json:"service"`
	Region  string        `json:"region"`
	Records []UsageRecord `json:"records"`
}

// HTTPClient talks to the real keeper over HTTP.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	secret     string
	region     string
	cache      *expirable.LRU[string, *VerifyResponse]
}

// NewHTTPClient creates a keeper client for the given base URL and shared
// secret. Successful verifications are cached for 60 seconds keyed by raw
// token; failures are never cached.
func NewHTTPClient(baseURL, secret, region string) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		secret:     secret,
		region:     region,
		cache:      expirable.NewLRU[string, *VerifyResponse](verifyCacheSize, nil, verifyCacheTTL),
	}
}

// NewHTTPClientWithHTTPClient creates a keeper client using a provided
// *http.Client. This is useful for testing with httptest.NewServer.
func NewHTTPClientWithHTTPClient(httpClient *http.Client, baseURL, secret, region string) *HTTPClient {
	return &HTTPClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		secret:     secret,
		region:     region,
		cache:      expirable.NewLRU[string, *VerifyResponse](verifyCacheSize, nil, verifyCacheTTL),
	}
}

// Verify checks a bearer token and its affordability for the given operation
// and quantity. Transport failures never surface as errors; they map to an
// invalid verdict with "Authentication service unavailable" so the caller
// returns 401.
func (c *HTTPClient) Verify(ctx context.Context, token, operation string, quantity float64) (*VerifyResponse, error) {
	if v, ok := c.cache.Get(token); ok {
		return v, nil
	}

	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	reqBody := verifyRequest{
		Token:     token,
		Service:   ServiceName,
		Operation: operation,
		Quantity:  quantity,
	}

	var resp VerifyResponse
	if err := c.post(ctx, "/v1/services/verify", reqBody, &resp); err != nil {
		return &VerifyResponse{Valid: false, Error: "Authentication service unavailable"}, nil
	}

	if resp.Valid {
		c.cache.Add(token, &resp)
	}
	return &resp, nil
}

// ReportUsage delivers a batch of usage records. Any non-2xx or transport
// error is returned so the metering engine can re-enqueue the batch.
func (c *HTTPClient) ReportUsage(ctx context.Context, records []UsageRecord) (*UsageResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, usageTimeout)
	defer cancel()

	reqBody := usageRequest{
		Service: ServiceName,
		Region:  c.region,
		Records: records,
	}

	var resp UsageResponse
	if err := c.post(ctx, "/v1/services/usage", reqBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Secret", c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("keeper %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("keeper %s returned status %d: %s", path, resp.StatusCode, string(raw))
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
