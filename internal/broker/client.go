package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"AutoInvest/internal/model"
)

// IdempotencyHeader carries the execution token on invest requests.
const IdempotencyHeader = "Idempotency-Key"

// Client implements Executor and SnapshotSource against the brokerage REST API.
type Client struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a client with optional proxy support.
func NewClient(baseURL, apiKey, proxyURL string, timeout time.Duration, log zerolog.Logger) *Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		log: log.With().Str("component", "broker").Logger(),
	}
}

func (c *Client) Name() string { return "http" }

// investBody is the wire shape of an invest request.
type investBody struct {
	ScheduleID      string `json:"schedule_id"`
	AccountID       string `json:"account_id"`
	PortfolioID     string `json:"portfolio_id"`
	FundingSourceID string `json:"funding_source_id"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	AllocationRule  string `json:"allocation_rule"`
	ScheduledFor    string `json:"scheduled_for"`
}

// Invest posts one execution. A 409 means the token was already executed and
// counts as success.
func (c *Client) Invest(ctx context.Context, r model.ExecutionRequest) (model.ExecutionReceipt, error) {
	body, err := json.Marshal(investBody{
		ScheduleID:      r.ScheduleID,
		AccountID:       r.AccountID,
		PortfolioID:     r.PortfolioID,
		FundingSourceID: r.FundingSourceID,
		Amount:          r.Amount.String(),
		Currency:        r.Currency,
		AllocationRule:  string(r.AllocationRule),
		ScheduledFor:    r.ScheduledFor.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return model.ExecutionReceipt{}, err
	}
	endpoint := fmt.Sprintf("%s/api/v1/investments", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return model.ExecutionReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, r.Token)
	c.authorize(req)

	resp, err := c.Client.Do(req)
	if err != nil {
		return model.ExecutionReceipt{}, fmt.Errorf("%w: invest: %v", model.ErrDownstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		c.log.Info().Str("token", r.Token).Msg("execution already accepted downstream")
		var receipt model.ExecutionReceipt
		_ = json.NewDecoder(resp.Body).Decode(&receipt)
		return receipt, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var receipt model.ExecutionReceipt
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return model.ExecutionReceipt{}, fmt.Errorf("decode receipt: %w", err)
		}
		return receipt, nil
	default:
		return model.ExecutionReceipt{}, statusError("invest", resp)
	}
}

// Snapshot fetches the current state of one portfolio.
func (c *Client) Snapshot(ctx context.Context, accountID, portfolioID string) (*model.PortfolioSnapshot, error) {
	endpoint := fmt.Sprintf("%s/api/v1/accounts/%s/portfolios/%s/snapshot",
		c.BaseURL, url.PathEscape(accountID), url.PathEscape(portfolioID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", model.ErrDownstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("portfolio %s: %w", portfolioID, model.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("snapshot", resp)
	}
	var snap model.PortfolioSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}

// statusError classifies a non-success response. 429 and 5xx are transient.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: status %d, body: %s", model.ErrDownstreamUnavailable, op, resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s: status %d, body: %s", op, resp.StatusCode, string(body))
}
