package mcpserver

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
)

// Config holds the configuration for connecting to the Duelpoint platform.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "sk_..."
	UserID string // The user the key belongs to
}

// DuelpointClient is a pure HTTP client for the Duelpoint platform API.
type DuelpointClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewDuelpointClient creates a new client for the Duelpoint platform.
func NewDuelpointClient(cfg Config) *DuelpointClient {
	return &DuelpointClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *DuelpointClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListChallenges lists challenges, optionally filtered by status or participant.
func (c *DuelpointClient) ListChallenges(ctx context.Context, status, participant string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if participant != "" {
		q.Set("participant", participant)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/challenges", q, nil)
}

// GetChallenge fetches a single challenge.
func (c *DuelpointClient) GetChallenge(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/challenges/"+id, nil, nil)
}

// CreateChallenge posts a new open challenge, escrowing the stake.
func (c *DuelpointClient) CreateChallenge(ctx context.Context, title, description string, stake int64, timeLimitSecs int) (json.RawMessage, error) {
	body := map[string]any{
		"title": title,
		"stake": stake,
	}
	if description != "" {
		body["description"] = description
	}
	if timeLimitSecs > 0 {
		body["timeLimitSecs"] = timeLimitSecs
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/challenges", nil, body)
}

// AcceptChallenge joins an open challenge, escrowing the matching stake.
func (c *DuelpointClient) AcceptChallenge(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/challenges/"+id+"/accept", nil, nil)
}

// SubmitProof records self-reported evidence of the outcome.
func (c *DuelpointClient) SubmitProof(ctx context.Context, id, content string) (json.RawMessage, error) {
	body := map[string]string{"content": content}
	return c.doRequest(ctx, http.MethodPost, "/v1/challenges/"+id+"/proof", nil, body)
}

// DisputeChallenge escalates a challenge to admin adjudication.
func (c *DuelpointClient) DisputeChallenge(ctx context.Context, id, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/challenges/"+id+"/dispute", nil, body)
}

// ResolveChallenge settles a challenge in favor of winnerID.
func (c *DuelpointClient) ResolveChallenge(ctx context.Context, id, winnerID string) (json.RawMessage, error) {
	body := map[string]string{"winnerId": winnerID}
	return c.doRequest(ctx, http.MethodPost, "/v1/challenges/"+id+"/resolve", nil, body)
}

// GetBalance returns the caller's account: balance, escrowed funds, rating.
func (c *DuelpointClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+c.cfg.UserID+"/balance", nil, nil)
}

// Leaderboard returns the top-rated players.
func (c *DuelpointClient) Leaderboard(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/leaderboard", q, nil)
}
