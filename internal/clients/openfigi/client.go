// Package openfigi is a minimal client for the OpenFIGI mapping API, used to
// enrich identifiers the security master does not know yet.
package openfigi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultBaseURL = "https://api.openfigi.com/v3"

// MappingRequest is one job in a /mapping call.
type MappingRequest struct {
	IDType    string `json:"idType"`
	IDValue   string `json:"idValue"`
	ExchCode  string `json:"exchCode,omitempty"`
	MarketSec string `json:"marketSecDes,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// MappingResult is a single instrument returned for a job.
type MappingResult struct {
	FIGI          string `json:"figi"`
	Ticker        string `json:"ticker"`
	ExchCode      string `json:"exchCode"`
	Name          string `json:"name"`
	MarketSector  string `json:"marketSector"`
	SecurityType  string `json:"securityType"`
	SecurityType2 string `json:"securityType2"`
	CompositeFIGI string `json:"compositeFIGI"`
}

// MappingResponse is the per-job response item.
type MappingResponse struct {
	Data    []MappingResult `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Warning string          `json:"warning,omitempty"`
}

// Client talks to OpenFIGI. The API key is optional and only raises limits.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(baseURL, apiKey string, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("component", "openfigi").Logger(),
	}
}

// Map sends the jobs in one request. Responses are positional.
func (c *Client) Map(ctx context.Context, jobs []MappingRequest) ([]MappingResponse, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(jobs)
	if err != nil {
		return nil, fmt.Errorf("marshal mapping jobs: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mapping", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-OPENFIGI-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openfigi request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Int("jobs", len(jobs)).Msg("openfigi mapping failed")
		return nil, fmt.Errorf("openfigi status %d: %s", resp.StatusCode, string(raw))
	}

	var out []MappingResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// MapOne maps a single identifier and returns its first result, or nil when
// OpenFIGI has no match.
func (c *Client) MapOne(ctx context.Context, job MappingRequest) (*MappingResult, error) {
	resp, err := c.Map(ctx, []MappingRequest{job})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 || len(resp[0].Data) == 0 {
		if len(resp) > 0 && resp[0].Error != "" {
			c.log.Debug().Str("id_type", job.IDType).Str("id_value", job.IDValue).Str("error", resp[0].Error).Msg("no openfigi match")
		}
		return nil, nil
	}
	r := resp[0].Data[0]
	return &r, nil
}
