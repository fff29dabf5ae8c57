// Package harvester is the HTTP client for the upstream event-harvesting
// service that extracts DEX trade events from chain logs.
package harvester

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dexmeter/price-indexer/internal/domain/model"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("component", "harvester"),
	}
}

type tradeEventPayload struct {
	SourceAddress  string `json:"sourceAddress"`
	SourceDecimals int32  `json:"sourceDecimals"`
	TargetAddress  string `json:"targetAddress"`
	TargetDecimals int32  `json:"targetDecimals"`
	SourceAmount   string `json:"sourceAmount"`
	TargetAmount   string `json:"targetAmount"`
	BlockNumber    int64  `json:"blockNumber"`
	Timestamp      int64  `json:"timestamp"`
	TxHash         string `json:"txHash"`
}

// Events returns the deployment's trade events in [fromBlock, toBlock],
// ordered by block then log index.
func (c *Client) Events(ctx context.Context, fromBlock, toBlock int64, dep model.DeploymentContext) ([]model.TradeEvent, error) {
	q := url.Values{}
	q.Set("chain", dep.Chain.String())
	q.Set("exchange", dep.Exchange.String())
	q.Set("fromBlock", strconv.FormatInt(fromBlock, 10))
	q.Set("toBlock", strconv.FormatInt(toBlock, 10))

	body, err := c.get(ctx, fmt.Sprintf("%s/v1/trade-events?%s", c.baseURL, q.Encode()))
	if err != nil {
		return nil, err
	}

	var payload struct {
		Events []tradeEventPayload `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}

	events := make([]model.TradeEvent, 0, len(payload.Events))
	for _, e := range payload.Events {
		events = append(events, model.TradeEvent{
			SourceToken:  model.TokenRef{Address: e.SourceAddress, Decimals: e.SourceDecimals},
			TargetToken:  model.TokenRef{Address: e.TargetAddress, Decimals: e.TargetDecimals},
			SourceAmount: e.SourceAmount,
			TargetAmount: e.TargetAmount,
			BlockNumber:  e.BlockNumber,
			Timestamp:    time.Unix(e.Timestamp, 0).UTC(),
			TxHash:       e.TxHash,
		})
	}
	return events, nil
}

// Head returns the harvester's latest fully ingested block for a deployment.
func (c *Client) Head(ctx context.Context, dep model.DeploymentContext) (int64, error) {
	q := url.Values{}
	q.Set("chain", dep.Chain.String())
	q.Set("exchange", dep.Exchange.String())

	body, err := c.get(ctx, fmt.Sprintf("%s/v1/head?%s", c.baseURL, q.Encode()))
	if err != nil {
		return 0, err
	}

	var payload struct {
		Block int64 `json:"block"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode head: %w", err)
	}
	return payload.Block, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("harvester: http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
