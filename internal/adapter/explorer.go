package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/balance-sentinel/internal/config"
	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/retry"
	"github.com/balance-sentinel/internal/types"
)

// ExplorerClient reads balances from a Blockscout-compatible explorer API.
// One client serves every configured network and shares one rate limiter.
type ExplorerClient struct {
	endpoints   map[types.Network]explorerEndpoint
	client      *http.Client
	rateLimiter *rate.Limiter
	retryConfig *retry.RetryConfig
}

type explorerEndpoint struct {
	baseURL        string
	nativeDecimals int
}

// explorerResponse is the envelope every explorer endpoint returns
type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// explorerToken is one entry of the tokenlist action
type explorerToken struct {
	Balance         string `json:"balance"`
	ContractAddress string `json:"contractAddress"`
	Decimals        string `json:"decimals"`
	Name            string `json:"name"`
	Symbol          string `json:"symbol"`
	Type            string `json:"type"`
}

// NewExplorerClient creates a client for every network with an explorer URL
func NewExplorerClient(cfg config.ChainsConfig) *ExplorerClient {
	endpoints := make(map[types.Network]explorerEndpoint)
	for network, netCfg := range cfg.Networks {
		if netCfg.ExplorerURL == "" {
			continue
		}
		endpoints[network] = explorerEndpoint{
			baseURL:        strings.TrimRight(netCfg.ExplorerURL, "/"),
			nativeDecimals: netCfg.NativeDecimals,
		}
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	retryConfig := retry.DefaultRetryConfig()
	retryConfig.MaxAttempts = cfg.MaxRetries + 1
	retryConfig.Retryable = apperrors.IsRetryable

	return &ExplorerClient{
		endpoints:   endpoints,
		client:      &http.Client{Timeout: 30 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Limit(rps), burst),
		retryConfig: retryConfig,
	}
}

// Supports reports whether the client has an endpoint for network
func (c *ExplorerClient) Supports(network types.Network) bool {
	_, ok := c.endpoints[network]
	return ok
}

// FetchBalances returns the native balance and every ERC-20 token the explorer
// knows for address
func (c *ExplorerClient) FetchBalances(ctx context.Context, address string, network types.Network) (*RawBalances, error) {
	endpoint, ok := c.endpoints[network]
	if !ok {
		return nil, NewAdapterError(network, "balance", ErrUnsupportedNetwork, nil)
	}
	if !common.IsHexAddress(address) {
		return nil, NewAdapterError(network, "balance", ErrInvalidAddress, map[string]interface{}{"address": address})
	}

	var native string
	err := retry.Do(ctx, c.retryConfig, func(ctx context.Context, attempt int) error {
		var result string
		if err := c.call(ctx, endpoint, "balance", address, &result); err != nil {
			return err
		}
		native = result
		return nil
	})
	if err != nil {
		return nil, NewAdapterError(network, "balance", err, map[string]interface{}{"address": address})
	}

	var tokens []explorerToken
	err = retry.Do(ctx, c.retryConfig, func(ctx context.Context, attempt int) error {
		var result []explorerToken
		if err := c.call(ctx, endpoint, "tokenlist", address, &result); err != nil {
			return err
		}
		tokens = result
		return nil
	})
	if err != nil {
		return nil, NewAdapterError(network, "tokenlist", err, map[string]interface{}{"address": address})
	}

	raw := &RawBalances{
		Native:         native,
		NativeDecimals: endpoint.nativeDecimals,
		Tokens:         make([]RawToken, 0, len(tokens)),
	}
	for _, tok := range tokens {
		if tok.Type != "" && tok.Type != "ERC-20" {
			continue
		}
		decimals, err := strconv.Atoi(tok.Decimals)
		if err != nil {
			// Normalize drops and logs entries with unusable decimals
			decimals = -1
		}
		raw.Tokens = append(raw.Tokens, RawToken{
			Symbol:     tok.Symbol,
			Decimals:   decimals,
			BalanceRaw: tok.Balance,
		})
	}
	return raw, nil
}

// call performs one explorer request and decodes its result into out.
// "No ... found" answers decode as an empty result.
func (c *ExplorerClient) call(ctx context.Context, endpoint explorerEndpoint, action, address string, out interface{}) error {
	return upstreamError("explorer", c.request(ctx, endpoint, action, address, out))
}

func (c *ExplorerClient) request(ctx context.Context, endpoint explorerEndpoint, action, address string, out interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}

	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", action)
	params.Set("address", address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.baseURL+"/api?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrProviderRateLimit
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: HTTP %d", ErrMalformedResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(ctx, err)
	}

	var envelope explorerResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if envelope.Status != "1" {
		message := strings.ToLower(envelope.Message)
		switch {
		case strings.HasPrefix(message, "no "):
			return nil
		case strings.Contains(message, "rate limit"):
			return ErrProviderRateLimit
		case strings.Contains(message, "invalid address"):
			return ErrInvalidAddress
		default:
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"action":  action,
				"message": envelope.Message,
			}).Debug("Explorer returned error status")
			return fmt.Errorf("%w: %s", ErrProviderUnavailable, envelope.Message)
		}
	}

	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("%w: %s result: %v", ErrMalformedResponse, action, err)
	}
	return nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
