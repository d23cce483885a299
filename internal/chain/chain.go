// Package chain provides a read-only client for the three contract calls the
// gateway needs from the token's chain node: maxMintCount, mintCount, and
// deploymentDeadline. It never signs or broadcasts transactions.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker/v2"
)

// Client reads immutable and slow-changing contract state over JSON-RPC
// `eth_call`, picking one of several equivalent endpoints uniformly at
// random per construction, matching spec §4.4's "RPC endpoint pool" note.
type Client struct {
	endpoint string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[[]byte]
	retries  uint
}

// Options configures a Client.
type Options struct {
	ReadTimeout      time.Duration
	MaxRetries       uint
	BreakerName      string
	BreakerTimeout   time.Duration
	BreakerThreshold uint32
}

func (o *Options) setDefaults() {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 10 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BreakerName == "" {
		o.BreakerName = "chain-rpc"
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 60 * time.Second
	}
	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = 5
	}
}

// New picks one endpoint uniformly at random from endpoints and builds a
// client bound to it for its lifetime.
func New(endpoints []string, opts Options) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("chain: no RPC endpoints configured")
	}
	opts.setDefaults()

	endpoint := endpoints[rand.IntN(len(endpoints))]

	settings := gobreaker.Settings{
		Name:        opts.BreakerName,
		Timeout:     opts.BreakerTimeout,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerThreshold
		},
	}

	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: opts.ReadTimeout},
		breaker:  gobreaker.NewCircuitBreaker[[]byte](settings),
		retries:  opts.MaxRetries,
	}, nil
}

// Endpoint returns the endpoint this client was bound to at construction.
func (c *Client) Endpoint() string { return c.endpoint }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// selector signatures for the read-only methods this gateway needs. These
// are the canonical 4-byte selectors for maxMintCount()/mintCount()/
// deploymentDeadline() under standard Solidity ABI encoding.
const (
	selectorMaxMintCount        = "0x32c60eef"
	selectorMintCount           = "0x9659867e"
	selectorDeploymentDeadline  = "0x4fd676e3"
)

func (c *Client) callUint(ctx context.Context, contractAddr, selector string) (*big.Int, error) {
	result, err := c.breaker.Execute(func() ([]byte, error) {
		var body []byte
		retryErr := retry.Do(
			func() error {
				b, callErr := c.ethCall(ctx, contractAddr, selector)
				if callErr != nil {
					return callErr
				}
				body = b
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(c.retries),
			retry.Delay(100*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
		)
		return body, retryErr
	})
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", selector, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(result, &rpcResp); err != nil {
		return nil, fmt.Errorf("chain: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("chain: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	hexVal := strings.TrimPrefix(rpcResp.Result, "0x")
	if hexVal == "" {
		hexVal = "0"
	}
	val, ok := new(big.Int).SetString(hexVal, 16)
	if !ok {
		return nil, fmt.Errorf("chain: malformed uint result %q", rpcResp.Result)
	}
	return val, nil
}

func (c *Client) ethCall(ctx context.Context, contractAddr, selector string) ([]byte, error) {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_call",
		Params: []any{
			map[string]string{"to": contractAddr, "data": selector},
			"latest",
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 512)
	tmp := make([]byte, 512)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chain: rpc http status %d", resp.StatusCode)
	}
	return buf, nil
}

// MaxMintCount reads the immutable max-mint-count contract constant.
func (c *Client) MaxMintCount(ctx context.Context, contractAddr string) (uint64, error) {
	v, err := c.callUint(ctx, contractAddr, selectorMaxMintCount)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// MintCount reads the mutable on-chain mint counter.
func (c *Client) MintCount(ctx context.Context, contractAddr string) (uint64, error) {
	v, err := c.callUint(ctx, contractAddr, selectorMintCount)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// DeploymentDeadline reads the immutable deployment-deadline contract
// constant, a unix timestamp.
func (c *Client) DeploymentDeadline(ctx context.Context, contractAddr string) (int64, error) {
	v, err := c.callUint(ctx, contractAddr, selectorDeploymentDeadline)
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}
