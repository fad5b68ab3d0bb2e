// Package rpcpool provides the multi-provider RPC failover client. It routes
// each request to the best currently-healthy endpoint, retries transient
// failures on the next-best endpoint, and maintains per-endpoint health
// scores in a background loop.
package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/metrics"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

// Endpoint is one RPC provider in the pool. Health fields are written only by
// the owning Client (request path and health loop), guarded by mu.
type Endpoint struct {
	url       string
	wsURL     string
	authToken string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker

	mu     sync.Mutex
	health types.ProviderHealth
}

// URL returns the endpoint's RPC URL.
func (e *Endpoint) URL() string { return e.url }

// Health returns a snapshot of the endpoint's metrics.
func (e *Endpoint) Health() types.ProviderHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// Client is the failover RPC client.
type Client struct {
	logger    *zap.Logger
	cfg       types.RPCConfig
	metrics   *metrics.Metrics
	endpoints []*Endpoint
	reqID     atomic.Uint64

	bh blockhashCache

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

const (
	latencyAlpha  = 0.2  // EMA weight for latency samples
	successAlpha  = 0.05 // EMA weight for the ~100-request success window
	latencyNormMs = 1000 // latency at or above this scores zero
)

// NewClient builds the pool. At least one endpoint is required.
func NewClient(logger *zap.Logger, cfg types.RPCConfig, m *metrics.Metrics) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("rpcpool: at least one endpoint required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.BlockhashTTL <= 0 {
		cfg.BlockhashTTL = 400 * time.Millisecond
	}

	c := &Client{
		logger:     logger,
		cfg:        cfg,
		metrics:    m,
		healthDone: make(chan struct{}),
	}
	for _, ec := range cfg.Endpoints {
		ep := &Endpoint{
			url:       ec.URL,
			wsURL:     ec.WSURL,
			authToken: ec.AuthToken,
			http: &http.Client{
				Timeout: cfg.CallTimeout + time.Second,
			},
			health: types.ProviderHealth{
				EndpointURL: ec.URL,
				Status:      types.ProviderUnknown,
				SuccessRate: 1,
				Score:       0.5,
			},
		}
		ep.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    ec.URL,
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		c.endpoints = append(c.endpoints, ep)
	}
	return c, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call issues one JSON-RPC request against the best endpoint, failing over on
// transient errors. Within one Call each attempt targets a single endpoint;
// the total time is bounded by the per-call deadline. When every endpoint has
// been tried once and none succeeded, an ExhaustedError is returned.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	attempts := make(map[string]error, len(c.endpoints))
	for i, ep := range c.ranked() {
		if i > 0 {
			// Linear backoff between endpoint attempts so a single
			// fast-failing endpoint cannot spin the dispatcher.
			select {
			case <-time.After(time.Duration(i) * 50 * time.Millisecond):
			case <-ctx.Done():
				attempts["deadline"] = ctx.Err()
				return nil, &ExhaustedError{Method: method, Attempts: attempts}
			}
		}

		result, err := c.callOne(ctx, ep, method, params)
		if err == nil {
			return result, nil
		}
		attempts[ep.url] = err
		if !Retryable(err) {
			return nil, err
		}
	}
	return nil, &ExhaustedError{Method: method, Attempts: attempts}
}

// callOne issues a request against a single endpoint and records the outcome
// in its health metrics.
func (c *Client) callOne(ctx context.Context, ep *Endpoint, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	res, err := ep.breaker.Execute(func() (any, error) {
		return c.doHTTP(ctx, ep, method, params)
	})
	elapsed := time.Since(start)

	if c.metrics != nil {
		c.metrics.RPCLatency.WithLabelValues(ep.url).Observe(elapsed.Seconds())
	}

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			err = &ClassifiedError{Kind: KindTransientTransport, Endpoint: ep.url, Err: err}
		}
		c.recordFailure(ep)
		if c.metrics != nil {
			c.metrics.RPCRequests.WithLabelValues(ep.url, "error").Inc()
		}
		return nil, err
	}

	c.recordSuccess(ep, elapsed)
	if c.metrics != nil {
		c.metrics.RPCRequests.WithLabelValues(ep.url, "ok").Inc()
	}
	return res.(json.RawMessage), nil
}

// doHTTP performs the raw JSON-over-HTTP exchange.
func (c *Client) doHTTP(ctx context.Context, ep *Endpoint, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, &ClassifiedError{Kind: KindDefinitiveTransport, Endpoint: ep.url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return nil, &ClassifiedError{Kind: KindDefinitiveTransport, Endpoint: ep.url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+ep.authToken)
	}

	resp, err := ep.http.Do(req)
	if err != nil {
		return nil, &ClassifiedError{Kind: classifyTransport(err, 0), Endpoint: ep.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("http status %d", resp.StatusCode)
		return nil, &ClassifiedError{Kind: classifyTransport(nil, resp.StatusCode), Endpoint: ep.url, Err: err}
	}

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &ClassifiedError{Kind: KindTransientTransport, Endpoint: ep.url, Err: err}
	}
	if parsed.Error != nil {
		err := fmt.Errorf("rpc error %d: %s", parsed.Error.Code, parsed.Error.Message)
		return nil, &ClassifiedError{Kind: classifyRPC(parsed.Error.Code, parsed.Error.Message), Endpoint: ep.url, Err: err}
	}
	return parsed.Result, nil
}

// ranked returns endpoints ordered best-first: healthy (and unknown) by score,
// then degraded, then unhealthy as a last resort.
func (c *Client) ranked() []*Endpoint {
	type scored struct {
		ep    *Endpoint
		rank  int
		score float64
	}
	list := make([]scored, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		h := ep.Health()
		rank := 0
		switch h.Status {
		case types.ProviderDegraded:
			rank = 1
		case types.ProviderUnhealthy:
			rank = 2
		}
		list = append(list, scored{ep: ep, rank: rank, score: h.Score})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].rank != list[j].rank {
			return list[i].rank < list[j].rank
		}
		return list[i].score > list[j].score
	})
	out := make([]*Endpoint, len(list))
	for i, s := range list {
		out[i] = s.ep
	}
	return out
}

// ProviderHealth returns a snapshot for every endpoint.
func (c *Client) ProviderHealth() []types.ProviderHealth {
	out := make([]types.ProviderHealth, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		out = append(out, ep.Health())
	}
	return out
}

// GetSlot fetches the current slot; it doubles as the health-loop ping.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	raw, err := c.Call(ctx, "getSlot", nil)
	if err != nil {
		return 0, err
	}
	var slot uint64
	if err := json.Unmarshal(raw, &slot); err != nil {
		return 0, NewError(KindUnparseableInput, err)
	}
	return slot, nil
}
