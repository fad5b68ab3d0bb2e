package rpcpool

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

// Start launches the background health loop. The loop is the single writer of
// the provider health table besides the request path.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.healthCancel = cancel
	go c.healthLoop(ctx)
}

// Stop terminates the health loop and waits for it to drain.
func (c *Client) Stop() {
	if c.healthCancel != nil {
		c.healthCancel()
		<-c.healthDone
	}
}

func (c *Client) healthLoop(ctx context.Context) {
	defer close(c.healthDone)

	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	// Probe once at startup so routing has scores before the first tick.
	c.probeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

// probeAll pings each endpoint with a lightweight getSlot.
func (c *Client) probeAll(ctx context.Context) {
	for _, ep := range c.endpoints {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		start := time.Now()
		_, err := c.pingOne(pctx, ep)
		elapsed := time.Since(start)
		cancel()

		if err != nil {
			c.recordFailure(ep)
			c.logger.Debug("health probe failed",
				zap.String("endpoint", ep.url),
				zap.Error(err),
			)
			continue
		}
		c.recordSuccess(ep, elapsed)
	}
}

func (c *Client) pingOne(ctx context.Context, ep *Endpoint) (uint64, error) {
	raw, err := c.doHTTP(ctx, ep, "getSlot", nil)
	if err != nil {
		return 0, err
	}
	var slot uint64
	if err := json.Unmarshal(raw, &slot); err != nil {
		return 0, NewError(KindUnparseableInput, err)
	}
	return slot, nil
}

// recordSuccess folds one successful request into the endpoint's metrics.
func (c *Client) recordSuccess(ep *Endpoint, latency time.Duration) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	h := &ep.health
	ms := float64(latency.Milliseconds())
	if h.LatencyEMAMillis == 0 {
		h.LatencyEMAMillis = ms
	} else {
		h.LatencyEMAMillis = (1-latencyAlpha)*h.LatencyEMAMillis + latencyAlpha*ms
	}
	h.SuccessRate = (1-successAlpha)*h.SuccessRate + successAlpha
	h.ConsecutiveFailures = 0
	h.LastSuccessAt = time.Now()
	c.rescore(h)
}

// recordFailure folds one failed request into the endpoint's metrics.
func (c *Client) recordFailure(ep *Endpoint) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	h := &ep.health
	h.SuccessRate = (1 - successAlpha) * h.SuccessRate
	h.ConsecutiveFailures++
	c.rescore(h)
}

// rescore recomputes score and status. Caller holds ep.mu.
func (c *Client) rescore(h *types.ProviderHealth) {
	normLatency := h.LatencyEMAMillis / latencyNormMs
	if normLatency > 1 {
		normLatency = 1
	}

	recency := 0.0
	if !h.LastSuccessAt.IsZero() {
		since := time.Since(h.LastSuccessAt)
		window := 5 * c.cfg.HealthCheckInterval
		if since <= c.cfg.HealthCheckInterval {
			recency = 1
		} else if since < window {
			recency = 1 - float64(since-c.cfg.HealthCheckInterval)/float64(window)
		}
	}

	h.Score = 0.4*(1-normLatency) + 0.4*h.SuccessRate + 0.2*recency

	switch {
	case h.ConsecutiveFailures >= c.cfg.MaxConsecutiveFailures:
		h.Status = types.ProviderUnhealthy
	case h.Score < 0.3:
		h.Status = types.ProviderUnhealthy
	case h.Score < 0.7:
		h.Status = types.ProviderDegraded
	default:
		h.Status = types.ProviderHealthy
	}

	if c.metrics != nil {
		c.metrics.ProviderScore.WithLabelValues(h.EndpointURL).Set(h.Score)
	}
}
