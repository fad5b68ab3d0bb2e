package rpcpool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamSpec names a persistent subscription.
type StreamSpec struct {
	Method string // e.g. "logsSubscribe", "blockSubscribe"
	Params any
}

// StreamGap signals that messages may have been missed between Before and
// After, so downstream components can reconcile.
type StreamGap struct {
	Spec     StreamSpec
	Endpoint string
	Before   time.Time
	After    time.Time
}

// Stream is one live subscription. Notifications arrive on Events; gaps on
// Gaps. Both channels close when the stream terminates for good.
type Stream struct {
	Events <-chan json.RawMessage
	Gaps   <-chan StreamGap

	cancel context.CancelFunc
	done   chan struct{}
}

// Close tears the stream down and waits for the reader to exit.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Subscribe opens a persistent subscription. On disconnect the stream
// reconnects on the same endpoint up to the configured retry count, then
// fails over to the next endpoint; every reconnection surfaces a StreamGap.
func (c *Client) Subscribe(ctx context.Context, spec StreamSpec) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	events := make(chan json.RawMessage, 256)
	gaps := make(chan StreamGap, 8)
	s := &Stream{
		Events: events,
		Gaps:   gaps,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.runStream(ctx, spec, events, gaps, s.done)
	return s, nil
}

func (c *Client) runStream(ctx context.Context, spec StreamSpec, events chan<- json.RawMessage, gaps chan<- StreamGap, done chan<- struct{}) {
	defer close(done)
	defer close(events)
	defer close(gaps)

	epIdx := 0
	for ctx.Err() == nil {
		ep := c.pickStreamEndpoint(epIdx)
		disconnectedAt := time.Now()

		err := c.streamOnce(ctx, ep, spec, events)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("subscription dropped",
			zap.String("endpoint", ep.url),
			zap.String("method", spec.Method),
			zap.Error(err),
		)

		// Retry the same endpoint a few times before failing over.
		recovered := false
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 200 * time.Millisecond
		bo.MaxInterval = 2 * time.Second
		for attempt := 0; attempt < c.cfg.SubscribeRetries && ctx.Err() == nil; attempt++ {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
			if err := c.streamOnce(ctx, ep, spec, events); err == nil || ctx.Err() != nil {
				recovered = true
				break
			}
		}
		if ctx.Err() != nil {
			return
		}
		if !recovered {
			epIdx++
		}

		if c.metrics != nil {
			c.metrics.StreamGaps.Inc()
		}
		select {
		case gaps <- StreamGap{Spec: spec, Endpoint: ep.url, Before: disconnectedAt, After: time.Now()}:
		default:
			// Gap channel full; the warn above is the fallback signal.
		}
	}
}

func (c *Client) pickStreamEndpoint(rotation int) *Endpoint {
	ranked := c.ranked()
	withWS := make([]*Endpoint, 0, len(ranked))
	for _, ep := range ranked {
		if ep.wsURL != "" {
			withWS = append(withWS, ep)
		}
	}
	if len(withWS) == 0 {
		withWS = ranked
	}
	return withWS[rotation%len(withWS)]
}

// streamOnce dials, subscribes, and pumps notifications until the connection
// breaks or ctx is cancelled. A nil return means ctx ended the stream.
func (c *Client) streamOnce(ctx context.Context, ep *Endpoint, spec StreamSpec, events chan<- json.RawMessage) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, ep.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", ep.wsURL, err)
	}
	defer conn.Close()

	sub := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  spec.Method,
		Params:  spec.Params,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", spec.Method, err)
	}

	// Close the socket when ctx ends so ReadMessage unblocks.
	readCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-readCtx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		select {
		case events <- json.RawMessage(msg):
		case <-ctx.Done():
			return nil
		default:
			// Downstream is not keeping up; freshness dominates, drop.
		}
	}
}
