// Package execution builds, signs and submits transactions through the
// failover client.
package execution

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kestrel-hq/kestrel/internal/metrics"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

type signRequest struct {
	message []byte
	reply   chan signReply
}

type signReply struct {
	signature []byte
	err       error
}

// Wallet owns the private key on a dedicated signing task. The key never
// leaves that task; callers see only Sign. A rate cap bounds the damage any
// bug can do via signature flooding.
type Wallet struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	pub     ed25519.PublicKey
	reqs    chan signRequest
	limiter *rate.Limiter

	key ed25519.PrivateKey // read only by the signing task after Run
}

// LoadWallet reads the keypair from the configured file path or environment
// reference. The accepted formats are the JSON 64-byte array and base58.
func LoadWallet(logger *zap.Logger, cfg types.WalletConfig, m *metrics.Metrics) (*Wallet, error) {
	var raw []byte
	switch {
	case cfg.KeypairPath != "":
		b, err := os.ReadFile(cfg.KeypairPath)
		if err != nil {
			return nil, fmt.Errorf("read keypair: %w", err)
		}
		raw = b
	case cfg.KeypairEnv != "":
		v := os.Getenv(cfg.KeypairEnv)
		if v == "" {
			return nil, fmt.Errorf("keypair env %s is empty", cfg.KeypairEnv)
		}
		raw = []byte(v)
	default:
		return nil, fmt.Errorf("no keypair configured")
	}

	key, err := parseKeypair(raw)
	if err != nil {
		return nil, err
	}

	ratePerSec := cfg.SignRatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	burst := cfg.SignBurst
	if burst <= 0 {
		burst = int(ratePerSec) * 2
	}

	return &Wallet{
		logger:  logger,
		metrics: m,
		key:     key,
		pub:     key.Public().(ed25519.PublicKey),
		reqs:    make(chan signRequest, 32),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}, nil
}

// NewWalletFromKey builds a wallet around an existing key, for tests and for
// the ephemeral simulation-mode key.
func NewWalletFromKey(logger *zap.Logger, key ed25519.PrivateKey, m *metrics.Metrics) *Wallet {
	return &Wallet{
		logger:  logger,
		metrics: m,
		key:     key,
		pub:     key.Public().(ed25519.PublicKey),
		reqs:    make(chan signRequest, 32),
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

func parseKeypair(raw []byte) (ed25519.PrivateKey, error) {
	// JSON 64-byte array first.
	var arr []byte
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(arr), nil
	}
	// Fall back to base58.
	decoded, err := base58.Decode(string(trimSpace(raw)))
	if err == nil && len(decoded) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(decoded), nil
	}
	return nil, fmt.Errorf("keypair is neither a 64-byte JSON array nor base58")
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}

// PublicKey returns the wallet's public key as an address.
func (w *Wallet) PublicKey() types.MintAddress {
	var addr types.MintAddress
	copy(addr[:], w.pub)
	return addr
}

// Run is the signing task. It is the only goroutine that touches the key.
func (w *Wallet) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.reqs:
			sig := ed25519.Sign(w.key, req.message)
			if w.metrics != nil {
				w.metrics.SignaturesIssued.Inc()
			}
			req.reply <- signReply{signature: sig}
		}
	}
}

// Sign requests a signature from the signing task, subject to the rate cap.
func (w *Wallet) Sign(ctx context.Context, message []byte) ([]byte, error) {
	if !w.limiter.Allow() {
		if w.metrics != nil {
			w.metrics.SignaturesThrottled.Inc()
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("sign rate cap: %w", err)
		}
	}

	req := signRequest{message: message, reply: make(chan signReply, 1)}
	select {
	case w.reqs <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.signature, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
