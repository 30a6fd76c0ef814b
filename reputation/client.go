package reputation

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
)

// StrictDefault derives the default strict-chain setting from an operating
// mode. strictChain itself remains the single authoritative gate; the mode
// only seeds it.
func StrictDefault(mode string) bool {
	return mode == "production" || mode == "mainnet"
}

// Client is the uniform reputation facade. Operations delegate to the host
// adapter when one is injected; otherwise they fall back to the local
// simulation, subject to the trust-mode rules:
//
//   - strict chain mode fails chain-mutating operations instead of
//     simulating them,
//   - the local fallback can be disabled outright, which is required in
//     production.
type Client struct {
	host       Backend
	local      *Local
	strict     bool
	allowLocal bool
	verifier   PaymentVerifier
	log        *slog.Logger
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHostAdapter injects the on-chain wrapper provided by the host SDK.
func WithHostAdapter(host Backend) ClientOption {
	return func(c *Client) { c.host = host }
}

// WithPaymentVerifier injects the host SDK's payment verifier.
func WithPaymentVerifier(v PaymentVerifier) ClientOption {
	return func(c *Client) { c.verifier = v }
}

// WithTxLookup builds the canonical verifier over the given chain lookup.
// Ignored when WithPaymentVerifier is also supplied.
func WithTxLookup(lookup TxLookup) ClientOption {
	return func(c *Client) {
		if c.verifier == nil {
			c.verifier = NewVerifier(lookup, c.strict)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates the facade. strict forbids simulated chain mutations;
// allowLocal permits the in-process fallback when no host adapter exists.
func NewClient(strict, allowLocal bool, opts ...ClientOption) *Client {
	c := &Client{
		local:      NewLocal(),
		strict:     strict,
		allowLocal: allowLocal,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.verifier == nil {
		c.verifier = NewVerifier(nil, c.strict)
	}
	return c
}

// Local exposes the fallback registry for test seeding.
func (c *Client) Local() *Local { return c.local }

// resolve picks the backend for one operation. mutating marks operations
// that write chain state, which strict mode refuses to simulate.
func (c *Client) resolve(mutating bool) (Backend, error) {
	if c.host != nil {
		return c.host, nil
	}
	if mutating && c.strict {
		return nil, ErrChainPathUnavailable
	}
	if !c.allowLocal {
		return nil, ErrLocalFallbackDisabled
	}
	return c.local, nil
}

func (c *Client) RegisterAgent(ctx context.Context, address string, stake decimal.Decimal) error {
	b, err := c.resolve(true)
	if err != nil {
		return err
	}
	return b.RegisterAgent(ctx, address, stake)
}

func (c *Client) GetReputation(ctx context.Context, address string) (int64, error) {
	b, err := c.resolve(false)
	if err != nil {
		return 0, err
	}
	return b.GetReputation(ctx, address)
}

func (c *Client) GetStakeInfo(ctx context.Context, address string) (StakeInfo, error) {
	b, err := c.resolve(false)
	if err != nil {
		return StakeInfo{}, err
	}
	return b.GetStakeInfo(ctx, address)
}

func (c *Client) RecordOutcome(ctx context.Context, executor, txHash string, rating int64) (int64, error) {
	b, err := c.resolve(true)
	if err != nil {
		return 0, err
	}
	return b.RecordOutcome(ctx, executor, txHash, rating)
}

func (c *Client) Slash(ctx context.Context, offender, reason string) (SlashResult, error) {
	b, err := c.resolve(true)
	if err != nil {
		return SlashResult{}, err
	}
	c.log.Info("slashing offender", "offender", offender, "reason", reason)
	return b.Slash(ctx, offender, reason)
}

func (c *Client) WithdrawStake(ctx context.Context, address string) (decimal.Decimal, error) {
	b, err := c.resolve(true)
	if err != nil {
		return decimal.Zero, err
	}
	return b.WithdrawStake(ctx, address)
}

// VerifyPayment runs the injected or canonical verifier.
func (c *Client) VerifyPayment(ctx context.Context, p VerifyParams) (VerifyResult, error) {
	return c.verifier.VerifyPayment(ctx, p)
}
