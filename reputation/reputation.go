// Package reputation fronts the on-chain agent registry. A host-injected
// adapter talks to the real contract; a bounded in-process simulation
// stands in for it during local and testnet runs. The Client facade applies
// the trust-mode rules and exposes one uniform surface either way.
package reputation

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMinStakeViolation rejects registration with stake below 1.
	ErrMinStakeViolation = errors.New("stake below minimum of 1")
	// ErrReplay rejects an outcome whose txHash was already recorded for
	// the executor.
	ErrReplay = errors.New("outcome txHash already recorded for executor")
	// ErrChainPathUnavailable is returned for chain-mutating operations in
	// strict mode when no host adapter is present.
	ErrChainPathUnavailable = errors.New("chain_path_unavailable")
	// ErrLocalFallbackDisabled is returned when the local simulation would
	// be used but configuration forbids it.
	ErrLocalFallbackDisabled = errors.New("local reputation fallback disabled")
)

// StakeInfo describes an agent's stake position.
type StakeInfo struct {
	Stake decimal.Decimal
	Since int64
	// AgeSeconds is max(0, now − Since); zero when never staked.
	AgeSeconds int64
}

// SlashResult reports the effect of a slash.
type SlashResult struct {
	SlashedStake   decimal.Decimal
	RemainingStake decimal.Decimal
	NewReputation  int64
}

// Backend is one concrete registry: the host's on-chain adapter or the
// local fallback. The local fallback's semantics in this package are the
// reference behavior host adapters are tested against.
type Backend interface {
	RegisterAgent(ctx context.Context, address string, stake decimal.Decimal) error
	GetReputation(ctx context.Context, address string) (int64, error)
	GetStakeInfo(ctx context.Context, address string) (StakeInfo, error)
	// RecordOutcome applies the rating delta and returns the new score.
	RecordOutcome(ctx context.Context, executor, txHash string, rating int64) (int64, error)
	Slash(ctx context.Context, offender, reason string) (SlashResult, error)
	// WithdrawStake removes the agent and returns the stake it held.
	WithdrawStake(ctx context.Context, address string) (decimal.Decimal, error)
}

// ratingDelta maps a settle rating to a reputation adjustment.
func ratingDelta(rating int64) int64 {
	switch {
	case rating >= 9:
		return 15
	case rating >= 7:
		return 8
	case rating >= 5:
		return 2
	case rating >= 3:
		return -10
	default:
		return -25
	}
}
