package reputation

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// initialScore is granted on first registration.
const initialScore = 100

// slashFraction of the remaining stake is burned per slash.
var slashFraction = decimal.RequireFromString("0.2")

// slashReputationPenalty is subtracted from the score per slash.
const slashReputationPenalty = 50

// Local is the in-process registry simulation. State lives only for the
// process lifetime; the engine's Store keeps everything that must survive
// a restart.
type Local struct {
	mu         sync.Mutex
	scores     map[string]int64
	stakes     map[string]decimal.Decimal
	stakeSince map[string]int64
	txSeen     map[string]map[string]struct{} // executor → txHash set

	now func() int64
}

// NewLocal creates an empty local registry.
func NewLocal() *Local {
	return &Local{
		scores:     make(map[string]int64),
		stakes:     make(map[string]decimal.Decimal),
		stakeSince: make(map[string]int64),
		txSeen:     make(map[string]map[string]struct{}),
		now:        func() int64 { return time.Now().Unix() },
	}
}

// WithClock overrides the clock; used by tests.
func (l *Local) WithClock(now func() int64) *Local {
	l.now = now
	return l
}

// RegisterAgent grants the initial score on first registration and
// afterwards only updates the stake, preserving score and stake age.
func (l *Local) RegisterAgent(ctx context.Context, address string, stake decimal.Decimal) error {
	if stake.LessThan(decimal.NewFromInt(1)) {
		return ErrMinStakeViolation
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.scores[address]; !ok {
		l.scores[address] = initialScore
		l.stakeSince[address] = l.now()
	}
	l.stakes[address] = stake
	return nil
}

func (l *Local) GetReputation(ctx context.Context, address string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scores[address], nil
}

func (l *Local) GetStakeInfo(ctx context.Context, address string) (StakeInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	since, ok := l.stakeSince[address]
	if !ok {
		return StakeInfo{Stake: decimal.Zero}, nil
	}
	age := l.now() - since
	if age < 0 {
		age = 0
	}
	return StakeInfo{Stake: l.stakes[address], Since: since, AgeSeconds: age}, nil
}

func (l *Local) RecordOutcome(ctx context.Context, executor, txHash string, rating int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen, ok := l.txSeen[executor]
	if !ok {
		seen = make(map[string]struct{})
		l.txSeen[executor] = seen
	}
	if _, dup := seen[txHash]; dup {
		return l.scores[executor], ErrReplay
	}
	seen[txHash] = struct{}{}

	score := l.scores[executor] + ratingDelta(rating)
	if score < 0 {
		score = 0
	}
	l.scores[executor] = score
	return score, nil
}

func (l *Local) Slash(ctx context.Context, offender, reason string) (SlashResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stake := l.stakes[offender]
	slashed := stake.Mul(slashFraction)
	remaining := stake.Sub(slashed)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	l.stakes[offender] = remaining

	score := l.scores[offender] - slashReputationPenalty
	if score < 0 {
		score = 0
	}
	l.scores[offender] = score

	return SlashResult{SlashedStake: slashed, RemainingStake: remaining, NewReputation: score}, nil
}

func (l *Local) WithdrawStake(ctx context.Context, address string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stake := l.stakes[address]
	delete(l.scores, address)
	delete(l.stakes, address)
	delete(l.stakeSince, address)
	return stake, nil
}
