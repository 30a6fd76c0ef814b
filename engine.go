package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meshfoundry/gomesh/rank"
	"github.com/meshfoundry/gomesh/reputation"
	"github.com/meshfoundry/gomesh/store"
	"github.com/meshfoundry/gomesh/transport"
)

// Engine is one agent's coordination engine. It owns the store, the
// reputation client, and the outbound sender, and is passed explicitly to
// everything that needs them — there is no process-wide state.
type Engine struct {
	cfg     Config
	store   store.Store
	rep     *reputation.Client
	sender  transport.Sender
	log     *slog.Logger
	weights rank.Weights
	now     func() int64

	sched       *Scheduler
	lastSweepMs atomic.Int64

	mu      sync.Mutex
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore overrides the config-selected store.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithSender sets the raw outbound sender; it is wrapped with the retry
// policy from the config.
func WithSender(s transport.Sender) Option {
	return func(e *Engine) { e.sender = s }
}

// WithReputation overrides the reputation client.
func WithReputation(c *reputation.Client) Option {
	return func(e *Engine) { e.rep = c }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock overrides the engine clock; used by tests.
func WithClock(now func() int64) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine from the config. The sender must be supplied via
// WithSender (the CLI wires the Telegram transport); store and reputation
// default from the config when not injected.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg: cfg,
		log: slog.Default(),
		weights: rank.Weights{
			Reputation: cfg.WeightReputation,
			Fee:        cfg.WeightFee,
			Speed:      cfg.WeightSpeed,
			TieWindow:  cfg.TieWindow,
		},
		now: func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		s, err := OpenStore(cfg)
		if err != nil {
			return nil, err
		}
		e.store = s
	}
	if e.rep == nil {
		e.rep = reputation.NewClient(
			cfg.StrictChainEffective(),
			cfg.AllowLocalReputationFallback,
			reputation.WithLogger(e.log),
		)
	}
	if e.sender == nil {
		return nil, fmt.Errorf("engine: no transport sender configured")
	}
	e.sender = transport.NewRetrier(e.sender, cfg.SendRetries,
		time.Duration(cfg.SendRetryBase)*time.Millisecond, e.log)
	e.sched = newScheduler(e)
	return e, nil
}

// OpenStore selects the persistence backend: databaseUrl, then Supabase,
// then a SQLite path, else in-memory.
func OpenStore(cfg Config) (store.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		return store.OpenPostgres(cfg.DatabaseURL)
	case cfg.SupabaseURL != "" && cfg.SupabaseServiceRoleKey != "":
		return store.NewREST(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey), nil
	case cfg.SQLitePath != "":
		return store.OpenSQLite(cfg.SQLitePath)
	default:
		return store.NewMemory(), nil
	}
}

// Store exposes the engine's store.
func (e *Engine) Store() store.Store { return e.store }

// Reputation exposes the engine's reputation client.
func (e *Engine) Reputation() *reputation.Client { return e.rep }

// Address returns the agent's chain address.
func (e *Engine) Address() string { return e.cfg.Address }

// Start migrates the store, optionally auto-registers, and starts the
// scheduler. It does not block; Stop shuts the scheduler down.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}

	if e.cfg.AutoRegisterOnStart {
		stake, err := e.cfg.StakeDecimal()
		if err != nil {
			return err
		}
		if !stake.LessThan(decimal.NewFromInt(1)) {
			minFee, _ := e.cfg.MinFeeDecimal()
			if _, err := e.Register(ctx, RegisterParams{
				Skills:       e.cfg.Skills,
				MinFee:       minFee,
				Stake:        stake,
				ResponseTime: e.cfg.ResponseTime,
			}); err != nil {
				return fmt.Errorf("auto register: %w", err)
			}
		}
	}

	if e.cfg.EnableScheduler {
		if err := e.sched.Start(); err != nil {
			return fmt.Errorf("engine start: %w", err)
		}
	}
	e.log.Info("engine started",
		"address", e.cfg.Address,
		"mode", e.cfg.Mode,
		"strictChain", e.cfg.StrictChainEffective(),
		"scheduler", e.cfg.EnableScheduler)
	return nil
}

// Stop halts the scheduler. The store stays open; callers close it when
// the process exits.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.started = false
	e.sched.Stop()
	e.log.Info("engine stopped", "address", e.cfg.Address)
}

// liveReputation is the ranker's lookup function.
func (e *Engine) liveReputation(address string) (int64, error) {
	return e.rep.GetReputation(context.Background(), address)
}

// send serializes nothing — callers hand it a finished wire line.
func (e *Engine) send(ctx context.Context, chatID, text string) error {
	return e.sender.Send(ctx, chatID, text)
}

// broadcast sends a line to the mesh group.
func (e *Engine) broadcast(ctx context.Context, text string) error {
	return e.send(ctx, e.cfg.MeshGroupID, text)
}

// notifyOperator sends a best-effort plain-text notice to the operator
// chat, if one is configured.
func (e *Engine) notifyOperator(ctx context.Context, text string) {
	if e.cfg.OperatorChatID == "" {
		return
	}
	if err := e.send(ctx, e.cfg.OperatorChatID, text); err != nil {
		e.log.Warn("operator notification failed", "error", err)
	}
}

// maybeSweepExpired opportunistically expires overdue intents from the
// tool path, at most once per expirySweepIntervalMs.
func (e *Engine) maybeSweepExpired(ctx context.Context) {
	nowMs := time.Now().UnixMilli()
	last := e.lastSweepMs.Load()
	if nowMs-last < int64(e.cfg.ExpirySweepIntervalMs) {
		return
	}
	if !e.lastSweepMs.CompareAndSwap(last, nowMs) {
		return
	}
	expired, err := e.store.ExpireIntents(ctx, e.now())
	if err != nil {
		e.log.Warn("expiry sweep failed", "error", err)
		return
	}
	for _, in := range expired {
		e.log.Info("intent expired", "intent", in.ID, "deadline", in.Deadline)
	}
}

// stakeAge reads the live stake age for an address, zero on failure.
func (e *Engine) stakeAge(ctx context.Context, address string) int64 {
	info, err := e.rep.GetStakeInfo(ctx, address)
	if err != nil {
		return 0
	}
	return info.AgeSeconds
}

// clampFee suggests an auto-offer fee: three quarters of the budget,
// raised to the agent's minimum fee.
func clampFee(minFee, budget decimal.Decimal) decimal.Decimal {
	suggested := budget.Mul(decimal.RequireFromString("0.75"))
	if minFee.GreaterThan(suggested) {
		return minFee
	}
	return suggested
}
