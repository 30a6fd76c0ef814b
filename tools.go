package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meshfoundry/gomesh/protocol"
	"github.com/meshfoundry/gomesh/reputation"
	"github.com/meshfoundry/gomesh/store"
)

// The tool surface. Each operation validates its arguments, writes through
// the store, and broadcasts the matching MESH message last — the store is
// authoritative, the transport is best-effort behind the retrier.

// RegisterParams configure mesh_register.
type RegisterParams struct {
	Skills       []string
	MinFee       decimal.Decimal
	Stake        decimal.Decimal
	ResponseTime string
}

// RegisterResult reports the registered identity.
type RegisterResult struct {
	Address    string
	Reputation int64
	Stake      decimal.Decimal
}

// Register stakes the agent into the registry, records the self peer, and
// broadcasts a beacon.
func (e *Engine) Register(ctx context.Context, p RegisterParams) (RegisterResult, error) {
	if p.MinFee.IsNegative() {
		return RegisterResult{}, validationErr("minFee", "must not be negative")
	}
	if err := e.rep.RegisterAgent(ctx, e.cfg.Address, p.Stake); err != nil {
		return RegisterResult{}, err
	}

	now := e.now()
	rep, err := e.rep.GetReputation(ctx, e.cfg.Address)
	if err != nil {
		return RegisterResult{}, err
	}
	info, err := e.rep.GetStakeInfo(ctx, e.cfg.Address)
	if err != nil {
		return RegisterResult{}, err
	}
	if err := e.store.UpsertPeer(ctx, store.Peer{
		Address:      e.cfg.Address,
		Skills:       p.Skills,
		MinFee:       p.MinFee,
		ResponseTime: p.ResponseTime,
		Reputation:   rep,
		Stake:        info.Stake,
		StakeAge:     info.AgeSeconds,
		ReplyChat:    e.cfg.ReplyChat,
		LastSeen:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return RegisterResult{}, err
	}

	if err := e.broadcastBeacon(ctx, p.Skills, p.MinFee, info.Stake, p.ResponseTime); err != nil {
		return RegisterResult{}, err
	}
	return RegisterResult{Address: e.cfg.Address, Reputation: rep, Stake: info.Stake}, nil
}

func (e *Engine) broadcastBeacon(ctx context.Context, skills []string, minFee, stake decimal.Decimal, responseTime string) error {
	b := &protocol.Beacon{
		From:         e.cfg.Address,
		Skills:       skills,
		MinFee:       &minFee,
		Stake:        &stake,
		ResponseTime: responseTime,
		ReplyChat:    e.cfg.ReplyChat,
	}
	line, err := protocol.Serialize(&protocol.Message{V: protocol.Version, Kind: protocol.KindBeacon, Beacon: b})
	if err != nil {
		return err
	}
	return e.broadcast(ctx, line)
}

// refreshBeacon re-advertises the stored self peer; called by the
// scheduler's beacon job.
func (e *Engine) refreshBeacon(ctx context.Context) error {
	self, err := e.store.GetPeer(ctx, e.cfg.Address)
	if errors.Is(err, store.ErrNotFound) {
		return nil // not registered yet
	}
	if err != nil {
		return err
	}
	return e.broadcastBeacon(ctx, self.Skills, self.MinFee, self.Stake, self.ResponseTime)
}

// BroadcastParams configure mesh_broadcast.
type BroadcastParams struct {
	Skill         string
	Payload       json.RawMessage
	Budget        decimal.Decimal
	Deadline      int64
	MinReputation int64
}

// BroadcastResult identifies the created intent.
type BroadcastResult struct {
	IntentID string
	Deadline int64
}

// Broadcast persists a pending intent and announces it to the group.
func (e *Engine) Broadcast(ctx context.Context, p BroadcastParams) (BroadcastResult, error) {
	now := e.now()
	if p.Skill == "" {
		return BroadcastResult{}, validationErr("skill", "required")
	}
	if !p.Budget.IsPositive() {
		return BroadcastResult{}, validationErr("budget", "must be greater than zero")
	}
	if p.Deadline <= now {
		return BroadcastResult{}, validationErr("deadline", "must be in the future")
	}
	if p.Deadline-now > e.cfg.MaxIntentDeadlineSeconds {
		return BroadcastResult{}, validationErr("deadline",
			fmt.Sprintf("more than %d seconds ahead", e.cfg.MaxIntentDeadlineSeconds))
	}
	if p.MinReputation < 0 {
		return BroadcastResult{}, validationErr("minReputation", "must not be negative")
	}
	payload, err := normalizePayload(p.Payload, e.cfg.MaxPayloadBytes)
	if err != nil {
		return BroadcastResult{}, err
	}

	e.maybeSweepExpired(ctx)

	in := store.Intent{
		ID:            uuid.NewString(),
		FromAddress:   e.cfg.Address,
		Skill:         p.Skill,
		Payload:       payload,
		Budget:        p.Budget,
		Deadline:      p.Deadline,
		MinReputation: p.MinReputation,
		Status:        store.IntentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.SaveIntent(ctx, in); err != nil {
		return BroadcastResult{}, err
	}

	line, err := protocol.Serialize(&protocol.Message{
		V: protocol.Version, Kind: protocol.KindIntent,
		Intent: &protocol.Intent{
			ID: in.ID, From: in.FromAddress, Skill: in.Skill,
			Budget: in.Budget, Deadline: in.Deadline,
			MinReputation: in.MinReputation, Payload: in.Payload,
		},
	})
	if err != nil {
		return BroadcastResult{}, err
	}
	if err := e.broadcast(ctx, line); err != nil {
		return BroadcastResult{}, err
	}
	return BroadcastResult{IntentID: in.ID, Deadline: in.Deadline}, nil
}

func normalizePayload(payload json.RawMessage, maxBytes int) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage("{}"), nil
	}
	if len(payload) > maxBytes {
		return nil, validationErr("payload", fmt.Sprintf("exceeds %d bytes", maxBytes))
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, validationErr("payload", "not valid JSON")
	}
	switch v.(type) {
	case map[string]any, []any:
		return payload, nil
	}
	return nil, validationErr("payload", "must be a JSON object or array")
}

// OfferParams configure mesh_offer.
type OfferParams struct {
	IntentID string
	Fee      decimal.Decimal
	Eta      string
}

// OfferResult identifies the recorded offer.
type OfferResult struct {
	OfferID string
	Fee     decimal.Decimal
}

// Offer bids on another agent's intent after checking the local agent
// qualifies for it.
func (e *Engine) Offer(ctx context.Context, p OfferParams) (OfferResult, error) {
	if p.IntentID == "" {
		return OfferResult{}, validationErr("intentId", "required")
	}
	if !p.Fee.IsPositive() {
		return OfferResult{}, validationErr("fee", "must be greater than zero")
	}

	e.maybeSweepExpired(ctx)

	in, err := e.store.GetIntent(ctx, p.IntentID)
	if errors.Is(err, store.ErrNotFound) {
		return OfferResult{}, preconditionErr("offer", ErrIntentNotFound)
	}
	if err != nil {
		return OfferResult{}, err
	}
	if in.Status != store.IntentPending {
		return OfferResult{}, preconditionErr("offer", ErrIntentNotPending)
	}
	if in.FromAddress == e.cfg.Address {
		return OfferResult{}, preconditionErr("offer", ErrSelfOffer)
	}
	if p.Fee.GreaterThan(in.Budget) {
		return OfferResult{}, preconditionErr("offer", ErrFeeExceedsBudget)
	}

	self, err := e.store.GetPeer(ctx, e.cfg.Address)
	if errors.Is(err, store.ErrNotFound) {
		return OfferResult{}, preconditionErr("offer", ErrNotRegistered)
	}
	if err != nil {
		return OfferResult{}, err
	}
	if !hasSkill(self.Skills, in.Skill) {
		return OfferResult{}, preconditionErr("offer", ErrSkillMismatch)
	}
	rep, err := e.rep.GetReputation(ctx, e.cfg.Address)
	if err != nil {
		return OfferResult{}, err
	}
	if rep < in.MinReputation {
		return OfferResult{}, preconditionErr("offer", ErrReputationTooLow)
	}

	now := e.now()
	o := store.Offer{
		ID:            store.OfferID(in.ID, e.cfg.Address, now),
		IntentID:      in.ID,
		FromAddress:   e.cfg.Address,
		Fee:           p.Fee,
		Eta:           p.Eta,
		Reputation:    &rep,
		StakeAge:      e.stakeAge(ctx, e.cfg.Address),
		EscrowAddress: e.cfg.ContractAddress,
		CreatedAt:     now,
	}
	if err := e.store.RecordOffer(ctx, o); err != nil {
		return OfferResult{}, err
	}

	line, err := protocol.Serialize(&protocol.Message{
		V: protocol.Version, Kind: protocol.KindOffer,
		Offer: &protocol.Offer{
			IntentID: o.IntentID, From: o.FromAddress, Fee: o.Fee,
			Eta: o.Eta, Reputation: &rep, EscrowAddress: o.EscrowAddress,
		},
	})
	if err != nil {
		return OfferResult{}, err
	}
	if err := e.broadcast(ctx, line); err != nil {
		return OfferResult{}, err
	}
	return OfferResult{OfferID: o.ID, Fee: o.Fee}, nil
}

func hasSkill(skills []string, want string) bool {
	for _, s := range skills {
		if s == want {
			return true
		}
	}
	return false
}

// SettleParams configure mesh_settle.
type SettleParams struct {
	IntentID string
	TxHash   string
	Outcome  string
	Rating   int64
}

// SettleResult reports the settlement effect.
type SettleResult struct {
	IntentID      string
	NewReputation int64
}

// Settle verifies the payment for an accepted intent the local agent
// executed, applies the reputation outcome, finalizes the deal, and
// broadcasts the settle message.
func (e *Engine) Settle(ctx context.Context, p SettleParams) (SettleResult, error) {
	if p.IntentID == "" {
		return SettleResult{}, validationErr("intentId", "required")
	}
	if p.TxHash == "" {
		return SettleResult{}, validationErr("txHash", "required")
	}
	if p.Outcome != store.OutcomeSuccess && p.Outcome != store.OutcomeFailure {
		return SettleResult{}, validationErr("outcome", "must be success or failure")
	}
	if p.Rating < 1 || p.Rating > 10 {
		return SettleResult{}, validationErr("rating", "must be an integer in 1..10")
	}

	in, err := e.store.GetIntent(ctx, p.IntentID)
	if errors.Is(err, store.ErrNotFound) {
		return SettleResult{}, preconditionErr("settle", ErrIntentNotFound)
	}
	if err != nil {
		return SettleResult{}, err
	}
	if in.Status != store.IntentAccepted {
		return SettleResult{}, preconditionErr("settle", ErrIntentNotAccepted)
	}
	if in.SelectedExecutor != e.cfg.Address {
		return SettleResult{}, preconditionErr("settle", ErrNotExecutor)
	}

	fee := in.Budget
	deal, err := e.store.GetDeal(ctx, p.IntentID)
	if err == nil {
		fee = deal.Fee
	} else if !errors.Is(err, store.ErrNotFound) {
		return SettleResult{}, err
	}

	verdict, err := e.rep.VerifyPayment(ctx, reputation.VerifyParams{
		TxHash:            p.TxHash,
		Amount:            fee,
		ExpectedRecipient: e.cfg.Address,
		ExpectedSender:    in.FromAddress,
		IntentID:          in.ID,
	})
	if err != nil {
		return SettleResult{}, err
	}
	if !verdict.OK {
		return SettleResult{}, &VerificationError{Reason: verdict.Reason}
	}

	newRep, err := e.rep.RecordOutcome(ctx, e.cfg.Address, p.TxHash, p.Rating)
	if err != nil {
		if errors.Is(err, reputation.ErrReplay) {
			return SettleResult{}, preconditionErr("settle", err)
		}
		return SettleResult{}, err
	}

	now := e.now()
	if err := e.store.SettleDeal(ctx, store.Deal{
		IntentID:        in.ID,
		ExecutorAddress: e.cfg.Address,
		Fee:             fee,
		TxHash:          p.TxHash,
		Outcome:         p.Outcome,
		Rating:          p.Rating,
		SettledAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		return SettleResult{}, err
	}
	if err := e.store.UpdateIntentStatus(ctx, in.ID, store.IntentSettled, now); err != nil {
		return SettleResult{}, err
	}

	line, err := protocol.Serialize(&protocol.Message{
		V: protocol.Version, Kind: protocol.KindSettle,
		Settle: &protocol.Settle{
			IntentID: in.ID, From: e.cfg.Address, TxHash: p.TxHash,
			Outcome: p.Outcome, Rating: p.Rating,
		},
	})
	if err != nil {
		return SettleResult{}, err
	}
	if err := e.broadcast(ctx, line); err != nil {
		return SettleResult{}, err
	}
	return SettleResult{IntentID: in.ID, NewReputation: newRep}, nil
}

// Peers lists known peers, most recently seen first.
func (e *Engine) Peers(ctx context.Context) ([]store.Peer, error) {
	return e.store.ListPeers(ctx)
}

// DisputeParams configure mesh_dispute.
type DisputeParams struct {
	IntentID   string
	Against    string
	Reason     string
	EvidenceTx string
}

// Dispute broadcasts a dispute against another agent over an intent.
func (e *Engine) Dispute(ctx context.Context, p DisputeParams) error {
	if p.IntentID == "" {
		return validationErr("intentId", "required")
	}
	if p.Against == "" {
		return validationErr("against", "required")
	}
	if _, err := e.store.GetIntent(ctx, p.IntentID); errors.Is(err, store.ErrNotFound) {
		return preconditionErr("dispute", ErrIntentNotFound)
	} else if err != nil {
		return err
	}

	line, err := protocol.Serialize(&protocol.Message{
		V: protocol.Version, Kind: protocol.KindDispute,
		Dispute: &protocol.Dispute{
			IntentID: p.IntentID, From: e.cfg.Address, Against: p.Against,
			Reason: p.Reason, EvidenceTx: p.EvidenceTx,
		},
	})
	if err != nil {
		return err
	}
	return e.broadcast(ctx, line)
}
