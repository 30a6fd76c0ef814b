package mesh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meshfoundry/gomesh/protocol"
	"github.com/meshfoundry/gomesh/rank"
	"github.com/meshfoundry/gomesh/reputation"
	"github.com/meshfoundry/gomesh/store"
	"github.com/meshfoundry/gomesh/transport"
)

// IngestResult summarizes what happened to one transport event.
type IngestResult struct {
	// Type is the parsed message kind, empty for protocol rejects.
	Type string
	// Duplicate marks an event dropped by the idempotency gate.
	Duplicate bool
	// Dropped marks an event discarded without state change; Reason says why.
	Dropped bool
	Reason  string
}

// Ingest processes one inbound transport event: derive the dedup key,
// parse, mark processed, then dispatch by kind. Invalid lines and
// duplicates are dropped without side effects; handler precondition
// failures are logged and dropped so a noisy group never wedges ingest.
func (e *Engine) Ingest(ctx context.Context, ev transport.Event) (IngestResult, error) {
	payloadHash := sha256Hex(ev.Text)
	key := e.processedKey(ev, payloadHash)

	msg := protocol.Parse(ev.Text)
	if msg == nil {
		e.log.Debug("protocol reject", "chat", ev.ChatID, "message", ev.MessageID)
		return IngestResult{Dropped: true, Reason: "protocol_reject"}, nil
	}
	kind := string(msg.Kind)

	inserted, err := e.store.MarkProcessedMessage(ctx, store.ProcessedMessage{
		Key:             key,
		MessageType:     kind,
		SourceChatID:    ev.ChatID,
		SourceMessageID: ev.MessageID,
		PayloadHash:     payloadHash,
		FirstSeenAt:     e.now(),
	})
	if err != nil {
		return IngestResult{Type: kind}, err
	}
	if !inserted {
		return IngestResult{Type: kind, Duplicate: true}, nil
	}

	switch msg.Kind {
	case protocol.KindBeacon:
		return e.handleBeacon(ctx, msg.Beacon)
	case protocol.KindIntent:
		return e.handleIntent(ctx, msg.Intent)
	case protocol.KindOffer:
		return e.handleOffer(ctx, msg.Offer)
	case protocol.KindAccept:
		return e.handleAccept(ctx, msg.Accept)
	case protocol.KindSettle:
		return e.handleSettle(ctx, msg.Settle)
	case protocol.KindDispute:
		return e.handleDispute(ctx, msg.Dispute)
	}
	return IngestResult{Type: kind, Dropped: true, Reason: "unhandled_kind"}, nil
}

// processedKey derives the dedup key from transport identifiers, falling
// back to the payload hash for transports without message ids.
func (e *Engine) processedKey(ev transport.Event, payloadHash string) string {
	if ev.MessageID != "" {
		return fmt.Sprintf("consumer:%s:tg:%s:%s", e.cfg.Address, ev.ChatID, ev.MessageID)
	}
	return fmt.Sprintf("consumer:%s:hash:%s", e.cfg.Address, payloadHash)
}

func sha256Hex(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) handleBeacon(ctx context.Context, b *protocol.Beacon) (IngestResult, error) {
	res := IngestResult{Type: string(protocol.KindBeacon)}

	rep, err := e.rep.GetReputation(ctx, b.From)
	if err != nil {
		return res, err
	}
	if rep <= 0 {
		e.log.Debug("beacon ignored", "from", b.From, "reason", "unstaked_or_unknown_peer")
		res.Dropped = true
		res.Reason = "unstaked_or_unknown_peer"
		return res, nil
	}
	info, err := e.rep.GetStakeInfo(ctx, b.From)
	if err != nil {
		return res, err
	}

	minFee := decimal.Zero
	if b.MinFee != nil {
		minFee = *b.MinFee
	}
	now := e.now()
	if err := e.store.UpsertPeer(ctx, store.Peer{
		Address:      b.From,
		Skills:       b.Skills,
		MinFee:       minFee,
		ResponseTime: b.ResponseTime,
		Reputation:   rep,
		Stake:        info.Stake,
		StakeAge:     info.AgeSeconds,
		ReplyChat:    b.ReplyChat,
		LastSeen:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return res, err
	}
	e.log.Debug("peer refreshed", "from", b.From, "reputation", rep)
	return res, nil
}

func (e *Engine) handleIntent(ctx context.Context, in *protocol.Intent) (IngestResult, error) {
	res := IngestResult{Type: string(protocol.KindIntent)}

	if len(in.Payload) > e.cfg.MaxPayloadBytes {
		e.log.Debug("intent dropped", "intent", in.ID, "reason", "payload_too_large")
		res.Dropped = true
		res.Reason = "payload_too_large"
		return res, nil
	}

	now := e.now()
	if err := e.store.SaveIntent(ctx, store.Intent{
		ID:            in.ID,
		FromAddress:   in.From,
		Skill:         in.Skill,
		Payload:       in.Payload,
		Budget:        in.Budget,
		Deadline:      in.Deadline,
		MinReputation: in.MinReputation,
		Status:        store.IntentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		return res, err
	}

	if in.From != e.cfg.Address {
		e.maybeAutoOffer(ctx, in)
	}
	return res, nil
}

// maybeAutoOffer bids on a foreign intent when the local agent qualifies.
// Failures here are logged, never fatal: auto-offering is opportunistic.
func (e *Engine) maybeAutoOffer(ctx context.Context, in *protocol.Intent) {
	self, err := e.store.GetPeer(ctx, e.cfg.Address)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("auto-offer self lookup failed", "error", err)
		}
		return
	}
	if !hasSkill(self.Skills, in.Skill) {
		return
	}
	rep, err := e.rep.GetReputation(ctx, e.cfg.Address)
	if err != nil || rep < in.MinReputation {
		return
	}
	fee := clampFee(self.MinFee, in.Budget)
	if fee.GreaterThan(in.Budget) {
		return
	}

	if _, err := e.Offer(ctx, OfferParams{IntentID: in.ID, Fee: fee, Eta: self.ResponseTime}); err != nil {
		e.log.Debug("auto-offer skipped", "intent", in.ID, "error", err)
		return
	}
	e.log.Info("auto-offered", "intent", in.ID, "fee", fee)
}

func (e *Engine) handleOffer(ctx context.Context, o *protocol.Offer) (IngestResult, error) {
	res := IngestResult{Type: string(protocol.KindOffer)}

	in, err := e.store.GetIntent(ctx, o.IntentID)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Debug("offer dropped", "intent", o.IntentID, "reason", "intent_not_found")
		res.Dropped = true
		res.Reason = "intent_not_found"
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if o.From == in.FromAddress {
		res.Dropped = true
		res.Reason = "self_offer"
		return res, nil
	}
	if !o.Fee.IsPositive() || o.Fee.GreaterThan(in.Budget) {
		e.log.Debug("offer dropped", "intent", in.ID, "from", o.From, "reason", "fee_out_of_range")
		res.Dropped = true
		res.Reason = "fee_out_of_range"
		return res, nil
	}

	now := e.now()
	if err := e.store.RecordOffer(ctx, store.Offer{
		ID:            store.OfferID(o.IntentID, o.From, now),
		IntentID:      o.IntentID,
		FromAddress:   o.From,
		Fee:           o.Fee,
		Eta:           o.Eta,
		Reputation:    o.Reputation,
		StakeAge:      e.stakeAge(ctx, o.From),
		EscrowAddress: o.EscrowAddress,
		CreatedAt:     now,
	}); err != nil {
		return res, err
	}

	// Only the intent's creator selects; with waitForDeadline the decision
	// is deferred to the scheduler's deadline sweep.
	if in.FromAddress == e.cfg.Address && in.Status == store.IntentPending {
		if !e.cfg.WaitForDeadline || now >= in.Deadline {
			if _, err := e.selectAndAccept(ctx, in); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// selectAndAccept ranks the intent's offers and tries the atomic accept.
// Exactly one concurrent caller wins; everyone else sees intent_not_pending
// and no-ops.
func (e *Engine) selectAndAccept(ctx context.Context, in store.Intent) (bool, error) {
	offers, err := e.store.ListOffersForIntent(ctx, in.ID)
	if err != nil {
		return false, err
	}
	eligible := offers[:0:0]
	for _, o := range offers {
		if o.FromAddress != in.FromAddress && !o.Fee.GreaterThan(in.Budget) {
			eligible = append(eligible, o)
		}
	}
	best, ok := rank.SelectBest(eligible, e.liveReputation, e.weights)
	if !ok {
		return false, nil
	}

	now := e.now()
	res, err := e.store.AcceptIntentOffer(ctx, in.ID, best.Offer.ID, best.Offer.FromAddress, now)
	if err != nil {
		return false, err
	}
	if !res.OK {
		e.log.Debug("selection lost", "intent", in.ID, "reason", res.Reason)
		return false, nil
	}

	if err := e.store.SettleDeal(ctx, store.Deal{
		IntentID:        in.ID,
		ExecutorAddress: best.Offer.FromAddress,
		Fee:             best.Offer.Fee,
		UpdatedAt:       now,
	}); err != nil {
		return false, err
	}

	line, err := protocol.Serialize(&protocol.Message{
		V: protocol.Version, Kind: protocol.KindAccept,
		Accept: &protocol.Accept{
			IntentID:   in.ID,
			From:       in.FromAddress,
			To:         best.Offer.FromAddress,
			Fee:        best.Offer.Fee,
			SelectedAt: now,
		},
	})
	if err != nil {
		return false, err
	}
	if err := e.broadcast(ctx, line); err != nil {
		return false, err
	}
	e.log.Info("offer accepted", "intent", in.ID, "executor", best.Offer.FromAddress, "fee", best.Offer.Fee)
	return true, nil
}

func (e *Engine) handleAccept(ctx context.Context, a *protocol.Accept) (IngestResult, error) {
	res := IngestResult{Type: string(protocol.KindAccept)}

	in, err := e.store.GetIntent(ctx, a.IntentID)
	if errors.Is(err, store.ErrNotFound) {
		res.Dropped = true
		res.Reason = "intent_not_found"
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if a.From != in.FromAddress {
		e.log.Debug("accept dropped", "intent", in.ID, "reason", "not_from_creator")
		res.Dropped = true
		res.Reason = "not_from_creator"
		return res, nil
	}

	now := e.now()
	if in.Status == store.IntentPending {
		offerID := e.findOfferID(ctx, in.ID, a.To)
		accept, err := e.store.AcceptIntentOffer(ctx, in.ID, offerID, a.To, now)
		if err != nil {
			return res, err
		}
		if !accept.OK {
			e.log.Debug("accept already applied", "intent", in.ID, "reason", accept.Reason)
		}
	}

	// Seed the deal row so settle knows the agreed fee.
	if err := e.store.SettleDeal(ctx, store.Deal{
		IntentID:        in.ID,
		ExecutorAddress: a.To,
		Fee:             a.Fee,
		UpdatedAt:       now,
	}); err != nil {
		return res, err
	}

	if a.To == e.cfg.Address {
		e.notifyOperator(ctx, fmt.Sprintf(
			"mesh: selected as executor for intent %s (fee %s)", in.ID, a.Fee))
	}
	return res, nil
}

// findOfferID resolves the executor's stored offer for an intent; empty
// when the offer was never seen locally.
func (e *Engine) findOfferID(ctx context.Context, intentID, executor string) string {
	offers, err := e.store.ListOffersForIntent(ctx, intentID)
	if err != nil {
		return ""
	}
	for _, o := range offers {
		if o.FromAddress == executor {
			return o.ID
		}
	}
	return ""
}

func (e *Engine) handleSettle(ctx context.Context, s *protocol.Settle) (IngestResult, error) {
	res := IngestResult{Type: string(protocol.KindSettle)}

	if s.Outcome != store.OutcomeSuccess && s.Outcome != store.OutcomeFailure {
		res.Dropped = true
		res.Reason = "invalid_outcome"
		return res, nil
	}
	in, err := e.store.GetIntent(ctx, s.IntentID)
	if errors.Is(err, store.ErrNotFound) {
		res.Dropped = true
		res.Reason = "intent_not_found"
		return res, nil
	}
	if err != nil {
		return res, err
	}

	executor := in.SelectedExecutor
	if executor == "" {
		executor = s.From
	}

	if _, err := e.rep.RecordOutcome(ctx, executor, s.TxHash, s.Rating); err != nil {
		if errors.Is(err, reputation.ErrReplay) {
			e.log.Debug("settle dropped", "intent", in.ID, "reason", "outcome_replay")
			res.Dropped = true
			res.Reason = "outcome_replay"
			return res, nil
		}
		return res, err
	}

	now := e.now()
	fee := in.Budget
	if deal, err := e.store.GetDeal(ctx, in.ID); err == nil && !deal.Fee.IsZero() {
		fee = deal.Fee
	}
	if err := e.store.SettleDeal(ctx, store.Deal{
		IntentID:        in.ID,
		ExecutorAddress: executor,
		Fee:             fee,
		TxHash:          s.TxHash,
		Outcome:         s.Outcome,
		Rating:          s.Rating,
		SettledAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		return res, err
	}

	if in.Status == store.IntentAccepted {
		if err := e.store.UpdateIntentStatus(ctx, in.ID, store.IntentSettled, now); err != nil {
			return res, err
		}
	}
	e.log.Info("deal settled", "intent", in.ID, "executor", executor, "outcome", s.Outcome, "rating", s.Rating)
	return res, nil
}

func (e *Engine) handleDispute(ctx context.Context, d *protocol.Dispute) (IngestResult, error) {
	res := IngestResult{Type: string(protocol.KindDispute)}

	e.log.Warn("dispute received", "intent", d.IntentID, "from", d.From,
		"against", d.Against, "reason", d.Reason)

	if d.Against == e.cfg.Address {
		e.notifyOperator(ctx, fmt.Sprintf(
			"mesh: dispute raised against you for intent %s: %s", d.IntentID, d.Reason))
		return res, nil
	}

	// On the intent's creator, evidence-backed disputes punish the
	// offender — but only where a simulated slash is allowed at all.
	if d.EvidenceTx == "" || e.cfg.StrictChainEffective() {
		return res, nil
	}
	in, err := e.store.GetIntent(ctx, d.IntentID)
	if err != nil || in.FromAddress != e.cfg.Address {
		return res, nil
	}
	if _, err := e.rep.Slash(ctx, d.Against, d.Reason); err != nil {
		e.log.Warn("dispute slash failed", "offender", d.Against, "error", err)
	}
	return res, nil
}
