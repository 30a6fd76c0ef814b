package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/meshfoundry/gomesh/protocol"
	"github.com/meshfoundry/gomesh/reputation"
	"github.com/meshfoundry/gomesh/store"
)

func TestBroadcastValidation(t *testing.T) {
	clock := &fakeClock{ts: 1_700_000_000}
	x := newTestAgent(t, "EQX", clock, nil)
	ctx := context.Background()

	huge := `{"blob":"` + strings.Repeat("a", 17*1024) + `"}`

	tests := []struct {
		name   string
		params BroadcastParams
		field  string
	}{
		{"missing skill", BroadcastParams{Budget: dec(t, "1"), Deadline: clock.Now() + 10}, "skill"},
		{"zero budget", BroadcastParams{Skill: "s", Budget: decimal.Zero, Deadline: clock.Now() + 10}, "budget"},
		{"negative budget", BroadcastParams{Skill: "s", Budget: dec(t, "-1"), Deadline: clock.Now() + 10}, "budget"},
		{"past deadline", BroadcastParams{Skill: "s", Budget: dec(t, "1"), Deadline: clock.Now() - 1}, "deadline"},
		{"deadline now", BroadcastParams{Skill: "s", Budget: dec(t, "1"), Deadline: clock.Now()}, "deadline"},
		{"beyond horizon", BroadcastParams{Skill: "s", Budget: dec(t, "1"), Deadline: clock.Now() + 3601}, "deadline"},
		{"negative minReputation", BroadcastParams{Skill: "s", Budget: dec(t, "1"), Deadline: clock.Now() + 10, MinReputation: -1}, "minReputation"},
		{"oversize payload", BroadcastParams{Skill: "s", Budget: dec(t, "1"), Deadline: clock.Now() + 10, Payload: json.RawMessage(huge)}, "payload"},
		{"scalar payload", BroadcastParams{Skill: "s", Budget: dec(t, "1"), Deadline: clock.Now() + 10, Payload: json.RawMessage(`"hi"`)}, "payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := x.engine.Broadcast(ctx, tt.params)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Broadcast() error = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}

	// Nothing was persisted or broadcast.
	intents, _ := x.store.ListIntents(ctx, store.IntentFilter{})
	if len(intents) != 0 {
		t.Errorf("intents persisted by invalid broadcasts = %d, want 0", len(intents))
	}
}

func TestOfferPreconditions(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	y := newTestAgent(t, "EQY", clock, nil, withSkillsOpt("analytics"))
	y.chain.set("EQY", 60, decimal.NewFromInt(5), 3600)

	if _, err := y.engine.Offer(ctx, OfferParams{IntentID: "nope", Fee: dec(t, "0.5")}); !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("Offer(unknown intent) error = %v, want ErrIntentNotFound", err)
	}

	save := func(in store.Intent) {
		t.Helper()
		if err := y.store.SaveIntent(ctx, in); err != nil {
			t.Fatalf("SaveIntent() returned error: %v", err)
		}
	}
	save(store.Intent{ID: "own", FromAddress: "EQY", Skill: "analytics",
		Budget: dec(t, "1"), Deadline: clock.Now() + 60, Status: store.IntentPending})
	if _, err := y.engine.Offer(ctx, OfferParams{IntentID: "own", Fee: dec(t, "0.5")}); !errors.Is(err, ErrSelfOffer) {
		t.Errorf("Offer(own intent) error = %v, want ErrSelfOffer", err)
	}

	save(store.Intent{ID: "i1", FromAddress: "EQX", Skill: "analytics",
		Budget: dec(t, "1"), Deadline: clock.Now() + 60, Status: store.IntentPending, MinReputation: 50})

	// Not registered yet: no self peer.
	if _, err := y.engine.Offer(ctx, OfferParams{IntentID: "i1", Fee: dec(t, "0.5")}); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Offer(unregistered) error = %v, want ErrNotRegistered", err)
	}
	if _, err := y.engine.Register(ctx, RegisterParams{Skills: []string{"analytics"}, Stake: decimal.NewFromInt(5)}); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	if _, err := y.engine.Offer(ctx, OfferParams{IntentID: "i1", Fee: dec(t, "1.5")}); !errors.Is(err, ErrFeeExceedsBudget) {
		t.Errorf("Offer(fee>budget) error = %v, want ErrFeeExceedsBudget", err)
	}

	save(store.Intent{ID: "i2", FromAddress: "EQX", Skill: "translation",
		Budget: dec(t, "1"), Deadline: clock.Now() + 60, Status: store.IntentPending})
	if _, err := y.engine.Offer(ctx, OfferParams{IntentID: "i2", Fee: dec(t, "0.5")}); !errors.Is(err, ErrSkillMismatch) {
		t.Errorf("Offer(skill mismatch) error = %v, want ErrSkillMismatch", err)
	}

	// Reputation 60 >= required 50 is fine; raise the bar to check the guard.
	save(store.Intent{ID: "i3", FromAddress: "EQX", Skill: "analytics",
		Budget: dec(t, "1"), Deadline: clock.Now() + 60, Status: store.IntentPending, MinReputation: 90})
	if _, err := y.engine.Offer(ctx, OfferParams{IntentID: "i3", Fee: dec(t, "0.5")}); !errors.Is(err, ErrReputationTooLow) {
		t.Errorf("Offer(low reputation) error = %v, want ErrReputationTooLow", err)
	}

	// The valid case goes through and snapshots the live reputation.
	got, err := y.engine.Offer(ctx, OfferParams{IntentID: "i1", Fee: dec(t, "0.5"), Eta: "5s"})
	if err != nil {
		t.Fatalf("Offer() returned error: %v", err)
	}
	offers, _ := y.store.ListOffersForIntent(ctx, "i1")
	if len(offers) != 1 || offers[0].ID != got.OfferID {
		t.Fatalf("offers = %+v", offers)
	}
	if offers[0].Reputation == nil || *offers[0].Reputation != 60 {
		t.Errorf("snapshot reputation = %v, want 60", offers[0].Reputation)
	}
	if offers[0].StakeAge != 3600 {
		t.Errorf("stake age = %d, want 3600", offers[0].StakeAge)
	}
}

func TestSettleValidation(t *testing.T) {
	clock := &fakeClock{ts: 1_700_000_000}
	y := newTestAgent(t, "EQY", clock, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		params SettleParams
	}{
		{"missing intent id", SettleParams{TxHash: "0xabc", Outcome: "success", Rating: 9}},
		{"missing tx hash", SettleParams{IntentID: "i1", Outcome: "success", Rating: 9}},
		{"bad outcome", SettleParams{IntentID: "i1", TxHash: "0xabc", Outcome: "done", Rating: 9}},
		{"rating low", SettleParams{IntentID: "i1", TxHash: "0xabc", Outcome: "success", Rating: 0}},
		{"rating high", SettleParams{IntentID: "i1", TxHash: "0xabc", Outcome: "success", Rating: 11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := y.engine.Settle(ctx, tt.params)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("Settle() error = %v, want ValidationError", err)
			}
		})
	}

	if _, err := y.engine.Settle(ctx, SettleParams{
		IntentID: "missing", TxHash: "0xabc", Outcome: "success", Rating: 9,
	}); !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("Settle(missing intent) error = %v, want ErrIntentNotFound", err)
	}
}

func TestSettleRequiresExecutor(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	y := newTestAgent(t, "EQY", clock, nil)

	if err := y.store.SaveIntent(ctx, store.Intent{
		ID: "i1", FromAddress: "EQX", Skill: "s", Budget: dec(t, "1"),
		Deadline: clock.Now() + 60, Status: store.IntentAccepted,
		SelectedExecutor: "EQZ",
	}); err != nil {
		t.Fatalf("SaveIntent() returned error: %v", err)
	}

	if _, err := y.engine.Settle(ctx, SettleParams{
		IntentID: "i1", TxHash: "0xabc", Outcome: "success", Rating: 9,
	}); !errors.Is(err, ErrNotExecutor) {
		t.Errorf("Settle(not executor) error = %v, want ErrNotExecutor", err)
	}
}

func TestSettleReplay(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	paid := staticLookup{txs: []reputation.Tx{
		payment("0xabc", "EQX", "EQY", "0.75", clock.Now()),
	}}
	y := newTestAgent(t, "EQY", clock, paid)
	y.chain.set("EQY", 100, decimal.NewFromInt(5), 3600)

	seed := func(id string) {
		t.Helper()
		if err := y.store.SaveIntent(ctx, store.Intent{
			ID: id, FromAddress: "EQX", Skill: "s", Budget: dec(t, "1"),
			Deadline: clock.Now() + 60, Status: store.IntentAccepted,
			SelectedExecutor: "EQY",
		}); err != nil {
			t.Fatalf("SaveIntent() returned error: %v", err)
		}
		if err := y.store.SettleDeal(ctx, store.Deal{
			IntentID: id, ExecutorAddress: "EQY", Fee: dec(t, "0.75"),
		}); err != nil {
			t.Fatalf("SettleDeal() returned error: %v", err)
		}
	}
	seed("i1")
	seed("i2")

	if _, err := y.engine.Settle(ctx, SettleParams{
		IntentID: "i1", TxHash: "0xabc", Outcome: "success", Rating: 9,
	}); err != nil {
		t.Fatalf("Settle() returned error: %v", err)
	}

	// Reusing the same tx for another intent is a replay.
	_, err := y.engine.Settle(ctx, SettleParams{
		IntentID: "i2", TxHash: "0xabc", Outcome: "success", Rating: 9,
	})
	if !errors.Is(err, reputation.ErrReplay) {
		t.Fatalf("Settle(replayed tx) error = %v, want ErrReplay", err)
	}
	if rep, _ := y.chain.GetReputation(ctx, "EQY"); rep != 115 {
		t.Errorf("reputation = %d, want single application 115", rep)
	}
}

func TestRegisterBroadcastsBeacon(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	x := newTestAgent(t, "EQX", clock, nil, withSkillsOpt("analytics"))

	res, err := x.engine.Register(ctx, RegisterParams{
		Skills: []string{"analytics"}, MinFee: dec(t, "0.25"),
		Stake: decimal.NewFromInt(2), ResponseTime: "~5m",
	})
	if err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}
	if res.Reputation != 100 {
		t.Errorf("Reputation = %d, want 100", res.Reputation)
	}

	beacons := x.sender.byKind(protocol.KindBeacon)
	if len(beacons) != 1 {
		t.Fatalf("beacon broadcasts = %d, want 1", len(beacons))
	}
	b := beacons[0].Beacon
	if b.From != "EQX" || len(b.Skills) != 1 || b.Skills[0] != "analytics" {
		t.Errorf("beacon = %+v", b)
	}
	if b.Stake == nil || !b.Stake.Equal(decimal.NewFromInt(2)) {
		t.Errorf("beacon stake = %v, want 2", b.Stake)
	}

	peers, _ := x.engine.Peers(ctx)
	if len(peers) != 1 || peers[0].Address != "EQX" {
		t.Errorf("self peer missing: %+v", peers)
	}
}

func TestRegisterMinStake(t *testing.T) {
	clock := &fakeClock{ts: 1_700_000_000}
	x := newTestAgent(t, "EQX", clock, nil)

	_, err := x.engine.Register(context.Background(), RegisterParams{
		Stake: dec(t, "0.5"),
	})
	if !errors.Is(err, reputation.ErrMinStakeViolation) {
		t.Errorf("Register(stake 0.5) error = %v, want ErrMinStakeViolation", err)
	}
}

func TestDisputeTool(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	x := newTestAgent(t, "EQX", clock, nil)

	if err := x.engine.Dispute(ctx, DisputeParams{IntentID: "nope", Against: "EQZ"}); !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("Dispute(unknown intent) error = %v, want ErrIntentNotFound", err)
	}

	if err := x.store.SaveIntent(ctx, store.Intent{
		ID: "i1", FromAddress: "EQX", Skill: "s", Budget: dec(t, "1"),
		Deadline: clock.Now() + 60, Status: store.IntentAccepted,
		SelectedExecutor: "EQZ",
	}); err != nil {
		t.Fatalf("SaveIntent() returned error: %v", err)
	}
	if err := x.engine.Dispute(ctx, DisputeParams{
		IntentID: "i1", Against: "EQZ", Reason: "no delivery", EvidenceTx: "0xdef",
	}); err != nil {
		t.Fatalf("Dispute() returned error: %v", err)
	}

	disputes := x.sender.byKind(protocol.KindDispute)
	if len(disputes) != 1 {
		t.Fatalf("dispute broadcasts = %d, want 1", len(disputes))
	}
	d := disputes[0].Dispute
	if d.Against != "EQZ" || d.Reason != "no delivery" || d.EvidenceTx != "0xdef" {
		t.Errorf("dispute = %+v", d)
	}
}
