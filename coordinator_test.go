package mesh

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/meshfoundry/gomesh/protocol"
	"github.com/meshfoundry/gomesh/reputation"
	"github.com/meshfoundry/gomesh/store"
	"github.com/meshfoundry/gomesh/transport"
)

// staticLookup serves a fixed transaction history.
type staticLookup struct {
	txs []reputation.Tx
}

func (s staticLookup) RecentInbound(ctx context.Context, recipient string, limit int) ([]reputation.Tx, error) {
	return s.txs, nil
}

func payment(hash, from, to, amount string, ts int64) reputation.Tx {
	return reputation.Tx{
		Hash:      hash,
		Timestamp: ts,
		Inbound: &reputation.InboundTransfer{
			Source:      from,
			Destination: to,
			Amount:      decimal.RequireFromString(amount),
		},
	}
}

// S1: broadcast → competing offers → deadline selection → settle.
func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	bus := &testBus{}

	paid := staticLookup{txs: []reputation.Tx{
		payment("0xabc", "EQX", "EQY", "0.75", 1_700_000_055),
	}}

	x := newTestAgent(t, "EQX", clock, nil, withSkillsOpt("analytics"))
	y := newTestAgent(t, "EQY", clock, paid, withSkillsOpt("analytics"), withMinFee("0.25"))
	z := newTestAgent(t, "EQZ", clock, nil, withSkillsOpt("analytics"), withMinFee("0.10"))

	// Registry as seen from each agent.
	for _, a := range []*testAgent{x, y, z} {
		a.chain.set("EQX", 100, decimal.NewFromInt(2), 600)
		a.chain.set("EQY", 100, decimal.NewFromInt(5), 3600)
		a.chain.set("EQZ", 70, decimal.NewFromInt(1), 60)
	}

	// Everyone is registered locally.
	if _, err := y.engine.Register(ctx, RegisterParams{
		Skills: []string{"analytics"}, MinFee: dec(t, "0.25"), Stake: decimal.NewFromInt(5),
	}); err != nil {
		t.Fatalf("Register(Y) returned error: %v", err)
	}
	if _, err := z.engine.Register(ctx, RegisterParams{
		Skills: []string{"analytics"}, MinFee: dec(t, "0.10"), Stake: decimal.NewFromInt(1),
	}); err != nil {
		t.Fatalf("Register(Z) returned error: %v", err)
	}

	res, err := x.engine.Broadcast(ctx, BroadcastParams{
		Skill:         "analytics",
		Budget:        dec(t, "1.0"),
		Deadline:      clock.Now() + 60,
		MinReputation: 50,
	})
	if err != nil {
		t.Fatalf("Broadcast() returned error: %v", err)
	}

	// Y auto-offers on ingest (max(minFee, 0.75·budget) = 0.75).
	bus.deliver(t, x.lastLine(t, protocol.KindIntent), y, z)
	yOffers := y.sender.byKind(protocol.KindOffer)
	if len(yOffers) != 1 {
		t.Fatalf("Y broadcast %d offers, want 1 auto-offer", len(yOffers))
	}
	if !yOffers[0].Offer.Fee.Equal(dec(t, "0.75")) {
		t.Errorf("Y auto-offer fee = %s, want 0.75", yOffers[0].Offer.Fee)
	}
	// Z undercuts explicitly.
	if _, err := z.engine.Offer(ctx, OfferParams{IntentID: res.IntentID, Fee: dec(t, "0.60"), Eta: "5s"}); err != nil {
		t.Fatalf("Offer(Z) returned error: %v", err)
	}

	bus.deliver(t, y.lastLine(t, protocol.KindOffer), x, z)
	bus.deliver(t, z.lastLine(t, protocol.KindOffer), x, y)

	// waitForDeadline defers selection.
	if len(x.sender.byKind(protocol.KindAccept)) != 0 {
		t.Fatal("accept broadcast before the deadline")
	}

	clock.Advance(60)
	x.engine.Tick(ctx)

	accepts := x.sender.byKind(protocol.KindAccept)
	if len(accepts) != 1 {
		t.Fatalf("accept messages = %d, want 1", len(accepts))
	}
	if accepts[0].Accept.To != "EQY" {
		t.Errorf("winner = %s, want EQY (reputation outweighs fee)", accepts[0].Accept.To)
	}
	in, err := x.store.GetIntent(ctx, res.IntentID)
	if err != nil {
		t.Fatalf("GetIntent() returned error: %v", err)
	}
	if in.Status != store.IntentAccepted || in.SelectedExecutor != "EQY" {
		t.Fatalf("intent after selection = %+v", in)
	}

	// Y learns it was selected and settles against the verified payment.
	bus.deliver(t, x.lastLine(t, protocol.KindAccept), y, z)
	settle, err := y.engine.Settle(ctx, SettleParams{
		IntentID: res.IntentID, TxHash: "0xabc",
		Outcome: store.OutcomeSuccess, Rating: 9,
	})
	if err != nil {
		t.Fatalf("Settle() returned error: %v", err)
	}
	if settle.NewReputation != 115 {
		t.Errorf("Y reputation after settle = %d, want 115", settle.NewReputation)
	}

	// X ingests the settle and finalizes its view of the deal.
	bus.deliver(t, y.lastLine(t, protocol.KindSettle), x, z)
	deal, err := x.store.GetDeal(ctx, res.IntentID)
	if err != nil {
		t.Fatalf("GetDeal() returned error: %v", err)
	}
	if deal.Outcome != store.OutcomeSuccess || deal.Rating != 9 || deal.ExecutorAddress != "EQY" {
		t.Errorf("deal = %+v", deal)
	}
	in, _ = x.store.GetIntent(ctx, res.IntentID)
	if in.Status != store.IntentSettled {
		t.Errorf("intent status = %q, want settled", in.Status)
	}
	xRep, _ := x.chain.GetReputation(ctx, "EQY")
	if xRep != 115 {
		t.Errorf("X's view of Y reputation = %d, want 115", xRep)
	}
}

// S2: the same transport event processed twice is a no-op the second time.
func TestIngestDuplicate(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	x := newTestAgent(t, "EQX", clock, nil)
	x.chain.set("EQW", 80, decimal.NewFromInt(2), 100)

	line := `MESH: {"type":"beacon","from":"EQW","skills":["scraping"],"stake":"2"}`
	ev := transport.Event{ChatID: "-100200", MessageID: "7", Text: line}

	first, err := x.engine.Ingest(ctx, ev)
	if err != nil {
		t.Fatalf("Ingest() returned error: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first ingest marked duplicate")
	}

	second, err := x.engine.Ingest(ctx, ev)
	if err != nil {
		t.Fatalf("Ingest() returned error: %v", err)
	}
	if !second.Duplicate || second.Type != "beacon" {
		t.Errorf("second ingest = %+v, want duplicate beacon", second)
	}

	peers, _ := x.engine.Peers(ctx)
	if len(peers) != 1 {
		t.Errorf("peers = %d, want 1", len(peers))
	}
}

func TestIngestProtocolReject(t *testing.T) {
	clock := &fakeClock{ts: 1_700_000_000}
	x := newTestAgent(t, "EQX", clock, nil)

	for _, text := range []string{
		"hello everyone",
		`MESH: {"type":"gossip"}`,
		`MESH: not json`,
	} {
		res, err := x.engine.Ingest(context.Background(), transport.Event{
			ChatID: "-100200", MessageID: "1", Text: text,
		})
		if err != nil {
			t.Fatalf("Ingest(%q) returned error: %v", text, err)
		}
		if !res.Dropped || res.Reason != "protocol_reject" {
			t.Errorf("Ingest(%q) = %+v, want protocol reject", text, res)
		}
	}
}

// Events without a message id dedup on the payload hash.
func TestIngestHashDedup(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	x := newTestAgent(t, "EQX", clock, nil)
	x.chain.set("EQW", 80, decimal.NewFromInt(2), 100)

	line := `MESH: {"type":"beacon","from":"EQW","skills":[]}`
	ev := transport.Event{ChatID: "-100200", Text: line}

	first, _ := x.engine.Ingest(ctx, ev)
	if first.Duplicate {
		t.Fatal("first ingest marked duplicate")
	}
	second, _ := x.engine.Ingest(ctx, ev)
	if !second.Duplicate {
		t.Error("hash-keyed duplicate not detected")
	}
}

// S6: beacons from unstaked peers are ignored.
func TestBeaconUnstaked(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	x := newTestAgent(t, "EQX", clock, nil)

	res, err := x.engine.Ingest(ctx, transport.Event{
		ChatID: "-100200", MessageID: "9",
		Text: `MESH: {"type":"beacon","from":"EQW","skills":["analytics"]}`,
	})
	if err != nil {
		t.Fatalf("Ingest() returned error: %v", err)
	}
	if !res.Dropped || res.Reason != "unstaked_or_unknown_peer" {
		t.Errorf("result = %+v, want unstaked drop", res)
	}
	peers, _ := x.engine.Peers(ctx)
	for _, p := range peers {
		if p.Address == "EQW" {
			t.Error("unstaked peer was persisted")
		}
	}
}

// S3: concurrent selection accepts exactly once and broadcasts exactly one
// accept message.
func TestConcurrentAccept(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	x := newTestAgent(t, "EQX", clock, nil, withWaitForDeadline(false))
	x.chain.set("EQY", 100, decimal.NewFromInt(5), 3600)
	x.chain.set("EQZ", 70, decimal.NewFromInt(1), 60)

	in := store.Intent{
		ID: "i2", FromAddress: "EQX", Skill: "analytics",
		Budget: dec(t, "1.0"), Deadline: clock.Now() + 60,
		Status: store.IntentPending, CreatedAt: clock.Now(), UpdatedAt: clock.Now(),
	}
	if err := x.store.SaveIntent(ctx, in); err != nil {
		t.Fatalf("SaveIntent() returned error: %v", err)
	}
	for i, from := range []string{"EQY", "EQZ"} {
		err := x.store.RecordOffer(ctx, store.Offer{
			ID:       store.OfferID("i2", from, clock.Now()+int64(i)),
			IntentID: "i2", FromAddress: from, Fee: dec(t, "0.5"), Eta: "5s",
			CreatedAt: clock.Now() + int64(i),
		})
		if err != nil {
			t.Fatalf("RecordOffer() returned error: %v", err)
		}
	}

	const racers = 8
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := x.engine.selectAndAccept(ctx, in); err != nil {
				t.Errorf("selectAndAccept() returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	accepts := x.sender.byKind(protocol.KindAccept)
	if len(accepts) != 1 {
		t.Errorf("accept broadcasts = %d, want exactly 1", len(accepts))
	}
	got, _ := x.store.GetIntent(ctx, "i2")
	if got.Status != store.IntentAccepted {
		t.Errorf("status = %q, want accepted", got.Status)
	}
}

// S4: a deadline with no offers expires without an accept.
func TestDeadlineExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	x := newTestAgent(t, "EQX", clock, nil)

	res, err := x.engine.Broadcast(ctx, BroadcastParams{
		Skill: "analytics", Budget: dec(t, "1.0"),
		Deadline: clock.Now() + 5, MinReputation: 0,
	})
	if err != nil {
		t.Fatalf("Broadcast() returned error: %v", err)
	}

	clock.Advance(6)
	x.engine.Tick(ctx)

	in, err := x.store.GetIntent(ctx, res.IntentID)
	if err != nil {
		t.Fatalf("GetIntent() returned error: %v", err)
	}
	if in.Status != store.IntentExpired {
		t.Errorf("status = %q, want expired", in.Status)
	}
	if accepts := x.sender.byKind(protocol.KindAccept); len(accepts) != 0 {
		t.Errorf("accept broadcasts = %d, want 0", len(accepts))
	}
}

// Ticking twice is idempotent against the shared atomic accept.
func TestTickIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	x := newTestAgent(t, "EQX", clock, nil)
	x.chain.set("EQY", 100, decimal.NewFromInt(5), 3600)

	res, err := x.engine.Broadcast(ctx, BroadcastParams{
		Skill: "analytics", Budget: dec(t, "1.0"),
		Deadline: clock.Now() + 5, MinReputation: 0,
	})
	if err != nil {
		t.Fatalf("Broadcast() returned error: %v", err)
	}
	err = x.store.RecordOffer(ctx, store.Offer{
		ID: store.OfferID(res.IntentID, "EQY", clock.Now()), IntentID: res.IntentID,
		FromAddress: "EQY", Fee: dec(t, "0.5"), Eta: "5s", CreatedAt: clock.Now(),
	})
	if err != nil {
		t.Fatalf("RecordOffer() returned error: %v", err)
	}

	clock.Advance(10)
	x.engine.Tick(ctx)
	x.engine.Tick(ctx)

	if accepts := x.sender.byKind(protocol.KindAccept); len(accepts) != 1 {
		t.Errorf("accept broadcasts after two ticks = %d, want 1", len(accepts))
	}
}

// S5: a payment from the wrong sender aborts the settle with no side
// effects.
func TestSettleSenderMismatch(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}

	wrongSender := staticLookup{txs: []reputation.Tx{
		payment("0xabc", "EQQ", "EQY", "0.75", clock.Now()),
	}}
	y := newTestAgent(t, "EQY", clock, wrongSender, withSkillsOpt("analytics"))
	y.chain.set("EQY", 100, decimal.NewFromInt(5), 3600)

	if err := y.store.SaveIntent(ctx, store.Intent{
		ID: "i5", FromAddress: "EQX", Skill: "analytics",
		Budget: dec(t, "1.0"), Deadline: clock.Now() + 60,
		Status: store.IntentAccepted, AcceptedOfferID: "i5:EQY:1",
		SelectedExecutor: "EQY", CreatedAt: clock.Now(), UpdatedAt: clock.Now(),
	}); err != nil {
		t.Fatalf("SaveIntent() returned error: %v", err)
	}
	if err := y.store.SettleDeal(ctx, store.Deal{
		IntentID: "i5", ExecutorAddress: "EQY", Fee: dec(t, "0.75"),
		UpdatedAt: clock.Now(),
	}); err != nil {
		t.Fatalf("SettleDeal() returned error: %v", err)
	}

	_, err := y.engine.Settle(ctx, SettleParams{
		IntentID: "i5", TxHash: "0xabc", Outcome: store.OutcomeSuccess, Rating: 9,
	})
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("Settle() error = %v, want VerificationError", err)
	}
	if verr.Reason != reputation.ReasonSenderMismatch {
		t.Errorf("Reason = %q, want sender_mismatch", verr.Reason)
	}

	if rep, _ := y.chain.GetReputation(ctx, "EQY"); rep != 100 {
		t.Errorf("reputation after failed settle = %d, want unchanged 100", rep)
	}
	if settles := y.sender.byKind(protocol.KindSettle); len(settles) != 0 {
		t.Errorf("settle broadcasts = %d, want 0", len(settles))
	}
	in, _ := y.store.GetIntent(ctx, "i5")
	if in.Status != store.IntentAccepted {
		t.Errorf("status = %q, want still accepted", in.Status)
	}
}

// A dispute against the local agent notifies the operator chat.
func TestDisputeNotifiesOperator(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	x := newTestAgent(t, "EQX", clock, nil)
	x.engine.cfg.OperatorChatID = "-42"

	res, err := x.engine.Ingest(ctx, transport.Event{
		ChatID: "-100200", MessageID: "3",
		Text: `MESH: {"type":"dispute","intentId":"i1","from":"EQZ","against":"EQX","reason":"stale data"}`,
	})
	if err != nil {
		t.Fatalf("Ingest() returned error: %v", err)
	}
	if res.Dropped {
		t.Fatalf("dispute dropped: %+v", res)
	}

	x.sender.mu.Lock()
	defer x.sender.mu.Unlock()
	found := false
	for _, line := range x.sender.lines {
		if strings.Contains(line, "dispute raised against you") {
			found = true
		}
	}
	if !found {
		t.Error("operator was not notified of the dispute")
	}
}

// Replayed settle events do not double-apply the reputation outcome.
func TestSettleIngestReplay(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	bus := &testBus{}
	x := newTestAgent(t, "EQX", clock, nil)
	x.chain.set("EQY", 100, decimal.NewFromInt(5), 3600)

	if err := x.store.SaveIntent(ctx, store.Intent{
		ID: "i7", FromAddress: "EQX", Skill: "analytics",
		Budget: dec(t, "1.0"), Deadline: clock.Now() + 60,
		Status: store.IntentAccepted, SelectedExecutor: "EQY",
		CreatedAt: clock.Now(), UpdatedAt: clock.Now(),
	}); err != nil {
		t.Fatalf("SaveIntent() returned error: %v", err)
	}

	line := `MESH: {"type":"settle","intentId":"i7","from":"EQY","txHash":"0xabc","outcome":"success","rating":9}`
	bus.deliver(t, line, x)
	if rep, _ := x.chain.GetReputation(ctx, "EQY"); rep != 115 {
		t.Fatalf("reputation after settle = %d, want 115", rep)
	}

	// The same settle re-broadcast under a new message id replays the tx.
	bus.deliver(t, line, x)
	if rep, _ := x.chain.GetReputation(ctx, "EQY"); rep != 115 {
		t.Errorf("reputation after replay = %d, want still 115", rep)
	}
}

// Auto-offer never bids above budget (invariant 7).
func TestAutoOfferRespectsBudget(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	y := newTestAgent(t, "EQY", clock, nil, withSkillsOpt("analytics"), withMinFee("2.0"))
	y.chain.set("EQY", 100, decimal.NewFromInt(5), 3600)

	if _, err := y.engine.Register(ctx, RegisterParams{
		Skills: []string{"analytics"}, MinFee: dec(t, "2.0"), Stake: decimal.NewFromInt(5),
	}); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	// Budget 1.0 < minFee 2.0: no offer must be produced.
	_, err := y.engine.Ingest(ctx, transport.Event{
		ChatID: "-100200", MessageID: "5",
		Text: `MESH: {"type":"intent","id":"i9","from":"EQX","skill":"analytics","budget":"1.0","deadline":` + "1700000060" + `,"minReputation":0}`,
	})
	if err != nil {
		t.Fatalf("Ingest() returned error: %v", err)
	}
	if offers := y.sender.byKind(protocol.KindOffer); len(offers) != 0 {
		t.Errorf("auto-offers = %d, want 0 when minFee exceeds budget", len(offers))
	}
}

// Auto-offer skips intents that demand more reputation than the agent has.
func TestAutoOfferRespectsMinReputation(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ts: 1_700_000_000}
	y := newTestAgent(t, "EQY", clock, nil, withSkillsOpt("analytics"))
	y.chain.set("EQY", 40, decimal.NewFromInt(5), 3600)

	if _, err := y.engine.Register(ctx, RegisterParams{
		Skills: []string{"analytics"}, Stake: decimal.NewFromInt(5),
	}); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	_, err := y.engine.Ingest(ctx, transport.Event{
		ChatID: "-100200", MessageID: "6",
		Text: `MESH: {"type":"intent","id":"i10","from":"EQX","skill":"analytics","budget":"1.0","deadline":1700000060,"minReputation":50}`,
	})
	if err != nil {
		t.Fatalf("Ingest() returned error: %v", err)
	}
	if offers := y.sender.byKind(protocol.KindOffer); len(offers) != 0 {
		t.Errorf("auto-offers = %d, want 0 below minReputation", len(offers))
	}
}
