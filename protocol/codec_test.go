package protocol

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseBeacon(t *testing.T) {
	m := Parse(`MESH: {"v":"1.0","type":"beacon","from":"EQX","skills":["analytics","scraping"],"minFee":"0.25","responseTime":"~5m","stake":2,"replyChat":-100123}`)
	if m == nil {
		t.Fatal("Parse() returned nil for valid beacon")
	}
	if m.Kind != KindBeacon {
		t.Fatalf("Kind = %q, want %q", m.Kind, KindBeacon)
	}
	b := m.Beacon
	if b.From != "EQX" {
		t.Errorf("From = %q, want %q", b.From, "EQX")
	}
	if len(b.Skills) != 2 || b.Skills[0] != "analytics" {
		t.Errorf("Skills = %v, want [analytics scraping]", b.Skills)
	}
	if b.MinFee == nil || !b.MinFee.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("MinFee = %v, want 0.25", b.MinFee)
	}
	if b.Stake == nil || !b.Stake.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Stake = %v, want 2", b.Stake)
	}
	if b.ReplyChat != "-100123" {
		t.Errorf("ReplyChat = %q, want %q", b.ReplyChat, "-100123")
	}
}

func TestParseIntentDefaultsPayload(t *testing.T) {
	m := Parse(`MESH:{"type":"intent","id":"i1","from":"EQX","skill":"analytics","budget":"1.0","deadline":1700000000,"minReputation":50}`)
	if m == nil {
		t.Fatal("Parse() returned nil for valid intent")
	}
	if m.V != Version {
		t.Errorf("V = %q, want default %q", m.V, Version)
	}
	if got := string(m.Intent.Payload); got != "{}" {
		t.Errorf("Payload = %s, want {}", got)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"no prefix", `{"type":"beacon","from":"EQX","skills":[]}`},
		{"lowercase prefix", `mesh: {"type":"beacon","from":"EQX","skills":[]}`},
		{"two spaces after colon", `MESH:  {"type":"beacon","from":"EQX","skills":[]}`},
		{"not json", `MESH: beacon from EQX`},
		{"json array body", `MESH: ["beacon"]`},
		{"unknown type", `MESH: {"type":"gossip","from":"EQX"}`},
		{"missing type", `MESH: {"from":"EQX","skills":[]}`},
		{"beacon missing from", `MESH: {"type":"beacon","skills":[]}`},
		{"beacon skills not strings", `MESH: {"type":"beacon","from":"EQX","skills":[1,2]}`},
		{"beacon bad minFee", `MESH: {"type":"beacon","from":"EQX","skills":[],"minFee":"cheap"}`},
		{"intent missing budget", `MESH: {"type":"intent","id":"i1","from":"EQX","skill":"s","deadline":5,"minReputation":0}`},
		{"intent zero deadline", `MESH: {"type":"intent","id":"i1","from":"EQX","skill":"s","budget":"1","deadline":0,"minReputation":0}`},
		{"intent fractional deadline", `MESH: {"type":"intent","id":"i1","from":"EQX","skill":"s","budget":"1","deadline":5.5,"minReputation":0}`},
		{"intent negative minReputation", `MESH: {"type":"intent","id":"i1","from":"EQX","skill":"s","budget":"1","deadline":5,"minReputation":-1}`},
		{"intent scalar payload", `MESH: {"type":"intent","id":"i1","from":"EQX","skill":"s","budget":"1","deadline":5,"minReputation":0,"payload":"hi"}`},
		{"offer missing eta", `MESH: {"type":"offer","intentId":"i1","from":"EQY","fee":"0.5"}`},
		{"offer bad reputation", `MESH: {"type":"offer","intentId":"i1","from":"EQY","fee":"0.5","eta":"5s","reputation":"high"}`},
		{"accept missing to", `MESH: {"type":"accept","intentId":"i1","from":"EQX","fee":"0.5"}`},
		{"settle rating zero", `MESH: {"type":"settle","intentId":"i1","from":"EQY","txHash":"abc","outcome":"success","rating":0}`},
		{"settle rating eleven", `MESH: {"type":"settle","intentId":"i1","from":"EQY","txHash":"abc","outcome":"success","rating":11}`},
		{"settle rating float", `MESH: {"type":"settle","intentId":"i1","from":"EQY","txHash":"abc","outcome":"success","rating":7.5}`},
		{"dispute missing against", `MESH: {"type":"dispute","intentId":"i1","from":"EQX"}`},
		{"non-string v", `MESH: {"v":1,"type":"beacon","from":"EQX","skills":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if m := Parse(tt.text); m != nil {
				t.Errorf("Parse(%q) = %+v, want nil", tt.text, m)
			}
		})
	}
}

func TestParseDropsUnknownFields(t *testing.T) {
	m := Parse(`MESH: {"type":"settle","intentId":"i1","from":"EQY","txHash":"abc","outcome":"success","rating":9,"banana":true}`)
	if m == nil {
		t.Fatal("Parse() returned nil")
	}
	line, err := Serialize(m)
	if err != nil {
		t.Fatalf("Serialize() returned error: %v", err)
	}
	if strings.Contains(line, "banana") {
		t.Errorf("Serialize() kept unknown field: %s", line)
	}
}

func sampleMessages() []*Message {
	minFee := decimal.RequireFromString("0.25")
	stake := decimal.NewFromInt(5)
	rep := int64(70)
	return []*Message{
		{V: "1.0", Kind: KindBeacon, Beacon: &Beacon{
			From: "EQX", Skills: []string{"analytics"}, MinFee: &minFee,
			ResponseTime: "~5m", Stake: &stake, ReplyChat: "-100200",
		}},
		{V: "1.0", Kind: KindBeacon, Beacon: &Beacon{From: "EQY", Skills: []string{}}},
		{V: "1.0", Kind: KindIntent, Intent: &Intent{
			ID: "i1", From: "EQX", Skill: "analytics",
			Budget: decimal.RequireFromString("1.0"), Deadline: 1700000060,
			MinReputation: 50, Payload: []byte(`{"query":"daily volume"}`),
		}},
		{V: "1.0", Kind: KindOffer, Offer: &Offer{
			IntentID: "i1", From: "EQY", Fee: decimal.RequireFromString("0.75"),
			Eta: "5s", Reputation: &rep, EscrowAddress: "EQESCROW",
		}},
		{V: "1.0", Kind: KindAccept, Accept: &Accept{
			IntentID: "i1", From: "EQX", To: "EQY",
			Fee: decimal.RequireFromString("0.75"), SelectedAt: 1700000061,
		}},
		{V: "1.0", Kind: KindSettle, Settle: &Settle{
			IntentID: "i1", From: "EQY", TxHash: "0xabc",
			Outcome: "success", Rating: 9,
		}},
		{V: "1.0", Kind: KindDispute, Dispute: &Dispute{
			IntentID: "i1", From: "EQX", Against: "EQY",
			Reason: "stale data", EvidenceTx: "0xdef",
		}},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		line, err := Serialize(m)
		if err != nil {
			t.Fatalf("Serialize(%s) returned error: %v", m.Kind, err)
		}
		got := Parse(line)
		if got == nil {
			t.Fatalf("Parse(Serialize(%s)) returned nil: %s", m.Kind, line)
		}
		if !got.Equal(m) {
			t.Errorf("round trip changed %s message:\n in: %+v\nout: %+v", m.Kind, m, got)
		}
	}
}

func TestReparseIsStable(t *testing.T) {
	texts := []string{
		`MESH: {"type":"offer","intentId":"i1","from":"EQY","fee":0.5,"eta":"2m","noise":"x"}`,
		`MESH:{"type":"accept","intentId":"i1","from":"EQX","to":"EQY","fee":"0.5"}`,
	}
	for _, text := range texts {
		first := Parse(text)
		if first == nil {
			t.Fatalf("Parse(%q) returned nil", text)
		}
		line, err := Serialize(first)
		if err != nil {
			t.Fatalf("Serialize() returned error: %v", err)
		}
		second := Parse(line)
		if !second.Equal(first) {
			t.Errorf("parse/serialize/parse not stable for %q", text)
		}
	}
}
