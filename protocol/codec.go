package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Parse decodes a single line of transport text. It returns nil unless the
// prefix matches, the body is a JSON object, every required field for the
// declared kind is present and type-correct, and the kind's range checks
// pass. Unknown kinds and malformed bodies are rejected, not reported — the
// protocol tolerates arbitrary noise in the group.
func Parse(text string) *Message {
	body, ok := frameBody(text)
	if !ok {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil
	}

	version := Version
	if v, present := raw["v"]; present {
		s, ok := asString(v)
		if !ok {
			return nil
		}
		version = s
	}
	kindStr, ok := asString(raw["type"])
	if !ok {
		return nil
	}

	m := &Message{V: version, Kind: Kind(kindStr)}
	switch m.Kind {
	case KindBeacon:
		m.Beacon, ok = parseBeacon(raw)
	case KindIntent:
		m.Intent, ok = parseIntent(raw)
	case KindOffer:
		m.Offer, ok = parseOffer(raw)
	case KindAccept:
		m.Accept, ok = parseAccept(raw)
	case KindSettle:
		m.Settle, ok = parseSettle(raw)
	case KindDispute:
		m.Dispute, ok = parseDispute(raw)
	default:
		return nil
	}
	if !ok {
		return nil
	}
	return m
}

// frameBody strips the MESH prefix and at most one following space.
func frameBody(text string) ([]byte, bool) {
	text = strings.TrimRight(text, "\r\n")
	if !strings.HasPrefix(text, Prefix) {
		return nil, false
	}
	body := text[len(Prefix):]
	body = strings.TrimPrefix(body, " ")
	if len(body) == 0 || body[0] != '{' {
		return nil, false
	}
	return []byte(body), true
}

func parseBeacon(raw map[string]any) (*Beacon, bool) {
	b := &Beacon{}
	var ok bool
	if b.From, ok = asString(raw["from"]); !ok {
		return nil, false
	}
	if b.Skills, ok = asStringSlice(raw["skills"]); !ok {
		return nil, false
	}
	if v, present := raw["minFee"]; present {
		d, ok := asDecimal(v)
		if !ok {
			return nil, false
		}
		b.MinFee = &d
	}
	if v, present := raw["responseTime"]; present {
		if b.ResponseTime, ok = asString(v); !ok {
			return nil, false
		}
	}
	if v, present := raw["stake"]; present {
		d, ok := asDecimal(v)
		if !ok {
			return nil, false
		}
		b.Stake = &d
	}
	if v, present := raw["replyChat"]; present {
		if b.ReplyChat, ok = asChatID(v); !ok {
			return nil, false
		}
	}
	return b, true
}

func parseIntent(raw map[string]any) (*Intent, bool) {
	in := &Intent{}
	var ok bool
	if in.ID, ok = asString(raw["id"]); !ok {
		return nil, false
	}
	if in.From, ok = asString(raw["from"]); !ok {
		return nil, false
	}
	if in.Skill, ok = asString(raw["skill"]); !ok {
		return nil, false
	}
	if in.Budget, ok = asDecimal(raw["budget"]); !ok {
		return nil, false
	}
	if in.Deadline, ok = asInt(raw["deadline"]); !ok || in.Deadline <= 0 {
		return nil, false
	}
	if in.MinReputation, ok = asInt(raw["minReputation"]); !ok || in.MinReputation < 0 {
		return nil, false
	}
	in.Payload = json.RawMessage("{}")
	if v, present := raw["payload"]; present {
		switch v.(type) {
		case map[string]any, []any:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, false
			}
			in.Payload = data
		default:
			return nil, false
		}
	}
	return in, true
}

func parseOffer(raw map[string]any) (*Offer, bool) {
	o := &Offer{}
	var ok bool
	if o.IntentID, ok = asString(raw["intentId"]); !ok {
		return nil, false
	}
	if o.From, ok = asString(raw["from"]); !ok {
		return nil, false
	}
	if o.Fee, ok = asDecimal(raw["fee"]); !ok {
		return nil, false
	}
	if o.Eta, ok = asString(raw["eta"]); !ok {
		return nil, false
	}
	if v, present := raw["reputation"]; present {
		n, ok := asInt(v)
		if !ok {
			return nil, false
		}
		o.Reputation = &n
	}
	if v, present := raw["escrowAddress"]; present {
		if o.EscrowAddress, ok = asString(v); !ok {
			return nil, false
		}
	}
	return o, true
}

func parseAccept(raw map[string]any) (*Accept, bool) {
	a := &Accept{}
	var ok bool
	if a.IntentID, ok = asString(raw["intentId"]); !ok {
		return nil, false
	}
	if a.From, ok = asString(raw["from"]); !ok {
		return nil, false
	}
	if a.To, ok = asString(raw["to"]); !ok {
		return nil, false
	}
	if a.Fee, ok = asDecimal(raw["fee"]); !ok {
		return nil, false
	}
	if v, present := raw["selectedAt"]; present {
		if a.SelectedAt, ok = asInt(v); !ok {
			return nil, false
		}
	}
	return a, true
}

func parseSettle(raw map[string]any) (*Settle, bool) {
	s := &Settle{}
	var ok bool
	if s.IntentID, ok = asString(raw["intentId"]); !ok {
		return nil, false
	}
	if s.From, ok = asString(raw["from"]); !ok {
		return nil, false
	}
	if s.TxHash, ok = asString(raw["txHash"]); !ok {
		return nil, false
	}
	if s.Outcome, ok = asString(raw["outcome"]); !ok {
		return nil, false
	}
	if s.Rating, ok = asInt(raw["rating"]); !ok || s.Rating < 1 || s.Rating > 10 {
		return nil, false
	}
	return s, true
}

func parseDispute(raw map[string]any) (*Dispute, bool) {
	d := &Dispute{}
	var ok bool
	if d.IntentID, ok = asString(raw["intentId"]); !ok {
		return nil, false
	}
	if d.From, ok = asString(raw["from"]); !ok {
		return nil, false
	}
	if d.Against, ok = asString(raw["against"]); !ok {
		return nil, false
	}
	if v, present := raw["reason"]; present {
		if d.Reason, ok = asString(v); !ok {
			return nil, false
		}
	}
	if v, present := raw["evidenceTx"]; present {
		if d.EvidenceTx, ok = asString(v); !ok {
			return nil, false
		}
	}
	return d, true
}

// Serialize renders m as a wire line. Optional fields with zero values are
// omitted so that Parse(Serialize(m)) reproduces m exactly.
func Serialize(m *Message) (string, error) {
	if m == nil {
		return "", fmt.Errorf("serialize: nil message")
	}
	version := m.V
	if version == "" {
		version = Version
	}
	body := map[string]any{"v": version, "type": string(m.Kind)}

	switch m.Kind {
	case KindBeacon:
		b := m.Beacon
		if b == nil {
			return "", fmt.Errorf("serialize: beacon payload missing")
		}
		body["from"] = b.From
		skills := b.Skills
		if skills == nil {
			skills = []string{}
		}
		body["skills"] = skills
		if b.MinFee != nil {
			body["minFee"] = b.MinFee.String()
		}
		if b.ResponseTime != "" {
			body["responseTime"] = b.ResponseTime
		}
		if b.Stake != nil {
			body["stake"] = b.Stake.String()
		}
		if b.ReplyChat != "" {
			body["replyChat"] = b.ReplyChat
		}
	case KindIntent:
		in := m.Intent
		if in == nil {
			return "", fmt.Errorf("serialize: intent payload missing")
		}
		body["id"] = in.ID
		body["from"] = in.From
		body["skill"] = in.Skill
		body["budget"] = in.Budget.String()
		body["deadline"] = in.Deadline
		body["minReputation"] = in.MinReputation
		payload := in.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		body["payload"] = payload
	case KindOffer:
		o := m.Offer
		if o == nil {
			return "", fmt.Errorf("serialize: offer payload missing")
		}
		body["intentId"] = o.IntentID
		body["from"] = o.From
		body["fee"] = o.Fee.String()
		body["eta"] = o.Eta
		if o.Reputation != nil {
			body["reputation"] = *o.Reputation
		}
		if o.EscrowAddress != "" {
			body["escrowAddress"] = o.EscrowAddress
		}
	case KindAccept:
		a := m.Accept
		if a == nil {
			return "", fmt.Errorf("serialize: accept payload missing")
		}
		body["intentId"] = a.IntentID
		body["from"] = a.From
		body["to"] = a.To
		body["fee"] = a.Fee.String()
		if a.SelectedAt != 0 {
			body["selectedAt"] = a.SelectedAt
		}
	case KindSettle:
		s := m.Settle
		if s == nil {
			return "", fmt.Errorf("serialize: settle payload missing")
		}
		body["intentId"] = s.IntentID
		body["from"] = s.From
		body["txHash"] = s.TxHash
		body["outcome"] = s.Outcome
		body["rating"] = s.Rating
	case KindDispute:
		d := m.Dispute
		if d == nil {
			return "", fmt.Errorf("serialize: dispute payload missing")
		}
		body["intentId"] = d.IntentID
		body["from"] = d.From
		body["against"] = d.Against
		if d.Reason != "" {
			body["reason"] = d.Reason
		}
		if d.EvidenceTx != "" {
			body["evidenceTx"] = d.EvidenceTx
		}
	default:
		return "", fmt.Errorf("serialize: unknown kind %q", m.Kind)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return Prefix + " " + string(data), nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// asChatID accepts a string or an integer channel id and normalizes to a
// string; transports disagree on how chat ids are written.
func asChatID(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		if _, err := t.Int64(); err != nil {
			return "", false
		}
		return t.String(), true
	}
	return "", false
}

func asInt(v any) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return i, true
}

func asDecimal(v any) (decimal.Decimal, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	default:
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func asStringSlice(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
