// Package protocol implements the MESH wire format: a single text line of
// the form "MESH: <json>" carrying one of six message kinds. Parsing is
// strict — a message that fails any required-field, type, or range check is
// rejected as a whole — and serialization reconstructs only the known
// fields, so unknown keys never survive a round trip.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Prefix is the literal, case-sensitive frame marker.
const Prefix = "MESH:"

// Version is the protocol version stamped on outgoing messages.
const Version = "1.0"

// Kind identifies a MESH message kind.
type Kind string

const (
	KindBeacon  Kind = "beacon"
	KindIntent  Kind = "intent"
	KindOffer   Kind = "offer"
	KindAccept  Kind = "accept"
	KindSettle  Kind = "settle"
	KindDispute Kind = "dispute"
)

// Message is a parsed MESH message. Exactly one of the kind-specific
// payload fields is non-nil, matching Kind.
type Message struct {
	V    string
	Kind Kind

	Beacon  *Beacon
	Intent  *Intent
	Offer   *Offer
	Accept  *Accept
	Settle  *Settle
	Dispute *Dispute
}

// Beacon is a periodic self-advertisement.
type Beacon struct {
	From         string
	Skills       []string
	MinFee       *decimal.Decimal
	ResponseTime string
	Stake        *decimal.Decimal
	ReplyChat    string
}

// Intent is a request for work.
type Intent struct {
	ID            string
	From          string
	Skill         string
	Budget        decimal.Decimal
	Deadline      int64
	MinReputation int64
	// Payload is the raw JSON object or array; defaults to {}.
	Payload json.RawMessage
}

// Offer is a bid against an intent.
type Offer struct {
	IntentID      string
	From          string
	Fee           decimal.Decimal
	Eta           string
	Reputation    *int64
	EscrowAddress string
}

// Accept announces the winning offer for an intent. SelectedAt is zero when
// the sender omitted it; consumers substitute their own clock.
type Accept struct {
	IntentID   string
	From       string
	To         string
	Fee        decimal.Decimal
	SelectedAt int64
}

// Settle reports a completed deal and its payment.
type Settle struct {
	IntentID string
	From     string
	TxHash   string
	Outcome  string
	Rating   int64
}

// Dispute challenges a settled or in-flight deal.
type Dispute struct {
	IntentID   string
	From       string
	Against    string
	Reason     string
	EvidenceTx string
}

// Equal reports whether two messages are semantically identical. Payloads
// compare by JSON value, not byte layout.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.V != o.V || m.Kind != o.Kind {
		return false
	}
	switch m.Kind {
	case KindBeacon:
		a, b := m.Beacon, o.Beacon
		if a == nil || b == nil {
			return a == b
		}
		return a.From == b.From &&
			stringSlicesEqual(a.Skills, b.Skills) &&
			decPtrEqual(a.MinFee, b.MinFee) &&
			a.ResponseTime == b.ResponseTime &&
			decPtrEqual(a.Stake, b.Stake) &&
			a.ReplyChat == b.ReplyChat
	case KindIntent:
		a, b := m.Intent, o.Intent
		if a == nil || b == nil {
			return a == b
		}
		return a.ID == b.ID && a.From == b.From && a.Skill == b.Skill &&
			a.Budget.Equal(b.Budget) && a.Deadline == b.Deadline &&
			a.MinReputation == b.MinReputation &&
			jsonEqual(a.Payload, b.Payload)
	case KindOffer:
		a, b := m.Offer, o.Offer
		if a == nil || b == nil {
			return a == b
		}
		return a.IntentID == b.IntentID && a.From == b.From &&
			a.Fee.Equal(b.Fee) && a.Eta == b.Eta &&
			int64PtrEqual(a.Reputation, b.Reputation) &&
			a.EscrowAddress == b.EscrowAddress
	case KindAccept:
		a, b := m.Accept, o.Accept
		if a == nil || b == nil {
			return a == b
		}
		return a.IntentID == b.IntentID && a.From == b.From && a.To == b.To &&
			a.Fee.Equal(b.Fee) && a.SelectedAt == b.SelectedAt
	case KindSettle:
		a, b := m.Settle, o.Settle
		if a == nil || b == nil {
			return a == b
		}
		return *a == *b
	case KindDispute:
		a, b := m.Dispute, o.Dispute
		if a == nil || b == nil {
			return a == b
		}
		return *a == *b
	}
	return false
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func decPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	ca, err := json.Marshal(av)
	if err != nil {
		return false
	}
	cb, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
