package reputation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Reason is a member of the fixed verification failure enumeration.
type Reason string

const (
	ReasonMissingTxHash            Reason = "missing_tx_hash"
	ReasonMissingExpectedRecipient Reason = "missing_expected_recipient"
	ReasonInvalidVerifyParams      Reason = "invalid_verify_params"
	ReasonTxLookupFailed           Reason = "tx_lookup_failed"
	ReasonTxNotFound               Reason = "tx_not_found_in_recent_recipient_history"
	ReasonTxNoInternalInbound      Reason = "tx_has_no_internal_inbound"
	ReasonRecipientMismatch        Reason = "recipient_mismatch"
	ReasonSenderMismatch           Reason = "sender_mismatch"
	ReasonAmountMismatch           Reason = "amount_mismatch"
	ReasonTxTooOld                 Reason = "tx_too_old"
	ReasonTxFailed                 Reason = "tx_failed"
)

// DefaultLookbackLimit bounds the recipient-history scan.
const DefaultLookbackLimit = 30

// InboundTransfer is the internal inbound message of a transaction.
type InboundTransfer struct {
	Source      string
	Destination string
	Amount      decimal.Decimal
}

// Tx is one transaction in a recipient's recent history.
type Tx struct {
	Hash          string
	Inbound       *InboundTransfer
	Timestamp     int64
	Aborted       bool
	ComputeFailed bool
}

// TxLookup scans a recipient's recent inbound transactions. Implemented by
// the host SDK's chain client; a nil lookup puts the verifier in demo mode
// (forbidden when strict).
type TxLookup interface {
	RecentInbound(ctx context.Context, recipient string, limit int) ([]Tx, error)
}

// VerifyParams describe the payment a settle claims happened.
type VerifyParams struct {
	TxHash            string
	Amount            decimal.Decimal
	ExpectedRecipient string
	ExpectedSender    string
	IntentID          string
	// MaxTxAgeSeconds of zero disables the age check.
	MaxTxAgeSeconds int64
	// LookbackLimit of zero means DefaultLookbackLimit.
	LookbackLimit int
	// ExactAmount requires equality; otherwise an inbound amount greater
	// than or equal to Amount passes.
	ExactAmount bool
}

// VerifyResult is the verdict. Tx is set only on success.
type VerifyResult struct {
	OK     bool
	Reason Reason
	Tx     *Tx
}

// PaymentVerifier is the contract the settle path consumes. The host SDK
// may inject its own implementation; otherwise Verifier below is used.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, p VerifyParams) (VerifyResult, error)
}

// Verifier is the canonical verifier: it scans the recipient's recent
// inbound transactions and checks the claimed hash against them. With a
// nil lookup it degrades to demo mode — any non-empty hash passes — which
// Strict forbids.
type Verifier struct {
	Lookup TxLookup
	Strict bool
	Now    func() int64
}

// NewVerifier creates a Verifier over the given lookup.
func NewVerifier(lookup TxLookup, strict bool) *Verifier {
	return &Verifier{
		Lookup: lookup,
		Strict: strict,
		Now:    func() int64 { return time.Now().Unix() },
	}
}

func (v *Verifier) VerifyPayment(ctx context.Context, p VerifyParams) (VerifyResult, error) {
	if strings.TrimSpace(p.TxHash) == "" {
		return failed(ReasonMissingTxHash), nil
	}
	if strings.TrimSpace(p.ExpectedRecipient) == "" {
		return failed(ReasonMissingExpectedRecipient), nil
	}
	if p.Amount.IsNegative() || p.MaxTxAgeSeconds < 0 || p.LookbackLimit < 0 {
		return failed(ReasonInvalidVerifyParams), nil
	}

	if v.Lookup == nil {
		if v.Strict {
			return failed(ReasonTxLookupFailed), nil
		}
		// Demo mode: trust the claim.
		return VerifyResult{OK: true, Tx: &Tx{Hash: p.TxHash}}, nil
	}

	limit := p.LookbackLimit
	if limit == 0 {
		limit = DefaultLookbackLimit
	}
	txs, err := v.Lookup.RecentInbound(ctx, p.ExpectedRecipient, limit)
	if err != nil {
		return failed(ReasonTxLookupFailed), nil
	}

	want := normalizeHash(p.TxHash)
	var match *Tx
	for i := range txs {
		if bytes.Equal(normalizeHash(txs[i].Hash), want) {
			match = &txs[i]
			break
		}
	}
	if match == nil {
		return failed(ReasonTxNotFound), nil
	}
	if match.Inbound == nil {
		return failed(ReasonTxNoInternalInbound), nil
	}
	if match.Inbound.Destination != p.ExpectedRecipient {
		return failed(ReasonRecipientMismatch), nil
	}
	if p.ExpectedSender != "" && match.Inbound.Source != p.ExpectedSender {
		return failed(ReasonSenderMismatch), nil
	}
	if p.ExactAmount {
		if !match.Inbound.Amount.Equal(p.Amount) {
			return failed(ReasonAmountMismatch), nil
		}
	} else if match.Inbound.Amount.LessThan(p.Amount) {
		return failed(ReasonAmountMismatch), nil
	}
	if p.MaxTxAgeSeconds > 0 && v.Now()-match.Timestamp > p.MaxTxAgeSeconds {
		return failed(ReasonTxTooOld), nil
	}
	if match.Aborted || match.ComputeFailed {
		return failed(ReasonTxFailed), nil
	}
	return VerifyResult{OK: true, Tx: match}, nil
}

func failed(reason Reason) VerifyResult {
	return VerifyResult{OK: false, Reason: reason}
}

// normalizeHash decodes a hex (with or without 0x) or base64 hash,
// case-insensitively, left-padded to 32 bytes. An undecodable hash
// normalizes to its lowercased raw bytes so comparison still works on
// exotic formats.
func normalizeHash(hash string) []byte {
	s := strings.TrimSpace(hash)
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(h)%2 == 1 {
		h = "0" + h
	}
	if raw, err := hex.DecodeString(strings.ToLower(h)); err == nil && len(h) > 0 {
		return leftPad32(raw)
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return leftPad32(raw)
		}
	}
	return []byte(strings.ToLower(s))
}

func leftPad32(raw []byte) []byte {
	if len(raw) >= 32 {
		return raw
	}
	out := make([]byte, 32)
	copy(out[32-len(raw):], raw)
	return out
}
