// Package store owns every piece of durable state in the engine: peers,
// intents, offers, deals, and the processed-message dedup table. All other
// packages read and write through the Store interface; the three backends
// (memory, SQL, REST) present identical externally-visible semantics. The
// memory and SQL backends share one conformance suite; REST has its own tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/shopspring/decimal"
)

// Intent status values. Transitions form a DAG: pending may move to
// accepted or expired, accepted may move to settled, nothing else.
const (
	IntentPending  = "pending"
	IntentAccepted = "accepted"
	IntentExpired  = "expired"
	IntentSettled  = "settled"
)

// Deal outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = errors.New("not found")
)

// AcceptReason explains why AcceptIntentOffer did not accept.
type AcceptReason string

const (
	ReasonIntentNotPending AcceptReason = "intent_not_pending"
	ReasonIntentNotFound   AcceptReason = "intent_not_found"
)

// Peer is a remote (or the local) agent known through beacons.
type Peer struct {
	Address      string
	Skills       []string
	MinFee       decimal.Decimal
	ResponseTime string
	Reputation   int64
	Stake        decimal.Decimal
	StakeAge     int64
	ReplyChat    string
	LastSeen     int64
	CreatedAt    int64
	UpdatedAt    int64
}

// Intent is a persisted work request.
type Intent struct {
	ID               string
	FromAddress      string
	Skill            string
	Payload          json.RawMessage
	Budget           decimal.Decimal
	Deadline         int64
	MinReputation    int64
	Status           string
	AcceptedOfferID  string
	SelectedExecutor string
	CreatedAt        int64
	UpdatedAt        int64
}

// Offer is a persisted bid. ID is derived as intentId:fromAddress:createdAt
// so a bidder re-offering at a later second produces a distinct row.
type Offer struct {
	ID            string
	IntentID      string
	FromAddress   string
	Fee           decimal.Decimal
	Eta           string
	Reputation    *int64
	StakeAge      int64
	EscrowAddress string
	CreatedAt     int64
}

// OfferID derives the canonical offer primary key.
func OfferID(intentID, from string, createdAt int64) string {
	return intentID + ":" + from + ":" + strconv.FormatInt(createdAt, 10)
}

// Deal ties an intent to its executor and settlement.
type Deal struct {
	IntentID        string
	ExecutorAddress string
	Fee             decimal.Decimal
	TxHash          string
	Outcome         string
	Rating          int64
	SettledAt       int64
	UpdatedAt       int64
}

// ProcessedMessage is a dedup record for at-least-once ingest.
type ProcessedMessage struct {
	Key             string
	MessageType     string
	SourceChatID    string
	SourceMessageID string
	PayloadHash     string
	FirstSeenAt     int64
}

// AcceptResult reports the outcome of the atomic accept.
type AcceptResult struct {
	OK     bool
	Reason AcceptReason
}

// IntentFilter narrows ListIntents. Zero value lists everything.
type IntentFilter struct {
	Status string
}

// Store is the single authority for persistent state.
//
// Every method is safe for concurrent use. AcceptIntentOffer is the one
// atomic multi-field write: for any number of concurrent calls on the same
// pending intent, exactly one observes OK.
type Store interface {
	// Migrate creates or upgrades the backing schema. No-op where the
	// backend has no schema to manage.
	Migrate(ctx context.Context) error
	Close() error

	UpsertPeer(ctx context.Context, p Peer) error
	GetPeer(ctx context.Context, address string) (Peer, error)
	// ListPeers returns peers ordered by lastSeen descending.
	ListPeers(ctx context.Context) ([]Peer, error)

	SaveIntent(ctx context.Context, in Intent) error
	GetIntent(ctx context.Context, id string) (Intent, error)
	ListIntents(ctx context.Context, f IntentFilter) ([]Intent, error)
	// UpdateIntentStatus unconditionally sets the status (and updatedAt).
	// Guarded transitions go through AcceptIntentOffer or ExpireIntents.
	UpdateIntentStatus(ctx context.Context, id, status string, now int64) error
	// AcceptIntentOffer atomically transitions a pending intent to
	// accepted, recording the winning offer and executor.
	AcceptIntentOffer(ctx context.Context, intentID, offerID, executor string, now int64) (AcceptResult, error)
	// ExpireIntents transitions every pending intent whose deadline is
	// strictly before now to expired, returning the transitioned rows.
	ExpireIntents(ctx context.Context, now int64) ([]Intent, error)

	RecordOffer(ctx context.Context, o Offer) error
	// ListOffersForIntent returns offers ordered by createdAt ascending.
	ListOffersForIntent(ctx context.Context, intentID string) ([]Offer, error)

	// SettleDeal upserts the deal row for an intent.
	SettleDeal(ctx context.Context, d Deal) error
	GetDeal(ctx context.Context, intentID string) (Deal, error)
	// ListDeals returns deals ordered by settledAt descending.
	ListDeals(ctx context.Context) ([]Deal, error)

	// MarkProcessedMessage inserts the dedup record, ignoring conflicts.
	// It reports whether a row was actually inserted; false means the
	// message was already processed and must be dropped.
	MarkProcessedMessage(ctx context.Context, m ProcessedMessage) (bool, error)
}
