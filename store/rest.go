package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// REST is a Store backed by a PostgREST-style persistence service (Supabase
// in practice). The server enforces the same schema as the SQL backend;
// conditional writes are expressed as compound-filter PATCH requests so the
// accept race resolves server-side.
type REST struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// RESTOption configures the REST store.
type RESTOption func(*REST)

// WithRESTHTTPClient sets a custom HTTP client.
func WithRESTHTTPClient(client *http.Client) RESTOption {
	return func(r *REST) {
		r.httpClient = client
	}
}

// DefaultRESTTimeout bounds a single persistence call.
const DefaultRESTTimeout = 15 * time.Second

// NewREST creates a REST store for the given service URL and key. The URL
// is the service root; "/rest/v1" is appended per Supabase convention.
func NewREST(serviceURL, serviceKey string, opts ...RESTOption) *REST {
	r := &REST{
		baseURL:    serviceURL + "/rest/v1",
		apiKey:     serviceKey,
		httpClient: &http.Client{Timeout: DefaultRESTTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Migrate is a no-op: the REST service owns its schema.
func (r *REST) Migrate(ctx context.Context) error { return nil }

func (r *REST) Close() error { return nil }

// peerRow mirrors the peers table.
type peerRow struct {
	Address      string   `json:"address"`
	Skills       []string `json:"skills"`
	MinFee       string   `json:"min_fee"`
	ResponseTime string   `json:"response_time"`
	Reputation   int64    `json:"reputation"`
	Stake        string   `json:"stake"`
	StakeAge     int64    `json:"stake_age"`
	ReplyChat    string   `json:"reply_chat"`
	LastSeen     int64    `json:"last_seen"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
}

type intentRow struct {
	ID               string          `json:"id"`
	FromAddress      string          `json:"from_address"`
	Skill            string          `json:"skill"`
	Payload          json.RawMessage `json:"payload"`
	Budget           string          `json:"budget"`
	Deadline         int64           `json:"deadline"`
	MinReputation    int64           `json:"min_reputation"`
	Status           string          `json:"status"`
	AcceptedOfferID  string          `json:"accepted_offer_id"`
	SelectedExecutor string          `json:"selected_executor"`
	CreatedAt        int64           `json:"created_at"`
	UpdatedAt        int64           `json:"updated_at"`
}

type offerRow struct {
	ID            string `json:"id"`
	IntentID      string `json:"intent_id"`
	FromAddress   string `json:"from_address"`
	Fee           string `json:"fee"`
	Eta           string `json:"eta"`
	Reputation    *int64 `json:"reputation"`
	StakeAge      int64  `json:"stake_age"`
	EscrowAddress string `json:"escrow_address"`
	CreatedAt     int64  `json:"created_at"`
}

type dealRow struct {
	IntentID        string `json:"intent_id"`
	ExecutorAddress string `json:"executor_address"`
	Fee             string `json:"fee"`
	TxHash          string `json:"tx_hash"`
	Outcome         string `json:"outcome"`
	Rating          int64  `json:"rating"`
	SettledAt       int64  `json:"settled_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

type processedRow struct {
	Key             string `json:"key"`
	MessageType     string `json:"message_type"`
	SourceChatID    string `json:"source_chat_id"`
	SourceMessageID string `json:"source_message_id"`
	PayloadHash     string `json:"payload_hash"`
	FirstSeenAt     int64  `json:"first_seen_at"`
}

func (r *REST) do(ctx context.Context, method, table string, query url.Values, prefer string, body any, out any) error {
	endpoint := r.baseURL + "/" + table
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rest marshal: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("rest request: %w", err)
	}
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rest %s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("rest %s %s: status %d: %s", method, table, resp.StatusCode, snippet)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("rest decode %s: %w", table, err)
		}
	}
	return nil
}

func (r *REST) UpsertPeer(ctx context.Context, p Peer) error {
	skills := p.Skills
	if skills == nil {
		skills = []string{}
	}
	row := peerRow{
		Address: p.Address, Skills: skills, MinFee: p.MinFee.String(),
		ResponseTime: p.ResponseTime, Reputation: p.Reputation,
		Stake: p.Stake.String(), StakeAge: p.StakeAge, ReplyChat: p.ReplyChat,
		LastSeen: p.LastSeen, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
	return r.do(ctx, http.MethodPost, "peers", nil,
		"resolution=merge-duplicates", []peerRow{row}, nil)
}

func (r *REST) GetPeer(ctx context.Context, address string) (Peer, error) {
	q := url.Values{"address": {"eq." + address}, "limit": {"1"}}
	var rows []peerRow
	if err := r.do(ctx, http.MethodGet, "peers", q, "", nil, &rows); err != nil {
		return Peer{}, err
	}
	if len(rows) == 0 {
		return Peer{}, ErrNotFound
	}
	return rows[0].toPeer()
}

func (r *REST) ListPeers(ctx context.Context) ([]Peer, error) {
	q := url.Values{"order": {"last_seen.desc,address.asc"}}
	var rows []peerRow
	if err := r.do(ctx, http.MethodGet, "peers", q, "", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]Peer, 0, len(rows))
	for _, row := range rows {
		p, err := row.toPeer()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *REST) SaveIntent(ctx context.Context, in Intent) error {
	return r.do(ctx, http.MethodPost, "intents", nil,
		"resolution=ignore-duplicates", []intentRow{intentToRow(in)}, nil)
}

func (r *REST) GetIntent(ctx context.Context, id string) (Intent, error) {
	q := url.Values{"id": {"eq." + id}, "limit": {"1"}}
	var rows []intentRow
	if err := r.do(ctx, http.MethodGet, "intents", q, "", nil, &rows); err != nil {
		return Intent{}, err
	}
	if len(rows) == 0 {
		return Intent{}, ErrNotFound
	}
	return rows[0].toIntent()
}

func (r *REST) ListIntents(ctx context.Context, f IntentFilter) ([]Intent, error) {
	q := url.Values{"order": {"created_at.asc,id.asc"}}
	if f.Status != "" {
		q.Set("status", "eq."+f.Status)
	}
	var rows []intentRow
	if err := r.do(ctx, http.MethodGet, "intents", q, "", nil, &rows); err != nil {
		return nil, err
	}
	return intentsFromRows(rows)
}

func (r *REST) UpdateIntentStatus(ctx context.Context, id, status string, now int64) error {
	q := url.Values{"id": {"eq." + id}}
	patch := map[string]any{"status": status, "updated_at": now}
	var rows []intentRow
	if err := r.do(ctx, http.MethodPatch, "intents", q,
		"return=representation", patch, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// AcceptIntentOffer relies on the server applying the compound filter and
// the update atomically: the PATCH matches only while status is pending, so
// of any number of racing calls exactly one gets a non-empty representation.
func (r *REST) AcceptIntentOffer(ctx context.Context, intentID, offerID, executor string, now int64) (AcceptResult, error) {
	q := url.Values{
		"id":     {"eq." + intentID},
		"status": {"eq." + IntentPending},
	}
	patch := map[string]any{
		"status":            IntentAccepted,
		"accepted_offer_id": offerID,
		"selected_executor": executor,
		"updated_at":        now,
	}
	var rows []intentRow
	if err := r.do(ctx, http.MethodPatch, "intents", q,
		"return=representation", patch, &rows); err != nil {
		return AcceptResult{}, err
	}
	if len(rows) > 0 {
		return AcceptResult{OK: true}, nil
	}
	if _, err := r.GetIntent(ctx, intentID); err == ErrNotFound {
		return AcceptResult{OK: false, Reason: ReasonIntentNotFound}, nil
	} else if err != nil {
		return AcceptResult{}, err
	}
	return AcceptResult{OK: false, Reason: ReasonIntentNotPending}, nil
}

func (r *REST) ExpireIntents(ctx context.Context, now int64) ([]Intent, error) {
	q := url.Values{
		"status":   {"eq." + IntentPending},
		"deadline": {"lt." + strconv.FormatInt(now, 10)},
	}
	patch := map[string]any{"status": IntentExpired, "updated_at": now}
	var rows []intentRow
	if err := r.do(ctx, http.MethodPatch, "intents", q,
		"return=representation", patch, &rows); err != nil {
		return nil, err
	}
	return intentsFromRows(rows)
}

func (r *REST) RecordOffer(ctx context.Context, o Offer) error {
	row := offerRow{
		ID: o.ID, IntentID: o.IntentID, FromAddress: o.FromAddress,
		Fee: o.Fee.String(), Eta: o.Eta, Reputation: o.Reputation,
		StakeAge: o.StakeAge, EscrowAddress: o.EscrowAddress, CreatedAt: o.CreatedAt,
	}
	return r.do(ctx, http.MethodPost, "offers", nil,
		"resolution=merge-duplicates", []offerRow{row}, nil)
}

func (r *REST) ListOffersForIntent(ctx context.Context, intentID string) ([]Offer, error) {
	q := url.Values{
		"intent_id": {"eq." + intentID},
		"order":     {"created_at.asc,id.asc"},
	}
	var rows []offerRow
	if err := r.do(ctx, http.MethodGet, "offers", q, "", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]Offer, 0, len(rows))
	for _, row := range rows {
		fee, err := decimal.NewFromString(row.Fee)
		if err != nil {
			return nil, fmt.Errorf("offer fee: %w", err)
		}
		out = append(out, Offer{
			ID: row.ID, IntentID: row.IntentID, FromAddress: row.FromAddress,
			Fee: fee, Eta: row.Eta, Reputation: row.Reputation,
			StakeAge: row.StakeAge, EscrowAddress: row.EscrowAddress,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

func (r *REST) SettleDeal(ctx context.Context, d Deal) error {
	row := dealRow{
		IntentID: d.IntentID, ExecutorAddress: d.ExecutorAddress,
		Fee: d.Fee.String(), TxHash: d.TxHash, Outcome: d.Outcome,
		Rating: d.Rating, SettledAt: d.SettledAt, UpdatedAt: d.UpdatedAt,
	}
	return r.do(ctx, http.MethodPost, "deals", nil,
		"resolution=merge-duplicates", []dealRow{row}, nil)
}

func (r *REST) GetDeal(ctx context.Context, intentID string) (Deal, error) {
	q := url.Values{"intent_id": {"eq." + intentID}, "limit": {"1"}}
	var rows []dealRow
	if err := r.do(ctx, http.MethodGet, "deals", q, "", nil, &rows); err != nil {
		return Deal{}, err
	}
	if len(rows) == 0 {
		return Deal{}, ErrNotFound
	}
	return rows[0].toDeal()
}

func (r *REST) ListDeals(ctx context.Context) ([]Deal, error) {
	q := url.Values{"order": {"settled_at.desc,intent_id.asc"}}
	var rows []dealRow
	if err := r.do(ctx, http.MethodGet, "deals", q, "", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]Deal, 0, len(rows))
	for _, row := range rows {
		d, err := row.toDeal()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *REST) MarkProcessedMessage(ctx context.Context, pm ProcessedMessage) (bool, error) {
	row := processedRow{
		Key: pm.Key, MessageType: pm.MessageType, SourceChatID: pm.SourceChatID,
		SourceMessageID: pm.SourceMessageID, PayloadHash: pm.PayloadHash,
		FirstSeenAt: pm.FirstSeenAt,
	}
	var rows []processedRow
	err := r.do(ctx, http.MethodPost, "processed_messages", nil,
		"resolution=ignore-duplicates,return=representation", []processedRow{row}, &rows)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (row peerRow) toPeer() (Peer, error) {
	minFee, err := decimal.NewFromString(row.MinFee)
	if err != nil {
		return Peer{}, fmt.Errorf("peer min_fee: %w", err)
	}
	stake, err := decimal.NewFromString(row.Stake)
	if err != nil {
		return Peer{}, fmt.Errorf("peer stake: %w", err)
	}
	return Peer{
		Address: row.Address, Skills: row.Skills, MinFee: minFee,
		ResponseTime: row.ResponseTime, Reputation: row.Reputation,
		Stake: stake, StakeAge: row.StakeAge, ReplyChat: row.ReplyChat,
		LastSeen: row.LastSeen, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}, nil
}

func intentToRow(in Intent) intentRow {
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return intentRow{
		ID: in.ID, FromAddress: in.FromAddress, Skill: in.Skill,
		Payload: payload, Budget: in.Budget.String(), Deadline: in.Deadline,
		MinReputation: in.MinReputation, Status: in.Status,
		AcceptedOfferID: in.AcceptedOfferID, SelectedExecutor: in.SelectedExecutor,
		CreatedAt: in.CreatedAt, UpdatedAt: in.UpdatedAt,
	}
}

func (row intentRow) toIntent() (Intent, error) {
	budget, err := decimal.NewFromString(row.Budget)
	if err != nil {
		return Intent{}, fmt.Errorf("intent budget: %w", err)
	}
	return Intent{
		ID: row.ID, FromAddress: row.FromAddress, Skill: row.Skill,
		Payload: row.Payload, Budget: budget, Deadline: row.Deadline,
		MinReputation: row.MinReputation, Status: row.Status,
		AcceptedOfferID: row.AcceptedOfferID, SelectedExecutor: row.SelectedExecutor,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}, nil
}

func intentsFromRows(rows []intentRow) ([]Intent, error) {
	out := make([]Intent, 0, len(rows))
	for _, row := range rows {
		in, err := row.toIntent()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

func (row dealRow) toDeal() (Deal, error) {
	fee, err := decimal.NewFromString(row.Fee)
	if err != nil {
		return Deal{}, fmt.Errorf("deal fee: %w", err)
	}
	return Deal{
		IntentID: row.IntentID, ExecutorAddress: row.ExecutorAddress,
		Fee: fee, TxHash: row.TxHash, Outcome: row.Outcome, Rating: row.Rating,
		SettledAt: row.SettledAt, UpdatedAt: row.UpdatedAt,
	}, nil
}
