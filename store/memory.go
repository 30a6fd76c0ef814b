package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is the in-process Store used for tests and for agents run without
// any configured backend. Each table has its own mutex; AcceptIntentOffer
// performs its check-and-set under the intents mutex, which serializes
// concurrent accepts for the same intent.
type Memory struct {
	peersMu sync.RWMutex
	peers   map[string]Peer

	intentsMu sync.RWMutex
	intents   map[string]Intent

	offersMu sync.RWMutex
	offers   map[string]Offer

	dealsMu sync.RWMutex
	deals   map[string]Deal

	processedMu sync.Mutex
	processed   map[string]ProcessedMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		peers:     make(map[string]Peer),
		intents:   make(map[string]Intent),
		offers:    make(map[string]Offer),
		deals:     make(map[string]Deal),
		processed: make(map[string]ProcessedMessage),
	}
}

func (m *Memory) Migrate(ctx context.Context) error { return nil }
func (m *Memory) Close() error                      { return nil }

func (m *Memory) UpsertPeer(ctx context.Context, p Peer) error {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	if prev, ok := m.peers[p.Address]; ok && prev.CreatedAt != 0 {
		p.CreatedAt = prev.CreatedAt
	}
	p.Skills = append([]string(nil), p.Skills...)
	m.peers[p.Address] = p
	return nil
}

func (m *Memory) GetPeer(ctx context.Context, address string) (Peer, error) {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	p, ok := m.peers[address]
	if !ok {
		return Peer{}, ErrNotFound
	}
	return copyPeer(p), nil
}

func (m *Memory) ListPeers(ctx context.Context) ([]Peer, error) {
	m.peersMu.RLock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, copyPeer(p))
	}
	m.peersMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

// SaveIntent inserts the intent. An intent that already exists is left
// untouched so replayed broadcasts cannot rewind its lifecycle.
func (m *Memory) SaveIntent(ctx context.Context, in Intent) error {
	m.intentsMu.Lock()
	defer m.intentsMu.Unlock()
	if _, ok := m.intents[in.ID]; ok {
		return nil
	}
	m.intents[in.ID] = copyIntent(in)
	return nil
}

func (m *Memory) GetIntent(ctx context.Context, id string) (Intent, error) {
	m.intentsMu.RLock()
	defer m.intentsMu.RUnlock()
	in, ok := m.intents[id]
	if !ok {
		return Intent{}, ErrNotFound
	}
	return copyIntent(in), nil
}

func (m *Memory) ListIntents(ctx context.Context, f IntentFilter) ([]Intent, error) {
	m.intentsMu.RLock()
	out := make([]Intent, 0, len(m.intents))
	for _, in := range m.intents {
		if f.Status != "" && in.Status != f.Status {
			continue
		}
		out = append(out, copyIntent(in))
	}
	m.intentsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateIntentStatus(ctx context.Context, id, status string, now int64) error {
	m.intentsMu.Lock()
	defer m.intentsMu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	in.Status = status
	in.UpdatedAt = now
	m.intents[id] = in
	return nil
}

func (m *Memory) AcceptIntentOffer(ctx context.Context, intentID, offerID, executor string, now int64) (AcceptResult, error) {
	m.intentsMu.Lock()
	defer m.intentsMu.Unlock()
	in, ok := m.intents[intentID]
	if !ok {
		return AcceptResult{OK: false, Reason: ReasonIntentNotFound}, nil
	}
	if in.Status != IntentPending {
		return AcceptResult{OK: false, Reason: ReasonIntentNotPending}, nil
	}
	in.Status = IntentAccepted
	in.AcceptedOfferID = offerID
	in.SelectedExecutor = executor
	in.UpdatedAt = now
	m.intents[intentID] = in
	return AcceptResult{OK: true}, nil
}

func (m *Memory) ExpireIntents(ctx context.Context, now int64) ([]Intent, error) {
	m.intentsMu.Lock()
	defer m.intentsMu.Unlock()
	var expired []Intent
	for id, in := range m.intents {
		if in.Status != IntentPending || in.Deadline >= now {
			continue
		}
		in.Status = IntentExpired
		in.UpdatedAt = now
		m.intents[id] = in
		expired = append(expired, copyIntent(in))
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

func (m *Memory) RecordOffer(ctx context.Context, o Offer) error {
	m.offersMu.Lock()
	defer m.offersMu.Unlock()
	m.offers[o.ID] = copyOffer(o)
	return nil
}

func (m *Memory) ListOffersForIntent(ctx context.Context, intentID string) ([]Offer, error) {
	m.offersMu.RLock()
	var out []Offer
	for _, o := range m.offers {
		if o.IntentID == intentID {
			out = append(out, copyOffer(o))
		}
	}
	m.offersMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) SettleDeal(ctx context.Context, d Deal) error {
	m.dealsMu.Lock()
	defer m.dealsMu.Unlock()
	m.deals[d.IntentID] = d
	return nil
}

func (m *Memory) GetDeal(ctx context.Context, intentID string) (Deal, error) {
	m.dealsMu.RLock()
	defer m.dealsMu.RUnlock()
	d, ok := m.deals[intentID]
	if !ok {
		return Deal{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) ListDeals(ctx context.Context) ([]Deal, error) {
	m.dealsMu.RLock()
	out := make([]Deal, 0, len(m.deals))
	for _, d := range m.deals {
		out = append(out, d)
	}
	m.dealsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SettledAt != out[j].SettledAt {
			return out[i].SettledAt > out[j].SettledAt
		}
		return out[i].IntentID < out[j].IntentID
	})
	return out, nil
}

func (m *Memory) MarkProcessedMessage(ctx context.Context, pm ProcessedMessage) (bool, error) {
	m.processedMu.Lock()
	defer m.processedMu.Unlock()
	if _, ok := m.processed[pm.Key]; ok {
		return false, nil
	}
	m.processed[pm.Key] = pm
	return true, nil
}

func copyPeer(p Peer) Peer {
	p.Skills = append([]string(nil), p.Skills...)
	return p
}

func copyIntent(in Intent) Intent {
	in.Payload = append([]byte(nil), in.Payload...)
	return in
}

func copyOffer(o Offer) Offer {
	if o.Reputation != nil {
		rep := *o.Reputation
		o.Reputation = &rep
	}
	return o
}
