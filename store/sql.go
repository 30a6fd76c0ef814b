package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and locking behavior for the SQL store.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQL is the database/sql-backed Store. Every operation runs in its own
// implicit or explicit transaction; AcceptIntentOffer uses SELECT ... FOR
// UPDATE on Postgres and relies on the single write transaction on SQLite.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// OpenPostgres connects to the given database URL via pgx.
func OpenPostgres(databaseURL string) (*SQL, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &SQL{db: db, dialect: DialectPostgres}, nil
}

// OpenSQLite opens or creates a SQLite database at the given path.
func OpenSQLite(path string) (*SQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// WAL lets readers on other connections to the file proceed during a
	// write. This pool holds a single connection, so every operation here,
	// reads included, is serialized and concurrent accepts queue instead of
	// tripping SQLITE_BUSY mid-transaction.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQL{db: db, dialect: DialectSQLite}, nil
}

// NewSQL wraps an existing handle; used by tests.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

func (s *SQL) Close() error { return s.db.Close() }

// Migrate creates the five tables and their indexes.
func (s *SQL) Migrate(ctx context.Context) error {
	numeric := "TEXT"
	if s.dialect == DialectPostgres {
		numeric = "NUMERIC"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS peers (
		address       TEXT PRIMARY KEY,
		skills        TEXT NOT NULL DEFAULT '[]',
		min_fee       %[1]s NOT NULL DEFAULT '0',
		response_time TEXT NOT NULL DEFAULT '',
		reputation    BIGINT NOT NULL DEFAULT 0,
		stake         %[1]s NOT NULL DEFAULT '0',
		stake_age     BIGINT NOT NULL DEFAULT 0,
		reply_chat    TEXT NOT NULL DEFAULT '',
		last_seen     BIGINT NOT NULL DEFAULT 0,
		created_at    BIGINT NOT NULL DEFAULT 0,
		updated_at    BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers (last_seen DESC);

	CREATE TABLE IF NOT EXISTS intents (
		id                TEXT PRIMARY KEY,
		from_address      TEXT NOT NULL,
		skill             TEXT NOT NULL,
		payload           TEXT NOT NULL DEFAULT '{}',
		budget            %[1]s NOT NULL,
		deadline          BIGINT NOT NULL,
		min_reputation    BIGINT NOT NULL DEFAULT 0,
		status            TEXT NOT NULL DEFAULT 'pending',
		accepted_offer_id TEXT NOT NULL DEFAULT '',
		selected_executor TEXT NOT NULL DEFAULT '',
		created_at        BIGINT NOT NULL DEFAULT 0,
		updated_at        BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_intents_status_deadline ON intents (status, deadline);

	CREATE TABLE IF NOT EXISTS offers (
		id             TEXT PRIMARY KEY,
		intent_id      TEXT NOT NULL,
		from_address   TEXT NOT NULL,
		fee            %[1]s NOT NULL,
		eta            TEXT NOT NULL DEFAULT '',
		reputation     BIGINT,
		stake_age      BIGINT NOT NULL DEFAULT 0,
		escrow_address TEXT NOT NULL DEFAULT '',
		created_at     BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_offers_intent_created ON offers (intent_id, created_at);

	CREATE TABLE IF NOT EXISTS deals (
		intent_id        TEXT PRIMARY KEY,
		executor_address TEXT NOT NULL,
		fee              %[1]s NOT NULL DEFAULT '0',
		tx_hash          TEXT NOT NULL DEFAULT '',
		outcome          TEXT NOT NULL DEFAULT '',
		rating           BIGINT NOT NULL DEFAULT 0,
		settled_at       BIGINT NOT NULL DEFAULT 0,
		updated_at       BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_deals_settled_at ON deals (settled_at DESC);

	CREATE TABLE IF NOT EXISTS processed_messages (
		key               TEXT PRIMARY KEY,
		message_type      TEXT NOT NULL DEFAULT '',
		source_chat_id    TEXT NOT NULL DEFAULT '',
		source_message_id TEXT NOT NULL DEFAULT '',
		payload_hash      TEXT NOT NULL DEFAULT '',
		first_seen_at     BIGINT NOT NULL DEFAULT 0
	);
	`, numeric)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to $n for Postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) UpsertPeer(ctx context.Context, p Peer) error {
	skills, err := marshalSkills(p.Skills)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO peers (address, skills, min_fee, response_time, reputation, stake, stake_age, reply_chat, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			skills = excluded.skills,
			min_fee = excluded.min_fee,
			response_time = excluded.response_time,
			reputation = excluded.reputation,
			stake = excluded.stake,
			stake_age = excluded.stake_age,
			reply_chat = excluded.reply_chat,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`),
		p.Address, skills, p.MinFee.String(), p.ResponseTime, p.Reputation,
		p.Stake.String(), p.StakeAge, p.ReplyChat, p.LastSeen, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

const peerColumns = "address, skills, min_fee, response_time, reputation, stake, stake_age, reply_chat, last_seen, created_at, updated_at"

func (s *SQL) GetPeer(ctx context.Context, address string) (Peer, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+peerColumns+" FROM peers WHERE address = ?"), address)
	p, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return Peer{}, ErrNotFound
	}
	return p, err
}

func (s *SQL) ListPeers(ctx context.Context) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+peerColumns+" FROM peers ORDER BY last_seen DESC, address ASC")
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()
	var out []Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(r rowScanner) (Peer, error) {
	var p Peer
	var skills, minFee, stake string
	if err := r.Scan(&p.Address, &skills, &minFee, &p.ResponseTime, &p.Reputation,
		&stake, &p.StakeAge, &p.ReplyChat, &p.LastSeen, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Peer{}, err
	}
	var err error
	if p.Skills, err = unmarshalSkills(skills); err != nil {
		return Peer{}, err
	}
	if p.MinFee, err = decimal.NewFromString(minFee); err != nil {
		return Peer{}, fmt.Errorf("peer min_fee: %w", err)
	}
	if p.Stake, err = decimal.NewFromString(stake); err != nil {
		return Peer{}, fmt.Errorf("peer stake: %w", err)
	}
	return p, nil
}

func (s *SQL) SaveIntent(ctx context.Context, in Intent) error {
	payload := string(in.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO intents (id, from_address, skill, payload, budget, deadline, min_reputation, status, accepted_offer_id, selected_executor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		in.ID, in.FromAddress, in.Skill, payload, in.Budget.String(), in.Deadline,
		in.MinReputation, in.Status, in.AcceptedOfferID, in.SelectedExecutor,
		in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save intent: %w", err)
	}
	return nil
}

const intentColumns = "id, from_address, skill, payload, budget, deadline, min_reputation, status, accepted_offer_id, selected_executor, created_at, updated_at"

func (s *SQL) GetIntent(ctx context.Context, id string) (Intent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+intentColumns+" FROM intents WHERE id = ?"), id)
	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return Intent{}, ErrNotFound
	}
	return in, err
}

func (s *SQL) ListIntents(ctx context.Context, f IntentFilter) ([]Intent, error) {
	query := "SELECT " + intentColumns + " FROM intents"
	var args []any
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at ASC, id ASC"
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()
	return collectIntents(rows)
}

func collectIntents(rows *sql.Rows) ([]Intent, error) {
	var out []Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func scanIntent(r rowScanner) (Intent, error) {
	var in Intent
	var payload, budget string
	if err := r.Scan(&in.ID, &in.FromAddress, &in.Skill, &payload, &budget,
		&in.Deadline, &in.MinReputation, &in.Status, &in.AcceptedOfferID,
		&in.SelectedExecutor, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return Intent{}, err
	}
	in.Payload = []byte(payload)
	var err error
	if in.Budget, err = decimal.NewFromString(budget); err != nil {
		return Intent{}, fmt.Errorf("intent budget: %w", err)
	}
	return in, nil
}

func (s *SQL) UpdateIntentStatus(ctx context.Context, id, status string, now int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE intents SET status = ?, updated_at = ? WHERE id = ?"),
		status, now, id)
	if err != nil {
		return fmt.Errorf("update intent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) AcceptIntentOffer(ctx context.Context, intentID, offerID, executor string, now int64) (AcceptResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("accept begin: %w", err)
	}
	defer tx.Rollback()

	lock := "SELECT status FROM intents WHERE id = ?"
	if s.dialect == DialectPostgres {
		lock += " FOR UPDATE"
	}
	var status string
	err = tx.QueryRowContext(ctx, s.rebind(lock), intentID).Scan(&status)
	if err == sql.ErrNoRows {
		return AcceptResult{OK: false, Reason: ReasonIntentNotFound}, nil
	}
	if err != nil {
		return AcceptResult{}, fmt.Errorf("accept lock: %w", err)
	}
	if status != IntentPending {
		return AcceptResult{OK: false, Reason: ReasonIntentNotPending}, nil
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE intents SET status = ?, accepted_offer_id = ?, selected_executor = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		IntentAccepted, offerID, executor, now, intentID, IntentPending)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("accept update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AcceptResult{}, err
	}
	if n == 0 {
		return AcceptResult{OK: false, Reason: ReasonIntentNotPending}, nil
	}
	if err := tx.Commit(); err != nil {
		return AcceptResult{}, fmt.Errorf("accept commit: %w", err)
	}
	return AcceptResult{OK: true}, nil
}

func (s *SQL) ExpireIntents(ctx context.Context, now int64) ([]Intent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		UPDATE intents SET status = ?, updated_at = ?
		WHERE status = ? AND deadline < ?
		RETURNING `+intentColumns),
		IntentExpired, now, IntentPending, now)
	if err != nil {
		return nil, fmt.Errorf("expire intents: %w", err)
	}
	defer rows.Close()
	return collectIntents(rows)
}

func (s *SQL) RecordOffer(ctx context.Context, o Offer) error {
	var rep sql.NullInt64
	if o.Reputation != nil {
		rep = sql.NullInt64{Int64: *o.Reputation, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO offers (id, intent_id, from_address, fee, eta, reputation, stake_age, escrow_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			fee = excluded.fee,
			eta = excluded.eta,
			reputation = excluded.reputation,
			stake_age = excluded.stake_age,
			escrow_address = excluded.escrow_address`),
		o.ID, o.IntentID, o.FromAddress, o.Fee.String(), o.Eta, rep,
		o.StakeAge, o.EscrowAddress, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("record offer: %w", err)
	}
	return nil
}

func (s *SQL) ListOffersForIntent(ctx context.Context, intentID string) ([]Offer, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, intent_id, from_address, fee, eta, reputation, stake_age, escrow_address, created_at
		FROM offers WHERE intent_id = ? ORDER BY created_at ASC, id ASC`), intentID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()
	var out []Offer
	for rows.Next() {
		var o Offer
		var fee string
		var rep sql.NullInt64
		if err := rows.Scan(&o.ID, &o.IntentID, &o.FromAddress, &fee, &o.Eta,
			&rep, &o.StakeAge, &o.EscrowAddress, &o.CreatedAt); err != nil {
			return nil, err
		}
		if o.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("offer fee: %w", err)
		}
		if rep.Valid {
			v := rep.Int64
			o.Reputation = &v
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQL) SettleDeal(ctx context.Context, d Deal) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO deals (intent_id, executor_address, fee, tx_hash, outcome, rating, settled_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (intent_id) DO UPDATE SET
			executor_address = excluded.executor_address,
			fee = excluded.fee,
			tx_hash = excluded.tx_hash,
			outcome = excluded.outcome,
			rating = excluded.rating,
			settled_at = excluded.settled_at,
			updated_at = excluded.updated_at`),
		d.IntentID, d.ExecutorAddress, d.Fee.String(), d.TxHash, d.Outcome,
		d.Rating, d.SettledAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("settle deal: %w", err)
	}
	return nil
}

const dealColumns = "intent_id, executor_address, fee, tx_hash, outcome, rating, settled_at, updated_at"

func (s *SQL) GetDeal(ctx context.Context, intentID string) (Deal, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+dealColumns+" FROM deals WHERE intent_id = ?"), intentID)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return Deal{}, ErrNotFound
	}
	return d, err
}

func (s *SQL) ListDeals(ctx context.Context) ([]Deal, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+dealColumns+" FROM deals ORDER BY settled_at DESC, intent_id ASC")
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()
	var out []Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeal(r rowScanner) (Deal, error) {
	var d Deal
	var fee string
	if err := r.Scan(&d.IntentID, &d.ExecutorAddress, &fee, &d.TxHash,
		&d.Outcome, &d.Rating, &d.SettledAt, &d.UpdatedAt); err != nil {
		return Deal{}, err
	}
	var err error
	if d.Fee, err = decimal.NewFromString(fee); err != nil {
		return Deal{}, fmt.Errorf("deal fee: %w", err)
	}
	return d, nil
}

func (s *SQL) MarkProcessedMessage(ctx context.Context, pm ProcessedMessage) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO processed_messages (key, message_type, source_chat_id, source_message_id, payload_hash, first_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING`),
		pm.Key, pm.MessageType, pm.SourceChatID, pm.SourceMessageID,
		pm.PayloadHash, pm.FirstSeenAt)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func marshalSkills(skills []string) (string, error) {
	if skills == nil {
		skills = []string{}
	}
	data, err := json.Marshal(skills)
	if err != nil {
		return "", fmt.Errorf("marshal skills: %w", err)
	}
	return string(data), nil
}

func unmarshalSkills(text string) ([]string, error) {
	var skills []string
	if err := json.Unmarshal([]byte(text), &skills); err != nil {
		return nil, fmt.Errorf("unmarshal skills: %w", err)
	}
	return skills, nil
}
