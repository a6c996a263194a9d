package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Kind labels the operation an audit entry records.
type Kind string

const (
	KindIssue     Kind = "issue"
	KindRedeem    Kind = "redeem"
	KindPurchase  Kind = "purchase"
	KindSubscribe Kind = "subscribe"
)

// TransactionRecord is one immutable entry in the append-only audit trail.
type TransactionRecord struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	BusinessID   string    `json:"businessId"`
	UserID       string    `json:"userId,omitempty"`
	Counterparty string    `json:"counterparty"`
	Amount       string    `json:"amount"`
	TokenSymbol  string    `json:"tokenSymbol"`
	ProductRef   string    `json:"productRef,omitempty"`
	Confirmation string    `json:"confirmation,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Recorder owns the transaction log. Entries are only ever appended; nothing
// here mutates or deletes a written row.
type Recorder struct {
	db    *sql.DB
	nowFn func() time.Time
}

func NewRecorder(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single connection: sqlite serializes writers anyway and this keeps
	// concurrent appends from tripping over file locks.
	db.SetMaxOpenConns(1)
	rec := &Recorder{db: db, nowFn: time.Now}
	if err := rec.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return rec, nil
}

func (r *Recorder) init() error {
	schema := `CREATE TABLE IF NOT EXISTS transactions (
        id TEXT PRIMARY KEY,
        kind TEXT NOT NULL,
        business_id TEXT NOT NULL,
        user_id TEXT,
        counterparty TEXT,
        amount TEXT NOT NULL,
        token_symbol TEXT,
        product_ref TEXT,
        confirmation TEXT,
        created_at_ns INTEGER NOT NULL
    );`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_transactions_business ON transactions(business_id, created_at_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at_ns);`,
	} {
		if _, err := r.db.Exec(idx); err != nil {
			return fmt.Errorf("audit: init index: %w", err)
		}
	}
	return nil
}

// Record appends the entry, assigning its id and timestamp at write time.
func (r *Recorder) Record(ctx context.Context, entry TransactionRecord) (TransactionRecord, error) {
	entry.ID = uuid.NewString()
	entry.CreatedAt = r.nowFn().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transactions (id, kind, business_id, user_id, counterparty, amount, token_symbol, product_ref, confirmation, created_at_ns)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Kind), entry.BusinessID, entry.UserID, entry.Counterparty,
		entry.Amount, entry.TokenSymbol, entry.ProductRef, entry.Confirmation, entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return TransactionRecord{}, fmt.Errorf("audit: append: %w", err)
	}
	return entry, nil
}

// ByUser returns the user's entries ordered by write time.
func (r *Recorder) ByUser(ctx context.Context, userID string) ([]TransactionRecord, error) {
	return r.query(ctx, `SELECT id, kind, business_id, user_id, counterparty, amount, token_symbol, product_ref, confirmation, created_at_ns
        FROM transactions WHERE user_id = ? ORDER BY created_at_ns, id`, userID)
}

// ByBusiness returns the business's entries ordered by write time.
func (r *Recorder) ByBusiness(ctx context.Context, businessID string) ([]TransactionRecord, error) {
	return r.query(ctx, `SELECT id, kind, business_id, user_id, counterparty, amount, token_symbol, product_ref, confirmation, created_at_ns
        FROM transactions WHERE business_id = ? ORDER BY created_at_ns, id`, businessID)
}

func (r *Recorder) query(ctx context.Context, stmt string, arg string) ([]TransactionRecord, error) {
	rows, err := r.db.QueryContext(ctx, stmt, arg)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()
	entries := make([]TransactionRecord, 0)
	for rows.Next() {
		var entry TransactionRecord
		var kind string
		var userID, counterparty, symbol, productRef, confirmation sql.NullString
		var createdNs int64
		if err := rows.Scan(&entry.ID, &kind, &entry.BusinessID, &userID, &counterparty,
			&entry.Amount, &symbol, &productRef, &confirmation, &createdNs); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		entry.Kind = Kind(kind)
		entry.UserID = userID.String
		entry.Counterparty = counterparty.String
		entry.TokenSymbol = symbol.String
		entry.ProductRef = productRef.String
		entry.Confirmation = confirmation.String
		entry.CreatedAt = time.Unix(0, createdNs).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return entries, nil
}

func (r *Recorder) Close() error {
	return r.db.Close()
}
