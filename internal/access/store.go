package access

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNoPurchase = errors.New("no active purchase")

// Purchase grants one user access to one exam. ExpiresAt nil means lifetime
// access; CanceledAt non-nil voids the grant. At most one active purchase per
// (user, exam) exists, enforced by a partial unique index.
type Purchase struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	ExamID      string     `json:"exam_id"`
	PurchasedAt time.Time  `json:"purchased_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	PaymentRef  string     `json:"payment_ref,omitempty"`
}

type Status struct {
	HasAccess  bool       `json:"hasAccess"`
	ValidUntil *time.Time `json:"validUntil"` // nil for lifetime or no access
}

type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Check reports whether the user currently has access to the exam. The
// expiry comparison is inclusive: a purchase expiring exactly now is valid.
func (s *Store) Check(ctx context.Context, userID, examID string) (Status, error) {
	return s.checkAt(ctx, userID, examID, time.Now())
}

func (s *Store) checkAt(ctx context.Context, userID, examID string, now time.Time) (Status, error) {
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT expires_at FROM purchases
		WHERE user_id=$1 AND exam_id=$2 AND canceled_at IS NULL
		  AND (expires_at IS NULL OR expires_at >= $3)`,
		userID, examID, now.UnixMilli()).Scan(&expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Status{}, nil
		}
		return Status{}, err
	}
	st := Status{HasAccess: true}
	if expires.Valid {
		t := time.UnixMilli(expires.Int64)
		st.ValidUntil = &t
	}
	return st, nil
}

// Grant upserts the active purchase for (user, exam): absent, a new row is
// created expiring after d; present, its expiry is reset to now+d (renewal
// extends, it does not stack). Runs in a transaction so a concurrent webhook
// and client-side verify cannot both insert.
func (s *Store) Grant(ctx context.Context, userID, examID string, d time.Duration, amount int64, currency, paymentRef string) (Purchase, error) {
	now := time.Now()
	expires := now.Add(d)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Purchase{}, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM purchases WHERE user_id=$1 AND exam_id=$2 AND canceled_at IS NULL`,
		userID, examID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err = tx.ExecContext(ctx, `INSERT INTO purchases
			(id,user_id,exam_id,purchased_at,expires_at,amount,currency,payment_ref)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			id, userID, examID, now.UnixMilli(), expires.UnixMilli(), amount, currency, paymentRef)
		if err != nil {
			return Purchase{}, err
		}
	case err != nil:
		return Purchase{}, err
	default:
		_, err = tx.ExecContext(ctx, `UPDATE purchases
			SET purchased_at=$1, expires_at=$2, amount=$3, currency=$4, payment_ref=$5
			WHERE id=$6`,
			now.UnixMilli(), expires.UnixMilli(), amount, currency, paymentRef, id)
		if err != nil {
			return Purchase{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Purchase{}, err
	}
	return s.byID(ctx, id)
}

// Cancel voids the active purchase for (user, exam).
func (s *Store) Cancel(ctx context.Context, userID, examID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET canceled_at=$1 WHERE user_id=$2 AND exam_id=$3 AND canceled_at IS NULL`,
		time.Now().UnixMilli(), userID, examID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoPurchase
	}
	return nil
}

func (s *Store) byID(ctx context.Context, id string) (Purchase, error) {
	var p Purchase
	var purchased int64
	var expires, canceled sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id,user_id,exam_id,purchased_at,expires_at,canceled_at,amount,currency,payment_ref
		FROM purchases WHERE id=$1`, id).
		Scan(&p.ID, &p.UserID, &p.ExamID, &purchased, &expires, &canceled, &p.Amount, &p.Currency, &p.PaymentRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Purchase{}, ErrNoPurchase
		}
		return Purchase{}, err
	}
	p.PurchasedAt = time.UnixMilli(purchased)
	if expires.Valid {
		t := time.UnixMilli(expires.Int64)
		p.ExpiresAt = &t
	}
	if canceled.Valid {
		t := time.UnixMilli(canceled.Int64)
		p.CanceledAt = &t
	}
	return p, nil
}
