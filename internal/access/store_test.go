package access

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stepprep/stepprep/internal/db"

	_ "modernc.org/sqlite" // driver for "sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbh, err := db.Open(context.Background(), db.DriverSQLite,
		"file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { dbh.Close() })
	return dbh
}

func seedUserAndExam(t *testing.T, dbh *sql.DB) {
	t.Helper()
	ctx := context.Background()
	if _, err := dbh.ExecContext(ctx,
		`INSERT INTO users (id,email,created_at) VALUES ('u1','u1@example.com',0)`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := dbh.ExecContext(ctx,
		`INSERT INTO exams (id,title,version,created_at) VALUES ('step1','Step 1',1,0)`); err != nil {
		t.Fatalf("seed exam: %v", err)
	}
}

func insertPurchase(t *testing.T, dbh *sql.DB, id string, expires *time.Time, canceled *time.Time) {
	t.Helper()
	var exp, can any
	if expires != nil {
		exp = expires.UnixMilli()
	}
	if canceled != nil {
		can = canceled.UnixMilli()
	}
	_, err := dbh.ExecContext(context.Background(), `INSERT INTO purchases
		(id,user_id,exam_id,purchased_at,expires_at,canceled_at,amount,currency,payment_ref)
		VALUES ($1,'u1','step1',0,$2,$3,4900,'usd','')`, id, exp, can)
	if err != nil {
		t.Fatalf("insert purchase: %v", err)
	}
}

func TestCheckExpiryInclusive(t *testing.T) {
	dbh := newTestDB(t)
	seedUserAndExam(t, dbh)
	store := NewStore(dbh)
	ctx := context.Background()

	exp := time.UnixMilli(1_700_000_000_000)
	insertPurchase(t, dbh, "p1", &exp, nil)

	st, err := store.checkAt(ctx, "u1", "step1", exp)
	if err != nil {
		t.Fatalf("check at expiry: %v", err)
	}
	if !st.HasAccess {
		t.Fatal("purchase expiring exactly now must still grant access")
	}
	if st.ValidUntil == nil || !st.ValidUntil.Equal(exp) {
		t.Fatalf("validUntil = %v, want %v", st.ValidUntil, exp)
	}

	st, err = store.checkAt(ctx, "u1", "step1", exp.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("check past expiry: %v", err)
	}
	if st.HasAccess {
		t.Fatal("expired purchase must not grant access")
	}
}

func TestCheckLifetimeAndCanceled(t *testing.T) {
	dbh := newTestDB(t)
	seedUserAndExam(t, dbh)
	store := NewStore(dbh)
	ctx := context.Background()

	insertPurchase(t, dbh, "p1", nil, nil)
	st, err := store.Check(ctx, "u1", "step1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !st.HasAccess || st.ValidUntil != nil {
		t.Fatalf("status = %+v, want lifetime access with nil validUntil", st)
	}

	if err := store.Cancel(ctx, "u1", "step1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st, err = store.Check(ctx, "u1", "step1")
	if err != nil {
		t.Fatalf("check after cancel: %v", err)
	}
	if st.HasAccess {
		t.Fatal("canceled purchase must not grant access")
	}

	if err := store.Cancel(ctx, "u1", "step1"); !errors.Is(err, ErrNoPurchase) {
		t.Fatalf("second cancel: %v, want ErrNoPurchase", err)
	}
}

func TestCheckUnknownUser(t *testing.T) {
	dbh := newTestDB(t)
	seedUserAndExam(t, dbh)
	store := NewStore(dbh)

	st, err := store.Check(context.Background(), "nobody", "step1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.HasAccess {
		t.Fatal("unknown user must not have access")
	}
}

func TestGrantExtendsNotStacks(t *testing.T) {
	dbh := newTestDB(t)
	seedUserAndExam(t, dbh)
	store := NewStore(dbh)
	ctx := context.Background()

	year := 365 * 24 * time.Hour
	p1, err := store.Grant(ctx, "u1", "step1", year, 4900, "usd", "pi_1")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	p2, err := store.Grant(ctx, "u1", "step1", year, 4900, "usd", "pi_2")
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if p2.ID != p1.ID {
		t.Fatalf("renewal created a second purchase: %s vs %s", p2.ID, p1.ID)
	}
	if p2.PaymentRef != "pi_2" {
		t.Fatalf("payment ref = %q, want the renewal's", p2.PaymentRef)
	}

	// expiry resets to ~now+1y, not to p1.expires+1y
	want := time.Now().Add(year)
	if p2.ExpiresAt == nil {
		t.Fatal("renewal lost the expiry")
	}
	if d := p2.ExpiresAt.Sub(want); d < -time.Minute || d > time.Minute {
		t.Fatalf("expiry = %v, want ~%v", p2.ExpiresAt, want)
	}

	var n int
	if err := dbh.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM purchases WHERE user_id='u1' AND exam_id='step1'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("purchase rows = %d, want 1", n)
	}
}

func TestGrantAfterCancelCreatesFreshRow(t *testing.T) {
	dbh := newTestDB(t)
	seedUserAndExam(t, dbh)
	store := NewStore(dbh)
	ctx := context.Background()

	year := 365 * 24 * time.Hour
	p1, err := store.Grant(ctx, "u1", "step1", year, 4900, "usd", "pi_1")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := store.Cancel(ctx, "u1", "step1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	p2, err := store.Grant(ctx, "u1", "step1", year, 4900, "usd", "pi_2")
	if err != nil {
		t.Fatalf("re-grant: %v", err)
	}
	if p2.ID == p1.ID {
		t.Fatal("re-grant after cancel must create a new purchase")
	}
}
