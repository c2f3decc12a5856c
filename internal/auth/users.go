package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrEmailTaken     = errors.New("email already registered")
	ErrBadCredentials = errors.New("invalid email or password")
	ErrAccountDeleted = errors.New("account deleted")
	ErrNoPassword     = errors.New("account has no password")
)

// User lifecycle is a two-state machine: active <-> deleted. DeletedAt set
// means deleted; Recover clears it. Usable() is the single predicate every
// caller goes through.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash *string    `json:"-"`
	DisplayName  string     `json:"display_name"`
	AvatarKey    string     `json:"avatar_key,omitempty"`
	Role         string     `json:"role"`
	Verified     bool       `json:"verified"`
	EmailOptIn   bool       `json:"email_opt_in"`
	GoogleSub    *string    `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

func (u *User) Usable() bool { return u != nil && u.DeletedAt == nil }

type UserStore struct{ db *sql.DB }

func NewUserStore(db *sql.DB) *UserStore { return &UserStore{db: db} }

const userCols = `id,email,password_hash,display_name,avatar_key,role,verified,email_opt_in,google_sub,created_at,deleted_at`

func scanUser(row *sql.Row) (User, error) {
	var u User
	var hash, gsub sql.NullString
	var created int64
	var deleted sql.NullInt64
	err := row.Scan(&u.ID, &u.Email, &hash, &u.DisplayName, &u.AvatarKey, &u.Role,
		&u.Verified, &u.EmailOptIn, &gsub, &created, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	if hash.Valid {
		u.PasswordHash = &hash.String
	}
	if gsub.Valid {
		u.GoogleSub = &gsub.String
	}
	u.CreatedAt = time.UnixMilli(created)
	if deleted.Valid {
		t := time.UnixMilli(deleted.Int64)
		u.DeletedAt = &t
	}
	return u, nil
}

func (s *UserStore) ByID(ctx context.Context, id string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id))
}

func (s *UserStore) ByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email=$1`, normalizeEmail(email)))
}

func (s *UserStore) ByGoogleSub(ctx context.Context, sub string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE google_sub=$1`, sub))
}

// Register creates a credential account. Email uniqueness is enforced by the
// store's unique constraint; a duplicate surfaces as ErrEmailTaken.
func (s *UserStore) Register(ctx context.Context, email, password, displayName string) (User, error) {
	email = normalizeEmail(email)
	if _, err := s.ByEmail(ctx, email); err == nil {
		return User{}, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return User{}, err
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id,email,password_hash,display_name,role,created_at)
		 VALUES ($1,$2,$3,$4,'student',$5)`,
		id, email, string(hash), displayName, time.Now().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, err
	}
	return s.ByID(ctx, id)
}

// UpsertGoogle finds or creates the account for a verified Google identity.
// An existing credential account with the same email is linked, not duplicated.
// OAuth-only accounts carry a nil password hash.
func (s *UserStore) UpsertGoogle(ctx context.Context, googleSub, email, name, picture string) (User, error) {
	if u, err := s.ByGoogleSub(ctx, googleSub); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	email = normalizeEmail(email)
	if u, err := s.ByEmail(ctx, email); err == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET google_sub=$1, verified=$2 WHERE id=$3`,
			googleSub, true, u.ID)
		if err != nil {
			return User{}, err
		}
		return s.ByID(ctx, u.ID)
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id,email,display_name,avatar_key,role,verified,google_sub,created_at)
		 VALUES ($1,$2,$3,$4,'student',$5,$6,$7)`,
		id, email, name, picture, true, googleSub, time.Now().UnixMilli())
	if err != nil {
		return User{}, err
	}
	return s.ByID(ctx, id)
}

// Authenticate checks credentials against an active account.
func (s *UserStore) Authenticate(ctx context.Context, email, password string) (User, error) {
	u, err := s.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrBadCredentials
		}
		return User{}, err
	}
	if u.PasswordHash == nil {
		return User{}, ErrNoPassword
	}
	if bcrypt.CompareHashAndPassword([]byte(*u.PasswordHash), []byte(password)) != nil {
		return User{}, ErrBadCredentials
	}
	if !u.Usable() {
		return User{}, ErrAccountDeleted
	}
	return u, nil
}

func (s *UserStore) UpdateProfile(ctx context.Context, id, displayName string, emailOptIn bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET display_name=$1, email_opt_in=$2 WHERE id=$3 AND deleted_at IS NULL`,
		displayName, emailOptIn, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *UserStore) SetAvatar(ctx context.Context, id, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET avatar_key=$1 WHERE id=$2 AND deleted_at IS NULL`, key, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *UserStore) SetPassword(ctx context.Context, id, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash=$1 WHERE id=$2 AND deleted_at IS NULL`, string(hash), id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// Delete soft-deletes: the row stays, the account becomes unusable.
func (s *UserStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET deleted_at=$1 WHERE id=$2 AND deleted_at IS NULL`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// Recover reactivates a soft-deleted account.
func (s *UserStore) Recover(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET deleted_at=NULL WHERE id=$1 AND deleted_at IS NOT NULL`, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || // sqlite
		strings.Contains(msg, "duplicate key") // postgres
}
