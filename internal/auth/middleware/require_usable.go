package auth

import (
	"database/sql"
	"errors"
	"net/http"
)

// RequireUsableAccount loads the subject's row and rejects requests from
// unknown or soft-deleted accounts. The DB role is authoritative and
// replaces whatever the token claimed.
func RequireUsableAccount(db *sql.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			sub := SubjectFromContext(ctx)
			if sub == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			var role string
			var deletedAt sql.NullInt64
			err := db.QueryRowContext(ctx,
				`SELECT role, deleted_at FROM users WHERE id=$1`, sub,
			).Scan(&role, &deletedAt)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			case err != nil:
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			case deletedAt.Valid:
				http.Error(w, "account deleted", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRole(ctx, role)))
		})
	}
}
