package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/clinic-pos/ledger"
)

// =============================================================================
// AUTH - Bearer tokens carrying the acting user
// =============================================================================

// Claims identify the staff member behind a request.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for user, valid for ttl.
func IssueToken(secret string, user ledger.UserRef, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: string(user.ID),
		Name:   user.Name,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

type actorKey struct{}

// withActor stores the acting user on the request context.
func withActor(ctx context.Context, u ledger.UserRef) context.Context {
	return context.WithValue(ctx, actorKey{}, u)
}

// actingUser returns the user set by Authenticate.
func actingUser(ctx context.Context) (ledger.UserRef, bool) {
	u, ok := ctx.Value(actorKey{}).(ledger.UserRef)
	return u, ok && !u.IsZero()
}

// Authenticate rejects requests without a valid bearer token and puts the
// token's user on the request context.
func Authenticate(secret string) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
				return
			}
			tokenString := strings.TrimSpace(header[len("Bearer "):])

			token, err := jwt.ParseWithClaims(tokenString, &Claims{}, keyFunc)
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token", nil)
				return
			}
			claims, ok := token.Claims.(*Claims)
			if !ok || claims.UserID == "" {
				writeError(w, http.StatusUnauthorized, "invalid token claims", nil)
				return
			}

			user := ledger.UserRef{
				ID:   ledger.UserID(claims.UserID),
				Name: claims.Name,
				Role: claims.Role,
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), user)))
		})
	}
}
