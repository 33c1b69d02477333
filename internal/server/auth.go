package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"make24/internal/app"
	"make24/internal/metrics"
)

const (
	GuestCookieName = "m24_guest"
	guestCookieAge  = 365 * 24 * time.Hour
	guestPrefix     = "guest_"
	adminRole       = "admin"
)

// Principal is who a request acts for. GuestID is always set; AccountID only
// when a valid bearer token was presented.
type Principal struct {
	AccountID string
	Roles     []string
	GuestID   string
}

// Identity picks the account when signed in and the device otherwise.
func (p Principal) Identity() app.Identity {
	if p.AccountID != "" {
		return app.Account(p.AccountID)
	}
	return app.Guest(p.GuestID)
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func identityFromContext(ctx context.Context) (app.Identity, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || (p.AccountID == "" && p.GuestID == "") {
		return app.Identity{}, newAPIError(http.StatusUnauthorized, "unauthorized", "identity required", nil)
	}
	return p.Identity(), nil
}

func accountFromContext(ctx context.Context) (Principal, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.AccountID == "" {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{AccountID: claims.Subject, Roles: claims.Roles}, nil
}

// IssueToken signs an HS256 token for userID. It backs `m24 token` and tests;
// production tokens come from the identity provider sharing the secret.
func IssueToken(secret, userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func validGuestID(id string) bool {
	if !strings.HasPrefix(id, guestPrefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(id, guestPrefix))
	return err == nil
}

// guestID returns the device id from the cookie, minting one when absent, and
// refreshes the cookie either way.
func guestID(w http.ResponseWriter, r *http.Request) string {
	id := ""
	if c, err := r.Cookie(GuestCookieName); err == nil && validGuestID(c.Value) {
		id = c.Value
	} else {
		id = guestPrefix + uuid.NewString()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     GuestCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(guestCookieAge.Seconds()),
		Expires:  time.Now().Add(guestCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	return id
}

func newAuthMiddleware(basePath, secret string, m *metrics.Metrics) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			p := Principal{GuestID: guestID(w, req)}
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					authRejected(m, "malformed_authorization")
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				account, err := authenticateJWT(token, secret)
				if err != nil {
					authRejected(m, "invalid_token")
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				p.AccountID = account.AccountID
				p.Roles = account.Roles
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func authRejected(m *metrics.Metrics, reason string) {
	if m != nil {
		m.AuthRejections.WithLabelValues(reason).Inc()
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
