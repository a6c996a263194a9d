package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Role identifies the persona a bearer token represents.
type Role string

const (
	RoleBusiness Role = "business"
	RoleUser     Role = "user"
)

type contextKey string

const contextKeyIdentity contextKey = "gateway.identity"

// Identity is the authenticated principal attached to the request context.
type Identity struct {
	Subject string
	Role    Role
}

var errInvalidToken = errors.New("gateway: invalid token")

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager mints and verifies HMAC-signed bearer tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

func NewTokenManager(secret []byte, ttl time.Duration) *TokenManager {
	if len(secret) == 0 {
		panic("token secret required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: secret, ttl: ttl, nowFn: time.Now}
}

// Mint issues a token for the subject with the given role.
func (m *TokenManager) Mint(subject string, role Role) (string, error) {
	now := m.nowFn()
	claims := sessionClaims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses and validates a token, returning the embedded identity.
func (m *TokenManager) Verify(tokenString string) (Identity, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.nowFn))
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	role := Role(claims.Role)
	if role != RoleBusiness && role != RoleUser {
		return Identity{}, fmt.Errorf("%w: unknown role %q", errInvalidToken, claims.Role)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", errInvalidToken)
	}
	return Identity{Subject: claims.Subject, Role: role}, nil
}

// requireRole is middleware enforcing a bearer token with one of the allowed
// roles. The identity is attached to the request context.
func (m *TokenManager) requireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r.Header.Get("Authorization"))
			if raw == "" {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}
			identity, err := m.Verify(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
				return
			}
			allowed := false
			for _, role := range roles {
				if identity.Role == role {
					allowed = true
					break
				}
			}
			if !allowed {
				writeError(w, http.StatusForbidden, errors.New("insufficient role"))
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(contextKeyIdentity).(Identity)
	return identity, ok
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
