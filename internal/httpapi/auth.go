package httpapi

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"tokostok/backend/internal/domain"
	"tokostok/backend/internal/service"
)

const (
	tokenIssuer     = "tokostok"
	managerPINField = "X-Manager-PIN"
)

// AuthManager verifies bearer tokens issued by the shop's auth service and
// checks the manager PIN for destructive ledger operations.
type AuthManager struct {
	secret     []byte
	managerPIN string
}

type ledgerClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, managerPIN string) (*AuthManager, error) {
	if secret == "" {
		return nil, errors.New("auth secret is required")
	}
	manager := &AuthManager{secret: []byte(secret)}

	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(managerPIN), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		manager.managerPIN = string(hashed)
	}
	return manager, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &ledgerClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (any, error) {
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer), jwtlib.WithExpirationRequired())
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if claims.Role != domain.RoleCashier && claims.Role != domain.RoleAdmin {
		return domain.Actor{}, errors.New("unknown role")
	}
	return domain.Actor{Subject: sub, Role: claims.Role}, nil
}

// sign mints a token the way the auth service does. Only tests call it.
func (a *AuthManager) sign(subject string, role string, expiresAt time.Time) (string, error) {
	claims := ledgerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateManagerPIN is false for every input when no PIN is configured.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || a.managerPIN == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

func (a *API) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := service.ActorFromContext(r.Context())
			if !ok || !slices.Contains(roles, actor.Role) {
				a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) requireManagerPIN(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.auth.ValidateManagerPIN(r.Header.Get(managerPINField)) {
			a.writeError(w, http.StatusForbidden, errors.New("manager PIN required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
