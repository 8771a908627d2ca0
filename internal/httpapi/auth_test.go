package httpapi

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"tokostok/backend/internal/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestParseTokenRoundTrip(t *testing.T) {
	auth, err := NewAuthManager(testSecret, "739154")
	require.NoError(t, err)

	token, err := auth.sign("siti", domain.RoleCashier, time.Now().Add(time.Hour))
	require.NoError(t, err)

	actor, err := auth.ParseToken(token)
	require.NoError(t, err)
	require.Equal(t, domain.Actor{Subject: "siti", Role: domain.RoleCashier}, actor)
}

func TestParseTokenRejects(t *testing.T) {
	auth, err := NewAuthManager(testSecret, "739154")
	require.NoError(t, err)
	other, err := NewAuthManager("another-secret-another-secret-xx", "739154")
	require.NoError(t, err)

	expired, err := auth.sign("siti", domain.RoleAdmin, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	foreign, err := other.sign("siti", domain.RoleAdmin, time.Now().Add(time.Hour))
	require.NoError(t, err)
	badRole, err := auth.sign("siti", "owner", time.Now().Add(time.Hour))
	require.NoError(t, err)

	none := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, ledgerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "siti",
			Issuer:    tokenIssuer,
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: domain.RoleAdmin,
	})
	unsigned, err := none.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noSubject, err := auth.sign("", domain.RoleAdmin, time.Now().Add(time.Hour))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":    expired,
		"foreign":    foreign,
		"bad role":   badRole,
		"alg none":   unsigned,
		"no subject": noSubject,
		"garbage":    "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.ParseToken(token)
			require.Error(t, err)
		})
	}
}

func TestValidateManagerPIN(t *testing.T) {
	auth, err := NewAuthManager(testSecret, " 739154 ")
	require.NoError(t, err)

	require.True(t, auth.ValidateManagerPIN("739154"))
	require.True(t, auth.ValidateManagerPIN(" 739154"))
	require.False(t, auth.ValidateManagerPIN("739155"))
	require.False(t, auth.ValidateManagerPIN(""))
}

func TestValidateManagerPINDisabledWithoutPIN(t *testing.T) {
	auth, err := NewAuthManager(testSecret, "")
	require.NoError(t, err)
	require.False(t, auth.ValidateManagerPIN(""))
	require.False(t, auth.ValidateManagerPIN("disabled"))
}

func TestNewAuthManagerRequiresSecret(t *testing.T) {
	_, err := NewAuthManager("", "739154")
	require.Error(t, err)
}
