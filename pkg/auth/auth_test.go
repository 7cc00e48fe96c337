package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type testIdP struct {
	privateKey *rsa.PrivateKey
	kid        string
	server     *httptest.Server
	serveFault bool
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &testIdP{privateKey: key, kid: "test-kid-1"}
	idp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if idp.serveFault {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"keys": []map[string]string{
				{
					"kid": idp.kid,
					"kty": "RSA",
					"use": "sig",
					"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
				},
			},
		})
		w.Write(body)
	}))
	t.Cleanup(idp.server.Close)
	return idp
}

func (idp *testIdP) issue(claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = idp.kid
	signed, _ := token.SignedString(idp.privateKey)
	return signed
}

func TestValidateTokenRoundTrip(t *testing.T) {
	idp := newTestIdP(t)
	jwks := NewJWKSCache(idp.server.URL, time.Hour, zerolog.Nop())
	v := NewValidator(jwks, TokenConfig{
		Issuer:    "https://idp.example.com",
		Audiences: []string{"hvorchestrator"},
		Roles:     RoleMapping{AdminRole: "admin", WriterRole: "writer", ReaderRole: "reader"},
	})

	token := idp.issue(jwt.MapClaims{
		"sub":   "user-1",
		"iss":   "https://idp.example.com",
		"aud":   "hvorchestrator",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
		"roles": []string{"writer"},
	})

	identity, err := v.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", identity.Subject)
	require.Equal(t, PermissionWriter, identity.Permission)
	require.Equal(t, IdentityUser, identity.Type)
}

func TestValidateTokenRejectsWrongAudience(t *testing.T) {
	idp := newTestIdP(t)
	jwks := NewJWKSCache(idp.server.URL, time.Hour, zerolog.Nop())
	v := NewValidator(jwks, TokenConfig{Issuer: "https://idp.example.com", Audiences: []string{"hvorchestrator"}})

	token := idp.issue(jwt.MapClaims{
		"sub": "user-1",
		"iss": "https://idp.example.com",
		"aud": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.ValidateToken(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	idp := newTestIdP(t)
	jwks := NewJWKSCache(idp.server.URL, time.Hour, zerolog.Nop())
	v := NewValidator(jwks, TokenConfig{Issuer: "https://idp.example.com"})

	token := idp.issue(jwt.MapClaims{
		"sub": "user-1",
		"iss": "https://idp.example.com",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := v.ValidateToken(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateTokenMaxAgeClamp(t *testing.T) {
	idp := newTestIdP(t)
	jwks := NewJWKSCache(idp.server.URL, time.Hour, zerolog.Nop())
	v := NewValidator(jwks, TokenConfig{Issuer: "https://idp.example.com", MaxAge: time.Minute})

	token := idp.issue(jwt.MapClaims{
		"sub": "user-1",
		"iss": "https://idp.example.com",
		"iat": time.Now().Add(-time.Hour).Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.ValidateToken(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestJWKSForceRefreshOnKidMiss(t *testing.T) {
	idp := newTestIdP(t)
	jwks := NewJWKSCache(idp.server.URL, time.Hour, zerolog.Nop())

	// Populate the cache with the current key.
	_, err := jwks.Key(idp.kid)
	require.NoError(t, err)

	// Rotate: server now serves a different kid, but cache TTL is an
	// hour, so a plain cache hit would miss it were it not for the
	// force-refresh-on-miss path.
	idp.kid = "rotated-kid"
	_, err = jwks.Key("rotated-kid")
	require.NoError(t, err)
}

func TestJWKSStaleOnError(t *testing.T) {
	idp := newTestIdP(t)
	jwks := NewJWKSCache(idp.server.URL, time.Millisecond, zerolog.Nop())

	_, err := jwks.Key(idp.kid)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	idp.serveFault = true

	key, err := jwks.Key(idp.kid)
	require.NoError(t, err, "stale key set should still serve a previously known key")
	require.NotNil(t, key)
}

func TestJWKSFailsOpenWhenNeverFetched(t *testing.T) {
	idp := newTestIdP(t)
	idp.serveFault = true
	jwks := NewJWKSCache(idp.server.URL, time.Hour, zerolog.Nop())

	_, err := jwks.Key(idp.kid)
	require.ErrorIs(t, err, ErrNoKeysAvailable)
}

func TestPermissionHierarchy(t *testing.T) {
	require.True(t, PermissionAdmin.Satisfies(PermissionReader))
	require.True(t, PermissionAdmin.Satisfies(PermissionWriter))
	require.True(t, PermissionWriter.Satisfies(PermissionReader))
	require.False(t, PermissionReader.Satisfies(PermissionWriter))
}

func TestPermissionsForRolesLegacyMapping(t *testing.T) {
	roles := map[string]struct{}{"operator": {}}
	cfg := RoleMapping{AdminRole: "admin", WriterRole: "writer", ReaderRole: "reader", LegacyRole: "operator"}

	perm, ok := PermissionsForRoles(roles, cfg)
	require.True(t, ok)
	require.Equal(t, PermissionWriter, perm)
}

func TestExtractRolesAggregatesVendorShapes(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"Admin"},
		"scp":   "reader writer",
		"groups": []any{"https://schemas.example.com/roles/operator"},
	}
	roles := extractRoles(claims, []string{"https://schemas.example.com/roles/"})

	require.Contains(t, roles, "admin")
	require.Contains(t, roles, "reader")
	require.Contains(t, roles, "writer")
	require.Contains(t, roles, "operator")
}

func TestIdentityTypeDetection(t *testing.T) {
	require.Equal(t, IdentityServicePrincipal, identityTypeFromClaims(map[string]any{"idtyp": "app"}))
	require.Equal(t, IdentityServicePrincipal, identityTypeFromClaims(map[string]any{"appid": "00000000-1111"}))
	require.Equal(t, IdentityUser, identityTypeFromClaims(map[string]any{"sub": "user-1"}))
}

func TestSessionStoreRejectsExpired(t *testing.T) {
	store := NewSessionStore(10 * time.Millisecond)
	id := store.Create(Identity{Subject: "user-1", Permission: PermissionReader})

	identity, err := store.Validate(id)
	require.NoError(t, err)
	require.Equal(t, "user-1", identity.Subject)

	time.Sleep(20 * time.Millisecond)
	_, err = store.Validate(id)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestSessionStoreClear(t *testing.T) {
	store := NewSessionStore(time.Hour)
	id := store.Create(Identity{Subject: "user-1"})
	store.Clear(id)

	_, err := store.Validate(id)
	require.ErrorIs(t, err, ErrSessionExpired)
}
