package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeys(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := priv.PublicKey()
	require.NoError(t, err)

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return priv, set
}

func newTestVerifier(t *testing.T, set jwk.Set) *Verifier {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(set))
	}))
	t.Cleanup(srv.Close)

	v, err := NewVerifier(srv.URL)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func signToken(t *testing.T, key jwk.Key, build func(*jwt.Builder) *jwt.Builder) string {
	t.Helper()
	b := jwt.NewBuilder().
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	b = build(b)
	tok, err := b.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func bearerRequest(t *testing.T, token string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/accounts/acc1/status", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestUserFromRequestValidToken(t *testing.T) {
	priv, set := newTestKeys(t)
	v := newTestVerifier(t, set)

	token := signToken(t, priv, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("user-1").Claim("email", "user@example.com")
	})

	user, err := v.UserFromRequest(bearerRequest(t, token))
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "user@example.com", user.Email)
}

func TestUserFromRequestMissingSubject(t *testing.T) {
	priv, set := newTestKeys(t)
	v := newTestVerifier(t, set)

	token := signToken(t, priv, func(b *jwt.Builder) *jwt.Builder {
		return b.Claim("email", "user@example.com")
	})

	_, err := v.UserFromRequest(bearerRequest(t, token))
	assert.ErrorContains(t, err, "missing subject")
}

func TestUserFromRequestRejectsForeignKey(t *testing.T) {
	_, set := newTestKeys(t)
	v := newTestVerifier(t, set)

	otherPriv, _ := newTestKeys(t)
	token := signToken(t, otherPriv, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("user-1")
	})

	_, err := v.UserFromRequest(bearerRequest(t, token))
	assert.Error(t, err)
}

func TestUserFromRequestRejectsExpiredToken(t *testing.T) {
	priv, set := newTestKeys(t)
	v := newTestVerifier(t, set)

	token := signToken(t, priv, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("user-1").Expiration(time.Now().Add(-time.Minute))
	})

	_, err := v.UserFromRequest(bearerRequest(t, token))
	assert.Error(t, err)
}

func TestVerifierCloseIsIdempotent(t *testing.T) {
	_, set := newTestKeys(t)
	v := newTestVerifier(t, set)

	v.Close()
	v.Close()
}
