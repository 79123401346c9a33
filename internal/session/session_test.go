package session

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/iap-keeper/internal/errs"
)

func makeJWT(t *testing.T, sub string, key []byte, method jwt.SigningMethod, iat time.Time, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(iat),
		NotBefore: jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestWithSession_And_FromContext(t *testing.T) {
	t.Parallel()

	_, ok := FromContext(context.Background())
	require.False(t, ok)

	want := Session{UserID: uuid.Must(uuid.NewV4()), Token: "t"}
	got, ok := FromContext(WithSession(context.Background(), want))
	require.True(t, ok)
	require.Equal(t, want, got)

	_, ok = FromContext(WithSession(context.Background(), Session{}))
	require.False(t, ok, "nil user id is not a session")
}

func TestContextProvider(t *testing.T) {
	t.Parallel()

	var p ContextProvider
	_, err := p.Current(context.Background())
	require.ErrorIs(t, err, errs.ErrNoSession)

	s := Session{UserID: uuid.Must(uuid.NewV4())}
	got, err := p.Current(WithSession(context.Background(), s))
	require.NoError(t, err)
	require.Equal(t, s.UserID, got.UserID)
}

func TestParse_VerifiedHS256(t *testing.T) {
	t.Parallel()

	key := []byte("k")
	id := uuid.Must(uuid.NewV4())
	tok := makeJWT(t, id.String(), key, jwt.SigningMethodHS256, time.Now(), time.Minute)

	s, err := Parse(tok, key)
	require.NoError(t, err)
	require.Equal(t, id, s.UserID)
	require.Equal(t, tok, s.Token)
	require.False(t, s.ExpiresAt.IsZero())

	_, err = Parse(tok, []byte("other"))
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestParse_Rejections(t *testing.T) {
	t.Parallel()

	key := []byte("k")
	expired := makeJWT(t, uuid.Must(uuid.NewV4()).String(), key, jwt.SigningMethodHS256, time.Now().Add(-2*time.Hour), time.Minute)
	_, err := Parse(expired, key)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	badSub := makeJWT(t, "not-a-uuid", key, jwt.SigningMethodHS256, time.Now(), time.Minute)
	_, err = Parse(badSub, key)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	hs512 := makeJWT(t, uuid.Must(uuid.NewV4()).String(), key, jwt.SigningMethodHS512, time.Now(), time.Minute)
	_, err = Parse(hs512, key)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = Parse("garbage", nil)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestParse_UnverifiedStillChecksExpiry(t *testing.T) {
	t.Parallel()

	id := uuid.Must(uuid.NewV4())
	tok := makeJWT(t, id.String(), []byte("issuer-secret"), jwt.SigningMethodHS256, time.Now(), time.Minute)
	s, err := Parse(tok, nil)
	require.NoError(t, err)
	require.Equal(t, id, s.UserID)

	old := makeJWT(t, id.String(), []byte("issuer-secret"), jwt.SigningMethodHS256, time.Now().Add(-time.Hour), time.Minute)
	_, err = Parse(old, nil)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestIssue_RoundTripsThroughStatic(t *testing.T) {
	t.Parallel()

	key := []byte("dev")
	id := uuid.Must(uuid.NewV4())
	tok, exp, err := Issue(id, key, time.Minute)
	require.NoError(t, err)
	require.True(t, exp.After(time.Now()))

	p, err := NewStatic(tok, key)
	require.NoError(t, err)
	s, err := p.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, s.UserID)
}
