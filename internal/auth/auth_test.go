package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Verify(t *testing.T) {
	verifier := New(Config{Secret: "s3cret", Issuer: "telemetry-relay", TTL: time.Hour})
	valid, err := verifier.Issue(Identity{UserID: 7, Username: "ops"})
	require.NoError(t, err)

	expired, err := New(Config{
		Secret: "s3cret",
		TTL:    time.Minute,
		Now:    func() time.Time { return time.Now().Add(-time.Hour) },
	}).Issue(Identity{UserID: 7})
	require.NoError(t, err)

	otherSecret, err := New(Config{Secret: "other"}).Issue(Identity{UserID: 7})
	require.NoError(t, err)

	noUser, err := verifier.Issue(Identity{Username: "ghost"})
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 7}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := []struct {
		name        string
		token       string
		expected    Identity
		expectedErr error
	}{
		{name: "valid", token: valid, expected: Identity{UserID: 7, Username: "ops"}},
		{name: "expired", token: expired, expectedErr: ErrInvalidToken},
		{name: "wrong secret", token: otherSecret, expectedErr: ErrInvalidToken},
		{name: "missing user", token: noUser, expectedErr: ErrInvalidToken},
		{name: "unsigned", token: none, expectedErr: ErrInvalidToken},
		{name: "garbage", token: "not.a.token", expectedErr: ErrInvalidToken},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := verifier.Verify(tt.token)
			assert.ErrorIs(t, err, tt.expectedErr)
			assert.Equal(t, tt.expected, got)
		})
	}
}
