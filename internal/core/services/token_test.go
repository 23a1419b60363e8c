package services

import (
	"testing"
	"time"

	"confroom/internal/core/domain"
	apperrors "confroom/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokenKey = []byte("room-secret")

func TestJoinToken_RoundTrip(t *testing.T) {
	settings := testToken().Settings
	settings.Role = domain.RoleModerator

	raw, err := IssueJoinToken(settings, tokenKey)
	require.NoError(t, err)

	token, err := ParseJoinToken(raw, tokenKey)
	require.NoError(t, err)
	assert.Equal(t, raw, token.Raw)
	assert.Equal(t, settings, token.Settings)

	// Without a key the claims are read but not verified.
	token, err = ParseJoinToken(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("room-1"), token.Settings.RoomID)
}

func TestJoinToken_DefaultsRole(t *testing.T) {
	raw, err := IssueJoinToken(domain.RoomSettings{RoomID: "room-1", UserName: "ada"}, tokenKey)
	require.NoError(t, err)

	token, err := ParseJoinToken(raw, tokenKey)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleParticipant, token.Settings.Role)
}

func TestJoinToken_Rejects(t *testing.T) {
	valid, err := IssueJoinToken(domain.RoomSettings{RoomID: "room-1", UserName: "ada"}, tokenKey)
	require.NoError(t, err)
	badRoom, err := IssueJoinToken(domain.RoomSettings{RoomID: "room 1!", UserName: "ada"}, tokenKey)
	require.NoError(t, err)
	badRole, err := IssueJoinToken(domain.RoomSettings{RoomID: "room-1", Role: "owner"}, tokenKey)
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &JoinClaims{
		RoomSettings:     domain.RoomSettings{RoomID: "room-1"},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	}).SignedString(tokenKey)
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
		key  []byte
	}{
		{"empty", "", nil},
		{"garbage", "not-a-jwt", nil},
		{"wrong key", valid, []byte("other-secret")},
		{"invalid room", badRoom, tokenKey},
		{"unknown role", badRole, tokenKey},
		{"expired", expired, tokenKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJoinToken(tt.raw, tt.key)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
		})
	}
}
