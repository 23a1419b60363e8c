package services

import (
	"errors"
	"fmt"

	"confroom/internal/core/domain"
	apperrors "confroom/pkg/errors"
	"confroom/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid join token")

// JoinClaims are the claims carried by a room join token.
type JoinClaims struct {
	domain.RoomSettings
	jwt.RegisteredClaims
}

// ParseJoinToken decodes the room settings from a join token. The token is
// issued and verified by the server; when key is non-empty the HMAC
// signature is checked locally as well.
func ParseJoinToken(raw string, key []byte) (*domain.JoinToken, error) {
	if raw == "" {
		return nil, apperrors.WrapError(ErrInvalidToken, apperrors.ErrCodeInvalidInput, apperrors.KindValidation, "join token is empty")
	}

	claims := &JoinClaims{}
	if len(key) > 0 {
		_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrInvalidToken
			}
			return key, nil
		})
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, apperrors.KindValidation, "join token rejected")
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, apperrors.KindValidation, "join token malformed")
		}
	}

	settings := claims.RoomSettings
	if err := validation.ValidateRoomID(string(settings.RoomID)); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, apperrors.KindValidation, "join token room")
	}
	if settings.UserName != "" {
		if err := validation.ValidateClientName(settings.UserName); err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, apperrors.KindValidation, "join token name")
		}
	}
	if settings.Role == "" {
		settings.Role = domain.RoleParticipant
	}
	if settings.Role != domain.RoleParticipant && settings.Role != domain.RoleModerator {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown role %q", settings.Role))
	}

	return &domain.JoinToken{Raw: raw, Settings: settings}, nil
}

// IssueJoinToken signs settings with key. Used by tooling and tests.
func IssueJoinToken(settings domain.RoomSettings, key []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &JoinClaims{RoomSettings: settings})
	return token.SignedString(key)
}
