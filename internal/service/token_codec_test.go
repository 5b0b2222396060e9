package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/fitsync-api/internal/models"
	appErrors "github.com/fitsync/fitsync-api/pkg/errors"
)

func TestAccessTokenCodecRoundTrip(t *testing.T) {
	codec := NewAccessTokenCodec("signing-secret", "fitsync-test", []string{"fitsync"})
	user := &models.User{ID: "user-1", Username: "coach", Email: "coach@example.com", Role: models.RoleTrainer}
	now := time.Now().UTC()

	token, err := codec.Encode(user, now, now.Add(time.Hour))
	require.NoError(t, err)

	claims, err := codec.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "coach", claims.Username)
	assert.Equal(t, "coach@example.com", claims.Email)
	assert.Equal(t, models.RoleTrainer, claims.Role)
	assert.Equal(t, "fitsync-test", claims.Issuer)
}

func TestAccessTokenCodecRejectsWrongKey(t *testing.T) {
	codec := NewAccessTokenCodec("signing-secret", "fitsync-test", nil)
	other := NewAccessTokenCodec("different-secret", "fitsync-test", nil)
	user := &models.User{ID: "user-1", Role: models.RoleClient}
	now := time.Now().UTC()

	token, err := codec.Encode(user, now, now.Add(time.Hour))
	require.NoError(t, err)

	_, err = other.Decode(token)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrTokenInvalidSignature))
}

func TestAccessTokenCodecRejectsExpired(t *testing.T) {
	codec := NewAccessTokenCodec("signing-secret", "fitsync-test", nil)
	user := &models.User{ID: "user-1", Role: models.RoleClient}
	issued := time.Now().UTC().Add(-2 * time.Hour)

	token, err := codec.Encode(user, issued, issued.Add(time.Hour))
	require.NoError(t, err)

	_, err = codec.Decode(token)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrTokenExpired))
}

func TestAccessTokenCodecRejectsMalformed(t *testing.T) {
	codec := NewAccessTokenCodec("signing-secret", "fitsync-test", nil)

	_, err := codec.Decode("not-a-jwt")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrTokenMalformed))
}
