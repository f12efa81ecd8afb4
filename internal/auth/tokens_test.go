package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := NewIssuer([]byte("test-signing-key"), 10*time.Minute)

	tok, err := issuer.Mint(1, 42, 1000, now)
	require.NoError(t, err)

	claims, err := issuer.Verify(tok, now.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, claims.FileID)
	assert.EqualValues(t, 42, claims.ChunkID)
	assert.EqualValues(t, 1000, claims.SubjectID)
}

func TestVerifyExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := NewIssuer([]byte("k"), time.Minute)
	tok, err := issuer.Mint(1, 2, 3, now)
	require.NoError(t, err)

	_, err = issuer.Verify(tok, now.Add(2*time.Minute))
	assert.Error(t, err)
}

func TestVerifyWrongKey(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tok, err := NewIssuer([]byte("right"), time.Minute).Mint(1, 2, 3, now)
	require.NoError(t, err)

	_, err = NewIssuer([]byte("wrong"), time.Minute).Verify(tok, now)
	assert.Error(t, err)
}

func TestVerifyGarbage(t *testing.T) {
	issuer := NewIssuer([]byte("k"), time.Minute)
	_, err := issuer.Verify([]byte("not-a-token"), time.Unix(1700000000, 0))
	assert.Error(t, err)
}

func TestValidFor(t *testing.T) {
	issuer := NewIssuer([]byte("k"), 300*time.Second)
	assert.EqualValues(t, 300, issuer.ValidFor())
}
