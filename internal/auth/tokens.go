// Package auth mints and verifies the chunk access tokens handed out by
// the dev meta server and refreshed by chunk servers. The writer itself
// treats tokens as opaque bytes; only token issuers use this package.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ChunkClaims are the claims carried by a chunk access token.
type ChunkClaims struct {
	FileID    int64 `json:"fid"`
	ChunkID   int64 `json:"chunk"`
	SubjectID int64 `json:"subject,omitempty"` // first write id, when known
	jwt.RegisteredClaims
}

// Issuer mints HS256 chunk access tokens.
type Issuer struct {
	key      []byte
	validFor time.Duration
}

// NewIssuer creates an issuer with the given signing key and token
// lifetime.
func NewIssuer(key []byte, validFor time.Duration) *Issuer {
	return &Issuer{key: key, validFor: validFor}
}

// ValidFor returns the token lifetime in seconds, as advertised in
// allocate replies.
func (i *Issuer) ValidFor() int64 { return int64(i.validFor / time.Second) }

// Mint returns a signed chunk access token.
func (i *Issuer) Mint(fileID, chunkID, subjectID int64, now time.Time) ([]byte, error) {
	claims := ChunkClaims{
		FileID:    fileID,
		ChunkID:   chunkID,
		SubjectID: subjectID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.validFor)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("sign chunk access: %w", err)
	}
	return []byte(s), nil
}

// Verify checks the signature and expiry of a chunk access token and
// returns its claims.
func (i *Issuer) Verify(token []byte, now time.Time) (*ChunkClaims, error) {
	claims := &ChunkClaims{}
	_, err := jwt.ParseWithClaims(string(token), claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return i.key, nil
		},
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("verify chunk access: %w", err)
	}
	return claims, nil
}
