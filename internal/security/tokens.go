package security

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/baechuer/messenger-server/internal/domain"
)

const accessTokenType = "access"

// TokenIssuer mints and verifies HS256 access tokens. The subject claim
// carries the user id; the "type" claim pins the token class so refresh
// tokens can never be replayed as access tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

type accessClaims struct {
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

func (i *TokenIssuer) TTL() time.Duration { return i.ttl }

func (i *TokenIssuer) SignAccessToken(userID string) (string, error) {
	now := time.Now()
	claims := accessClaims{
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", domain.ErrInternal(err)
	}
	return signed, nil
}

// VerifyAccessToken returns the subject user id of a valid access token.
func (i *TokenIssuer) VerifyAccessToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &accessClaims{}, func(t *jwt.Token) (any, error) {
		// prevent alg confusion
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, domain.ErrInvalidToken("Invalid or expired access token")
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		// expired, malformed and bad-signature tokens all map to the same 401
		return "", domain.ErrInvalidToken("Invalid or expired access token")
	}

	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid {
		return "", domain.ErrInvalidToken("Invalid or expired access token")
	}
	if claims.TokenType != accessTokenType {
		return "", domain.ErrInvalidToken("Invalid token type")
	}
	if claims.Subject == "" {
		return "", domain.ErrInvalidToken("Token payload is invalid")
	}
	return claims.Subject, nil
}
