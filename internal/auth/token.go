package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer is the issuer of operator tokens signed with the shared secret
const TokenIssuer = "sevaflow-api"

// OperatorClaims are carried by tokens minted with sevactl token. The subject
// is the operator ID recorded on the batches they submit.
type OperatorClaims struct {
	Email string   `json:"email,omitempty"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// SignOperatorToken mints an HS256 token for op. A zero ttl never expires.
func SignOperatorToken(op Operator, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		Email: op.Email,
		Name:  op.Name,
		Roles: op.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   TokenIssuer,
			Subject:  op.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateOperatorToken checks the signature and issuer of an HS256 operator token
func ValidateOperatorToken(tokenString, secret string) (*Operator, error) {
	claims := &OperatorClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidSubject
	}
	return &Operator{
		ID:    claims.Subject,
		Email: claims.Email,
		Name:  claims.Name,
		Roles: claims.Roles,
	}, nil
}
