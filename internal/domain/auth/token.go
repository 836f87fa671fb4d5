package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	UserID       string `json:"uid"`
	CompanyID    string `json:"cid"`
	RoleName     string `json:"role"`
	TeamID       string `json:"tid,omitempty"`
	EmployeeID   string `json:"eid,omitempty"`
	DepartmentID string `json:"did,omitempty"`
	jwt.RegisteredClaims
}

// Caller converts verified claims into a request identity. The role is kept
// verbatim so that the scope resolver decides what an unknown role means.
func (c Claims) Caller() Caller {
	return Caller{
		UserID:       c.UserID,
		Role:         Role(c.RoleName),
		CompanyID:    c.CompanyID,
		TeamID:       c.TeamID,
		EmployeeID:   c.EmployeeID,
		DepartmentID: c.DepartmentID,
	}
}

func GenerateToken(secret string, claims Claims, ttl time.Duration) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
