package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName carries the signed anonymous session token.
const CookieName = "downpour_session"

const ctxAnonID = "anonID"

type Claims struct {
	AnonID string `json:"aid"`
	jwt.RegisteredClaims
}

func GenerateSessionToken(anonID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		AnonID: anonID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   anonID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseSessionToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.AnonID != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// SessionAnonID reads the anonymous identity from the request's session cookie.
func SessionAnonID(r *http.Request, secret string) (string, bool) {
	ck, err := r.Cookie(CookieName)
	if err != nil || ck.Value == "" {
		return "", false
	}
	claims, err := ParseSessionToken(ck.Value, secret)
	if err != nil {
		return "", false
	}
	return claims.AnonID, true
}

// AnonSession 为没有有效会话的请求签发新的匿名身份 cookie。
func AnonSession(secret string, ttl time.Duration, secure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		anonID, ok := SessionAnonID(c.Request, secret)
		if !ok {
			anonID = uuid.NewString()
			token, err := GenerateSessionToken(anonID, secret, ttl)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
				return
			}
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(CookieName, token, int(ttl.Seconds()), "/", "", secure, true)
		}
		c.Set(ctxAnonID, anonID)
		c.Next()
	}
}

func GetAnonID(c *gin.Context) string {
	if v, ok := c.Get(ctxAnonID); ok {
		if id, ok2 := v.(string); ok2 {
			return id
		}
	}
	return ""
}
