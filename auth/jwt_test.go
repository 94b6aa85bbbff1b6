package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/alwitt/ranger/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func encodePublicKey(t *testing.T, key interface{}) string {
	der, err := x509.MarshalPKIXPublicKey(key)
	assert.Nil(t, err)
	raw := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return base64.URLEncoding.EncodeToString(raw)
}

func sessionClaims(uid string) *Claims {
	now := time.Now()
	return &Claims{
		UID:   uid,
		Email: "user@example.com",
		Role:  "admin",
		Level: 4,
		State: "active",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   "session",
			Issuer:    "barong",
			Audience:  jwt.ClaimStrings{"peatio", "barong"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
}

func TestParsePublicKey(t *testing.T) {
	assert := assert.New(t)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.Nil(err)

	// Case 0: URL-safe base64 PEM
	{
		key, err := ParsePublicKey(encodePublicKey(t, &rsaKey.PublicKey), "RS256")
		assert.Nil(err)
		_, ok := key.(*rsa.PublicKey)
		assert.True(ok)
	}

	// Case 1: plain PEM
	{
		der, err := x509.MarshalPKIXPublicKey(&ecKey.PublicKey)
		assert.Nil(err)
		raw := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
		key, err := ParsePublicKey(string(raw), "ES256")
		assert.Nil(err)
		_, ok := key.(*ecdsa.PublicKey)
		assert.True(ok)
	}

	// Case 2: private key refused
	{
		raw := pem.EncodeToMemory(&pem.Block{
			Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey),
		})
		_, err := ParsePublicKey(base64.URLEncoding.EncodeToString(raw), "RS256")
		assert.NotNil(err)
	}

	// Case 3: missing or garbage key
	{
		_, err := ParsePublicKey("", "RS256")
		assert.NotNil(err)
		_, err = ParsePublicKey("not a key!", "RS256")
		assert.NotNil(err)
		_, err = ParsePublicKey(base64.URLEncoding.EncodeToString([]byte("hello")), "RS256")
		assert.NotNil(err)
	}

	// Case 4: key does not match the algorithm family
	{
		_, err := ParsePublicKey(encodePublicKey(t, &ecKey.PublicKey), "RS256")
		assert.NotNil(err)
	}
}

func TestJWTAuthenticator(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(err)

	cfg := common.JWTConfig{
		PublicKey: encodePublicKey(t, &privateKey.PublicKey),
		Algorithm: "RS256",
		Subject:   "session",
	}
	uut, err := NewJWTAuthenticator(cfg)
	assert.Nil(err)

	bearer := func(key interface{}, claims *Claims) string {
		token, err := EncodeToken(key, "RS256", claims)
		assert.Nil(err)
		return "Bearer " + token
	}

	// Case 0: valid token
	{
		claims, err := uut.Authenticate(bearer(privateKey, sessionClaims("IDABC0000001")))
		assert.Nil(err)
		assert.Equal("IDABC0000001", claims.UID)
		assert.Equal("user@example.com", claims.Email)
		assert.Equal(4, claims.Level)
	}

	// Case 1: bad token type
	{
		token, err := EncodeToken(privateKey, "RS256", sessionClaims("IDABC0000001"))
		assert.Nil(err)
		for _, header := range []string{"", token, "Basic " + token, "Bearer"} {
			_, err := uut.Authenticate(header)
			assert.NotNil(err)
			var authErr *Error
			assert.True(errors.As(err, &authErr))
			assert.Equal("Token type is not provided or invalid.", authErr.Reason)
		}
	}

	// Case 2: garbage token
	{
		_, err := uut.Authenticate("Bearer garbage")
		var authErr *Error
		assert.True(errors.As(err, &authErr))
		assert.Contains(err.Error(), "Authorization failed: Failed to decode and verify JWT")
	}

	// Case 3: wrong signer
	{
		_, err := uut.Authenticate(bearer(otherKey, sessionClaims("IDABC0000001")))
		assert.NotNil(err)
	}

	// Case 4: expired
	{
		claims := sessionClaims("IDABC0000001")
		claims.IssuedAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := uut.Authenticate(bearer(privateKey, claims))
		assert.NotNil(err)
	}

	// Case 5: wrong subject
	{
		claims := sessionClaims("IDABC0000001")
		claims.Subject = "api"
		_, err := uut.Authenticate(bearer(privateKey, claims))
		assert.NotNil(err)
	}

	// Case 6: missing uid or jti
	{
		_, err := uut.Authenticate(bearer(privateKey, sessionClaims("")))
		assert.NotNil(err)
		claims := sessionClaims("IDABC0000001")
		claims.ID = ""
		_, err = uut.Authenticate(bearer(privateKey, claims))
		assert.NotNil(err)
	}

	// Case 7: issued in the future
	{
		claims := sessionClaims("IDABC0000001")
		claims.IssuedAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
		_, err := uut.Authenticate(bearer(privateKey, claims))
		assert.NotNil(err)
	}

	// Case 8: unexpected signing method
	{
		token, err := EncodeToken([]byte("secret"), "HS256", sessionClaims("IDABC0000001"))
		assert.Nil(err)
		_, err = uut.Authenticate("Bearer " + token)
		assert.NotNil(err)
	}
}

func TestJWTAuthenticatorIssuerAudience(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(err)

	cfg := common.JWTConfig{
		PublicKey: encodePublicKey(t, &privateKey.PublicKey),
		Algorithm: "RS256",
		Subject:   "session",
		Issuer:    "barong",
		Audience:  []string{"peatio", ""},
		Leeway:    30,
	}
	uut, err := NewJWTAuthenticator(cfg)
	assert.Nil(err)

	sign := func(claims *Claims) string {
		token, err := EncodeToken(privateKey, "RS256", claims)
		assert.Nil(err)
		return "Bearer " + token
	}

	// Case 0: issuer and audience accepted
	{
		_, err := uut.Authenticate(sign(sessionClaims("IDABC0000001")))
		assert.Nil(err)
	}

	// Case 1: wrong issuer
	{
		claims := sessionClaims("IDABC0000001")
		claims.Issuer = "someone"
		_, err := uut.Authenticate(sign(claims))
		assert.NotNil(err)
	}

	// Case 2: no matching audience
	{
		claims := sessionClaims("IDABC0000001")
		claims.Audience = jwt.ClaimStrings{"applogic"}
		_, err := uut.Authenticate(sign(claims))
		assert.NotNil(err)
	}

	// Case 3: expired within leeway
	{
		claims := sessionClaims("IDABC0000001")
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Second * 10))
		_, err := uut.Authenticate(sign(claims))
		assert.Nil(err)
	}

	// Case 4: bad configuration
	{
		_, err := NewJWTAuthenticator(common.JWTConfig{Algorithm: "RS256", Subject: "session"})
		assert.NotNil(err)
		_, err = NewJWTAuthenticator(common.JWTConfig{
			PublicKey: cfg.PublicKey, Algorithm: "XX999", Subject: "session",
		})
		assert.NotNil(err)
	}
}
