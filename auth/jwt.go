// Copyright 2021-2022 The ranger Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/ranger/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// Authenticator verifies the value of an "Authorization" header
type Authenticator interface {
	// Authenticate verify "Bearer <token>" and return its claims. Failures are *Error.
	Authenticate(header string) (*Claims, error)
}

// Claims are the JWT claims of an exchange user session
type Claims struct {
	// UID is the user identity
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	Level int    `json:"level,omitempty"`
	State string `json:"state,omitempty"`
	jwt.RegisteredClaims
}

// Validate claim checks beyond the registered claims
func (c Claims) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("missing jti")
	}
	if strings.TrimSpace(c.UID) == "" {
		return fmt.Errorf("missing uid")
	}
	return nil
}

// JWTAuthenticator verifies bearer JWTs signed by the session issuer
type JWTAuthenticator struct {
	common.Component
	key       interface{}
	audiences []string
	options   []jwt.ParserOption
}

// NewJWTAuthenticator define new JWTAuthenticator
func NewJWTAuthenticator(cfg common.JWTConfig) (*JWTAuthenticator, error) {
	logTags := log.Fields{
		"module": "auth", "component": "jwt-authenticator", "instance": cfg.Algorithm,
	}
	if jwt.GetSigningMethod(cfg.Algorithm) == nil {
		err := fmt.Errorf("unknown JWT algorithm %s", cfg.Algorithm)
		log.WithError(err).WithFields(logTags).Error("Unable to define authenticator")
		return nil, err
	}
	key, err := ParsePublicKey(cfg.PublicKey, cfg.Algorithm)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to load public key")
		return nil, err
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{cfg.Algorithm}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Second * time.Duration(cfg.Leeway)),
	}
	if cfg.Subject != "" {
		options = append(options, jwt.WithSubject(cfg.Subject))
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	audiences := []string{}
	for _, aud := range cfg.Audience {
		if aud = strings.TrimSpace(aud); aud != "" {
			audiences = append(audiences, aud)
		}
	}
	return &JWTAuthenticator{
		Component: common.Component{LogTags: logTags},
		key:       key,
		audiences: audiences,
		options:   options,
	}, nil
}

// Authenticate verify "Bearer <token>" and return its claims
func (a *JWTAuthenticator) Authenticate(header string) (*Claims, error) {
	fields := strings.Fields(header)
	if len(fields) != 2 || fields[0] != "Bearer" {
		return nil, &Error{Reason: "Token type is not provided or invalid."}
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		fields[1], claims, func(_ *jwt.Token) (interface{}, error) { return a.key, nil }, a.options...,
	)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Debug("Token rejected")
		return nil, &Error{Reason: fmt.Sprintf("Failed to decode and verify JWT: %s", err.Error())}
	}
	if len(a.audiences) > 0 && !a.audienceAccepted(claims.Audience) {
		return nil, &Error{Reason: "Failed to decode and verify JWT: Invalid audience"}
	}
	return claims, nil
}

// audienceAccepted whether any of the token audiences is configured
func (a *JWTAuthenticator) audienceAccepted(tokenAudience jwt.ClaimStrings) bool {
	for _, have := range tokenAudience {
		for _, want := range a.audiences {
			if have == want {
				return true
			}
		}
	}
	return false
}

// EncodeToken sign claims into a JWT with a private key
func EncodeToken(privateKey interface{}, algorithm string, claims *Claims) (string, error) {
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return "", fmt.Errorf("unknown JWT algorithm %s", algorithm)
	}
	if privateKey == nil {
		return "", fmt.Errorf("no private key given")
	}
	return jwt.NewWithClaims(method, claims).SignedString(privateKey)
}
