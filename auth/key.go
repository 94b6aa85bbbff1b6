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
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// decodeKeyMaterial accept a PEM document either as is, or base64 encoded
func decodeKeyMaterial(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, fmt.Errorf("JWT public key was not specified")
	}
	if strings.HasPrefix(trimmed, "-----BEGIN") {
		return []byte(trimmed), nil
	}
	for _, encoding := range []*base64.Encoding{
		base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding, base64.RawStdEncoding,
	} {
		if decoded, err := encoding.DecodeString(trimmed); err == nil {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("JWT public key is not base64 encoded")
}

// ParsePublicKey parse the signature verification key of a signing algorithm
//
// The key is a PEM document, optionally base64 (URL-safe or standard) encoded. Private
// keys are refused.
func ParsePublicKey(encoded, algorithm string) (interface{}, error) {
	material, err := decodeKeyMaterial(encoded)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(material)
	if block == nil {
		return nil, fmt.Errorf("JWT public key is not a PEM document")
	}
	if strings.Contains(block.Type, "PRIVATE") {
		return nil, fmt.Errorf("JWT public key was set to private key, however it should be public")
	}
	switch {
	case strings.HasPrefix(algorithm, "RS"):
		return jwt.ParseRSAPublicKeyFromPEM(material)
	case strings.HasPrefix(algorithm, "ES"):
		return jwt.ParseECPublicKeyFromPEM(material)
	default:
		return nil, fmt.Errorf("unsupported JWT algorithm %s", algorithm)
	}
}
