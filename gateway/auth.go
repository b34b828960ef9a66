// Copyright 2025 CrossAudit
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// CallerClaims is the identity the upstream authorization gate asserts for
// each call. The gateway trusts these claims after signature verification;
// it performs no authentication of its own.
type CallerClaims struct {
	OrgID    string `json:"org_id"`
	CallerID string `json:"caller_id"`
	jwt.RegisteredClaims
}

// ParseCallerToken verifies an HS256 token from the upstream gate and
// extracts the caller identity.
func ParseCallerToken(tokenString string, secret []byte) (*CallerClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &CallerClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Reject algorithm substitution.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*CallerClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims or signature")
	}
	if claims.OrgID == "" {
		return nil, fmt.Errorf("token missing org_id claim")
	}
	return claims, nil
}

// SignCallerToken mints a token the way the upstream gate does. Used by the
// test suite and local tooling.
func SignCallerToken(orgID, callerID string, secret []byte) (string, error) {
	claims := &CallerClaims{OrgID: orgID, CallerID: callerID}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
