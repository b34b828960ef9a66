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
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCallerToken_RoundTrip(t *testing.T) {
	secret := []byte("unit-secret")
	token, err := SignCallerToken("org-42", "svc-billing", secret)
	require.NoError(t, err)

	claims, err := ParseCallerToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "org-42", claims.OrgID)
	assert.Equal(t, "svc-billing", claims.CallerID)
}

func TestParseCallerToken_WrongSecret(t *testing.T) {
	token, err := SignCallerToken("org-42", "svc-billing", []byte("secret-a"))
	require.NoError(t, err)

	_, err = ParseCallerToken(token, []byte("secret-b"))
	assert.Error(t, err)
}

func TestParseCallerToken_EmptyToken(t *testing.T) {
	_, err := ParseCallerToken("", []byte("secret"))
	assert.Error(t, err)
}

func TestParseCallerToken_MissingOrgClaim(t *testing.T) {
	secret := []byte("unit-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &CallerClaims{CallerID: "svc-billing"})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	_, err = ParseCallerToken(signed, secret)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "org_id")
}

func TestParseCallerToken_RejectsUnsignedAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &CallerClaims{OrgID: "org-42"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ParseCallerToken(signed, []byte("secret"))
	assert.Error(t, err)
}
