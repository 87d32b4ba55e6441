/*
Copyright 2024 The MCI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

const (
	// APIKeyPrefix starts every API key.
	APIKeyPrefix = "mci_"
	// RunnerTokenPrefix starts every runner registration token.
	RunnerTokenPrefix = "mci_runner_"

	// keyPrefixLength is how much of a key is stored in the clear for
	// display ("mci_AbCd...").
	keyPrefixLength = 8

	tokenEntropyBytes = 32
)

// GenerateAPIKey returns a new API key, its display prefix, and the
// hash to store. The full key is shown once and never persisted.
func GenerateAPIKey() (key, prefix, hash string, err error) {
	return generate(APIKeyPrefix)
}

// GenerateRunnerToken returns a new runner registration token and the
// hash to store.
func GenerateRunnerToken() (token, prefix, hash string, err error) {
	return generate(RunnerTokenPrefix)
}

func generate(fixed string) (string, string, string, error) {
	raw := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", errors.Wrap(err, "reading entropy")
	}
	token := fixed + base64.RawURLEncoding.EncodeToString(raw)
	prefix := token
	if len(prefix) > keyPrefixLength {
		prefix = prefix[:keyPrefixLength]
	}
	return token, prefix, HashToken(token), nil
}

// HashToken returns the hex SHA-256 digest stored in place of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken compares a presented token against a stored hash in
// constant time.
func VerifyToken(token, storedHash string) bool {
	computed := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// IsRunnerToken reports whether the token carries the runner prefix.
func IsRunnerToken(token string) bool {
	return strings.HasPrefix(token, RunnerTokenPrefix)
}

// ScopeAllows reports whether any granted scope covers the required
// "resource:action" scope. "*" grants everything; "resource:*" grants
// every action on the resource.
func ScopeAllows(granted []string, required string) bool {
	resource := required
	if i := strings.IndexByte(required, ':'); i >= 0 {
		resource = required[:i]
	}
	for _, scope := range granted {
		switch scope {
		case "*", required, resource + ":*":
			return true
		}
	}
	return false
}
