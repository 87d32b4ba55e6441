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

package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/sirupsen/logrus"
)

const signaturePrefix = "sha256="

// ValidatePayload ensures that the request payload signature matches
// the secret. The signature comes from the X-Hub-Signature-256 header
// and has the form "sha256=<hex hmac>". The comparison is constant
// time.
//
// An empty secret accepts everything: that is development mode and it
// logs a warning. A configured secret with a missing signature rejects.
func ValidatePayload(payload []byte, sig string, secret []byte) bool {
	if len(secret) == 0 {
		logrus.Warning("No webhook secret configured, skipping signature verification.")
		return true
	}
	if sig == "" {
		logrus.Warning("No signature provided on webhook request.")
		return false
	}
	if !strings.HasPrefix(sig, signaturePrefix) {
		return false
	}
	sb, err := hex.DecodeString(strings.TrimPrefix(sig, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := mac.Sum(nil)
	return hmac.Equal(sb, expected)
}

// PayloadSignature returns the signature header value that matches the
// payload under the given secret.
func PayloadSignature(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
