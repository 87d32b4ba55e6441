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
	"strings"
	"testing"
)

func TestValidatePayload(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	secret := []byte("abcde12345")
	good := PayloadSignature(body, secret)

	var testcases = []struct {
		name   string
		sig    string
		secret []byte
		valid  bool
	}{
		{"correct signature validates", good, secret, true},
		{"missing prefix is rejected", strings.TrimPrefix(good, "sha256="), secret, false},
		{"empty signature is rejected", "", secret, false},
		{"flipped nibble is rejected", flipNibble(good), secret, false},
		{"non-hex digest is rejected", "sha256=zzzz", secret, false},
		{"wrong secret is rejected", good, []byte("other"), false},
		{"no secret accepts anything", "sha256=whatever", nil, true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidatePayload(body, tc.sig, tc.secret); got != tc.valid {
				t.Errorf("ValidatePayload() = %v, want %v", got, tc.valid)
			}
		})
	}
}

// flipNibble changes the last hex character of a signature.
func flipNibble(sig string) string {
	last := sig[len(sig)-1]
	repl := byte('0')
	if last == '0' {
		repl = '1'
	}
	return sig[:len(sig)-1] + string(repl)
}

func TestPayloadSignatureFormat(t *testing.T) {
	sig := PayloadSignature([]byte("b"), []byte("s"))
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature %q missing sha256= prefix", sig)
	}
	if len(sig) != len("sha256=")+64 {
		t.Fatalf("signature %q has wrong digest length", sig)
	}
}
