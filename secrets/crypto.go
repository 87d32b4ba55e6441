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

// Package secrets encrypts tenant secrets at rest and censors their
// plaintext out of anything we log or stream.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 100000
	keyLength     = 32
)

// Keyring derives per-tenant encryption keys from the deployment's
// master key. The tenant ID salts the derivation, so one tenant's key
// is useless against another tenant's ciphertext.
type Keyring struct {
	master []byte
}

// NewKeyring wraps the master key.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) == 0 {
		return nil, errors.New("master key must not be empty")
	}
	return &Keyring{master: master}, nil
}

// key derives the AES key for a tenant.
func (k *Keyring) key(tenantID uuid.UUID) []byte {
	return pbkdf2.Key(k.master, []byte(tenantID.String()), keyIterations, keyLength, sha256.New)
}

// Seal encrypts a secret value for the tenant with AES-256-GCM. The
// nonce is prepended to the returned ciphertext.
func (k *Keyring) Seal(tenantID uuid.UUID, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.key(tenantID))
	if err != nil {
		return nil, errors.Wrap(err, "creating cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCM")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "generating nonce")
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value Seal produced for the tenant.
func (k *Keyring) Open(tenantID uuid.UUID, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.key(tenantID))
	if err != nil {
		return nil, errors.Wrap(err, "creating cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCM")
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypting")
	}
	return plaintext, nil
}
