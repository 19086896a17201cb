// Copyright 2025 Tom Barlow
//
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

// Package secretstore encrypts PersistentVars flagged sensitive before
// they reach a store.Backend, using an AES-256-GCM key resolved from
// the OS keychain.
package secretstore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	defaultKeychainService = "tabconductor"
	keychainAccount        = "vars-encryption-key"
	keyLength              = 32 // AES-256
)

// ErrUnavailable is returned when the OS keychain cannot be reached —
// locked, or no Secret Service/Keychain/Credential Manager present.
var ErrUnavailable = errors.New("keychain unavailable")

// ResolveKey fetches the AES-256 key this process uses to seal
// sensitive PersistentVars from the OS keychain, generating and
// persisting a new random one on first use. The same key is reused by
// every process on the machine so a sensitive var written by one
// daemon instance can be read back by another. service selects the
// keychain bucket the key is stored under (config's
// secrets.keyring_service); an empty string falls back to the default
// bucket name.
func ResolveKey(service string) ([]byte, error) {
	if service == "" {
		service = defaultKeychainService
	}
	existing, err := keyring.Get(service, keychainAccount)
	if err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(existing)
		if decodeErr != nil {
			return nil, fmt.Errorf("decode stored key: %w", decodeErr)
		}
		if len(key) != keyLength {
			return nil, fmt.Errorf("stored key has wrong length: got %d, want %d", len(key), keyLength)
		}
		return key, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		if isUnavailableError(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("read key from keychain: %w", err)
	}

	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := keyring.Set(service, keychainAccount, encoded); err != nil {
		if isUnavailableError(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("store new key in keychain: %w", err)
	}
	return key, nil
}

// isUnavailableError recognizes the keychain-locked/inaccessible error
// text go-keyring's backends surface across platforms.
func isUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"locked", "cannot access", "permission denied",
		"failed to unlock", "user interaction required",
		"secret service", "dbus", "user canceled",
	} {
		if strings.Contains(s, indicator) {
			return true
		}
	}
	return false
}
