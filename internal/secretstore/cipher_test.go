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

package secretstore

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, keyLength)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestCipher_SealOpenRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	sealed, err := c.Seal([]byte(`{"token":"s3cr3t"}`))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "s3cr3t")

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"s3cr3t"}`, string(opened))
}

func TestCipher_SealProducesDistinctCiphertextEachCall(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	a, err := c.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := c.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "random nonce should make repeated seals differ")
}

func TestCipher_OpenRejectsTamperedCiphertext(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("payload"))
	require.NoError(t, err)
	tampered := sealed[:len(sealed)-2] + "zz"

	_, err = c.Open(tampered)
	assert.Error(t, err)
}

func TestCipher_OpenRejectsWrongKey(t *testing.T) {
	a, err := NewCipher(testKey(t))
	require.NoError(t, err)
	b, err := NewCipher(testKey(t))
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.Error(t, err)
}

func TestIsUnavailableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"locked keychain", errors.New("keychain is locked"), true},
		{"permission denied", errors.New("permission denied"), true},
		{"dbus error", errors.New("failed to connect to dbus"), true},
		{"user canceled", errors.New("user canceled the operation"), true},
		{"other error", errors.New("some other error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUnavailableError(tt.err))
		})
	}
}
