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
	"context"
	"encoding/json"
	"fmt"

	"github.com/tombee/tabconductor/internal/store"
)

// sealedMarker is the JSON shape a sensitive PersistentVar's Value
// takes once encrypted, so a plaintext row and a sealed one are never
// ambiguous even if Sensitive is toggled between writes.
type sealedMarker struct {
	Sealed string `json:"__sealed"`
}

// EncryptingBackend wraps a store.Backend, sealing the Value of any
// PersistentVar flagged Sensitive before it reaches the embedded
// Backend's SetVar, and opening it again on GetVar/ListVars. Every
// other method passes straight through via the embedded interface.
type EncryptingBackend struct {
	store.Backend
	cipher *Cipher
}

// Wrap returns be with sensitive PersistentVar values sealed at rest
// using cipher.
func Wrap(be store.Backend, cipher *Cipher) *EncryptingBackend {
	return &EncryptingBackend{Backend: be, cipher: cipher}
}

// SetVar implements store.VarStore.
func (b *EncryptingBackend) SetVar(ctx context.Context, v *store.PersistentVar) error {
	return setVar(ctx, b.Backend, b.cipher, v)
}

// GetVar implements store.VarStore.
func (b *EncryptingBackend) GetVar(ctx context.Context, name string) (*store.PersistentVar, error) {
	return getVar(ctx, b.Backend, b.cipher, name)
}

// ListVars implements store.VarStore.
func (b *EncryptingBackend) ListVars(ctx context.Context) ([]*store.PersistentVar, error) {
	return listVars(ctx, b.Backend, b.cipher)
}

// WithTx wraps the embedded Backend's transaction so that SetVar/GetVar/
// ListVars called on the Tx handed to fn also seal/open sensitive
// values — a caller that composes a var write into a larger atomic
// transaction (e.g. alongside a RunEvent append) gets the same at-rest
// encryption a direct SetVar call would.
func (b *EncryptingBackend) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return b.Backend.WithTx(ctx, func(tx store.Tx) error {
		return fn(&encryptingTx{Tx: tx, cipher: b.cipher})
	})
}

type encryptingTx struct {
	store.Tx
	cipher *Cipher
}

func (t *encryptingTx) SetVar(ctx context.Context, v *store.PersistentVar) error {
	return setVar(ctx, t.Tx, t.cipher, v)
}

func (t *encryptingTx) GetVar(ctx context.Context, name string) (*store.PersistentVar, error) {
	return getVar(ctx, t.Tx, t.cipher, name)
}

func (t *encryptingTx) ListVars(ctx context.Context) ([]*store.PersistentVar, error) {
	return listVars(ctx, t.Tx, t.cipher)
}

func setVar(ctx context.Context, vs store.VarStore, c *Cipher, v *store.PersistentVar) error {
	if !v.Sensitive {
		return vs.SetVar(ctx, v)
	}
	sealed, err := seal(c, v.Value)
	if err != nil {
		return err
	}
	clone := *v
	clone.Value = sealed
	return vs.SetVar(ctx, &clone)
}

func getVar(ctx context.Context, vs store.VarStore, c *Cipher, name string) (*store.PersistentVar, error) {
	v, err := vs.GetVar(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := openInPlace(c, v); err != nil {
		return nil, err
	}
	return v, nil
}

func listVars(ctx context.Context, vs store.VarStore, c *Cipher) ([]*store.PersistentVar, error) {
	list, err := vs.ListVars(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range list {
		if err := openInPlace(c, v); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func seal(c *Cipher, value any) (sealedMarker, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return sealedMarker{}, fmt.Errorf("marshal sensitive var value: %w", err)
	}
	ciphertext, err := c.Seal(plaintext)
	if err != nil {
		return sealedMarker{}, fmt.Errorf("seal sensitive var value: %w", err)
	}
	return sealedMarker{Sealed: ciphertext}, nil
}

func openInPlace(c *Cipher, v *store.PersistentVar) error {
	if !v.Sensitive {
		return nil
	}
	marker, ok := asSealedMarker(v.Value)
	if !ok {
		// A sensitive var written before encryption was wired, or by a
		// caller that bypassed this wrapper — leave it as-is rather than
		// fail the read.
		return nil
	}
	plaintext, err := c.Open(marker.Sealed)
	if err != nil {
		return fmt.Errorf("open sensitive var %q: %w", v.Name, err)
	}
	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return fmt.Errorf("unmarshal sensitive var %q: %w", v.Name, err)
	}
	v.Value = value
	return nil
}

// asSealedMarker recovers a sealedMarker from v.Value, which may arrive
// either as the literal struct (same-process round trip through
// memstore) or as a map[string]any (after a JSON round trip through
// sqlitestore).
func asSealedMarker(value any) (sealedMarker, bool) {
	switch v := value.(type) {
	case sealedMarker:
		return v, true
	case map[string]any:
		s, ok := v["__sealed"].(string)
		if !ok {
			return sealedMarker{}, false
		}
		return sealedMarker{Sealed: s}, true
	default:
		return sealedMarker{}, false
	}
}
