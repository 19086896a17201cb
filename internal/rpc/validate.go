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

package rpc

import (
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

var validRunStatuses = map[store.RunStatus]bool{
	store.RunQueued:    true,
	store.RunRunning:   true,
	store.RunPaused:    true,
	store.RunSucceeded: true,
	store.RunFailed:    true,
	store.RunCanceled:  true,
}

var validTriggerKinds = map[store.TriggerKind]bool{
	store.TriggerManual:     true,
	store.TriggerURL:        true,
	store.TriggerCron:       true,
	store.TriggerInterval:   true,
	store.TriggerOnce:       true,
	store.TriggerCommand:    true,
	store.TriggerContextMenu: true,
	store.TriggerDOM:        true,
}

// requireID returns a VALIDATION_ERROR naming field if value is empty.
// Every RPC handler that takes an id-shaped param runs it through this
// before touching storage.
func requireID(value, field string) error {
	if value == "" {
		return rrerror.Newf(rrerror.CodeValidation, "%s is required", field)
	}
	return nil
}

func validateRunStatus(s store.RunStatus) error {
	if !validRunStatuses[s] {
		return rrerror.Newf(rrerror.CodeValidation, "unknown run status %q", s)
	}
	return nil
}

func validateTriggerKind(k store.TriggerKind) error {
	if !validTriggerKinds[k] {
		return rrerror.Newf(rrerror.CodeValidation, "unknown trigger kind %q", k)
	}
	return nil
}
