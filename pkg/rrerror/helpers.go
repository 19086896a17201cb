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

package rrerror

import "errors"

// Is is a thin re-export of errors.Is so callers only need this package.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is a thin re-export of errors.As so callers only need this package.
func As(err error, target any) bool { return errors.As(err, target) }

// Unwrap is a thin re-export of errors.Unwrap.
func Unwrap(err error) error { return errors.Unwrap(err) }
