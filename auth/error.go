// Copyright 2021-2022 The ranger Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import "fmt"

// Error is returned when a bearer token can not be accepted
type Error struct {
	// Reason describes why the token was rejected
	Reason string
}

// Error implements error
func (e *Error) Error() string {
	if e.Reason == "" {
		return "Authorization failed"
	}
	return fmt.Sprintf("Authorization failed: %s", e.Reason)
}
