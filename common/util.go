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

package common

import (
	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// CopyLogTags helper function for creating a copy of a log.Fields which can be
// extended without modifying the original
func CopyLogTags(tags log.Fields, extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range tags {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}
