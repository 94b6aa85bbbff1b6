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

package ranger

import "strings"

const (
	snapshotSuffix  = "-snap"
	incrementSuffix = "-inc"
)

// IsSnapshotStream whether the stream or event name carries full state publishes
func IsSnapshotStream(name string) bool {
	return strings.HasSuffix(name, snapshotSuffix)
}

// IsIncrementStream whether the stream or event name carries delta publishes
func IsIncrementStream(name string) bool {
	return strings.HasSuffix(name, incrementSuffix)
}

// StoreKey the stream name without its snapshot or increment suffix
//
// Snapshots and increments of one object share a store key, ex: "eurusd.ob-snap" and
// "eurusd.ob-inc" are both "eurusd.ob".
func StoreKey(stream string) string {
	switch {
	case IsSnapshotStream(stream):
		return strings.TrimSuffix(stream, snapshotSuffix)
	case IsIncrementStream(stream):
		return strings.TrimSuffix(stream, incrementSuffix)
	default:
		return stream
	}
}

// incrementStreamOf the increment stream sharing a store key
func incrementStreamOf(storeKey string) string {
	return storeKey + incrementSuffix
}
