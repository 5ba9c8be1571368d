/*
Copyright 2022 Codenotary Inc. All rights reserved.

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

package index

import "github.com/cespare/xxhash/v2"

// Hasher maps a stream id to the 64 bit key used by index entries. Distinct
// streams may collide; readers resolve collisions against the log.
type Hasher interface {
	Hash(stream string) uint64
}

type XXHasher struct{}

func (XXHasher) Hash(stream string) uint64 {
	return xxhash.Sum64String(stream)
}

// HasherFunc adapts a plain function to the Hasher interface.
type HasherFunc func(stream string) uint64

func (f HasherFunc) Hash(stream string) uint64 {
	return f(stream)
}
