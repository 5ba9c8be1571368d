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

import "encoding/binary"

const EntrySize = 24

// Entry points a (stream hash, version) pair to the log position of the
// prepare holding the event.
type Entry struct {
	Stream   uint64
	Version  int64
	Position int64
}

// Compare orders entries by stream, version and position.
func (e Entry) Compare(o Entry) int {
	switch {
	case e.Stream < o.Stream:
		return -1
	case e.Stream > o.Stream:
		return 1
	case e.Version < o.Version:
		return -1
	case e.Version > o.Version:
		return 1
	case e.Position < o.Position:
		return -1
	case e.Position > o.Position:
		return 1
	}
	return 0
}

func (e Entry) put(b []byte) {
	binary.LittleEndian.PutUint64(b, e.Stream)
	binary.LittleEndian.PutUint64(b[8:], uint64(e.Version))
	binary.LittleEndian.PutUint64(b[16:], uint64(e.Position))
}

func readEntry(b []byte) Entry {
	return Entry{
		Stream:   binary.LittleEndian.Uint64(b),
		Version:  int64(binary.LittleEndian.Uint64(b[8:])),
		Position: int64(binary.LittleEndian.Uint64(b[16:])),
	}
}

// descending sorts by version then position, newest first
func descending(a, b Entry) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.Position > b.Position
}
