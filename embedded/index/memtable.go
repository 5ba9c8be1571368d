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

import (
	"sort"
	"sync"
)

// MemTable holds the most recent index entries in memory until they are
// written into a PTable.
type MemTable struct {
	mutex   sync.RWMutex
	streams map[uint64][]Entry
	count   int
}

func NewMemTable() *MemTable {
	return &MemTable{streams: make(map[uint64][]Entry)}
}

func (m *MemTable) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.count
}

// Add inserts an entry keeping the per stream order. Exact duplicates are
// ignored.
func (m *MemTable) Add(stream uint64, version, position int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.add(Entry{Stream: stream, Version: version, Position: position})
}

func (m *MemTable) AddEntries(entries []Entry) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, e := range entries {
		m.add(e)
	}
}

func (m *MemTable) add(e Entry) {
	entries := m.streams[e.Stream]

	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Compare(e) >= 0
	})

	if i < len(entries) && entries[i] == e {
		return
	}

	entries = append(entries, Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e

	m.streams[e.Stream] = entries
	m.count++
}

// TryGetOneValue returns the position of the most recent entry for version.
func (m *MemTable) TryGetOneValue(stream uint64, version int64) (int64, bool) {
	entries := m.GetRange(stream, version, version, 1)
	if len(entries) == 0 {
		return 0, false
	}
	return entries[0].Position, true
}

func (m *MemTable) TryGetLatestEntry(stream uint64) (Entry, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	entries := m.streams[stream]
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}

func (m *MemTable) TryGetOldestEntry(stream uint64) (Entry, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	entries := m.streams[stream]
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[0], true
}

// GetRange returns entries with startVersion <= version <= endVersion, newest
// first. A limit <= 0 means no limit.
func (m *MemTable) GetRange(stream uint64, startVersion, endVersion int64, limit int) []Entry {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	entries := m.streams[stream]

	lo := sort.Search(len(entries), func(i int) bool {
		return entries[i].Version >= startVersion
	})

	hi := sort.Search(len(entries), func(i int) bool {
		return entries[i].Version > endVersion
	})

	var res []Entry

	for i := hi - 1; i >= lo; i-- {
		if limit > 0 && len(res) == limit {
			break
		}
		res = append(res, entries[i])
	}

	return res
}

// IterateAllInOrder returns every entry sorted by stream, version and position.
func (m *MemTable) IterateAllInOrder() []Entry {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	streams := make([]uint64, 0, len(m.streams))
	for s := range m.streams {
		streams = append(streams, s)
	}

	sort.Slice(streams, func(i, j int) bool { return streams[i] < streams[j] })

	res := make([]Entry, 0, m.count)
	for _, s := range streams {
		res = append(res, m.streams[s]...)
	}

	return res
}
