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
	"container/heap"
	"errors"
	"io"
)

// SameStreamFunc reports whether two entries sharing stream hash and version
// point to events of the same stream. It lets a merge drop stale duplicates
// while keeping genuine hash collisions.
type SameStreamFunc func(a, b Entry) (bool, error)

// MergePTables writes the k-way merge of tables into a new table at path.
func MergePTables(path string, tables []*PTable, sameStream SameStreamFunc, cacheDepth int) (*PTable, error) {
	its := make([]entryIterator, len(tables))
	for i, t := range tables {
		its[i] = t.iterator()
	}

	merged, err := newMergeIterator(its)
	if err != nil {
		return nil, err
	}

	return writePTable(path, &dedupIterator{src: merged, sameStream: sameStream}, cacheDepth)
}

type mergeItem struct {
	e   Entry
	src int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int           { return len(h) }
func (h mergeHeap) Less(i, j int) bool { return h[i].e.Compare(h[j].e) < 0 }
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(mergeItem))
}

func (h *mergeHeap) Pop() any {
	old := *h
	item := old[len(old)-1]
	*h = old[:len(old)-1]
	return item
}

type mergeIterator struct {
	its []entryIterator
	h   mergeHeap
}

func newMergeIterator(its []entryIterator) (*mergeIterator, error) {
	m := &mergeIterator{its: its}

	for i := range its {
		err := m.pull(i)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *mergeIterator) pull(src int) error {
	e, err := m.its[src].Next()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}

	heap.Push(&m.h, mergeItem{e: e, src: src})

	return nil
}

func (m *mergeIterator) Next() (Entry, error) {
	if m.h.Len() == 0 {
		return Entry{}, io.EOF
	}

	item := heap.Pop(&m.h).(mergeItem)

	err := m.pull(item.src)
	if err != nil {
		return Entry{}, err
	}

	return item.e, nil
}

// dedupIterator drops exact duplicates and, for entries of the same stream
// and version, keeps only the one with the highest position.
type dedupIterator struct {
	src        entryIterator
	sameStream SameStreamFunc

	next    *Entry
	pending []Entry
	done    bool
}

func (it *dedupIterator) Next() (Entry, error) {
	for len(it.pending) == 0 {
		if it.done {
			return Entry{}, io.EOF
		}

		err := it.fillGroup()
		if err != nil {
			return Entry{}, err
		}
	}

	e := it.pending[0]
	it.pending = it.pending[1:]

	return e, nil
}

// fillGroup collects the next run of entries sharing stream hash and version.
func (it *dedupIterator) fillGroup() error {
	var group []Entry

	if it.next != nil {
		group = append(group, *it.next)
		it.next = nil
	}

	for {
		e, err := it.src.Next()
		if errors.Is(err, io.EOF) {
			it.done = true
			break
		}
		if err != nil {
			return err
		}

		if len(group) == 0 {
			group = append(group, e)
			continue
		}

		last := group[len(group)-1]

		if e == last {
			continue
		}

		if e.Stream != last.Stream || e.Version != last.Version {
			it.next = &e
			break
		}

		group = append(group, e)
	}

	kept, err := it.resolve(group)
	if err != nil {
		return err
	}

	it.pending = kept

	return nil
}

func (it *dedupIterator) resolve(group []Entry) ([]Entry, error) {
	if len(group) < 2 || it.sameStream == nil {
		return group, nil
	}

	kept := make([]Entry, 0, len(group))

	// group is ordered by position, a later entry supersedes an earlier one
	// of the same stream
	for i, e := range group {
		superseded := false

		for _, later := range group[i+1:] {
			same, err := it.sameStream(e, later)
			if err != nil {
				return nil, err
			}
			if same {
				superseded = true
				break
			}
		}

		if !superseded {
			kept = append(kept, e)
		}
	}

	return kept, nil
}
