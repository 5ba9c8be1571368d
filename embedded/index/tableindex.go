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
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/multierr"
)

// StreamEntry is an index entry keyed by stream id.
type StreamEntry struct {
	Stream   string
	Version  int64
	Position int64
}

type pendingMemTable struct {
	mem               *MemTable
	prepareCheckpoint int64
	commitCheckpoint  int64
}

// TableIndex maps stream hashes and versions to log positions. Recent entries
// live in a memtable; full memtables are persisted as PTables in the
// background and merged level by level.
type TableIndex struct {
	dir  string
	opts *Options
	log  logger.Logger

	mutex sync.RWMutex

	mem               *MemTable
	prepareCheckpoint int64
	commitCheckpoint  int64

	// newest first
	awaiting []*pendingMemTable

	indexMap *IndexMap

	persisting bool
	persistWG  sync.WaitGroup
	persistErr error

	closed bool
}

// Open loads the index stored in dir. Tables that cannot be loaded make Open
// fail with ErrCorruptedIndex or ErrIndexVersionUnsupported, in which case the
// caller is expected to Reset the directory and rebuild.
func Open(dir string, opts *Options) (*TableIndex, error) {
	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}

	m, err := loadIndexMap(dir, opts.cacheDepth, opts.verifyHash)
	if err != nil {
		return nil, err
	}

	removeOrphanTables(dir, m, opts.logger)

	metricsPTables.Set(float64(len(m.Tables())))
	metricsMemTableEntries.Set(0)

	return &TableIndex{
		dir:               dir,
		opts:              opts,
		log:               opts.logger,
		mem:               NewMemTable(),
		prepareCheckpoint: m.prepareCheckpoint,
		commitCheckpoint:  m.commitCheckpoint,
		indexMap:          m,
	}, nil
}

// Reset wipes every index file in dir.
func Reset(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if name == IndexMapFilename || filepath.Ext(name) == ptableExt || filepath.Ext(name) == ".tmp" {
			err = os.Remove(filepath.Join(dir, name))
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// removeOrphanTables deletes tables left behind by an interrupted merge or
// memtable dump.
func removeOrphanTables(dir string, m *IndexMap, log logger.Logger) {
	inUse := make(map[string]bool)
	for _, t := range m.Tables() {
		inUse[filepath.Base(t.Path())] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, e := range entries {
		name := e.Name()

		if filepath.Ext(name) == ".tmp" || (filepath.Ext(name) == ptableExt && !inUse[name]) {
			log.Infof("index: removing orphan file %s", name)
			os.Remove(filepath.Join(dir, name))
		}
	}
}

func (ti *TableIndex) Hash(stream string) uint64 {
	return ti.opts.hasher.Hash(stream)
}

// CommitCheckpoint is the position of the last commit whose entries were added.
func (ti *TableIndex) CommitCheckpoint() int64 {
	ti.mutex.RLock()
	defer ti.mutex.RUnlock()

	return ti.commitCheckpoint
}

func (ti *TableIndex) PrepareCheckpoint() int64 {
	ti.mutex.RLock()
	defer ti.mutex.RUnlock()

	return ti.prepareCheckpoint
}

// PersistedCommitCheckpoint is the position of the last commit covered by
// PTables. Entries above it are lost on restart and must be re-added.
func (ti *TableIndex) PersistedCommitCheckpoint() int64 {
	ti.mutex.RLock()
	defer ti.mutex.RUnlock()

	return ti.indexMap.commitCheckpoint
}

func (ti *TableIndex) Add(commitPos int64, stream string, version, position int64) error {
	return ti.AddEntries(commitPos, []StreamEntry{{Stream: stream, Version: version, Position: position}})
}

// AddEntries indexes the events of a commit at commitPos.
func (ti *TableIndex) AddEntries(commitPos int64, entries []StreamEntry) error {
	ti.mutex.Lock()
	defer ti.mutex.Unlock()

	if ti.closed {
		return ErrAlreadyClosed
	}

	if ti.persistErr != nil {
		return ti.persistErr
	}

	for _, e := range entries {
		ti.mem.Add(ti.Hash(e.Stream), e.Version, e.Position)

		if e.Position > ti.prepareCheckpoint {
			ti.prepareCheckpoint = e.Position
		}
	}

	if commitPos > ti.commitCheckpoint {
		ti.commitCheckpoint = commitPos
	}

	count := ti.mem.Count()
	metricsMemTableEntries.Set(float64(count))

	if count >= ti.opts.maxMemTableSize {
		ti.rotateMemTable()
	}

	return nil
}

// rotateMemTable queues the current memtable for persistence. Callers hold
// the write lock.
func (ti *TableIndex) rotateMemTable() {
	ti.awaiting = append([]*pendingMemTable{{
		mem:               ti.mem,
		prepareCheckpoint: ti.prepareCheckpoint,
		commitCheckpoint:  ti.commitCheckpoint,
	}}, ti.awaiting...)

	ti.mem = NewMemTable()
	metricsMemTableEntries.Set(0)

	if !ti.persisting {
		ti.persisting = true
		ti.persistWG.Add(1)
		go ti.persistLoop()
	}
}

func (ti *TableIndex) persistLoop() {
	defer ti.persistWG.Done()

	for {
		ti.mutex.Lock()

		if len(ti.awaiting) == 0 || ti.persistErr != nil {
			ti.persisting = false
			ti.mutex.Unlock()
			return
		}

		pending := ti.awaiting[len(ti.awaiting)-1]
		current := ti.indexMap

		ti.mutex.Unlock()

		err := ti.persist(current, pending)
		if err != nil {
			ti.log.Errorf("index: unable to persist memtable: %v", err)

			ti.mutex.Lock()
			ti.persistErr = err
			ti.persisting = false
			ti.mutex.Unlock()

			return
		}
	}
}

// createdTables returns the tables made while building next from current:
// the new table and every merge result, including merges merged again.
func createdTables(current, next *IndexMap, replaced []*PTable) []*PTable {
	known := make(map[*PTable]bool)
	for _, t := range current.Tables() {
		known[t] = true
	}

	var created []*PTable

	for _, t := range append(next.Tables(), replaced...) {
		if !known[t] {
			known[t] = true
			created = append(created, t)
		}
	}

	return created
}

// persist is only run by the persistence goroutine, the sole writer of the
// index map.
func (ti *TableIndex) persist(current *IndexMap, pending *pendingMemTable) error {
	start := time.Now()

	t, err := CreatePTable(newPTablePath(ti.dir), pending.mem.IterateAllInOrder(), ti.opts.cacheDepth)
	if err != nil {
		return err
	}

	next, replaced, err := current.addPTable(ti.dir, t, pending.prepareCheckpoint, pending.commitCheckpoint, ti.opts)
	if err != nil {
		t.MarkForDestruction()
		t.Release()
		return err
	}

	err = next.write(ti.dir)
	if err != nil {
		for _, c := range createdTables(current, next, replaced) {
			c.MarkForDestruction()
			c.Release()
		}
		return err
	}

	ti.mutex.Lock()
	ti.indexMap = next
	ti.awaiting = ti.awaiting[:len(ti.awaiting)-1]
	ti.mutex.Unlock()

	for _, old := range replaced {
		old.MarkForDestruction()
		old.Release()
	}

	metricsPTables.Set(float64(len(next.Tables())))
	metricsPersistDuration.Observe(time.Since(start).Seconds())

	ti.log.Debugf("index: memtable persisted up to commit position %d", pending.commitCheckpoint)

	return nil
}

// Persist queues the current memtable, even if not full, and waits until
// every queued memtable is written.
func (ti *TableIndex) Persist() error {
	ti.mutex.Lock()

	if ti.closed {
		ti.mutex.Unlock()
		return ErrAlreadyClosed
	}

	if ti.mem.Count() > 0 {
		ti.rotateMemTable()
	}

	ti.mutex.Unlock()

	return ti.WaitForPersistence()
}

// WaitForPersistence blocks until the background persistence is idle.
func (ti *TableIndex) WaitForPersistence() error {
	ti.persistWG.Wait()

	ti.mutex.RLock()
	defer ti.mutex.RUnlock()

	return ti.persistErr
}

type view struct {
	mems   []*MemTable
	tables []*PTable
}

func (ti *TableIndex) acquireView() (*view, error) {
	ti.mutex.RLock()
	defer ti.mutex.RUnlock()

	if ti.closed {
		return nil, ErrAlreadyClosed
	}

	v := &view{mems: []*MemTable{ti.mem}}

	for _, p := range ti.awaiting {
		v.mems = append(v.mems, p.mem)
	}

	v.tables = ti.indexMap.Tables()
	for _, t := range v.tables {
		t.AddRef()
	}

	return v, nil
}

func (v *view) release() {
	for _, t := range v.tables {
		t.Release()
	}
}

// GetRange returns the entries of the stream hash with startVersion <=
// version <= endVersion, newest first. Entries of colliding streams are
// included. A limit <= 0 means no limit.
func (ti *TableIndex) GetRange(stream string, startVersion, endVersion int64, limit int) ([]Entry, error) {
	return ti.GetRangeByHash(ti.Hash(stream), startVersion, endVersion, limit)
}

func (ti *TableIndex) GetRangeByHash(hash uint64, startVersion, endVersion int64, limit int) ([]Entry, error) {
	if startVersion > endVersion {
		return nil, nil
	}

	v, err := ti.acquireView()
	if err != nil {
		return nil, err
	}
	defer v.release()

	var all []Entry

	for _, m := range v.mems {
		all = append(all, m.GetRange(hash, startVersion, endVersion, limit)...)
	}

	for _, t := range v.tables {
		entries, err := t.GetRange(hash, startVersion, endVersion, limit)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}

	sort.Slice(all, func(i, j int) bool { return descending(all[i], all[j]) })

	res := all[:0]
	for i, e := range all {
		if i > 0 && e == all[i-1] {
			continue
		}
		res = append(res, e)
		if limit > 0 && len(res) == limit {
			break
		}
	}

	return res, nil
}

// TryGetOneValue returns the most recent position indexed for version.
func (ti *TableIndex) TryGetOneValue(stream string, version int64) (int64, bool, error) {
	entries, err := ti.GetRange(stream, version, version, 1)
	if err != nil || len(entries) == 0 {
		return 0, false, err
	}
	return entries[0].Position, true, nil
}

func (ti *TableIndex) TryGetLatestEntry(stream string) (Entry, bool, error) {
	entries, err := ti.GetRange(stream, math.MinInt64, math.MaxInt64, 1)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[0], true, nil
}

func (ti *TableIndex) TryGetOldestEntry(stream string) (Entry, bool, error) {
	hash := ti.Hash(stream)

	v, err := ti.acquireView()
	if err != nil {
		return Entry{}, false, err
	}
	defer v.release()

	var oldest Entry
	found := false

	consider := func(e Entry) {
		if !found || e.Compare(oldest) < 0 {
			oldest = e
			found = true
		}
	}

	for _, m := range v.mems {
		if e, ok := m.TryGetOldestEntry(hash); ok {
			consider(e)
		}
	}

	for _, t := range v.tables {
		e, ok, err := t.TryGetOldestEntry(hash)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			consider(e)
		}
	}

	return oldest, found, nil
}

// Close waits for pending persistence and releases every table. Entries still
// in memory are dropped; they are re-added from the log on the next start.
func (ti *TableIndex) Close() error {
	ti.mutex.Lock()

	if ti.closed {
		ti.mutex.Unlock()
		return ErrAlreadyClosed
	}

	ti.closed = true

	ti.mutex.Unlock()

	ti.persistWG.Wait()

	merr := multierr.NewMultiErr()

	ti.mutex.Lock()
	merr.Append(ti.indexMap.Close())
	ti.mutex.Unlock()

	if err := merr.Reduce(); err != nil {
		return fmt.Errorf("index: %w", err)
	}

	return nil
}
