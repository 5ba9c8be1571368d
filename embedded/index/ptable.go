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
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/codenotary/eventdb/embedded/fileutils"
)

const (
	PTableHeaderSize = 128
	PTableFooterSize = sha256.Size

	PTableFileType  byte = 1
	PTableVersionV1 byte = 1

	keyWidth   = 8
	valueWidth = 8
)

// PTable is an immutable, sorted file of index entries. Midpoints sampled at
// open time narrow lookups to a small window of the file.
type PTable struct {
	path    string
	f       *os.File
	version byte
	count   int64

	midpoints []midpoint

	refs    atomic.Int32
	destroy atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

type midpoint struct {
	index int64
	entry Entry
}

func ptableHeader(count int64) []byte {
	h := make([]byte, PTableHeaderSize)

	h[0] = PTableFileType
	h[1] = PTableVersionV1
	h[2] = keyWidth
	h[3] = valueWidth
	binary.LittleEndian.PutUint64(h[4:], uint64(count))

	return h
}

// entryIterator yields entries in ascending order and io.EOF at the end.
type entryIterator interface {
	Next() (Entry, error)
}

type sliceIterator struct {
	entries []Entry
	i       int
}

func (it *sliceIterator) Next() (Entry, error) {
	if it.i == len(it.entries) {
		return Entry{}, io.EOF
	}
	e := it.entries[it.i]
	it.i++
	return e, nil
}

// CreatePTable writes sorted entries into a new table file.
func CreatePTable(path string, entries []Entry, cacheDepth int) (*PTable, error) {
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Compare(entries[i]) > 0 {
			return nil, fmt.Errorf("%w: entries are not sorted", ErrIllegalArguments)
		}
	}

	return writePTable(path, &sliceIterator{entries: entries}, cacheDepth)
}

func writePTable(path string, it entryIterator, cacheDepth int) (*PTable, error) {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	err = writeEntries(f, it)
	if err == nil {
		err = f.Sync()
	}
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err == nil {
		err = fileutils.SyncDir(filepath.Dir(path))
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	return OpenPTable(path, cacheDepth, false)
}

func writeEntries(f *os.File, it entryIterator) error {
	_, err := f.Seek(PTableHeaderSize, io.SeekStart)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)

	var count int64
	var last Entry
	var b [EntrySize]byte

	for {
		e, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		if count > 0 && last.Compare(e) > 0 {
			return fmt.Errorf("%w: entries out of order", ErrIllegalState)
		}

		e.put(b[:])

		_, err = w.Write(b[:])
		if err != nil {
			return err
		}

		last = e
		count++
	}

	err = w.Flush()
	if err != nil {
		return err
	}

	_, err = f.WriteAt(ptableHeader(count), 0)
	if err != nil {
		return err
	}

	size := PTableHeaderSize + count*EntrySize

	h := sha256.New()

	_, err = io.Copy(h, io.NewSectionReader(f, 0, size))
	if err != nil {
		return err
	}

	_, err = f.WriteAt(h.Sum(nil), size)
	return err
}

// OpenPTable opens a table file. The whole file is hashed when verifyHash
// is set.
func OpenPTable(path string, cacheDepth int, verifyHash bool) (*PTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	t, err := openPTable(path, f, cacheDepth, verifyHash)
	if err != nil {
		f.Close()
		return nil, err
	}

	return t, nil
}

func openPTable(path string, f *os.File, cacheDepth int, verifyHash bool) (*PTable, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if stat.Size() < PTableHeaderSize+PTableFooterSize {
		return nil, fmt.Errorf("%w: table %s is too small", ErrCorruptedIndex, filepath.Base(path))
	}

	header := make([]byte, PTableHeaderSize)

	_, err = f.ReadAt(header, 0)
	if err != nil {
		return nil, err
	}

	if header[0] != PTableFileType {
		return nil, fmt.Errorf("%w: unexpected file type %d", ErrCorruptedIndex, header[0])
	}

	if header[1] != PTableVersionV1 {
		return nil, fmt.Errorf("%w: table version %d", ErrIndexVersionUnsupported, header[1])
	}

	if header[2] != keyWidth || header[3] != valueWidth {
		return nil, fmt.Errorf("%w: unexpected key/value width", ErrCorruptedIndex)
	}

	count := int64(binary.LittleEndian.Uint64(header[4:]))

	if count < 0 || stat.Size() != PTableHeaderSize+count*EntrySize+PTableFooterSize {
		return nil, fmt.Errorf("%w: table %s size does not match its entry count", ErrCorruptedIndex, filepath.Base(path))
	}

	t := &PTable{
		path:    path,
		f:       f,
		version: header[1],
		count:   count,
	}

	if verifyHash {
		err = t.verifyHash()
		if err != nil {
			return nil, err
		}
	}

	err = t.cacheMidpoints(cacheDepth)
	if err != nil {
		return nil, err
	}

	t.refs.Store(1)

	return t, nil
}

func (t *PTable) verifyHash() error {
	size := PTableHeaderSize + t.count*EntrySize

	h := sha256.New()

	_, err := io.Copy(h, io.NewSectionReader(t.f, 0, size))
	if err != nil {
		return err
	}

	footer := make([]byte, PTableFooterSize)

	_, err = t.f.ReadAt(footer, size)
	if err != nil {
		return err
	}

	if !bytes.Equal(h.Sum(nil), footer) {
		return fmt.Errorf("%w: table %s hash mismatch", ErrCorruptedIndex, filepath.Base(t.path))
	}

	return nil
}

func (t *PTable) cacheMidpoints(depth int) error {
	if t.count == 0 || depth <= 0 {
		return nil
	}

	n := int64(1) << depth
	if n > t.count {
		n = t.count
	}
	if n < 2 {
		n = 2
	}

	t.midpoints = make([]midpoint, 0, n)

	for i := int64(0); i < n; i++ {
		idx := i * (t.count - 1) / (n - 1)

		if len(t.midpoints) > 0 && t.midpoints[len(t.midpoints)-1].index == idx {
			continue
		}

		e, err := t.readEntry(idx)
		if err != nil {
			return err
		}

		t.midpoints = append(t.midpoints, midpoint{index: idx, entry: e})
	}

	return nil
}

func (t *PTable) Path() string {
	return t.path
}

func (t *PTable) Version() byte {
	return t.version
}

func (t *PTable) Count() int64 {
	return t.count
}

func (t *PTable) readEntry(i int64) (Entry, error) {
	var b [EntrySize]byte

	_, err := t.f.ReadAt(b[:], PTableHeaderSize+i*EntrySize)
	if err != nil {
		return Entry{}, err
	}

	return readEntry(b[:]), nil
}

func (t *PTable) readEntries(from, to int64) ([]Entry, error) {
	if from >= to {
		return nil, nil
	}

	b := make([]byte, (to-from)*EntrySize)

	_, err := t.f.ReadAt(b, PTableHeaderSize+from*EntrySize)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, to-from)
	for i := range entries {
		entries[i] = readEntry(b[i*EntrySize:])
	}

	return entries, nil
}

// search returns the first index whose entry satisfies pred, pred being
// monotone over the table order.
func (t *PTable) search(pred func(Entry) bool) (int64, error) {
	lo, hi := int64(0), t.count

	if len(t.midpoints) > 0 {
		j := sort.Search(len(t.midpoints), func(i int) bool {
			return pred(t.midpoints[i].entry)
		})

		if j < len(t.midpoints) {
			hi = t.midpoints[j].index
		}
		if j > 0 {
			lo = t.midpoints[j-1].index + 1
		}
	}

	for lo < hi {
		mid := lo + (hi-lo)/2

		e, err := t.readEntry(mid)
		if err != nil {
			return 0, err
		}

		if pred(e) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	return lo, nil
}

func (t *PTable) bounds(stream uint64, startVersion, endVersion int64) (int64, int64, error) {
	first := Entry{Stream: stream, Version: startVersion, Position: math.MinInt64}
	last := Entry{Stream: stream, Version: endVersion, Position: math.MaxInt64}

	lo, err := t.search(func(e Entry) bool { return e.Compare(first) >= 0 })
	if err != nil {
		return 0, 0, err
	}

	hi, err := t.search(func(e Entry) bool { return e.Compare(last) > 0 })
	if err != nil {
		return 0, 0, err
	}

	return lo, hi, nil
}

// GetRange returns entries with startVersion <= version <= endVersion, newest
// first. A limit <= 0 means no limit.
func (t *PTable) GetRange(stream uint64, startVersion, endVersion int64, limit int) ([]Entry, error) {
	if startVersion > endVersion {
		return nil, nil
	}

	lo, hi, err := t.bounds(stream, startVersion, endVersion)
	if err != nil {
		return nil, err
	}

	if limit > 0 && hi-lo > int64(limit) {
		lo = hi - int64(limit)
	}

	entries, err := t.readEntries(lo, hi)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}

func (t *PTable) TryGetOneValue(stream uint64, version int64) (int64, bool, error) {
	entries, err := t.GetRange(stream, version, version, 1)
	if err != nil || len(entries) == 0 {
		return 0, false, err
	}
	return entries[0].Position, true, nil
}

func (t *PTable) TryGetLatestEntry(stream uint64) (Entry, bool, error) {
	entries, err := t.GetRange(stream, math.MinInt64, math.MaxInt64, 1)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[0], true, nil
}

func (t *PTable) TryGetOldestEntry(stream uint64) (Entry, bool, error) {
	lo, hi, err := t.bounds(stream, math.MinInt64, math.MaxInt64)
	if err != nil || lo == hi {
		return Entry{}, false, err
	}

	e, err := t.readEntry(lo)
	if err != nil {
		return Entry{}, false, err
	}

	return e, true, nil
}

type ptableIterator struct {
	r         *bufio.Reader
	remaining int64
	b         [EntrySize]byte
}

// iterator reads every entry in order.
func (t *PTable) iterator() *ptableIterator {
	return &ptableIterator{
		r:         bufio.NewReaderSize(io.NewSectionReader(t.f, PTableHeaderSize, t.count*EntrySize), 64*1024),
		remaining: t.count,
	}
}

func (it *ptableIterator) Next() (Entry, error) {
	if it.remaining == 0 {
		return Entry{}, io.EOF
	}

	_, err := io.ReadFull(it.r, it.b[:])
	if err != nil {
		return Entry{}, err
	}

	it.remaining--

	return readEntry(it.b[:]), nil
}

// AddRef must be balanced by Release.
func (t *PTable) AddRef() {
	t.refs.Add(1)
}

// Release drops a reference. The file is closed, and deleted when marked for
// destruction, once no reference is left.
func (t *PTable) Release() error {
	if t.refs.Add(-1) > 0 {
		return nil
	}

	t.closeOnce.Do(func() {
		t.closeErr = t.f.Close()

		if t.destroy.Load() {
			err := os.Remove(t.path)
			if t.closeErr == nil {
				t.closeErr = err
			}
		}
	})

	return t.closeErr
}

// MarkForDestruction deletes the file when the last reference is released.
func (t *PTable) MarkForDestruction() {
	t.destroy.Store(true)
}
