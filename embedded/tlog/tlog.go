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

package tlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/codenotary/eventdb/embedded"
	"github.com/codenotary/eventdb/embedded/cache"
	"github.com/codenotary/eventdb/embedded/checkpoint"
	"github.com/codenotary/eventdb/embedded/chunk"
	"github.com/codenotary/eventdb/embedded/fileutils"
	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/logrecord"
	"github.com/codenotary/eventdb/embedded/multierr"
	"github.com/codenotary/eventdb/embedded/watchers"
	"github.com/google/uuid"
)

var ErrAlreadyClosed = fmt.Errorf("tlog: %w", embedded.ErrAlreadyClosed)
var ErrRecordNotFound = fmt.Errorf("tlog: %w", embedded.ErrRecordNotFound)
var ErrChunkCorrupted = fmt.Errorf("tlog: %w", embedded.ErrChunkCorrupted)
var ErrIllegalArguments = fmt.Errorf("tlog: %w", embedded.ErrIllegalArguments)
var ErrIllegalState = fmt.Errorf("tlog: %w", embedded.ErrIllegalState)
var ErrEndOfLog = errors.New("tlog: end of log")
var ErrRecordTooLarge = errors.New("tlog: record does not fit into a chunk")

const chunkFileFormat = "chunk-%06d.%06d"

// Log is a sequence of fixed size chunks addressed by logical position:
// position = chunkNumber*chunkSize + position inside the chunk data area.
// Appends are serialized. Reads never go past the writer checkpoint.
type Log struct {
	path string
	opts *Options
	log  logger.Logger

	chunkSize int64

	writer checkpoint.Checkpoint

	// write path
	mutex      sync.Mutex
	writePos   int64
	physical   *physicalChunk
	flushedHub *watchers.WatchersHub

	// active is replaced holding both mutex and chunksMutex
	active    *chunk.Chunk
	activeRef *chunkRef
	activeNum int32

	// completed chunks opened for reads
	chunksMutex sync.Mutex
	completed   *cache.LRUCache[int32, *chunkRef]

	closed bool
}

type chunkRef struct {
	c       *chunk.Chunk
	refs    int
	evicted bool
}

// Open opens the log stored in path, recovering it to the writer checkpoint:
// chunks beyond the checkpoint are removed and the active chunk is truncated
// to its last flushed record.
func Open(path string, writer checkpoint.Checkpoint, opts *Options) (*Log, error) {
	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	if writer == nil {
		return nil, ErrIllegalArguments
	}

	err = os.MkdirAll(path, 0755)
	if err != nil {
		return nil, err
	}

	completed, err := cache.NewLRUCache[int32, *chunkRef](opts.maxOpenedChunks)
	if err != nil {
		return nil, err
	}

	l := &Log{
		path:      path,
		opts:      opts,
		log:       opts.logger,
		chunkSize: int64(opts.chunkSize),
		writer:    writer,
		completed: completed,
	}

	err = l.recover()
	if err != nil {
		if l.active != nil {
			l.active.Close()
		}
		return nil, err
	}

	l.flushedHub = watchers.New(l.writer.Read(), opts.maxWaitees)

	metricsWriterCheckpoint.Set(float64(l.writer.Read()))

	return l, nil
}

func (l *Log) chunkPath(num int32) string {
	return filepath.Join(l.path, fmt.Sprintf(chunkFileFormat, num, 0))
}

func chunkNumbers(path string) ([]int32, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	var nums []int32

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		var num, version int32

		_, err := fmt.Sscanf(e.Name(), chunkFileFormat, &num, &version)
		if err != nil || fmt.Sprintf(chunkFileFormat, num, version) != e.Name() {
			continue
		}

		nums = append(nums, num)
	}

	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	return nums, nil
}

func (l *Log) recover() error {
	writerPos := l.writer.Read()
	if writerPos < 0 {
		return fmt.Errorf("%w: negative writer checkpoint", ErrIllegalState)
	}

	lastNum := int32(writerPos / l.chunkSize)

	nums, err := chunkNumbers(l.path)
	if err != nil {
		return err
	}

	present := make(map[int32]bool, len(nums))

	for _, num := range nums {
		if num > lastNum {
			l.log.Warningf("tlog: removing chunk %d located after writer checkpoint %d", num, writerPos)

			err = os.Remove(l.chunkPath(num))
			if err != nil {
				return err
			}
			continue
		}
		present[num] = true
	}

	for num := int32(0); num < lastNum; num++ {
		if !present[num] {
			return fmt.Errorf("%w: chunk %d is missing", ErrChunkCorrupted, num)
		}
	}

	// the last completed chunk is the one most likely hit by a crash
	firstChecked := lastNum - 1
	if l.opts.verifyOnOpen {
		firstChecked = 0
	}

	for num := firstChecked; num >= 0 && num < lastNum; num++ {
		err := l.checkCompleted(num)
		if err != nil {
			return err
		}
	}

	chunkStart := int64(lastNum) * l.chunkSize

	if !present[lastNum] {
		if writerPos != chunkStart {
			return fmt.Errorf("%w: chunk %d holding the writer checkpoint is missing", ErrChunkCorrupted, lastNum)
		}
		return l.createActive(lastNum, nil)
	}

	c, err := chunk.Open(l.chunkPath(lastNum), l.opts.chunkOptions(), l.opts.verifyHash)
	if err != nil {
		return err
	}

	l.setActive(lastNum, c)

	if c.IsCompleted() {
		// completed but the checkpoint did not make it to disk
		l.log.Infof("tlog: chunk %d found completed, moving writer checkpoint to its end", lastNum)

		l.writePos = chunkStart + l.chunkSize

		err = l.flushCheckpointOnly()
		if err != nil {
			return err
		}

		return l.createActive(lastNum+1, nil)
	}

	err = c.InitActive(writerPos - chunkStart)
	if err != nil {
		return err
	}

	l.writePos = writerPos

	return nil
}

func (l *Log) checkCompleted(num int32) error {
	c, err := chunk.Open(l.chunkPath(num), l.opts.chunkOptions(), true)
	if err != nil {
		return fmt.Errorf("chunk %d: %w", num, err)
	}
	defer c.Close()

	if !c.IsCompleted() {
		return fmt.Errorf("%w: chunk %d precedes the writer checkpoint but is not completed", ErrChunkCorrupted, num)
	}

	return nil
}

// createActive adds a new active chunk. When headerBytes is nil a fresh
// header is generated.
func (l *Log) createActive(num int32, headerBytes []byte) error {
	if headerBytes == nil {
		h := &chunk.Header{
			Version:          chunk.Version,
			ChunkSize:        l.opts.chunkSize,
			ChunkStartNumber: num,
			ChunkEndNumber:   num,
			ChunkID:          uuid.New(),
		}
		headerBytes = h.Bytes()
	}

	c, err := chunk.CreateWithHeader(l.chunkPath(num), headerBytes, l.opts.chunkOptions())
	if err != nil {
		return err
	}

	l.setActive(num, c)
	l.writePos = int64(num) * l.chunkSize

	return nil
}

// setActive installs c as the active chunk. A completed previous active
// chunk is handed over to the read cache.
func (l *Log) setActive(num int32, c *chunk.Chunk) {
	l.chunksMutex.Lock()
	defer l.chunksMutex.Unlock()

	if l.activeRef != nil {
		if l.activeRef.c.IsCompleted() {
			l.putCompleted(l.activeNum, l.activeRef)
		} else {
			l.dropRef(l.activeRef)
		}
	}

	l.active = c
	l.activeRef = &chunkRef{c: c}
	l.activeNum = num
}

func (l *Log) dropRef(ref *chunkRef) {
	ref.evicted = true
	if ref.refs == 0 {
		ref.c.Close()
	}
}

func (l *Log) putCompleted(num int32, ref *chunkRef) {
	_, evicted, wasEvicted, err := l.completed.Put(num, ref)
	if err != nil || !wasEvicted {
		return
	}

	metricsCacheEvicted.Inc()

	l.dropRef(evicted)
}

func (l *Log) ChunkSize() int64 {
	return l.chunkSize
}

// Path returns the directory holding the chunk files.
func (l *Log) Path() string {
	return l.path
}

// WriterCheckpoint is the flushed end of the log.
func (l *Log) WriterCheckpoint() int64 {
	return l.writer.Read()
}

// Position is the logical position the next record would be written at,
// including unflushed appends.
func (l *Log) Position() int64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.writePos
}

// Append writes rec at the end of the log and returns its position. The
// record is repositioned, moving to the next chunk when it does not fit into
// the active one.
func (l *Log) Append(rec logrecord.LogRecord) (int64, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	err := l.checkWritable()
	if err != nil {
		return 0, err
	}

	logrecord.Reposition(rec, l.writePos)

	bs, err := logrecord.Marshal(rec)
	if err != nil {
		return 0, err
	}

	if chunk.FramedSize(len(bs)) > l.chunkSize {
		return 0, ErrRecordTooLarge
	}

	local, ok, err := l.active.TryAppend(bs)
	if err != nil {
		return 0, err
	}

	if !ok {
		err = l.completeActive()
		if err != nil {
			return 0, err
		}

		err = l.createActive(l.activeNum+1, nil)
		if err != nil {
			return 0, err
		}

		logrecord.Reposition(rec, l.writePos)

		bs, err = logrecord.Marshal(rec)
		if err != nil {
			return 0, err
		}

		local, ok, err = l.active.TryAppend(bs)
		if err != nil {
			return 0, err
		}

		if !ok {
			return 0, fmt.Errorf("%w: record does not fit into an empty chunk", ErrIllegalState)
		}
	}

	pos := int64(l.activeNum)*l.chunkSize + local
	l.writePos = pos + chunk.FramedSize(len(bs))

	metricsAppendedRecords.Inc()
	metricsWrittenBytes.Add(float64(chunk.FramedSize(len(bs))))

	return pos, nil
}

func (l *Log) checkWritable() error {
	if l.closed {
		return ErrAlreadyClosed
	}

	if l.physical != nil {
		return fmt.Errorf("%w: a physical chunk transfer is in progress", ErrIllegalState)
	}

	if l.active == nil || l.active.IsCompleted() {
		return fmt.Errorf("%w: no active chunk", ErrIllegalState)
	}

	return nil
}

// completeActive writes the active chunk footer and moves the writer
// checkpoint to the chunk end.
func (l *Log) completeActive() error {
	_, err := l.active.Complete()
	if err != nil {
		return err
	}

	metricsCompletedChunks.Inc()

	l.writePos = int64(l.activeNum+1) * l.chunkSize

	return l.flushCheckpoint()
}

func (l *Log) flushCheckpoint() error {
	err := l.flushCheckpointOnly()
	if err != nil {
		return err
	}

	return l.flushedHub.DoneUpto(l.writePos)
}

func (l *Log) flushCheckpointOnly() error {
	l.writer.Write(l.writePos)

	err := l.writer.Flush()
	if err != nil {
		return err
	}

	metricsWriterCheckpoint.Set(float64(l.writePos))

	return nil
}

// Flush makes every appended record durable and advances the writer
// checkpoint.
func (l *Log) Flush() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return ErrAlreadyClosed
	}

	if l.writePos == l.writer.Read() {
		return nil
	}

	if l.active != nil && !l.active.IsCompleted() {
		err := l.active.Flush()
		if err != nil {
			return err
		}
	}

	return l.flushCheckpoint()
}

// CompleteChunk closes the active chunk and starts a new one.
func (l *Log) CompleteChunk() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	err := l.checkWritable()
	if err != nil {
		return err
	}

	err = l.completeActive()
	if err != nil {
		return err
	}

	return l.createActive(l.activeNum+1, nil)
}

// WaitForFlush blocks until the writer checkpoint is beyond pos.
func (l *Log) WaitForFlush(ctx context.Context, pos int64) error {
	return l.flushedHub.WaitFor(ctx, pos)
}

// acquire returns the chunk holding the given number. Callers must release it.
func (l *Log) acquire(num int32) (*chunk.Chunk, func(), error) {
	l.chunksMutex.Lock()
	defer l.chunksMutex.Unlock()

	if l.activeRef == nil {
		return nil, nil, ErrAlreadyClosed
	}

	if num < 0 || num > l.activeNum {
		return nil, nil, fmt.Errorf("%w: chunk %d does not exist", ErrRecordNotFound, num)
	}

	var ref *chunkRef

	if num == l.activeNum {
		ref = l.activeRef
	} else if cached, err := l.completed.Get(num); err == nil {
		metricsCacheHit.Inc()
		ref = cached
	} else {
		metricsCacheMiss.Inc()

		c, err := chunk.Open(l.chunkPath(num), l.opts.chunkOptions(), l.opts.verifyHash)
		if err != nil {
			return nil, nil, err
		}

		if !c.IsCompleted() {
			c.Close()
			return nil, nil, fmt.Errorf("%w: chunk %d is not completed", ErrChunkCorrupted, num)
		}

		ref = &chunkRef{c: c}
		l.putCompleted(num, ref)
	}

	ref.refs++

	release := func() {
		l.chunksMutex.Lock()
		defer l.chunksMutex.Unlock()

		ref.refs--
		if ref.refs == 0 && ref.evicted {
			ref.c.Close()
		}
	}

	return ref.c, release, nil
}

func (l *Log) locate(pos int64) (num int32, local int64) {
	return int32(pos / l.chunkSize), pos % l.chunkSize
}

// ReadAt reads the record starting at pos.
func (l *Log) ReadAt(pos int64) (logrecord.LogRecord, error) {
	res, err := l.read(pos)
	if err != nil {
		return nil, err
	}
	return res.Record, nil
}

// ReadResult is a record and the position of its neighbours.
type ReadResult struct {
	Record       logrecord.LogRecord
	Position     int64
	NextPosition int64
}

func (l *Log) read(pos int64) (*ReadResult, error) {
	metricsReads.Inc()

	if pos < 0 || pos >= l.writer.Read() {
		return nil, fmt.Errorf("%w: position %d is beyond the writer checkpoint", ErrRecordNotFound, pos)
	}

	num, local := l.locate(pos)

	c, release, err := l.acquire(num)
	if err != nil {
		metricsReadErrors.Inc()
		return nil, err
	}
	defer release()

	bs, next, err := c.ReadRecordAt(local)
	if err != nil {
		metricsReadErrors.Inc()
		return nil, err
	}

	rec, err := logrecord.Unmarshal(bs)
	if err != nil {
		metricsReadErrors.Inc()
		return nil, fmt.Errorf("%w: %v at position %d", ErrChunkCorrupted, err, pos)
	}

	if rec.Position() != pos {
		metricsReadErrors.Inc()
		return nil, fmt.Errorf("%w: record at %d claims position %d", ErrChunkCorrupted, pos, rec.Position())
	}

	nextPos := int64(num)*l.chunkSize + next
	if c.IsCompleted() && next == c.DataSize() {
		nextPos = int64(num+1) * l.chunkSize
	}

	return &ReadResult{Record: rec, Position: pos, NextPosition: nextPos}, nil
}

// ReadNext returns the first record starting at or after pos, skipping the
// unused tail of completed chunks. ErrEndOfLog is returned at the writer
// checkpoint.
func (l *Log) ReadNext(pos int64) (*ReadResult, error) {
	for {
		if pos >= l.writer.Read() {
			return nil, ErrEndOfLog
		}

		num, local := l.locate(pos)

		c, release, err := l.acquire(num)
		if err != nil {
			return nil, err
		}

		completed := c.IsCompleted()
		dataSize := c.DataSize()
		release()

		if local >= dataSize {
			if !completed {
				return nil, ErrEndOfLog
			}
			pos = int64(num+1) * l.chunkSize
			continue
		}

		return l.read(pos)
	}
}

// ReadPrev returns the record ending right before pos.
func (l *Log) ReadPrev(pos int64) (*ReadResult, error) {
	if writerPos := l.writer.Read(); pos > writerPos {
		pos = writerPos
	}

	for {
		if pos <= 0 {
			return nil, ErrEndOfLog
		}

		num, local := l.locate(pos)
		if local == 0 {
			num--
			local = l.chunkSize
		}

		c, release, err := l.acquire(num)
		if err != nil {
			return nil, err
		}

		if dataSize := c.DataSize(); local > dataSize {
			local = dataSize
		}

		if local == 0 {
			release()
			pos = int64(num) * l.chunkSize
			continue
		}

		bs, prev, err := c.ReadRecordBefore(local)
		release()
		if err != nil {
			return nil, err
		}

		rec, err := logrecord.Unmarshal(bs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChunkCorrupted, err)
		}

		prevPos := int64(num)*l.chunkSize + prev

		if rec.Position() != prevPos {
			return nil, fmt.Errorf("%w: record at %d claims position %d", ErrChunkCorrupted, prevPos, rec.Position())
		}

		return &ReadResult{Record: rec, Position: prevPos, NextPosition: pos}, nil
	}
}

func (l *Log) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return ErrAlreadyClosed
	}

	l.closed = true

	merr := multierr.NewMultiErr()

	if l.physical != nil {
		merr.Append(l.physical.abort())
		l.physical = nil
	}

	l.chunksMutex.Lock()

	if l.activeRef != nil {
		l.activeRef.evicted = true
		merr.Append(l.activeRef.c.Close())
		l.activeRef = nil
		l.active = nil
	}

	merr.Append(l.completed.Purge(func(_ int32, ref *chunkRef) error {
		ref.evicted = true
		if ref.refs == 0 {
			return ref.c.Close()
		}
		return nil
	}))

	l.chunksMutex.Unlock()

	merr.Append(l.flushedHub.Close())

	return merr.Reduce()
}

func removeFile(path string) error {
	err := os.Remove(path)
	if err != nil {
		return err
	}
	return fileutils.SyncDir(filepath.Dir(path))
}
