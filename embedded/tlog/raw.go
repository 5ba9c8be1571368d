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
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codenotary/eventdb/embedded/chunk"
	"github.com/codenotary/eventdb/embedded/fileutils"
)

// ChunkInfo describes a chunk as seen by replication.
type ChunkInfo struct {
	Number      int32
	HeaderBytes []byte
	Completed   bool
	// DataSize counts only bytes below the writer checkpoint
	DataSize int64
	FileSize int64
}

func (l *Log) ChunkInfo(num int32) (*ChunkInfo, error) {
	c, release, err := l.acquire(num)
	if err != nil {
		return nil, err
	}
	defer release()

	info := &ChunkInfo{
		Number:      num,
		HeaderBytes: c.HeaderBytes(),
		Completed:   c.IsCompleted(),
		DataSize:    c.DataSize(),
		FileSize:    c.FileSize(),
	}

	if !info.Completed {
		flushed := l.writer.Read() - int64(num)*l.chunkSize
		if flushed < info.DataSize {
			info.DataSize = flushed
		}
		if info.DataSize < 0 {
			info.DataSize = 0
		}
	}

	return info, nil
}

// ReadRawData copies flushed data bytes of a chunk starting at local.
func (l *Log) ReadRawData(num int32, local int64, buf []byte) (int, error) {
	info, err := l.ChunkInfo(num)
	if err != nil {
		return 0, err
	}

	if local < 0 || local > info.DataSize {
		return 0, fmt.Errorf("%w: local position %d out of range", ErrIllegalArguments, local)
	}

	if int64(len(buf)) > info.DataSize-local {
		buf = buf[:info.DataSize-local]
	}

	c, release, err := l.acquire(num)
	if err != nil {
		return 0, err
	}
	defer release()

	return c.ReadRaw(local, buf)
}

// ReadChunkFile copies raw file bytes of a completed chunk.
func (l *Log) ReadChunkFile(num int32, off int64, buf []byte) (int, error) {
	c, release, err := l.acquire(num)
	if err != nil {
		return 0, err
	}
	defer release()

	if off < 0 || off > c.FileSize() {
		return 0, fmt.Errorf("%w: file offset %d out of range", ErrIllegalArguments, off)
	}

	if off+int64(len(buf)) > c.FileSize() {
		buf = buf[:c.FileSize()-off]
	}

	return c.ReadFileAt(buf, off)
}

// canReplaceActive reports whether a chunk received from a leader may take
// the place of chunk num: either it replaces an empty active chunk or it
// follows the completed active chunk.
func (l *Log) canReplaceActive(num int32) (replace bool, err error) {
	if l.closed {
		return false, ErrAlreadyClosed
	}

	if l.physical != nil {
		return false, fmt.Errorf("%w: a physical chunk transfer is in progress", ErrIllegalState)
	}

	completed := l.active.IsCompleted()

	switch {
	case !completed && num == l.activeNum && l.active.DataSize() == 0:
		return true, nil
	case completed && num == l.activeNum+1:
		return false, nil
	}

	return false, fmt.Errorf("%w: chunk %d cannot follow chunk %d (completed: %v, data size: %d)",
		ErrIllegalState, num, l.activeNum, completed, l.active.DataSize())
}

func (l *Log) parseLeaderHeader(headerBytes []byte) (*chunk.Header, error) {
	h, err := chunk.ParseHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	if int64(h.ChunkSize) != l.chunkSize {
		return nil, fmt.Errorf("%w: chunk size %d differs from local chunk size %d", ErrIllegalArguments, h.ChunkSize, l.chunkSize)
	}

	return h, nil
}

// CreateChunkFromHeader starts a new active chunk with the header of a
// leader chunk so that both files end up byte-identical.
func (l *Log) CreateChunkFromHeader(headerBytes []byte) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	h, err := l.parseLeaderHeader(headerBytes)
	if err != nil {
		return err
	}

	num := h.ChunkStartNumber

	if !l.active.IsCompleted() && num == l.activeNum && bytes.Equal(l.active.HeaderBytes(), headerBytes[:chunk.HeaderSize]) {
		return nil
	}

	replace, err := l.canReplaceActive(num)
	if err != nil {
		return err
	}

	if replace {
		err = l.removeActive()
		if err != nil {
			return err
		}
	}

	return l.createActive(num, headerBytes)
}

func (l *Log) removeActive() error {
	path := l.active.Path()

	l.chunksMutex.Lock()
	l.dropRef(l.activeRef)
	l.chunksMutex.Unlock()

	return removeFile(path)
}

// WriteRaw appends leader bytes at pos, which must be the end of the log.
func (l *Log) WriteRaw(pos int64, bs []byte) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	err := l.checkWritable()
	if err != nil {
		return err
	}

	if pos != l.writePos {
		return fmt.Errorf("%w: raw write at %d but the log ends at %d", ErrIllegalArguments, pos, l.writePos)
	}

	_, local := l.locate(pos)

	err = l.active.WriteRaw(local, bs)
	if err != nil {
		return err
	}

	l.writePos += int64(len(bs))

	metricsWrittenBytes.Add(float64(len(bs)))

	return nil
}

// CompleteRawChunk completes the active chunk without starting a new one;
// the leader announces the next chunk.
func (l *Log) CompleteRawChunk() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	err := l.checkWritable()
	if err != nil {
		return err
	}

	return l.completeActive()
}

type physicalChunk struct {
	num      int32
	replace  bool
	tmpPath  string
	f        *os.File
	fileSize int64
	written  int64
}

func (p *physicalChunk) abort() error {
	p.f.Close()
	return os.Remove(p.tmpPath)
}

// BeginPhysicalChunk starts receiving a whole completed chunk file.
func (l *Log) BeginPhysicalChunk(headerBytes []byte, fileSize int64) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	h, err := l.parseLeaderHeader(headerBytes)
	if err != nil {
		return err
	}

	if fileSize != chunk.HeaderSize+int64(h.ChunkSize)+chunk.FooterSize {
		return fmt.Errorf("%w: unexpected chunk file size %d", ErrIllegalArguments, fileSize)
	}

	replace, err := l.canReplaceActive(h.ChunkStartNumber)
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(l.path, fmt.Sprintf(chunkFileFormat, h.ChunkStartNumber, 0)+".tmp")

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, chunk.DefaultFileMode)
	if err != nil {
		return err
	}

	l.physical = &physicalChunk{
		num:      h.ChunkStartNumber,
		replace:  replace,
		tmpPath:  tmpPath,
		f:        f,
		fileSize: fileSize,
	}

	return nil
}

// WritePhysical appends raw file bytes at off.
func (l *Log) WritePhysical(off int64, bs []byte) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return ErrAlreadyClosed
	}

	p := l.physical
	if p == nil {
		return fmt.Errorf("%w: no physical chunk transfer in progress", ErrIllegalState)
	}

	if off != p.written || off+int64(len(bs)) > p.fileSize {
		return fmt.Errorf("%w: physical write at %d (written %d, file size %d)", ErrIllegalArguments, off, p.written, p.fileSize)
	}

	n, err := p.f.WriteAt(bs, off)
	p.written += int64(n)

	metricsWrittenBytes.Add(float64(n))

	return err
}

// CompletePhysicalChunk verifies the received file and installs it as the
// completed active chunk.
func (l *Log) CompletePhysicalChunk() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return ErrAlreadyClosed
	}

	p := l.physical
	if p == nil {
		return fmt.Errorf("%w: no physical chunk transfer in progress", ErrIllegalState)
	}

	l.physical = nil

	if p.written != p.fileSize {
		p.abort()
		return fmt.Errorf("%w: physical chunk incomplete (%d of %d bytes)", ErrIllegalState, p.written, p.fileSize)
	}

	err := p.f.Sync()
	if err == nil {
		err = p.f.Close()
	}
	if err != nil {
		os.Remove(p.tmpPath)
		return err
	}

	c, err := chunk.Open(p.tmpPath, l.opts.chunkOptions(), true)
	if err != nil {
		os.Remove(p.tmpPath)
		return err
	}

	completed := c.IsCompleted()
	c.Close()

	if !completed {
		os.Remove(p.tmpPath)
		return fmt.Errorf("%w: physical chunk %d is not completed", ErrChunkCorrupted, p.num)
	}

	if p.replace {
		err = l.removeActive()
		if err != nil {
			return err
		}
	}

	err = os.Rename(p.tmpPath, l.chunkPath(p.num))
	if err != nil {
		return err
	}

	err = fileutils.SyncDir(l.path)
	if err != nil {
		return err
	}

	c, err = chunk.Open(l.chunkPath(p.num), l.opts.chunkOptions(), false)
	if err != nil {
		return err
	}

	l.setActive(p.num, c)
	l.writePos = int64(p.num+1) * l.chunkSize

	metricsCompletedChunks.Inc()

	return l.flushCheckpoint()
}

// AbortPhysicalChunk discards a partially received chunk file, if any.
func (l *Log) AbortPhysicalChunk() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	p := l.physical
	if p == nil {
		return nil
	}

	l.physical = nil

	return p.abort()
}
