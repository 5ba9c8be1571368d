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

package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/codenotary/eventdb/embedded"
	"github.com/codenotary/eventdb/embedded/fileutils"
	"github.com/codenotary/eventdb/embedded/logrecord"
)

var ErrCorruptedChunk = fmt.Errorf("chunk: %w", embedded.ErrChunkCorrupted)
var ErrRecordNotFound = fmt.Errorf("chunk: %w", embedded.ErrRecordNotFound)
var ErrAlreadyClosed = fmt.Errorf("chunk: %w", embedded.ErrAlreadyClosed)
var ErrChunkCompleted = errors.New("chunk: chunk is completed")
var ErrChunkNotCompleted = errors.New("chunk: chunk is not completed")
var ErrIllegalArguments = fmt.Errorf("chunk: %w", embedded.ErrIllegalArguments)

// framing: int32 length prefix and suffix around every record
const frameOverhead = 8

// Chunk is a preallocated file holding a header, a data area of ChunkSize
// bytes and a footer. Records are appended to the data area until the chunk
// is completed, after which the file is read-only.
type Chunk struct {
	path string
	f    *os.File

	header *Header
	footer *Footer

	dataSize    int64 // written data, buffered bytes included
	fileDataEnd int64 // data already written into the file

	writeBuffer []byte
	wbufLen     int

	hasher hash.Hash

	synced bool
	closed bool

	mutex sync.RWMutex
}

// Create allocates a new active chunk file.
func Create(path string, header *Header, opts *Options) (*Chunk, error) {
	if header == nil || header.ChunkSize <= 0 {
		return nil, ErrIllegalArguments
	}

	return CreateWithHeader(path, header.Bytes(), opts)
}

// CreateWithHeader allocates a new active chunk using the exact header bytes,
// as received from a leader.
func CreateWithHeader(path string, headerBytes []byte, opts *Options) (*Chunk, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	header, err := ParseHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, opts.fileMode)
	if err != nil {
		return nil, err
	}

	_, err = f.WriteAt(headerBytes[:HeaderSize], 0)
	if err == nil {
		err = f.Truncate(fileSize(header))
	}
	if err == nil {
		err = f.Sync()
	}
	if err == nil {
		err = fileutils.SyncDir(filepath.Dir(path))
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	c := &Chunk{
		path:        path,
		f:           f,
		header:      header,
		writeBuffer: make([]byte, opts.writeBufferSize),
		hasher:      sha256.New(),
		synced:      opts.synced,
	}

	c.hasher.Write(headerBytes[:HeaderSize])

	return c, nil
}

func fileSize(h *Header) int64 {
	return HeaderSize + int64(h.ChunkSize) + FooterSize
}

// Open opens an existing chunk. Completed chunks are read-only and, when
// verifyHash is set, their content is checked against the footer hash.
// Active chunks must be initialized with InitActive before use.
func Open(path string, opts *Options, verifyHash bool) (*Chunk, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, opts.fileMode)
	if err != nil {
		return nil, err
	}

	c, err := open(path, f, opts, verifyHash)
	if err != nil {
		f.Close()
		return nil, err
	}

	return c, nil
}

func open(path string, f *os.File, opts *Options, verifyHash bool) (*Chunk, error) {
	hbs := make([]byte, HeaderSize)

	_, err := f.ReadAt(hbs, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedChunk, err)
	}

	header, err := ParseHeader(hbs)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if stat.Size() != fileSize(header) {
		return nil, fmt.Errorf("%w: unexpected file size %d in '%s'", ErrCorruptedChunk, stat.Size(), path)
	}

	fbs := make([]byte, FooterSize)

	_, err = f.ReadAt(fbs, HeaderSize+int64(header.ChunkSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedChunk, err)
	}

	c := &Chunk{
		path:   path,
		f:      f,
		header: header,
		synced: opts.synced,
	}

	footer := parseFooter(fbs)

	if !footer.IsCompleted {
		c.writeBuffer = make([]byte, opts.writeBufferSize)
		c.dataSize = -1 // requires InitActive
		return c, nil
	}

	if footer.PhysicalDataSize < 0 || footer.PhysicalDataSize > header.ChunkSize {
		return nil, fmt.Errorf("%w: invalid footer in '%s'", ErrCorruptedChunk, path)
	}

	c.footer = footer
	c.dataSize = int64(footer.PhysicalDataSize)
	c.fileDataEnd = c.dataSize

	if verifyHash {
		err = c.verifyHash()
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Chunk) verifyHash() error {
	h := sha256.New()

	_, err := io.Copy(h, io.NewSectionReader(c.f, 0, HeaderSize+c.dataSize))
	if err != nil {
		return err
	}

	h.Write(c.footer.prefixBytes())

	if !bytes.Equal(h.Sum(nil), c.footer.Hash[:]) {
		return fmt.Errorf("%w: hash mismatch in '%s'", ErrCorruptedChunk, c.path)
	}

	return nil
}

// InitActive validates the record framing of an active chunk up to
// dataSize, discards anything written after it and prepares the chunk for
// appends.
func (c *Chunk) InitActive(dataSize int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrAlreadyClosed
	}

	if c.footer != nil {
		return ErrChunkCompleted
	}

	if dataSize < 0 || dataSize > int64(c.header.ChunkSize) {
		return ErrIllegalArguments
	}

	c.fileDataEnd = dataSize
	c.wbufLen = 0

	var pos int64
	for pos < dataSize {
		next, err := c.frameEnd(pos, dataSize)
		if err != nil {
			return err
		}
		pos = next
	}

	if pos != dataSize {
		return fmt.Errorf("%w: record framing does not end at %d in '%s'", ErrCorruptedChunk, dataSize, c.path)
	}

	// torn tail: zero the rest of the data area
	tail := int64(c.header.ChunkSize) - dataSize
	zeros := make([]byte, 64*1024)

	for off := int64(0); off < tail; {
		n := int64(len(zeros))
		if tail-off < n {
			n = tail - off
		}
		_, err := c.f.WriteAt(zeros[:n], HeaderSize+dataSize+off)
		if err != nil {
			return err
		}
		off += n
	}

	err := c.f.Sync()
	if err != nil {
		return err
	}

	c.hasher = sha256.New()

	_, err = io.Copy(c.hasher, io.NewSectionReader(c.f, 0, HeaderSize+dataSize))
	if err != nil {
		return err
	}

	c.dataSize = dataSize
	c.fileDataEnd = dataSize

	return nil
}

// frameEnd checks the framing of the record at pos and returns the position
// right after it.
func (c *Chunk) frameEnd(pos, limit int64) (int64, error) {
	var lbs [4]byte

	if pos+frameOverhead > limit {
		return 0, fmt.Errorf("%w: truncated record at %d in '%s'", ErrCorruptedChunk, pos, c.path)
	}

	_, err := c.readAt(lbs[:], pos)
	if err != nil {
		return 0, err
	}

	l := int64(int32(binary.LittleEndian.Uint32(lbs[:])))
	if l <= 0 || l > logrecord.MaxRecordSize || pos+frameOverhead+l > limit {
		return 0, fmt.Errorf("%w: invalid record length %d at %d in '%s'", ErrCorruptedChunk, l, pos, c.path)
	}

	_, err = c.readAt(lbs[:], pos+4+l)
	if err != nil {
		return 0, err
	}

	if int64(int32(binary.LittleEndian.Uint32(lbs[:]))) != l {
		return 0, fmt.Errorf("%w: length suffix mismatch at %d in '%s'", ErrCorruptedChunk, pos, c.path)
	}

	return pos + frameOverhead + l, nil
}

// readAt reads data area bytes, including those still in the write buffer.
func (c *Chunk) readAt(bs []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(bs)) > c.fileDataEnd+int64(c.wbufLen) {
		return 0, io.EOF
	}

	n := 0

	if off < c.fileDataEnd {
		end := off + int64(len(bs))
		if end > c.fileDataEnd {
			end = c.fileDataEnd
		}

		rn, err := c.f.ReadAt(bs[:end-off], HeaderSize+off)
		n += rn
		if err != nil {
			return n, err
		}
	}

	if n < len(bs) {
		boff := off + int64(n) - c.fileDataEnd
		n += copy(bs[n:], c.writeBuffer[boff:c.wbufLen])
	}

	return n, nil
}

func (c *Chunk) Header() Header {
	return *c.header
}

func (c *Chunk) HeaderBytes() []byte {
	return c.header.Bytes()
}

func (c *Chunk) Path() string {
	return c.path
}

func (c *Chunk) IsCompleted() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.footer != nil
}

func (c *Chunk) Footer() (Footer, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.footer == nil {
		return Footer{}, ErrChunkNotCompleted
	}

	return *c.footer, nil
}

// DataSize is the number of data bytes appended so far.
func (c *Chunk) DataSize() int64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.dataSize
}

// FreeSpace is the room left in the data area.
func (c *Chunk) FreeSpace() int64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.footer != nil {
		return 0
	}

	return int64(c.header.ChunkSize) - c.dataSize
}

// FramedSize is the space a record of the given size takes in a chunk.
func FramedSize(recordSize int) int64 {
	return int64(recordSize) + frameOverhead
}

// TryAppend frames and appends a serialized record. ok is false when the
// record does not fit into the remaining data area.
func (c *Chunk) TryAppend(record []byte) (localPos int64, ok bool, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	err = c.checkWritable()
	if err != nil {
		return 0, false, err
	}

	if len(record) == 0 || len(record) > logrecord.MaxRecordSize {
		return 0, false, ErrIllegalArguments
	}

	if c.dataSize+FramedSize(len(record)) > int64(c.header.ChunkSize) {
		return 0, false, nil
	}

	localPos = c.dataSize

	frame := make([]byte, FramedSize(len(record)))
	binary.LittleEndian.PutUint32(frame, uint32(len(record)))
	copy(frame[4:], record)
	binary.LittleEndian.PutUint32(frame[len(frame)-4:], uint32(len(record)))

	err = c.write(frame)
	if err != nil {
		return 0, false, err
	}

	return localPos, true, nil
}

// WriteRaw appends already framed bytes at localPos, which must be the
// current end of data. Used by replicas copying leader bytes verbatim.
func (c *Chunk) WriteRaw(localPos int64, bs []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	err := c.checkWritable()
	if err != nil {
		return err
	}

	if localPos != c.dataSize {
		return fmt.Errorf("%w: raw write at %d but data ends at %d", ErrIllegalArguments, localPos, c.dataSize)
	}

	if c.dataSize+int64(len(bs)) > int64(c.header.ChunkSize) {
		return fmt.Errorf("%w: raw write exceeds chunk size", ErrIllegalArguments)
	}

	return c.write(bs)
}

func (c *Chunk) checkWritable() error {
	if c.closed {
		return ErrAlreadyClosed
	}

	if c.footer != nil {
		return ErrChunkCompleted
	}

	if c.dataSize < 0 {
		return fmt.Errorf("%w: active chunk not initialized", embedded.ErrIllegalState)
	}

	return nil
}

// write appends bs to the data area. Nothing is added to the data size or
// the hash when it fails.
func (c *Chunk) write(bs []byte) error {
	if len(bs) > len(c.writeBuffer)-c.wbufLen {
		err := c.flushBuffer()
		if err != nil {
			return err
		}
	}

	if len(bs) > len(c.writeBuffer) {
		_, err := c.f.WriteAt(bs, HeaderSize+c.fileDataEnd)
		if err != nil {
			return err
		}

		c.fileDataEnd += int64(len(bs))
		c.dataSize += int64(len(bs))
		c.hasher.Write(bs)

		return nil
	}

	copy(c.writeBuffer[c.wbufLen:], bs)
	c.wbufLen += len(bs)
	c.dataSize += int64(len(bs))
	c.hasher.Write(bs)

	return nil
}

func (c *Chunk) flushBuffer() error {
	if c.wbufLen == 0 {
		return nil
	}

	n, err := c.f.WriteAt(c.writeBuffer[:c.wbufLen], HeaderSize+c.fileDataEnd)

	c.fileDataEnd += int64(n)
	copy(c.writeBuffer, c.writeBuffer[n:c.wbufLen])
	c.wbufLen -= n

	return err
}

// Flush writes buffered bytes into the file and, for synced chunks, makes
// them durable.
func (c *Chunk) Flush() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrAlreadyClosed
	}

	if c.footer != nil {
		return nil
	}

	return c.flush()
}

func (c *Chunk) flush() error {
	err := c.flushBuffer()
	if err != nil {
		return err
	}

	if !c.synced {
		return nil
	}

	return fileutils.Fdatasync(c.f)
}

// Complete writes the footer and switches the chunk to read-only mode.
func (c *Chunk) Complete() (*Footer, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	err := c.checkWritable()
	if err != nil {
		return nil, err
	}

	err = c.flushBuffer()
	if err != nil {
		return nil, err
	}

	footer := &Footer{
		IsCompleted:      true,
		PhysicalDataSize: int32(c.dataSize),
		LogicalDataSize:  c.dataSize,
	}

	c.hasher.Write(footer.prefixBytes())
	copy(footer.Hash[:], c.hasher.Sum(nil))

	_, err = c.f.WriteAt(footer.Bytes(), HeaderSize+int64(c.header.ChunkSize))
	if err != nil {
		return nil, err
	}

	err = c.f.Sync()
	if err != nil {
		return nil, err
	}

	c.footer = footer
	c.writeBuffer = nil
	c.hasher = nil

	return footer, nil
}

// ReadRecordAt returns the record bytes at localPos and the position of the
// following record.
func (c *Chunk) ReadRecordAt(localPos int64) (record []byte, next int64, err error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.closed {
		return nil, 0, ErrAlreadyClosed
	}

	if localPos < 0 || localPos >= c.dataSize {
		return nil, 0, fmt.Errorf("%w: local position %d", ErrRecordNotFound, localPos)
	}

	next, err = c.frameEnd(localPos, c.dataSize)
	if err != nil {
		return nil, 0, err
	}

	record = make([]byte, next-localPos-frameOverhead)

	_, err = c.readAt(record, localPos+4)
	if err != nil {
		return nil, 0, err
	}

	return record, next, nil
}

// ReadRecordBefore returns the record ending right before localPos, using the
// length suffix, and the position where it starts.
func (c *Chunk) ReadRecordBefore(localPos int64) (record []byte, prev int64, err error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.closed {
		return nil, 0, ErrAlreadyClosed
	}

	if localPos <= 0 || localPos > c.dataSize {
		return nil, 0, fmt.Errorf("%w: no record before %d", ErrRecordNotFound, localPos)
	}

	if localPos < frameOverhead {
		return nil, 0, fmt.Errorf("%w: truncated record before %d in '%s'", ErrCorruptedChunk, localPos, c.path)
	}

	var lbs [4]byte

	_, err = c.readAt(lbs[:], localPos-4)
	if err != nil {
		return nil, 0, err
	}

	l := int64(int32(binary.LittleEndian.Uint32(lbs[:])))
	prev = localPos - frameOverhead - l

	if l <= 0 || prev < 0 {
		return nil, 0, fmt.Errorf("%w: invalid length suffix before %d in '%s'", ErrCorruptedChunk, localPos, c.path)
	}

	end, err := c.frameEnd(prev, localPos)
	if err != nil {
		return nil, 0, err
	}

	if end != localPos {
		return nil, 0, fmt.Errorf("%w: framing mismatch before %d in '%s'", ErrCorruptedChunk, localPos, c.path)
	}

	record = make([]byte, l)

	_, err = c.readAt(record, prev+4)
	if err != nil {
		return nil, 0, err
	}

	return record, prev, nil
}

// ReadRaw copies data area bytes starting at localPos.
func (c *Chunk) ReadRaw(localPos int64, bs []byte) (int, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.closed {
		return 0, ErrAlreadyClosed
	}

	if localPos < 0 || localPos > c.dataSize {
		return 0, ErrIllegalArguments
	}

	n := int64(len(bs))
	if localPos+n > c.dataSize {
		n = c.dataSize - localPos
	}

	return c.readAt(bs[:n], localPos)
}

// ReadFileAt reads raw file bytes of a completed chunk, header and footer
// included.
func (c *Chunk) ReadFileAt(bs []byte, off int64) (int, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.closed {
		return 0, ErrAlreadyClosed
	}

	if c.footer == nil {
		return 0, ErrChunkNotCompleted
	}

	return c.f.ReadAt(bs, off)
}

// FileSize is the physical size of the chunk file.
func (c *Chunk) FileSize() int64 {
	return fileSize(c.header)
}

func (c *Chunk) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrAlreadyClosed
	}

	c.closed = true

	if c.footer == nil && c.dataSize >= 0 {
		err := c.flush()
		if err != nil {
			c.f.Close()
			return err
		}
	}

	return c.f.Close()
}
