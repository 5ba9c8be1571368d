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

package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/codenotary/eventdb/embedded"
	"github.com/codenotary/eventdb/embedded/fileutils"
)

var ErrCorruptedCheckpoint = errors.New("checkpoint: corrupted checkpoint file")
var ErrAlreadyClosed = fmt.Errorf("checkpoint: %w", embedded.ErrAlreadyClosed)

const (
	Writer      = "writer"
	Chaser      = "chaser"
	Epoch       = "epoch"
	Replication = "replication"
	Index       = "index"
	Truncate    = "truncate"
)

const (
	fileExt = ".chk"

	fileMagic   = uint32(0x4543484b) // ECHK
	fileVersion = uint16(1)

	flagFlushed = uint16(1)

	// magic(4) + version(2) + flags(2) + position(8)
	FileSize = 16
)

// Checkpoint is a named durable position. Write only changes the in-memory
// value, Flush makes it durable and visible through Read.
type Checkpoint interface {
	Name() string
	Write(pos int64)
	Flush() error
	Read() int64
	ReadNonFlushed() int64
	Close() error
}

type FileCheckpoint struct {
	name string
	path string

	last      atomic.Int64
	lastFlush atomic.Int64

	mutex  sync.Mutex
	closed bool
}

var _ Checkpoint = (*FileCheckpoint)(nil)

// OpenFile opens the checkpoint stored in dir, creating it with initial when
// the file does not exist yet.
func OpenFile(dir, name string, initial int64) (*FileCheckpoint, error) {
	c := &FileCheckpoint{
		name: name,
		path: filepath.Join(dir, name+fileExt),
	}

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		c.last.Store(initial)
		c.lastFlush.Store(initial)

		return c, c.persist(initial)
	}
	if err != nil {
		return nil, err
	}

	pos, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s'", err, c.path)
	}

	c.last.Store(pos)
	c.lastFlush.Store(pos)

	return c, nil
}

// ReadFile returns the value of a persisted checkpoint without opening it
// for writes.
func ReadFile(dir, name string) (int64, error) {
	path := filepath.Join(dir, name+fileExt)

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pos, err := decode(data)
	if err != nil {
		return 0, fmt.Errorf("%w: '%s'", err, path)
	}

	return pos, nil
}

func encode(pos int64) []byte {
	var b [FileSize]byte

	binary.BigEndian.PutUint32(b[0:], fileMagic)
	binary.BigEndian.PutUint16(b[4:], fileVersion)
	binary.BigEndian.PutUint16(b[6:], flagFlushed)
	binary.BigEndian.PutUint64(b[8:], uint64(pos))

	return b[:]
}

func decode(b []byte) (int64, error) {
	if len(b) != FileSize {
		return 0, ErrCorruptedCheckpoint
	}

	if binary.BigEndian.Uint32(b[0:]) != fileMagic {
		return 0, ErrCorruptedCheckpoint
	}

	if binary.BigEndian.Uint16(b[4:]) != fileVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrCorruptedCheckpoint, binary.BigEndian.Uint16(b[4:]))
	}

	if binary.BigEndian.Uint16(b[6:])&flagFlushed == 0 {
		return 0, ErrCorruptedCheckpoint
	}

	return int64(binary.BigEndian.Uint64(b[8:])), nil
}

func (c *FileCheckpoint) persist(pos int64) error {
	return fileutils.WriteFileAtomic(c.path, encode(pos), 0644)
}

func (c *FileCheckpoint) Name() string {
	return c.name
}

func (c *FileCheckpoint) Write(pos int64) {
	c.last.Store(pos)
}

func (c *FileCheckpoint) Flush() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrAlreadyClosed
	}

	pos := c.last.Load()
	if pos == c.lastFlush.Load() {
		return nil
	}

	err := c.persist(pos)
	if err != nil {
		return err
	}

	c.lastFlush.Store(pos)

	return nil
}

func (c *FileCheckpoint) Read() int64 {
	return c.lastFlush.Load()
}

func (c *FileCheckpoint) ReadNonFlushed() int64 {
	return c.last.Load()
}

func (c *FileCheckpoint) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrAlreadyClosed
	}

	c.closed = true

	return nil
}

// MemoryCheckpoint is a non durable checkpoint.
type MemoryCheckpoint struct {
	name      string
	last      atomic.Int64
	lastFlush atomic.Int64
}

var _ Checkpoint = (*MemoryCheckpoint)(nil)

func NewMemory(name string, initial int64) *MemoryCheckpoint {
	c := &MemoryCheckpoint{name: name}
	c.last.Store(initial)
	c.lastFlush.Store(initial)
	return c
}

func (c *MemoryCheckpoint) Name() string {
	return c.name
}

func (c *MemoryCheckpoint) Write(pos int64) {
	c.last.Store(pos)
}

func (c *MemoryCheckpoint) Flush() error {
	c.lastFlush.Store(c.last.Load())
	return nil
}

func (c *MemoryCheckpoint) Read() int64 {
	return c.lastFlush.Load()
}

func (c *MemoryCheckpoint) ReadNonFlushed() int64 {
	return c.last.Load()
}

func (c *MemoryCheckpoint) Close() error {
	return nil
}
