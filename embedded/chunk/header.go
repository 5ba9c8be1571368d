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
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	HeaderSize = 128
	FooterSize = 128

	hashSize   = 32
	footerHash = FooterSize - hashSize

	FileTypeChunk byte = 2
	Version       byte = 1

	flagCompleted byte = 1
)

// Header is the fixed size prefix of every chunk file.
type Header struct {
	Version          byte
	ChunkSize        int32
	ChunkStartNumber int32
	ChunkEndNumber   int32
	IsScavenged      bool
	ChunkID          uuid.UUID
}

// ChunkStartPosition is the logical position of the first data byte.
func (h *Header) ChunkStartPosition() int64 {
	return int64(h.ChunkStartNumber) * int64(h.ChunkSize)
}

func (h *Header) ChunkEndPosition() int64 {
	return int64(h.ChunkEndNumber+1) * int64(h.ChunkSize)
}

func (h *Header) Bytes() []byte {
	b := make([]byte, HeaderSize)

	b[0] = FileTypeChunk
	b[1] = h.Version
	binary.LittleEndian.PutUint32(b[2:], uint32(h.ChunkSize))
	binary.LittleEndian.PutUint32(b[6:], uint32(h.ChunkStartNumber))
	binary.LittleEndian.PutUint32(b[10:], uint32(h.ChunkEndNumber))
	if h.IsScavenged {
		b[14] = 1
	}
	copy(b[15:], h.ChunkID[:])

	return b
}

func ParseHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: header too short", ErrCorruptedChunk)
	}

	if b[0] != FileTypeChunk {
		return nil, fmt.Errorf("%w: unexpected file type %d", ErrCorruptedChunk, b[0])
	}

	if b[1] != Version {
		return nil, fmt.Errorf("%w: unsupported chunk version %d", ErrCorruptedChunk, b[1])
	}

	h := &Header{
		Version:          b[1],
		ChunkSize:        int32(binary.LittleEndian.Uint32(b[2:])),
		ChunkStartNumber: int32(binary.LittleEndian.Uint32(b[6:])),
		ChunkEndNumber:   int32(binary.LittleEndian.Uint32(b[10:])),
		IsScavenged:      b[14] == 1,
	}
	copy(h.ChunkID[:], b[15:31])

	if h.ChunkSize <= 0 || h.ChunkStartNumber < 0 || h.ChunkEndNumber < h.ChunkStartNumber {
		return nil, fmt.Errorf("%w: invalid header", ErrCorruptedChunk)
	}

	return h, nil
}

// Footer is written once, when the chunk is completed.
type Footer struct {
	IsCompleted      bool
	PhysicalDataSize int32
	LogicalDataSize  int64
	Hash             [hashSize]byte
}

// bytes returns the footer without its trailing hash.
func (f *Footer) prefixBytes() []byte {
	b := make([]byte, footerHash)

	if f.IsCompleted {
		b[0] = flagCompleted
	}
	binary.LittleEndian.PutUint32(b[1:], uint32(f.PhysicalDataSize))
	binary.LittleEndian.PutUint64(b[5:], uint64(f.LogicalDataSize))

	return b
}

func (f *Footer) Bytes() []byte {
	return append(f.prefixBytes(), f.Hash[:]...)
}

func parseFooter(b []byte) *Footer {
	f := &Footer{
		IsCompleted:      b[0]&flagCompleted != 0,
		PhysicalDataSize: int32(binary.LittleEndian.Uint32(b[1:])),
		LogicalDataSize:  int64(binary.LittleEndian.Uint64(b[5:])),
	}
	copy(f.Hash[:], b[footerHash:])
	return f
}
