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
	"fmt"
	"path/filepath"

	"github.com/codenotary/eventdb/embedded/chunk"
	"github.com/codenotary/eventdb/embedded/logrecord"
)

// ChunkReport is the outcome of verifying one chunk file.
type ChunkReport struct {
	Number    int32
	File      string
	Completed bool
	DataSize  int64
	Records   int
	Err       error
}

// ChunkFiles lists the chunk numbers found in dir, in order.
func ChunkFiles(dir string) ([]int32, error) {
	return chunkNumbers(dir)
}

// Verify checks every chunk of the log stored in dir without modifying it.
// Completed chunks must match their footer hash, the active one is read up
// to writerPosition, and every record must decode at the position it is
// stored at. onChunk is called once per chunk, missing chunks included. It
// returns the number of chunks that failed.
func Verify(dir string, writerPosition int64, onChunk func(*ChunkReport)) (int, error) {
	nums, err := chunkNumbers(dir)
	if err != nil {
		return 0, err
	}

	failed := 0

	report := func(r *ChunkReport) {
		if r.Err != nil {
			failed++
		}
		if onChunk != nil {
			onChunk(r)
		}
	}

	next := int32(0)

	for _, num := range nums {
		for ; next < num; next++ {
			report(&ChunkReport{
				Number: next,
				Err:    fmt.Errorf("%w: chunk %d is missing", ErrChunkCorrupted, next),
			})
		}
		next = num + 1

		report(verifyChunk(dir, num, writerPosition))
	}

	return failed, nil
}

func verifyChunk(dir string, num int32, writerPosition int64) *ChunkReport {
	r := &ChunkReport{
		Number: num,
		File:   fmt.Sprintf(chunkFileFormat, num, 0),
	}

	path := filepath.Join(dir, r.File)

	h, footer, err := chunk.Scan(path, 0, nil)
	if err != nil {
		r.Err = err
		return r
	}

	chunkStart := h.ChunkStartPosition()
	activeDataSize := int64(-1)

	if footer == nil {
		if writerPosition < chunkStart || writerPosition > h.ChunkEndPosition() {
			r.Err = fmt.Errorf("%w: writer checkpoint %d outside of active chunk %d", ErrChunkCorrupted, writerPosition, num)
			return r
		}

		activeDataSize = writerPosition - chunkStart
		r.DataSize = activeDataSize
	}

	_, footer, err = chunk.Scan(path, activeDataSize, func(localPos int64, record []byte) error {
		rec, err := logrecord.Unmarshal(record)
		if err != nil {
			return fmt.Errorf("%w: record at %d: %v", ErrChunkCorrupted, chunkStart+localPos, err)
		}

		if rec.Position() != chunkStart+localPos {
			return fmt.Errorf("%w: record at %d claims position %d", ErrChunkCorrupted, chunkStart+localPos, rec.Position())
		}

		r.Records++

		return nil
	})
	if err != nil {
		r.Err = err
		return r
	}

	if footer != nil {
		r.Completed = true
		r.DataSize = int64(footer.PhysicalDataSize)
	}

	return r
}
