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
	"os"

	"github.com/codenotary/eventdb/embedded"
	"github.com/codenotary/eventdb/embedded/chunk"
	"github.com/codenotary/eventdb/embedded/logger"
)

const (
	DefaultChunkSize       = 256 * 1024 * 1024
	DefaultMaxOpenedChunks = 10
	DefaultMaxWaitees      = 1000
)

var ErrInvalidOptions = fmt.Errorf("%w: invalid options", embedded.ErrIllegalArguments)

type Options struct {
	chunkSize       int32
	maxOpenedChunks int
	maxWaitees      int
	writeBufferSize int
	synced          bool
	verifyHash      bool
	verifyOnOpen    bool
	logger          logger.Logger
}

func DefaultOptions() *Options {
	return &Options{
		chunkSize:       DefaultChunkSize,
		maxOpenedChunks: DefaultMaxOpenedChunks,
		maxWaitees:      DefaultMaxWaitees,
		writeBufferSize: chunk.DefaultWriteBufferSize,
		synced:          true,
		verifyHash:      true,
		logger:          logger.NewSimpleLogger("eventdb", os.Stderr),
	}
}

func (opts *Options) Validate() error {
	if opts == nil {
		return fmt.Errorf("%w: nil options", ErrInvalidOptions)
	}

	if opts.chunkSize <= 0 {
		return fmt.Errorf("%w: invalid chunk size", ErrInvalidOptions)
	}

	if opts.maxOpenedChunks <= 0 {
		return fmt.Errorf("%w: invalid max opened chunks", ErrInvalidOptions)
	}

	if opts.maxWaitees < 0 {
		return fmt.Errorf("%w: invalid max waitees", ErrInvalidOptions)
	}

	if opts.writeBufferSize <= 0 {
		return fmt.Errorf("%w: invalid write buffer size", ErrInvalidOptions)
	}

	if opts.logger == nil {
		return fmt.Errorf("%w: invalid logger", ErrInvalidOptions)
	}

	return nil
}

func (opts *Options) WithChunkSize(chunkSize int32) *Options {
	opts.chunkSize = chunkSize
	return opts
}

func (opts *Options) WithMaxOpenedChunks(maxOpenedChunks int) *Options {
	opts.maxOpenedChunks = maxOpenedChunks
	return opts
}

func (opts *Options) WithMaxWaitees(maxWaitees int) *Options {
	opts.maxWaitees = maxWaitees
	return opts
}

func (opts *Options) WithWriteBufferSize(size int) *Options {
	opts.writeBufferSize = size
	return opts
}

func (opts *Options) WithSynced(synced bool) *Options {
	opts.synced = synced
	return opts
}

// WithVerifyHash checks the footer hash of completed chunks when they are opened.
func (opts *Options) WithVerifyHash(verifyHash bool) *Options {
	opts.verifyHash = verifyHash
	return opts
}

// WithVerifyOnOpen checks the footer hash of every completed chunk during
// recovery instead of only the last one. Otherwise older chunks are checked
// when first read, and offline with Verify.
func (opts *Options) WithVerifyOnOpen(verifyOnOpen bool) *Options {
	opts.verifyOnOpen = verifyOnOpen
	return opts
}

func (opts *Options) WithLogger(logger logger.Logger) *Options {
	opts.logger = logger
	return opts
}

func (opts *Options) ChunkSize() int32 {
	return opts.chunkSize
}

func (opts *Options) chunkOptions() *chunk.Options {
	return chunk.DefaultOptions().
		WithWriteBufferSize(opts.writeBufferSize).
		WithSynced(opts.synced)
}
