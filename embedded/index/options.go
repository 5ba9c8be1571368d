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
	"os"

	"github.com/codenotary/eventdb/embedded"
	"github.com/codenotary/eventdb/embedded/logger"
)

const (
	DefaultMaxMemTableSize   = 1_000_000
	DefaultMaxTablesPerLevel = 4
	DefaultCacheDepth        = 16
)

var ErrIllegalArguments = fmt.Errorf("index: %w", embedded.ErrIllegalArguments)
var ErrIllegalState = fmt.Errorf("index: %w", embedded.ErrIllegalState)
var ErrAlreadyClosed = fmt.Errorf("index: %w", embedded.ErrAlreadyClosed)
var ErrCorruptedIndex = fmt.Errorf("index: %w", embedded.ErrCorruptedIndex)
var ErrIndexVersionUnsupported = fmt.Errorf("index: %w", embedded.ErrIndexVersionUnsupported)

var ErrInvalidOptions = fmt.Errorf("%w: invalid options", ErrIllegalArguments)

type Options struct {
	hasher            Hasher
	maxMemTableSize   int
	maxTablesPerLevel int
	cacheDepth        int
	verifyHash        bool
	sameStream        SameStreamFunc
	logger            logger.Logger
}

func DefaultOptions() *Options {
	return &Options{
		hasher:            XXHasher{},
		maxMemTableSize:   DefaultMaxMemTableSize,
		maxTablesPerLevel: DefaultMaxTablesPerLevel,
		cacheDepth:        DefaultCacheDepth,
		verifyHash:        true,
		logger:            logger.NewSimpleLogger("eventdb", os.Stderr),
	}
}

func (opts *Options) Validate() error {
	if opts == nil {
		return fmt.Errorf("%w: nil options", ErrInvalidOptions)
	}

	if opts.hasher == nil {
		return fmt.Errorf("%w: invalid hasher", ErrInvalidOptions)
	}

	if opts.maxMemTableSize <= 0 {
		return fmt.Errorf("%w: invalid max memtable size", ErrInvalidOptions)
	}

	if opts.maxTablesPerLevel < 2 {
		return fmt.Errorf("%w: invalid max tables per level", ErrInvalidOptions)
	}

	if opts.cacheDepth < 0 || opts.cacheDepth > 28 {
		return fmt.Errorf("%w: invalid cache depth", ErrInvalidOptions)
	}

	if opts.logger == nil {
		return fmt.Errorf("%w: invalid logger", ErrInvalidOptions)
	}

	return nil
}

func (opts *Options) WithHasher(hasher Hasher) *Options {
	opts.hasher = hasher
	return opts
}

// WithMaxMemTableSize sets the number of entries after which the memtable is
// written into a PTable.
func (opts *Options) WithMaxMemTableSize(size int) *Options {
	opts.maxMemTableSize = size
	return opts
}

func (opts *Options) WithMaxTablesPerLevel(n int) *Options {
	opts.maxTablesPerLevel = n
	return opts
}

// WithCacheDepth sets how many midpoints (2^depth) are kept per PTable.
func (opts *Options) WithCacheDepth(depth int) *Options {
	opts.cacheDepth = depth
	return opts
}

func (opts *Options) WithVerifyHash(verifyHash bool) *Options {
	opts.verifyHash = verifyHash
	return opts
}

func (opts *Options) WithSameStream(sameStream SameStreamFunc) *Options {
	opts.sameStream = sameStream
	return opts
}

func (opts *Options) WithLogger(logger logger.Logger) *Options {
	opts.logger = logger
	return opts
}

func (opts *Options) Hasher() Hasher {
	return opts.hasher
}
