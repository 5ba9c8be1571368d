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

package store

import (
	"fmt"
	"os"
	"time"

	"github.com/codenotary/eventdb/embedded/index"
	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/tlog"
)

const (
	DefaultHashCollisionReadLimit   = 100
	DefaultStreamInfoCacheSize      = 10_000
	DefaultCommittedEventsCacheSize = 100_000
	DefaultMaxWaitees               = 10_000
	DefaultChaserCheckpointInterval = 1000
	DefaultMaxAppendSize            = 1 << 20
)

type TimeFunc func() time.Time

type Options struct {
	readOnly bool
	synced   bool

	chunkSize       int32
	maxOpenedChunks int
	verifyHash      bool
	verifyOnOpen    bool

	maxMemTableSize   int
	maxTablesPerLevel int
	indexCacheDepth   int
	hasher            index.Hasher

	hashCollisionReadLimit   int
	streamInfoCacheSize      int
	committedEventsCacheSize int
	maxWaitees               int
	chaserCheckpointInterval int
	maxAppendSize            int

	commitAcceptor CommitAcceptor

	timeFunc TimeFunc
	logger   logger.Logger
}

func DefaultOptions() *Options {
	return &Options{
		synced: true,

		chunkSize:       tlog.DefaultChunkSize,
		maxOpenedChunks: tlog.DefaultMaxOpenedChunks,
		verifyHash:      true,

		maxMemTableSize:   index.DefaultMaxMemTableSize,
		maxTablesPerLevel: index.DefaultMaxTablesPerLevel,
		indexCacheDepth:   index.DefaultCacheDepth,
		hasher:            index.XXHasher{},

		hashCollisionReadLimit:   DefaultHashCollisionReadLimit,
		streamInfoCacheSize:      DefaultStreamInfoCacheSize,
		committedEventsCacheSize: DefaultCommittedEventsCacheSize,
		maxWaitees:               DefaultMaxWaitees,
		chaserCheckpointInterval: DefaultChaserCheckpointInterval,
		maxAppendSize:            DefaultMaxAppendSize,

		timeFunc: time.Now,
		logger:   logger.NewSimpleLogger("eventdb", os.Stderr),
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

	if opts.maxMemTableSize <= 0 || opts.maxTablesPerLevel < 2 || opts.indexCacheDepth < 0 {
		return fmt.Errorf("%w: invalid index options", ErrInvalidOptions)
	}

	if opts.hasher == nil {
		return fmt.Errorf("%w: invalid hasher", ErrInvalidOptions)
	}

	if opts.hashCollisionReadLimit <= 0 {
		return fmt.Errorf("%w: invalid hash collision read limit", ErrInvalidOptions)
	}

	if opts.streamInfoCacheSize <= 0 || opts.committedEventsCacheSize <= 0 {
		return fmt.Errorf("%w: invalid cache size", ErrInvalidOptions)
	}

	if opts.maxWaitees <= 0 {
		return fmt.Errorf("%w: invalid max waitees", ErrInvalidOptions)
	}

	if opts.chaserCheckpointInterval <= 0 {
		return fmt.Errorf("%w: invalid chaser checkpoint interval", ErrInvalidOptions)
	}

	if opts.maxAppendSize <= 0 {
		return fmt.Errorf("%w: invalid max append size", ErrInvalidOptions)
	}

	if opts.timeFunc == nil {
		return fmt.Errorf("%w: invalid time function", ErrInvalidOptions)
	}

	if opts.logger == nil {
		return fmt.Errorf("%w: invalid logger", ErrInvalidOptions)
	}

	return nil
}

// WithReadOnly opens the store as a replica: appends are rejected and the log
// is only written through replication.
func (opts *Options) WithReadOnly(readOnly bool) *Options {
	opts.readOnly = readOnly
	return opts
}

func (opts *Options) WithSynced(synced bool) *Options {
	opts.synced = synced
	return opts
}

func (opts *Options) WithChunkSize(chunkSize int32) *Options {
	opts.chunkSize = chunkSize
	return opts
}

func (opts *Options) WithMaxOpenedChunks(n int) *Options {
	opts.maxOpenedChunks = n
	return opts
}

func (opts *Options) WithVerifyHash(verifyHash bool) *Options {
	opts.verifyHash = verifyHash
	return opts
}

// WithVerifyOnOpen checks every completed chunk when the store opens.
func (opts *Options) WithVerifyOnOpen(verifyOnOpen bool) *Options {
	opts.verifyOnOpen = verifyOnOpen
	return opts
}

func (opts *Options) WithMaxMemTableSize(size int) *Options {
	opts.maxMemTableSize = size
	return opts
}

func (opts *Options) WithMaxTablesPerLevel(n int) *Options {
	opts.maxTablesPerLevel = n
	return opts
}

func (opts *Options) WithIndexCacheDepth(depth int) *Options {
	opts.indexCacheDepth = depth
	return opts
}

func (opts *Options) WithHasher(hasher index.Hasher) *Options {
	opts.hasher = hasher
	return opts
}

// WithHashCollisionReadLimit bounds how many index candidates are checked
// against the log when looking up a stream.
func (opts *Options) WithHashCollisionReadLimit(limit int) *Options {
	opts.hashCollisionReadLimit = limit
	return opts
}

func (opts *Options) WithStreamInfoCacheSize(size int) *Options {
	opts.streamInfoCacheSize = size
	return opts
}

func (opts *Options) WithCommittedEventsCacheSize(size int) *Options {
	opts.committedEventsCacheSize = size
	return opts
}

func (opts *Options) WithMaxWaitees(maxWaitees int) *Options {
	opts.maxWaitees = maxWaitees
	return opts
}

func (opts *Options) WithChaserCheckpointInterval(records int) *Options {
	opts.chaserCheckpointInterval = records
	return opts
}

// WithMaxAppendSize bounds the total data and metadata size of one append.
func (opts *Options) WithMaxAppendSize(size int) *Options {
	opts.maxAppendSize = size
	return opts
}

func (opts *Options) WithCommitAcceptor(acceptor CommitAcceptor) *Options {
	opts.commitAcceptor = acceptor
	return opts
}

func (opts *Options) WithTimeFunc(timeFunc TimeFunc) *Options {
	opts.timeFunc = timeFunc
	return opts
}

func (opts *Options) WithLogger(logger logger.Logger) *Options {
	opts.logger = logger
	return opts
}

func (opts *Options) tlogOptions() *tlog.Options {
	return tlog.DefaultOptions().
		WithChunkSize(opts.chunkSize).
		WithMaxOpenedChunks(opts.maxOpenedChunks).
		WithMaxWaitees(opts.maxWaitees).
		WithSynced(opts.synced).
		WithVerifyHash(opts.verifyHash).
		WithVerifyOnOpen(opts.verifyOnOpen).
		WithLogger(opts.logger)
}

func (opts *Options) indexOptions() *index.Options {
	return index.DefaultOptions().
		WithHasher(opts.hasher).
		WithMaxMemTableSize(opts.maxMemTableSize).
		WithMaxTablesPerLevel(opts.maxTablesPerLevel).
		WithCacheDepth(opts.indexCacheDepth).
		WithVerifyHash(opts.verifyHash).
		WithLogger(opts.logger)
}
