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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/codenotary/eventdb/embedded"
	"github.com/codenotary/eventdb/embedded/cache"
	"github.com/codenotary/eventdb/embedded/checkpoint"
	"github.com/codenotary/eventdb/embedded/index"
	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/logrecord"
	"github.com/codenotary/eventdb/embedded/multierr"
	"github.com/codenotary/eventdb/embedded/tlog"
	"github.com/codenotary/eventdb/embedded/watchers"
	"github.com/google/uuid"
)

var ErrIllegalArguments = embedded.ErrIllegalArguments
var ErrInvalidOptions = fmt.Errorf("%w: invalid options", ErrIllegalArguments)
var ErrAlreadyClosed = embedded.ErrAlreadyClosed
var ErrIllegalState = embedded.ErrIllegalState
var ErrWrongExpectedVersion = embedded.ErrWrongExpectedVersion
var ErrStreamDeleted = embedded.ErrStreamDeleted
var ErrRecordNotFound = embedded.ErrRecordNotFound
var ErrStreamNotFound = fmt.Errorf("%w: stream not found", ErrRecordNotFound)
var ErrReplicationQuorumTimeout = embedded.ErrReplicationQuorumTimeout
var ErrNotLeader = embedded.ErrNotLeader
var ErrAppendTooLarge = fmt.Errorf("%w: append exceeds max append size", ErrIllegalArguments)
var ErrTransactionAbandoned = errors.New("store: transaction abandoned")

const (
	chunksDirname = "chunks"
	indexDirname  = "index"
)

// CommitListener receives the events of every indexed commit, in commit
// order. It is called from the chaser and must not block.
type CommitListener interface {
	OnCommitted(events []*EventRecord)
}

// RecordHook observes every record processed by the chaser, once it is
// durable on this node.
type RecordHook func(rec logrecord.LogRecord)

type committedEvent struct {
	stream      string
	eventNumber int64
}

type precommittedStream struct {
	lastEventNumber     int64
	transactionPosition int64

	// closed once the commit is written or the transaction abandoned,
	// err is set before closing
	done chan struct{}
	err  error
}

// Store ties the chunked log, the checkpoints and the stream index together
// and serves the write and read paths.
type Store struct {
	path string
	opts *Options
	log  logger.Logger

	checkpoints     *checkpoint.Set
	ownsCheckpoints bool

	tlog  *tlog.Log
	index *index.TableIndex

	acceptor CommitAcceptor

	// serializes appends of prepares and commits
	writeMutex sync.Mutex

	// last event numbers committed but not indexed yet
	pendingMutex sync.Mutex
	precommitted map[string]*precommittedStream

	committedEvents *cache.LRUCache[uuid.UUID, committedEvent]
	streamInfo      *cache.LRUCache[string, *streamInfo]

	indexedPos atomic.Int64
	indexedHub *watchers.WatchersHub

	listenersMutex sync.RWMutex
	listeners      map[int]CommitListener
	nextListenerID int
	hooks          []RecordHook

	ctx      context.Context
	cancel   context.CancelFunc
	chaserWG sync.WaitGroup
	commitWG sync.WaitGroup

	closedMutex sync.RWMutex
	closed      bool
}

// Open opens (or creates) the store located at path using file checkpoints.
func Open(path string, opts *Options) (*Store, error) {
	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	err = os.MkdirAll(path, 0755)
	if err != nil {
		return nil, err
	}

	cps, err := checkpoint.OpenSet(path)
	if err != nil {
		return nil, err
	}

	s, err := OpenWith(path, cps, opts)
	if err != nil {
		cps.Close()
		return nil, err
	}

	s.ownsCheckpoints = true

	return s, nil
}

// OpenWith opens the store with the given checkpoints.
func OpenWith(path string, cps *checkpoint.Set, opts *Options) (*Store, error) {
	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	if cps == nil {
		return nil, fmt.Errorf("%w: nil checkpoints", ErrIllegalArguments)
	}

	committedEvents, err := cache.NewLRUCache[uuid.UUID, committedEvent](opts.committedEventsCacheSize)
	if err != nil {
		return nil, err
	}

	streamInfo, err := cache.NewLRUCache[string, *streamInfo](opts.streamInfoCacheSize)
	if err != nil {
		return nil, err
	}

	l, err := tlog.Open(filepath.Join(path, chunksDirname), cps.Writer, opts.tlogOptions())
	if err != nil {
		return nil, err
	}

	acceptor := opts.commitAcceptor
	if acceptor == nil {
		acceptor = localAcceptor{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Store{
		path:            path,
		opts:            opts,
		log:             opts.logger,
		checkpoints:     cps,
		tlog:            l,
		acceptor:        acceptor,
		precommitted:    make(map[string]*precommittedStream),
		committedEvents: committedEvents,
		streamInfo:      streamInfo,
		listeners:       make(map[int]CommitListener),
		ctx:             ctx,
		cancel:          cancel,
	}

	err = s.openIndex()
	if err != nil {
		cancel()
		l.Close()
		return nil, err
	}

	chaserPos := cps.Chaser.Read()

	s.indexedPos.Store(chaserPos)
	s.indexedHub = watchers.New(chaserPos, opts.maxWaitees)

	if !opts.readOnly {
		err = s.writeEpoch()
		if err != nil {
			cancel()
			s.index.Close()
			l.Close()
			return nil, err
		}
	}

	s.chaserWG.Add(1)
	go s.runChaser(chaserPos)

	s.log.Infof("store: opened at %s (writer: %d, chaser: %d)", path, cps.Writer.Read(), chaserPos)

	return s, nil
}

func (s *Store) indexDir() string {
	return filepath.Join(s.path, indexDirname)
}

// openIndex loads the stream index, rebuilding it from the log when it cannot
// be loaded, and re-adds the commits after its persisted checkpoint up to the
// chaser checkpoint.
func (s *Store) openIndex() error {
	opts := s.opts.indexOptions().WithSameStream(s.sameStream)

	idx, err := index.Open(s.indexDir(), opts)
	if errors.Is(err, index.ErrCorruptedIndex) || errors.Is(err, index.ErrIndexVersionUnsupported) {
		s.log.Warningf("store: index cannot be loaded (%v), rebuilding it from the log", err)

		err = index.Reset(s.indexDir())
		if err != nil {
			return err
		}

		idx, err = index.Open(s.indexDir(), opts)
	}
	if err != nil {
		return err
	}

	s.index = idx

	from := int64(0)

	if cp := idx.PersistedCommitCheckpoint(); cp >= 0 {
		res, err := s.tlog.ReadNext(cp)
		if err != nil || res.Position != cp {
			s.log.Warningf("store: index checkpoint %d does not match the log, rebuilding the index", cp)

			idx.Close()

			err = index.Reset(s.indexDir())
			if err != nil {
				return err
			}

			s.index, err = index.Open(s.indexDir(), opts)
			if err != nil {
				return err
			}
		} else {
			from = res.NextPosition
		}
	}

	return s.reindex(from, s.checkpoints.Chaser.Read())
}

func (s *Store) reindex(from, to int64) error {
	if from >= to {
		return nil
	}

	s.log.Infof("store: indexing log from position %d to %d", from, to)

	pos := from

	for pos < to {
		res, err := s.tlog.ReadNext(pos)
		if errors.Is(err, tlog.ErrEndOfLog) {
			break
		}
		if err != nil {
			return err
		}

		if c, ok := res.Record.(*logrecord.Commit); ok {
			_, err = s.indexCommit(c)
			if err != nil {
				return err
			}
		}

		pos = res.NextPosition
	}

	s.checkpoints.Index.Write(s.index.PersistedCommitCheckpoint())

	return s.checkpoints.Index.Flush()
}

// sameStream tells the index whether two entries sharing hash and version
// belong to the same stream.
func (s *Store) sameStream(a, b index.Entry) (bool, error) {
	pa, err := s.readPrepare(a.Position)
	if err != nil {
		return false, err
	}

	pb, err := s.readPrepare(b.Position)
	if err != nil {
		return false, err
	}

	return pa.EventStreamID == pb.EventStreamID, nil
}

func (s *Store) readPrepare(pos int64) (*logrecord.Prepare, error) {
	rec, err := s.tlog.ReadAt(pos)
	if err != nil {
		return nil, err
	}

	p, ok := rec.(*logrecord.Prepare)
	if !ok {
		return nil, fmt.Errorf("%w: record at %d is a %v, not a prepare", embedded.ErrChunkCorrupted, pos, rec.Type())
	}

	return p, nil
}

func (s *Store) writeEpoch() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	e := &logrecord.Epoch{
		PrevEpochPosition: -1,
		EpochID:           uuid.New(),
		Timestamp:         s.opts.timeFunc(),
	}

	if prev := s.checkpoints.Epoch.Read(); prev >= 0 {
		rec, err := s.tlog.ReadAt(prev)
		if err != nil {
			return err
		}

		sys, ok := rec.(*logrecord.System)
		if !ok {
			return fmt.Errorf("%w: epoch checkpoint %d does not point to an epoch", ErrIllegalState, prev)
		}

		pe, err := sys.Epoch()
		if err != nil {
			return err
		}

		e.EpochNumber = pe.EpochNumber + 1
		e.PrevEpochPosition = prev
	}

	pos, err := s.tlog.Append(logrecord.NewEpochRecord(0, e))
	if err != nil {
		return err
	}

	err = s.tlog.Flush()
	if err != nil {
		return err
	}

	s.checkpoints.Epoch.Write(pos)

	err = s.checkpoints.Epoch.Flush()
	if err != nil {
		return err
	}

	s.log.Infof("store: epoch %d started at position %d", e.EpochNumber, pos)

	return nil
}

// ChunksPath is the directory holding the log chunks of the store at path.
func ChunksPath(path string) string {
	return filepath.Join(path, chunksDirname)
}

// Log gives replication access to the chunked log.
func (s *Store) Log() *tlog.Log {
	return s.tlog
}

func (s *Store) Checkpoints() *checkpoint.Set {
	return s.checkpoints
}

func (s *Store) ReadOnly() bool {
	return s.opts.readOnly
}

// IndexedPosition is the log position up to which committed events are
// visible to readers.
func (s *Store) IndexedPosition() int64 {
	return s.indexedPos.Load()
}

// WaitForIndexed blocks until every record before pos is indexed.
func (s *Store) WaitForIndexed(ctx context.Context, pos int64) error {
	return s.indexedHub.WaitFor(ctx, pos)
}

// AddCommitListener registers l and returns a function removing it.
func (s *Store) AddCommitListener(l CommitListener) func() {
	s.listenersMutex.Lock()
	defer s.listenersMutex.Unlock()

	id := s.nextListenerID
	s.nextListenerID++

	s.listeners[id] = l

	return func() {
		s.listenersMutex.Lock()
		defer s.listenersMutex.Unlock()

		delete(s.listeners, id)
	}
}

// AddRecordHook registers a hook invoked by the chaser for every record.
func (s *Store) AddRecordHook(hook RecordHook) {
	s.listenersMutex.Lock()
	defer s.listenersMutex.Unlock()

	s.hooks = append(s.hooks, hook)
}

func (s *Store) checkOpen() error {
	s.closedMutex.RLock()
	defer s.closedMutex.RUnlock()

	if s.closed {
		return ErrAlreadyClosed
	}
	return nil
}

func (s *Store) IsClosed() bool {
	return s.checkOpen() != nil
}

// Close stops the chaser and closes the log, the index and, when owned, the
// checkpoints. Transactions waiting for acceptance are abandoned.
func (s *Store) Close() error {
	s.closedMutex.Lock()

	if s.closed {
		s.closedMutex.Unlock()
		return ErrAlreadyClosed
	}

	s.closed = true

	s.closedMutex.Unlock()

	s.cancel()

	s.commitWG.Wait()
	s.chaserWG.Wait()

	merr := multierr.NewMultiErr()

	merr.Append(s.indexedHub.Close())
	merr.Append(s.index.Close())

	s.writeMutex.Lock()
	merr.Append(s.tlog.Close())
	s.writeMutex.Unlock()

	merr.Append(s.checkpoints.Chaser.Flush())
	merr.Append(s.checkpoints.Index.Flush())

	if s.ownsCheckpoints {
		merr.Append(s.checkpoints.Close())
	}

	s.log.Infof("store: closed")

	return merr.Reduce()
}
