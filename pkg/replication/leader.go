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

package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/logrecord"
	"github.com/codenotary/eventdb/embedded/store"
	"github.com/codenotary/eventdb/embedded/tlog"
	"google.golang.org/grpc"
)

type replicaSession struct {
	id           string
	address      string
	isPromotable bool

	lastSeen atomic.Int64
	cancel   context.CancelCauseFunc
}

func (s *replicaSession) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// ReplicaInfo describes a subscribed replica.
type ReplicaInfo struct {
	ID           string
	Address      string
	IsPromotable bool
	LastSeen     time.Time
}

// Leader streams the log to subscribed replicas and feeds their acks to
// the quorum tracker.
type Leader struct {
	id      string
	st      *store.Store
	tlog    *tlog.Log
	tracker *QuorumTracker
	opts    *Options
	log     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex    sync.Mutex
	sessions map[string]*replicaSession
	closed   bool
}

func NewLeader(id string, st *store.Store, tracker *QuorumTracker, opts *Options) (*Leader, error) {
	if id == "" || st == nil || tracker == nil || !opts.Valid() {
		return nil, ErrIllegalArguments
	}

	if st.ReadOnly() {
		return nil, fmt.Errorf("%w: a leader requires a writable store", ErrIllegalArguments)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &Leader{
		id:       id,
		st:       st,
		tlog:     st.Log(),
		tracker:  tracker,
		opts:     opts,
		log:      opts.logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*replicaSession),
	}

	l.wg.Add(1)
	go l.monitor()

	return l, nil
}

// Register exposes the replication service on s.
func (l *Leader) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, l)
}

func (l *Leader) ID() string {
	return l.id
}

func (l *Leader) Replicas() []ReplicaInfo {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	replicas := make([]ReplicaInfo, 0, len(l.sessions))

	for _, s := range l.sessions {
		replicas = append(replicas, ReplicaInfo{
			ID:           s.id,
			Address:      s.address,
			IsPromotable: s.isPromotable,
			LastSeen:     time.Unix(0, s.lastSeen.Load()),
		})
	}

	return replicas
}

// monitor disconnects silent replicas and persists the replicated position.
func (l *Leader) monitor() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
		}

		deadline := time.Now().Add(-l.opts.replicaTimeout).UnixNano()

		l.mutex.Lock()
		for id, s := range l.sessions {
			if s.lastSeen.Load() < deadline {
				l.log.Warningf("replication: replica '%s' at '%s' timed out", id, s.address)
				s.cancel(ErrReplicaTimedOut)
				l.removeSession(s)
			}
		}
		l.mutex.Unlock()

		err := l.tracker.FlushReplicated()
		if err != nil {
			l.log.Errorf("replication: unable to flush replication checkpoint: %v", err)
		}
	}
}

func (l *Leader) addSession(s *replicaSession) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return ErrAlreadyClosed
	}

	if prev, ok := l.sessions[s.id]; ok {
		l.log.Infof("replication: replica '%s' subscribed again, dropping previous stream", s.id)
		prev.cancel(fmt.Errorf("%w: replica subscribed again", ErrAlreadyClosed))
		l.removeSession(prev)
	}

	l.sessions[s.id] = s
	_metricsConnectedReplicas.Set(float64(len(l.sessions)))

	return nil
}

// removeSession must be called with the mutex held.
func (l *Leader) removeSession(s *replicaSession) {
	if l.sessions[s.id] != s {
		return
	}

	delete(l.sessions, s.id)
	l.tracker.RemoveReplica(s.id)

	_metricsConnectedReplicas.Set(float64(len(l.sessions)))
}

// Subscribe serves one replica for the lifetime of its stream.
func (l *Leader) Subscribe(stream grpc.ServerStream) error {
	m, err := recvMessage(stream)
	if err != nil {
		return err
	}

	sub, ok := m.(*SubscribeReplica)
	if !ok {
		return toStatus(fmt.Errorf("%w: expected %s, got %s", ErrIllegalArguments, MessageSubscribeReplica, m.Type()))
	}

	if sub.ReplicaID == "" {
		return toStatus(fmt.Errorf("%w: missing replica id", ErrIllegalArguments))
	}

	err = l.validate(sub)
	if err != nil {
		l.log.Errorf("replication: rejecting replica '%s' at '%s': %v", sub.ReplicaID, sub.ReplicaAddress, err)
		return toStatus(err)
	}

	ctx, cancel := context.WithCancelCause(stream.Context())
	defer cancel(nil)

	s := &replicaSession{
		id:           sub.ReplicaID,
		address:      sub.ReplicaAddress,
		isPromotable: sub.IsPromotable,
		cancel:       cancel,
	}
	s.touch()

	err = l.addSession(s)
	if err != nil {
		return toStatus(err)
	}

	defer func() {
		l.mutex.Lock()
		l.removeSession(s)
		l.mutex.Unlock()
	}()

	err = sendMessage(stream, &ReplicaSubscribed{LeaderID: l.id, SubscriptionPosition: sub.Position})
	if err != nil {
		return err
	}

	l.log.Infof("replication: replica '%s' at '%s' subscribed from position %d", s.id, s.address, sub.Position)

	go func() {
		cancel(l.receiveAcks(s, stream))
	}()

	err = l.sendFrom(ctx, stream, sub.Position)

	if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
		err = cause
	}

	l.log.Infof("replication: stream of replica '%s' ended: %v", s.id, err)

	if errors.Is(err, errReplicaDisconnected) {
		return nil
	}

	return toStatus(err)
}

var errReplicaDisconnected = errors.New("replication: replica disconnected")

// validate checks the replica log is a prefix of the leader log.
func (l *Leader) validate(sub *SubscribeReplica) error {
	writer := l.tlog.WriterCheckpoint()

	if sub.Position < 0 {
		return fmt.Errorf("%w: invalid position %d", ErrIllegalArguments, sub.Position)
	}

	if sub.Position > writer {
		return fmt.Errorf("%w: replica position %d is ahead of leader writer %d", ErrReplicaDiverged, sub.Position, writer)
	}

	if sub.EpochPosition < 0 {
		return nil
	}

	if sub.EpochPosition >= sub.Position {
		return fmt.Errorf("%w: epoch position %d is beyond replica position %d", ErrIllegalArguments, sub.EpochPosition, sub.Position)
	}

	rec, err := l.tlog.ReadAt(sub.EpochPosition)
	if err != nil {
		return fmt.Errorf("%w: no record at replica epoch position %d: %v", ErrReplicaDiverged, sub.EpochPosition, err)
	}

	sys, ok := rec.(*logrecord.System)
	if !ok || sys.SystemType != logrecord.SystemEpoch {
		return fmt.Errorf("%w: no epoch at replica epoch position %d", ErrReplicaDiverged, sub.EpochPosition)
	}

	e, err := sys.Epoch()
	if err != nil {
		return err
	}

	if e.EpochID != sub.EpochID {
		return fmt.Errorf("%w: epoch at %d is %s, replica has %s", ErrReplicaDiverged, sub.EpochPosition, e.EpochID, sub.EpochID)
	}

	return nil
}

// receiveAcks processes the acks of a replica in the order they arrive.
func (l *Leader) receiveAcks(s *replicaSession, stream grpc.ServerStream) error {
	for {
		m, err := recvMessage(stream)
		if err != nil {
			return fmt.Errorf("%w: %v", errReplicaDisconnected, err)
		}

		s.touch()

		switch m.(type) {
		case *PrepareAck, *CommitAck, *ReplicaLogPositionAck:
			countAck(m)
			l.tracker.Ack(s.id, m)
		default:
			return fmt.Errorf("%w: %s from replica '%s'", ErrUnexpectedMessage, m.Type(), s.id)
		}
	}
}

// sendFrom streams the log starting at pos until ctx is done.
func (l *Leader) sendFrom(ctx context.Context, stream grpc.ServerStream, pos int64) error {
	chunkSize := l.tlog.ChunkSize()
	buf := make([]byte, l.opts.bulkSize)

	for {
		err := l.tlog.WaitForFlush(ctx, pos+1)
		if err != nil {
			return err
		}

		num := int32(pos / chunkSize)
		local := pos % chunkSize

		info, err := l.tlog.ChunkInfo(num)
		if err != nil {
			return err
		}

		if local == 0 && info.Completed {
			pos, err = l.sendPhysicalChunk(stream, info, buf)
			if err != nil {
				return err
			}
			continue
		}

		if local == 0 {
			err = sendMessage(stream, &CreateChunk{
				LeaderAddress:    l.opts.leaderAddress,
				ChunkHeaderBytes: info.HeaderBytes,
				FileSize:         info.FileSize,
			})
			if err != nil {
				return err
			}
		}

		pos, buf, err = l.sendLogical(stream, info, pos, buf)
		if err != nil {
			return err
		}
	}
}

func (l *Leader) sendPhysicalChunk(stream grpc.ServerStream, info *tlog.ChunkInfo, buf []byte) (int64, error) {
	err := sendMessage(stream, &CreateChunk{
		LeaderAddress:    l.opts.leaderAddress,
		ChunkHeaderBytes: info.HeaderBytes,
		FileSize:         info.FileSize,
		IsCompletedChunk: true,
	})
	if err != nil {
		return 0, err
	}

	for off := int64(0); off < info.FileSize; {
		n, err := l.tlog.ReadChunkFile(info.Number, off, buf)
		if err != nil {
			return 0, err
		}

		err = sendMessage(stream, &PhysicalChunkBulk{ChunkBulk{
			ChunkStartNumber: info.Number,
			ChunkEndNumber:   info.Number,
			Position:         off,
			DataBytes:        buf[:n],
			CompleteChunk:    off+int64(n) == info.FileSize,
		}})
		if err != nil {
			return 0, err
		}

		_metricsBytesSent.WithLabelValues("physical").Add(float64(n))

		off += int64(n)
	}

	return int64(info.Number+1) * l.tlog.ChunkSize(), nil
}

// sendLogical sends the flushed records of a chunk from pos on, in bulks
// ending at record boundaries.
func (l *Leader) sendLogical(stream grpc.ServerStream, info *tlog.ChunkInfo, pos int64, buf []byte) (int64, []byte, error) {
	chunkStart := int64(info.Number) * l.tlog.ChunkSize()
	dataEnd := chunkStart + info.DataSize

	for {
		end, err := l.bulkEnd(pos, dataEnd)
		if err != nil {
			return 0, buf, err
		}

		n := int(end - pos)
		if n > len(buf) {
			buf = make([]byte, n)
		}

		if n > 0 {
			read, err := l.tlog.ReadRawData(info.Number, pos-chunkStart, buf[:n])
			if err != nil {
				return 0, buf, err
			}
			if read != n {
				return 0, buf, fmt.Errorf("%w: short read of chunk %d", store.ErrIllegalState, info.Number)
			}
		}

		complete := info.Completed && end == dataEnd

		err = sendMessage(stream, &LogicalChunkBulk{ChunkBulk{
			ChunkStartNumber: info.Number,
			ChunkEndNumber:   info.Number,
			Position:         pos,
			DataBytes:        buf[:n],
			CompleteChunk:    complete,
		}})
		if err != nil {
			return 0, buf, err
		}

		_metricsBytesSent.WithLabelValues("logical").Add(float64(n))

		pos = end

		if complete {
			return chunkStart + l.tlog.ChunkSize(), buf, nil
		}

		if pos == dataEnd {
			return pos, buf, nil
		}
	}
}

// bulkEnd returns the end of the last whole record after pos keeping the
// bulk within the configured size, or the end of the first record when it
// alone exceeds it.
func (l *Leader) bulkEnd(pos, dataEnd int64) (int64, error) {
	end := pos

	for end < dataEnd {
		res, err := l.tlog.ReadNext(end)
		if err != nil {
			return 0, err
		}

		next := res.NextPosition
		if next > dataEnd {
			next = dataEnd
		}

		if next-pos > int64(l.opts.bulkSize) && end > pos {
			break
		}

		end = next
	}

	return end, nil
}

// Close disconnects every replica and abandons transactions waiting for
// them.
func (l *Leader) Close() error {
	l.mutex.Lock()

	if l.closed {
		l.mutex.Unlock()
		return ErrAlreadyClosed
	}

	l.closed = true

	for _, s := range l.sessions {
		s.cancel(ErrAlreadyClosed)
		l.removeSession(s)
	}

	l.mutex.Unlock()

	l.cancel()
	l.wg.Wait()

	return l.tracker.Close()
}
