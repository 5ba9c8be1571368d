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
	"time"

	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/logrecord"
	"github.com/codenotary/eventdb/embedded/store"
	"github.com/codenotary/eventdb/embedded/tlog"
	"github.com/google/uuid"
	"github.com/rs/xid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Replica follows a leader: it writes the received chunk bytes into its own
// log and acks what its chaser processed.
type Replica struct {
	id xid.ID

	st   *store.Store
	tlog *tlog.Log
	opts *Options
	log  logger.Logger

	context    context.Context
	cancelFunc context.CancelFunc
	done       chan struct{}

	delayer             Delayer
	consecutiveFailures int

	epochMutex    sync.Mutex
	epochPosition int64
	epochID       uuid.UUID

	// acks of the current connection, nil while disconnected
	outMutex sync.Mutex
	out      chan Message

	leaderID string
	err      error

	running bool

	mutex sync.Mutex
}

func NewReplica(id xid.ID, st *store.Store, opts *Options) (*Replica, error) {
	if st == nil || !opts.Valid() || opts.leaderAddress == "" {
		return nil, ErrIllegalArguments
	}

	if !st.ReadOnly() {
		return nil, fmt.Errorf("%w: a replica requires a read-only store", ErrIllegalArguments)
	}

	r := &Replica{
		id:            id,
		st:            st,
		tlog:          st.Log(),
		opts:          opts,
		log:           opts.logger,
		delayer:       opts.delayer,
		epochPosition: -1,
	}

	err := r.loadEpoch()
	if err != nil {
		return nil, err
	}

	st.AddRecordHook(r.onRecord)

	return r, nil
}

func (r *Replica) loadEpoch() error {
	pos := r.st.Checkpoints().Epoch.Read()
	if pos < 0 {
		return nil
	}

	rec, err := r.tlog.ReadAt(pos)
	if err != nil {
		return err
	}

	sys, ok := rec.(*logrecord.System)
	if !ok {
		return fmt.Errorf("%w: epoch checkpoint %d does not point to an epoch", store.ErrIllegalState, pos)
	}

	e, err := sys.Epoch()
	if err != nil {
		return err
	}

	r.epochPosition = pos
	r.epochID = e.EpochID

	return nil
}

func (r *Replica) ID() string {
	return r.id.String()
}

// LeaderID is the id of the leader of the last successful handshake.
func (r *Replica) LeaderID() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.leaderID
}

// Err returns the error that terminated replication, if any.
func (r *Replica) Err() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.err
}

// Done is closed once replication stopped, either by Stop or by a
// terminal error.
func (r *Replica) Done() <-chan struct{} {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.done
}

func (r *Replica) Start() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}

	r.log.Infof("replication: replica '%s' starting replication from '%s'...", r.id, r.opts.leaderAddress)

	r.context, r.cancelFunc = context.WithCancel(context.Background())
	r.done = make(chan struct{})
	r.err = nil
	r.running = true

	go r.run(r.context, r.done)

	return nil
}

func (r *Replica) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := r.replicate(ctx)
		if r.handleError(ctx, err) {
			break
		}
	}

	r.log.Infof("replication: replica '%s' stopped replicating from '%s'", r.id, r.opts.leaderAddress)
}

func (r *Replica) handleError(ctx context.Context, err error) (terminate bool) {
	if ctx.Err() != nil {
		return true
	}

	if errors.Is(err, ErrReplicaDiverged) {
		r.log.Errorf("replication: replica '%s' diverged from leader at '%s': %v", r.id, r.opts.leaderAddress, err)

		r.mutex.Lock()
		r.err = err
		r.running = false
		r.mutex.Unlock()

		return true
	}

	r.consecutiveFailures++
	_metricsReplicaRetries.Inc()

	r.log.Infof("replication: replica '%s' lost leader at '%s' (%d consecutive failures). Reason: %v",
		r.id,
		r.opts.leaderAddress,
		r.consecutiveFailures,
		err)

	_metricsReplicaInRetryDelay.Set(1)
	defer _metricsReplicaInRetryDelay.Set(0)

	timer := time.NewTimer(r.delayer.DelayAfter(r.consecutiveFailures))
	select {
	case <-ctx.Done():
		timer.Stop()
		return true
	case <-timer.C:
	}

	return false
}

func (r *Replica) replicate(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// a transfer interrupted by the previous connection restarts from scratch
	err := r.tlog.AbortPhysicalChunk()
	if err != nil {
		return err
	}

	dialOptions := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, r.opts.dialOptions...)

	conn, err := grpc.DialContext(ctx, r.opts.leaderAddress, dialOptions...)
	if err != nil {
		return err
	}
	defer conn.Close()

	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		return err
	}

	position := r.tlog.WriterCheckpoint()
	epochPosition, epochID := r.epoch()

	err = sendMessage(stream, &SubscribeReplica{
		Position:       position,
		ReplicaID:      r.id.String(),
		ReplicaAddress: r.opts.replicaAddress,
		IsPromotable:   r.opts.isPromotable,
		EpochPosition:  epochPosition,
		EpochID:        epochID,
	})
	if err != nil {
		return fromStatus(err)
	}

	m, err := recvMessage(stream)
	if err != nil {
		return fromStatus(err)
	}

	subscribed, ok := m.(*ReplicaSubscribed)
	if !ok {
		return fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedMessage, MessageReplicaSubscribed, m.Type())
	}

	if subscribed.SubscriptionPosition != position {
		return fmt.Errorf("%w: leader subscribed replica at %d instead of %d", ErrReplicaDiverged, subscribed.SubscriptionPosition, position)
	}

	r.mutex.Lock()
	r.leaderID = subscribed.LeaderID
	r.mutex.Unlock()

	r.consecutiveFailures = 0

	r.log.Infof("replication: replica '%s' subscribed to leader '%s' from position %d", r.id, subscribed.LeaderID, position)

	out := make(chan Message, r.opts.ackQueueSize)
	r.setOut(out)
	defer r.setOut(nil)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		cancel(r.sendAcks(ctx, stream, out))
	}()

	defer func() {
		cancel(nil)
		wg.Wait()
	}()

	for {
		m, err := recvMessage(stream)
		if err != nil {
			if cause := context.Cause(ctx); ctx.Err() != nil && cause != nil {
				return cause
			}
			return fromStatus(err)
		}

		err = r.apply(m)
		if err != nil {
			return err
		}
	}
}

// sendAcks is the only sender on stream once the handshake completed.
func (r *Replica) sendAcks(ctx context.Context, stream grpc.ClientStream, out <-chan Message) error {
	ticker := time.NewTicker(r.opts.heartbeatInterval)
	defer ticker.Stop()

	heartbeat := func() error {
		return sendMessage(stream, &ReplicaLogPositionAck{WriterPosition: r.tlog.WriterCheckpoint()})
	}

	err := heartbeat()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			stream.CloseSend()
			return ctx.Err()
		case m := <-out:
			err = sendMessage(stream, m)
		case <-ticker.C:
			err = heartbeat()
		}

		if err != nil {
			return err
		}
	}
}

func (r *Replica) apply(m Message) error {
	switch m := m.(type) {
	case *CreateChunk:
		if m.IsCompletedChunk {
			return r.tlog.BeginPhysicalChunk(m.ChunkHeaderBytes, m.FileSize)
		}
		return r.tlog.CreateChunkFromHeader(m.ChunkHeaderBytes)

	case *PhysicalChunkBulk:
		err := r.tlog.WritePhysical(m.Position, m.DataBytes)
		if err != nil {
			return err
		}

		_metricsBytesReceived.WithLabelValues("physical").Add(float64(len(m.DataBytes)))

		if m.CompleteChunk {
			err = r.tlog.CompletePhysicalChunk()
			if err != nil {
				return err
			}
		}

	case *LogicalChunkBulk:
		if len(m.DataBytes) > 0 {
			err := r.tlog.WriteRaw(m.Position, m.DataBytes)
			if err != nil {
				return err
			}

			_metricsBytesReceived.WithLabelValues("logical").Add(float64(len(m.DataBytes)))
		}

		var err error
		if m.CompleteChunk {
			err = r.tlog.CompleteRawChunk()
		} else {
			err = r.tlog.Flush()
		}
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: %s from leader", ErrUnexpectedMessage, m.Type())
	}

	_metricsReplicaWriterPosition.Set(float64(r.tlog.WriterCheckpoint()))

	return nil
}

func (r *Replica) setOut(out chan Message) {
	r.outMutex.Lock()
	defer r.outMutex.Unlock()

	r.out = out
}

// queue never blocks the chaser: when the queue is full the ack is dropped
// and the next heartbeat covers it.
func (r *Replica) queue(m Message) {
	r.outMutex.Lock()
	defer r.outMutex.Unlock()

	if r.out == nil {
		return
	}

	select {
	case r.out <- m:
	default:
		r.log.Debugf("replication: replica '%s' dropped %s, ack queue is full", r.id, m.Type())
	}
}

func (r *Replica) onRecord(rec logrecord.LogRecord) {
	switch rec := rec.(type) {
	case *logrecord.Prepare:
		if rec.IsTransactionEnd() {
			r.queue(&PrepareAck{
				CorrelationID: rec.CorrelationID,
				LogPosition:   rec.LogPosition,
				Flags:         uint32(rec.Flags),
			})
		}

	case *logrecord.Commit:
		r.queue(&CommitAck{
			CorrelationID:       rec.CorrelationID,
			LogPosition:         rec.LogPosition,
			TransactionPosition: rec.TransactionPosition,
			FirstEventNumber:    rec.FirstEventNumber,
		})

	case *logrecord.System:
		e, err := rec.Epoch()
		if err != nil {
			return
		}

		r.setEpoch(rec.LogPosition, e.EpochID)
	}
}

func (r *Replica) epoch() (int64, uuid.UUID) {
	r.epochMutex.Lock()
	defer r.epochMutex.Unlock()

	return r.epochPosition, r.epochID
}

func (r *Replica) setEpoch(pos int64, id uuid.UUID) {
	r.epochMutex.Lock()
	defer r.epochMutex.Unlock()

	if pos <= r.epochPosition {
		return
	}

	r.epochPosition = pos
	r.epochID = id

	cp := r.st.Checkpoints().Epoch
	cp.Write(pos)

	err := cp.Flush()
	if err != nil {
		r.log.Errorf("replication: unable to flush epoch checkpoint: %v", err)
	}
}

func (r *Replica) Stop() error {
	r.mutex.Lock()

	if r.cancelFunc != nil {
		r.cancelFunc()
	}

	if !r.running {
		r.mutex.Unlock()
		return ErrAlreadyStopped
	}

	r.log.Infof("replication: stopping replica '%s'...", r.id)

	r.running = false
	done := r.done

	r.mutex.Unlock()

	<-done

	r.log.Infof("replication: replica '%s' successfully stopped", r.id)

	return nil
}
