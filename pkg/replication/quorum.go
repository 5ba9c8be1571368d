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
	"sort"
	"sync"
	"time"

	"github.com/codenotary/eventdb/embedded/checkpoint"
	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/store"
	"github.com/google/uuid"
)

type pendingCommit struct {
	correlationID       uuid.UUID
	lastPreparePosition int64
	acks                map[string]struct{}
	registeredAt        time.Time
	ch                  chan error
}

type replicaProgress struct {
	// everything below durable is on the replica disk
	durable   int64
	committed int64
}

// QuorumTracker accepts a transaction once its prepares are durable on a
// quorum of nodes. The leader always counts as one of them since Register
// is called after the local flush.
type QuorumTracker struct {
	quorum int

	replication    checkpoint.Checkpoint
	writerPosition func() int64

	log logger.Logger

	mutex    sync.Mutex
	pending  []*pendingCommit
	replicas map[string]*replicaProgress
	closed   bool
}

var _ store.CommitAcceptor = (*QuorumTracker)(nil)

// NewQuorumTracker builds a tracker for a cluster of clusterSize nodes.
// The replication checkpoint follows the commits acked by a quorum.
func NewQuorumTracker(clusterSize int, replication checkpoint.Checkpoint, writerPosition func() int64, log logger.Logger) (*QuorumTracker, error) {
	if clusterSize < 1 || replication == nil || writerPosition == nil || log == nil {
		return nil, ErrIllegalArguments
	}

	return &QuorumTracker{
		quorum:         clusterSize/2 + 1,
		replication:    replication,
		writerPosition: writerPosition,
		log:            log,
		replicas:       make(map[string]*replicaProgress),
	}, nil
}

func (t *QuorumTracker) Quorum() int {
	return t.quorum
}

func (t *QuorumTracker) Register(correlationID uuid.UUID, lastPreparePosition int64) <-chan error {
	ch := make(chan error, 1)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		ch <- ErrNotLeader
		return ch
	}

	pc := &pendingCommit{
		correlationID:       correlationID,
		lastPreparePosition: lastPreparePosition,
		acks:                make(map[string]struct{}),
		registeredAt:        time.Now(),
		ch:                  ch,
	}

	for id, rp := range t.replicas {
		if rp.durable > lastPreparePosition {
			pc.acks[id] = struct{}{}
		}
	}

	if t.accepted(pc) {
		return ch
	}

	t.pending = append(t.pending, pc)
	_metricsPendingTransactions.Set(float64(len(t.pending)))

	return ch
}

// accepted resolves pc when it reached the quorum.
func (t *QuorumTracker) accepted(pc *pendingCommit) bool {
	if 1+len(pc.acks) < t.quorum {
		return false
	}

	_metricsQuorumWait.Observe(time.Since(pc.registeredAt).Seconds())
	pc.ch <- nil

	return true
}

// Ack processes an ack received from a replica. Acks of a replica must be
// passed in the order they were received.
func (t *QuorumTracker) Ack(replicaID string, m Message) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return
	}

	switch m := m.(type) {
	case *PrepareAck:
		t.ackCorrelated(replicaID, m)
		t.advanceDurable(replicaID, m.LogPosition+1)
	case *ReplicaLogPositionAck:
		t.advanceDurable(replicaID, m.WriterPosition)
	case *CommitAck:
		t.advanceCommitted(replicaID, m.LogPosition)
	}
}

func (t *QuorumTracker) progress(replicaID string) *replicaProgress {
	rp, ok := t.replicas[replicaID]
	if !ok {
		rp = &replicaProgress{durable: -1, committed: -1}
		t.replicas[replicaID] = rp
	}
	return rp
}

func (t *QuorumTracker) ackCorrelated(replicaID string, c Correlated) {
	for _, pc := range t.pending {
		if pc.correlationID == c.GetCorrelationID() {
			pc.acks[replicaID] = struct{}{}
		}
	}
}

func (t *QuorumTracker) advanceDurable(replicaID string, pos int64) {
	rp := t.progress(replicaID)
	if pos > rp.durable {
		rp.durable = pos
	}

	_metricsReplicationLag.WithLabelValues(replicaID).Set(float64(t.writerPosition() - rp.durable))

	remaining := t.pending[:0]

	for _, pc := range t.pending {
		if pc.lastPreparePosition < rp.durable {
			pc.acks[replicaID] = struct{}{}
		}

		if !t.accepted(pc) {
			remaining = append(remaining, pc)
		}
	}

	for i := len(remaining); i < len(t.pending); i++ {
		t.pending[i] = nil
	}

	t.pending = remaining
	_metricsPendingTransactions.Set(float64(len(t.pending)))
}

func (t *QuorumTracker) advanceCommitted(replicaID string, pos int64) {
	rp := t.progress(replicaID)
	if pos <= rp.committed {
		return
	}
	rp.committed = pos

	if t.quorum < 2 {
		return
	}

	committed := make([]int64, 0, len(t.replicas))
	for _, rp := range t.replicas {
		committed = append(committed, rp.committed)
	}

	if len(committed) < t.quorum-1 {
		return
	}

	sort.Slice(committed, func(i, j int) bool { return committed[i] > committed[j] })

	replicated := committed[t.quorum-2]
	if replicated > t.replication.ReadNonFlushed() {
		t.replication.Write(replicated)
		_metricsReplicatedPosition.Set(float64(replicated))
	}
}

// RemoveReplica stops counting a replica until it subscribes again.
func (t *QuorumTracker) RemoveReplica(replicaID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	delete(t.replicas, replicaID)
	forgetReplica(replicaID)
}

// Replicated is the last commit position acked by a quorum.
func (t *QuorumTracker) Replicated() int64 {
	return t.replication.ReadNonFlushed()
}

func (t *QuorumTracker) FlushReplicated() error {
	if t.replication.Read() == t.replication.ReadNonFlushed() {
		return nil
	}
	return t.replication.Flush()
}

// Close abandons every pending transaction.
func (t *QuorumTracker) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return ErrAlreadyClosed
	}

	t.closed = true

	for _, pc := range t.pending {
		pc.ch <- ErrNotLeader
	}

	t.pending = nil
	_metricsPendingTransactions.Set(0)

	return t.replication.Flush()
}
