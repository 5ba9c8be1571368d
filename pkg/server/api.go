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

package server

import (
	"context"

	"github.com/codenotary/eventdb/embedded/store"
	"github.com/codenotary/eventdb/embedded/subscription"
)

func (n *Node) started() (*store.Store, *subscription.Manager, error) {
	n.mutex.RLock()
	defer n.mutex.RUnlock()

	if !n.running {
		return nil, nil, ErrNotStarted
	}
	return n.store, n.subscriptions, nil
}

// Append writes events to stream when its current version satisfies
// expectedVersion. On a leader it returns once a quorum of the cluster
// persisted the transaction.
func (n *Node) Append(ctx context.Context, stream string, expectedVersion int64, events []store.EventData) (*store.WriteResult, error) {
	st, _, err := n.started()
	if err != nil {
		return nil, err
	}
	return st.Append(ctx, stream, expectedVersion, events)
}

func (n *Node) ReadEvent(ctx context.Context, stream string, eventNumber int64, resolveLinks bool) (*store.ResolvedEvent, error) {
	st, _, err := n.started()
	if err != nil {
		return nil, err
	}
	return st.ReadEvent(ctx, stream, eventNumber, resolveLinks)
}

func (n *Node) ReadStreamForward(ctx context.Context, stream string, from int64, maxCount int, resolveLinks bool) (*store.StreamSlice, error) {
	st, _, err := n.started()
	if err != nil {
		return nil, err
	}
	return st.ReadStreamForward(ctx, stream, from, maxCount, resolveLinks)
}

func (n *Node) ReadStreamBackward(ctx context.Context, stream string, from int64, maxCount int, resolveLinks bool) (*store.StreamSlice, error) {
	st, _, err := n.started()
	if err != nil {
		return nil, err
	}
	return st.ReadStreamBackward(ctx, stream, from, maxCount, resolveLinks)
}

func (n *Node) ReadAllForward(ctx context.Context, from store.TFPos, maxCount int, resolveLinks bool) (*store.AllSlice, error) {
	st, _, err := n.started()
	if err != nil {
		return nil, err
	}
	return st.ReadAllForward(ctx, from, maxCount, resolveLinks)
}

func (n *Node) ReadAllBackward(ctx context.Context, from store.TFPos, maxCount int, resolveLinks bool) (*store.AllSlice, error) {
	st, _, err := n.started()
	if err != nil {
		return nil, err
	}
	return st.ReadAllBackward(ctx, from, maxCount, resolveLinks)
}

// Subscribe starts a catch-up subscription on a stream, or on $all when
// req.Stream is empty.
func (n *Node) Subscribe(ctx context.Context, req subscription.Request) (*subscription.Subscription, error) {
	_, subs, err := n.started()
	if err != nil {
		return nil, err
	}
	return subs.Subscribe(ctx, req)
}

func (n *Node) SubscribeWithHandlers(ctx context.Context, req subscription.Request, onEvent subscription.Handler, onDropped func(*subscription.Dropped)) (*subscription.Subscription, error) {
	_, subs, err := n.started()
	if err != nil {
		return nil, err
	}
	return subs.SubscribeWithHandlers(ctx, req, onEvent, onDropped)
}

func (n *Node) SoftDelete(ctx context.Context, stream string, expectedVersion int64) (*store.WriteResult, error) {
	st, _, err := n.started()
	if err != nil {
		return nil, err
	}
	return st.SoftDelete(ctx, stream, expectedVersion)
}

// Tombstone deletes stream permanently. Its name can not be reused.
func (n *Node) Tombstone(ctx context.Context, stream string, expectedVersion int64) (*store.WriteResult, error) {
	st, _, err := n.started()
	if err != nil {
		return nil, err
	}
	return st.Tombstone(ctx, stream, expectedVersion)
}

func (n *Node) GetStreamMetadata(ctx context.Context, stream string) (*store.StreamMetadata, int64, error) {
	st, _, err := n.started()
	if err != nil {
		return nil, 0, err
	}
	return st.GetStreamMetadata(ctx, stream)
}

func (n *Node) SetStreamMetadata(ctx context.Context, stream string, expectedMetaVersion int64, meta *store.StreamMetadata) (*store.WriteResult, error) {
	st, _, err := n.started()
	if err != nil {
		return nil, err
	}
	return st.SetStreamMetadata(ctx, stream, expectedMetaVersion, meta)
}

// IndexedPosition is the log position up to which commits are readable.
func (n *Node) IndexedPosition() (int64, error) {
	st, _, err := n.started()
	if err != nil {
		return 0, err
	}
	return st.IndexedPosition(), nil
}
