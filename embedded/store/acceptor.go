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
	"github.com/google/uuid"
)

// CommitAcceptor decides when the prepares of a transaction are replicated
// enough to be committed. Register is called once the prepares are durable
// on the local node; the returned channel yields nil when the commit may be
// written, or an error when the transaction must be abandoned.
type CommitAcceptor interface {
	Register(correlationID uuid.UUID, lastPreparePosition int64) <-chan error
}

// localAcceptor accepts every transaction as soon as it is locally durable.
type localAcceptor struct{}

func (localAcceptor) Register(uuid.UUID, int64) <-chan error {
	ch := make(chan error, 1)
	ch <- nil
	return ch
}
