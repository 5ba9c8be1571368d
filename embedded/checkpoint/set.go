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

package checkpoint

import (
	"fmt"

	"github.com/codenotary/eventdb/embedded"
	"github.com/codenotary/eventdb/embedded/multierr"
)

// Set groups the checkpoints of a node.
type Set struct {
	Writer      Checkpoint
	Chaser      Checkpoint
	Epoch       Checkpoint
	Replication Checkpoint
	Index       Checkpoint
	Truncate    Checkpoint
}

func initialValue(name string) int64 {
	switch name {
	case Writer, Chaser, Index:
		return 0
	}
	return -1
}

// OpenSet opens (or creates) every checkpoint file inside dir.
func OpenSet(dir string) (*Set, error) {
	s := &Set{}

	targets := []struct {
		name string
		c    *Checkpoint
	}{
		{Writer, &s.Writer},
		{Chaser, &s.Chaser},
		{Epoch, &s.Epoch},
		{Replication, &s.Replication},
		{Index, &s.Index},
		{Truncate, &s.Truncate},
	}

	for i, t := range targets {
		c, err := OpenFile(dir, t.name, initialValue(t.name))
		if err != nil {
			merr := multierr.NewMultiErr().Append(err)
			for _, opened := range targets[:i] {
				merr.Append((*opened.c).Close())
			}
			return nil, merr.Reduce()
		}
		*t.c = c
	}

	if err := s.Validate(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// NewMemorySet returns non durable checkpoints, used by in-memory nodes and tests.
func NewMemorySet() *Set {
	return &Set{
		Writer:      NewMemory(Writer, initialValue(Writer)),
		Chaser:      NewMemory(Chaser, initialValue(Chaser)),
		Epoch:       NewMemory(Epoch, initialValue(Epoch)),
		Replication: NewMemory(Replication, initialValue(Replication)),
		Index:       NewMemory(Index, initialValue(Index)),
		Truncate:    NewMemory(Truncate, initialValue(Truncate)),
	}
}

func (s *Set) all() []Checkpoint {
	return []Checkpoint{s.Writer, s.Chaser, s.Epoch, s.Replication, s.Index, s.Truncate}
}

// Validate checks the ordering between checkpoints.
func (s *Set) Validate() error {
	if s.Chaser.Read() > s.Writer.Read() {
		return fmt.Errorf("%w: chaser checkpoint (%d) is ahead of writer checkpoint (%d)",
			embedded.ErrIllegalState, s.Chaser.Read(), s.Writer.Read())
	}
	return nil
}

func (s *Set) Flush() error {
	merr := multierr.NewMultiErr()
	for _, c := range s.all() {
		merr.Append(c.Flush())
	}
	return merr.Reduce()
}

func (s *Set) Close() error {
	merr := multierr.NewMultiErr()
	for _, c := range s.all() {
		merr.Append(c.Close())
	}
	return merr.Reduce()
}
