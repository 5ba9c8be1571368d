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
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/codenotary/eventdb/embedded/fileutils"
	"github.com/codenotary/eventdb/embedded/multierr"
	"github.com/google/uuid"
)

const (
	IndexMapFilename = "indexmap"
	IndexMapVersion  = 1

	ptableExt = ".ptable"
)

// IndexMap lists the PTables of the index by level together with the log
// checkpoints covered by them. Level 0 holds the newest tables.
type IndexMap struct {
	version           int
	prepareCheckpoint int64
	commitCheckpoint  int64
	levels            [][]*PTable
}

func emptyIndexMap() *IndexMap {
	return &IndexMap{
		version:           IndexMapVersion,
		prepareCheckpoint: -1,
		commitCheckpoint:  -1,
	}
}

func (m *IndexMap) PrepareCheckpoint() int64 {
	return m.prepareCheckpoint
}

func (m *IndexMap) CommitCheckpoint() int64 {
	return m.commitCheckpoint
}

func (m *IndexMap) Levels() int {
	return len(m.levels)
}

// Tables returns every table, newest first.
func (m *IndexMap) Tables() []*PTable {
	var tables []*PTable

	for _, level := range m.levels {
		for i := len(level) - 1; i >= 0; i-- {
			tables = append(tables, level[i])
		}
	}

	return tables
}

func (m *IndexMap) bytes(dir string) ([]byte, error) {
	var body bytes.Buffer

	fmt.Fprintf(&body, "%d\n", m.version)
	fmt.Fprintf(&body, "%d/%d\n", m.prepareCheckpoint, m.commitCheckpoint)

	for l, level := range m.levels {
		for i, t := range level {
			rel, err := filepath.Rel(dir, t.Path())
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&body, "%d,%d,%s\n", l, i, rel)
		}
	}

	sum := sha256.Sum256(body.Bytes())

	var b bytes.Buffer
	b.WriteString(hex.EncodeToString(sum[:]))
	b.WriteByte('\n')
	b.Write(body.Bytes())

	return b.Bytes(), nil
}

func (m *IndexMap) write(dir string) error {
	b, err := m.bytes(dir)
	if err != nil {
		return err
	}

	return fileutils.WriteFileAtomic(filepath.Join(dir, IndexMapFilename), b, 0644)
}

// loadIndexMap reads the index map of dir and opens its tables. A missing map
// yields an empty one.
func loadIndexMap(dir string, cacheDepth int, verifyHash bool) (*IndexMap, error) {
	b, err := os.ReadFile(filepath.Join(dir, IndexMapFilename))
	if errors.Is(err, os.ErrNotExist) {
		return emptyIndexMap(), nil
	}
	if err != nil {
		return nil, err
	}

	hashLine, body, found := bytes.Cut(b, []byte{'\n'})
	if !found {
		return nil, fmt.Errorf("%w: truncated index map", ErrCorruptedIndex)
	}

	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != string(hashLine) {
		return nil, fmt.Errorf("%w: index map hash mismatch", ErrCorruptedIndex)
	}

	sc := bufio.NewScanner(bytes.NewReader(body))

	if !sc.Scan() {
		return nil, fmt.Errorf("%w: missing index map version", ErrCorruptedIndex)
	}

	version, err := strconv.Atoi(sc.Text())
	if err != nil {
		return nil, fmt.Errorf("%w: invalid index map version", ErrCorruptedIndex)
	}

	if version != IndexMapVersion {
		return nil, fmt.Errorf("%w: index map version %d", ErrIndexVersionUnsupported, version)
	}

	m := &IndexMap{version: version}

	if !sc.Scan() {
		return nil, fmt.Errorf("%w: missing index map checkpoints", ErrCorruptedIndex)
	}

	_, err = fmt.Sscanf(sc.Text(), "%d/%d", &m.prepareCheckpoint, &m.commitCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid index map checkpoints", ErrCorruptedIndex)
	}

	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), ",", 3)
		if len(parts) != 3 {
			m.Close()
			return nil, fmt.Errorf("%w: invalid index map line %q", ErrCorruptedIndex, sc.Text())
		}

		level, err1 := strconv.Atoi(parts[0])
		pos, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || level < len(m.levels)-1 {
			m.Close()
			return nil, fmt.Errorf("%w: invalid index map line %q", ErrCorruptedIndex, sc.Text())
		}

		for level >= len(m.levels) {
			m.levels = append(m.levels, nil)
		}

		if pos != len(m.levels[level]) {
			m.Close()
			return nil, fmt.Errorf("%w: invalid index map line %q", ErrCorruptedIndex, sc.Text())
		}

		t, err := OpenPTable(filepath.Join(dir, parts[2]), cacheDepth, verifyHash)
		if err != nil {
			m.Close()
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %v", ErrCorruptedIndex, err)
			}
			return nil, err
		}

		m.levels[level] = append(m.levels[level], t)
	}

	return m, sc.Err()
}

func newPTablePath(dir string) string {
	return filepath.Join(dir, uuid.NewString()+ptableExt)
}

// addPTable returns a new map with t added at level 0, cascading merges of
// full levels. Tables replaced by a merge are returned so the caller can
// destroy them once the new map is durable. On failure the merges made so far
// are destroyed, t is left to the caller.
func (m *IndexMap) addPTable(dir string, t *PTable, prepareCheckpoint, commitCheckpoint int64, opts *Options) (*IndexMap, []*PTable, error) {
	nm := &IndexMap{
		version:           m.version,
		prepareCheckpoint: prepareCheckpoint,
		commitCheckpoint:  commitCheckpoint,
		levels:            make([][]*PTable, len(m.levels)),
	}

	for l, level := range m.levels {
		nm.levels[l] = append([]*PTable(nil), level...)
	}

	if len(nm.levels) == 0 {
		nm.levels = append(nm.levels, nil)
	}

	nm.levels[0] = append(nm.levels[0], t)

	var replaced, merges []*PTable

	for l := 0; l < len(nm.levels); l++ {
		if len(nm.levels[l]) < opts.maxTablesPerLevel {
			continue
		}

		merged, err := MergePTables(newPTablePath(dir), nm.levels[l], opts.sameStream, opts.cacheDepth)
		if err != nil {
			for _, m := range merges {
				m.MarkForDestruction()
				m.Release()
			}
			return nil, nil, err
		}

		merges = append(merges, merged)

		metricsMerges.Inc()

		opts.logger.Infof("index: merged %d tables of level %d into %s", len(nm.levels[l]), l, filepath.Base(merged.Path()))

		replaced = append(replaced, nm.levels[l]...)
		nm.levels[l] = nil

		if l+1 == len(nm.levels) {
			nm.levels = append(nm.levels, nil)
		}
		nm.levels[l+1] = append(nm.levels[l+1], merged)
	}

	return nm, replaced, nil
}

func (m *IndexMap) Close() error {
	merr := multierr.NewMultiErr()

	for _, level := range m.levels {
		for _, t := range level {
			merr.Append(t.Release())
		}
	}

	return merr.Reduce()
}
