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
	"os"
	"path/filepath"
	"testing"

	"github.com/codenotary/eventdb/embedded"
	"github.com/stretchr/testify/require"
)

func TestFileCheckpoint(t *testing.T) {
	dir := t.TempDir()

	c, err := OpenFile(dir, Writer, 0)
	require.NoError(t, err)
	require.Equal(t, Writer, c.Name())
	require.Zero(t, c.Read())

	c.Write(4096)
	require.Equal(t, int64(4096), c.ReadNonFlushed())
	require.Zero(t, c.Read())

	require.NoError(t, c.Flush())
	require.Equal(t, int64(4096), c.Read())

	c.Write(8192)
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Flush(), ErrAlreadyClosed)
	require.ErrorIs(t, c.Flush(), embedded.ErrAlreadyClosed)

	c, err = OpenFile(dir, Writer, 0)
	require.NoError(t, err)
	require.Equal(t, int64(4096), c.Read())

	info, err := os.Stat(filepath.Join(dir, Writer+fileExt))
	require.NoError(t, err)
	require.Equal(t, int64(FileSize), info.Size())

	pos, err := ReadFile(dir, Writer)
	require.NoError(t, err)
	require.Equal(t, int64(4096), pos)

	_, err = ReadFile(dir, Epoch)
	require.True(t, os.IsNotExist(err))
}

func TestFileCheckpointCorrupted(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, Chaser+fileExt), []byte("garbage"), 0644)
	require.NoError(t, err)

	_, err = OpenFile(dir, Chaser, 0)
	require.ErrorIs(t, err, ErrCorruptedCheckpoint)

	b := encode(10)
	b[7] = 0 // clear flush marker

	err = os.WriteFile(filepath.Join(dir, Chaser+fileExt), b, 0644)
	require.NoError(t, err)

	_, err = OpenFile(dir, Chaser, 0)
	require.ErrorIs(t, err, ErrCorruptedCheckpoint)

	_, err = ReadFile(dir, Chaser)
	require.ErrorIs(t, err, ErrCorruptedCheckpoint)
}

func TestCheckpointSet(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenSet(dir)
	require.NoError(t, err)

	require.Zero(t, s.Writer.Read())
	require.Zero(t, s.Chaser.Read())
	require.Equal(t, int64(-1), s.Epoch.Read())
	require.Equal(t, int64(-1), s.Replication.Read())

	s.Writer.Write(100)
	s.Chaser.Write(50)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Validate())
	require.NoError(t, s.Close())

	s, err = OpenSet(dir)
	require.NoError(t, err)
	require.Equal(t, int64(100), s.Writer.Read())
	require.Equal(t, int64(50), s.Chaser.Read())

	s.Chaser.Write(200)
	require.NoError(t, s.Chaser.Flush())
	require.ErrorIs(t, s.Validate(), embedded.ErrIllegalState)
	require.NoError(t, s.Close())

	_, err = OpenSet(dir)
	require.ErrorIs(t, err, embedded.ErrIllegalState)
}

func TestMemoryCheckpoint(t *testing.T) {
	s := NewMemorySet()

	s.Writer.Write(10)
	require.Zero(t, s.Writer.Read())
	require.Equal(t, int64(10), s.Writer.ReadNonFlushed())

	require.NoError(t, s.Flush())
	require.Equal(t, int64(10), s.Writer.Read())
	require.NoError(t, s.Close())
}
