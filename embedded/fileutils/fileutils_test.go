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

package fileutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "writer.chk")

	require.NoError(t, WriteFileAtomic(name, []byte("first"), 0644))
	require.NoError(t, WriteFileAtomic(name, []byte("second"), 0644))

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSyncAndFdatasync(t *testing.T) {
	dir := t.TempDir()

	f, err := os.Create(filepath.Join(dir, "data"))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)

	require.NoError(t, Fdatasync(f))
	require.NoError(t, SyncDir(dir))

	err = SyncDir(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
