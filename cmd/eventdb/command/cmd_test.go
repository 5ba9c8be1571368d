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

package eventdb

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codenotary/eventdb/embedded/chunk"
	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/store"
	"github.com/codenotary/eventdb/pkg/server"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

type plauncherMock struct {
	called bool
}

func (p *plauncherMock) Detached() error {
	p.called = true
	return nil
}

func execute(t *testing.T, p *plauncherMock, args ...string) (string, error) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd, err := newCommand(p)
	require.NoError(t, err)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err = cmd.Execute()

	return out.String(), err
}

func TestNewCommand(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	cmd, err := newCommand(&plauncherMock{})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	require.True(t, names["version"])
	require.True(t, names["verify"])

	for _, f := range []string{"dir", "port", "cluster-size", "leader-address", "replica-timeout", "chunk-size"} {
		require.NotNil(t, cmd.Flags().Lookup(f), f)
	}
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestParseOptions(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setupDefaults(server.DefaultOptions())

	options, err := parseOptions()
	require.NoError(t, err)
	require.Equal(t, server.DefaultOptions().Port, options.Port)
	require.False(t, options.IsReplica())
	require.Equal(t, logger.LogInfo, options.LogLevel)

	viper.Set("cluster-size", 3)
	viper.Set("leader-address", "10.0.0.1:1113")
	viper.Set("replica-timeout", "10s")
	viper.Set("log-level", "debug")
	viper.Set("synced", false)
	viper.Set("verify-chunks-on-open", true)

	options, err = parseOptions()
	require.NoError(t, err)
	require.True(t, options.IsReplica())
	require.True(t, options.VerifyChunksOnOpen)
	require.Equal(t, 3, options.ReplicationOptions.ClusterSize)
	require.Equal(t, 10*time.Second, options.ReplicationOptions.ReplicaTimeout)
	require.Equal(t, logger.LogDebug, options.LogLevel)
	require.False(t, options.GetSynced())

	viper.Set("log-level", "verbose")
	_, err = parseOptions()
	require.ErrorIs(t, err, server.ErrIllegalArguments)

	viper.Set("log-level", "info")
	viper.Set("cluster-size", 0)
	_, err = parseOptions()
	require.ErrorIs(t, err, server.ErrIllegalArguments)
}

func TestDetached(t *testing.T) {
	p := &plauncherMock{}

	_, err := execute(t, p, "--detached", "--dir", t.TempDir())
	require.NoError(t, err)
	require.True(t, p.called)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("EVENTDB_CLUSTER_SIZE", "0")

	p := &plauncherMock{}

	_, err := execute(t, p, "--detached", "--dir", t.TempDir())
	require.ErrorIs(t, err, server.ErrIllegalArguments)
	require.False(t, p.called)
}

func TestRun(t *testing.T) {
	opts := server.DefaultOptions().
		WithDir(t.TempDir()).
		WithAddress("127.0.0.1").
		WithPort(0).
		WithMetricsServer(false).
		WithSynced(false)

	node, err := server.NewNode(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, run(ctx, node))
	require.ErrorIs(t, node.Stop(), server.ErrNotStarted)
}

func createLog(t *testing.T) string {
	dir := t.TempDir()

	st, err := store.Open(dir, store.DefaultOptions().WithChunkSize(4096).WithSynced(false).WithLogger(logger.NewMemoryLogger()))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		events := make([]store.EventData, 5)
		for j := range events {
			events[j] = store.EventData{
				EventID: uuid.New(),
				Type:    "ItemAdded",
				Data:    []byte(fmt.Sprintf("item-%d-%d", i, j)),
			}
		}

		_, err := st.Append(context.Background(), fmt.Sprintf("basket-%d", i%3), store.ExpectedAny, events)
		require.NoError(t, err)
	}

	require.NoError(t, st.Close())

	return dir
}

func TestVerify(t *testing.T) {
	dir := createLog(t)

	out, err := execute(t, &plauncherMock{}, "verify", "--dir", dir, "--progress=false")
	require.NoError(t, err)
	require.Contains(t, out, "transaction log verified")
	require.Contains(t, out, "completed")
	require.Contains(t, out, "active")

	t.Run("tampered chunks fail verification", func(t *testing.T) {
		f, err := os.OpenFile(filepath.Join(store.ChunksPath(dir), "chunk-000000.000000"), os.O_RDWR, 0)
		require.NoError(t, err)

		_, err = f.WriteAt([]byte("tampered"), chunk.HeaderSize+64)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		out, err := execute(t, &plauncherMock{}, "verify", "--dir", dir, "--progress=false")
		require.ErrorIs(t, err, ErrVerificationFailed)
		require.Contains(t, out, "hash mismatch")
	})

	t.Run("missing logs are reported", func(t *testing.T) {
		_, err := execute(t, &plauncherMock{}, "verify", "--dir", t.TempDir(), "--progress=false")
		require.ErrorContains(t, err, "no transaction log found")
	})
}
