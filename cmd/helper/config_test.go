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

package helper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestConfigWithFile(t *testing.T) {
	defer viper.Reset()

	fn := filepath.Join(t.TempDir(), "eventdb.toml")
	err := os.WriteFile(fn, []byte("address = \"10.0.0.1\"\nport = 4444\n"), 0644)
	require.NoError(t, err)

	c := Config{Name: "eventdbtest"}

	cmd := cobra.Command{}
	cmd.Flags().StringVar(&c.CfgFn, "config", "", "config file")
	require.NoError(t, cmd.Flags().Set("config", fn))

	err = c.LoadConfig(&cmd)
	require.NoError(t, err)
	require.Equal(t, fn, c.CfgFn)
	require.Equal(t, "10.0.0.1", viper.GetString("address"))
	require.Equal(t, 4444, viper.GetInt("port"))
}

func TestConfigWithoutFile(t *testing.T) {
	defer viper.Reset()

	t.Setenv("EVENTDBTEST_CLUSTER_SIZE", "3")

	c := Config{Name: "eventdbtest"}
	err := c.LoadConfig(&cobra.Command{})
	require.NoError(t, err)
	require.Empty(t, c.CfgFn)
	require.Equal(t, 3, viper.GetInt("cluster-size"))
}

func TestConfigMissingFile(t *testing.T) {
	defer viper.Reset()

	c := Config{Name: "eventdbtest", CfgFn: filepath.Join(t.TempDir(), "missing.toml")}
	require.Error(t, c.Init(c.Name))
}
