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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config locates the configuration file of a command and binds the
// environment variables prefixed with its upper-cased name.
type Config struct {
	Name  string
	CfgFn string
}

// Init initializes config
func (c *Config) Init(name string) error {
	if c.CfgFn != "" {
		viper.SetConfigFile(c.CfgFn)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return err
		}
		viper.AddConfigPath("configs")
		if runtime.GOOS != "windows" {
			viper.AddConfigPath(filepath.Join("/etc", name))
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(filepath.Join(home, "."+name))
		viper.SetConfigName(name)
	}

	viper.SetEnvPrefix(strings.ToUpper(name))
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err == nil {
		c.CfgFn = viper.ConfigFileUsed()
		fmt.Fprintln(os.Stderr, "Using config file:", c.CfgFn)
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if c.CfgFn == "" && errors.As(err, &notFound) {
		return nil
	}

	return err
}

// LoadConfig loads the config file named by the --config flag, or the
// default one when the flag is unset.
func (c *Config) LoadConfig(cmd *cobra.Command) error {
	if f := cmd.Flags().Lookup("config"); f != nil {
		c.CfgFn = f.Value.String()
	}

	return c.Init(c.Name)
}
