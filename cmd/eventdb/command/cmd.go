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
	c "github.com/codenotary/eventdb/cmd/helper"
	"github.com/codenotary/eventdb/cmd/version"
	"github.com/spf13/cobra"
)

func Execute() {
	version.App = "eventdb"

	cmd, err := newCommand(c.NewPlauncher())
	if err != nil {
		c.QuitToStdErr(err)
	}

	if err := cmd.Execute(); err != nil {
		c.QuitWithUserError(err)
	}
}

func newCommand(p c.Plauncher) (*cobra.Command, error) {
	cl := Commandline{P: p, config: c.Config{Name: "eventdb"}}

	cmd, err := cl.NewRootCmd()
	if err != nil {
		return nil, err
	}

	cmd.AddCommand(version.VersionCmd())
	cmd.AddCommand(newVerifyCmd())

	return cmd, nil
}
