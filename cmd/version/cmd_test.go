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

package version

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionStr(t *testing.T) {
	defer func(app, version, commit, builtBy, builtAt, static string) {
		App, Version, Commit, BuiltBy, BuiltAt, Static = app, version, commit, builtBy, builtAt, static
	}(App, Version, Commit, BuiltBy, BuiltAt, Static)

	App, Version = "", ""
	require.Equal(t, "no version info available", VersionStr())

	App = "eventdb"
	Version = "1.0.0"
	Commit = "5e1f0a2"
	BuiltBy = "builder@eventdb.io"
	BuiltAt = "0"
	Static = "static"

	s := VersionStr()
	require.Contains(t, s, "eventdb 1.0.0")
	require.Contains(t, s, "5e1f0a2")
	require.Contains(t, s, "builder@eventdb.io")
	require.Contains(t, s, "Thu, 01 Jan 1970 00:00:00 UTC")
	require.Contains(t, s, "Static    : true")
	require.True(t, StaticBuild())

	cmd := VersionCmd()
	var b bytes.Buffer
	cmd.SetOut(&b)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	require.Contains(t, b.String(), "eventdb 1.0.0")
}
