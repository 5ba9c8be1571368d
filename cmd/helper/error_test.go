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
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestQuitters(t *testing.T) {
	var code int
	OverrideQuitter(func(c int) { code = c })
	defer OverrideQuitter(os.Exit)

	QuitToStdErr(errors.New("boom"))
	require.Equal(t, 1, code)

	code = 0
	QuitWithUserError(status.Error(codes.Unavailable, "connection refused"))
	require.Equal(t, 1, code)
}

func TestUnwrapMessage(t *testing.T) {
	require.Equal(t, "diverged", UnwrapMessage(status.Error(codes.FailedPrecondition, "diverged")))
	require.Equal(t, "plain", UnwrapMessage("plain"))
}
