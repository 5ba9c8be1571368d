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

package multierr

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

func TestMultiErrReduce(t *testing.T) {
	merr := NewMultiErr()
	require.False(t, merr.HasErrors())
	require.Nil(t, merr.Reduce())

	errA := errors.New("error a")
	merr.Append(nil).Append(errA)
	require.Equal(t, errA, merr.Reduce())

	errB := errors.New("error b")
	merr.Append(errB)

	err := merr.Reduce()
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
	require.Equal(t, "error a; error b", err.Error())
}

func TestMultiErrClose(t *testing.T) {
	errClose := errors.New("close failed")
	closed := 0

	ok := closerFunc(func() error {
		closed++
		return nil
	})

	failing := closerFunc(func() error {
		closed++
		return errClose
	})

	var nilCloser io.Closer

	merr := NewMultiErr().Close(ok, failing, nilCloser, ok)
	require.Equal(t, 3, closed)
	require.Len(t, merr.Errors(), 1)
	require.ErrorIs(t, merr.Reduce(), errClose)

	var target *wrappedErr
	merr.Append(&wrappedErr{})
	require.ErrorAs(t, merr, &target)
}

type wrappedErr struct{}

func (e *wrappedErr) Error() string {
	return "wrapped"
}
