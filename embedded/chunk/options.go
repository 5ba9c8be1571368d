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

package chunk

import (
	"fmt"
	"os"
)

const DefaultWriteBufferSize = 64 * 1024
const DefaultFileMode = os.FileMode(0644)

type Options struct {
	writeBufferSize int
	synced          bool
	fileMode        os.FileMode
}

func DefaultOptions() *Options {
	return &Options{
		writeBufferSize: DefaultWriteBufferSize,
		synced:          true,
		fileMode:        DefaultFileMode,
	}
}

func (opts *Options) Validate() error {
	if opts == nil {
		return fmt.Errorf("%w: nil options", ErrIllegalArguments)
	}

	if opts.writeBufferSize <= 0 {
		return fmt.Errorf("%w: invalid write buffer size", ErrIllegalArguments)
	}

	return nil
}

func (opts *Options) WithWriteBufferSize(size int) *Options {
	opts.writeBufferSize = size
	return opts
}

// WithSynced makes Flush fdatasync the chunk file.
func (opts *Options) WithSynced(synced bool) *Options {
	opts.synced = synced
	return opts
}

func (opts *Options) WithFileMode(fileMode os.FileMode) *Options {
	opts.fileMode = fileMode
	return opts
}
