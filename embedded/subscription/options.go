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

package subscription

import (
	"fmt"
	"os"

	"github.com/codenotary/eventdb/embedded"
	"github.com/codenotary/eventdb/embedded/logger"
)

const (
	DefaultMaxLiveQueueSize = 10_000
	DefaultReadBatchSize    = 500
)

var ErrInvalidOptions = fmt.Errorf("%w: invalid options", embedded.ErrIllegalArguments)

type Options struct {
	// live events buffered per subscription before it falls back to
	// catching up from the log
	maxLiveQueueSize int

	readBatchSize int

	logger logger.Logger
}

func DefaultOptions() *Options {
	return &Options{
		maxLiveQueueSize: DefaultMaxLiveQueueSize,
		readBatchSize:    DefaultReadBatchSize,
		logger:           logger.NewSimpleLogger("eventdb", os.Stderr),
	}
}

func (opts *Options) Validate() error {
	if opts == nil {
		return fmt.Errorf("%w: nil options", ErrInvalidOptions)
	}

	if opts.maxLiveQueueSize <= 0 {
		return fmt.Errorf("%w: invalid max live queue size", ErrInvalidOptions)
	}

	if opts.readBatchSize <= 0 {
		return fmt.Errorf("%w: invalid read batch size", ErrInvalidOptions)
	}

	if opts.logger == nil {
		return fmt.Errorf("%w: invalid logger", ErrInvalidOptions)
	}

	return nil
}

func (opts *Options) WithMaxLiveQueueSize(size int) *Options {
	opts.maxLiveQueueSize = size
	return opts
}

func (opts *Options) WithReadBatchSize(size int) *Options {
	opts.readBatchSize = size
	return opts
}

func (opts *Options) WithLogger(logger logger.Logger) *Options {
	opts.logger = logger
	return opts
}
