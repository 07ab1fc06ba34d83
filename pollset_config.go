// Copyright 2024 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pollset

import (
	"fmt"
	"io"
	"log"
	"os"
)

// global config
var (
	logger                   = log.New(os.Stderr, "", log.LstdFlags)
	defaultEventBatchSize    = 128
	defaultMaxEventBatchSize = 128 * 1024
)

// Config expose some tuning parameters to control the internal behaviors of pollset.
// Every parameter with the default zero value should keep the default behavior.
type Config struct {
	LoggerOutput      io.Writer // logger output
	EventBatchSize    int       // initial number of native events fetched per wait
	MaxEventBatchSize int       // upper bound the event buffer may grow to
}

// Configure must be called before any Pollset is created,
// pollsets read the global values only once in New.
func Configure(config Config) error {
	if config.EventBatchSize < 0 || config.MaxEventBatchSize < 0 {
		return fmt.Errorf("invalid event batch size [%d, %d]", config.EventBatchSize, config.MaxEventBatchSize)
	}
	if config.EventBatchSize > 0 {
		defaultEventBatchSize = config.EventBatchSize
	}
	if config.MaxEventBatchSize > 0 {
		defaultMaxEventBatchSize = config.MaxEventBatchSize
	}
	if defaultMaxEventBatchSize < defaultEventBatchSize {
		defaultMaxEventBatchSize = defaultEventBatchSize
	}
	if config.LoggerOutput != nil {
		logger = log.New(config.LoggerOutput, "", log.LstdFlags)
	}
	return nil
}

// SetLoggerOutput sets the logger output target.
func SetLoggerOutput(w io.Writer) {
	logger = log.New(w, "", log.LstdFlags)
}

// Option configures a single Pollset.
type Option struct {
	f func(*options)
}

type options struct {
	batch    int
	maxBatch int
}

func newOptions(ops []Option) *options {
	opts := &options{
		batch:    defaultEventBatchSize,
		maxBatch: defaultMaxEventBatchSize,
	}
	for _, do := range ops {
		do.f(opts)
	}
	if opts.batch < 1 {
		opts.batch = 1
	}
	if opts.maxBatch < opts.batch {
		opts.maxBatch = opts.batch
	}
	return opts
}

// WithEventBatchSize sets how many native events a single wait fetches at first.
func WithEventBatchSize(n int) Option {
	return Option{func(op *options) {
		op.batch = n
	}}
}

// WithMaxEventBatchSize caps the growth of the native event buffer.
// The buffer doubles every time a wait fills it completely.
func WithMaxEventBatchSize(n int) Option {
	return Option{func(op *options) {
		op.maxBatch = n
	}}
}
