// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"fmt"
	"io"
	"os"
)

// AsyncLogger buffers writes to an underlying io.Writer (typically a
// lumberjack.Logger) through a channel drained by one goroutine, so a slow
// pass's log calls never block on file or rotation I/O. A write attempted
// against a full buffer is dropped rather than blocking the caller.
type AsyncLogger struct {
	w    io.Writer
	ch   chan []byte
	done chan struct{}
}

// NewAsyncLogger starts the drain goroutine and returns an AsyncLogger ready
// to accept writes. bufSize is the number of pending writes the channel can
// hold before new writes are dropped.
func NewAsyncLogger(w io.Writer, bufSize int) *AsyncLogger {
	a := &AsyncLogger{
		w:    w,
		ch:   make(chan []byte, bufSize),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncLogger) run() {
	defer close(a.done)
	for b := range a.ch {
		if _, err := a.w.Write(b); err != nil {
			fmt.Fprintf(os.Stderr, "asynclogger: write failed: %v\n", err)
		}
	}
}

// Write implements io.Writer by copying p and handing the copy to the drain
// goroutine. It never blocks: a full buffer drops the message, noting so on
// stderr, rather than stalling the pass that's logging.
func (a *AsyncLogger) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)
	select {
	case a.ch <- b:
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
	}
	return len(p), nil
}

// Close stops accepting writes, waits for every buffered write to drain, and
// closes the underlying writer if it implements io.Closer.
func (a *AsyncLogger) Close() error {
	close(a.ch)
	<-a.done
	if c, ok := a.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
