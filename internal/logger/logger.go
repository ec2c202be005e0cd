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

// Package logger builds the leveled slog.Logger a check run writes its
// progress and repair decisions through: text to stderr by default, JSON to
// a rotated file when --log-file is set.
package logger

import (
	"context"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// programLevel is shared by every handler Init builds, so -v/--verbose
// (raising it after construction) takes effect without rebuilding the
// logger.
var programLevel = new(slog.LevelVar)

// SetVerbose raises programLevel to slog.LevelDebug, or restores it to
// slog.LevelInfo, matching the CLI's -v/--verbose flag.
func SetVerbose(verbose bool) {
	if verbose {
		programLevel.Set(slog.LevelDebug)
		return
	}
	programLevel.Set(slog.LevelInfo)
}

// quietHandler drops every record below slog.LevelWarn, independent of
// programLevel, so -q can suppress progress lines without also raising the
// level a --log-file handler observes.
type quietHandler struct {
	slog.Handler
}

func (h quietHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn && h.Handler.Enabled(ctx, level)
}

func (h quietHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return quietHandler{h.Handler.WithAttrs(attrs)}
}

func (h quietHandler) WithGroup(name string) slog.Handler {
	return quietHandler{h.Handler.WithGroup(name)}
}

// Init builds the logger for a check run. With logFile empty, it writes
// human-readable text to stderr. With logFile set, it writes JSON lines to a
// lumberjack-rotated file instead, so a long repair run's progress survives
// past the terminal scrollback. quiet suppresses Info and below regardless
// of level, for the CLI's -q progress-suppression flag.
func Init(logFile string, level slog.Level, quiet bool) (*slog.Logger, error) {
	programLevel.Set(level)

	var handler slog.Handler
	if logFile == "" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	} else {
		lj := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 5,
			Compress:   true,
		}
		handler = slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: programLevel})
	}

	if quiet {
		handler = quietHandler{handler}
	}

	return slog.New(handler), nil
}
