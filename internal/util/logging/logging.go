// Copyright 2026 Alexandre Mahdhaoui
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

// Package logging provides the shared logging setup for the vmbroker
// binary. It uses log/slog as the standard library logger.
package logging

import (
	"log/slog"
	"os"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables development mode logging (text handler, debug
	// level).
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
	}
}

// Setup configures the default slog logger. Call early in main() before
// any logging. Logs go to stderr so the status command's stdout stays
// machine-readable.
func Setup(opts Options) {
	var handler slog.Handler
	if opts.Development {
		// Text handler for development (more readable).
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: opts.Level,
		})
	} else {
		// JSON handler for production (structured, machine-readable).
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: opts.Level,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// SetupDefault sets up logging with default options.
func SetupDefault() {
	Setup(DefaultOptions())
}

// SetupDevelopment sets up logging in development mode.
func SetupDevelopment() {
	Setup(Options{
		Development: true,
		Level:       slog.LevelDebug,
	})
}
