// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging configures the process-wide structured logger. It follows
// the teacher's convention of a single slog.Logger installed as the default
// at boot (see jinterlante1206-AleutianLocal/services/orchestrator/main.go),
// generalized to switch handlers based on whether stdout is a terminal.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// Options configures Init.
type Options struct {
	Level  string // debug | info | warn | error
	Output io.Writer
}

// Init installs the default slog.Logger for the process and returns it.
//
// # Description
//
// When stdout is a terminal (interactive use during development), a
// human-readable text handler is used; otherwise (containers, systemd, CI)
// a JSON handler is used so log aggregators can parse fields. This mirrors
// the teacher's JSON-in-production logging in main.go while adding a
// friendlier local-dev path using go-isatty.
func Init(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	level := parseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
