//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

// Command couchtiny talks to a CouchDB server from the shell, and can run an
// in-memory server for local testing.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/candlerb/couchtiny"
	"github.com/candlerb/couchtiny/couchtest"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "couchtiny: %v\n", err)
		os.Exit(1)
	}
}

var slogLevels = map[couchtiny.LogLevel]slog.Level{
	couchtiny.LevelError: slog.LevelError,
	couchtiny.LevelWarn:  slog.LevelWarn,
	couchtiny.LevelInfo:  slog.LevelInfo,
	couchtiny.LevelDebug: slog.LevelDebug,
	couchtiny.LevelTrace: slog.LevelDebug - 4,
}

// Installs a tint handler on stderr and routes both packages' logging into it.
func setupLogging(w io.Writer, level couchtiny.LogLevel, color bool) *slog.Logger {
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelError + 4)
	if l, ok := slogLevels[level]; ok {
		ll.Set(l)
	}
	logger := slog.New(tint.NewHandler(w, &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !color,
	}))
	slog.SetDefault(logger)

	couchtiny.SetLogLevel(level)
	couchtiny.LoggingCallback = func(ctx context.Context, level couchtiny.LogLevel, format string, args ...interface{}) {
		logger.Log(ctx, slogLevels[level], fmt.Sprintf(format, args...), "pkg", "couchtiny")
	}
	couchtest.SetLogLevel(couchtest.LogLevel(level))
	couchtest.LoggingCallback = func(ctx context.Context, level couchtest.LogLevel, format string, args ...interface{}) {
		logger.Log(ctx, slogLevels[couchtiny.LogLevel(level)], fmt.Sprintf(format, args...), "pkg", "couchtest")
	}
	return logger
}

func stderrLogging(level couchtiny.LogLevel) *slog.Logger {
	return setupLogging(colorable.NewColorable(os.Stderr), level, isatty.IsTerminal(os.Stderr.Fd()))
}
