//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtiny

import (
	"context"
	"log"
	"sync/atomic"
)

type LogLevel uint32

const (
	// LevelNone disables all logging
	LevelNone LogLevel = iota
	// LevelError enables only error logging.
	LevelError
	// LevelWarn enables warn and error logging.
	LevelWarn
	// LevelInfo enables info, warn, and error logging.
	LevelInfo
	// LevelDebug enables debug, info, warn, and error logging.
	LevelDebug
	// LevelTrace enables trace, debug, info, warn, and error logging.
	LevelTrace
)

var (
	logLevelNamesPrint = []string{"CouchTiny: [NON] ", "CouchTiny: [ERR] ", "CouchTiny: [WRN] ", "CouchTiny: [INF] ", "CouchTiny: [DBG] ", "CouchTiny: [TRC] "}
)

var logging = uint32(LevelWarn)

// Set this callback to redirect logging elsewhere. Default value writes to Go `log.Printf`
var LoggingCallback = func(ctx context.Context, level LogLevel, fmt string, args ...interface{}) {
	log.Printf(logLevelNamesPrint[level]+fmt, args...)
}

// SetLogLevel configures which messages reach LoggingCallback.
func SetLogLevel(level LogLevel) {
	atomic.StoreUint32(&logging, uint32(level))
}

func GetLogLevel() LogLevel {
	return LogLevel(atomic.LoadUint32(&logging))
}

func (l LogLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	}
	return "unknown"
}

func logg(ctx context.Context, level LogLevel, fmt string, args ...interface{}) {
	if GetLogLevel() >= level {
		LoggingCallback(ctx, level, fmt, args...)
	}
}

func logError(ctx context.Context, fmt string, args ...interface{}) {
	logg(ctx, LevelError, fmt, args...)
}

func warn(ctx context.Context, fmt string, args ...interface{}) {
	logg(ctx, LevelWarn, fmt, args...)
}

func info(ctx context.Context, fmt string, args ...interface{}) {
	logg(ctx, LevelInfo, fmt, args...)
}

func debug(ctx context.Context, fmt string, args ...interface{}) {
	logg(ctx, LevelDebug, fmt, args...)
}

func trace(ctx context.Context, fmt string, args ...interface{}) {
	logg(ctx, LevelTrace, fmt, args...)
}
