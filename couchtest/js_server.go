//  Copyright 2012-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtest

import (
	"context"
	"time"
)

// Number of idle runtimes kept per function.
const kTaskCacheSize = 4

// Maximum time a view function may run on one call.
const kViewFunctionTimeout = 5 * time.Second

// Thread-safe pool of runtimes all compiled from the same source. Runtimes are
// created on demand and up to kTaskCacheSize idle ones are kept.
type jsPool struct {
	src  string
	idle chan *jsVM
}

// Compiles src once up front, so that syntax errors are reported before any call.
func newJSPool(src string) (*jsPool, error) {
	vm, err := newJSVM(src, kViewFunctionTimeout)
	if err != nil {
		return nil, err
	}
	pool := &jsPool{src: src, idle: make(chan *jsVM, kTaskCacheSize)}
	pool.idle <- vm
	return pool, nil
}

// Runs fn with a runtime of its own. Runtimes whose call was interrupted are
// discarded rather than returned to the pool.
func (pool *jsPool) with(ctx context.Context, fn func(vm *jsVM) error) error {
	var vm *jsVM
	select {
	case vm = <-pool.idle:
	default:
		var err error
		if vm, err = newJSVM(pool.src, kViewFunctionTimeout); err != nil {
			return err
		}
	}
	err := fn(vm)
	if err == ErrJSTimeout || (err != nil && err == ctx.Err()) {
		return err
	}
	select {
	case pool.idle <- vm:
	default:
	}
	return err
}
