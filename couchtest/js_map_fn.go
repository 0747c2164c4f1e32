//  Copyright 2012-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtest

import "context"

// A CouchDB-compatible JavaScript map function, function(doc) { emit(k, v); }.
// It is safe for concurrent use.
type JSMapFunction struct {
	pool *jsPool
}

// NewJSMapFunction compiles src, returning an error if it isn't a function.
func NewJSMapFunction(src string) (*JSMapFunction, error) {
	pool, err := newJSPool(src)
	if err != nil {
		return nil, err
	}
	return &JSMapFunction{pool: pool}, nil
}

// CallFunction maps a document given as JSON, returning the rows it emitted.
func (mapper *JSMapFunction) CallFunction(ctx context.Context, doc string, docid string) ([]*Row, error) {
	var rows []*Row
	err := mapper.pool.with(ctx, func(vm *jsVM) error {
		vm.emitted = []*Row{}
		defer func() { vm.emitted = nil }()
		if _, err := vm.call(ctx, JSONString(doc)); err != nil {
			return err
		}
		rows = vm.emitted
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		row.ID = docid
	}
	return rows, nil
}
