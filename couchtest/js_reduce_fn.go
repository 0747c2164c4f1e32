//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtest

import (
	"context"
	"encoding/json"
)

// A thread-safe JavaScript reduce function, function(keys, values, rereduce).
type JSReduceFunction struct {
	pool *jsPool
}

func NewJSReduceFunction(src string) (*JSReduceFunction, error) {
	pool, err := newJSPool(src)
	if err != nil {
		return nil, err
	}
	return &JSReduceFunction{pool: pool}, nil
}

// Reduce calls the function. keys holds a [key, docid] pair per value, and is nil
// when rereducing.
func (reducer *JSReduceFunction) Reduce(ctx context.Context, keys []interface{}, values []interface{}, rereduce bool) (interface{}, error) {
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	valuesJSON, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	var result interface{}
	err = reducer.pool.with(ctx, func(vm *jsVM) error {
		value, err := vm.call(ctx, JSONString(keysJSON), JSONString(valuesJSON), rereduce)
		if err != nil {
			return err
		}
		result, err = exportJSON(value)
		return err
	})
	return result, err
}
