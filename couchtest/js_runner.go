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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robertkrimen/otto"
)

// JSONString marks a call argument as JSON to be parsed into a JS value, rather
// than passed as a JS string.
type JSONString string

// ErrJSTimeout is returned when a view function runs past its time limit.
var ErrJSTimeout = errors.New("javascript function timed out")

// Helpers available to view functions, as in CouchDB's query server.
const jsPrelude = `
function sum(values) {
  var total = 0;
  for (var i = 0; i < values.length; i++) {
    total += values[i];
  }
  return total;
}
function isArray(obj) {
  return Object.prototype.toString.call(obj) === '[object Array]';
}
function toJSON(obj) {
  return JSON.stringify(obj);
}
`

// A jsVM is an otto runtime holding one compiled view function. It is not safe
// for concurrent use; jsPool lends each one to a single caller at a time.
type jsVM struct {
	otto    *otto.Otto
	fn      otto.Value
	timeout time.Duration
	emitted []*Row // Rows passed to emit() during the current call
}

// Compiles src, which must evaluate to a function, in a fresh runtime with the
// prelude, log() and emit() defined.
func newJSVM(src string, timeout time.Duration) (*jsVM, error) {
	vm := &jsVM{otto: otto.New(), timeout: timeout}
	if _, err := vm.otto.Run(jsPrelude); err != nil {
		return nil, err
	}
	_ = vm.otto.Set("log", vm.log)
	_ = vm.otto.Set("emit", vm.emit)

	fnobj, err := vm.otto.Object("(" + src + ")")
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", src, err)
	}
	if fnobj.Class() != "Function" {
		return nil, errors.New("JavaScript source does not evaluate to a function")
	}
	vm.fn = fnobj.Value()
	return vm, nil
}

func (vm *jsVM) log(call otto.FunctionCall) otto.Value {
	parts := make([]string, 0, len(call.ArgumentList))
	for _, arg := range call.ArgumentList {
		str, _ := arg.ToString()
		parts = append(parts, str)
	}
	info(context.Background(), "JS: %s", strings.Join(parts, " "))
	return otto.UndefinedValue()
}

func (vm *jsVM) emit(call otto.FunctionCall) otto.Value {
	key, err1 := exportJSON(call.Argument(0))
	value, err2 := exportJSON(call.Argument(1))
	if err1 != nil || err2 != nil {
		panic(call.Otto.MakeTypeError(fmt.Sprintf("unsupported key or value types: emit(%v, %v)", call.Argument(0), call.Argument(1))))
	}
	vm.emitted = append(vm.emitted, &Row{Key: key, Value: value})
	return otto.UndefinedValue()
}

func (vm *jsVM) toValue(arg interface{}) (otto.Value, error) {
	if src, ok := arg.(JSONString); ok {
		if src == "" {
			return otto.NullValue(), nil
		}
		value, err := vm.otto.Call("JSON.parse", nil, string(src))
		if err != nil {
			return otto.UndefinedValue(), fmt.Errorf("unparseable argument: %s", src)
		}
		return value, nil
	}
	value, err := vm.otto.ToValue(arg)
	if err != nil {
		return otto.UndefinedValue(), fmt.Errorf("couldn't convert %#v to JS: %w", arg, err)
	}
	return value, nil
}

// Calls the function. It is interrupted with ErrJSTimeout if it runs past the
// timeout, or with ctx's error once ctx is done; an interrupted vm must not be
// reused.
func (vm *jsVM) call(ctx context.Context, args ...interface{}) (result otto.Value, err error) {
	if err := ctx.Err(); err != nil {
		return otto.UndefinedValue(), err
	}
	values := make([]interface{}, len(args))
	for i, arg := range args {
		if values[i], err = vm.toValue(arg); err != nil {
			return otto.UndefinedValue(), err
		}
	}

	interrupt := make(chan func(), 1)
	vm.otto.Interrupt = interrupt
	done := make(chan struct{})
	defer close(done)
	go func() {
		var timer <-chan time.Time
		if vm.timeout > 0 {
			t := time.NewTimer(vm.timeout)
			defer t.Stop()
			timer = t.C
		}
		var cause error
		select {
		case <-done:
			return
		case <-ctx.Done():
			cause = ctx.Err()
		case <-timer:
			cause = ErrJSTimeout
		}
		interrupt <- func() { panic(jsInterrupt{cause}) }
	}()

	defer func() {
		if caught := recover(); caught != nil {
			stop, ok := caught.(jsInterrupt)
			if !ok {
				panic(caught)
			}
			result, err = otto.UndefinedValue(), stop.cause
		}
	}()
	return vm.fn.Call(vm.fn, values...)
}

type jsInterrupt struct{ cause error }

// Converts a JS value to plain JSON types: float64 numbers, []interface{} arrays and
// map[string]interface{} objects.
func exportJSON(value otto.Value) (interface{}, error) {
	if value.IsUndefined() || value.IsNull() {
		return nil, nil
	}
	exported, err := value.Export()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(exported)
	if err != nil {
		return nil, err
	}
	var result interface{}
	err = json.Unmarshal(data, &result)
	return result, err
}
