/*
Copyright 2013-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package couchtest

import (
	"context"
	"runtime"
	"sync"
)

// Runs fn over items on a pool of workers (0 means GOMAXPROCS) and concatenates
// everything it returns, in no particular order. Items fn fails on are passed to
// onError and contribute nothing. Once ctx is done no further items are started.
func parallelMap[In, Out any](ctx context.Context, items []In, workers int,
	fn func(In) ([]Out, error), onError func(In, error)) []Out {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(items) {
		workers = len(items)
	}

	input := make(chan In)
	output := make(chan []Out, workers)
	var wg sync.WaitGroup
	for j := 0; j < workers; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range input {
				out, err := fn(item)
				if err != nil {
					onError(item, err)
					continue
				}
				output <- out
			}
		}()
	}
	go func() {
	feed:
		for _, item := range items {
			select {
			case input <- item:
			case <-ctx.Done():
				break feed
			}
		}
		close(input)
		wg.Wait()
		close(output)
	}()

	var results []Out
	for out := range output {
		results = append(results, out...)
	}
	return results
}
