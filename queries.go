// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package couchtiny

import (
	"encoding/json"
)

// Common row iterator interface, implemented by ViewResult (buffered) and
// RowStream (streamed).
type RowIterator interface {
	// Unmarshals a single result row into valuePtr, and then closes the iterator.
	One(valuePtr interface{}) error
	// Unmarshals the next result row into valuePtr.
	// Returns false when reaching end of result set.
	Next(valuePtr interface{}) bool
	// Retrieves raw JSON bytes for the next result row.
	NextBytes() []byte
	// Closes the iterator.  Returns any row-level errors seen during iteration.
	Close() error
}

// Result of a view or _all_docs query.
type ViewResult struct {
	TotalRows int      `json:"total_rows"`
	Offset    int      `json:"offset"`
	Rows      ViewRows `json:"rows"`
	iterIndex int      // Used to support iterator interface
	iterErr   error    // Error encountered during iteration
}

type ViewRows []*ViewRow

// A single result row from a view query.
type ViewRow struct {
	ID    string      `json:"id,omitempty"`
	Key   interface{} `json:"key"`
	Value interface{} `json:"value"`
	Doc   Doc         `json:"doc,omitempty"`
	Error string      `json:"error,omitempty"`

	// Model is the typed document built from Doc by a Finder; nil for raw rows.
	Model Model `json:"-"`
}

// Models returns the materialised documents of the rows that have one.
func (rows ViewRows) Models() []Model {
	out := make([]Model, 0, len(rows))
	for _, row := range rows {
		if row.Model != nil {
			out = append(out, row.Model)
		}
	}
	return out
}

// ValueInt returns a numeric row value as an int, or 0.
func (r *ViewRow) ValueInt() int {
	num, _ := r.Value.(float64)
	return int(num)
}

// Note: iterIndex is a 1-based counter
func (r *ViewResult) NextBytes() []byte {
	if r.iterErr != nil || r.iterIndex >= len(r.Rows) {
		return nil
	}
	r.iterIndex++

	var rowBytes []byte
	rowBytes, r.iterErr = json.Marshal(r.Rows[r.iterIndex-1])
	if r.iterErr != nil {
		return nil
	}
	return rowBytes
}

func (r *ViewResult) Next(valuePtr interface{}) bool {
	row := r.NextBytes()
	if row == nil {
		return false
	}
	r.iterErr = json.Unmarshal(row, valuePtr)
	return r.iterErr == nil
}

func (r *ViewResult) Close() error {
	return r.iterErr
}

func (r *ViewResult) One(valuePtr interface{}) error {
	if !r.Next(valuePtr) {
		if err := r.Close(); err != nil {
			return err
		}
		return ErrNoRows
	}
	// Ignore any errors occurring after we already have our result
	_ = r.Close()
	return nil
}

var (
	_ RowIterator = &ViewResult{}
	_ RowIterator = &RowStream{}
)
