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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// A single row of a view or _all_docs result.
type Row struct {
	ID    string      `json:"id,omitempty"`
	Key   interface{} `json:"key"`
	Value interface{} `json:"value"`
	Doc   interface{} `json:"doc,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Result of a view query, before it is written out.
type ViewResult struct {
	TotalRows int
	Offset    int
	Rows      []*Row
	Reduced   bool // Reduced results have no total_rows or offset
}

// Query parameters of a view request.
type viewParams struct {
	key, startKey, endKey          interface{}
	hasKey, hasStartKey, hasEndKey bool
	keys                           []interface{}
	hasKeys                        bool
	inclusiveEnd                   bool
	descending                     bool
	includeDocs                    bool
	reduce                         bool
	hasReduce                      bool
	group                          bool
	groupLevel                     int
	limit                          int // -1 means no limit
	skip                           int
	includeDesign                  bool // From the design document's options, not the query
}

// Query values are JSON where they parse as JSON, otherwise plain strings.
func parseParam(s string) interface{} {
	var value interface{}
	if err := json.Unmarshal([]byte(s), &value); err != nil {
		return s
	}
	return value
}

func badParam(name string, value interface{}) error {
	return &httpError{http.StatusBadRequest, "query_parse_error", fmt.Sprintf("Invalid value for %s: %v", name, value)}
}

func paramBool(name string, value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b, nil
		}
	}
	return false, badParam(name, value)
}

func paramInt(name string, value interface{}) (int, error) {
	switch v := value.(type) {
	case float64:
		if v >= 0 && v == float64(int(v)) {
			return int(v), nil
		}
	case string:
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i, nil
		}
	}
	return 0, badParam(name, value)
}

// Parses view parameters from the query string and, for POST requests, the "keys"
// member of the body.
func parseViewParams(query url.Values, body map[string]interface{}) (*viewParams, error) {
	p := &viewParams{inclusiveEnd: true, reduce: true, limit: -1}
	var err error
	for name, values := range query {
		if len(values) == 0 {
			continue
		}
		value := parseParam(values[len(values)-1])
		switch name {
		case "key":
			p.key, p.hasKey = value, true
		case "keys":
			if p.keys, p.hasKeys = value.([]interface{}); !p.hasKeys {
				return nil, badParam(name, value)
			}
		case "startkey", "start_key":
			p.startKey, p.hasStartKey = value, true
		case "endkey", "end_key":
			p.endKey, p.hasEndKey = value, true
		case "inclusive_end":
			p.inclusiveEnd, err = paramBool(name, value)
		case "descending":
			p.descending, err = paramBool(name, value)
		case "include_docs":
			p.includeDocs, err = paramBool(name, value)
		case "reduce":
			p.reduce, err = paramBool(name, value)
			p.hasReduce = true
		case "group":
			p.group, err = paramBool(name, value)
		case "group_level":
			p.groupLevel, err = paramInt(name, value)
		case "limit":
			p.limit, err = paramInt(name, value)
		case "skip":
			p.skip, err = paramInt(name, value)
		}
		if err != nil {
			return nil, err
		}
	}
	if keys, ok := body["keys"]; ok {
		if p.keys, p.hasKeys = keys.([]interface{}); !p.hasKeys {
			return nil, badParam("keys", keys)
		}
	}
	return p, nil
}

type compareFunc func(key1, key2 interface{}) int

// Returns true if key sorts before the start of the requested range.
func (p *viewParams) beforeStart(key interface{}, cmp compareFunc) bool {
	dir := 1
	if p.descending {
		dir = -1
	}
	switch {
	case p.hasKey:
		return dir*cmp(key, p.key) < 0
	case p.hasStartKey:
		return dir*cmp(key, p.startKey) < 0
	}
	return false
}

func (p *viewParams) inRange(key interface{}, cmp compareFunc) bool {
	if p.hasKey {
		return cmp(key, p.key) == 0
	}
	if p.beforeStart(key, cmp) {
		return false
	}
	if p.hasEndKey {
		dir := 1
		if p.descending {
			dir = -1
		}
		c := dir * cmp(key, p.endKey)
		if c > 0 || (c == 0 && !p.inclusiveEnd) {
			return false
		}
	}
	return true
}

// Applies view params (startkey/endkey, limit, etc) to rows sorted in ascending key
// order. reducer may be nil for map-only views; getDoc fetches docs for include_docs.
func processViewResult(ctx context.Context, rows []*Row, p *viewParams, cmp compareFunc,
	reducer Reducer, getDoc func(id string) interface{}) (*ViewResult, error) {
	result := &ViewResult{TotalRows: len(rows)}

	if p.descending {
		reversed := make([]*Row, len(rows))
		for i, row := range rows {
			reversed[len(rows)-1-i] = row
		}
		rows = reversed
	}

	selected := make([]*Row, 0, len(rows))
	if p.hasKeys {
		for _, key := range p.keys {
			for _, row := range rows {
				if cmp(row.Key, key) == 0 {
					selected = append(selected, row)
				}
			}
		}
	} else {
		for _, row := range rows {
			if p.beforeStart(row.Key, cmp) {
				result.Offset++
			} else if p.inRange(row.Key, cmp) {
				selected = append(selected, row)
			}
		}
	}

	switch {
	case reducer != nil && p.reduce:
		if p.includeDocs {
			return nil, &httpError{http.StatusBadRequest, "query_parse_error", "`include_docs` is invalid for reduce"}
		}
		reduced, err := reduceRows(ctx, selected, p, cmp, reducer)
		if err != nil {
			return nil, err
		}
		selected = reduced
		result.Reduced = true
	case reducer == nil && p.hasReduce && p.reduce:
		return nil, &httpError{http.StatusBadRequest, "query_parse_error", "Reduce is invalid for map-only views."}
	case reducer == nil && (p.group || p.groupLevel > 0):
		return nil, &httpError{http.StatusBadRequest, "query_parse_error", "Invalid use of grouping on a map view."}
	}

	if p.skip > 0 {
		if p.skip >= len(selected) {
			selected = selected[:0]
		} else {
			selected = selected[p.skip:]
		}
	}
	if p.limit >= 0 && len(selected) > p.limit {
		selected = selected[:p.limit]
	}

	if p.includeDocs && !result.Reduced {
		withDocs := make([]*Row, len(selected))
		for i, row := range selected {
			copied := *row
			copied.Doc = getDoc(row.ID)
			withDocs[i] = &copied
		}
		selected = withDocs
	}

	result.Rows = selected
	trace(ctx, "\t... view returned %d rows", len(result.Rows))
	return result, nil
}

// Maximum number of rows reduced in one call; larger groups are reduced in chunks
// whose results are then rereduced, as a B-tree would.
const kReduceChunkSize = 16

func groupKey(key interface{}, p *viewParams) interface{} {
	if p.group && p.groupLevel == 0 {
		return key
	}
	if p.groupLevel > 0 {
		if arr, ok := key.([]interface{}); ok && len(arr) > p.groupLevel {
			return arr[:p.groupLevel]
		}
		return key
	}
	return nil
}

func reduceRows(ctx context.Context, rows []*Row, p *viewParams, cmp compareFunc, reducer Reducer) ([]*Row, error) {
	out := []*Row{}
	for start := 0; start < len(rows); {
		key := groupKey(rows[start].Key, p)
		end := start + 1
		for end < len(rows) && cmp(groupKey(rows[end].Key, p), key) == 0 {
			end++
		}
		value, err := reduceGroup(ctx, rows[start:end], reducer)
		if err != nil {
			return nil, err
		}
		out = append(out, &Row{Key: key, Value: value})
		start = end
	}
	return out, nil
}

func reduceGroup(ctx context.Context, rows []*Row, reducer Reducer) (interface{}, error) {
	if len(rows) <= kReduceChunkSize {
		return reducer.Reduce(ctx, rowKeys(rows), rowValues(rows), false)
	}
	var partials []interface{}
	for start := 0; start < len(rows); start += kReduceChunkSize {
		end := start + kReduceChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		partial, err := reducer.Reduce(ctx, rowKeys(rows[start:end]), rowValues(rows[start:end]), false)
		if err != nil {
			return nil, err
		}
		partials = append(partials, partial)
	}
	return reducer.Reduce(ctx, nil, partials, true)
}

func rowKeys(rows []*Row) []interface{} {
	keys := make([]interface{}, len(rows))
	for i, row := range rows {
		keys[i] = []interface{}{row.Key, row.ID}
	}
	return keys
}

func rowValues(rows []*Row) []interface{} {
	values := make([]interface{}, len(rows))
	for i, row := range rows {
		values[i] = row.Value
	}
	return values
}

// A Reducer is a view's reduce function: a builtin such as "_count", or JavaScript.
type Reducer interface {
	Reduce(ctx context.Context, keys []interface{}, values []interface{}, rereduce bool) (interface{}, error)
}

type builtinReducer func(values []interface{}, rereduce bool) (interface{}, error)

func (f builtinReducer) Reduce(ctx context.Context, keys []interface{}, values []interface{}, rereduce bool) (interface{}, error) {
	return f(values, rereduce)
}

func sumValues(values []interface{}) (interface{}, error) {
	total := float64(0)
	for _, value := range values {
		n, ok := value.(float64)
		if !ok {
			return nil, &httpError{http.StatusInternalServerError, "builtin_reduce_error", fmt.Sprintf("_sum function requires that map values be numbers, got %v", value)}
		}
		total += n
	}
	return total, nil
}

// Returns the builtin reduce function named name, or nil.
func builtinReduce(name string) Reducer {
	switch name {
	case "_count":
		return builtinReducer(func(values []interface{}, rereduce bool) (interface{}, error) {
			if rereduce {
				return sumValues(values)
			}
			return float64(len(values)), nil
		})
	case "_sum":
		return builtinReducer(func(values []interface{}, rereduce bool) (interface{}, error) {
			return sumValues(values)
		})
	}
	return nil
}
