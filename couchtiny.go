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
	"errors"
	"fmt"
	"net/http"
)

// Raw representation of a stored document: a string-keyed mapping of JSON values.
type Doc map[string]interface{}

// Body implements Record.
func (d Doc) Body() Doc {
	return d
}

// ID returns the document's _id, or "" if it has none yet.
func (d Doc) ID() string {
	id, _ := d["_id"].(string)
	return id
}

// Rev returns the document's _rev, or "" if it has never been saved.
func (d Doc) Rev() string {
	rev, _ := d["_rev"].(string)
	return rev
}

// A Record is anything that can be written to a database: a plain Doc, or a Model
// wrapping one. Body must return the live mapping, not a copy, so that id/rev
// updates after a write are visible to the caller.
type Record interface {
	Body() Doc
}

// Options holds query parameters for view and document requests.
type Options map[string]interface{}

// Clone returns a shallow copy, so that callers' option maps are never mutated.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

func (o Options) truthy(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// Codec serializes documents and responses. The default is JSONCodec.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// A Transport carries requests to a CouchDB server. Paths are relative to the
// server root and already escaped. out may be nil when the response is not needed.
type Transport interface {
	URL() string
	Codec() Codec
	Get(ctx context.Context, path string, out interface{}) error
	GetRaw(ctx context.Context, path string) (data []byte, contentType string, err error)
	Put(ctx context.Context, path string, body interface{}, out interface{}) error
	PutRaw(ctx context.Context, path string, data []byte, contentType string, out interface{}) error
	Post(ctx context.Context, path string, body interface{}, out interface{}) error
	Delete(ctx context.Context, path string, out interface{}) error
	Copy(ctx context.Context, path string, destination string, out interface{}) error

	// Stream issues a GET, or a POST when body is non-nil, and returns a row
	// stream over the response. The caller must Close it.
	Stream(ctx context.Context, path string, body interface{}) (*RowStream, error)
}

// Error is a failure description returned by the server, e.g. {"error":"conflict","reason":"..."}.
// Callbacks may also return one to choose the error kind reported in bulk results.
type Error struct {
	StatusCode int    `json:"-"`
	Type       string `json:"error"`
	Reason     string `json:"reason"`
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("couchdb: %s (%s) [%d]", e.Type, e.Reason, e.StatusCode)
	}
	return "couchdb: " + e.Type + " (" + e.Reason + ")"
}

// Error types reported by CouchDB.
const (
	ErrorNotFound   = "not_found"
	ErrorConflict   = "conflict"
	ErrorForbidden  = "forbidden"
	ErrorBadRequest = "bad_request"

	// Kind given to bulk results for callback failures that aren't an *Error.
	ErrorCallback = "callback_error"
)

// Error returned by a UUIDAllocator that could not obtain an identifier.
var ErrNoUUIDs = errors.New("couchtiny: failed to obtain uuid")

// Error returned from RowStream.One if there are no rows.
var ErrNoRows = errors.New("couchtiny: no rows in view result")

// Error given in a bulk result for an item with no document body.
var ErrNilDocument = errors.New("couchtiny: nil document")

// Error returned when a Document or Finder has no database to work on.
var ErrNoDatabase = errors.New("couchtiny: database not set, try UseDatabase or On")

// ErrorType returns the shortform CouchDB error type (e.g. "conflict") if err
// originated from the server, or "" otherwise.
func ErrorType(err error) string {
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr.Type
	}
	return ""
}

// IsNotFound returns true if err is a 404 / not_found response.
func IsNotFound(err error) bool {
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr.StatusCode == http.StatusNotFound || cErr.Type == ErrorNotFound
	}
	return false
}

// IsConflict returns true if err is a 409 / conflict response.
func IsConflict(err error) bool {
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr.StatusCode == http.StatusConflict || cErr.Type == ErrorConflict
	}
	return false
}

// Result of a single document write.
type WriteResult struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

// One entry of a _bulk_docs response. Successful entries carry a Rev; failed
// ones carry Error and Reason.
type BulkResult struct {
	ID     string `json:"id,omitempty"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Err is set when the failure was raised by a callback rather than the server.
	Err error `json:"-"`
}

// OK returns true if the item was written.
func (r BulkResult) OK() bool {
	return r.Rev != "" && r.Error == ""
}

func failedResult(id string, err error) BulkResult {
	var cErr *Error
	if errors.As(err, &cErr) {
		return BulkResult{ID: id, Error: cErr.Type, Reason: cErr.Reason, Err: err}
	}
	return BulkResult{ID: id, Error: ErrorCallback, Reason: err.Error(), Err: err}
}

// Options for bulk writes.
type BulkOptions struct {
	// Passed through to the server; atomicity is whatever the server provides.
	AllOrNothing bool
}
