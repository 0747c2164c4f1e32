//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtest

import (
	"encoding/json"
	"errors"
	"net/http"
)

// An error with the status and body CouchDB would respond with.
type httpError struct {
	status int
	kind   string
	reason string
}

func (e *httpError) Error() string {
	return e.kind + ": " + e.reason
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// writeJSONError writes err as a CouchDB error response. Errors that didn't come
// from the server itself are reported as 500s.
func writeJSONError(w http.ResponseWriter, err error) {
	var hErr *httpError
	if !errors.As(err, &hErr) {
		hErr = &httpError{http.StatusInternalServerError, "unknown_error", err.Error()}
	}
	writeJSON(w, hErr.status, ErrorResponse{Error: hErr.kind, Reason: hErr.reason})
}

func badRequest(reason string) error {
	return &httpError{http.StatusBadRequest, "bad_request", reason}
}
