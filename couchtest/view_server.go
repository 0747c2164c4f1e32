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
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// Reads the body of a view request, if any.
func readViewBody(r *http.Request) (map[string]interface{}, error) {
	if r.Method != http.MethodPost {
		return nil, nil
	}
	var body map[string]interface{}
	if err := readJSON(r, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *Server) handleAllDocs(w http.ResponseWriter, r *http.Request) {
	db := s.database(w, r)
	if db == nil {
		return
	}
	body, err := readViewBody(r)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	p, err := parseViewParams(r.URL.Query(), body)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	result, err := allDocs(r.Context(), db, p)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeViewResult(w, result)
}

func allDocs(ctx context.Context, db *database, p *viewParams) (*ViewResult, error) {
	docs := db.snapshot(true)
	byID := make(map[string]map[string]interface{}, len(docs))
	rows := make([]*Row, len(docs))
	for i, doc := range docs {
		byID[doc.id] = doc.doc
		rows[i] = &Row{ID: doc.id, Key: doc.id, Value: map[string]interface{}{"rev": doc.doc["_rev"]}}
	}
	getDoc := func(id string) interface{} {
		if doc, ok := byID[id]; ok {
			return doc
		}
		return nil
	}
	if !p.hasKeys {
		return processViewResult(ctx, rows, p, compareRaw, nil, getDoc)
	}

	// Every requested key gets a row, in the order given.
	keyed := make([]*Row, 0, len(p.keys))
	for _, key := range p.keys {
		id, _ := key.(string)
		if doc, ok := byID[id]; ok {
			keyed = append(keyed, &Row{ID: id, Key: id, Value: map[string]interface{}{"rev": doc["_rev"]}})
		} else if rev, deleted := db.deletedRev(id); deleted {
			keyed = append(keyed, &Row{ID: id, Key: id, Value: map[string]interface{}{"rev": rev, "deleted": true}})
		} else {
			keyed = append(keyed, &Row{Key: key, Error: "not_found"})
		}
	}
	paging := &viewParams{includeDocs: p.includeDocs, limit: p.limit, skip: p.skip}
	result, err := processViewResult(ctx, keyed, paging, compareRaw, nil, getDoc)
	if err != nil {
		return nil, err
	}
	result.TotalRows = len(rows)
	return result, nil
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	db := s.database(w, r)
	if db == nil {
		return
	}
	ddoc, err := db.get(docID(r))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	views, _ := ddoc.body["views"].(map[string]interface{})
	def, ok := views[pathVar(r, "view")].(map[string]interface{})
	if !ok {
		writeJSONError(w, errMissing("missing_named_view"))
		return
	}
	mapSrc, _ := def["map"].(string)
	reduceSrc, _ := def["reduce"].(string)
	// local_seq is accepted and ignored.
	options, _ := ddoc.body["options"].(map[string]interface{})
	includeDesign, _ := options["include_design"].(bool)
	s.serveView(w, r, db, mapSrc, reduceSrc, includeDesign)
}

func (s *Server) handleTempView(w http.ResponseWriter, r *http.Request) {
	db := s.database(w, r)
	if db == nil {
		return
	}
	var body map[string]interface{}
	if err := readJSON(r, &body); err != nil {
		writeJSONError(w, err)
		return
	}
	mapSrc, _ := body["map"].(string)
	reduceSrc, _ := body["reduce"].(string)
	if mapSrc == "" {
		writeJSONError(w, badRequest("`map` is required"))
		return
	}
	p, err := parseViewParams(r.URL.Query(), body)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	s.runAndWriteView(w, r, db, mapSrc, reduceSrc, p)
}

func (s *Server) serveView(w http.ResponseWriter, r *http.Request, db *database, mapSrc, reduceSrc string, includeDesign bool) {
	body, err := readViewBody(r)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	p, err := parseViewParams(r.URL.Query(), body)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	p.includeDesign = includeDesign
	s.runAndWriteView(w, r, db, mapSrc, reduceSrc, p)
}

func (s *Server) runAndWriteView(w http.ResponseWriter, r *http.Request, db *database, mapSrc, reduceSrc string, p *viewParams) {
	result, err := s.runView(r.Context(), db, mapSrc, reduceSrc, p)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeViewResult(w, result)
}

// Returns the compiled map function for src, compiling it on first use.
func (s *Server) mapFunction(src string) (*JSMapFunction, error) {
	s.fnMu.Lock()
	defer s.fnMu.Unlock()
	if fn := s.mapFns[src]; fn != nil {
		return fn, nil
	}
	fn, err := NewJSMapFunction(src)
	if err != nil {
		return nil, &httpError{http.StatusBadRequest, "compilation_error", err.Error()}
	}
	s.mapFns[src] = fn
	return fn, nil
}

// Returns the reducer for src: a builtin if it starts with "_", else JavaScript.
func (s *Server) reducer(src string) (Reducer, error) {
	if strings.HasPrefix(src, "_") {
		if builtin := builtinReduce(src); builtin != nil {
			return builtin, nil
		}
		return nil, &httpError{http.StatusBadRequest, "unknown_builtin_reduce", fmt.Sprintf("Unknown builtin reduce function: %s", src)}
	}
	s.fnMu.Lock()
	defer s.fnMu.Unlock()
	if fn := s.reduceFns[src]; fn != nil {
		return fn, nil
	}
	fn, err := NewJSReduceFunction(src)
	if err != nil {
		return nil, &httpError{http.StatusBadRequest, "compilation_error", err.Error()}
	}
	s.reduceFns[src] = fn
	return fn, nil
}

// Maps every non-design document (or every document, if the design document sets
// include_design), sorts the emitted rows by key and then id, and
// applies the query parameters. Documents whose map call fails are skipped.
func (s *Server) runView(ctx context.Context, db *database, mapSrc, reduceSrc string, p *viewParams) (*ViewResult, error) {
	mapFn, err := s.mapFunction(mapSrc)
	if err != nil {
		return nil, err
	}
	var reducer Reducer
	if reduceSrc != "" {
		if reducer, err = s.reducer(reduceSrc); err != nil {
			return nil, err
		}
	}

	docs := db.snapshot(p.includeDesign)
	byID := make(map[string]map[string]interface{}, len(docs))
	for _, doc := range docs {
		byID[doc.id] = doc.doc
	}
	rows := parallelMap(ctx, docs, 0,
		func(doc docSnapshot) ([]*Row, error) {
			return mapFn.CallFunction(ctx, doc.json, doc.id)
		},
		func(doc docSnapshot, err error) {
			warn(ctx, "map function failed on doc %q: %v", doc.id, err)
		})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var collator JSONCollator
	sort.Slice(rows, func(i, j int) bool {
		if c := collator.Collate(rows[i].Key, rows[j].Key); c != 0 {
			return c < 0
		}
		return rows[i].ID < rows[j].ID
	})
	debug(ctx, "view on %s emitted %d rows from %d docs", db.name, len(rows), len(docs))

	getDoc := func(id string) interface{} {
		if doc, ok := byID[id]; ok {
			return doc
		}
		return nil
	}
	return processViewResult(ctx, rows, p, collator.Collate, reducer, getDoc)
}

// Writes a view result one row per line, the way CouchDB streams it.
func writeViewResult(w http.ResponseWriter, result *ViewResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if result.Reduced {
		_, _ = io.WriteString(w, "{\"rows\":[\r\n")
	} else {
		_, _ = fmt.Fprintf(w, "{\"total_rows\":%d,\"offset\":%d,\"rows\":[\r\n", result.TotalRows, result.Offset)
	}
	for i, row := range result.Rows {
		if i > 0 {
			_, _ = io.WriteString(w, ",\r\n")
		}
		data, err := json.Marshal(row)
		if err != nil {
			data, _ = json.Marshal(&Row{ID: row.ID, Key: row.Key, Error: err.Error()})
		}
		_, _ = w.Write(data)
	}
	_, _ = io.WriteString(w, "\r\n]}\n")
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
