//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

// Package couchtest is an in-memory server speaking enough of the CouchDB HTTP API
// for tests and local experiments: databases, documents, attachments, _bulk_docs,
// _all_docs and JavaScript map/reduce views.
//
//	ts := httptest.NewServer(couchtest.NewServer())
//	defer ts.Close()
//
// Only the latest revision of each document is kept, so there are no conflicts or
// revision histories, and views are recomputed on every query.
package couchtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const Version = "1.6.1-couchtest"

// Server is an http.Handler holding any number of in-memory databases.
type Server struct {
	router *mux.Router

	mu  sync.RWMutex // Protects dbs
	dbs map[string]*database

	fnMu      sync.Mutex // Protects mapFns and reduceFns
	mapFns    map[string]*JSMapFunction
	reduceFns map[string]*JSReduceFunction
}

// NewServer returns a server with no databases.
func NewServer() *Server {
	s := &Server{
		router:    mux.NewRouter().UseEncodedPath(),
		dbs:       map[string]*database{},
		mapFns:    map[string]*JSMapFunction{},
		reduceFns: map[string]*JSReduceFunction{},
	}
	s.RegisterRoutes(s.router)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	trace(r.Context(), "%s %s", r.Method, r.URL.RequestURI())
	s.router.ServeHTTP(w, r)
}

// RegisterRoutes registers the CouchDB API with router, which must match on
// encoded paths so that escaped slashes in names stay within one segment.
func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/", s.handleWelcome).Methods("GET")
	router.HandleFunc("/_all_dbs", s.handleAllDBs).Methods("GET")
	router.HandleFunc("/_uuids", s.handleUUIDs).Methods("GET")
	router.HandleFunc("/_active_tasks", s.handleActiveTasks).Methods("GET")
	router.HandleFunc("/_replicate", s.handleReplicate).Methods("POST")
	router.HandleFunc("/_config", s.handleEmpty).Methods("GET")
	router.HandleFunc("/_stats", s.handleEmpty).Methods("GET")
	router.HandleFunc("/_restart", s.handleRestart).Methods("POST")

	// Database operations
	router.HandleFunc("/{db}", s.handleCreateDB).Methods("PUT")
	router.HandleFunc("/{db}", s.handleDBInfo).Methods("GET")
	router.HandleFunc("/{db}", s.handleDeleteDB).Methods("DELETE")
	router.HandleFunc("/{db}", s.handlePostDoc).Methods("POST")
	router.HandleFunc("/{db}/_bulk_docs", s.handleBulkDocs).Methods("POST")
	router.HandleFunc("/{db}/_all_docs", s.handleAllDocs).Methods("GET", "POST")
	router.HandleFunc("/{db}/_temp_view", s.handleTempView).Methods("POST")
	router.HandleFunc("/{db}/_compact", s.handleCompact).Methods("POST")

	// Design documents and their views
	router.HandleFunc("/{db}/_design/{ddoc}/_view/{view}", s.handleView).Methods("GET", "POST")
	router.HandleFunc("/{db}/_design/{ddoc}", s.handleGetDoc).Methods("GET")
	router.HandleFunc("/{db}/_design/{ddoc}", s.handlePutDoc).Methods("PUT")
	router.HandleFunc("/{db}/_design/{ddoc}", s.handleDeleteDoc).Methods("DELETE")
	router.HandleFunc("/{db}/_design/{ddoc}", s.handleCopyDoc).Methods("COPY")

	// Document operations (by ID)
	router.HandleFunc("/{db}/{docid}", s.handleGetDoc).Methods("GET")
	router.HandleFunc("/{db}/{docid}", s.handlePutDoc).Methods("PUT")
	router.HandleFunc("/{db}/{docid}", s.handleDeleteDoc).Methods("DELETE")
	router.HandleFunc("/{db}/{docid}", s.handleCopyDoc).Methods("COPY")

	// Attachments
	router.HandleFunc("/{db}/{docid}/{att}", s.handleGetAttachment).Methods("GET")
	router.HandleFunc("/{db}/{docid}/{att}", s.handlePutAttachment).Methods("PUT")
	router.HandleFunc("/{db}/{docid}/{att}", s.handleDeleteAttachment).Methods("DELETE")
}

// CreateDatabase creates a database unless it already exists.
func (s *Server) CreateDatabase(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dbs[name] == nil {
		s.dbs[name] = newDatabase(name)
	}
}

// DatabaseNames returns the names of all databases, sorted.
func (s *Server) DatabaseNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.dbs))
	for name := range s.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Returns the unescaped value of a route variable.
func pathVar(r *http.Request, name string) string {
	value := mux.Vars(r)[name]
	if unescaped, err := url.PathUnescape(value); err == nil {
		return unescaped
	}
	return value
}

// Returns the database named in the request, or writes a 404.
func (s *Server) database(w http.ResponseWriter, r *http.Request) *database {
	name := pathVar(r, "db")
	s.mu.RLock()
	db := s.dbs[name]
	s.mu.RUnlock()
	if db == nil {
		writeJSONError(w, &httpError{http.StatusNotFound, "not_found", "no_db_file"})
	}
	return db
}

// Decodes a JSON request body into out. An empty body leaves out unchanged.
func readJSON(r *http.Request, out interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return badRequest("invalid UTF-8 JSON")
	}
	return nil
}

func newUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"couchdb": "Welcome",
		"version": Version,
	})
}

func (s *Server) handleAllDBs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.DatabaseNames())
}

func (s *Server) handleUUIDs(w http.ResponseWriter, r *http.Request) {
	count := 1
	if c := r.URL.Query().Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 1 || n > 1000 {
			writeJSONError(w, badRequest("count must be between 1 and 1000"))
			return
		}
		count = n
	}
	uuids := make([]string, count)
	for i := range uuids {
		uuids[i] = newUUID()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"uuids": uuids})
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []interface{}{})
}

// There is no configuration and nothing is counted.
func (s *Server) handleEmpty(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

// Restarting drops every database.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dbs = map[string]*database{}
	s.mu.Unlock()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true})
}

// Replication copies the latest revisions between two local databases, named
// either directly or by URL.
func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
		Target string `json:"target"`
	}
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, err)
		return
	}
	s.mu.RLock()
	source, target := s.dbs[localName(req.Source)], s.dbs[localName(req.Target)]
	s.mu.RUnlock()
	if source == nil || target == nil {
		writeJSONError(w, &httpError{http.StatusNotFound, "not_found", "no_db_file"})
		return
	}
	written := source.replicateTo(target)
	info(r.Context(), "replicated %d docs from %s to %s", written, source.name, target.name)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "docs_written": written})
}

func localName(nameOrURL string) string {
	if u, err := url.Parse(nameOrURL); err == nil && u.Host != "" {
		name, _ := url.PathUnescape(strings.TrimPrefix(u.EscapedPath(), "/"))
		return name
	}
	return nameOrURL
}

func (s *Server) handleCreateDB(w http.ResponseWriter, r *http.Request) {
	name := pathVar(r, "db")
	s.mu.Lock()
	exists := s.dbs[name] != nil
	if !exists {
		s.dbs[name] = newDatabase(name)
	}
	s.mu.Unlock()
	if exists {
		writeJSONError(w, &httpError{http.StatusPreconditionFailed, "file_exists", "The database could not be created, the file already exists."})
		return
	}
	debug(r.Context(), "created database %s", name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true})
}

func (s *Server) handleDBInfo(w http.ResponseWriter, r *http.Request) {
	if db := s.database(w, r); db != nil {
		writeJSON(w, http.StatusOK, db.info())
	}
}

func (s *Server) handleDeleteDB(w http.ResponseWriter, r *http.Request) {
	name := pathVar(r, "db")
	s.mu.Lock()
	exists := s.dbs[name] != nil
	delete(s.dbs, name)
	s.mu.Unlock()
	if !exists {
		writeJSONError(w, &httpError{http.StatusNotFound, "not_found", "missing"})
		return
	}
	debug(r.Context(), "deleted database %s", name)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if db := s.database(w, r); db != nil {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true})
	}
}
