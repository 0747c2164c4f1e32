//  Copyright 2023-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtiny

import (
	"fmt"
	"regexp"
)

// Databases the server creates for itself, whose names break the usual rule.
var systemDatabases = map[string]bool{
	"_users":          true,
	"_replicator":     true,
	"_global_changes": true,
}

const maxDatabaseNameLength = 238

var dbNameRegexp = regexp.MustCompile(`^[a-z][a-z0-9_$()+/-]*$`)

// Returns true if name is a valid CouchDB database name: a lowercase letter followed
// by lowercase letters, digits and any of _$()+-/, or a system database.
func IsValidDatabaseName(name string) bool {
	if systemDatabases[name] {
		return true
	}
	return len(name) <= maxDatabaseNameLength && dbNameRegexp.MatchString(name)
}

// Validates the name and returns a handle on the database.
func (s *Server) ValidDatabase(name string) (*Database, error) {
	if !IsValidDatabaseName(name) {
		return nil, fmt.Errorf("invalid database name '%s'", name)
	}
	return s.Database(name), nil
}
