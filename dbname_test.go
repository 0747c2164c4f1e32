// Copyright 2023-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package couchtiny

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidDatabaseName(t *testing.T) {

	validNames := []string{
		"mydb",
		"a",
		"abc123",
		"my_db$(x)+y-z/w",
		"_users",
		"_replicator",
		strings.Repeat("a", maxDatabaseNameLength),
	}

	invalidNames := []string{
		"",
		"MyDb",
		"1db",
		"_db",
		"my db",
		"a:1",
		"_design",
		strings.Repeat("a", maxDatabaseNameLength+1),
	}

	for _, name := range validNames {
		assert.True(t, IsValidDatabaseName(name), "%q should be valid", name)
	}
	for _, name := range invalidNames {
		assert.False(t, IsValidDatabaseName(name), "%q should be invalid", name)
	}
}

func TestValidDatabase(t *testing.T) {
	server := NewServer("http://127.0.0.1:5984", WithUUIDs(RandomUUIDs{}))

	db, err := server.ValidDatabase("a/b")
	require.NoError(t, err)
	assert.Equal(t, "a/b", db.Name())
	assert.Equal(t, "http://127.0.0.1:5984/a%2Fb", db.URL())

	_, err = server.ValidDatabase("A")
	assert.Error(t, err)
}
