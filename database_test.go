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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseLifecycle(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	server := db.Server()

	exists, err := db.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "couchtiny_test", db.Name())
	assert.Equal(t, server.URL()+"/couchtiny_test", db.URL())

	err = db.Create(ctx)
	assert.Equal(t, "file_exists", ErrorType(err))

	_, err = db.Put(ctx, Doc{"_id": "a"}, nil)
	require.NoError(t, err)
	info, err := db.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "couchtiny_test", info["db_name"])
	assert.Equal(t, float64(1), info["doc_count"])

	require.NoError(t, db.Recreate(ctx))
	info, err = db.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(0), info["doc_count"])
	require.NoError(t, db.Compact(ctx))

	require.NoError(t, db.Drop(ctx))
	exists, err = db.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.True(t, IsNotFound(db.Drop(ctx)))

	// Recreate doesn't mind a missing database.
	require.NoError(t, db.Recreate(ctx))
}

func TestDatabaseDocuments(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)

	doc := Doc{"_id": "a/b", "x": 1}
	result, err := db.Put(ctx, doc, nil)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "a/b", result.ID)
	assert.Equal(t, result.Rev, doc.Rev())

	got, err := db.Get(ctx, "a/b", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), got["x"])

	var typed struct {
		ID string `json:"_id"`
		X  int    `json:"x"`
	}
	require.NoError(t, db.GetInto(ctx, "a/b", nil, &typed))
	assert.Equal(t, "a/b", typed.ID)
	assert.Equal(t, 1, typed.X)

	// PutNoUpdate leaves the document alone, so it can be saved twice.
	fresh := Doc{"y": 2}
	r1, err := db.PutNoUpdate(ctx, fresh, nil)
	require.NoError(t, err)
	r2, err := db.PutNoUpdate(ctx, fresh, nil)
	require.NoError(t, err)
	assert.NotEqual(t, r1.ID, r2.ID)
	assert.Equal(t, "", fresh.ID())
	assert.Equal(t, "", fresh.Rev())

	_, err = db.Put(ctx, Doc{"_id": "a/b"}, nil)
	assert.True(t, IsConflict(err))

	result, err = db.Copy(ctx, "a/b", "c", "")
	require.NoError(t, err)
	assert.Equal(t, "c", result.ID)
	copied, err := db.Get(ctx, "c", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), copied["x"])

	_, err = db.Copy(ctx, "a/b", "c", "")
	assert.True(t, IsConflict(err))
	_, err = db.Copy(ctx, "a/b", "c", copied.Rev())
	assert.NoError(t, err)

	_, err = db.Delete(ctx, Doc{"_id": "a/b"}, "")
	assert.Error(t, err, "a rev is required")
	result, err = db.Delete(ctx, doc, "")
	require.NoError(t, err)
	assert.True(t, result.OK)
	_, err = db.Get(ctx, "a/b", nil)
	assert.True(t, IsNotFound(err))
}

func TestDatabaseBulkDocs(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)

	docs := []Doc{{"_id": "a"}, {"x": 1}}
	results, err := db.BulkDocs(ctx, docs, BulkOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, results[0].Rev, docs[0].Rev())
	assert.Equal(t, results[1].ID, docs[1].ID())

	stale := []Doc{{"_id": "a"}, {"_id": "b"}}
	results, err = db.BulkDocsNoUpdate(ctx, stale, BulkOptions{AllOrNothing: true})
	require.NoError(t, err)
	assert.Equal(t, ErrorConflict, results[0].Error)
	assert.True(t, results[1].OK())
	assert.Equal(t, "", stale[1].Rev())
}

func TestDatabaseAllDocs(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	for _, id := range []string{"c", "a", "b"} {
		_, err := db.Put(ctx, Doc{"_id": id}, nil)
		require.NoError(t, err)
	}

	result, err := db.AllDocs(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalRows)
	require.Len(t, result.Rows, 3)
	assert.Equal(t, "a", result.Rows[0].ID)
	assert.Nil(t, result.Rows[0].Doc)

	result, err = db.AllDocs(ctx, Options{"keys": []string{"b", "zz"}, "include_docs": true})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "b", result.Rows[0].Doc.ID())
	assert.Equal(t, ErrorNotFound, result.Rows[1].Error)

	var ids []string
	meta, err := db.AllDocsEach(ctx, Options{"startkey": "b"}, func(row *ViewRow) error {
		ids = append(ids, row.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)
	assert.Equal(t, float64(3), meta["total_rows"])
	assert.Equal(t, float64(1), meta["offset"])
}

func TestDatabaseRows(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	for _, id := range []string{"c", "a", "b"} {
		_, err := db.Put(ctx, Doc{"_id": id, "x": id}, nil)
		require.NoError(t, err)
	}

	rows, err := db.AllDocsRows(ctx, Options{"startkey": "b"})
	require.NoError(t, err)
	var ids []string
	row := &ViewRow{}
	for rows.Next(row) {
		ids = append(ids, row.ID)
	}
	require.NoError(t, rows.Close())
	assert.Equal(t, []string{"b", "c"}, ids)
	meta := rows.(*RowStream).Meta()
	assert.Equal(t, float64(3), meta["total_rows"])

	_, err = db.Put(ctx, Doc{"_id": "_design/d", "views": map[string]interface{}{
		"by_x": map[string]interface{}{"map": mapByX},
	}}, nil)
	require.NoError(t, err)
	rows, err = db.Rows(ctx, "d", "by_x", Options{"descending": true})
	require.NoError(t, err)
	require.NoError(t, rows.One(row))
	assert.Equal(t, "c", row.Key)

	_, err = db.Rows(ctx, "d", "missing", nil)
	assert.True(t, IsNotFound(err))
	_, err = db.Rows(ctx, "nope", "by_x", nil)
	assert.True(t, IsNotFound(err))
}

func TestViewResultIterator(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	for _, id := range []string{"a", "b"} {
		_, err := db.Put(ctx, Doc{"_id": id}, nil)
		require.NoError(t, err)
	}

	result, err := db.AllDocs(ctx, Options{"include_docs": true})
	require.NoError(t, err)
	var it RowIterator = result
	var ids []string
	row := &ViewRow{}
	for it.Next(row) {
		ids = append(ids, row.ID)
		assert.Equal(t, row.ID, row.Doc.ID())
	}
	require.NoError(t, it.Close())
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Nil(t, it.NextBytes(), "exhausted")

	result, err = db.AllDocs(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, result.One(row))
	assert.Equal(t, "a", row.ID)

	result, err = db.AllDocs(ctx, Options{"startkey": "z"})
	require.NoError(t, err)
	assert.ErrorIs(t, result.One(row), ErrNoRows)

	// An unmarshalable target stops iteration and is reported by Close.
	result, err = db.AllDocs(ctx, nil)
	require.NoError(t, err)
	var wrong []int
	assert.False(t, result.Next(&wrong))
	assert.Error(t, result.Close())
}

func TestDatabaseTempView(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	for i := 1; i <= 3; i++ {
		_, err := db.Put(ctx, Doc{"x": i}, nil)
		require.NoError(t, err)
	}

	result, err := db.TempView(ctx, ViewDef{Map: mapByX}, Options{"descending": true})
	require.NoError(t, err)
	require.Len(t, result.Rows, 3)
	assert.Equal(t, float64(3), result.Rows[0].Key)

	result, err = db.TempView(ctx, ViewDef{Map: mapByX, Reduce: "_count"}, nil)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, 3, result.Rows[0].ValueInt())

	result, err = db.TempView(ctx, ViewDef{Map: `function(doc) { emit(null, doc.x); }`, Reduce: "_sum"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Rows[0].ValueInt())

	_, err = db.TempView(ctx, ViewDef{Map: "function(doc) {"}, nil)
	assert.Equal(t, "compilation_error", ErrorType(err))
}

func TestOpenDatabase(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)

	other, err := OpenDatabase(db.URL())
	require.NoError(t, err)
	assert.Equal(t, "couchtiny_test", other.Name())
	assert.Equal(t, db.Server().URL(), other.Server().URL())
	exists, err := other.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	escaped, err := OpenDatabase("http://127.0.0.1:5984/a%2Fb")
	require.NoError(t, err)
	assert.Equal(t, "a/b", escaped.Name())
	assert.Equal(t, "http://127.0.0.1:5984/a%2Fb", escaped.URL())

	_, err = OpenDatabase("http://127.0.0.1:5984/")
	assert.Error(t, err)
}

func TestServerOperations(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	server := db.Server()

	info, err := server.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Welcome", info["couchdb"])

	dbs, err := server.AllDBs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"couchtiny_test"}, dbs)

	tasks, err := server.ActiveTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	_, err = server.Config(ctx)
	assert.NoError(t, err)
	_, err = server.Stats(ctx)
	assert.NoError(t, err)

	_, err = db.Put(ctx, Doc{"_id": "a"}, nil)
	require.NoError(t, err)
	target := server.Database("target")
	require.NoError(t, target.Create(ctx))
	result, err := server.Replicate(ctx, db.URL(), "target")
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	_, err = target.Get(ctx, "a", nil)
	assert.NoError(t, err)

	_, err = server.Replicate(ctx, "couchtiny_test", "nonesuch")
	assert.True(t, IsNotFound(err))

	require.NoError(t, server.Restart(ctx))
	dbs, err = server.AllDBs(ctx)
	require.NoError(t, err)
	assert.Empty(t, dbs)
}
