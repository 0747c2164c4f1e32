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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentSaveHooks(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	_, barClass := newTestRegistry()

	bar := barClass.On(db).New(Doc{"x": 1}).(*Bar)
	bar.calls = nil
	ok, err := bar.Save(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"BeforeSave", "BeforeCreate", "AfterCreate", "AfterSave"}, bar.calls)
	assert.NotEmpty(t, bar.ID())
	assert.NotEmpty(t, bar.Rev())
	assert.False(t, bar.IsNew())

	bar.calls = nil
	bar.Set("x", 2)
	ok, err = bar.Save(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"BeforeSave", "BeforeUpdate", "AfterUpdate", "AfterSave"}, bar.calls)

	stored, err := db.Get(ctx, bar.ID(), nil)
	require.NoError(t, err)
	assert.Equal(t, float64(2), stored["x"])
	assert.Equal(t, "Bar", stored["type"])
	assert.Equal(t, bar.Rev(), stored.Rev())
}

func TestDocumentSaveBeforeHookFails(t *testing.T) {
	ctx := context.Background()
	db, log := newTestDB(t)
	_, barClass := newTestRegistry()

	for _, hook := range []string{"BeforeSave", "BeforeCreate"} {
		bar := barClass.On(db).New(nil).(*Bar).failOn(hook)
		bar.calls = nil
		ok, err := bar.Save(ctx)
		assert.EqualError(t, err, hook+" failed")
		assert.False(t, ok)
		assert.True(t, bar.IsNew())
		assert.NotContains(t, bar.calls, "AfterSave")
	}
	assert.Equal(t, 0, log.count("PUT", "/couchtiny_test/"))
}

func TestDocumentSaveAfterHookFails(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	_, barClass := newTestRegistry()

	bar := barClass.On(db).New(nil).(*Bar).failOn("AfterCreate")
	bar.calls = nil
	ok, err := bar.Save(ctx)
	assert.EqualError(t, err, "AfterCreate failed")
	assert.True(t, ok, "the write succeeded")
	assert.False(t, bar.IsNew())
	assert.Equal(t, []string{"BeforeSave", "BeforeCreate", "AfterCreate"}, bar.calls)
}

func TestDocumentSaveConflict(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	_, barClass := newTestRegistry()
	finder := barClass.On(db)

	m, err := finder.Create(ctx, Doc{"x": 1})
	require.NoError(t, err)
	m2, err := finder.Get(ctx, m.Base().ID(), nil)
	require.NoError(t, err)

	m.Base().Set("x", 2)
	_, err = m.Base().Save(ctx)
	require.NoError(t, err)

	bar2 := m2.(*Bar)
	rev := bar2.Rev()
	bar2.calls = nil
	bar2.Set("x", 3)
	ok, err := bar2.Save(ctx)
	assert.True(t, IsConflict(err), "%v", err)
	assert.False(t, ok)
	assert.Equal(t, rev, bar2.Rev())
	assert.Equal(t, []string{"BeforeSave", "BeforeUpdate"}, bar2.calls)
}

func TestDocumentDestroy(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	_, barClass := newTestRegistry()

	m, err := barClass.On(db).Create(ctx, nil)
	require.NoError(t, err)
	bar := m.(*Bar)
	bar.calls = nil
	ok, err := bar.Destroy(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"BeforeDestroy", "AfterDestroy"}, bar.calls)
	_, err = db.Get(ctx, bar.ID(), nil)
	assert.True(t, IsNotFound(err))

	m, err = barClass.On(db).Create(ctx, nil)
	require.NoError(t, err)
	bar = m.(*Bar).failOn("BeforeDestroy")
	_, err = bar.Destroy(ctx)
	assert.EqualError(t, err, "BeforeDestroy failed")
	_, err = db.Get(ctx, bar.ID(), nil)
	assert.NoError(t, err)
}

func TestDocumentNoDatabase(t *testing.T) {
	ctx := context.Background()
	_, barClass := newTestRegistry()
	bar := barClass.New(nil).(*Bar)
	bar.calls = nil

	_, err := bar.Save(ctx)
	assert.ErrorIs(t, err, ErrNoDatabase)
	_, err = bar.Destroy(ctx)
	assert.ErrorIs(t, err, ErrNoDatabase)
	_, _, err = bar.GetAttachment(ctx, "a")
	assert.ErrorIs(t, err, ErrNoDatabase)
	_, err = bar.PutAttachment(ctx, "a", nil, "")
	assert.ErrorIs(t, err, ErrNoDatabase)
	_, err = bar.DeleteAttachment(ctx, "a")
	assert.ErrorIs(t, err, ErrNoDatabase)
	assert.Empty(t, bar.calls, "hooks are not run without a database")

	_, err = barClass.Find().Get(ctx, "x", nil)
	assert.ErrorIs(t, err, ErrNoDatabase)
}

func TestDocumentAllocatesID(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	r, _ := newTestRegistry()
	counters := r.Lookup("Counter").On(db)

	for _, want := range []string{"counter-1", "counter-2"} {
		m, err := counters.Create(ctx, nil)
		require.NoError(t, err)
		assert.IsType(t, &Counter{}, m)
		assert.Equal(t, want, m.Base().ID())
	}
	m, err := counters.Get(ctx, "counter-2", nil)
	require.NoError(t, err)
	assert.IsType(t, &Counter{}, m)
}

func TestDocumentAttachments(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	r := NewRegistry()

	m, err := r.Generic().On(db).Create(ctx, Doc{"_id": "withatt"})
	require.NoError(t, err)
	doc := m.Base()
	rev := doc.Rev()

	ok, err := doc.PutAttachment(ctx, "hello.txt", []byte("hello world"), "text/plain")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, rev, doc.Rev())

	data, contentType, err := doc.GetAttachment(ctx, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.True(t, strings.HasPrefix(contentType, "text/plain"))

	rev = doc.Rev()
	ok, err = doc.DeleteAttachment(ctx, "hello.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, rev, doc.Rev())
	_, _, err = doc.GetAttachment(ctx, "hello.txt")
	assert.True(t, IsNotFound(err))
}

func TestDocumentAccessors(t *testing.T) {
	_, barClass := newTestRegistry()
	db := NewServer("http://127.0.0.1:5984").Database("things")
	d := barClass.On(db).New(Doc{"_id": "abc", "n": 1}).Base()

	assert.Equal(t, "abc", d.ID())
	assert.True(t, d.IsNew())
	d.SetRev("1-x")
	assert.Equal(t, "1-x", d.Rev())
	assert.False(t, d.IsNew())
	assert.Equal(t, "", d.GetString("n"))
	assert.Equal(t, "Bar", d.GetString("type"))
	d.Delete("n")
	assert.Nil(t, d.Get("n"))
	assert.IsType(t, &Bar{}, d.Model())

	s := d.String()
	assert.True(t, strings.HasPrefix(s, "#<Bar:"), s)
	assert.Contains(t, s, "abc")
	assert.True(t, strings.HasSuffix(s, " on http://127.0.0.1:5984/things>"), s)

	plain := &Document{doc: Doc{}}
	assert.Equal(t, "#<Document:map[]>", plain.String())
	assert.Same(t, plain, plain.Model())
}
